package workflow

import "errors"

// Error taxonomy surfaced to callers of the engine and its handlers.
var (
	ErrNotFound        = errors.New("not found")
	ErrConfigInvalid   = errors.New("config invalid")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrPolicyDenied    = errors.New("policy denied")
	ErrHandlerTimeout  = errors.New("handler timeout")
	ErrUpstreamError   = errors.New("upstream error")
	ErrOnChainError    = errors.New("on-chain error")
	ErrWebhookError    = errors.New("webhook error")
	ErrCancelled       = errors.New("cancelled")
	ErrGraphNotDAG     = errors.New("workflow graph is not a DAG")
	ErrDanglingEdge    = errors.New("edge references unknown node")
	ErrSelfLoop        = errors.New("self-loop not allowed")
	ErrAlreadyComplete = errors.New("execution already in a terminal state")
)
