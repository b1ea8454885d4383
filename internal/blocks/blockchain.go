package blocks

import (
	"context"
	"fmt"

	"github.com/mbd888/alancoin/internal/workflow"
)

// ChainSubmitter is the boundary to the concrete blockchain SDK used to
// actually broadcast a signed transaction — an external collaborator.
type ChainSubmitter interface {
	Submit(ctx context.Context, to, amount string) (txHash string, err error)
}

// BlockchainSendHandler sends a transaction through a delegated session
// key, validating the attempt against the Session-Key Authority before
// ever touching the chain.
type BlockchainSendHandler struct {
	Submitter ChainSubmitter
}

func (h *BlockchainSendHandler) Execute(ctx context.Context, node workflow.Node, ectx *ExecutionContext) (map[string]interface{}, error) {
	sessionKeyID := getString(node.Config, "sessionKeyId")
	to := getString(node.Config, "to")
	amount := getString(node.Config, "amount")
	operation := getString(node.Config, "operation")
	if operation == "" {
		operation = "send"
	}

	if sessionKeyID == "" || to == "" || amount == "" {
		return nil, fmt.Errorf("%w: blockchain-send node %s requires sessionKeyId, to, amount", workflow.ErrConfigInvalid, node.ID)
	}
	svc := AsServices(ectx.Services)
	if svc == nil || svc.SessionKeys == nil {
		return nil, fmt.Errorf("%w: no session-key authority wired", workflow.ErrUnauthorized)
	}

	result, err := svc.SessionKeys.ValidateOp(ctx, sessionKeyID, operation, amount, to)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", workflow.ErrPolicyDenied, err)
	}
	if !result.IsValid {
		return nil, fmt.Errorf("%w: %v", workflow.ErrPolicyDenied, result.Errors)
	}

	if h.Submitter == nil {
		return nil, fmt.Errorf("%w: no chain submitter configured", workflow.ErrOnChainError)
	}

	txHash, err := h.Submitter.Submit(ctx, to, amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", workflow.ErrOnChainError, err)
	}

	if err := svc.SessionKeys.RecordSpend(ctx, sessionKeyID, amount, to, txHash); err != nil {
		ectx.Logger.Error("failed to record session key usage", "sessionKeyId", sessionKeyID, "error", err)
	}

	return map[string]interface{}{
		"to":              to,
		"amount":          amount,
		"transactionHash": txHash,
	}, nil
}
