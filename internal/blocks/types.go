// Package blocks implements the Block Handler Registry and the concrete
// per-blockType handlers the Execution Engine dispatches to.
package blocks

import (
	"time"

	"github.com/mbd888/alancoin/internal/sessionkeys"
	"github.com/mbd888/alancoin/internal/workflow"
)

// Services is the typed bag of capabilities a handler may need, replacing
// an untyped context map. Fields are nil when the capability isn't wired
// for a given deployment (e.g. no session-key authority in dry-run mode).
// A handler receives it through ExecutionContext.Services as interface{}
// and recovers it with AsServices.
type Services struct {
	SessionKeys *sessionkeys.Manager
	HTTPTimeout time.Duration
}

// AsServices recovers the typed Services bag from an ExecutionContext's
// Services field, or nil if none was wired for this deployment.
func AsServices(v interface{}) *Services {
	s, _ := v.(*Services)
	return s
}

// Handler is the uniform execution contract every block type implements.
// Declared as an alias of workflow.Handler so the engine's HandlerRegistry
// accepts the handlers registered here without a conversion layer.
type Handler = workflow.Handler

// ExecutionContext is passed to every handler's Execute call.
type ExecutionContext = workflow.ExecutionContext
