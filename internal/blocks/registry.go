package blocks

import (
	"fmt"

	"github.com/mbd888/alancoin/internal/workflow"
)

// Registry maps a blockType to its Handler. It is populated once at
// startup; an unregistered blockType is a configuration error, not a
// runtime lookup miss.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a blockType to a Handler. Re-registering a blockType
// overwrites the previous binding (used by tests to stub handlers).
func (r *Registry) Register(blockType string, h Handler) {
	r.handlers[blockType] = h
}

// Get returns the handler bound to blockType, or ErrConfigInvalid if
// none was registered.
func (r *Registry) Get(blockType string) (Handler, error) {
	h, ok := r.handlers[blockType]
	if !ok {
		return nil, fmt.Errorf("%w: no handler registered for blockType %q", workflow.ErrConfigInvalid, blockType)
	}
	return h, nil
}

// RegisterDefaults wires the handlers shipped with this package.
func RegisterDefaults(r *Registry) {
	r.Register("WEBHOOK", &WebhookHandler{})
	r.Register("AI_AGENT", &AgentHandler{})
	r.Register("DEFI_POSITION", &DeFiHandler{})
	r.Register("BLOCKCHAIN_SEND", &BlockchainSendHandler{})
}
