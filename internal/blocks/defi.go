package blocks

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/alancoin/internal/workflow"
)

const defaultSlippageBps = 100  // 1%
const defaultDeadlineMins = 30

// PositionAction is the lifecycle action requested of a DeFi position.
type PositionAction string

const (
	ActionCreate  PositionAction = "create"
	ActionAdjust  PositionAction = "adjust"
	ActionClose   PositionAction = "close"
	ActionMonitor PositionAction = "monitor"
)

// ProtocolAdapter is the boundary to the concrete DeFi protocol SDK
// (Uniswap, Aave, etc.) — an external collaborator out of scope here.
type ProtocolAdapter interface {
	Submit(ctx context.Context, protocol string, action PositionAction, params map[string]interface{}) (txHash string, gasUsed uint64, err error)
	Balance(ctx context.Context, walletID, token string) (float64, error)
}

// DeFiHandler manages a protocol position: create/adjust/close/monitor.
type DeFiHandler struct {
	Adapter ProtocolAdapter
}

func (h *DeFiHandler) Execute(ctx context.Context, node workflow.Node, ectx *ExecutionContext) (map[string]interface{}, error) {
	protocol := getString(node.Config, "protocol")
	action := PositionAction(getString(node.Config, "action"))
	tokenA := getString(node.Config, "tokenA")
	tokenB := getString(node.Config, "tokenB")
	walletID := getString(node.Config, "walletId")

	if protocol == "" || action == "" {
		return nil, fmt.Errorf("%w: defi node %s missing protocol or action", workflow.ErrConfigInvalid, node.ID)
	}
	if walletID == "" {
		return nil, fmt.Errorf("%w: defi node %s missing walletId", workflow.ErrConfigInvalid, node.ID)
	}

	switch action {
	case ActionCreate:
		if _, ok := getFloat(node.Config, "amountA"); !ok {
			return nil, fmt.Errorf("%w: create requires amounts", workflow.ErrConfigInvalid)
		}
		if getMap(node.Config, "priceRange") == nil {
			return nil, fmt.Errorf("%w: create requires a price range", workflow.ErrConfigInvalid)
		}
	case ActionAdjust, ActionClose, ActionMonitor:
		if getString(node.Config, "positionId") == "" {
			return nil, fmt.Errorf("%w: %s requires positionId", workflow.ErrConfigInvalid, action)
		}
	default:
		return nil, fmt.Errorf("%w: unknown action %q", workflow.ErrConfigInvalid, action)
	}

	if h.Adapter == nil {
		return nil, fmt.Errorf("%w: defi node %s has no protocol adapter configured", workflow.ErrConfigInvalid, node.ID)
	}
	if _, ok := getFloat(node.Config, "slippage"); !ok {
		node.Config["slippage"] = float64(defaultSlippageBps) / 10000
	}

	before := map[string]float64{}
	if tokenA != "" {
		if b, err := h.Adapter.Balance(ctx, walletID, tokenA); err == nil {
			before[tokenA] = b
		}
	}
	if tokenB != "" {
		if b, err := h.Adapter.Balance(ctx, walletID, tokenB); err == nil {
			before[tokenB] = b
		}
	}

	deadlineMins := defaultDeadlineMins
	if v, ok := getFloat(node.Config, "deadline"); ok {
		deadlineMins = int(v)
	}
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(deadlineMins)*time.Minute)
	defer cancel()

	txHash, gasUsed, err := h.Adapter.Submit(callCtx, protocol, action, node.Config)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", workflow.ErrOnChainError, err)
	}

	after := map[string]float64{}
	if tokenA != "" {
		if b, err := h.Adapter.Balance(ctx, walletID, tokenA); err == nil {
			after[tokenA] = b
		}
	}
	if tokenB != "" {
		if b, err := h.Adapter.Balance(ctx, walletID, tokenB); err == nil {
			after[tokenB] = b
		}
	}

	return map[string]interface{}{
		"action":          string(action),
		"positionId":      getString(node.Config, "positionId"),
		"balancesBefore":  before,
		"balancesAfter":   after,
		"transactionHash": txHash,
		"gasUsed":         gasUsed,
		"timestamp":       time.Now().Format(time.RFC3339),
	}, nil
}
