package blocks

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/alancoin/internal/workflow"
)

const defaultStepBudget = 10

// ToolCall records one invocation of a tool during a reasoning loop.
type ToolCall struct {
	ToolName     string                 `json:"toolName"`
	Parameters   map[string]interface{} `json:"parameters"`
	Result       interface{}            `json:"result,omitempty"`
	Success      bool                   `json:"success"`
	Error        string                 `json:"error,omitempty"`
	ResponseTime time.Duration          `json:"responseTime"`
	Timestamp    time.Time              `json:"timestamp"`
}

// Tool is a callable capability exposed to the reasoning loop. The
// concrete LLM provider and MCP tool registry are external collaborators;
// this interface is the boundary the engine depends on.
type Tool interface {
	Name() string
	Call(ctx context.Context, params map[string]interface{}) (interface{}, error)
}

// Reasoner drives one think/tool-call/observe step and reports whether
// the loop should terminate with a final answer. The concrete LLM
// provider sits behind this interface.
type Reasoner interface {
	Step(ctx context.Context, prompt, systemPrompt string, trace []ToolCall) (toolName string, params map[string]interface{}, finalText string, done bool, err error)
}

// AgentHandler runs an alternating think/tool-call/observe loop bounded
// by a step budget. Inputs: prompt, systemPrompt, tools, stepBudget.
type AgentHandler struct {
	Reasoner Reasoner
	Tools    map[string]Tool
}

func (h *AgentHandler) Execute(ctx context.Context, node workflow.Node, ectx *ExecutionContext) (map[string]interface{}, error) {
	prompt := getString(node.Config, "prompt")
	if prompt == "" {
		return nil, fmt.Errorf("%w: agent node %s missing prompt", workflow.ErrConfigInvalid, node.ID)
	}
	systemPrompt := getString(node.Config, "systemPrompt")

	stepBudget := defaultStepBudget
	if v, ok := getFloat(node.Config, "stepBudget"); ok {
		stepBudget = int(v)
	}

	if h.Reasoner == nil {
		return nil, fmt.Errorf("%w: agent node %s has no reasoner configured", workflow.ErrConfigInvalid, node.ID)
	}

	start := time.Now()
	var steps []string
	var toolCalls []ToolCall

	for i := 0; i < stepBudget; i++ {
		toolName, params, finalText, done, err := h.Reasoner.Step(ctx, prompt, systemPrompt, toolCalls)
		if err != nil {
			return map[string]interface{}{
				"success":       false,
				"error":         err.Error(),
				"steps":         steps,
				"toolCalls":     toolCalls,
				"executionTime": time.Since(start).Milliseconds(),
			}, nil
		}
		if done {
			return map[string]interface{}{
				"text":          finalText,
				"success":       true,
				"executionTime": time.Since(start).Milliseconds(),
				"steps":         steps,
				"toolCalls":     toolCalls,
			}, nil
		}

		steps = append(steps, fmt.Sprintf("step %d: call %s", i+1, toolName))
		tool, ok := h.Tools[toolName]
		if !ok {
			tc := ToolCall{ToolName: toolName, Parameters: params, Success: false, Error: "unknown tool", Timestamp: time.Now()}
			toolCalls = append(toolCalls, tc)
			continue
		}

		callStart := time.Now()
		result, callErr := tool.Call(ctx, params)
		tc := ToolCall{
			ToolName:     toolName,
			Parameters:   params,
			Result:       result,
			Success:      callErr == nil,
			ResponseTime: time.Since(callStart),
			Timestamp:    time.Now(),
		}
		if callErr != nil {
			tc.Error = callErr.Error()
		}
		toolCalls = append(toolCalls, tc)
	}

	return map[string]interface{}{
		"success":       false,
		"error":         "budget_exhausted",
		"steps":         steps,
		"toolCalls":     toolCalls,
		"executionTime": time.Since(start).Milliseconds(),
	}, nil
}
