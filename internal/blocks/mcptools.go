package blocks

import (
	"context"
	"fmt"

	"github.com/mbd888/alancoin/internal/mcpserver"
)

// mcpClientTool adapts one PlatformClient method to the Tool interface so
// an AgentHandler's reasoning loop can call it the same way it would call
// any other tool — the tool names match the MCP tool names the platform
// exposes externally (see mcpserver/tools.go), so a workflow's agent block
// sees exactly the same capability surface an external MCP client would.
type mcpClientTool struct {
	name string
	call func(ctx context.Context, params map[string]interface{}) (interface{}, error)
}

func (t *mcpClientTool) Name() string { return t.name }

func (t *mcpClientTool) Call(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return t.call(ctx, params)
}

func stringParam(params map[string]interface{}, key string) string {
	v, _ := params[key].(string)
	return v
}

func objectParam(params map[string]interface{}, key string) map[string]any {
	if m, ok := params[key].(map[string]any); ok {
		return m
	}
	return nil
}

func intParam(params map[string]interface{}, key string) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// NewMCPTools builds the set of tools an agent block's reasoning loop can
// call, each backed by one PlatformClient method — the direct-HTTP
// counterpart of the tools the platform's MCP server (internal/mcpserver)
// exposes to an external MCP client. Wiring this into AgentHandler.Tools
// lets a workflow's agent node enumerate, trigger, and poll other
// workflows, and manage the session keys that authorize its own spend,
// without a separate MCP transport hop.
func NewMCPTools(client *mcpserver.PlatformClient) map[string]Tool {
	tools := []*mcpClientTool{
		{
			name: "list_workflows",
			call: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return client.ListWorkflows(ctx, intParam(params, "limit"), stringParam(params, "cursor"))
			},
		},
		{
			name: "trigger_workflow",
			call: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				workflowID := stringParam(params, "workflow_id")
				if workflowID == "" {
					return nil, fmt.Errorf("trigger_workflow: workflow_id is required")
				}
				return client.TriggerWorkflow(ctx, workflowID, objectParam(params, "input"))
			},
		},
		{
			name: "get_workflow_status",
			call: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				execID := stringParam(params, "execution_id")
				if execID == "" {
					return nil, fmt.Errorf("get_workflow_status: execution_id is required")
				}
				return client.GetExecution(ctx, execID)
			},
		},
		{
			name: "cancel_workflow",
			call: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				execID := stringParam(params, "execution_id")
				if execID == "" {
					return nil, fmt.Errorf("cancel_workflow: execution_id is required")
				}
				return client.CancelExecution(ctx, execID)
			},
		},
		{
			name: "create_session_key",
			call: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				body := map[string]any{}
				for _, k := range []string{"maxPerTransaction", "maxPerDay", "maxTotal", "expiresIn", "label"} {
					if v := stringParam(params, k); v != "" {
						body[k] = v
					}
				}
				return client.CreateSessionKey(ctx, body)
			},
		},
		{
			name: "check_session_key",
			call: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				keyID := stringParam(params, "key_id")
				if keyID == "" {
					return nil, fmt.Errorf("check_session_key: key_id is required")
				}
				return client.GetSessionKey(ctx, keyID)
			},
		},
		{
			name: "revoke_session_key",
			call: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				keyID := stringParam(params, "key_id")
				if keyID == "" {
					return nil, fmt.Errorf("revoke_session_key: key_id is required")
				}
				return client.RevokeSessionKey(ctx, keyID)
			},
		},
		{
			name: "get_session_events",
			call: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				keyID := stringParam(params, "key_id")
				if keyID == "" {
					return nil, fmt.Errorf("get_session_events: key_id is required")
				}
				return client.GetSessionEvents(ctx, keyID)
			},
		},
	}

	registry := make(map[string]Tool, len(tools))
	for _, t := range tools {
		registry[t.name] = t
	}
	return registry
}
