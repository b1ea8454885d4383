package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *PlatformClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *PlatformClient) *Handlers {
	return &Handlers{client: client}
}

// HandleListWorkflows lists the workflow definitions on the platform.
func (h *Handlers) HandleListWorkflows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)
	cursor := req.GetString("cursor", "")

	raw, err := h.client.ListWorkflows(ctx, limit, cursor)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list workflows: %v", err)), nil
	}

	text, err := formatWorkflowList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse workflows: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleTriggerWorkflow starts a new execution of a workflow.
func (h *Handlers) HandleTriggerWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID := req.GetString("workflow_id", "")
	if workflowID == "" {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	input := make(map[string]any)
	if raw := req.GetArguments()["input"]; raw != nil {
		if m, ok := raw.(map[string]any); ok {
			input = m
		}
	}

	raw, err := h.client.TriggerWorkflow(ctx, workflowID, input)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to trigger workflow: %v", err)), nil
	}

	execID, err := extractID(raw, "id", "executionId")
	if err != nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Workflow execution started.\nExecution ID: %s\n\nUse get_workflow_status with this execution_id to check progress.",
		execID)), nil
}

// HandleGetWorkflowStatus returns the status (and optionally the log) of a workflow execution.
func (h *Handlers) HandleGetWorkflowStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	execID := req.GetString("execution_id", "")
	if execID == "" {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	raw, err := h.client.GetExecution(ctx, execID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get execution: %v", err)), nil
	}

	text, err := formatExecution(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse execution: %v", err)), nil
	}

	if req.GetBool("include_logs", false) {
		logs, err := h.client.GetExecutionLogs(ctx, execID)
		if err == nil {
			text += "\n\nExecution log:\n" + formatJSON(logs)
		}
	}

	return mcp.NewToolResultText(text), nil
}

// HandleCancelWorkflow cancels a running workflow execution.
func (h *Handlers) HandleCancelWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	execID := req.GetString("execution_id", "")
	if execID == "" {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	if _, err := h.client.CancelExecution(ctx, execID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to cancel execution: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Execution %s cancelled.", execID)), nil
}

// HandleCreateSessionKey issues a new scoped session key for the configured agent.
func (h *Handlers) HandleCreateSessionKey(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	body := map[string]any{}
	if v := req.GetString("max_per_transaction", ""); v != "" {
		body["maxPerTransaction"] = v
	}
	if v := req.GetString("max_per_day", ""); v != "" {
		body["maxPerDay"] = v
	}
	if v := req.GetString("max_total", ""); v != "" {
		body["maxTotal"] = v
	}
	if v := req.GetString("expires_in", ""); v != "" {
		body["expiresIn"] = v
	}
	if v := req.GetString("label", ""); v != "" {
		body["label"] = v
	}

	raw, err := h.client.CreateSessionKey(ctx, body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create session key: %v", err)), nil
	}

	keyID, err := extractID(raw, "id", "keyId")
	if err != nil {
		return mcp.NewToolResultText(formatJSON(raw)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Session key created.\nKey ID: %s\n\nUse check_session_key to view its remaining budget or revoke_session_key to revoke it.",
		keyID)), nil
}

// HandleCheckSessionKey returns a session key's status and remaining budget.
func (h *Handlers) HandleCheckSessionKey(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	keyID := req.GetString("key_id", "")
	if keyID == "" {
		return mcp.NewToolResultError("key_id is required"), nil
	}

	raw, err := h.client.GetSessionKey(ctx, keyID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get session key: %v", err)), nil
	}

	text, err := formatSessionKey(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse session key: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleRevokeSessionKey revokes a session key.
func (h *Handlers) HandleRevokeSessionKey(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	keyID := req.GetString("key_id", "")
	if keyID == "" {
		return mcp.NewToolResultError("key_id is required"), nil
	}

	if _, err := h.client.RevokeSessionKey(ctx, keyID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to revoke session key: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Session key %s revoked.", keyID)), nil
}

// HandleGetSessionEvents returns the audit trail for a session key.
func (h *Handlers) HandleGetSessionEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	keyID := req.GetString("key_id", "")
	if keyID == "" {
		return mcp.NewToolResultError("key_id is required"), nil
	}

	raw, err := h.client.GetSessionEvents(ctx, keyID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get session events: %v", err)), nil
	}

	text, err := formatSessionEvents(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse session events: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

func formatWorkflowList(raw json.RawMessage) (string, error) {
	var wrapper struct {
		Workflows []map[string]any `json:"workflows"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		var arr []map[string]any
		if err := json.Unmarshal(raw, &arr); err != nil {
			return "", fmt.Errorf("unexpected workflows response format")
		}
		wrapper.Workflows = arr
	}

	if len(wrapper.Workflows) == 0 {
		return "No workflows found.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d workflow(s):\n\n", len(wrapper.Workflows)))
	for i, w := range wrapper.Workflows {
		sb.WriteString(fmt.Sprintf("%d. %s (%s)\n", i+1, getString(w, "name"), getString(w, "id")))
		if trig := getString(w, "triggerType", "trigger_type"); trig != "" {
			sb.WriteString(fmt.Sprintf("   Trigger: %s\n", trig))
		}
	}
	return sb.String(), nil
}

func formatExecution(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Workflow Execution:\n")
	sb.WriteString(fmt.Sprintf("  ID: %s\n", getString(m, "id")))
	sb.WriteString(fmt.Sprintf("  Status: %s\n", getString(m, "status")))
	if v := getString(m, "startedAt", "started_at"); v != "" {
		sb.WriteString(fmt.Sprintf("  Started: %s\n", v))
	}
	if v := getString(m, "completedAt", "completed_at"); v != "" {
		sb.WriteString(fmt.Sprintf("  Completed: %s\n", v))
	}
	if v := getString(m, "error"); v != "" {
		sb.WriteString(fmt.Sprintf("  Error: %s\n", v))
	}

	return sb.String(), nil
}

func formatSessionKey(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Session Key:\n")
	sb.WriteString(fmt.Sprintf("  ID: %s\n", getString(m, "id")))
	sb.WriteString(fmt.Sprintf("  Status: %s\n", getString(m, "status")))
	if v := getString(m, "maxPerTransaction"); v != "" {
		sb.WriteString(fmt.Sprintf("  Max per transaction: %s USDC\n", v))
	}
	if v := getString(m, "spentToday"); v != "" {
		sb.WriteString(fmt.Sprintf("  Spent today: %s USDC\n", v))
	}
	if v := getString(m, "spentTotal"); v != "" {
		sb.WriteString(fmt.Sprintf("  Spent total: %s USDC\n", v))
	}
	if v := getString(m, "expiresAt", "expires_at"); v != "" {
		sb.WriteString(fmt.Sprintf("  Expires: %s\n", v))
	}

	return sb.String(), nil
}

func formatSessionEvents(raw json.RawMessage) (string, error) {
	var wrapper struct {
		Events []map[string]any `json:"events"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return "", err
	}

	if len(wrapper.Events) == 0 {
		return "No events recorded for this session key.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d event(s):\n\n", len(wrapper.Events)))
	for _, e := range wrapper.Events {
		sb.WriteString(fmt.Sprintf("[%s] %s (%s)\n", getString(e, "timestamp"), getString(e, "eventType"), getString(e, "severity")))
	}
	return sb.String(), nil
}

func extractID(raw json.RawMessage, keys ...string) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	for _, k := range keys {
		if id, ok := resp[k].(string); ok && id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("no ID in response: %s", string(raw))
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}
