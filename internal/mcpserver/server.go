package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with the workflow and
// session-key tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("workflow-platform", "1.0.0")
	client := NewPlatformClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolListWorkflows, h.HandleListWorkflows)
	s.AddTool(ToolTriggerWorkflow, h.HandleTriggerWorkflow)
	s.AddTool(ToolGetWorkflowStatus, h.HandleGetWorkflowStatus)
	s.AddTool(ToolCancelWorkflow, h.HandleCancelWorkflow)
	s.AddTool(ToolCreateSessionKey, h.HandleCreateSessionKey)
	s.AddTool(ToolCheckSessionKey, h.HandleCheckSessionKey)
	s.AddTool(ToolRevokeSessionKey, h.HandleRevokeSessionKey)
	s.AddTool(ToolGetSessionEvents, h.HandleGetSessionEvents)

	return s
}
