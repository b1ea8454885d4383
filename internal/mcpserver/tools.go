package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the workflow automation MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListWorkflows = mcp.NewTool("list_workflows",
	mcp.WithDescription(
		"List the workflow definitions available on the platform. "+
			"Returns each workflow's ID, name, and trigger type."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of workflows to return (default 20)")),
	mcp.WithString("cursor",
		mcp.Description("Pagination cursor from a previous list_workflows call")),
)

var ToolTriggerWorkflow = mcp.NewTool("trigger_workflow",
	mcp.WithDescription(
		"Start a new execution of a workflow. "+
			"The workflow runs asynchronously through its configured steps "+
			"(HTTP webhooks, AI agent calls, DeFi position checks, or session-key-authorized "+
			"blockchain sends); use get_workflow_status to poll for completion."),
	mcp.WithString("workflow_id",
		mcp.Required(),
		mcp.Description("The workflow's ID, from list_workflows")),
	mcp.WithObject("input",
		mcp.Description("Input variables available to the workflow's steps via template interpolation")),
)

var ToolGetWorkflowStatus = mcp.NewTool("get_workflow_status",
	mcp.WithDescription(
		"Check the status of a workflow execution started with trigger_workflow. "+
			"Returns the execution's current status (pending/running/completed/failed/paused; a cancelled execution is failed) "+
			"and, if requested, the per-step execution log."),
	mcp.WithString("execution_id",
		mcp.Required(),
		mcp.Description("The execution ID returned by trigger_workflow")),
	mcp.WithBoolean("include_logs",
		mcp.Description("If true, also return the step-by-step execution log")),
)

var ToolCancelWorkflow = mcp.NewTool("cancel_workflow",
	mcp.WithDescription("Cancel a running workflow execution."),
	mcp.WithString("execution_id",
		mcp.Required(),
		mcp.Description("The execution ID to cancel")),
)

var ToolCreateSessionKey = mcp.NewTool("create_session_key",
	mcp.WithDescription(
		"Issue a new scoped session key for this agent, authorizing a bounded set of "+
			"operations (spending limits, allowed recipients, allowed service types, expiry) "+
			"without exposing the agent's root credentials. Use this before letting a "+
			"workflow execute blockchain-send steps on the agent's behalf."),
	mcp.WithString("max_per_transaction",
		mcp.Description("Maximum USDC amount allowed per transaction (e.g. '10.00')")),
	mcp.WithString("max_per_day",
		mcp.Description("Maximum cumulative USDC amount allowed per day")),
	mcp.WithString("max_total",
		mcp.Description("Maximum cumulative USDC amount allowed for the key's lifetime")),
	mcp.WithString("expires_in",
		mcp.Description("Duration string for key expiry (e.g. '24h')")),
	mcp.WithString("label",
		mcp.Description("Human-readable label for this session key")),
)

var ToolCheckSessionKey = mcp.NewTool("check_session_key",
	mcp.WithDescription(
		"Look up a session key's current status, remaining spending budget, and scope."),
	mcp.WithString("key_id",
		mcp.Required(),
		mcp.Description("The session key's ID")),
)

var ToolRevokeSessionKey = mcp.NewTool("revoke_session_key",
	mcp.WithDescription(
		"Revoke a session key immediately, blocking any further use. "+
			"Revoking a parent key also revokes every key delegated from it."),
	mcp.WithString("key_id",
		mcp.Required(),
		mcp.Description("The session key's ID")),
)

var ToolGetSessionEvents = mcp.NewTool("get_session_events",
	mcp.WithDescription(
		"Fetch the audit trail for a session key: created, used, security_alert, revoked, "+
			"and expired events, each with a timestamp and severity. Use this to review why a "+
			"key was paused or to confirm an operation was actually authorized."),
	mcp.WithString("key_id",
		mcp.Required(),
		mcp.Description("The session key's ID")),
)
