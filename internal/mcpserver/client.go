package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the platform API.
type Config struct {
	APIURL       string // Base URL, e.g. "http://localhost:8080"
	APIKey       string // API key, e.g. "sk_..."
	AgentAddress string // Agent's address, e.g. "0x..."
}

// PlatformClient is a pure HTTP client for the workflow and session-key API.
type PlatformClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewPlatformClient creates a new client for the platform API.
func NewPlatformClient(cfg Config) *PlatformClient {
	return &PlatformClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the platform and returns the response body.
func (c *PlatformClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// ListWorkflows lists workflow definitions.
func (c *PlatformClient) ListWorkflows(ctx context.Context, limit int, cursor string) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/workflows", q, nil)
}

// GetWorkflow fetches a workflow definition by ID.
func (c *PlatformClient) GetWorkflow(ctx context.Context, workflowID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/workflows/"+workflowID, nil, nil)
}

// TriggerWorkflow starts a new execution of a workflow with the given input.
func (c *PlatformClient) TriggerWorkflow(ctx context.Context, workflowID string, input map[string]any) (json.RawMessage, error) {
	path := "/v1/workflows/" + workflowID + "/executions"
	return c.doRequest(ctx, http.MethodPost, path, nil, map[string]any{"input": input})
}

// GetExecution fetches the status of a workflow execution.
func (c *PlatformClient) GetExecution(ctx context.Context, execID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/executions/"+execID, nil, nil)
}

// GetExecutionLogs fetches the step-by-step log for a workflow execution.
func (c *PlatformClient) GetExecutionLogs(ctx context.Context, execID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/executions/"+execID+"/logs", nil, nil)
}

// CancelExecution cancels a running workflow execution.
func (c *PlatformClient) CancelExecution(ctx context.Context, execID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/executions/"+execID+"/cancel", nil, nil)
}

// CreateSessionKey creates a new scoped session key for the configured agent.
func (c *PlatformClient) CreateSessionKey(ctx context.Context, req map[string]any) (json.RawMessage, error) {
	path := "/v1/agents/" + c.cfg.AgentAddress + "/sessions"
	return c.doRequest(ctx, http.MethodPost, path, nil, req)
}

// ListSessionKeys lists the session keys issued for the configured agent.
func (c *PlatformClient) ListSessionKeys(ctx context.Context) (json.RawMessage, error) {
	path := "/v1/agents/" + c.cfg.AgentAddress + "/sessions"
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// GetSessionKey fetches a single session key's status and remaining budget.
func (c *PlatformClient) GetSessionKey(ctx context.Context, keyID string) (json.RawMessage, error) {
	path := "/v1/agents/" + c.cfg.AgentAddress + "/sessions/" + keyID
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// RevokeSessionKey revokes a session key, blocking any further use.
func (c *PlatformClient) RevokeSessionKey(ctx context.Context, keyID string) (json.RawMessage, error) {
	path := "/v1/agents/" + c.cfg.AgentAddress + "/sessions/" + keyID
	return c.doRequest(ctx, http.MethodDelete, path, nil, nil)
}

// GetSessionEvents fetches the audit trail (created/used/security_alert/revoked/expired) for a session key.
func (c *PlatformClient) GetSessionEvents(ctx context.Context, keyID string) (json.RawMessage, error) {
	path := "/v1/agents/" + c.cfg.AgentAddress + "/sessions/" + keyID + "/events"
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}
