package blocks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/alancoin/internal/workflow"
)

const defaultWebhookTimeout = 30 * time.Second
const webhookBodyPreviewLen = 500

// WebhookHandler performs an outbound HTTP call described by node.config:
// { url, method?, headers?, body? }.
type WebhookHandler struct {
	client *http.Client
}

func (h *WebhookHandler) httpClient(ectx *ExecutionContext) *http.Client {
	if h.client != nil {
		return h.client
	}
	timeout := defaultWebhookTimeout
	if svc := AsServices(ectx.Services); svc != nil && svc.HTTPTimeout > 0 {
		timeout = svc.HTTPTimeout
	}
	return &http.Client{Timeout: timeout}
}

func (h *WebhookHandler) Execute(ctx context.Context, node workflow.Node, ectx *ExecutionContext) (map[string]interface{}, error) {
	url := getString(node.Config, "url")
	if url == "" {
		return nil, fmt.Errorf("%w: webhook node %s missing url", workflow.ErrConfigInvalid, node.ID)
	}
	method := getString(node.Config, "method")
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	contentType := ""
	if headers := getMap(node.Config, "headers"); headers != nil {
		contentType = getString(headers, "content-type", "Content-Type")
	}

	if raw, ok := node.Config["body"]; ok && raw != nil {
		if s, ok := raw.(string); ok {
			bodyReader = strings.NewReader(s)
		} else if contentType == "" {
			b, err := json.Marshal(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: failed to encode body: %v", workflow.ErrConfigInvalid, err)
			}
			bodyReader = bytes.NewReader(b)
			contentType = "application/json"
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", workflow.ErrConfigInvalid, err)
	}
	if headers := getMap(node.Config, "headers"); headers != nil {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := h.httpClient(ectx).Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", workflow.ErrWebhookError, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preview := string(respBody)
		if len(preview) > webhookBodyPreviewLen {
			preview = preview[:webhookBodyPreviewLen]
		}
		return nil, fmt.Errorf("%w: status %d: %s", workflow.ErrWebhookError, resp.StatusCode, preview)
	}

	output := map[string]interface{}{
		"statusCode": resp.StatusCode,
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var parsed interface{}
		if err := json.Unmarshal(respBody, &parsed); err == nil {
			output["response"] = parsed
			return output, nil
		}
	}
	output["response"] = string(respBody)
	return output, nil
}
