package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/shelfsense-ai/shelfwatch/internal/retry"
)

// ReasoningClient issues one completion request against the external
// reasoning service. Implementations must honor ctx cancellation; retry
// discipline lives in the Agent, not here.
type ReasoningClient interface {
	Complete(ctx context.Context, prompt string) ([]byte, error)
}

// HTTPReasoningClient talks to a REST reasoning endpoint. Request and
// response shapes mirror the service contract: the model is asked for JSON
// only and its reply text is returned raw for schema validation.
type HTTPReasoningClient struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// NewHTTPReasoningClient builds a client for the given endpoint. The
// per-attempt deadline comes from the caller's context, so the underlying
// http.Client carries no timeout of its own.
func NewHTTPReasoningClient(endpoint, apiKey, model string) *HTTPReasoningClient {
	return &HTTPReasoningClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{},
	}
}

type completionRequest struct {
	Model       string  `json:"model"`
	Input       string  `json:"input"`
	Temperature float64 `json:"temperature"`
	ResponseFmt string  `json:"response_format"`
}

type completionResponse struct {
	Output string `json:"output"`
}

// Complete posts the prompt and returns the model's raw output text.
// 5xx responses are retryable; 4xx responses are permanent: retrying a
// rejected request cannot succeed.
func (c *HTTPReasoningClient) Complete(ctx context.Context, prompt string) ([]byte, error) {
	body, err := json.Marshal(completionRequest{
		Model:       c.model,
		Input:       prompt,
		Temperature: 0.1,
		ResponseFmt: "json_object",
	})
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("marshal completion request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("build completion request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reasoning request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read reasoning response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("reasoning service %d: %s", resp.StatusCode, truncate(raw, 200))
	case resp.StatusCode >= 400:
		return nil, retry.Permanent(fmt.Errorf("reasoning service rejected request: %d: %s", resp.StatusCode, truncate(raw, 200)))
	}

	var cr completionResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, fmt.Errorf("decode completion envelope: %w", err)
	}
	return []byte(cr.Output), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
