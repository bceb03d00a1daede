package eval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/shelfsense-ai/shelfwatch/internal/retry"
)

// Engine is the external scoring service. It may be unavailable; callers
// fall back to the local scorer and tag the record accordingly.
type Engine interface {
	// Score submits a record and returns the engine's [0,1] quality score.
	Score(ctx context.Context, r Record) (float64, error)
	// FetchRecent returns the engine's authoritative view of the most
	// recent records, newest last.
	FetchRecent(ctx context.Context, limit int) ([]Record, error)
}

// HTTPEngine talks to the scoring service's REST API.
type HTTPEngine struct {
	baseURL string
	apiKey  string
	project string
	client  *http.Client
}

// NewHTTPEngine builds an engine client; per-attempt deadlines come from the
// caller's retry policy via context.
func NewHTTPEngine(baseURL, apiKey, project string) *HTTPEngine {
	return &HTTPEngine{
		baseURL: baseURL,
		apiKey:  apiKey,
		project: project,
		client:  &http.Client{},
	}
}

type scoreRequest struct {
	Project string `json:"project"`
	Record  Record `json:"record"`
}

type scoreResponse struct {
	Score float64 `json:"score"`
}

// Score submits the record for authoritative scoring.
func (e *HTTPEngine) Score(ctx context.Context, r Record) (float64, error) {
	var out scoreResponse
	if err := e.post(ctx, "/v1/scores", scoreRequest{Project: e.project, Record: r}, &out); err != nil {
		return 0, err
	}
	if out.Score < 0 || out.Score > 1 {
		return 0, retry.Permanent(fmt.Errorf("engine score %.4f outside [0,1]", out.Score))
	}
	return out.Score, nil
}

type recentRequest struct {
	Project string `json:"project"`
	Limit   int    `json:"limit"`
}

type recentResponse struct {
	Records []Record `json:"records"`
}

// FetchRecent queries the engine's recent scored records.
func (e *HTTPEngine) FetchRecent(ctx context.Context, limit int) ([]Record, error) {
	var out recentResponse
	if err := e.post(ctx, "/v1/records/recent", recentRequest{Project: e.project, Limit: limit}, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

func (e *HTTPEngine) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal %s request: %w", path, err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build %s request: %w", path, err))
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("scoring engine %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read scoring engine response: %w", err)
	}
	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("scoring engine %s: status %d", path, resp.StatusCode)
	case resp.StatusCode >= 400:
		return retry.Permanent(fmt.Errorf("scoring engine rejected %s: status %d", path, resp.StatusCode))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode scoring engine response: %w", err)
	}
	return nil
}
