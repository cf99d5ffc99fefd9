package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OpenCodeAgent implements Agent against a locally hosted OpenCode server
// (typically a Docker container exposing an execute endpoint).
type OpenCodeAgent struct {
	client  *http.Client
	baseURL string
}

// OpenCodeOption configures an OpenCodeAgent.
type OpenCodeOption func(*OpenCodeAgent)

// WithOpenCodeTimeout sets the HTTP timeout.
func WithOpenCodeTimeout(d time.Duration) OpenCodeOption {
	return func(a *OpenCodeAgent) { a.client.Timeout = d }
}

// NewOpenCode creates an OpenCode execution agent for the given base URL.
func NewOpenCode(baseURL string, opts ...OpenCodeOption) *OpenCodeAgent {
	a := &OpenCodeAgent{
		client:  &http.Client{Timeout: 10 * time.Minute},
		baseURL: baseURL,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *OpenCodeAgent) Name() string { return "opencode" }

type openCodeRequest struct {
	TicketID    string `json:"ticket_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Repository  string `json:"repository"`
}

type openCodeResponse struct {
	Success  bool   `json:"success"`
	Output   string `json:"output"`
	Branch   string `json:"branch,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (a *OpenCodeAgent) Execute(ctx context.Context, task Task) (*Result, error) {
	payload, err := json.Marshal(openCodeRequest{
		TicketID:    task.TicketID,
		Title:       task.Title,
		Description: task.Description,
		Repository:  task.Repository,
	})
	if err != nil {
		return nil, fmt.Errorf("opencode: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/execute", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("opencode: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("opencode: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("opencode: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("opencode: api error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var ocr openCodeResponse
	if err := json.Unmarshal(respBody, &ocr); err != nil {
		return nil, fmt.Errorf("opencode: unmarshal response: %w", err)
	}
	if !ocr.Success {
		return nil, fmt.Errorf("opencode: execution failed: %s", ocr.Error)
	}
	return &Result{Summary: ocr.Output, ArtifactRef: ocr.Branch}, nil
}
