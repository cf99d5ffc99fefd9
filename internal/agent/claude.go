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

const anthropicAPIVersion = "2023-06-01"

// ClaudeAgent implements Agent using the Anthropic Messages API. It asks the
// model for an implementation plan and patch for the ticket; the response
// text becomes the result summary.
type ClaudeAgent struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
}

// ClaudeOption configures a ClaudeAgent.
type ClaudeOption func(*ClaudeAgent)

// WithClaudeBaseURL sets a custom API base URL.
func WithClaudeBaseURL(url string) ClaudeOption {
	return func(a *ClaudeAgent) { a.baseURL = url }
}

// WithClaudeModel sets the model.
func WithClaudeModel(model string) ClaudeOption {
	return func(a *ClaudeAgent) { a.model = model }
}

// WithClaudeTimeout sets the HTTP timeout. Code generation calls run for
// minutes, so the default is generous.
func WithClaudeTimeout(d time.Duration) ClaudeOption {
	return func(a *ClaudeAgent) { a.client.Timeout = d }
}

// NewClaude creates a Claude execution agent.
func NewClaude(apiKey string, opts ...ClaudeOption) *ClaudeAgent {
	a := &ClaudeAgent{
		client:  &http.Client{Timeout: 5 * time.Minute},
		baseURL: "https://api.anthropic.com",
		apiKey:  apiKey,
		model:   "claude-sonnet-4-20250514",
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *ClaudeAgent) Name() string { return "claude" }

func (a *ClaudeAgent) Execute(ctx context.Context, task Task) (*Result, error) {
	prompt := fmt.Sprintf(
		"You are implementing a development ticket in the repository %s.\n\nTitle: %s\n\nDescription:\n%s\n\nProduce the implementation as a unified diff, preceded by a one-paragraph summary of the change.",
		task.Repository, task.Title, task.Description)

	body := claudeRequest{
		Model:     a.model,
		MaxTokens: 8192, // Anthropic requires max_tokens
		Messages: []claudeMessage{
			{Role: "user", Content: prompt},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("claude: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("claude: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("claude: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("claude: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("claude: api error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var cr claudeResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		return nil, fmt.Errorf("claude: unmarshal response: %w", err)
	}

	var text string
	for _, block := range cr.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return nil, fmt.Errorf("claude: empty response")
	}
	return &Result{Summary: text}, nil
}

// --- Anthropic wire format types ---

type claudeRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	Messages  []claudeMessage `json:"messages"`
	System    string          `json:"system,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}
