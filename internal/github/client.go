// Package github is a minimal client for the GitHub Issues REST API,
// covering the operations ticket sync needs: listing and fetching issues,
// changing issue state, and commenting.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const apiVersion = "2022-11-28"

// Issue is the subset of a GitHub issue relevant to ticket sync.
type Issue struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	State   string `json:"state"` // "open" or "closed"
	HTMLURL string `json:"html_url"`
	Labels  []struct {
		Name string `json:"name"`
	} `json:"labels"`
	PullRequest *struct{} `json:"pull_request,omitempty"`
}

// IsPullRequest reports whether this issue is actually a pull request.
// The issues endpoint returns both.
func (i *Issue) IsPullRequest() bool {
	return i.PullRequest != nil
}

// Client talks to the GitHub REST API for a single token.
type Client struct {
	client  *http.Client
	baseURL string
	token   string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets a custom API base URL (GitHub Enterprise, tests).
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// New creates a GitHub API client.
func New(token string, opts ...Option) *Client {
	c := &Client{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: "https://api.github.com",
		token:   token,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns the token the client authenticates with.
func (c *Client) Token() string { return c.token }

// ListIssues returns issues for a repository ("owner/repo"), filtered by
// state: "open", "closed", or "all".
func (c *Client) ListIssues(ctx context.Context, repo, state string) ([]Issue, error) {
	if state == "" {
		state = "open"
	}
	var issues []Issue
	path := fmt.Sprintf("/repos/%s/issues?state=%s&per_page=100", repo, state)
	if err := c.do(ctx, http.MethodGet, path, nil, &issues); err != nil {
		return nil, err
	}
	return issues, nil
}

// GetIssue fetches a single issue by number.
func (c *Client) GetIssue(ctx context.Context, repo string, number int) (*Issue, error) {
	var issue Issue
	path := fmt.Sprintf("/repos/%s/issues/%d", repo, number)
	if err := c.do(ctx, http.MethodGet, path, nil, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// SetIssueState opens or closes an issue. state must be "open" or "closed".
func (c *Client) SetIssueState(ctx context.Context, repo string, number int, state string) error {
	path := fmt.Sprintf("/repos/%s/issues/%d", repo, number)
	body := map[string]string{"state": state}
	return c.do(ctx, http.MethodPatch, path, body, nil)
}

// CreateComment posts a comment on an issue.
func (c *Client) CreateComment(ctx context.Context, repo string, number int, text string) error {
	path := fmt.Sprintf("/repos/%s/issues/%d/comments", repo, number)
	body := map[string]string{"body": text}
	return c.do(ctx, http.MethodPost, path, body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("github: marshal: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("github: create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("github: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("github: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("github: api error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("github: unmarshal response: %w", err)
		}
	}
	return nil
}
