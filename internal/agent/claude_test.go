package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClaudeExecute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Error("missing x-api-key header")
		}
		if r.Header.Get("anthropic-version") != anthropicAPIVersion {
			t.Error("missing anthropic-version header")
		}

		var req claudeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.MaxTokens == 0 {
			t.Error("max_tokens must be set")
		}
		if len(req.Messages) != 1 {
			t.Fatalf("expected 1 message, got %d", len(req.Messages))
		}
		if !strings.Contains(req.Messages[0].Content, "Fix the login flow") {
			t.Errorf("prompt missing ticket title: %q", req.Messages[0].Content)
		}
		if !strings.Contains(req.Messages[0].Content, "acme/webapp") {
			t.Error("prompt missing repository")
		}

		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{
				{"type": "text", "text": "Summary: patched auth.\n\ndiff --git ..."},
			},
			"usage": map[string]int{"input_tokens": 50, "output_tokens": 200},
		})
	}))
	defer srv.Close()

	a := NewClaude("test-key", WithClaudeBaseURL(srv.URL))
	res, err := a.Execute(context.Background(), Task{
		TicketID:    "t-1",
		Title:       "Fix the login flow",
		Description: "Users get logged out",
		Repository:  "acme/webapp",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(res.Summary, "patched auth") {
		t.Errorf("summary = %q", res.Summary)
	}
}

func TestClaudeExecute_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"type":"rate_limit_error"}}`))
	}))
	defer srv.Close()

	a := NewClaude("k", WithClaudeBaseURL(srv.URL))
	_, err := a.Execute(context.Background(), Task{TicketID: "t-1", Title: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("error = %v", err)
	}
}

func TestClaudeExecute_EmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"content": []any{}})
	}))
	defer srv.Close()

	a := NewClaude("k", WithClaudeBaseURL(srv.URL))
	_, err := a.Execute(context.Background(), Task{TicketID: "t-1", Title: "x"})
	if err == nil {
		t.Fatal("expected error for empty response")
	}
}

func TestOpenCodeExecute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/execute" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req openCodeRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.TicketID != "t-9" {
			t.Errorf("ticket_id = %q", req.TicketID)
		}
		json.NewEncoder(w).Encode(openCodeResponse{
			Success: true,
			Output:  "implemented feature",
			Branch:  "autocode/t-9",
		})
	}))
	defer srv.Close()

	a := NewOpenCode(srv.URL)
	res, err := a.Execute(context.Background(), Task{TicketID: "t-9", Title: "Add search"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.ArtifactRef != "autocode/t-9" {
		t.Errorf("artifact = %q", res.ArtifactRef)
	}
}

func TestOpenCodeExecute_Failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(openCodeResponse{Success: false, Error: "sandbox crashed"})
	}))
	defer srv.Close()

	a := NewOpenCode(srv.URL)
	_, err := a.Execute(context.Background(), Task{TicketID: "t-1"})
	if err == nil || !strings.Contains(err.Error(), "sandbox crashed") {
		t.Errorf("err = %v", err)
	}
}
