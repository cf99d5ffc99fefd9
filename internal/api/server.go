// Package api exposes the ticket system over REST and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/autocode-io/autocode/internal/dispatch"
	"github.com/autocode-io/autocode/internal/gitsync"
	"github.com/autocode-io/autocode/internal/logbuf"
	"github.com/autocode-io/autocode/internal/notify"
	"github.com/autocode-io/autocode/internal/ticket"
	"github.com/autocode-io/autocode/pkg/protocol"
)

// Publisher is the queue side a dispatch endpoint writes to.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}

// SyncService is the issue-sync surface the API needs.
type SyncService interface {
	Import(ctx context.Context, repositoryID string, issueNumber int) (*gitsync.ImportResult, error)
	ImportAll(ctx context.Context, repositoryID, state string) (*gitsync.BatchResult, error)
	SyncRepository(ctx context.Context, repositoryID, state string) ([]gitsync.TicketSyncResult, error)
	PushStatus(ctx context.Context, t *protocol.Ticket) error
}

// LogQuerier abstracts log querying to avoid coupling handlers to logbuf.
type LogQuerier interface {
	Query(f logbuf.Filter) []logbuf.Entry
}

// Config holds API server configuration.
type Config struct {
	Host        string
	Port        int
	Key         string // API key for Bearer auth; empty disables auth
	FrontendURL string // CORS allowed origin; empty means any
	GitHubToken string // handed to agents inside task envelopes
}

// Deps are the collaborators the server routes requests to. Hub, Notifier,
// Logs and the queues may be nil; the matching endpoints then degrade.
type Deps struct {
	Store         ticket.Store
	ClaudeQueue   Publisher
	OpenCodeQueue Publisher
	Syncer        SyncService
	Hub           *notify.Hub
	Notifier      notify.Notifier
	Logs          LogQuerier
}

// Server is the autocode REST API server.
type Server struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	srv    *http.Server
}

// NewServer wires routes and middleware around the given collaborators.
func NewServer(deps Deps, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Noop{}
	}
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)

	mux.HandleFunc("POST /api/tickets", s.requireAuth(s.handleCreateTicket))
	mux.HandleFunc("GET /api/tickets", s.requireAuth(s.handleListTickets))
	mux.HandleFunc("GET /api/tickets/{id}", s.requireAuth(s.handleGetTicket))
	mux.HandleFunc("PUT /api/tickets/{id}", s.requireAuth(s.handleUpdateTicket))
	mux.HandleFunc("DELETE /api/tickets/{id}", s.requireAuth(s.handleDeleteTicket))
	mux.HandleFunc("GET /api/tickets/repository/{id}/next", s.requireAuth(s.handleNextTicket))
	mux.HandleFunc("POST /api/tickets/{id}/develop-with-claude", s.requireAuth(s.handleDevelopWithClaude))
	mux.HandleFunc("POST /api/tickets/{id}/develop-with-opencode", s.requireAuth(s.handleDevelopWithOpenCode))

	mux.HandleFunc("GET /api/github-issues/sync/{repository_id}", s.requireAuth(s.handleSyncIssues))
	mux.HandleFunc("POST /api/github-issues/import/{repository_id}/{issue_number}", s.requireAuth(s.handleImportIssue))
	mux.HandleFunc("POST /api/github-issues/import-all/{repository_id}", s.requireAuth(s.handleImportAllIssues))

	mux.HandleFunc("POST /api/repositories", s.requireAuth(s.handleCreateRepository))
	mux.HandleFunc("GET /api/repositories", s.requireAuth(s.handleListRepositories))
	mux.HandleFunc("GET /api/repositories/{id}", s.requireAuth(s.handleGetRepository))
	mux.HandleFunc("DELETE /api/repositories/{id}", s.requireAuth(s.handleDeleteRepository))

	mux.HandleFunc("GET /api/logs", s.requireAuth(s.handleGetLogs))

	if deps.Hub != nil {
		mux.HandleFunc("GET /ws/tickets", func(w http.ResponseWriter, r *http.Request) {
			deps.Hub.ServeGlobal(w, r)
		})
		mux.HandleFunc("GET /ws/tickets/{id}", func(w http.ResponseWriter, r *http.Request) {
			deps.Hub.ServeTicket(w, r, r.PathValue("id"))
		})
	}

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	origin := s.cfg.FrontendURL
	if origin == "" {
		origin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Key == "" {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.cfg.Key {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// --- Health ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Tickets ---

type createTicketRequest struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	Type         string `json:"type"`
	Priority     string `json:"priority"`
	Order        *int   `json:"order"`
	RepositoryID string `json:"repository_id"`
}

func (s *Server) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req createTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.Title == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "title is required"})
		return
	}
	if req.RepositoryID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "repository_id is required"})
		return
	}
	if _, err := s.deps.Store.GetRepository(req.RepositoryID); err != nil {
		s.writeStoreError(w, err, "repository not found")
		return
	}

	typ := protocol.TicketType(req.Type)
	if req.Type == "" {
		typ = protocol.TypeFeature
	}
	prio := protocol.TicketPriority(req.Priority)
	if req.Priority == "" {
		prio = protocol.PriorityMedium
	}
	if !typ.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid type %q", req.Type)})
		return
	}
	if !prio.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid priority %q", req.Priority)})
		return
	}

	order := 0
	if req.Order != nil {
		order = *req.Order
	} else {
		n, err := s.tailOrder(req.RepositoryID)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		order = n
	}

	now := time.Now()
	t := &protocol.Ticket{
		ID:           uuid.NewString(),
		Title:        req.Title,
		Description:  req.Description,
		Type:         typ,
		Priority:     prio,
		Status:       protocol.TicketOpen,
		Order:        order,
		RepositoryID: req.RepositoryID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.deps.Store.SaveTicket(t); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// tailOrder places an unordered ticket after everything already queued.
func (s *Server) tailOrder(repositoryID string) (int, error) {
	tickets, err := s.deps.Store.ListTickets(ticket.Filter{RepositoryID: repositoryID})
	if err != nil {
		return 0, err
	}
	max := 0
	for _, t := range tickets {
		if t.Order > max {
			max = t.Order
		}
	}
	return max + 1, nil
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	filter := ticket.Filter{
		RepositoryID: r.URL.Query().Get("repository"),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		ts := protocol.TicketStatus(status)
		if !ts.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid status %q", status)})
			return
		}
		filter.Status = &ts
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = n
		}
	}

	tickets, err := s.deps.Store.ListTickets(filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if tickets == nil {
		tickets = []*protocol.Ticket{}
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Store.GetTicket(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err, "ticket not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type updateTicketRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Type        *string `json:"type"`
	Priority    *string `json:"priority"`
	Status      *string `json:"status"`
	Order       *int    `json:"order"`
}

func (s *Server) handleUpdateTicket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req updateTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	// Validate the whole body before touching the ticket: a bad field must
	// not leave a half-applied update behind.
	if req.Status != nil && !protocol.TicketStatus(*req.Status).Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid status %q", *req.Status)})
		return
	}
	if req.Type != nil && !protocol.TicketType(*req.Type).Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid type %q", *req.Type)})
		return
	}
	if req.Priority != nil && !protocol.TicketPriority(*req.Priority).Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid priority %q", *req.Priority)})
		return
	}

	t, err := s.deps.Store.GetTicket(id)
	if err != nil {
		s.writeStoreError(w, err, "ticket not found")
		return
	}

	if req.Status != nil {
		newStatus := protocol.TicketStatus(*req.Status)
		if newStatus != t.Status {
			if err := s.deps.Store.TransitionStatus(id, t.Status, newStatus); err != nil {
				s.writeStoreError(w, err, fmt.Sprintf("cannot transition from %s to %s", t.Status, newStatus))
				return
			}
			// Re-read: the transition stamps updated_at and closed_at.
			t, err = s.deps.Store.GetTicket(id)
			if err != nil {
				s.writeStoreError(w, err, "ticket not found")
				return
			}
			s.deps.Notifier.Publish(r.Context(), notify.Event{
				Type:     notify.EventStatusUpdate,
				TicketID: t.ID,
				Status:   string(t.Status),
			})
			if s.deps.Syncer != nil && t.Linked() {
				if err := s.deps.Syncer.PushStatus(r.Context(), t); err != nil {
					s.logger.Warn("push status to github failed", "ticket", t.ID, "error", err)
				}
			}
		}
	}

	if req.Title != nil {
		t.Title = *req.Title
	}
	if req.Description != nil {
		t.Description = *req.Description
	}
	if req.Type != nil {
		t.Type = protocol.TicketType(*req.Type)
	}
	if req.Priority != nil {
		t.Priority = protocol.TicketPriority(*req.Priority)
	}
	if req.Order != nil {
		t.Order = *req.Order
	}
	t.UpdatedAt = time.Now()

	if err := s.deps.Store.SaveTicket(t); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTicket(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteTicket(r.PathValue("id")); err != nil {
		s.writeStoreError(w, err, "ticket not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNextTicket(w http.ResponseWriter, r *http.Request) {
	repositoryID := r.PathValue("id")
	if _, err := s.deps.Store.GetRepository(repositoryID); err != nil {
		s.writeStoreError(w, err, "repository not found")
		return
	}
	tickets, err := s.deps.Store.ListTickets(ticket.Filter{RepositoryID: repositoryID})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, dispatch.NextTicket(tickets))
}

// --- Dispatch ---

func (s *Server) handleDevelopWithClaude(w http.ResponseWriter, r *http.Request) {
	s.dispatchTicket(w, r, s.deps.ClaudeQueue, "claude")
}

func (s *Server) handleDevelopWithOpenCode(w http.ResponseWriter, r *http.Request) {
	s.dispatchTicket(w, r, s.deps.OpenCodeQueue, "opencode")
}

func (s *Server) dispatchTicket(w http.ResponseWriter, r *http.Request, pub Publisher, agentName string) {
	if pub == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": agentName + " agent is not configured"})
		return
	}

	t, err := s.deps.Store.GetTicket(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err, "ticket not found")
		return
	}
	repo, err := s.deps.Store.GetRepository(t.RepositoryID)
	if err != nil {
		s.writeStoreError(w, err, "repository not found")
		return
	}

	// Claim the ticket before publishing so two concurrent dispatches of the
	// same ticket cannot both enqueue it.
	if err := s.deps.Store.TransitionStatus(t.ID, protocol.TicketOpen, protocol.TicketInProgress); err != nil {
		if errors.Is(err, ticket.ErrConflict) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "ticket is not open"})
			return
		}
		s.writeStoreError(w, err, "ticket not found")
		return
	}

	env := protocol.TaskEnvelope{
		TicketID:    t.ID,
		Title:       t.Title,
		Description: t.Description,
		Repository:  repo.FullName,
		Priority:    string(t.Priority),
		Type:        string(t.Type),
		GitHubToken: s.cfg.GitHubToken,
	}
	payload, err := env.Encode()
	if err == nil {
		err = pub.Publish(r.Context(), payload)
	}
	if err != nil {
		// Publish failed: release the claim so the ticket stays dispatchable.
		if rbErr := s.deps.Store.TransitionStatus(t.ID, protocol.TicketInProgress, protocol.TicketOpen); rbErr != nil {
			s.logger.Error("rollback after failed publish", "ticket", t.ID, "error", rbErr)
		}
		s.logger.Error("dispatch publish failed", "ticket", t.ID, "agent", agentName, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	t.Status = protocol.TicketInProgress
	s.deps.Notifier.Publish(r.Context(), notify.Event{
		Type:     notify.EventStatusUpdate,
		TicketID: t.ID,
		Status:   string(protocol.TicketInProgress),
		Step:     "queued",
		Message:  "queued for " + agentName,
	})
	s.logger.Info("ticket dispatched", "ticket", t.ID, "agent", agentName, "repository", repo.FullName)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "queued",
		"agent":  agentName,
		"ticket": t,
	})
}

// --- GitHub issues ---

func (s *Server) handleSyncIssues(w http.ResponseWriter, r *http.Request) {
	if s.deps.Syncer == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "github sync is not configured"})
		return
	}
	results, err := s.deps.Syncer.SyncRepository(r.Context(), r.PathValue("repository_id"), r.URL.Query().Get("state"))
	if err != nil {
		s.writeStoreError(w, err, "repository not found")
		return
	}
	if results == nil {
		results = []gitsync.TicketSyncResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleImportIssue(w http.ResponseWriter, r *http.Request) {
	if s.deps.Syncer == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "github sync is not configured"})
		return
	}
	number, err := strconv.Atoi(r.PathValue("issue_number"))
	if err != nil || number <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid issue number"})
		return
	}
	result, err := s.deps.Syncer.Import(r.Context(), r.PathValue("repository_id"), number)
	if err != nil {
		s.writeStoreError(w, err, "repository not found")
		return
	}
	status := http.StatusCreated
	if result.Skipped {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (s *Server) handleImportAllIssues(w http.ResponseWriter, r *http.Request) {
	if s.deps.Syncer == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "github sync is not configured"})
		return
	}
	result, err := s.deps.Syncer.ImportAll(r.Context(), r.PathValue("repository_id"), r.URL.Query().Get("state"))
	if err != nil {
		s.writeStoreError(w, err, "repository not found")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- Repositories ---

type createRepositoryRequest struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	URL      string `json:"url"`
}

func (s *Server) handleCreateRepository(w http.ResponseWriter, r *http.Request) {
	var req createRepositoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}
	if req.FullName == "" || !strings.Contains(req.FullName, "/") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "full_name must be owner/repo"})
		return
	}

	repo := &protocol.Repository{
		ID:        uuid.NewString(),
		Name:      req.Name,
		FullName:  req.FullName,
		URL:       req.URL,
		CreatedAt: time.Now(),
	}
	if err := s.deps.Store.SaveRepository(repo); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, repo)
}

func (s *Server) handleListRepositories(w http.ResponseWriter, _ *http.Request) {
	repos, err := s.deps.Store.ListRepositories()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if repos == nil {
		repos = []*protocol.Repository{}
	}
	writeJSON(w, http.StatusOK, repos)
}

func (s *Server) handleGetRepository(w http.ResponseWriter, r *http.Request) {
	repo, err := s.deps.Store.GetRepository(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err, "repository not found")
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

func (s *Server) handleDeleteRepository(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteRepository(r.PathValue("id")); err != nil {
		s.writeStoreError(w, err, "repository not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Logs ---

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Logs == nil {
		writeJSON(w, http.StatusOK, []logbuf.Entry{})
		return
	}

	f := logbuf.Filter{Limit: 200, MinLevel: slog.LevelDebug}
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if lvl := r.URL.Query().Get("level"); lvl != "" {
		f.MinLevel = logbuf.ParseLevel(lvl)
	}
	if since := r.URL.Query().Get("since"); since != "" {
		if ms, err := strconv.ParseInt(since, 10, 64); err == nil {
			f.Since = time.UnixMilli(ms)
		}
	}

	entries := s.deps.Logs.Query(f)
	if entries == nil {
		entries = []logbuf.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Helpers ---

// writeStoreError maps store errors to the HTTP taxonomy: missing records to
// 404, losing an optimistic check to 409, anything else to 500.
func (s *Server) writeStoreError(w http.ResponseWriter, err error, notFoundMsg string) {
	switch {
	case errors.Is(err, ticket.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": notFoundMsg})
	case errors.Is(err, ticket.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
