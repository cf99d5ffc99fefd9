// Package gitsync reconciles local ticket status against GitHub issue state.
//
// The two models are asymmetric: GitHub only knows open/closed, while
// tickets carry richer workflow states. Sync therefore preserves local
// enrichments (in_progress, review, pending_validation) while an issue
// stays open, but a remote close always wins — GitHub is the source of
// truth for "is this done".
package gitsync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/autocode-io/autocode/internal/github"
	"github.com/autocode-io/autocode/internal/ticket"
	"github.com/autocode-io/autocode/pkg/protocol"
)

// IssueService is the subset of the GitHub client sync depends on.
type IssueService interface {
	ListIssues(ctx context.Context, repo, state string) ([]github.Issue, error)
	GetIssue(ctx context.Context, repo string, number int) (*github.Issue, error)
	SetIssueState(ctx context.Context, repo string, number int, state string) error
}

// Syncer performs bidirectional status reconciliation.
type Syncer struct {
	store  ticket.Store
	gh     IssueService
	logger *slog.Logger
}

// New creates a Syncer.
func New(store ticket.Store, gh IssueService, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{store: store, gh: gh, logger: logger}
}

// TicketStateToGitHub maps a local status onto GitHub's binary issue state.
// Everything short of closed is "open"; the richer states have no remote
// representation.
func TicketStateToGitHub(status protocol.TicketStatus) string {
	if status == protocol.TicketClosed {
		return "closed"
	}
	return "open"
}

// GitHubStateToLocal decides a ticket's local status given the remote issue
// state. On first import the binary state maps directly. For an existing
// ticket the local status is preserved unless the issue is closed.
func GitHubStateToLocal(issueState string, existing *protocol.Ticket) protocol.TicketStatus {
	if existing == nil {
		if issueState == "closed" {
			return protocol.TicketClosed
		}
		return protocol.TicketOpen
	}
	if issueState == "closed" {
		return protocol.TicketClosed
	}
	return existing.Status
}

// ImportResult reports the outcome of importing one issue.
type ImportResult struct {
	Imported bool             `json:"imported"`
	Skipped  bool             `json:"skipped"`
	Ticket   *protocol.Ticket `json:"ticket,omitempty"`
}

// Import creates a local ticket from a remote issue. An issue already
// carried by a ticket in the repository is skipped, not duplicated.
func (s *Syncer) Import(ctx context.Context, repositoryID string, issueNumber int) (*ImportResult, error) {
	repo, err := s.store.GetRepository(repositoryID)
	if err != nil {
		return nil, err
	}

	if existing, err := s.store.FindByIssue(repositoryID, issueNumber); err == nil {
		s.logger.Debug("issue already imported", "repo", repo.FullName, "issue", issueNumber, "ticket", existing.ID)
		return &ImportResult{Skipped: true, Ticket: existing}, nil
	} else if !errors.Is(err, ticket.ErrNotFound) {
		return nil, err
	}

	issue, err := s.gh.GetIssue(ctx, repo.FullName, issueNumber)
	if err != nil {
		return nil, err
	}

	t, err := s.createFromIssue(repo, issue)
	if err != nil {
		return nil, err
	}
	return &ImportResult{Imported: true, Ticket: t}, nil
}

// BatchItemError is a per-issue failure inside a bulk import.
type BatchItemError struct {
	IssueNumber int    `json:"issue_number"`
	Error       string `json:"error"`
}

// BatchResult summarizes a bulk import. A failure on one issue never aborts
// the batch.
type BatchResult struct {
	Imported []string         `json:"imported"` // ticket IDs
	Skipped  []int            `json:"skipped"`  // issue numbers
	Errors   []BatchItemError `json:"errors"`
}

// ImportAll imports every remote issue matching state, one issue at a time,
// capturing per-item failures.
func (s *Syncer) ImportAll(ctx context.Context, repositoryID, state string) (*BatchResult, error) {
	repo, err := s.store.GetRepository(repositoryID)
	if err != nil {
		return nil, err
	}
	issues, err := s.gh.ListIssues(ctx, repo.FullName, state)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{Imported: []string{}, Skipped: []int{}, Errors: []BatchItemError{}}
	for _, issue := range issues {
		if issue.IsPullRequest() {
			continue
		}

		if _, err := s.store.FindByIssue(repositoryID, issue.Number); err == nil {
			result.Skipped = append(result.Skipped, issue.Number)
			continue
		} else if !errors.Is(err, ticket.ErrNotFound) {
			result.Errors = append(result.Errors, BatchItemError{IssueNumber: issue.Number, Error: err.Error()})
			continue
		}

		t, err := s.createFromIssue(repo, &issue)
		if err != nil {
			result.Errors = append(result.Errors, BatchItemError{IssueNumber: issue.Number, Error: err.Error()})
			continue
		}
		result.Imported = append(result.Imported, t.ID)
	}
	return result, nil
}

// TicketSyncResult reports the outcome for one ticket during a pull sync.
type TicketSyncResult struct {
	TicketID    string `json:"ticket_id"`
	IssueNumber int    `json:"issue_number"`
	OldStatus   string `json:"old_status"`
	NewStatus   string `json:"new_status"`
	Changed     bool   `json:"changed"`
}

// SyncRepository pulls remote issue state into local tickets for every
// linked ticket in the repository.
func (s *Syncer) SyncRepository(ctx context.Context, repositoryID, state string) ([]TicketSyncResult, error) {
	repo, err := s.store.GetRepository(repositoryID)
	if err != nil {
		return nil, err
	}
	if state == "" {
		state = "all"
	}
	issues, err := s.gh.ListIssues(ctx, repo.FullName, state)
	if err != nil {
		return nil, err
	}

	var results []TicketSyncResult
	for _, issue := range issues {
		if issue.IsPullRequest() {
			continue
		}
		existing, err := s.store.FindByIssue(repositoryID, issue.Number)
		if errors.Is(err, ticket.ErrNotFound) {
			continue // not imported, nothing to reconcile
		}
		if err != nil {
			return nil, err
		}

		newStatus := GitHubStateToLocal(issue.State, existing)
		res := TicketSyncResult{
			TicketID:    existing.ID,
			IssueNumber: issue.Number,
			OldStatus:   string(existing.Status),
			NewStatus:   string(newStatus),
		}
		if newStatus != existing.Status {
			// Remote close bypasses the transition table: GitHub wins.
			if err := s.store.SetStatus(existing.ID, newStatus); err != nil {
				return nil, err
			}
			res.Changed = true
			s.logger.Info("ticket status synced from github",
				"ticket", existing.ID, "issue", issue.Number,
				"old", res.OldStatus, "new", res.NewStatus)
		}
		results = append(results, res)
	}
	return results, nil
}

// PushStatus propagates a linked ticket's status to its GitHub issue.
// Unlinked tickets are a no-op.
func (s *Syncer) PushStatus(ctx context.Context, t *protocol.Ticket) error {
	if !t.Linked() {
		return nil
	}
	repo, err := s.store.GetRepository(t.RepositoryID)
	if err != nil {
		return err
	}
	return s.gh.SetIssueState(ctx, repo.FullName, t.GitHubIssueNumber, TicketStateToGitHub(t.Status))
}

func (s *Syncer) createFromIssue(repo *protocol.Repository, issue *github.Issue) (*protocol.Ticket, error) {
	now := time.Now()
	t := &protocol.Ticket{
		ID:                uuid.NewString(),
		Title:             issue.Title,
		Description:       issue.Body,
		Type:              typeFromLabels(issue),
		Priority:          protocol.PriorityMedium,
		Status:            GitHubStateToLocal(issue.State, nil),
		Order:             s.nextOrder(repo.ID),
		RepositoryID:      repo.ID,
		GitHubIssueNumber: issue.Number,
		GitHubIssueURL:    issue.HTMLURL,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if t.Status == protocol.TicketClosed {
		t.ClosedAt = &now
	}
	if err := s.store.SaveTicket(t); err != nil {
		return nil, err
	}
	s.logger.Info("issue imported", "repo", repo.FullName, "issue", issue.Number, "ticket", t.ID)
	return t, nil
}

// nextOrder places imported tickets at the tail of the repository's queue.
func (s *Syncer) nextOrder(repositoryID string) int {
	tickets, err := s.store.ListTickets(ticket.Filter{RepositoryID: repositoryID})
	if err != nil {
		return 0
	}
	max := -1
	for _, t := range tickets {
		if t.Order > max {
			max = t.Order
		}
	}
	return max + 1
}

// typeFromLabels picks a ticket type from issue labels, defaulting to feature.
func typeFromLabels(issue *github.Issue) protocol.TicketType {
	for _, l := range issue.Labels {
		switch l.Name {
		case "bug", "bugfix":
			return protocol.TypeBugfix
		case "refactor":
			return protocol.TypeRefactor
		case "documentation", "docs":
			return protocol.TypeDocumentation
		case "feature", "enhancement":
			return protocol.TypeFeature
		}
	}
	return protocol.TypeFeature
}
