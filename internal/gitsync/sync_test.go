package gitsync

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/autocode-io/autocode/internal/github"
	"github.com/autocode-io/autocode/internal/ticket"
	"github.com/autocode-io/autocode/pkg/protocol"
)

// fakeIssues implements IssueService from a fixed issue set.
type fakeIssues struct {
	issues    map[int]github.Issue
	setStates map[int]string // issue number → last pushed state
}

func newFakeIssues(issues ...github.Issue) *fakeIssues {
	f := &fakeIssues{issues: make(map[int]github.Issue), setStates: make(map[int]string)}
	for _, i := range issues {
		f.issues[i.Number] = i
	}
	return f
}

func (f *fakeIssues) ListIssues(_ context.Context, _, state string) ([]github.Issue, error) {
	var out []github.Issue
	for _, i := range f.issues {
		if state == "all" || state == "" || i.State == state {
			out = append(out, i)
		}
	}
	return out, nil
}

func (f *fakeIssues) GetIssue(_ context.Context, _ string, number int) (*github.Issue, error) {
	i, ok := f.issues[number]
	if !ok {
		return nil, fmt.Errorf("github: api error (status 404): not found")
	}
	return &i, nil
}

func (f *fakeIssues) SetIssueState(_ context.Context, _ string, number int, state string) error {
	f.setStates[number] = state
	return nil
}

func newTestSyncer(t *testing.T, gh IssueService) (*Syncer, *ticket.SQLiteStore) {
	t.Helper()
	store, err := ticket.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.DB().Close() })

	repo := &protocol.Repository{ID: "repo-1", Name: "webapp", FullName: "acme/webapp", CreatedAt: time.Now()}
	if err := store.SaveRepository(repo); err != nil {
		t.Fatalf("save repo: %v", err)
	}
	return New(store, gh, nil), store
}

func TestTicketStateToGitHub(t *testing.T) {
	cases := []struct {
		status protocol.TicketStatus
		want   string
	}{
		{protocol.TicketOpen, "open"},
		{protocol.TicketInProgress, "open"},
		{protocol.TicketReview, "open"},
		{protocol.TicketPendingValidation, "open"},
		{protocol.TicketClosed, "closed"},
	}
	for _, c := range cases {
		if got := TicketStateToGitHub(c.status); got != c.want {
			t.Errorf("TicketStateToGitHub(%s) = %s, want %s", c.status, got, c.want)
		}
	}
}

func TestGitHubStateToLocal(t *testing.T) {
	existing := func(s protocol.TicketStatus) *protocol.Ticket {
		return &protocol.Ticket{ID: "t-1", Status: s}
	}
	cases := []struct {
		name       string
		issueState string
		existing   *protocol.Ticket
		want       protocol.TicketStatus
	}{
		{"first import open", "open", nil, protocol.TicketOpen},
		{"first import closed", "closed", nil, protocol.TicketClosed},
		{"preserve review", "open", existing(protocol.TicketReview), protocol.TicketReview},
		{"preserve in_progress", "open", existing(protocol.TicketInProgress), protocol.TicketInProgress},
		{"preserve pending_validation", "open", existing(protocol.TicketPendingValidation), protocol.TicketPendingValidation},
		{"remote close wins", "closed", existing(protocol.TicketReview), protocol.TicketClosed},
		{"remote close over open", "closed", existing(protocol.TicketOpen), protocol.TicketClosed},
	}
	for _, c := range cases {
		if got := GitHubStateToLocal(c.issueState, c.existing); got != c.want {
			t.Errorf("%s: got %s, want %s", c.name, got, c.want)
		}
	}
}

func TestImport(t *testing.T) {
	gh := newFakeIssues(github.Issue{
		Number: 42, Title: "Fix login", Body: "details", State: "open",
		HTMLURL: "https://github.com/acme/webapp/issues/42",
	})
	s, store := newTestSyncer(t, gh)

	res, err := s.Import(context.Background(), "repo-1", 42)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if !res.Imported || res.Skipped {
		t.Fatalf("result = %+v", res)
	}
	if res.Ticket.GitHubIssueNumber != 42 {
		t.Errorf("issue number = %d", res.Ticket.GitHubIssueNumber)
	}
	if res.Ticket.Status != protocol.TicketOpen {
		t.Errorf("status = %s", res.Ticket.Status)
	}

	// Importing the same issue again is skipped, exactly one local ticket.
	res2, err := s.Import(context.Background(), "repo-1", 42)
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if !res2.Skipped {
		t.Error("expected skipped result")
	}
	tickets, _ := store.ListTickets(ticket.Filter{RepositoryID: "repo-1"})
	if len(tickets) != 1 {
		t.Errorf("expected 1 ticket, got %d", len(tickets))
	}
}

func TestImport_ClosedIssue(t *testing.T) {
	gh := newFakeIssues(github.Issue{Number: 7, Title: "Old bug", State: "closed"})
	s, _ := newTestSyncer(t, gh)

	res, err := s.Import(context.Background(), "repo-1", 7)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if res.Ticket.Status != protocol.TicketClosed {
		t.Errorf("status = %s, want closed", res.Ticket.Status)
	}
	if res.Ticket.ClosedAt == nil {
		t.Error("expected closed_at to be set")
	}
}

func TestImport_TypeFromLabels(t *testing.T) {
	issue := github.Issue{Number: 3, Title: "Crash", State: "open"}
	issue.Labels = []struct {
		Name string `json:"name"`
	}{{Name: "bug"}}
	gh := newFakeIssues(issue)
	s, _ := newTestSyncer(t, gh)

	res, _ := s.Import(context.Background(), "repo-1", 3)
	if res.Ticket.Type != protocol.TypeBugfix {
		t.Errorf("type = %s, want bugfix", res.Ticket.Type)
	}
}

func TestImportAll(t *testing.T) {
	pr := github.Issue{Number: 3, Title: "A PR", State: "open", PullRequest: &struct{}{}}
	gh := newFakeIssues(
		github.Issue{Number: 1, Title: "One", State: "open"},
		github.Issue{Number: 2, Title: "Two", State: "open"},
		pr,
	)
	s, store := newTestSyncer(t, gh)

	// Pre-import issue 2 so the batch reports it skipped.
	if _, err := s.Import(context.Background(), "repo-1", 2); err != nil {
		t.Fatalf("pre-import: %v", err)
	}

	res, err := s.ImportAll(context.Background(), "repo-1", "open")
	if err != nil {
		t.Fatalf("import all: %v", err)
	}
	if len(res.Imported) != 1 {
		t.Errorf("imported = %v", res.Imported)
	}
	if len(res.Skipped) != 1 || res.Skipped[0] != 2 {
		t.Errorf("skipped = %v", res.Skipped)
	}
	if len(res.Errors) != 0 {
		t.Errorf("errors = %v", res.Errors)
	}

	// Pull requests never become tickets.
	tickets, _ := store.ListTickets(ticket.Filter{RepositoryID: "repo-1"})
	if len(tickets) != 2 {
		t.Errorf("expected 2 tickets, got %d", len(tickets))
	}
}

func TestSyncRepository_PreservesRichStatus(t *testing.T) {
	gh := newFakeIssues(github.Issue{Number: 10, Title: "Work", State: "open"})
	s, store := newTestSyncer(t, gh)

	res, _ := s.Import(context.Background(), "repo-1", 10)
	store.SetStatus(res.Ticket.ID, protocol.TicketReview)

	results, err := s.SyncRepository(context.Background(), "repo-1", "all")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Changed {
		t.Error("open issue must not clobber review status")
	}

	got, _ := store.GetTicket(res.Ticket.ID)
	if got.Status != protocol.TicketReview {
		t.Errorf("status = %s, want review", got.Status)
	}
}

func TestSyncRepository_RemoteCloseWins(t *testing.T) {
	gh := newFakeIssues(github.Issue{Number: 10, Title: "Work", State: "open"})
	s, store := newTestSyncer(t, gh)

	res, _ := s.Import(context.Background(), "repo-1", 10)
	store.SetStatus(res.Ticket.ID, protocol.TicketInProgress)

	// Issue closes remotely.
	gh.issues[10] = github.Issue{Number: 10, Title: "Work", State: "closed"}

	results, err := s.SyncRepository(context.Background(), "repo-1", "all")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !results[0].Changed || results[0].NewStatus != "closed" {
		t.Errorf("result = %+v", results[0])
	}

	got, _ := store.GetTicket(res.Ticket.ID)
	if got.Status != protocol.TicketClosed {
		t.Errorf("status = %s, want closed", got.Status)
	}
}

func TestPushStatus(t *testing.T) {
	gh := newFakeIssues(github.Issue{Number: 5, Title: "X", State: "open"})
	s, store := newTestSyncer(t, gh)

	res, _ := s.Import(context.Background(), "repo-1", 5)
	store.SetStatus(res.Ticket.ID, protocol.TicketClosed)

	tk, _ := store.GetTicket(res.Ticket.ID)
	if err := s.PushStatus(context.Background(), tk); err != nil {
		t.Fatalf("push: %v", err)
	}
	if gh.setStates[5] != "closed" {
		t.Errorf("pushed state = %q, want closed", gh.setStates[5])
	}

	// Unlinked tickets are a no-op.
	unlinked := &protocol.Ticket{ID: "t-x", RepositoryID: "repo-1", Status: protocol.TicketClosed}
	if err := s.PushStatus(context.Background(), unlinked); err != nil {
		t.Errorf("unlinked push: %v", err)
	}
}
