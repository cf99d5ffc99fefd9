package ticket

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/autocode-io/autocode/pkg/protocol"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ticket store: open: %w", err)
	}

	// Enable WAL mode for better concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("ticket store: wal: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS repositories (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			full_name  TEXT NOT NULL,
			url        TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tickets (
			id            TEXT PRIMARY KEY,
			seq           INTEGER NOT NULL DEFAULT 0,
			title         TEXT NOT NULL,
			description   TEXT NOT NULL DEFAULT '',
			type          TEXT NOT NULL DEFAULT 'feature',
			priority      TEXT NOT NULL DEFAULT 'medium',
			status        TEXT NOT NULL DEFAULT 'open',
			queue_order   INTEGER NOT NULL DEFAULT 0,
			repository_id TEXT NOT NULL REFERENCES repositories(id),
			issue_number  INTEGER NOT NULL DEFAULT 0,
			issue_url     TEXT NOT NULL DEFAULT '',
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,
			closed_at     TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_tickets_repo ON tickets(repository_id);
		CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);
		CREATE INDEX IF NOT EXISTS idx_tickets_issue ON tickets(repository_id, issue_number);
	`)
	if err != nil {
		return fmt.Errorf("ticket store: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveTicket(t *protocol.Ticket) error {
	var closedAt *string
	if t.ClosedAt != nil {
		v := t.ClosedAt.Format(time.RFC3339)
		closedAt = &v
	}

	// seq preserves insertion order so equal queue_order values keep their
	// original relative ordering across reads (stable ties).
	_, err := s.db.Exec(`
		INSERT INTO tickets (id, seq, title, description, type, priority, status, queue_order,
			repository_id, issue_number, issue_url, created_at, updated_at, closed_at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM tickets), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title=excluded.title, description=excluded.description, type=excluded.type,
			priority=excluded.priority, status=excluded.status, queue_order=excluded.queue_order,
			issue_number=excluded.issue_number, issue_url=excluded.issue_url,
			updated_at=excluded.updated_at, closed_at=excluded.closed_at
	`, t.ID, t.Title, t.Description, string(t.Type), string(t.Priority), string(t.Status),
		t.Order, t.RepositoryID, t.GitHubIssueNumber, t.GitHubIssueURL,
		t.CreatedAt.Format(time.RFC3339), t.UpdatedAt.Format(time.RFC3339), closedAt)
	if err != nil {
		return fmt.Errorf("ticket store: save: %w", err)
	}
	return nil
}

const ticketColumns = `id, title, description, type, priority, status, queue_order,
	repository_id, issue_number, issue_url, created_at, updated_at, closed_at`

func (s *SQLiteStore) GetTicket(id string) (*protocol.Ticket, error) {
	row := s.db.QueryRow(`SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("ticket %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("ticket store: get: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) ListTickets(filter Filter) ([]*protocol.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE 1=1`
	var args []any

	if filter.RepositoryID != "" {
		query += " AND repository_id = ?"
		args = append(args, filter.RepositoryID)
	}
	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*filter.Status))
	}
	query += " ORDER BY queue_order ASC, seq ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("ticket store: list: %w", err)
	}
	defer rows.Close()

	var tickets []*protocol.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("ticket store: list scan: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func (s *SQLiteStore) DeleteTicket(id string) error {
	result, err := s.db.Exec(`DELETE FROM tickets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("ticket store: delete: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("ticket %q: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) TransitionStatus(id string, from, to protocol.TicketStatus) error {
	if !protocol.CanTransition(from, to) {
		return fmt.Errorf("ticket store: transition %s -> %s: %w", from, to, ErrConflict)
	}

	now := time.Now().Format(time.RFC3339)
	var closedAt any
	if to == protocol.TicketClosed {
		closedAt = now
	}

	// Compare-and-swap on the current status: a concurrent dispatch that
	// already moved the ticket makes this a no-op and we report the conflict.
	result, err := s.db.Exec(
		`UPDATE tickets SET status = ?, updated_at = ?, closed_at = COALESCE(?, closed_at) WHERE id = ? AND status = ?`,
		string(to), now, closedAt, id, string(from))
	if err != nil {
		return fmt.Errorf("ticket store: transition: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		if _, err := s.GetTicket(id); err != nil {
			return err
		}
		return fmt.Errorf("ticket %q not in status %s: %w", id, from, ErrConflict)
	}
	return nil
}

func (s *SQLiteStore) SetStatus(id string, status protocol.TicketStatus) error {
	now := time.Now().Format(time.RFC3339)
	var closedAt any
	if status == protocol.TicketClosed {
		closedAt = now
	}
	result, err := s.db.Exec(
		`UPDATE tickets SET status = ?, updated_at = ?, closed_at = COALESCE(?, closed_at) WHERE id = ?`,
		string(status), now, closedAt, id)
	if err != nil {
		return fmt.Errorf("ticket store: set status: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("ticket %q: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) LinkIssue(id string, issueNumber int, issueURL string) error {
	t, err := s.GetTicket(id)
	if err != nil {
		return err
	}
	if t.Linked() && t.GitHubIssueNumber != issueNumber {
		return fmt.Errorf("ticket %q already linked to issue #%d: %w", id, t.GitHubIssueNumber, ErrConflict)
	}

	_, err = s.db.Exec(`UPDATE tickets SET issue_number = ?, issue_url = ?, updated_at = ? WHERE id = ?`,
		issueNumber, issueURL, time.Now().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("ticket store: link issue: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FindByIssue(repositoryID string, issueNumber int) (*protocol.Ticket, error) {
	row := s.db.QueryRow(`SELECT `+ticketColumns+` FROM tickets WHERE repository_id = ? AND issue_number = ?`,
		repositoryID, issueNumber)
	t, err := scanTicket(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("issue #%d in %q: %w", issueNumber, repositoryID, ErrNotFound)
		}
		return nil, fmt.Errorf("ticket store: find by issue: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) SaveRepository(r *protocol.Repository) error {
	_, err := s.db.Exec(`
		INSERT INTO repositories (id, name, full_name, url, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, full_name=excluded.full_name, url=excluded.url
	`, r.ID, r.Name, r.FullName, r.URL, r.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("ticket store: save repository: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRepository(id string) (*protocol.Repository, error) {
	row := s.db.QueryRow(`SELECT id, name, full_name, url, created_at FROM repositories WHERE id = ?`, id)
	var r protocol.Repository
	var createdAt string
	if err := row.Scan(&r.ID, &r.Name, &r.FullName, &r.URL, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("repository %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("ticket store: get repository: %w", err)
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &r, nil
}

func (s *SQLiteStore) ListRepositories() ([]*protocol.Repository, error) {
	rows, err := s.db.Query(`SELECT id, name, full_name, url, created_at FROM repositories ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("ticket store: list repositories: %w", err)
	}
	defer rows.Close()

	var repos []*protocol.Repository
	for rows.Next() {
		var r protocol.Repository
		var createdAt string
		if err := rows.Scan(&r.ID, &r.Name, &r.FullName, &r.URL, &createdAt); err != nil {
			return nil, fmt.Errorf("ticket store: scan repository: %w", err)
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		repos = append(repos, &r)
	}
	return repos, rows.Err()
}

func (s *SQLiteStore) DeleteRepository(id string) error {
	result, err := s.db.Exec(`DELETE FROM repositories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("ticket store: delete repository: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("repository %q: %w", id, ErrNotFound)
	}
	return nil
}

// DB returns the underlying database connection (for testing or direct access).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanTicket(row scannable) (*protocol.Ticket, error) {
	var t protocol.Ticket
	var typ, priority, status, createdAt, updatedAt string
	var closedAt *string

	err := row.Scan(&t.ID, &t.Title, &t.Description, &typ, &priority, &status, &t.Order,
		&t.RepositoryID, &t.GitHubIssueNumber, &t.GitHubIssueURL, &createdAt, &updatedAt, &closedAt)
	if err != nil {
		return nil, err
	}

	t.Type = protocol.TicketType(typ)
	t.Priority = protocol.TicketPriority(priority)
	t.Status = protocol.TicketStatus(status)
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	if closedAt != nil {
		ct, _ := time.Parse(time.RFC3339, *closedAt)
		t.ClosedAt = &ct
	}
	return &t, nil
}
