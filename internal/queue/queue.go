// Package queue provides a durable, at-least-once task queue backed by
// SQLite. Messages survive process restarts, are delivered in FIFO order,
// and are consumed one at a time per consumer (prefetch = 1). A message
// that keeps failing is moved to a dead-letter table after MaxAttempts
// deliveries instead of being requeued forever.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// Outcome is the consumer's verdict on a delivered message.
type Outcome int

const (
	// Ack removes the message permanently.
	Ack Outcome = iota
	// NackRequeue makes the message deliverable again; after MaxAttempts
	// deliveries it is dead-lettered instead.
	NackRequeue
	// NackDiscard removes the message without requeueing. Used for
	// malformed payloads that would poison the queue.
	NackDiscard
)

// Delivery is a message handed to a consumer.
type Delivery struct {
	ID      int64
	Payload []byte
	Attempt int // 1-based delivery attempt
}

// Handler processes one delivery and returns its outcome.
type Handler func(ctx context.Context, d Delivery) Outcome

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue: closed")

const (
	defaultMaxAttempts  = 5
	defaultPollInterval = 500 * time.Millisecond
)

// Queue is a named durable message channel.
type Queue struct {
	db           *sql.DB
	name         string
	maxAttempts  int
	pollInterval time.Duration
	logger       *slog.Logger
	closed       atomic.Bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxAttempts sets the delivery attempt limit before dead-lettering.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) { q.maxAttempts = n }
}

// WithPollInterval sets how long a consumer waits between polls of an
// empty backlog.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) { q.pollInterval = d }
}

// WithLogger sets the queue's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// Open opens (or creates) the queue database and recovers any messages
// left in flight by a previous process.
func Open(path, name string, opts ...Option) (*Queue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: wal: %w", err)
	}
	// Several handles share the database file (one queue per agent, plus
	// publishers); wait out a locked writer instead of surfacing SQLITE_BUSY.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: busy timeout: %w", err)
	}

	q := &Queue{
		db:           db,
		name:         name,
		maxAttempts:  defaultMaxAttempts,
		pollInterval: defaultPollInterval,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}

	if err := q.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := q.recoverInflight(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) migrate() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			queue       TEXT NOT NULL,
			payload     BLOB NOT NULL,
			status      TEXT NOT NULL DEFAULT 'pending',
			attempts    INTEGER NOT NULL DEFAULT 0,
			enqueued_at TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS dead_letters (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			queue       TEXT NOT NULL,
			payload     BLOB NOT NULL,
			attempts    INTEGER NOT NULL,
			last_error  TEXT NOT NULL DEFAULT '',
			dead_at     TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_queue ON messages(queue, status, id);
	`)
	if err != nil {
		return fmt.Errorf("queue: migrate: %w", err)
	}
	return nil
}

// recoverInflight returns messages claimed by a crashed consumer to the
// backlog. This is where at-least-once delivery comes from: a message whose
// outcome was never recorded is delivered again.
func (q *Queue) recoverInflight() error {
	_, err := q.db.Exec(
		`UPDATE messages SET status = 'pending', updated_at = ? WHERE queue = ? AND status = 'inflight'`,
		time.Now().Format(time.RFC3339), q.name)
	if err != nil {
		return fmt.Errorf("queue: recover inflight: %w", err)
	}
	return nil
}

// Publish appends a payload to the backlog. The write is durable once
// Publish returns. Failures are reported to the caller, never retried
// internally.
func (q *Queue) Publish(ctx context.Context, payload []byte) error {
	if q.closed.Load() {
		return ErrClosed
	}
	now := time.Now().Format(time.RFC3339)
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO messages (queue, payload, enqueued_at, updated_at) VALUES (?, ?, ?, ?)`,
		q.name, payload, now, now)
	if err != nil {
		return fmt.Errorf("queue: publish: %w", err)
	}
	return nil
}

// Consume delivers messages to handler one at a time, blocking until ctx is
// cancelled. At most one message is in flight per call; the next message is
// not claimed until the handler has returned an outcome for the current one.
// Transient database errors on claim and settle are logged and retried after
// the poll interval; Consume only returns on context cancellation or when
// the queue is closed.
func (q *Queue) Consume(ctx context.Context, handler Handler) error {
	for {
		if q.closed.Load() {
			return ErrClosed
		}
		d, ok, err := q.claim(ctx)
		if err != nil {
			if !q.retryable(ctx, err, "claim") {
				return err
			}
			if err := q.wait(ctx); err != nil {
				return err
			}
			continue
		}
		if !ok {
			if err := q.wait(ctx); err != nil {
				return err
			}
			continue
		}

		outcome := handler(ctx, d)
		for {
			err := q.settle(d, outcome)
			if err == nil {
				break
			}
			if !q.retryable(ctx, err, "settle") {
				return err
			}
			if err := q.wait(ctx); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// retryable reports whether the consumer should stay alive after err. A
// cancelled context or a closed queue ends the loop; anything else is
// assumed transient.
func (q *Queue) retryable(ctx context.Context, err error, op string) bool {
	if ctx.Err() != nil || q.closed.Load() {
		return false
	}
	q.logger.Error("queue operation failed, retrying", "queue", q.name, "op", op, "error", err)
	return true
}

func (q *Queue) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(q.pollInterval):
		return nil
	}
}

// claim atomically takes the oldest pending message. The status guard in
// the WHERE clause makes concurrent consumers safe: only one wins the row.
func (q *Queue) claim(ctx context.Context) (Delivery, bool, error) {
	row := q.db.QueryRowContext(ctx, `
		UPDATE messages
		SET status = 'inflight', attempts = attempts + 1, updated_at = ?
		WHERE id = (
			SELECT id FROM messages WHERE queue = ? AND status = 'pending' ORDER BY id LIMIT 1
		) AND status = 'pending'
		RETURNING id, payload, attempts
	`, time.Now().Format(time.RFC3339), q.name)

	var d Delivery
	if err := row.Scan(&d.ID, &d.Payload, &d.Attempt); err != nil {
		if err == sql.ErrNoRows {
			return Delivery{}, false, nil
		}
		return Delivery{}, false, fmt.Errorf("queue: claim: %w", err)
	}
	return d, true, nil
}

func (q *Queue) settle(d Delivery, outcome Outcome) error {
	switch outcome {
	case Ack, NackDiscard:
		if _, err := q.db.Exec(`DELETE FROM messages WHERE id = ?`, d.ID); err != nil {
			return fmt.Errorf("queue: settle: %w", err)
		}
		return nil

	case NackRequeue:
		if d.Attempt >= q.maxAttempts {
			return q.deadLetter(d)
		}
		_, err := q.db.Exec(`UPDATE messages SET status = 'pending', updated_at = ? WHERE id = ?`,
			time.Now().Format(time.RFC3339), d.ID)
		if err != nil {
			return fmt.Errorf("queue: requeue: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("queue: unknown outcome %d", outcome)
	}
}

func (q *Queue) deadLetter(d Delivery) error {
	tx, err := q.db.Begin()
	if err != nil {
		return fmt.Errorf("queue: dead letter: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO dead_letters (queue, payload, attempts, last_error, dead_at) VALUES (?, ?, ?, ?, ?)`,
		q.name, d.Payload, d.Attempt, "max delivery attempts exhausted", time.Now().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("queue: dead letter insert: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE id = ?`, d.ID); err != nil {
		return fmt.Errorf("queue: dead letter delete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("queue: dead letter commit: %w", err)
	}

	q.logger.Warn("message dead-lettered", "queue", q.name, "message_id", d.ID, "attempts", d.Attempt)
	return nil
}

// Depth returns the number of pending messages in the backlog.
func (q *Queue) Depth() (int, error) {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE queue = ? AND status = 'pending'`, q.name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue: depth: %w", err)
	}
	return n, nil
}

// DeadLetterCount returns the number of dead-lettered messages.
func (q *Queue) DeadLetterCount() (int, error) {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM dead_letters WHERE queue = ?`, q.name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue: dead letter count: %w", err)
	}
	return n, nil
}

// Close releases the underlying database connection.
func (q *Queue) Close() error {
	q.closed.Store(true)
	return q.db.Close()
}
