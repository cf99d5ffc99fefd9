package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func newTestQueue(t *testing.T, opts ...Option) *Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	opts = append([]Option{WithPollInterval(10 * time.Millisecond)}, opts...)
	q, err := Open(path, "tasks", opts...)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

// consumeN collects n deliveries, applying outcome to each, then cancels.
func consumeN(t *testing.T, q *Queue, n int, outcome Outcome) []Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []Delivery
	err := q.Consume(ctx, func(_ context.Context, d Delivery) Outcome {
		got = append(got, d)
		if len(got) == n {
			cancel()
		}
		return outcome
	})
	if err != context.Canceled && err != context.DeadlineExceeded {
		t.Fatalf("consume: %v", err)
	}
	if len(got) < n {
		t.Fatalf("expected %d deliveries, got %d", n, len(got))
	}
	return got
}

func TestPublishConsume_RoundTrip(t *testing.T) {
	q := newTestQueue(t)

	payload := []byte(`{"ticket_id":"t-1","title":"Fix login","repository":"acme/webapp"}`)
	if err := q.Publish(context.Background(), payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := consumeN(t, q, 1, Ack)
	if string(got[0].Payload) != string(payload) {
		t.Errorf("payload mismatch:\n%s\n%s", got[0].Payload, payload)
	}
	if got[0].Attempt != 1 {
		t.Errorf("attempt = %d, want 1", got[0].Attempt)
	}

	depth, _ := q.Depth()
	if depth != 0 {
		t.Errorf("depth = %d after ack, want 0", depth)
	}
}

func TestConsume_FIFO(t *testing.T) {
	q := newTestQueue(t)

	for i := range 3 {
		q.Publish(context.Background(), []byte(fmt.Sprintf("msg-%d", i)))
	}

	got := consumeN(t, q, 3, Ack)
	for i, d := range got {
		if want := fmt.Sprintf("msg-%d", i); string(d.Payload) != want {
			t.Errorf("delivery %d = %q, want %q", i, d.Payload, want)
		}
	}
}

func TestNackRequeue_Redelivers(t *testing.T) {
	q := newTestQueue(t)
	q.Publish(context.Background(), []byte("flaky"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var attempts []int
	q.Consume(ctx, func(_ context.Context, d Delivery) Outcome {
		attempts = append(attempts, d.Attempt)
		if len(attempts) == 2 {
			cancel()
			return Ack
		}
		return NackRequeue
	})

	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("attempts = %v, want [1 2]", attempts)
	}
}

func TestNackDiscard_NeverRedelivered(t *testing.T) {
	// Discard the first message, then the next delivery must be the second
	// one, not a redelivery of the first.
	q2 := newTestQueue(t)
	q2.Publish(context.Background(), []byte("poison"))
	q2.Publish(context.Background(), []byte("good"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var seen []string
	q2.Consume(ctx, func(_ context.Context, d Delivery) Outcome {
		seen = append(seen, string(d.Payload))
		if len(seen) == 2 {
			cancel()
			return Ack
		}
		return NackDiscard
	})

	if len(seen) != 2 || seen[0] != "poison" || seen[1] != "good" {
		t.Errorf("seen = %v, want [poison good]", seen)
	}
	depth, _ := q2.Depth()
	if depth != 0 {
		t.Errorf("depth = %d, want 0", depth)
	}
}

func TestNackRequeue_DeadLettersAfterMaxAttempts(t *testing.T) {
	q := newTestQueue(t, WithMaxAttempts(3))
	q.Publish(context.Background(), []byte("always-fails"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	deliveries := 0
	go func() {
		// Give the consumer time to exhaust attempts, then stop it.
		time.Sleep(500 * time.Millisecond)
		cancel()
	}()
	q.Consume(ctx, func(_ context.Context, d Delivery) Outcome {
		deliveries++
		return NackRequeue
	})

	if deliveries != 3 {
		t.Errorf("deliveries = %d, want 3", deliveries)
	}
	dead, _ := q.DeadLetterCount()
	if dead != 1 {
		t.Errorf("dead letters = %d, want 1", dead)
	}
	depth, _ := q.Depth()
	if depth != 0 {
		t.Errorf("depth = %d, want 0", depth)
	}
}

func TestDurability_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	q, err := Open(path, "tasks")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	q.Publish(context.Background(), []byte("persistent"))
	q.Close()

	q2, err := Open(path, "tasks", WithPollInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer q2.Close()

	got := consumeN(t, q2, 1, Ack)
	if string(got[0].Payload) != "persistent" {
		t.Errorf("payload = %q", got[0].Payload)
	}
}

func TestRecoverInflight(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	q, _ := Open(path, "tasks", WithPollInterval(10*time.Millisecond))
	q.Publish(context.Background(), []byte("stuck"))

	// Claim but never settle, simulating a crash mid-handling.
	if _, ok, err := q.claim(context.Background()); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	q.Close()

	q2, err := Open(path, "tasks", WithPollInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer q2.Close()

	got := consumeN(t, q2, 1, Ack)
	if string(got[0].Payload) != "stuck" {
		t.Errorf("payload = %q", got[0].Payload)
	}
	if got[0].Attempt != 2 {
		t.Errorf("attempt = %d, want 2 (second delivery)", got[0].Attempt)
	}
}

func TestPublish_AfterClose(t *testing.T) {
	q := newTestQueue(t)
	q.Close()
	if err := q.Publish(context.Background(), []byte("x")); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestConsume_SurvivesTransientClaimError(t *testing.T) {
	q := newTestQueue(t)
	q.Publish(context.Background(), []byte("delayed"))

	// Hide the messages table so every claim fails until it is put back.
	if _, err := q.db.Exec(`ALTER TABLE messages RENAME TO messages_hidden`); err != nil {
		t.Fatalf("rename table: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	delivered := make(chan Delivery, 1)
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, func(_ context.Context, d Delivery) Outcome {
			delivered <- d
			return Ack
		})
	}()

	time.Sleep(50 * time.Millisecond)
	if _, err := q.db.Exec(`ALTER TABLE messages_hidden RENAME TO messages`); err != nil {
		t.Fatalf("restore table: %v", err)
	}

	select {
	case d := <-delivered:
		if string(d.Payload) != "delayed" {
			t.Errorf("payload = %q, want %q", d.Payload, "delayed")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("consumer did not recover from claim errors")
	}
	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("consume returned %v, want context.Canceled", err)
	}
}

func TestClose_StopsConsumer(t *testing.T) {
	q := newTestQueue(t)

	done := make(chan error, 1)
	go func() {
		done <- q.Consume(context.Background(), func(context.Context, Delivery) Outcome { return Ack })
	}()

	time.Sleep(30 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Error("consume returned nil after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer kept running after close")
	}
}
