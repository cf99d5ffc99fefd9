// Package worker consumes task envelopes from the queue and drives an
// execution agent. One envelope is in flight at a time; the outcome of the
// agent run decides whether the envelope is acknowledged or redelivered.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/autocode-io/autocode/internal/agent"
	"github.com/autocode-io/autocode/internal/notify"
	"github.com/autocode-io/autocode/internal/queue"
	"github.com/autocode-io/autocode/internal/ticket"
	"github.com/autocode-io/autocode/pkg/protocol"
)

// Commenter posts annotations on GitHub issues. Satisfied by *github.Client.
type Commenter interface {
	CreateComment(ctx context.Context, repo string, number int, text string) error
}

// Consumer is the queue side the worker drives. Satisfied by *queue.Queue.
type Consumer interface {
	Consume(ctx context.Context, handler queue.Handler) error
}

// Worker bridges the task queue to an execution agent.
type Worker struct {
	Queue     Consumer
	Store     ticket.Store
	Agent     agent.Agent
	Commenter Commenter
	Notifier  notify.Notifier
	Logger    *slog.Logger
}

// Run consumes until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.Logger == nil {
		w.Logger = slog.Default()
	}
	if w.Notifier == nil {
		w.Notifier = notify.Noop{}
	}
	w.Logger.Info("worker started", "agent", w.Agent.Name())
	return w.Queue.Consume(ctx, w.Handle)
}

// Handle processes one delivery. Malformed payloads are discarded so they
// cannot loop forever; agent failures are requeued and count against the
// queue's delivery attempt limit.
func (w *Worker) Handle(ctx context.Context, d queue.Delivery) queue.Outcome {
	if w.Logger == nil {
		w.Logger = slog.Default()
	}
	if w.Notifier == nil {
		w.Notifier = notify.Noop{}
	}

	env, err := protocol.DecodeEnvelope(d.Payload)
	if err != nil {
		w.Logger.Error("discarding malformed task message", "message_id", d.ID, "error", err)
		return queue.NackDiscard
	}

	log := w.Logger.With("ticket", env.TicketID, "attempt", d.Attempt)
	log.Info("executing task", "title", env.Title, "agent", w.Agent.Name())

	w.Notifier.Publish(ctx, notify.Event{
		Type:     notify.EventStatusUpdate,
		TicketID: env.TicketID,
		Status:   string(protocol.TicketInProgress),
		Step:     "agent_execute",
		Progress: 10,
	})

	result, err := w.Agent.Execute(ctx, agent.Task{
		TicketID:    env.TicketID,
		Title:       env.Title,
		Description: env.Description,
		Repository:  env.Repository,
	})
	if err != nil {
		log.Error("agent execution failed", "error", err)
		w.annotate(ctx, env, fmt.Sprintf("AutoCode agent %s failed (attempt %d): %v", w.Agent.Name(), d.Attempt, err))
		w.Notifier.Publish(ctx, notify.Event{
			Type:     notify.EventLog,
			TicketID: env.TicketID,
			Message:  fmt.Sprintf("agent failed: %v", err),
		})
		return queue.NackRequeue
	}

	log.Info("agent execution succeeded", "artifact", result.ArtifactRef)
	marker := fmt.Sprintf("AutoCode agent %s completed this ticket.\n\n%s", w.Agent.Name(), result.Summary)
	if result.ArtifactRef != "" {
		marker += fmt.Sprintf("\n\nArtifact: %s", result.ArtifactRef)
	}
	w.annotate(ctx, env, marker)

	// The ticket moves to pending_validation for human review. A conflict
	// here means something else already moved it; the work itself is done,
	// so the envelope is still acknowledged.
	err = w.Store.TransitionStatus(env.TicketID, protocol.TicketInProgress, protocol.TicketPendingValidation)
	if err != nil && !errors.Is(err, ticket.ErrConflict) && !errors.Is(err, ticket.ErrNotFound) {
		log.Error("failed to update ticket status", "error", err)
	}

	w.Notifier.Publish(ctx, notify.Event{
		Type:     notify.EventStatusUpdate,
		TicketID: env.TicketID,
		Status:   string(protocol.TicketPendingValidation),
		Step:     "done",
		Progress: 100,
		Message:  result.ArtifactRef,
	})
	return queue.Ack
}

// annotate comments on the ticket's linked GitHub issue, when there is one.
func (w *Worker) annotate(ctx context.Context, env *protocol.TaskEnvelope, text string) {
	if w.Commenter == nil {
		return
	}
	t, err := w.Store.GetTicket(env.TicketID)
	if err != nil || !t.Linked() {
		return
	}
	if err := w.Commenter.CreateComment(ctx, env.Repository, t.GitHubIssueNumber, text); err != nil {
		w.Logger.Warn("failed to comment on issue", "ticket", env.TicketID, "issue", t.GitHubIssueNumber, "error", err)
	}
}
