// Package notify fans ticket lifecycle events out to interested parties:
// WebSocket subscribers (the frontend) and, optionally, a Slack channel.
package notify

import "context"

// Event types pushed to subscribers.
const (
	EventStatusUpdate = "status_update"
	EventLog          = "log"
)

// Event is a single notification frame.
type Event struct {
	Type     string `json:"type"`
	TicketID string `json:"ticket_id,omitempty"`
	Status   string `json:"status,omitempty"`
	Step     string `json:"step,omitempty"`
	Progress int    `json:"progress,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Notifier delivers events. Implementations must be safe for concurrent use.
type Notifier interface {
	Publish(ctx context.Context, ev Event)
}

// Multi fans one event out to several notifiers.
type Multi []Notifier

func (m Multi) Publish(ctx context.Context, ev Event) {
	for _, n := range m {
		n.Publish(ctx, ev)
	}
}

// Noop discards all events.
type Noop struct{}

func (Noop) Publish(context.Context, Event) {}
