package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
)

// SlackNotifier posts ticket lifecycle events to a Slack channel.
type SlackNotifier struct {
	api     *slack.Client
	channel string
	logger  *slog.Logger
}

// NewSlack creates a Slack notifier, verifying the token with an auth test
// before any notification is sent.
func NewSlack(botToken, channel string, logger *slog.Logger) (*SlackNotifier, error) {
	if botToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if channel == "" {
		return nil, fmt.Errorf("slack: channel is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	api := slack.New(botToken)
	authResp, err := api.AuthTest()
	if err != nil {
		return nil, fmt.Errorf("slack: auth test: %w", err)
	}
	logger.Info("slack notifier authorized", "user", authResp.User, "team", authResp.Team)

	return &SlackNotifier{api: api, channel: channel, logger: logger}, nil
}

// Publish posts status updates to the channel. Log-type events are skipped;
// they are too chatty for Slack.
func (s *SlackNotifier) Publish(ctx context.Context, ev Event) {
	if ev.Type != EventStatusUpdate {
		return
	}

	text := fmt.Sprintf("Ticket `%s` is now *%s*", ev.TicketID, ev.Status)
	if ev.Message != "" {
		text += ": " + ev.Message
	}

	_, _, err := s.api.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false))
	if err != nil {
		s.logger.Warn("slack notification failed", "ticket", ev.TicketID, "error", err)
	}
}
