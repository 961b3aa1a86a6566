package service

import (
	"context"
	"log/slog"

	"github.com/ticketpilot/ticketpilot/internal/port/notifier"
	"github.com/ticketpilot/ticketpilot/internal/port/ticket"
)

// agentSignature is appended to every comment TicketPilot posts on the
// ticket system. The reactivation detector keys on it to skip the
// orchestrator's own comments.
const agentSignature = "\n\n— ticketpilot 🤖"

// NotificationService posts ticket comments and fans notifications out to
// the registered notifiers. Everything here is informational: a delivery
// failure is logged, never propagated into run state.
type NotificationService struct {
	ticket    ticket.Client
	notifiers []notifier.Notifier
}

// NewNotificationService creates a NotificationService.
func NewNotificationService(ticketClient ticket.Client, notifiers []notifier.Notifier) *NotificationService {
	return &NotificationService{
		ticket:    ticketClient,
		notifiers: notifiers,
	}
}

// PostComment writes a signed comment on the ticket item.
func (s *NotificationService) PostComment(ctx context.Context, itemID, body string) error {
	return s.ticket.AddComment(ctx, itemID, body+agentSignature)
}

// Notify sends a notification to all registered notifiers. Errors are
// logged but do not interrupt delivery to other notifiers.
func (s *NotificationService) Notify(ctx context.Context, n notifier.Notification) {
	for _, provider := range s.notifiers {
		if err := provider.Send(ctx, n); err != nil {
			slog.Warn("notification send failed",
				"provider", provider.Name(),
				"title", n.Title,
				"error", err,
			)
			continue
		}
		slog.Debug("notification sent", "provider", provider.Name(), "title", n.Title)
	}
}

// DirectMessage delivers a DM through the first notifier that supports
// direct messages. Best-effort: a missing identity or transport failure is
// logged and swallowed.
func (s *NotificationService) DirectMessage(ctx context.Context, email string, n notifier.Notification) {
	if email == "" {
		return
	}
	for _, provider := range s.notifiers {
		if !provider.Capabilities().DirectMessages {
			continue
		}
		if err := provider.SendDirect(ctx, email, n); err != nil {
			slog.Warn("direct message failed",
				"provider", provider.Name(),
				"email", email,
				"title", n.Title,
				"error", err,
			)
			continue
		}
		slog.Debug("direct message sent", "provider", provider.Name(), "email", email)
		return
	}
}

// NotifierCount returns the number of registered notifiers.
func (s *NotificationService) NotifierCount() int {
	return len(s.notifiers)
}
