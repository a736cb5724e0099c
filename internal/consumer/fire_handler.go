package consumer

import (
	"context"
	"log/slog"
	"time"

	"example.com/reminders/internal/domain"
	"example.com/reminders/internal/notify"
)

// FireReporter records that the OS scheduler fired a channel reminder.
type FireReporter interface {
	HandleScheduledFire(ctx context.Context, ch domain.Channel, firedAt time.Time) bool
}

// FireHandler reports fired reminder notifications back to the reminder engine so the
// persisted LastFiredAt follows the scheduler.
type FireHandler struct {
	reporter FireReporter
	logger   *slog.Logger
}

// NewFireHandler constructs a FireHandler.
func NewFireHandler(reporter FireReporter, logger *slog.Logger) *FireHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FireHandler{reporter: reporter, logger: logger}
}

// Handle implements Handler. Milestones and unknown channels are acknowledged and ignored.
func (h *FireHandler) Handle(ctx context.Context, msg Message) error {
	if msg.Kind != notify.KindReminder || msg.Notification.Channel == "" {
		return nil
	}
	ch, err := domain.ParseChannel(msg.Notification.Channel)
	if err != nil {
		h.logger.Warn("ignoring fire for unknown channel", "channel", msg.Notification.Channel)
		return nil
	}
	if h.reporter.HandleScheduledFire(ctx, ch, msg.Notification.FireAt) {
		h.logger.Debug("scheduled fire recorded", "channel", ch, "fire_at", msg.Notification.FireAt)
	}
	return nil
}
