package consumer

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LogSchema creates the notification log table. It is idempotent.
const LogSchema = `CREATE TABLE IF NOT EXISTS notification_log (
    notification_id TEXT PRIMARY KEY,
    profile_id      TEXT NOT NULL,
    channel         TEXT NOT NULL DEFAULT '',
    kind            TEXT NOT NULL,
    title           TEXT NOT NULL,
    body            TEXT NOT NULL,
    backend         TEXT NOT NULL,
    fire_at         TIMESTAMPTZ NOT NULL,
    fired_at        TIMESTAMPTZ NOT NULL,
    topic           TEXT NOT NULL,
    partition       INTEGER NOT NULL,
    record_offset   BIGINT NOT NULL,
    received_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS notification_log_fired_at ON notification_log (fired_at)`

// NotificationLogHandler keeps fired notifications for debugging. Redelivered records are
// ignored.
type NotificationLogHandler struct {
	pool *pgxpool.Pool
}

// NewNotificationLogHandler constructs a handler backed by the provided pool.
func NewNotificationLogHandler(pool *pgxpool.Pool) *NotificationLogHandler {
	return &NotificationLogHandler{pool: pool}
}

// Migrate applies LogSchema.
func (h *NotificationLogHandler) Migrate(ctx context.Context) error {
	_, err := h.pool.Exec(ctx, LogSchema)
	return err
}

// Handle stores the notification in notification_log.
func (h *NotificationLogHandler) Handle(ctx context.Context, msg Message) error {
	n := msg.Notification
	firedAt := n.FiredAt
	if firedAt.IsZero() {
		firedAt = msg.Timestamp
	}
	_, err := h.pool.Exec(ctx,
		`INSERT INTO notification_log (notification_id, profile_id, channel, kind, title, body, backend, fire_at, fired_at, topic, partition, record_offset)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
         ON CONFLICT (notification_id) DO NOTHING`,
		n.ID,
		msg.ProfileID,
		n.Channel,
		msg.Kind,
		n.Title,
		n.Body,
		n.Backend,
		n.FireAt,
		firedAt,
		msg.Topic,
		msg.Partition,
		msg.Offset,
	)
	return err
}

// Prune removes log rows fired before now minus retention and reports how many were removed.
func (h *NotificationLogHandler) Prune(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	tag, err := h.pool.Exec(ctx, `DELETE FROM notification_log WHERE fired_at < $1`, now.Add(-retention))
	if err != nil {
		return 0, err
	}
	prunedCounter.Add(float64(tag.RowsAffected()))
	return tag.RowsAffected(), nil
}
