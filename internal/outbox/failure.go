package outbox

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DLQWriter persists notifications that could not be published.
type DLQWriter struct {
	pool *pgxpool.Pool
}

// NewDLQWriter initialises a writer backed by the provided connection pool.
func NewDLQWriter(pool *pgxpool.Pool) *DLQWriter {
	return &DLQWriter{pool: pool}
}

// Write records a failed notification alongside the supplied reason.
func (w *DLQWriter) Write(ctx context.Context, msg Message, topic, reason string) error {
	_, err := w.pool.Exec(ctx,
		`INSERT INTO scheduled_notifications_dlq
            (notification_id, profile_id, slot, channel, kind, title, body, payload, topic, reason, next_retry_at)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10, NOW())`,
		msg.ID, msg.ProfileID, msg.Slot, msg.Channel, msg.Kind, msg.Title, msg.Body, []byte(msg.Payload), topic, reason,
	)
	return err
}
