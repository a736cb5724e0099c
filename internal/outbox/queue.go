// Package outbox implements the OS scheduler on Postgres: notifications are queued with an
// absolute fire time and a worker publishes them to Kafka once due.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/reminders/internal/notify"
)

// Schema creates the queue and dead-letter tables. It is idempotent.
const Schema = `CREATE TABLE IF NOT EXISTS scheduled_notifications (
    id           BIGSERIAL PRIMARY KEY,
    profile_id   TEXT NOT NULL,
    slot         INTEGER NOT NULL,
    channel      TEXT NOT NULL DEFAULT '',
    kind         TEXT NOT NULL,
    title        TEXT NOT NULL,
    body         TEXT NOT NULL,
    payload      JSONB NOT NULL DEFAULT '{}'::jsonb,
    fire_at      TIMESTAMPTZ NOT NULL,
    claimed_at   TIMESTAMPTZ,
    published_at TIMESTAMPTZ,
    cancelled_at TIMESTAMPTZ,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS scheduled_notifications_pending
    ON scheduled_notifications (fire_at)
    WHERE published_at IS NULL AND cancelled_at IS NULL;
CREATE TABLE IF NOT EXISTS scheduled_notifications_dlq (
    dlq_id            BIGSERIAL PRIMARY KEY,
    notification_id   BIGINT NOT NULL,
    profile_id        TEXT NOT NULL,
    slot              INTEGER NOT NULL,
    channel           TEXT NOT NULL DEFAULT '',
    kind              TEXT NOT NULL,
    title             TEXT NOT NULL,
    body              TEXT NOT NULL,
    payload           JSONB NOT NULL DEFAULT '{}'::jsonb,
    topic             TEXT NOT NULL,
    reason            TEXT NOT NULL,
    retry_count       INTEGER NOT NULL DEFAULT 0,
    last_attempt_at   TIMESTAMPTZ,
    next_retry_at     TIMESTAMPTZ,
    quarantined_at    TIMESTAMPTZ,
    quarantine_reason TEXT,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// Migrate applies Schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, Schema)
	return err
}

// Queue is the OS scheduler facade for one profile. Capacity bounds the number of pending
// rows the profile may hold; zero means unbounded.
type Queue struct {
	pool      *pgxpool.Pool
	profileID string
	capacity  int
}

// NewQueue constructs a Queue.
func NewQueue(pool *pgxpool.Pool, profileID string, capacity int) *Queue {
	return &Queue{pool: pool, profileID: profileID, capacity: capacity}
}

var _ notify.OSScheduler = (*Queue)(nil)

// Submit implements notify.OSScheduler. Submissions for one profile are serialised with a
// transaction-scoped advisory lock so the capacity check holds under concurrency.
func (q *Queue) Submit(ctx context.Context, items []notify.Scheduled) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin submit: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, q.profileID); err != nil {
		return 0, fmt.Errorf("outbox: lock profile: %w", err)
	}

	accept := len(items)
	if q.capacity > 0 {
		var pending int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM scheduled_notifications
              WHERE profile_id = $1 AND published_at IS NULL AND cancelled_at IS NULL`,
			q.profileID,
		).Scan(&pending); err != nil {
			return 0, fmt.Errorf("outbox: count pending: %w", err)
		}
		accept = max(0, min(accept, q.capacity-pending))
	}
	if accept == 0 {
		return 0, nil
	}

	rows := make([][]any, 0, accept)
	for _, item := range items[:accept] {
		payload, err := json.Marshal(item.Payload)
		if err != nil {
			return 0, fmt.Errorf("outbox: encode payload: %w", err)
		}
		rows = append(rows, []any{q.profileID, item.ID, string(item.Channel), item.Kind, item.Title, item.Body, payload, item.FireAt.UTC()})
	}

	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"scheduled_notifications"},
		[]string{"profile_id", "slot", "channel", "kind", "title", "body", "payload", "fire_at"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return 0, fmt.Errorf("outbox: insert notifications: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit submit: %w", err)
	}
	queuedCounter.Add(float64(accept))
	return accept, nil
}

// CancelRange implements notify.OSScheduler. Rows already claimed by a worker may still be
// published.
func (q *Queue) CancelRange(ctx context.Context, from, to int) error {
	tag, err := q.pool.Exec(ctx,
		`UPDATE scheduled_notifications SET cancelled_at = NOW()
          WHERE profile_id = $1 AND slot BETWEEN $2 AND $3
            AND published_at IS NULL AND cancelled_at IS NULL`,
		q.profileID, from, to,
	)
	if err != nil {
		return fmt.Errorf("outbox: cancel %d..%d: %w", from, to, err)
	}
	cancelledCounter.Add(float64(tag.RowsAffected()))
	return nil
}

// Pending lists the profile's pending notifications ordered by fire time.
func (q *Queue) Pending(ctx context.Context) ([]notify.Scheduled, error) {
	rows, err := q.pool.Query(ctx,
		`SELECT slot, channel, kind, title, body, payload, fire_at
           FROM scheduled_notifications
          WHERE profile_id = $1 AND published_at IS NULL AND cancelled_at IS NULL
          ORDER BY fire_at, id`,
		q.profileID,
	)
	if err != nil {
		return nil, fmt.Errorf("outbox: list pending: %w", err)
	}
	defer rows.Close()

	var out []notify.Scheduled
	for rows.Next() {
		var (
			item    notify.Scheduled
			channel string
			payload []byte
			fireAt  time.Time
		)
		if err := rows.Scan(&item.ID, &channel, &item.Kind, &item.Title, &item.Body, &payload, &fireAt); err != nil {
			return nil, err
		}
		item.Channel = domainChannel(channel)
		item.FireAt = fireAt.UTC()
		if err := json.Unmarshal(payload, &item.Payload); err != nil {
			return nil, fmt.Errorf("outbox: decode payload: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
