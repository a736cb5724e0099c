package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"

	"example.com/reminders/internal/clock"
	"example.com/reminders/internal/domain"
	"example.com/reminders/internal/events"
)

const defaultClaimTimeout = time.Minute

type messageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger overrides the dispatcher logger.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithClock overrides the time used to decide which rows are due.
func WithClock(c clock.Clock) DispatcherOption {
	return func(d *Dispatcher) {
		d.clock = c
	}
}

// WithClaimTimeout sets how long a claimed row stays invisible to other workers before it
// is considered abandoned.
func WithClaimTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.claimTimeout = timeout
		}
	}
}

// Dispatcher drains due rows from scheduled_notifications and publishes them to Kafka.
type Dispatcher struct {
	pool             *pgxpool.Pool
	producer         messageWriter
	dlq              *DLQWriter
	topic            string
	pollInterval     time.Duration
	batchSize        int
	claimTimeout     time.Duration
	clock            clock.Clock
	logger           *slog.Logger
	shutdownComplete chan struct{}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(pool *pgxpool.Pool, producer messageWriter, topic string, pollInterval time.Duration, batchSize int, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		pool:             pool,
		producer:         producer,
		dlq:              NewDLQWriter(pool),
		topic:            topic,
		pollInterval:     pollInterval,
		batchSize:        batchSize,
		claimTimeout:     defaultClaimTimeout,
		clock:            clock.System(),
		logger:           slog.Default(),
		shutdownComplete: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "outbox")
	return d
}

// Start launches the polling loop. It should be called in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer func() {
		ticker.Stop()
		close(d.shutdownComplete)
	}()

	for {
		if _, err := d.ProcessBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("dispatcher error", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait waits until dispatcher stops.
func (d *Dispatcher) Wait() {
	<-d.shutdownComplete
}

// ProcessBatch publishes one batch of due notifications and reports how many were handled.
func (d *Dispatcher) ProcessBatch(ctx context.Context) (int, error) {
	start := time.Now()

	messages, err := d.fetchAndClaim(ctx)
	if err != nil {
		return 0, err
	}
	if len(messages) == 0 {
		return 0, nil
	}
	defer func() { batchDuration.Observe(time.Since(start).Seconds()) }()

	if err := d.deliver(ctx, messages); err != nil {
		d.logger.Error("delivery failure", "count", len(messages), "error", err)
		failedCounter.Add(float64(len(messages)))
		if dlqErr := d.moveToDLQ(ctx, messages, err.Error()); dlqErr != nil {
			return 0, dlqErr
		}
		return len(messages), d.markPublished(ctx, messages)
	}

	deliveredCounter.Add(float64(len(messages)))
	return len(messages), d.markPublished(ctx, messages)
}

func (d *Dispatcher) fetchAndClaim(ctx context.Context) (messages []Message, err error) {
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	const query = `SELECT id, profile_id, slot, channel, kind, title, body, payload, fire_at
        FROM scheduled_notifications
        WHERE published_at IS NULL AND cancelled_at IS NULL
          AND fire_at <= $1
          AND (claimed_at IS NULL OR claimed_at < $1 - $3::interval)
        ORDER BY fire_at, id
        LIMIT $2
        FOR UPDATE SKIP LOCKED`

	now := d.clock.Now().UTC()
	rows, err := tx.Query(ctx, query, now, d.batchSize, d.claimTimeout)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var msg Message
		if err = rows.Scan(&msg.ID, &msg.ProfileID, &msg.Slot, &msg.Channel, &msg.Kind, &msg.Title, &msg.Body, &msg.Payload, &msg.FireAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
		ids = append(ids, msg.ID)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		tx.Rollback(ctx)
		return nil, nil
	}

	if _, err = tx.Exec(ctx, `UPDATE scheduled_notifications SET claimed_at = $2 WHERE id = ANY($1)`, ids, now); err != nil {
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}

	return messages, nil
}

func (d *Dispatcher) deliver(ctx context.Context, messages []Message) error {
	records := make([]kafka.Message, 0, len(messages))
	now := d.clock.Now().UTC()
	for _, msg := range messages {
		record, err := buildRecord(msg, now)
		if err != nil {
			return err
		}
		records = append(records, record)
	}
	return d.producer.WriteMessages(ctx, d.topic, records...)
}

// buildRecord encodes a claimed row as a notification event keyed by profile.
func buildRecord(msg Message, firedAt time.Time) (kafka.Message, error) {
	event := events.Notification{
		ID:        msg.EventID(),
		ProfileID: msg.ProfileID,
		Channel:   msg.Channel,
		Kind:      msg.Kind,
		Slot:      msg.Slot,
		Title:     msg.Title,
		Body:      msg.Body,
		Backend:   string(domain.BackendOSScheduler),
		FireAt:    msg.FireAt.UTC(),
		FiredAt:   firedAt,
	}
	value, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode notification %d: %w", msg.ID, err)
	}
	return kafka.Message{
		Key:     []byte(msg.ProfileID),
		Value:   value,
		Time:    firedAt,
		Headers: []kafka.Header{{Key: "kind", Value: []byte(msg.Kind)}},
	}, nil
}

func (d *Dispatcher) markPublished(ctx context.Context, messages []Message) error {
	ids := make([]int64, 0, len(messages))
	for _, msg := range messages {
		ids = append(ids, msg.ID)
	}
	_, err := d.pool.Exec(ctx, `UPDATE scheduled_notifications SET published_at = NOW() WHERE id = ANY($1)`, ids)
	return err
}

func (d *Dispatcher) moveToDLQ(ctx context.Context, messages []Message, reason string) error {
	for _, msg := range messages {
		entryReason := fmt.Sprintf("%s (topic=%s)", reason, d.topic)
		if err := d.dlq.Write(ctx, msg, d.topic, entryReason); err != nil {
			return err
		}
		dlqCounter.WithLabelValues(d.topic).Inc()
	}
	return nil
}
