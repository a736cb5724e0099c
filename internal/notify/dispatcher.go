// Package notify delivers reminder and milestone notifications through the backend chosen at
// startup, gating every delivery on platform notification permission.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/reminders/internal/clock"
	"example.com/reminders/internal/domain"
	"example.com/reminders/internal/observability"
	"example.com/reminders/internal/wallclock"
)

const (
	defaultHorizon     = 24 * time.Hour
	defaultMaxBatch    = 64
	defaultRecordLimit = 200
)

// DeliveryStatus is the outcome of a delivery attempt.
type DeliveryStatus string

const (
	StatusDelivered        DeliveryStatus = "delivered"
	StatusPermissionDenied DeliveryStatus = "permission_denied"
	StatusSkipped          DeliveryStatus = "skipped"
	StatusFailed           DeliveryStatus = "failed"
)

// DeliveryResult reports what happened to a notification. Expected failures are reported
// here rather than returned as errors.
type DeliveryResult struct {
	Status  DeliveryStatus
	Backend domain.BackendKind
	Record  *domain.NotificationRecord
	Err     error
}

// Delivered reports whether the notification reached the backend.
func (r DeliveryResult) Delivered() bool {
	return r.Status == StatusDelivered
}

// ArmResult reports a batch pre-scheduled with the OS scheduler.
type ArmResult struct {
	Plan      *domain.BatchPlan
	Truncated bool
	Err       error
}

// FireRecorder persists delivered fires.
type FireRecorder interface {
	MarkFired(ctx context.Context, ch domain.Channel, at time.Time) (domain.ChannelRecord, error)
}

// FireGuard re-checks a channel right before a fire is committed. When ok is true the caller
// holds the channel until release is called, so a concurrent stop waits for the fire to finish.
type FireGuard interface {
	BeginFire(ctx context.Context, ch domain.Channel) (release func(), ok bool)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger overrides the dispatcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithClock overrides the dispatcher time source.
func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) {
		d.clock = c
	}
}

// WithHorizon sets how far ahead OS batches are scheduled.
func WithHorizon(horizon time.Duration) Option {
	return func(d *Dispatcher) {
		if horizon > 0 {
			d.horizon = horizon
		}
	}
}

// WithMaxBatch caps the number of notifications per OS batch.
func WithMaxBatch(limit int) Option {
	return func(d *Dispatcher) {
		if limit > 0 {
			d.maxBatch = min(limit, idBlock-1)
		}
	}
}

// Dispatcher delivers notifications through a single backend.
type Dispatcher struct {
	backend  Backend
	perms    Permissions
	recorder FireRecorder
	guard    FireGuard
	clock    clock.Clock
	logger   *slog.Logger
	horizon  time.Duration
	maxBatch int

	permMu    sync.Mutex
	requested bool

	recMu   sync.Mutex
	records []domain.NotificationRecord
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(backend Backend, perms Permissions, recorder FireRecorder, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		backend:  backend,
		perms:    perms,
		recorder: recorder,
		clock:    clock.System(),
		logger:   slog.Default(),
		horizon:  defaultHorizon,
		maxBatch: defaultMaxBatch,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetGuard installs the fire guard. The engine registers itself here.
func (d *Dispatcher) SetGuard(guard FireGuard) {
	d.guard = guard
}

// Backend returns the backend kind selected at startup.
func (d *Dispatcher) Backend() domain.BackendKind {
	return d.backend.Kind()
}

// Horizon returns the OS batch horizon.
func (d *Dispatcher) Horizon() time.Duration {
	return d.horizon
}

// Deliver shows a channel reminder now and records the fire.
func (d *Dispatcher) Deliver(ctx context.Context, ch domain.Channel, title, body string, payload domain.Payload) DeliveryResult {
	kind := d.backend.Kind()
	if !d.permitted(ctx) {
		observability.RecordDelivery(string(ch), string(kind), string(StatusPermissionDenied))
		return DeliveryResult{Status: StatusPermissionDenied, Backend: kind, Err: domain.ErrPermissionDenied}
	}

	// The permission prompt may have taken arbitrarily long; the channel could have been
	// stopped or reconfigured meanwhile.
	if d.guard != nil {
		release, ok := d.guard.BeginFire(ctx, ch)
		if !ok {
			observability.RecordDelivery(string(ch), string(kind), string(StatusSkipped))
			return DeliveryResult{Status: StatusSkipped, Backend: kind}
		}
		defer release()
	}

	n := Notification{
		ID:      uuid.NewString(),
		Channel: ch,
		Kind:    KindReminder,
		Title:   title,
		Body:    body,
		Payload: payload,
		At:      d.clock.Now().UTC(),
	}
	if err := d.backend.show(ctx, n); err != nil {
		d.logger.Warn("notification delivery failed", "channel", ch, "backend", kind, "error", err)
		observability.RecordDelivery(string(ch), string(kind), string(StatusFailed))
		return DeliveryResult{Status: StatusFailed, Backend: kind, Err: err}
	}

	if _, err := d.recorder.MarkFired(ctx, ch, n.At); err != nil {
		d.logger.Warn("failed to record fire", "channel", ch, "error", err)
	}

	record := n.record(kind)
	d.remember(record)
	observability.RecordDelivery(string(ch), string(kind), string(StatusDelivered))
	return DeliveryResult{Status: StatusDelivered, Backend: kind, Record: &record}
}

// Notify shows a notification that is not tied to a reminder channel, such as a stopwatch
// milestone. It shares the permission gate but records no channel fire.
func (d *Dispatcher) Notify(ctx context.Context, kind, title, body string) DeliveryResult {
	backend := d.backend.Kind()
	if !d.permitted(ctx) {
		observability.RecordDelivery(kind, string(backend), string(StatusPermissionDenied))
		return DeliveryResult{Status: StatusPermissionDenied, Backend: backend, Err: domain.ErrPermissionDenied}
	}
	n := Notification{
		ID:    uuid.NewString(),
		Kind:  kind,
		Title: title,
		Body:  body,
		At:    d.clock.Now().UTC(),
	}
	if err := d.backend.show(ctx, n); err != nil {
		observability.RecordDelivery(kind, string(backend), string(StatusFailed))
		return DeliveryResult{Status: StatusFailed, Backend: backend, Err: err}
	}
	record := n.record(backend)
	d.remember(record)
	observability.RecordDelivery(kind, string(backend), string(StatusDelivered))
	return DeliveryResult{Status: StatusDelivered, Backend: backend, Record: &record}
}

// Arm pre-schedules the fires following anchor with the OS scheduler, replacing any batch
// the channel already had. It is a no-op for the in-process backend.
func (d *Dispatcher) Arm(ctx context.Context, ch domain.Channel, anchor time.Time, intervalMinutes int, payload domain.Payload) ArmResult {
	if d.backend.Kind() != domain.BackendOSScheduler {
		return ArmResult{}
	}
	if !d.permitted(ctx) {
		return ArmResult{Err: domain.ErrPermissionDenied}
	}

	plan, truncated := wallclock.Plan(anchor, intervalMinutes, d.horizon, d.maxBatch)
	base, last := IDRange(ch)
	if err := d.backend.cancel(ctx, base+1, last); err != nil {
		return ArmResult{Err: fmt.Errorf("cancel previous batch: %w", err)}
	}

	title, body := domain.Message(ch, payload)
	times := wallclock.Times(plan)
	items := make([]Scheduled, 0, len(times))
	for i, at := range times {
		items = append(items, Scheduled{
			ID:      base + 1 + i,
			Channel: ch,
			Kind:    KindReminder,
			FireAt:  at,
			Title:   title,
			Body:    body,
			Payload: payload,
		})
	}

	accepted, err := d.backend.submit(ctx, ch, items)
	if err != nil && accepted == 0 {
		return ArmResult{Err: fmt.Errorf("submit batch: %w", err)}
	}
	if accepted < len(items) {
		truncated = true
		plan.Count = accepted
	}
	observability.RecordBatch(string(ch), plan.Count, truncated)

	result := ArmResult{Truncated: truncated}
	if plan.Count > 0 {
		result.Plan = &plan
	}
	if truncated {
		result.Err = domain.ErrSchedulerCapacityExceeded
		d.logger.Info("scheduler batch truncated", "channel", ch, "scheduled", plan.Count, "through", plan.Through())
	}
	return result
}

// Cancel withdraws pre-scheduled notifications for ch. Cancellation is best effort: an
// item already handed to the platform may still fire once.
func (d *Dispatcher) Cancel(ctx context.Context, ch domain.Channel) error {
	from, to := IDRange(ch)
	return d.backend.cancel(ctx, from, to)
}

// Records returns the most recent notifications, oldest first.
func (d *Dispatcher) Records() []domain.NotificationRecord {
	d.recMu.Lock()
	defer d.recMu.Unlock()
	return append([]domain.NotificationRecord(nil), d.records...)
}

func (d *Dispatcher) remember(record domain.NotificationRecord) {
	d.recMu.Lock()
	defer d.recMu.Unlock()
	d.records = append(d.records, record)
	if overflow := len(d.records) - defaultRecordLimit; overflow > 0 {
		d.records = append([]domain.NotificationRecord(nil), d.records[overflow:]...)
	}
}

// permitted checks permission and asks the user at most once per session. No lock is held
// while the request is pending.
func (d *Dispatcher) permitted(ctx context.Context) bool {
	granted, err := d.perms.Check(ctx)
	if err == nil && granted {
		return true
	}
	if err != nil {
		d.logger.Warn("permission check failed", "error", err)
	}

	d.permMu.Lock()
	if d.requested {
		d.permMu.Unlock()
		return false
	}
	d.requested = true
	d.permMu.Unlock()

	granted, err = d.perms.Request(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			d.logger.Warn("permission request failed", "error", err)
		}
		return false
	}
	return granted
}
