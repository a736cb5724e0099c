package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"example.com/reminders/internal/domain"
)

// Notification is a single user-visible notification.
type Notification struct {
	ID      string
	Channel domain.Channel
	Kind    string
	Title   string
	Body    string
	Payload domain.Payload
	At      time.Time
}

const (
	KindReminder  = "reminder"
	KindMilestone = "milestone"
)

func (n Notification) record(backend domain.BackendKind) domain.NotificationRecord {
	return domain.NotificationRecord{
		ID:      n.ID,
		Channel: n.Channel,
		Kind:    n.Kind,
		Title:   n.Title,
		Body:    n.Body,
		FiredAt: n.At,
		Backend: backend,
	}
}

// Sink shows a notification in the foreground while the app is open.
type Sink interface {
	Show(ctx context.Context, record domain.NotificationRecord) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(context.Context, domain.NotificationRecord) error

// Show implements Sink.
func (f SinkFunc) Show(ctx context.Context, record domain.NotificationRecord) error {
	return f(ctx, record)
}

// LogSink writes notifications to a structured logger.
func LogSink(logger *slog.Logger) Sink {
	return SinkFunc(func(_ context.Context, rec domain.NotificationRecord) error {
		logger.Info("notification", "channel", rec.Channel, "kind", rec.Kind, "title", rec.Title, "body", rec.Body)
		return nil
	})
}

// MultiSink fans a notification out to every sink and returns the first error.
func MultiSink(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, rec domain.NotificationRecord) error {
		var firstErr error
		for _, sink := range sinks {
			if sink == nil {
				continue
			}
			if err := sink.Show(ctx, rec); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	})
}

// Scheduled is a notification submitted to the OS scheduler ahead of time.
type Scheduled struct {
	ID      int
	Channel domain.Channel
	Kind    string
	FireAt  time.Time
	Title   string
	Body    string
	Payload domain.Payload
}

// OSScheduler is a platform facility that fires notifications at absolute times even when
// the submitting process is no longer running.
type OSScheduler interface {
	// Submit schedules items and reports how many were accepted. Fewer than len(items)
	// accepted means the scheduler ran out of capacity.
	Submit(ctx context.Context, items []Scheduled) (int, error)
	// CancelRange cancels pending items with from <= ID <= to.
	CancelRange(ctx context.Context, from, to int) error
}

const (
	idBlock         = 1000
	milestoneIDBase = 9000
)

// IDRange returns the OS scheduler id range owned by ch. Slot 0 of the range is used for
// immediate notifications, slots 1..999 for pre-scheduled batches. Re-arming a batch cancels
// only the batch slots, so an immediate notification submitted just before survives.
func IDRange(ch domain.Channel) (int, int) {
	base := ch.Ordinal() * idBlock
	return base, base + idBlock - 1
}

// Backend delivers notifications. The set of variants is closed: InProcessBackend and
// OSSchedulerBackend.
type Backend interface {
	Kind() domain.BackendKind
	show(ctx context.Context, n Notification) error
	submit(ctx context.Context, ch domain.Channel, items []Scheduled) (int, error)
	cancel(ctx context.Context, from, to int) error
}

// InProcessBackend shows notifications through a foreground sink. It cannot pre-schedule, so
// the engine re-arms its own timer after every fire.
type InProcessBackend struct {
	sink Sink
}

// NewInProcessBackend constructs an InProcessBackend.
func NewInProcessBackend(sink Sink) *InProcessBackend {
	return &InProcessBackend{sink: sink}
}

// Kind implements Backend.
func (b *InProcessBackend) Kind() domain.BackendKind { return domain.BackendInProcess }

func (b *InProcessBackend) show(ctx context.Context, n Notification) error {
	if b.sink == nil {
		return nil
	}
	return b.sink.Show(ctx, n.record(domain.BackendInProcess))
}

func (b *InProcessBackend) submit(context.Context, domain.Channel, []Scheduled) (int, error) {
	return 0, nil
}

func (b *InProcessBackend) cancel(context.Context, int, int) error { return nil }

// OSSchedulerBackend hands every notification to the OS scheduler.
type OSSchedulerBackend struct {
	scheduler OSScheduler
}

// NewOSSchedulerBackend constructs an OSSchedulerBackend.
func NewOSSchedulerBackend(scheduler OSScheduler) *OSSchedulerBackend {
	return &OSSchedulerBackend{scheduler: scheduler}
}

// Kind implements Backend.
func (b *OSSchedulerBackend) Kind() domain.BackendKind { return domain.BackendOSScheduler }

func (b *OSSchedulerBackend) show(ctx context.Context, n Notification) error {
	id := milestoneIDBase
	if n.Channel != "" {
		id, _ = IDRange(n.Channel)
	}
	accepted, err := b.scheduler.Submit(ctx, []Scheduled{{
		ID:      id,
		Channel: n.Channel,
		Kind:    n.Kind,
		FireAt:  n.At,
		Title:   n.Title,
		Body:    n.Body,
		Payload: n.Payload,
	}})
	if err != nil {
		return err
	}
	if accepted == 0 {
		return fmt.Errorf("submit immediate notification: %w", domain.ErrSchedulerCapacityExceeded)
	}
	return nil
}

func (b *OSSchedulerBackend) submit(ctx context.Context, _ domain.Channel, items []Scheduled) (int, error) {
	return b.scheduler.Submit(ctx, items)
}

func (b *OSSchedulerBackend) cancel(ctx context.Context, from, to int) error {
	return b.scheduler.CancelRange(ctx, from, to)
}

// Capabilities describes what the hosting platform supports.
type Capabilities struct {
	OSScheduler bool
}

// SelectBackend picks the backend once at startup.
func SelectBackend(caps Capabilities, sink Sink, scheduler OSScheduler) Backend {
	if caps.OSScheduler && scheduler != nil {
		return NewOSSchedulerBackend(scheduler)
	}
	return NewInProcessBackend(sink)
}
