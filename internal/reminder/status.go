package reminder

import (
	"context"
	"time"

	"example.com/reminders/internal/domain"
	"example.com/reminders/internal/notify"
	"example.com/reminders/internal/wallclock"
)

// Warnings reported on a channel after its latest cycle.
const (
	WarningPermission = "permission_denied"
	WarningCapacity   = "scheduler_capacity_exceeded"
	WarningDelivery   = "delivery_failed"
)

// Status is the view of a channel exposed to UIs.
type Status struct {
	Channel          domain.Channel     `json:"channel"`
	Enabled          bool               `json:"enabled"`
	IntervalMinutes  int                `json:"interval_minutes"`
	Payload          domain.Payload     `json:"payload"`
	Phase            Phase              `json:"phase"`
	LastFiredAt      *time.Time         `json:"last_fired_at,omitempty"`
	NextFireAt       *time.Time         `json:"next_fire_at,omitempty"`
	RemainingSeconds int64              `json:"remaining_seconds"`
	ScheduledThrough *time.Time         `json:"scheduled_through,omitempty"`
	Driver           string             `json:"driver,omitempty"`
	Active           bool               `json:"active"`
	Backend          domain.BackendKind `json:"backend"`
	Degraded         bool               `json:"degraded"`
	Warning          string             `json:"warning,omitempty"`
}

// Status reports the state of ch.
func (e *Engine) Status(ctx context.Context, ch domain.Channel) Status {
	rec := e.store.Get(ctx, ch)
	now := e.clock.Now()

	e.mu.Lock()
	phase := PhaseIdle
	var warning string
	if st, ok := e.channels[ch]; ok {
		phase = st.phase
		warning = st.warning
	}
	e.mu.Unlock()

	driver, _ := e.coord.Driver(ch)
	status := Status{
		Channel:          ch,
		Enabled:          rec.Enabled,
		IntervalMinutes:  rec.IntervalMinutes,
		Payload:          rec.Payload,
		Phase:            phase,
		LastFiredAt:      rec.LastFiredAt,
		NextFireAt:       rec.NextFireAt,
		RemainingSeconds: int64(wallclock.Remaining(rec.NextFireAt, now) / time.Second),
		Driver:           driver,
		Active:           rec.Enabled && e.coord.IsDriver(ch),
		Backend:          e.dispatcher.Backend(),
		Degraded:         e.store.Degraded(),
		Warning:          warning,
	}
	if rec.Batch != nil && rec.Batch.Count > 0 {
		status.ScheduledThrough = domain.TimePtr(rec.Batch.Through())
	}
	return status
}

// StatusAll reports every channel.
func (e *Engine) StatusAll(ctx context.Context) []Status {
	out := make([]Status, 0, len(domain.Channels()))
	for _, ch := range domain.Channels() {
		out = append(out, e.Status(ctx, ch))
	}
	return out
}

func warningFor(status notify.DeliveryStatus) string {
	switch status {
	case notify.StatusPermissionDenied:
		return WarningPermission
	case notify.StatusFailed:
		return WarningDelivery
	}
	return ""
}
