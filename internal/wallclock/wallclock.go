// Package wallclock evaluates reminder schedules and stopwatch state against absolute
// timestamps. All interval arithmetic happens in integer milliseconds.
package wallclock

import (
	"time"

	"example.com/reminders/internal/domain"
)

// Status classifies a schedule at a given instant.
type Status int

const (
	// NotDue means the next fire lies in the future.
	NotDue Status = iota
	// DueNow means the next fire has been reached and no full interval was skipped.
	DueNow
	// Overdue means at least one whole interval elapsed without a fire.
	Overdue
)

func (s Status) String() string {
	switch s {
	case DueNow:
		return "due now"
	case Overdue:
		return "overdue"
	default:
		return "not due"
	}
}

// Evaluation is the result of Evaluate.
type Evaluation struct {
	Status      Status
	MissedCount int
	DueAt       time.Time
	Remaining   time.Duration
}

// Due reports whether the evaluation calls for a fire.
func (e Evaluation) Due() bool {
	return e.Status == DueNow || e.Status == Overdue
}

// IntervalMs converts a minute interval to milliseconds.
func IntervalMs(minutes int) int64 {
	return int64(minutes) * int64(time.Minute/time.Millisecond)
}

// Evaluate classifies state at now. The due instant is NextFireAt when cached, otherwise
// LastFiredAt+interval. MissedCount is floor((now-lastFiredAt)/interval)-1 clamped to zero;
// when the channel never fired, the interval preceding the due instant stands in for lastFiredAt.
func Evaluate(state domain.ScheduleState, intervalMinutes int, now time.Time) Evaluation {
	interval := IntervalMs(intervalMinutes)
	if interval <= 0 {
		return Evaluation{Status: NotDue}
	}

	var dueMs int64
	switch {
	case state.NextFireAt != nil:
		dueMs = state.NextFireAt.UnixMilli()
	case state.LastFiredAt != nil:
		dueMs = state.LastFiredAt.UnixMilli() + interval
	default:
		return Evaluation{Status: NotDue}
	}

	nowMs := now.UnixMilli()
	eval := Evaluation{DueAt: time.UnixMilli(dueMs).UTC()}
	if nowMs < dueMs {
		eval.Status = NotDue
		eval.Remaining = time.Duration(dueMs-nowMs) * time.Millisecond
		return eval
	}

	lastMs := dueMs - interval
	if state.LastFiredAt != nil {
		lastMs = state.LastFiredAt.UnixMilli()
	}
	missed := (nowMs-lastMs)/interval - 1
	if missed < 0 {
		missed = 0
	}
	eval.MissedCount = int(missed)
	if missed > 0 {
		eval.Status = Overdue
	} else {
		eval.Status = DueNow
	}
	return eval
}

// Next returns from + interval, truncated to millisecond precision.
func Next(from time.Time, intervalMinutes int) time.Time {
	return time.UnixMilli(from.UnixMilli() + IntervalMs(intervalMinutes)).UTC()
}

// Remaining returns the time left until next, never negative.
func Remaining(next *time.Time, now time.Time) time.Duration {
	if next == nil {
		return 0
	}
	left := next.UnixMilli() - now.UnixMilli()
	if left < 0 {
		return 0
	}
	return time.Duration(left) * time.Millisecond
}

// Elapsed reports the stopwatch reading at now.
func Elapsed(state domain.ElapsedTimerState, now time.Time) time.Duration {
	return time.Duration(state.ElapsedMs(now)) * time.Millisecond
}
