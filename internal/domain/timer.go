package domain

import "time"

// StopwatchKey is the persisted record key for the elapsed timer.
const StopwatchKey = "timer:stopwatch"

// ElapsedTimerState tracks the cardio stopwatch.
type ElapsedTimerState struct {
	Running              bool
	StartedAt            *time.Time
	AccumulatedMs        int64
	LastMilestoneCrossed int64
}

// ElapsedMs reports accumulated plus in-flight time in milliseconds.
func (s ElapsedTimerState) ElapsedMs(now time.Time) int64 {
	elapsed := s.AccumulatedMs
	if s.Running && s.StartedAt != nil {
		if delta := now.Sub(*s.StartedAt).Milliseconds(); delta > 0 {
			elapsed += delta
		}
	}
	return elapsed
}

// BackendKind names a notification delivery backend.
type BackendKind string

const (
	BackendInProcess   BackendKind = "in_process"
	BackendOSScheduler BackendKind = "os_scheduler"
)

// NotificationRecord is kept for debugging after a reminder was delivered.
type NotificationRecord struct {
	ID      string      `json:"id"`
	Channel Channel     `json:"channel,omitempty"`
	Kind    string      `json:"kind"`
	Title   string      `json:"title"`
	Body    string      `json:"body"`
	FiredAt time.Time   `json:"fired_at"`
	Backend BackendKind `json:"backend"`
}
