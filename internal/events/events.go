// Package events defines the payloads exchanged between execution contexts and processes.
package events

import "time"

// Kind classifies an event on the coordination bus.
type Kind string

const (
	// KindConfigChanged is emitted when a channel was started, stopped or re-timed.
	KindConfigChanged Kind = "config_changed"
	// KindFired is emitted after a reminder fire was recorded.
	KindFired Kind = "fired"
	// KindTimerChanged is emitted when the stopwatch record changed.
	KindTimerChanged Kind = "timer_changed"
	// KindMilestone is emitted when a stopwatch milestone fired.
	KindMilestone Kind = "milestone"
	// KindPermissionPrompt asks connected UI clients to request notification permission.
	KindPermissionPrompt Kind = "permission_prompt"
	// KindPermissionAnswer carries the user's answer to a permission prompt.
	KindPermissionAnswer Kind = "permission_answer"
	// KindNotification carries a notification shown in the foreground.
	KindNotification Kind = "notification"
)

// Envelope is the unit broadcast between contexts.
type Envelope struct {
	Kind       Kind           `json:"kind"`
	Origin     string         `json:"origin"`
	Channel    string         `json:"channel,omitempty"`
	Schedule   *ScheduleState `json:"schedule,omitempty"`
	Timer      *TimerState    `json:"timer,omitempty"`
	Notice     *Notification  `json:"notification,omitempty"`
	Granted    *bool          `json:"granted,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// ScheduleState mirrors a persisted channel record.
type ScheduleState struct {
	Enabled         bool       `json:"enabled"`
	IntervalMinutes int        `json:"interval_minutes"`
	LastFiredAt     *time.Time `json:"last_fired_at,omitempty"`
	NextFireAt      *time.Time `json:"next_fire_at,omitempty"`
	Driver          string     `json:"driver,omitempty"`
}

// TimerState mirrors the persisted stopwatch record.
type TimerState struct {
	Running              bool       `json:"running"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
	AccumulatedMs        int64      `json:"accumulated_ms"`
	LastMilestoneCrossed int64      `json:"last_milestone_crossed"`
}

// Notification is published when a scheduled notification fires, and shown to UI clients.
type Notification struct {
	ID        string    `json:"id"`
	ProfileID string    `json:"profile_id,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	Kind      string    `json:"kind"`
	Slot      int       `json:"slot,omitempty"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Backend   string    `json:"backend"`
	FireAt    time.Time `json:"fire_at"`
	FiredAt   time.Time `json:"fired_at"`
}
