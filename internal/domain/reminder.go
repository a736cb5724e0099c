// Package domain defines the reminder and stopwatch records shared by the engine packages.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrPermissionDenied indicates the user declined platform notification permission.
	ErrPermissionDenied = errors.New("notification permission denied")
	// ErrStorageUnavailable indicates the persistence layer could not be reached.
	ErrStorageUnavailable = errors.New("schedule storage unavailable")
	// ErrSchedulerCapacityExceeded indicates the OS scheduler batch cap was reached.
	ErrSchedulerCapacityExceeded = errors.New("scheduler capacity exceeded")
	// ErrInvalidInterval is returned for intervals outside 1..1440 minutes.
	ErrInvalidInterval = errors.New("interval must be between 1 and 1440 minutes")
	// ErrUnknownChannel is returned when a channel name is not recognised.
	ErrUnknownChannel = errors.New("unknown reminder channel")
)

const (
	// MinIntervalMinutes is the smallest accepted reminder interval.
	MinIntervalMinutes = 1
	// MaxIntervalMinutes is one day.
	MaxIntervalMinutes = 1440
	// DefaultIntervalMinutes is reported for channels that were never configured.
	DefaultIntervalMinutes = 60
)

// Channel identifies an independent recurring schedule.
type Channel string

const (
	ChannelWater   Channel = "water"
	ChannelMeal    Channel = "meal"
	ChannelWorkout Channel = "workout"
)

// Channels lists every supported channel in a stable order.
func Channels() []Channel {
	return []Channel{ChannelWater, ChannelMeal, ChannelWorkout}
}

// ParseChannel normalises a channel name.
func ParseChannel(raw string) (Channel, error) {
	switch Channel(strings.ToLower(strings.TrimSpace(raw))) {
	case ChannelWater:
		return ChannelWater, nil
	case ChannelMeal:
		return ChannelMeal, nil
	case ChannelWorkout:
		return ChannelWorkout, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownChannel, raw)
}

// Key returns the persisted record key for the channel.
func (c Channel) Key() string {
	return "reminder:" + string(c)
}

// Ordinal is the 1-based position of the channel, used to partition OS scheduler ids.
func (c Channel) Ordinal() int {
	for i, ch := range Channels() {
		if ch == c {
			return i + 1
		}
	}
	return 0
}

// ValidateInterval rejects intervals outside the supported range.
func ValidateInterval(minutes int) error {
	if minutes < MinIntervalMinutes || minutes > MaxIntervalMinutes {
		return fmt.Errorf("%w: got %d", ErrInvalidInterval, minutes)
	}
	return nil
}

// ClampInterval forces minutes into the supported range.
func ClampInterval(minutes int) int {
	if minutes < MinIntervalMinutes {
		return MinIntervalMinutes
	}
	if minutes > MaxIntervalMinutes {
		return MaxIntervalMinutes
	}
	return minutes
}

// Payload carries channel specific reminder parameters.
type Payload struct {
	ServingML int    `json:"serving_ml,omitempty"`
	Label     string `json:"label,omitempty"`
	Note      string `json:"note,omitempty"`
}

// ReminderConfig is the user-controlled part of a channel record.
type ReminderConfig struct {
	Enabled         bool
	IntervalMinutes int
	Payload         Payload
}

// ScheduleState is the engine-controlled part of a channel record.
type ScheduleState struct {
	LastFiredAt *time.Time
	NextFireAt  *time.Time
}

// BatchPlan describes notifications pre-submitted to the OS scheduler.
// Fire times are Anchor + k*Interval for k in 1..Count.
type BatchPlan struct {
	Anchor   time.Time `json:"anchor"`
	Interval int64     `json:"interval_ms"`
	Count    int       `json:"count"`
}

// Through returns the last pre-scheduled fire time.
func (b *BatchPlan) Through() time.Time {
	if b == nil || b.Count <= 0 {
		return time.Time{}
	}
	return b.Anchor.Add(time.Duration(int64(b.Count)*b.Interval) * time.Millisecond)
}

// ChannelRecord is the full persisted record for one channel. Writes always replace the whole record.
type ChannelRecord struct {
	Channel Channel
	ReminderConfig
	ScheduleState
	Driver    string
	Batch     *BatchPlan
	UpdatedAt time.Time
}

// DefaultRecord is returned for channels that have never been configured.
func DefaultRecord(ch Channel) ChannelRecord {
	return ChannelRecord{
		Channel: ch,
		ReminderConfig: ReminderConfig{
			Enabled:         false,
			IntervalMinutes: DefaultIntervalMinutes,
		},
	}
}

// Interval returns the configured interval as a duration.
func (r ChannelRecord) Interval() time.Duration {
	return time.Duration(r.IntervalMinutes) * time.Minute
}

// Clone returns a deep copy safe to mutate.
func (r ChannelRecord) Clone() ChannelRecord {
	out := r
	out.LastFiredAt = cloneTime(r.LastFiredAt)
	out.NextFireAt = cloneTime(r.NextFireAt)
	if r.Batch != nil {
		batch := *r.Batch
		out.Batch = &batch
	}
	return out
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	clone := *value
	return &clone
}

// TimePtr returns a pointer to a UTC copy of t.
func TimePtr(t time.Time) *time.Time {
	utc := t.UTC()
	return &utc
}
