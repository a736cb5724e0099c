package schedule

import (
	"encoding/json"
	"time"

	"example.com/reminders/internal/domain"
)

type channelDoc struct {
	Enabled         bool              `json:"enabled"`
	IntervalMinutes int               `json:"interval_minutes"`
	Payload         domain.Payload    `json:"payload"`
	LastFiredAt     *time.Time        `json:"last_fired_at"`
	NextFireAt      *time.Time        `json:"next_fire_at"`
	Driver          string            `json:"driver,omitempty"`
	Batch           *domain.BatchPlan `json:"batch,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

type timerDoc struct {
	Running              bool       `json:"running"`
	StartedAt            *time.Time `json:"started_at"`
	AccumulatedMs        int64      `json:"accumulated_ms"`
	LastMilestoneCrossed int64      `json:"last_milestone_crossed"`
}

func encodeChannel(rec domain.ChannelRecord) ([]byte, error) {
	return json.Marshal(channelDoc{
		Enabled:         rec.Enabled,
		IntervalMinutes: rec.IntervalMinutes,
		Payload:         rec.Payload,
		LastFiredAt:     rec.LastFiredAt,
		NextFireAt:      rec.NextFireAt,
		Driver:          rec.Driver,
		Batch:           rec.Batch,
		UpdatedAt:       rec.UpdatedAt,
	})
}

func decodeChannel(ch domain.Channel, raw []byte) (domain.ChannelRecord, error) {
	var doc channelDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.ChannelRecord{}, err
	}
	rec := domain.DefaultRecord(ch)
	rec.Enabled = doc.Enabled
	if doc.IntervalMinutes > 0 {
		rec.IntervalMinutes = domain.ClampInterval(doc.IntervalMinutes)
	}
	rec.Payload = doc.Payload
	rec.LastFiredAt = doc.LastFiredAt
	rec.NextFireAt = doc.NextFireAt
	rec.Driver = doc.Driver
	rec.Batch = doc.Batch
	rec.UpdatedAt = doc.UpdatedAt
	if !rec.Enabled {
		rec.NextFireAt = nil
	}
	return rec, nil
}

func encodeTimer(state domain.ElapsedTimerState) ([]byte, error) {
	return json.Marshal(timerDoc{
		Running:              state.Running,
		StartedAt:            state.StartedAt,
		AccumulatedMs:        state.AccumulatedMs,
		LastMilestoneCrossed: state.LastMilestoneCrossed,
	})
}

func decodeTimer(raw []byte) (domain.ElapsedTimerState, error) {
	var doc timerDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.ElapsedTimerState{}, err
	}
	state := domain.ElapsedTimerState{
		Running:              doc.Running && doc.StartedAt != nil,
		StartedAt:            doc.StartedAt,
		AccumulatedMs:        max(doc.AccumulatedMs, 0),
		LastMilestoneCrossed: max(doc.LastMilestoneCrossed, 0),
	}
	if !state.Running {
		state.StartedAt = nil
	}
	return state, nil
}
