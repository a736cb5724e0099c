// Package stopwatch runs the cardio elapsed-time timer and announces milestones as they are
// crossed.
package stopwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"example.com/reminders/internal/clock"
	"example.com/reminders/internal/domain"
	"example.com/reminders/internal/milestone"
	"example.com/reminders/internal/notify"
	"example.com/reminders/internal/observability"
)

const defaultTick = time.Second

// Store persists the stopwatch record.
type Store interface {
	LoadTimer(ctx context.Context) domain.ElapsedTimerState
	SaveTimer(ctx context.Context, state domain.ElapsedTimerState) error
}

// Notifier shows milestone notifications.
type Notifier interface {
	Notify(ctx context.Context, kind, title, body string) notify.DeliveryResult
}

// Reading is a point-in-time view of the stopwatch.
type Reading struct {
	Running              bool       `json:"running"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
	ElapsedMs            int64      `json:"elapsed_ms"`
	LastMilestoneCrossed int64      `json:"last_milestone_crossed"`
	NextMilestone        *int64     `json:"next_milestone,omitempty"`
}

// Option configures a Stopwatch.
type Option func(*Stopwatch)

// WithLogger overrides the stopwatch logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Stopwatch) {
		s.logger = logger
	}
}

// WithClock overrides the stopwatch time source.
func WithClock(c clock.Clock) Option {
	return func(s *Stopwatch) {
		s.clock = c
	}
}

// WithTick sets how often Run observes a running stopwatch.
func WithTick(d time.Duration) Option {
	return func(s *Stopwatch) {
		if d > 0 {
			s.tick = d
		}
	}
}

// Stopwatch reads and writes the persisted timer record on every operation, so state
// survives restarts and is shared by every context using the same store.
type Stopwatch struct {
	store      Store
	milestones *milestone.Engine
	notifier   Notifier
	clock      clock.Clock
	logger     *slog.Logger
	tick       time.Duration

	mu sync.Mutex
}

// New constructs a Stopwatch.
func New(store Store, milestones *milestone.Engine, notifier Notifier, opts ...Option) *Stopwatch {
	s := &Stopwatch{
		store:      store,
		milestones: milestones,
		notifier:   notifier,
		clock:      clock.System(),
		logger:     slog.Default(),
		tick:       defaultTick,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start resumes counting. Starting a running stopwatch changes nothing.
func (s *Stopwatch) Start(ctx context.Context) (Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.store.LoadTimer(ctx)
	now := s.clock.Now()
	if state.Running {
		return s.reading(state, now), nil
	}
	state.Running = true
	state.StartedAt = domain.TimePtr(now)
	if err := s.store.SaveTimer(ctx, state); err != nil {
		return Reading{}, err
	}
	return s.reading(state, now), nil
}

// Pause folds the running span into the accumulated total. Milestones crossed before the
// pause are announced first.
func (s *Stopwatch) Pause(ctx context.Context) (Reading, error) {
	s.Observe(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.store.LoadTimer(ctx)
	now := s.clock.Now()
	if !state.Running {
		return s.reading(state, now), nil
	}
	state.AccumulatedMs = state.ElapsedMs(now)
	state.Running = false
	state.StartedAt = nil
	if err := s.store.SaveTimer(ctx, state); err != nil {
		return Reading{}, err
	}
	return s.reading(state, now), nil
}

// Reset stops the stopwatch and clears the elapsed time and milestone progress.
func (s *Stopwatch) Reset(ctx context.Context) (Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := domain.ElapsedTimerState{}
	if err := s.store.SaveTimer(ctx, state); err != nil {
		return Reading{}, err
	}
	return s.reading(state, s.clock.Now()), nil
}

// Read returns the current reading without announcing milestones.
func (s *Stopwatch) Read(ctx context.Context) Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reading(s.store.LoadTimer(ctx), s.clock.Now())
}

// Observe announces every milestone crossed since the last observation, in ascending order,
// and returns them. Progress is saved before any notification is shown, so a milestone is
// announced at most once even when delivery blocks on a permission prompt.
func (s *Stopwatch) Observe(ctx context.Context) []int64 {
	s.mu.Lock()
	state := s.store.LoadTimer(ctx)
	crossed, next := s.milestones.Observe(state, s.clock.Now())
	if len(crossed) > 0 {
		if err := s.store.SaveTimer(ctx, next); err != nil {
			s.logger.Warn("failed to persist milestone progress", "error", err)
		}
	}
	s.mu.Unlock()

	for _, seconds := range crossed {
		title, body := domain.MilestoneMessage(seconds)
		result := s.notifier.Notify(ctx, notify.KindMilestone, title, body)
		observability.RecordMilestone(seconds)
		if !result.Delivered() {
			s.logger.Warn("milestone not delivered", "seconds", seconds, "status", result.Status, "error", result.Err)
		}
	}
	return crossed
}

// Run observes the stopwatch every tick until ctx is cancelled.
func (s *Stopwatch) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Observe(ctx)
		}
	}
}

func (s *Stopwatch) reading(state domain.ElapsedTimerState, now time.Time) Reading {
	r := Reading{
		Running:              state.Running,
		StartedAt:            state.StartedAt,
		ElapsedMs:            state.ElapsedMs(now),
		LastMilestoneCrossed: state.LastMilestoneCrossed,
	}
	if next, ok := s.milestones.Next(state.LastMilestoneCrossed); ok {
		r.NextMilestone = &next
	}
	return r
}
