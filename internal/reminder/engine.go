// Package reminder owns the per-channel recurring reminder state machine:
// Idle -> Armed -> (Due -> Fired -> Armed)* -> Idle.
package reminder

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"example.com/reminders/internal/clock"
	"example.com/reminders/internal/coordinator"
	"example.com/reminders/internal/domain"
	"example.com/reminders/internal/events"
	"example.com/reminders/internal/notify"
	"example.com/reminders/internal/observability"
	"example.com/reminders/internal/schedule"
	"example.com/reminders/internal/wallclock"
)

// ErrClosed is returned by commands issued after Shutdown.
var ErrClosed = errors.New("reminder engine is shut down")

const (
	defaultPollInterval  = time.Minute
	defaultTakeoverGrace = 2 * time.Minute
	minWait              = 10 * time.Millisecond
)

// Phase is the state of a channel in the engine.
type Phase string

const (
	PhaseIdle  Phase = "idle"
	PhaseArmed Phase = "armed"
	PhaseDue   Phase = "due"
	PhaseFired Phase = "fired"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger overrides the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithClock overrides the engine time source.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithPollInterval bounds how long Run sleeps between wakes.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithTakeoverGrace sets how long a fire may stay overdue on a channel driven by another
// context before this context takes the channel over.
func WithTakeoverGrace(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.takeoverGrace = d
		}
	}
}

type channelState struct {
	phase      Phase
	generation uint64
	next       *time.Time
	warning    string
	// fireMu serialises fire commits against commands on the same channel.
	fireMu sync.Mutex
}

// Outcome describes a fire attempted by Wake.
type Outcome struct {
	Channel domain.Channel
	Missed  int
	Result  notify.DeliveryResult
}

// Engine drives reminder channels for one execution context.
type Engine struct {
	store         *schedule.Store
	dispatcher    *notify.Dispatcher
	coord         *coordinator.Coordinator
	clock         clock.Clock
	logger        *slog.Logger
	pollInterval  time.Duration
	takeoverGrace time.Duration

	mu       sync.Mutex
	channels map[domain.Channel]*channelState
	closed   bool
	loops    sync.WaitGroup

	rearm   chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// New constructs an Engine and registers it as the dispatcher's fire guard and as a
// coordinator receiver.
func New(store *schedule.Store, dispatcher *notify.Dispatcher, coord *coordinator.Coordinator, opts ...Option) *Engine {
	e := &Engine{
		store:         store,
		dispatcher:    dispatcher,
		coord:         coord,
		clock:         clock.System(),
		logger:        slog.Default(),
		pollInterval:  defaultPollInterval,
		takeoverGrace: defaultTakeoverGrace,
		channels:      make(map[domain.Channel]*channelState),
		rearm:         make(chan struct{}, 1),
		stopped:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "reminder_engine", "context", coord.ID())
	for _, ch := range domain.Channels() {
		e.channels[ch] = &channelState{phase: PhaseIdle}
	}
	dispatcher.SetGuard(e)
	coord.OnReceive(e.onRemote)
	return e
}

// Init loads every channel from the store, adopts persisted drivers, and reconciles
// enabled channels against the current time, firing a missed reminder at most once.
func (e *Engine) Init(ctx context.Context) []Outcome {
	for _, rec := range e.store.All(ctx) {
		if rec.Driver != "" {
			e.coord.SetDriver(rec.Channel, rec.Driver)
		} else if rec.Enabled {
			e.coord.ClaimDriver(rec.Channel)
		}

		e.mu.Lock()
		st := e.channels[rec.Channel]
		st.generation++
		st.next = rec.NextFireAt
		if rec.Enabled {
			st.phase = PhaseArmed
		} else {
			st.phase = PhaseIdle
		}
		e.mu.Unlock()
		observability.RecordNextFire(string(rec.Channel), rec.NextFireAt)
	}
	if e.store.Degraded() {
		e.logger.Warn("engine running without durable storage")
	}
	return e.Wake(ctx)
}

// Shutdown stops Run loops and rejects further commands. It waits for running loops until
// ctx ends.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.once.Do(func() { close(e.stopped) })

	done := make(chan struct{})
	go func() {
		e.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start enables ch with the given interval and payload. When the persisted state shows a
// fire was missed, the reminder fires once immediately and the next fire is measured from now.
func (e *Engine) Start(ctx context.Context, ch domain.Channel, intervalMinutes int, payload domain.Payload) (Status, error) {
	if err := e.check(ch); err != nil {
		return Status{}, err
	}
	if err := domain.ValidateInterval(intervalMinutes); err != nil {
		return Status{}, err
	}
	e.coord.ClaimDriver(ch)

	now := e.clock.Now().UTC()
	prev := e.store.Get(ctx, ch)
	rec := prev.Clone()
	rec.Enabled = true
	rec.IntervalMinutes = intervalMinutes
	rec.Payload = payload
	rec.Driver = e.coord.ID()

	eval := wallclock.Evaluate(prev.ScheduleState, intervalMinutes, now)
	unchanged := prev.Enabled && prev.IntervalMinutes == intervalMinutes && prev.NextFireAt != nil
	switch {
	case eval.Due():
		rec.NextFireAt = domain.TimePtr(now)
	case unchanged:
	default:
		rec.NextFireAt = domain.TimePtr(wallclock.Next(now, intervalMinutes))
	}

	var warning string
	if !eval.Due() && (!unchanged || prev.Payload != payload || prev.Batch == nil) {
		anchor := rec.NextFireAt.Add(-rec.Interval())
		rec.Batch, warning = e.arm(ctx, ch, anchor, rec)
	}

	gen, err := e.commit(ctx, ch, rec, PhaseArmed, warning)
	if err != nil {
		return Status{}, err
	}
	e.logger.Info("channel started", "channel", ch, "interval_minutes", intervalMinutes, "next_fire_at", rec.NextFireAt)

	if eval.Due() {
		e.logger.Info("missed reminder at start", "channel", ch, "missed", eval.MissedCount)
		e.fire(ctx, ch, gen, rec, eval.MissedCount)
	}
	e.signal()
	return e.Status(ctx, ch), nil
}

// UpdateInterval changes the interval of ch. An enabled channel re-arms with the new interval
// measured from now.
func (e *Engine) UpdateInterval(ctx context.Context, ch domain.Channel, intervalMinutes int) (Status, error) {
	if err := e.check(ch); err != nil {
		return Status{}, err
	}
	if err := domain.ValidateInterval(intervalMinutes); err != nil {
		return Status{}, err
	}
	e.coord.ClaimDriver(ch)

	now := e.clock.Now().UTC()
	rec := e.store.Get(ctx, ch)
	rec.IntervalMinutes = intervalMinutes
	var (
		batch   *domain.BatchPlan
		warning string
	)
	if rec.Enabled {
		batch, warning = e.arm(ctx, ch, now, rec)
	}

	st := e.channels[ch]
	st.fireMu.Lock()
	// Re-read: a Stop may have committed while the batch was being armed.
	rec = e.store.Get(ctx, ch)
	rec.IntervalMinutes = intervalMinutes
	rec.Driver = e.coord.ID()
	phase := PhaseIdle
	stale := false
	if rec.Enabled {
		phase = PhaseArmed
		rec.NextFireAt = domain.TimePtr(wallclock.Next(now, intervalMinutes))
		if e.dispatcher.Backend() == domain.BackendOSScheduler {
			rec.Batch = batch
		}
	} else {
		warning = ""
		stale = batch != nil
	}
	_, err := e.commitLocked(ctx, ch, rec, phase, warning)
	if err == nil && stale {
		if cancelErr := e.dispatcher.Cancel(ctx, ch); cancelErr != nil {
			e.logger.Warn("cancel pre-scheduled notifications failed", "channel", ch, "error", cancelErr)
		}
	}
	st.fireMu.Unlock()
	if err != nil {
		return Status{}, err
	}
	e.logger.Info("channel interval updated", "channel", ch, "interval_minutes", intervalMinutes, "next_fire_at", rec.NextFireAt)
	e.signal()
	return e.Status(ctx, ch), nil
}

// Stop disables ch. No in-process fire happens for ch once Stop returns; pre-scheduled OS
// notifications are cancelled on a best-effort basis.
func (e *Engine) Stop(ctx context.Context, ch domain.Channel) (Status, error) {
	if err := e.check(ch); err != nil {
		return Status{}, err
	}
	e.coord.ClaimDriver(ch)

	rec := e.store.Get(ctx, ch)
	rec.Enabled = false
	rec.NextFireAt = nil
	rec.Batch = nil
	rec.Driver = e.coord.ID()
	if _, err := e.commit(ctx, ch, rec, PhaseIdle, ""); err != nil {
		return Status{}, err
	}
	if err := e.dispatcher.Cancel(ctx, ch); err != nil {
		e.logger.Warn("cancel pre-scheduled notifications failed", "channel", ch, "error", err)
	}
	e.logger.Info("channel stopped", "channel", ch)
	e.signal()
	return e.Status(ctx, ch), nil
}

// BeginFire implements notify.FireGuard. A fire may be committed only while the channel is
// still due under the generation the fire was started with.
func (e *Engine) BeginFire(_ context.Context, ch domain.Channel) (func(), bool) {
	st, ok := e.channels[ch]
	if !ok {
		return nil, false
	}
	st.fireMu.Lock()
	e.mu.Lock()
	allowed := st.phase == PhaseDue && !e.closed
	if allowed {
		st.phase = PhaseFired
	}
	e.mu.Unlock()
	if !allowed {
		st.fireMu.Unlock()
		return nil, false
	}
	return st.fireMu.Unlock, true
}

// HandleScheduledFire records a fire reported by the OS scheduler pipeline. Fires for stopped
// channels and fires already recorded are ignored.
func (e *Engine) HandleScheduledFire(ctx context.Context, ch domain.Channel, firedAt time.Time) bool {
	st, ok := e.channels[ch]
	if !ok {
		return false
	}
	st.fireMu.Lock()
	defer st.fireMu.Unlock()

	rec := e.store.Get(ctx, ch)
	if !rec.Enabled {
		e.logger.Debug("ignoring scheduled fire for stopped channel", "channel", ch, "fired_at", firedAt)
		return false
	}
	if rec.LastFiredAt != nil && !firedAt.After(*rec.LastFiredAt) {
		return false
	}

	rec.LastFiredAt = domain.TimePtr(firedAt)
	next := wallclock.Next(firedAt, rec.IntervalMinutes)
	if rec.Batch != nil {
		if _, planned, exhausted := wallclock.Position(*rec.Batch, firedAt); !exhausted && !planned.IsZero() {
			next = planned
		}
	}
	if rec.NextFireAt == nil || next.After(*rec.NextFireAt) {
		rec.NextFireAt = domain.TimePtr(next)
	}
	if _, err := e.store.MarkFired(ctx, ch, firedAt); err != nil {
		e.logger.Warn("failed to record scheduled fire", "channel", ch, "error", err)
		return false
	}
	stored, err := e.store.Put(ctx, rec)
	if err != nil {
		e.logger.Warn("failed to resync after scheduled fire", "channel", ch, "error", err)
		return false
	}
	e.mu.Lock()
	st.next = stored.NextFireAt
	e.mu.Unlock()
	observability.RecordNextFire(string(ch), stored.NextFireAt)
	e.signal()
	return true
}

func (e *Engine) check(ch domain.Channel) error {
	if ch.Ordinal() == 0 {
		return domain.ErrUnknownChannel
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}

// commit persists rec as the result of a command and moves the channel to phase under a new
// generation, invalidating fires that are still in flight.
func (e *Engine) commit(ctx context.Context, ch domain.Channel, rec domain.ChannelRecord, phase Phase, warning string) (uint64, error) {
	st := e.channels[ch]
	st.fireMu.Lock()
	defer st.fireMu.Unlock()
	return e.commitLocked(ctx, ch, rec, phase, warning)
}

// commitLocked is commit for callers already holding the channel's fire lock.
func (e *Engine) commitLocked(ctx context.Context, ch domain.Channel, rec domain.ChannelRecord, phase Phase, warning string) (uint64, error) {
	st := e.channels[ch]
	stored, err := e.store.Put(ctx, rec)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	st.generation++
	st.phase = phase
	st.next = stored.NextFireAt
	st.warning = warning
	gen := st.generation
	e.mu.Unlock()
	observability.RecordNextFire(string(ch), stored.NextFireAt)
	return gen, nil
}

// arm pre-schedules the batch following anchor with the OS scheduler and returns the plan
// to persist. It must be called without channel locks held because the permission request
// may block.
func (e *Engine) arm(ctx context.Context, ch domain.Channel, anchor time.Time, rec domain.ChannelRecord) (*domain.BatchPlan, string) {
	if e.dispatcher.Backend() != domain.BackendOSScheduler {
		return nil, ""
	}
	result := e.dispatcher.Arm(ctx, ch, anchor, rec.IntervalMinutes, rec.Payload)
	switch {
	case errors.Is(result.Err, domain.ErrSchedulerCapacityExceeded):
		return result.Plan, WarningCapacity
	case errors.Is(result.Err, domain.ErrPermissionDenied):
		return result.Plan, WarningPermission
	case result.Err != nil:
		e.logger.Warn("pre-scheduling failed", "channel", ch, "error", result.Err)
		return result.Plan, WarningDelivery
	}
	return result.Plan, ""
}

func (e *Engine) snapshot(ch domain.Channel) (Phase, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.channels[ch]
	return st.phase, st.generation
}

// transition moves ch from one phase to another if no command intervened since gen.
func (e *Engine) transition(ch domain.Channel, gen uint64, from, to Phase) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.channels[ch]
	if e.closed || st.generation != gen || st.phase != from {
		return false
	}
	st.phase = to
	return true
}

func (e *Engine) signal() {
	select {
	case e.rearm <- struct{}{}:
	default:
	}
}

// onRemote applies a schedule change made by another context to the in-memory view. The
// coordinator has already recorded the sender as the channel's driver.
func (e *Engine) onRemote(_ context.Context, env events.Envelope) {
	if env.Schedule == nil || (env.Kind != events.KindConfigChanged && env.Kind != events.KindFired) {
		return
	}
	ch, err := domain.ParseChannel(env.Channel)
	if err != nil {
		return
	}
	e.mu.Lock()
	st := e.channels[ch]
	if env.Kind == events.KindConfigChanged {
		st.generation++
		if env.Schedule.Enabled {
			st.phase = PhaseArmed
		} else {
			st.phase = PhaseIdle
		}
	}
	st.next = env.Schedule.NextFireAt
	e.mu.Unlock()
	e.signal()
}
