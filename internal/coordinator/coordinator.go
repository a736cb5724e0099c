// Package coordinator propagates schedule changes between execution contexts that share the
// same persisted state and tracks which context currently drives each channel.
package coordinator

import (
	"context"
	"log/slog"
	"sync"

	"example.com/reminders/internal/clock"
	"example.com/reminders/internal/domain"
	"example.com/reminders/internal/events"
	"example.com/reminders/internal/observability"
	"example.com/reminders/internal/schedule"
)

// Handler receives envelopes published by other contexts.
type Handler func(context.Context, events.Envelope)

// Bus carries envelopes between contexts. Delivery is best effort and a publisher may
// receive its own envelopes back.
type Bus interface {
	Publish(ctx context.Context, env events.Envelope) error
	Subscribe(handler Handler) (cancel func())
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger overrides the coordinator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithClock overrides the time source stamped on outgoing envelopes.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clk
	}
}

// Coordinator broadcasts local writes and dispatches foreign ones. The active driver of a
// channel is the context that last wrote its schedule.
type Coordinator struct {
	id     string
	bus    Bus
	clock  clock.Clock
	logger *slog.Logger

	mu          sync.RWMutex
	drivers     map[domain.Channel]string
	handlers    []Handler
	unsubscribe func()
}

// New constructs a Coordinator for the context identified by id.
func New(id string, bus Bus, opts ...Option) *Coordinator {
	c := &Coordinator{
		id:      id,
		bus:     bus,
		clock:   clock.System(),
		logger:  slog.Default(),
		drivers: make(map[domain.Channel]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns this context's id.
func (c *Coordinator) ID() string {
	return c.id
}

// Start subscribes to the bus.
func (c *Coordinator) Start() {
	cancel := c.bus.Subscribe(c.receive)
	c.mu.Lock()
	c.unsubscribe = cancel
	c.mu.Unlock()
}

// Close unsubscribes from the bus.
func (c *Coordinator) Close() {
	c.mu.Lock()
	cancel := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// OnReceive registers a handler for envelopes from other contexts.
func (c *Coordinator) OnReceive(handler Handler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, handler)
	c.mu.Unlock()
}

// Broadcast publishes env on behalf of this context. Schedule writes make this context the
// channel's driver.
func (c *Coordinator) Broadcast(ctx context.Context, env events.Envelope) error {
	env.Origin = c.id
	if env.OccurredAt.IsZero() {
		env.OccurredAt = c.clock.Now().UTC()
	}
	if ch, ok := scheduleChannel(env); ok {
		c.setDriver(ch, c.id)
	}
	observability.RecordEvent("sent", string(env.Kind))
	if err := c.bus.Publish(ctx, env); err != nil {
		c.logger.Warn("broadcast failed", "kind", env.Kind, "channel", env.Channel, "error", err)
		return err
	}
	return nil
}

// ClaimDriver makes this context the driver of ch, e.g. when the user issues a command here.
func (c *Coordinator) ClaimDriver(ch domain.Channel) {
	c.setDriver(ch, c.id)
}

// SetDriver records the driver of ch as learned from persisted state.
func (c *Coordinator) SetDriver(ch domain.Channel, id string) {
	c.setDriver(ch, id)
}

// Driver returns the id of the context driving ch and whether one is known.
func (c *Coordinator) Driver(ch domain.Channel) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.drivers[ch]
	return id, ok && id != ""
}

// IsDriver reports whether this context drives ch.
func (c *Coordinator) IsDriver(ch domain.Channel) bool {
	id, ok := c.Driver(ch)
	return ok && id == c.id
}

// StoreListener returns a schedule write listener that broadcasts every local write.
func (c *Coordinator) StoreListener() schedule.WriteListener {
	return func(ctx context.Context, change schedule.Change) {
		env := events.Envelope{Channel: string(change.Channel), OccurredAt: change.At}
		switch change.Kind {
		case schedule.ChangeConfig:
			env.Kind = events.KindConfigChanged
			env.Schedule = ScheduleFromRecord(change.Record)
		case schedule.ChangeFired:
			env.Kind = events.KindFired
			env.Schedule = ScheduleFromRecord(change.Record)
		case schedule.ChangeTimer:
			env.Kind = events.KindTimerChanged
			env.Timer = TimerFromState(change.Timer)
		default:
			return
		}
		_ = c.Broadcast(ctx, env)
	}
}

func (c *Coordinator) receive(ctx context.Context, env events.Envelope) {
	if env.Origin == c.id {
		observability.RecordEvent("ignored", string(env.Kind))
		return
	}
	observability.RecordEvent("received", string(env.Kind))
	if ch, ok := scheduleChannel(env); ok {
		c.setDriver(ch, env.Origin)
		c.logger.Debug("channel driven elsewhere", "channel", ch, "driver", env.Origin)
	}

	c.mu.RLock()
	handlers := append([]Handler(nil), c.handlers...)
	c.mu.RUnlock()
	for _, handler := range handlers {
		handler(ctx, env)
	}
}

func (c *Coordinator) setDriver(ch domain.Channel, id string) {
	c.mu.Lock()
	c.drivers[ch] = id
	c.mu.Unlock()
}

func scheduleChannel(env events.Envelope) (domain.Channel, bool) {
	if env.Kind != events.KindConfigChanged && env.Kind != events.KindFired {
		return "", false
	}
	ch, err := domain.ParseChannel(env.Channel)
	if err != nil {
		return "", false
	}
	return ch, true
}

// ScheduleFromRecord converts a channel record into its wire form.
func ScheduleFromRecord(rec domain.ChannelRecord) *events.ScheduleState {
	return &events.ScheduleState{
		Enabled:         rec.Enabled,
		IntervalMinutes: rec.IntervalMinutes,
		LastFiredAt:     rec.LastFiredAt,
		NextFireAt:      rec.NextFireAt,
		Driver:          rec.Driver,
	}
}

// TimerFromState converts the stopwatch record into its wire form.
func TimerFromState(state domain.ElapsedTimerState) *events.TimerState {
	return &events.TimerState{
		Running:              state.Running,
		StartedAt:            state.StartedAt,
		AccumulatedMs:        state.AccumulatedMs,
		LastMilestoneCrossed: state.LastMilestoneCrossed,
	}
}
