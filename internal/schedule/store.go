// Package schedule implements the persisted schedule store: one full-record document per
// reminder channel plus the stopwatch record, kept in a durable key-value backend.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"example.com/reminders/internal/clock"
	"example.com/reminders/internal/domain"
	"example.com/reminders/internal/observability"
	"example.com/reminders/internal/persistence"
	"example.com/reminders/internal/persistence/memory"
)

// ChangeKind classifies a store write.
type ChangeKind string

const (
	ChangeConfig ChangeKind = "config"
	ChangeFired  ChangeKind = "fired"
	ChangeTimer  ChangeKind = "timer"
)

// Change describes a successful write.
type Change struct {
	Kind    ChangeKind
	Channel domain.Channel
	Record  domain.ChannelRecord
	Timer   domain.ElapsedTimerState
	At      time.Time
}

// WriteListener observes successful writes.
type WriteListener func(context.Context, Change)

// Option configures a Store.
type Option func(*Store)

// WithLogger overrides the logger used to report storage failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock overrides the time source used for UpdatedAt stamps.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// WithDegradedHandler registers a callback run once when the store falls back to memory.
func WithDegradedHandler(fn func(error)) Option {
	return func(s *Store) {
		s.onDegraded = fn
	}
}

// Store reads and writes channel records. When the primary backend fails, the store keeps
// serving from an in-memory mirror for the rest of the session and reports Degraded.
type Store struct {
	primary    persistence.KV
	mirror     *memory.KV
	degraded   atomic.Bool
	clock      clock.Clock
	logger     *slog.Logger
	onDegraded func(error)

	mu        sync.RWMutex
	listeners []WriteListener
}

// NewStore constructs a Store over primary.
func NewStore(primary persistence.KV, opts ...Option) *Store {
	s := &Store{
		primary: primary,
		mirror:  memory.NewKV(),
		clock:   clock.System(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnWrite registers a listener notified after every successful write.
func (s *Store) OnWrite(listener WriteListener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, listener)
	s.mu.Unlock()
}

// Degraded reports whether the store is running in memory-only mode.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

// Get returns the record for ch, or the default record when it was never configured.
func (s *Store) Get(ctx context.Context, ch domain.Channel) domain.ChannelRecord {
	raw, found := s.read(ctx, ch.Key())
	if !found {
		return domain.DefaultRecord(ch)
	}
	rec, err := decodeChannel(ch, raw)
	if err != nil {
		s.logger.Warn("discarding unreadable channel record", "channel", ch, "error", err)
		return domain.DefaultRecord(ch)
	}
	return rec
}

// All returns the records of every channel.
func (s *Store) All(ctx context.Context) []domain.ChannelRecord {
	out := make([]domain.ChannelRecord, 0, len(domain.Channels()))
	for _, ch := range domain.Channels() {
		out = append(out, s.Get(ctx, ch))
	}
	return out
}

// Put replaces the whole record for rec.Channel.
func (s *Store) Put(ctx context.Context, rec domain.ChannelRecord) (domain.ChannelRecord, error) {
	if !rec.Enabled {
		rec.NextFireAt = nil
	}
	rec.UpdatedAt = s.clock.Now().UTC()
	raw, err := encodeChannel(rec)
	if err != nil {
		return rec, fmt.Errorf("schedule: encode %s: %w", rec.Channel, err)
	}
	s.write(ctx, rec.Channel.Key(), raw)
	s.notify(ctx, Change{Kind: ChangeConfig, Channel: rec.Channel, Record: rec.Clone(), At: rec.UpdatedAt})
	return rec, nil
}

// MarkFired records a delivered reminder for ch.
func (s *Store) MarkFired(ctx context.Context, ch domain.Channel, at time.Time) (domain.ChannelRecord, error) {
	rec := s.Get(ctx, ch)
	rec.LastFiredAt = domain.TimePtr(at)
	rec.UpdatedAt = s.clock.Now().UTC()
	raw, err := encodeChannel(rec)
	if err != nil {
		return rec, fmt.Errorf("schedule: encode %s: %w", ch, err)
	}
	s.write(ctx, ch.Key(), raw)
	s.notify(ctx, Change{Kind: ChangeFired, Channel: ch, Record: rec.Clone(), At: rec.UpdatedAt})
	return rec, nil
}

// LoadTimer returns the stopwatch record, or its zero value.
func (s *Store) LoadTimer(ctx context.Context) domain.ElapsedTimerState {
	raw, found := s.read(ctx, domain.StopwatchKey)
	if !found {
		return domain.ElapsedTimerState{}
	}
	state, err := decodeTimer(raw)
	if err != nil {
		s.logger.Warn("discarding unreadable stopwatch record", "error", err)
		return domain.ElapsedTimerState{}
	}
	return state
}

// SaveTimer replaces the stopwatch record.
func (s *Store) SaveTimer(ctx context.Context, state domain.ElapsedTimerState) error {
	raw, err := encodeTimer(state)
	if err != nil {
		return fmt.Errorf("schedule: encode stopwatch: %w", err)
	}
	s.write(ctx, domain.StopwatchKey, raw)
	s.notify(ctx, Change{Kind: ChangeTimer, Timer: state, At: s.clock.Now().UTC()})
	return nil
}

func (s *Store) read(ctx context.Context, key string) ([]byte, bool) {
	if !s.degraded.Load() {
		raw, found, err := s.primary.Get(ctx, key)
		if err == nil {
			if found {
				_ = s.mirror.Set(ctx, key, raw)
			}
			return raw, found
		}
		s.degrade(err)
	}
	raw, found, _ := s.mirror.Get(ctx, key)
	return raw, found
}

func (s *Store) write(ctx context.Context, key string, raw []byte) {
	if !s.degraded.Load() {
		if err := s.primary.Set(ctx, key, raw); err != nil {
			s.degrade(err)
		}
	}
	_ = s.mirror.Set(ctx, key, raw)
}

func (s *Store) degrade(cause error) {
	if !s.degraded.CompareAndSwap(false, true) {
		return
	}
	err := fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, cause)
	s.logger.Error("schedule storage unavailable, continuing in memory for this session", "error", cause)
	observability.SetStorageDegraded(true)
	if s.onDegraded != nil {
		s.onDegraded(err)
	}
}

func (s *Store) notify(ctx context.Context, change Change) {
	s.mu.RLock()
	listeners := append([]WriteListener(nil), s.listeners...)
	s.mu.RUnlock()
	for _, listener := range listeners {
		listener(ctx, change)
	}
}
