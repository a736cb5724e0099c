package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/reminders/internal/coordinator"
	"example.com/reminders/internal/domain"
	"example.com/reminders/internal/notify"
	"example.com/reminders/internal/persistence"
	"example.com/reminders/internal/persistence/memory"
	"example.com/reminders/internal/schedule"
	"example.com/reminders/internal/testsupport"
)

type harness struct {
	clock      *testsupport.Clock
	store      *schedule.Store
	sink       *recordingSink
	dispatcher *notify.Dispatcher
	coord      *coordinator.Coordinator
	engine     *Engine
}

type harnessConfig struct {
	id        string
	kv        persistence.KV
	bus       coordinator.Bus
	clock     *testsupport.Clock
	perms     notify.Permissions
	scheduler notify.OSScheduler
	maxBatch  int
}

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()
	if cfg.id == "" {
		cfg.id = "device"
	}
	if cfg.kv == nil {
		cfg.kv = memory.NewKV()
	}
	if cfg.bus == nil {
		cfg.bus = coordinator.NewLocalBus()
	}
	if cfg.clock == nil {
		cfg.clock = testsupport.NewClock(time.Time{})
	}
	if cfg.perms == nil {
		cfg.perms = notify.Granted{}
	}

	h := &harness{clock: cfg.clock, sink: &recordingSink{}}
	h.store = schedule.NewStore(cfg.kv, schedule.WithClock(cfg.clock))
	h.coord = coordinator.New(cfg.id, cfg.bus, coordinator.WithClock(cfg.clock))
	h.coord.Start()
	t.Cleanup(h.coord.Close)
	h.store.OnWrite(h.coord.StoreListener())

	backend := notify.SelectBackend(notify.Capabilities{OSScheduler: cfg.scheduler != nil}, h.sink, cfg.scheduler)
	opts := []notify.Option{notify.WithClock(cfg.clock)}
	if cfg.maxBatch > 0 {
		opts = append(opts, notify.WithMaxBatch(cfg.maxBatch))
	}
	h.dispatcher = notify.NewDispatcher(backend, cfg.perms, h.store, opts...)
	h.engine = New(h.store, h.dispatcher, h.coord, WithClock(cfg.clock))
	return h
}

func TestStartArmsFreshChannel(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()
	now := h.clock.Now()

	status, err := h.engine.Start(ctx, domain.ChannelWater, 30, domain.Payload{ServingML: 300})
	require.NoError(t, err)
	require.True(t, status.Enabled)
	require.Equal(t, PhaseArmed, status.Phase)
	require.True(t, status.NextFireAt.Equal(now.Add(30*time.Minute)))
	require.Equal(t, int64(1800), status.RemainingSeconds)
	require.True(t, status.Active)
	require.Equal(t, "device", status.Driver)
	require.Empty(t, h.sink.all())

	h.clock.Advance(29 * time.Minute)
	require.Empty(t, h.engine.Wake(ctx))

	h.clock.Advance(time.Minute)
	outcomes := h.engine.Wake(ctx)
	require.Len(t, outcomes, 1)
	require.True(t, outcomes[0].Result.Delivered())
	require.Equal(t, "Drink 300 ml of water.", h.sink.all()[0].Body)

	status = h.engine.Status(ctx, domain.ChannelWater)
	require.True(t, status.LastFiredAt.Equal(h.clock.Now()))
	require.True(t, status.NextFireAt.Equal(h.clock.Now().Add(30*time.Minute)))
}

func TestNoDuplicateFireOnRestart(t *testing.T) {
	kv := memory.NewKV()
	clock := testsupport.NewClock(time.Time{})
	ctx := context.Background()

	first := newHarness(t, harnessConfig{kv: kv, clock: clock})
	_, err := first.engine.Start(ctx, domain.ChannelWater, 30, domain.Payload{})
	require.NoError(t, err)
	clock.Advance(30 * time.Minute)
	require.Len(t, first.engine.Wake(ctx), 1)
	firedAt := clock.Now()
	require.NoError(t, first.engine.Shutdown(ctx))

	clock.Advance(time.Second)
	restarted := newHarness(t, harnessConfig{kv: kv, clock: clock})
	require.Empty(t, restarted.engine.Init(ctx))
	require.Empty(t, restarted.engine.Wake(ctx))

	clock.Set(firedAt.Add(30*time.Minute - time.Second))
	require.Empty(t, restarted.engine.Wake(ctx))
	require.Empty(t, restarted.sink.all())

	clock.Advance(time.Second)
	require.Len(t, restarted.engine.Wake(ctx), 1)
}

func TestMissedFireCaughtUpExactlyOnce(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()
	now := h.clock.Now()

	seed := domain.DefaultRecord(domain.ChannelMeal)
	seed.IntervalMinutes = 60
	seed.LastFiredAt = domain.TimePtr(now.Add(-3 * time.Hour))
	_, err := h.store.Put(ctx, seed)
	require.NoError(t, err)

	status, err := h.engine.Start(ctx, domain.ChannelMeal, 60, domain.Payload{Label: "dinner"})
	require.NoError(t, err)
	require.Len(t, h.sink.all(), 1)
	require.Equal(t, "It's time for dinner.", h.sink.all()[0].Body)
	require.True(t, status.NextFireAt.Equal(now.Add(time.Hour)), "next fire resyncs from now")
	require.True(t, status.LastFiredAt.Equal(now))

	require.Empty(t, h.engine.Wake(ctx))
	require.Len(t, h.sink.all(), 1)
}

func TestInitCatchesUpOnceAfterLongSuspension(t *testing.T) {
	kv := memory.NewKV()
	clock := testsupport.NewClock(time.Time{})
	ctx := context.Background()

	first := newHarness(t, harnessConfig{kv: kv, clock: clock})
	_, err := first.engine.Start(ctx, domain.ChannelWorkout, 20, domain.Payload{})
	require.NoError(t, err)

	clock.Advance(5 * time.Hour)
	resumed := newHarness(t, harnessConfig{kv: kv, clock: clock})
	outcomes := resumed.engine.Init(ctx)
	require.Len(t, outcomes, 1)
	require.Equal(t, 14, outcomes[0].Missed)
	require.Len(t, resumed.sink.all(), 1)

	status := resumed.engine.Status(ctx, domain.ChannelWorkout)
	require.True(t, status.NextFireAt.Equal(clock.Now().Add(20*time.Minute)))
	require.Empty(t, resumed.engine.Wake(ctx))
}

func TestUpdateIntervalRestartsCountdown(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	_, err := h.engine.Start(ctx, domain.ChannelWorkout, 60, domain.Payload{})
	require.NoError(t, err)
	h.clock.Advance(25 * time.Minute)

	status, err := h.engine.UpdateInterval(ctx, domain.ChannelWorkout, 10)
	require.NoError(t, err)
	require.Equal(t, 10, status.IntervalMinutes)
	require.True(t, status.NextFireAt.Equal(h.clock.Now().Add(10*time.Minute)))

	h.clock.Advance(10 * time.Minute)
	require.Len(t, h.engine.Wake(ctx), 1)
}

func TestUpdateIntervalOnStoppedChannelKeepsItIdle(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	status, err := h.engine.UpdateInterval(ctx, domain.ChannelWater, 45)
	require.NoError(t, err)
	require.False(t, status.Enabled)
	require.Nil(t, status.NextFireAt)
	require.Equal(t, 45, status.IntervalMinutes)
	require.Equal(t, PhaseIdle, status.Phase)
}

func TestStopIsImmediate(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	_, err := h.engine.Start(ctx, domain.ChannelWater, 1, domain.Payload{})
	require.NoError(t, err)
	h.clock.Advance(2 * time.Minute)

	status, err := h.engine.Stop(ctx, domain.ChannelWater)
	require.NoError(t, err)
	require.False(t, status.Enabled)
	require.Nil(t, status.NextFireAt)
	require.Equal(t, PhaseIdle, status.Phase)

	require.Empty(t, h.engine.Wake(ctx))
	require.Empty(t, h.sink.all())
}

func TestStopWinsOverFirePendingOnPermission(t *testing.T) {
	perms := newBlockingPermissions()
	h := newHarness(t, harnessConfig{perms: perms})
	ctx := context.Background()

	_, err := h.engine.Start(ctx, domain.ChannelWater, 15, domain.Payload{})
	require.NoError(t, err)
	h.clock.Advance(15 * time.Minute)

	done := make(chan []Outcome, 1)
	go func() { done <- h.engine.Wake(ctx) }()
	<-perms.asked

	_, err = h.engine.Stop(ctx, domain.ChannelWater)
	require.NoError(t, err)
	perms.answer <- true

	outcomes := <-done
	require.Len(t, outcomes, 1)
	require.Equal(t, notify.StatusSkipped, outcomes[0].Result.Status)
	require.Empty(t, h.sink.all())

	rec := h.store.Get(ctx, domain.ChannelWater)
	require.False(t, rec.Enabled)
	require.Nil(t, rec.LastFiredAt)
	require.Nil(t, rec.NextFireAt)
}

func TestRoundTripConfig(t *testing.T) {
	kv := memory.NewKV()
	h := newHarness(t, harnessConfig{kv: kv})
	ctx := context.Background()
	payload := domain.Payload{Label: "lunch", Note: "Add greens."}

	_, err := h.engine.Start(ctx, domain.ChannelMeal, 180, payload)
	require.NoError(t, err)

	status := h.engine.Status(ctx, domain.ChannelMeal)
	require.True(t, status.Enabled)
	require.Equal(t, 180, status.IntervalMinutes)
	require.Equal(t, payload, status.Payload)
	require.WithinDuration(t, h.clock.Now().Add(180*time.Minute), *status.NextFireAt, time.Second)

	reopened := schedule.NewStore(kv)
	rec := reopened.Get(ctx, domain.ChannelMeal)
	require.True(t, rec.Enabled)
	require.Equal(t, 180, rec.IntervalMinutes)
	require.Equal(t, payload, rec.Payload)
}

func TestStartIsIdempotentForSameConfig(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	first, err := h.engine.Start(ctx, domain.ChannelWater, 30, domain.Payload{})
	require.NoError(t, err)
	h.clock.Advance(10 * time.Minute)

	second, err := h.engine.Start(ctx, domain.ChannelWater, 30, domain.Payload{})
	require.NoError(t, err)
	require.True(t, first.NextFireAt.Equal(*second.NextFireAt))
}

func TestInvalidIntervalRejected(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	_, err := h.engine.Start(ctx, domain.ChannelWater, 0, domain.Payload{})
	require.ErrorIs(t, err, domain.ErrInvalidInterval)
	_, err = h.engine.UpdateInterval(ctx, domain.ChannelWater, 1441)
	require.ErrorIs(t, err, domain.ErrInvalidInterval)
	_, err = h.engine.Start(ctx, domain.Channel("sleep"), 30, domain.Payload{})
	require.ErrorIs(t, err, domain.ErrUnknownChannel)

	rec := h.store.Get(ctx, domain.ChannelWater)
	require.False(t, rec.Enabled)
	require.Equal(t, domain.DefaultIntervalMinutes, rec.IntervalMinutes)
}

func TestPermissionDeniedKeepsTracking(t *testing.T) {
	perms := &denyingPermissions{}
	h := newHarness(t, harnessConfig{perms: perms})
	ctx := context.Background()

	_, err := h.engine.Start(ctx, domain.ChannelWater, 15, domain.Payload{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		h.clock.Advance(15 * time.Minute)
		outcomes := h.engine.Wake(ctx)
		require.Len(t, outcomes, 1)
		require.Equal(t, notify.StatusPermissionDenied, outcomes[0].Result.Status)

		status := h.engine.Status(ctx, domain.ChannelWater)
		require.True(t, status.Enabled)
		require.Equal(t, WarningPermission, status.Warning)
		require.True(t, status.NextFireAt.Equal(h.clock.Now().Add(15*time.Minute)))
		require.Nil(t, status.LastFiredAt)
	}
	require.Equal(t, 1, perms.requests)
	require.Empty(t, h.sink.all())
}

func TestStorageUnavailableDegradesToMemory(t *testing.T) {
	h := newHarness(t, harnessConfig{kv: brokenKV{}})
	ctx := context.Background()

	status, err := h.engine.Start(ctx, domain.ChannelMeal, 60, domain.Payload{})
	require.NoError(t, err)
	require.True(t, status.Degraded)
	require.True(t, status.Enabled)

	h.clock.Advance(time.Hour)
	require.Len(t, h.engine.Wake(ctx), 1)
	require.True(t, h.engine.Status(ctx, domain.ChannelMeal).NextFireAt.Equal(h.clock.Now().Add(time.Hour)))
}

func TestPassiveObserverDoesNotFire(t *testing.T) {
	kv := memory.NewKV()
	bus := coordinator.NewLocalBus()
	clock := testsupport.NewClock(time.Time{})
	ctx := context.Background()

	a := newHarness(t, harnessConfig{id: "tab-a", kv: kv, bus: bus, clock: clock})
	b := newHarness(t, harnessConfig{id: "tab-b", kv: kv, bus: bus, clock: clock})
	require.Empty(t, a.engine.Init(ctx))
	require.Empty(t, b.engine.Init(ctx))

	_, err := a.engine.Start(ctx, domain.ChannelWater, 30, domain.Payload{})
	require.NoError(t, err)

	observed := b.engine.Status(ctx, domain.ChannelWater)
	require.True(t, observed.Enabled)
	require.False(t, observed.Active)
	require.Equal(t, "tab-a", observed.Driver)
	require.Equal(t, PhaseArmed, observed.Phase)

	clock.Advance(30 * time.Minute)
	require.Empty(t, b.engine.Wake(ctx))
	require.Len(t, a.engine.Wake(ctx), 1)
	require.Empty(t, b.engine.Wake(ctx))
	require.Len(t, a.sink.all(), 1)
	require.Empty(t, b.sink.all())

	_, err = b.engine.Stop(ctx, domain.ChannelWater)
	require.NoError(t, err)
	require.True(t, b.coord.IsDriver(domain.ChannelWater))
	require.False(t, a.coord.IsDriver(domain.ChannelWater))
	require.Equal(t, PhaseIdle, a.engine.Status(ctx, domain.ChannelWater).Phase)
}

func TestPassiveContextTakesOverAbandonedChannel(t *testing.T) {
	kv := memory.NewKV()
	bus := coordinator.NewLocalBus()
	clock := testsupport.NewClock(time.Time{})
	ctx := context.Background()

	a := newHarness(t, harnessConfig{id: "tab-a", kv: kv, bus: bus, clock: clock})
	b := newHarness(t, harnessConfig{id: "tab-b", kv: kv, bus: bus, clock: clock})
	_, err := a.engine.Start(ctx, domain.ChannelMeal, 30, domain.Payload{})
	require.NoError(t, err)
	a.coord.Close()

	clock.Advance(31 * time.Minute)
	require.Empty(t, b.engine.Wake(ctx), "within grace the driver is trusted")

	clock.Advance(defaultTakeoverGrace)
	outcomes := b.engine.Wake(ctx)
	require.Len(t, outcomes, 1)
	require.True(t, outcomes[0].Result.Delivered())
	require.True(t, b.coord.IsDriver(domain.ChannelMeal))
	require.Equal(t, "tab-b", b.store.Get(ctx, domain.ChannelMeal).Driver)
}

func TestShutdownStopsRunAndRejectsCommands(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() { errc <- h.engine.Run(ctx) }()

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.Eventually(t, func() bool {
		return h.engine.Shutdown(shutdownCtx) == nil
	}, time.Second, 10*time.Millisecond)

	select {
	case err := <-errc:
		require.True(t, err == nil || errors.Is(err, ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("run loop did not stop")
	}

	_, err := h.engine.Start(ctx, domain.ChannelWater, 30, domain.Payload{})
	require.ErrorIs(t, err, ErrClosed)
}

func TestRunFiresDueChannel(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.engine.pollInterval = 20 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := h.engine.Start(ctx, domain.ChannelWorkout, 5, domain.Payload{})
	require.NoError(t, err)
	go func() { _ = h.engine.Run(ctx) }()

	h.clock.Advance(5 * time.Minute)
	require.Eventually(t, func() bool { return len(h.sink.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

type recordingSink struct {
	mu    sync.Mutex
	shown []domain.NotificationRecord
}

func (s *recordingSink) Show(_ context.Context, rec domain.NotificationRecord) error {
	s.mu.Lock()
	s.shown = append(s.shown, rec)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) all() []domain.NotificationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.NotificationRecord(nil), s.shown...)
}

type denyingPermissions struct {
	requests int
}

func (p *denyingPermissions) Check(context.Context) (bool, error) { return false, nil }

func (p *denyingPermissions) Request(context.Context) (bool, error) {
	p.requests++
	return false, nil
}

type blockingPermissions struct {
	mu      sync.Mutex
	granted bool
	asked   chan struct{}
	answer  chan bool
}

func newBlockingPermissions() *blockingPermissions {
	return &blockingPermissions{asked: make(chan struct{}, 1), answer: make(chan bool)}
}

func (p *blockingPermissions) Check(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.granted, nil
}

func (p *blockingPermissions) Request(ctx context.Context) (bool, error) {
	p.asked <- struct{}{}
	select {
	case granted := <-p.answer:
		p.mu.Lock()
		p.granted = granted
		p.mu.Unlock()
		return granted, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

type brokenKV struct{}

func (brokenKV) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("disk full")
}

func (brokenKV) Set(context.Context, string, []byte) error { return errors.New("disk full") }

func (brokenKV) Remove(context.Context, string) error { return errors.New("disk full") }
