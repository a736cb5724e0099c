package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/reminders/internal/domain"
	"example.com/reminders/internal/notify"
	"example.com/reminders/internal/persistence/memory"
	"example.com/reminders/internal/testsupport"
)

func pendingFor(scheduler *notify.MemoryScheduler, ch domain.Channel) []notify.Scheduled {
	var out []notify.Scheduled
	for _, item := range scheduler.Pending() {
		if item.Channel == ch {
			out = append(out, item)
		}
	}
	return out
}

// interceptScheduler wraps a MemoryScheduler and lets a test run code when a batch (more than
// one item) is submitted, before the items reach the inner scheduler.
type interceptScheduler struct {
	*notify.MemoryScheduler

	mu          sync.Mutex
	failBatches int
	onBatch     func()
}

func (s *interceptScheduler) Submit(ctx context.Context, items []notify.Scheduled) (int, error) {
	if len(items) > 1 {
		s.mu.Lock()
		fail := s.failBatches > 0
		if fail {
			s.failBatches--
		}
		hook := s.onBatch
		s.onBatch = nil
		s.mu.Unlock()
		if fail {
			return 0, errors.New("scheduler unavailable")
		}
		if hook != nil {
			hook()
		}
	}
	return s.MemoryScheduler.Submit(ctx, items)
}

func (s *interceptScheduler) setOnBatch(fn func()) {
	s.mu.Lock()
	s.onBatch = fn
	s.mu.Unlock()
}

func TestOSBackendPreSchedulesHorizon(t *testing.T) {
	scheduler := notify.NewMemoryScheduler(0)
	h := newHarness(t, harnessConfig{scheduler: scheduler})
	ctx := context.Background()
	now := h.clock.Now()

	status, err := h.engine.Start(ctx, domain.ChannelWater, 60, domain.Payload{})
	require.NoError(t, err)
	require.Equal(t, domain.BackendOSScheduler, status.Backend)
	require.True(t, status.ScheduledThrough.Equal(now.Add(24*time.Hour)))
	require.Empty(t, status.Warning)

	pending := pendingFor(scheduler, domain.ChannelWater)
	require.Len(t, pending, 24)
	require.True(t, pending[0].FireAt.Equal(*status.NextFireAt))
}

func TestOSBackendRestartMirrorsDeliveredFires(t *testing.T) {
	kv := memory.NewKV()
	clock := testsupport.NewClock(time.Time{})
	scheduler := notify.NewMemoryScheduler(0)
	ctx := context.Background()
	t0 := clock.Now()

	first := newHarness(t, harnessConfig{kv: kv, clock: clock, scheduler: scheduler})
	_, err := first.engine.Start(ctx, domain.ChannelWater, 60, domain.Payload{})
	require.NoError(t, err)

	clock.Advance(150 * time.Minute)
	require.Len(t, scheduler.PopDue(clock.Now()), 2)

	restarted := newHarness(t, harnessConfig{kv: kv, clock: clock, scheduler: scheduler})
	require.Empty(t, restarted.engine.Init(ctx))
	require.Empty(t, restarted.sink.all())

	status := restarted.engine.Status(ctx, domain.ChannelWater)
	require.True(t, status.LastFiredAt.Equal(t0.Add(2*time.Hour)))
	require.True(t, status.NextFireAt.Equal(t0.Add(3*time.Hour)))
	require.Len(t, pendingFor(scheduler, domain.ChannelWater), 22, "no immediate notification was submitted")
}

func TestOSBackendExhaustedBatchCatchesUpOnce(t *testing.T) {
	kv := memory.NewKV()
	clock := testsupport.NewClock(time.Time{})
	scheduler := notify.NewMemoryScheduler(0)
	ctx := context.Background()
	t0 := clock.Now()

	first := newHarness(t, harnessConfig{kv: kv, clock: clock, scheduler: scheduler})
	_, err := first.engine.Start(ctx, domain.ChannelMeal, 60, domain.Payload{Label: "snack"})
	require.NoError(t, err)

	clock.Advance(30 * time.Hour)
	require.Len(t, scheduler.PopDue(clock.Now()), 24)

	resumed := newHarness(t, harnessConfig{kv: kv, clock: clock, scheduler: scheduler})
	outcomes := resumed.engine.Init(ctx)
	require.Len(t, outcomes, 1)
	require.True(t, outcomes[0].Result.Delivered())
	require.Equal(t, 5, outcomes[0].Missed)

	due := scheduler.PopDue(clock.Now())
	require.Len(t, due, 1, "catch-up notification is submitted once for immediate delivery")
	base, _ := notify.IDRange(domain.ChannelMeal)
	require.Equal(t, base, due[0].ID)

	status := resumed.engine.Status(ctx, domain.ChannelMeal)
	require.True(t, status.LastFiredAt.Equal(clock.Now()))
	require.True(t, status.NextFireAt.Equal(clock.Now().Add(time.Hour)))
	require.True(t, status.ScheduledThrough.Equal(clock.Now().Add(24*time.Hour)))
	require.Len(t, pendingFor(scheduler, domain.ChannelMeal), 24)
	require.True(t, t0.Before(*status.LastFiredAt))
}

func TestOSBackendExtendsTruncatedBatch(t *testing.T) {
	scheduler := notify.NewMemoryScheduler(0)
	h := newHarness(t, harnessConfig{scheduler: scheduler, maxBatch: 4})
	ctx := context.Background()
	t0 := h.clock.Now()

	status, err := h.engine.Start(ctx, domain.ChannelWorkout, 60, domain.Payload{})
	require.NoError(t, err)
	require.Equal(t, WarningCapacity, status.Warning)
	require.True(t, status.ScheduledThrough.Equal(t0.Add(4*time.Hour)))

	h.clock.Advance(3 * time.Hour)
	scheduler.PopDue(h.clock.Now())
	require.Empty(t, h.engine.Wake(ctx))

	status = h.engine.Status(ctx, domain.ChannelWorkout)
	require.True(t, status.LastFiredAt.Equal(t0.Add(3*time.Hour)))
	require.True(t, status.NextFireAt.Equal(t0.Add(4*time.Hour)))
	require.True(t, status.ScheduledThrough.Equal(t0.Add(7*time.Hour)))
	require.Len(t, pendingFor(scheduler, domain.ChannelWorkout), 4)
}

func TestOSBackendStopCancelsPending(t *testing.T) {
	scheduler := notify.NewMemoryScheduler(0)
	h := newHarness(t, harnessConfig{scheduler: scheduler})
	ctx := context.Background()

	_, err := h.engine.Start(ctx, domain.ChannelWater, 30, domain.Payload{})
	require.NoError(t, err)
	_, err = h.engine.Start(ctx, domain.ChannelMeal, 240, domain.Payload{})
	require.NoError(t, err)

	_, err = h.engine.Stop(ctx, domain.ChannelWater)
	require.NoError(t, err)
	require.Empty(t, pendingFor(scheduler, domain.ChannelWater))
	require.Len(t, pendingFor(scheduler, domain.ChannelMeal), 6)
}

func TestHandleScheduledFire(t *testing.T) {
	scheduler := notify.NewMemoryScheduler(0)
	h := newHarness(t, harnessConfig{scheduler: scheduler})
	ctx := context.Background()
	t0 := h.clock.Now()

	_, err := h.engine.Start(ctx, domain.ChannelWater, 60, domain.Payload{})
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	require.True(t, h.engine.HandleScheduledFire(ctx, domain.ChannelWater, t0.Add(time.Hour)))
	require.False(t, h.engine.HandleScheduledFire(ctx, domain.ChannelWater, t0.Add(time.Hour)), "duplicate reports are ignored")

	status := h.engine.Status(ctx, domain.ChannelWater)
	require.True(t, status.LastFiredAt.Equal(t0.Add(time.Hour)))
	require.True(t, status.NextFireAt.Equal(t0.Add(2*time.Hour)))
	require.Empty(t, h.engine.Wake(ctx))
}

func TestHandleScheduledFireForStoppedChannelIsNoop(t *testing.T) {
	scheduler := notify.NewMemoryScheduler(0)
	h := newHarness(t, harnessConfig{scheduler: scheduler})
	ctx := context.Background()

	_, err := h.engine.Start(ctx, domain.ChannelWorkout, 60, domain.Payload{})
	require.NoError(t, err)
	_, err = h.engine.Stop(ctx, domain.ChannelWorkout)
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	require.False(t, h.engine.HandleScheduledFire(ctx, domain.ChannelWorkout, h.clock.Now()))
	require.Nil(t, h.store.Get(ctx, domain.ChannelWorkout).LastFiredAt)
}

func TestStopDuringFireCancelsBatchArmedAfterIt(t *testing.T) {
	scheduler := &interceptScheduler{MemoryScheduler: notify.NewMemoryScheduler(0), failBatches: 1}
	h := newHarness(t, harnessConfig{scheduler: scheduler})
	ctx := context.Background()

	status, err := h.engine.Start(ctx, domain.ChannelWater, 60, domain.Payload{})
	require.NoError(t, err)
	require.Equal(t, WarningDelivery, status.Warning)
	require.Nil(t, status.ScheduledThrough)

	scheduler.setOnBatch(func() {
		_, err := h.engine.Stop(ctx, domain.ChannelWater)
		require.NoError(t, err)
	})
	h.clock.Advance(time.Hour)
	outcomes := h.engine.Wake(ctx)
	require.Len(t, outcomes, 1)

	status = h.engine.Status(ctx, domain.ChannelWater)
	require.False(t, status.Enabled)
	require.Equal(t, PhaseIdle, status.Phase)
	require.Empty(t, pendingFor(scheduler.MemoryScheduler, domain.ChannelWater))
}

func TestStopDuringUpdateIntervalKeepsChannelStopped(t *testing.T) {
	scheduler := &interceptScheduler{MemoryScheduler: notify.NewMemoryScheduler(0)}
	h := newHarness(t, harnessConfig{scheduler: scheduler})
	ctx := context.Background()

	_, err := h.engine.Start(ctx, domain.ChannelWater, 60, domain.Payload{})
	require.NoError(t, err)
	require.Len(t, pendingFor(scheduler.MemoryScheduler, domain.ChannelWater), 24)

	scheduler.setOnBatch(func() {
		_, err := h.engine.Stop(ctx, domain.ChannelWater)
		require.NoError(t, err)
	})
	status, err := h.engine.UpdateInterval(ctx, domain.ChannelWater, 30)
	require.NoError(t, err)

	require.False(t, status.Enabled)
	require.Equal(t, PhaseIdle, status.Phase)
	require.Nil(t, status.NextFireAt)
	require.Equal(t, 30, status.IntervalMinutes)
	require.False(t, h.store.Get(ctx, domain.ChannelWater).Enabled)
	require.Empty(t, pendingFor(scheduler.MemoryScheduler, domain.ChannelWater))
}
