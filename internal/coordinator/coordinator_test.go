package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/reminders/internal/domain"
	"example.com/reminders/internal/events"
	"example.com/reminders/internal/persistence/memory"
	"example.com/reminders/internal/schedule"
	"example.com/reminders/internal/testsupport"
)

func TestBroadcastMakesSenderDriver(t *testing.T) {
	bus := NewLocalBus()
	a := New("tab-a", bus)
	b := New("tab-b", bus)
	a.Start()
	b.Start()
	defer a.Close()
	defer b.Close()

	var received []events.Envelope
	b.OnReceive(func(_ context.Context, env events.Envelope) {
		received = append(received, env)
	})
	var echoed int
	a.OnReceive(func(context.Context, events.Envelope) { echoed++ })

	err := a.Broadcast(context.Background(), events.Envelope{Kind: events.KindConfigChanged, Channel: "water"})
	require.NoError(t, err)

	require.True(t, a.IsDriver(domain.ChannelWater))
	require.False(t, b.IsDriver(domain.ChannelWater))
	driver, ok := b.Driver(domain.ChannelWater)
	require.True(t, ok)
	require.Equal(t, "tab-a", driver)

	require.Len(t, received, 1)
	require.Equal(t, "tab-a", received[0].Origin)
	require.False(t, received[0].OccurredAt.IsZero())
	require.Zero(t, echoed, "a context never handles its own envelopes")
}

func TestClaimDriverAfterForeignWrite(t *testing.T) {
	bus := NewLocalBus()
	a := New("tab-a", bus)
	b := New("tab-b", bus)
	a.Start()
	b.Start()

	require.NoError(t, a.Broadcast(context.Background(), events.Envelope{Kind: events.KindFired, Channel: "meal"}))
	require.False(t, b.IsDriver(domain.ChannelMeal))

	b.ClaimDriver(domain.ChannelMeal)
	require.True(t, b.IsDriver(domain.ChannelMeal))

	_, ok := a.Driver(domain.ChannelWorkout)
	require.False(t, ok)
}

func TestTimerEventsDoNotChangeDriver(t *testing.T) {
	bus := NewLocalBus()
	a := New("tab-a", bus)
	b := New("tab-b", bus)
	a.Start()
	b.Start()

	require.NoError(t, a.Broadcast(context.Background(), events.Envelope{Kind: events.KindTimerChanged}))
	for _, ch := range domain.Channels() {
		_, ok := b.Driver(ch)
		require.False(t, ok)
	}
}

func TestStoreListenerBroadcastsWrites(t *testing.T) {
	clock := testsupport.NewClock(time.Time{})
	bus := NewLocalBus()
	host := New("host", bus, WithClock(clock))
	peer := New("peer", bus)
	host.Start()
	peer.Start()

	var mu sync.Mutex
	var got []events.Envelope
	peer.OnReceive(func(_ context.Context, env events.Envelope) {
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
	})

	store := schedule.NewStore(memory.NewKV(), schedule.WithClock(clock))
	store.OnWrite(host.StoreListener())

	rec := domain.DefaultRecord(domain.ChannelWorkout)
	rec.Enabled = true
	rec.IntervalMinutes = 45
	rec.NextFireAt = domain.TimePtr(clock.Now().Add(45 * time.Minute))
	rec.Driver = "host"
	_, err := store.Put(context.Background(), rec)
	require.NoError(t, err)

	require.NoError(t, store.SaveTimer(context.Background(), domain.ElapsedTimerState{AccumulatedMs: 1000}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	require.Equal(t, events.KindConfigChanged, got[0].Kind)
	require.Equal(t, "workout", got[0].Channel)
	require.Equal(t, 45, got[0].Schedule.IntervalMinutes)
	require.Equal(t, "host", got[0].Schedule.Driver)
	require.Equal(t, events.KindTimerChanged, got[1].Kind)
	require.Equal(t, int64(1000), got[1].Timer.AccumulatedMs)

	driver, ok := peer.Driver(domain.ChannelWorkout)
	require.True(t, ok)
	require.Equal(t, "host", driver)
}

func TestFanoutPublishesToEveryBus(t *testing.T) {
	first := NewLocalBus()
	second := NewLocalBus()
	var count int
	first.Subscribe(func(context.Context, events.Envelope) { count++ })
	second.Subscribe(func(context.Context, events.Envelope) { count++ })

	bus := Fanout(first, nil, second)
	require.NoError(t, bus.Publish(context.Background(), events.Envelope{Kind: events.KindFired}))
	require.Equal(t, 2, count)

	var received int
	cancel := bus.Subscribe(func(context.Context, events.Envelope) { received++ })
	require.NoError(t, second.Publish(context.Background(), events.Envelope{}))
	require.Equal(t, 1, received)

	cancel()
	require.NoError(t, first.Publish(context.Background(), events.Envelope{}))
	require.Equal(t, 1, received)
}
