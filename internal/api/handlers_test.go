package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/reminders/internal/auth"
	"example.com/reminders/internal/coordinator"
	"example.com/reminders/internal/domain"
	"example.com/reminders/internal/milestone"
	"example.com/reminders/internal/notify"
	"example.com/reminders/internal/persistence/memory"
	"example.com/reminders/internal/reminder"
	"example.com/reminders/internal/schedule"
	"example.com/reminders/internal/stopwatch"
	"example.com/reminders/internal/testsupport"
)

type fixture struct {
	clock      *testsupport.Clock
	handler    *Handler
	mux        *http.ServeMux
	engine     *reminder.Engine
	dispatcher *notify.Dispatcher
	answers    *stubAnswerer
}

type stubAnswerer struct {
	answers []bool
}

func (a *stubAnswerer) Answer(_ context.Context, granted bool) error {
	a.answers = append(a.answers, granted)
	return nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := testsupport.NewClock(testsupport.ReferenceTime())
	store := schedule.NewStore(memory.NewKV(), schedule.WithClock(clk))
	coord := coordinator.New("api-test", coordinator.NewLocalBus(), coordinator.WithClock(clk))
	coord.Start()
	t.Cleanup(coord.Close)
	store.OnWrite(coord.StoreListener())

	sink := notify.SinkFunc(func(context.Context, domain.NotificationRecord) error { return nil })
	dispatcher := notify.NewDispatcher(notify.NewInProcessBackend(sink), notify.Granted{}, store, notify.WithClock(clk))
	engine := reminder.New(store, dispatcher, coord, reminder.WithClock(clk))
	timer := stopwatch.New(store, milestone.New(milestone.DefaultThresholds()), dispatcher, stopwatch.WithClock(clk))

	answers := &stubAnswerer{}
	handler := NewHandler("profile-1", engine, timer, dispatcher, answers, nil)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	return &fixture{clock: clk, handler: handler, mux: mux, engine: engine, dispatcher: dispatcher, answers: answers}
}

func (f *fixture) do(t *testing.T, method, path string, body any, scopes ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if scopes != nil {
		set := make(map[string]struct{}, len(scopes))
		for _, s := range scopes {
			set[s] = struct{}{}
		}
		claims := &auth.Claims{Subject: "tester", ProfileID: "profile-1", Scopes: set, ExpiresAt: time.Now().Add(time.Hour)}
		req = req.WithContext(auth.WithClaims(req.Context(), claims))
	}
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestStartAndReadReminder(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/v1/reminders/water/start",
		StartReminderRequest{IntervalMinutes: 45, Payload: domain.Payload{ServingML: 300}}, auth.ScopeRemindersWrite)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	status := decode[reminder.Status](t, rr)
	require.True(t, status.Enabled)
	require.Equal(t, 45, status.IntervalMinutes)
	require.True(t, status.NextFireAt.Equal(f.clock.Now().Add(45*time.Minute)))

	rr = f.do(t, http.MethodGet, "/v1/reminders/Water", nil, auth.ScopeRemindersRead)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 300, decode[reminder.Status](t, rr).Payload.ServingML)

	rr = f.do(t, http.MethodGet, "/v1/reminders", nil, auth.ScopeRemindersRead)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[ListRemindersResponse](t, rr)
	require.Len(t, list.Items, len(domain.Channels()))
}

func TestUpdateIntervalAndStop(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/v1/reminders/meal/start", StartReminderRequest{IntervalMinutes: 240}, auth.ScopeRemindersWrite)

	f.clock.Advance(time.Hour)
	rr := f.do(t, http.MethodPut, "/v1/reminders/meal/interval", UpdateIntervalRequest{IntervalMinutes: 180}, auth.ScopeRemindersWrite)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.True(t, decode[reminder.Status](t, rr).NextFireAt.Equal(f.clock.Now().Add(3*time.Hour)))

	rr = f.do(t, http.MethodPost, "/v1/reminders/meal/stop", nil, auth.ScopeRemindersWrite)
	require.Equal(t, http.StatusOK, rr.Code)
	stopped := decode[reminder.Status](t, rr)
	require.False(t, stopped.Enabled)
	require.Nil(t, stopped.NextFireAt)
}

func TestReminderValidation(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/v1/reminders/water/start", StartReminderRequest{IntervalMinutes: 0}, auth.ScopeRemindersWrite)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "validation_failed", decode[map[string]string](t, rr)["type"])

	rr = f.do(t, http.MethodPost, "/v1/reminders/sleep/start", StartReminderRequest{IntervalMinutes: 30}, auth.ScopeRemindersWrite)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.do(t, http.MethodGet, "/v1/reminders/water/start", nil, auth.ScopeRemindersWrite)
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/reminders/water/snooze", nil, auth.ScopeRemindersWrite)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestScopesAndProfileEnforced(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/v1/reminders", nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/reminders/water/start", StartReminderRequest{IntervalMinutes: 30}, auth.ScopeRemindersRead)
	require.Equal(t, http.StatusForbidden, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/reminders", nil)
	claims := &auth.Claims{Subject: "intruder", ProfileID: "profile-2", Scopes: map[string]struct{}{auth.ScopeRemindersWrite: {}}}
	req = req.WithContext(auth.WithClaims(req.Context(), claims))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTimerRoutes(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/v1/timer/start", nil, auth.ScopeRemindersWrite)
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, decode[stopwatch.Reading](t, rr).Running)

	f.clock.Advance(45 * time.Second)
	rr = f.do(t, http.MethodPost, "/v1/timer/pause", nil, auth.ScopeRemindersWrite)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, int64(45_000), decode[stopwatch.Reading](t, rr).ElapsedMs)

	f.clock.Advance(time.Minute)
	rr = f.do(t, http.MethodGet, "/v1/timer", nil, auth.ScopeRemindersRead)
	require.Equal(t, http.StatusOK, rr.Code)
	reading := decode[stopwatch.Reading](t, rr)
	require.False(t, reading.Running)
	require.Equal(t, int64(45_000), reading.ElapsedMs)
	require.NotNil(t, reading.NextMilestone)
	require.Equal(t, int64(300), *reading.NextMilestone)

	rr = f.do(t, http.MethodPost, "/v1/timer/lap", nil, auth.ScopeRemindersWrite)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.do(t, http.MethodPost, "/v1/timer/reset", nil, auth.ScopeRemindersWrite)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Zero(t, decode[stopwatch.Reading](t, rr).ElapsedMs)
}

func TestNotificationsListsDeliveredReminders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rr := f.do(t, http.MethodGet, "/v1/notifications", nil, auth.ScopeRemindersRead)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Empty(t, decode[ListNotificationsResponse](t, rr).Items)

	f.do(t, http.MethodPost, "/v1/reminders/workout/start", StartReminderRequest{IntervalMinutes: 30}, auth.ScopeRemindersWrite)
	f.clock.Advance(30 * time.Minute)
	require.Len(t, f.engine.Wake(ctx), 1)

	rr = f.do(t, http.MethodGet, "/v1/notifications", nil, auth.ScopeRemindersRead)
	items := decode[ListNotificationsResponse](t, rr).Items
	require.Len(t, items, 1)
	require.Equal(t, domain.ChannelWorkout, items[0].Channel)
}

func TestPermissionAnswer(t *testing.T) {
	f := newFixture(t)
	granted := true

	rr := f.do(t, http.MethodPost, "/v1/permissions", PermissionAnswerRequest{Granted: &granted}, auth.ScopeRemindersWrite)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, []bool{true}, f.answers.answers)

	rr = f.do(t, http.MethodPost, "/v1/permissions", map[string]string{}, auth.ScopeRemindersWrite)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestEventStreamDisabled(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodGet, "/v1/events", nil, auth.ScopeRemindersRead)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", rr.Body.String())
}
