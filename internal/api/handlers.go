// Package api exposes the HTTP control surface for reminders and the stopwatch.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"example.com/reminders/internal/auth"
	"example.com/reminders/internal/domain"
	"example.com/reminders/internal/reminder"
	"example.com/reminders/internal/stopwatch"
)

// Reminders is the reminder engine as seen by the API.
type Reminders interface {
	Start(ctx context.Context, ch domain.Channel, intervalMinutes int, payload domain.Payload) (reminder.Status, error)
	UpdateInterval(ctx context.Context, ch domain.Channel, intervalMinutes int) (reminder.Status, error)
	Stop(ctx context.Context, ch domain.Channel) (reminder.Status, error)
	Status(ctx context.Context, ch domain.Channel) reminder.Status
	StatusAll(ctx context.Context) []reminder.Status
}

// Timer is the stopwatch as seen by the API.
type Timer interface {
	Start(ctx context.Context) (stopwatch.Reading, error)
	Pause(ctx context.Context) (stopwatch.Reading, error)
	Reset(ctx context.Context) (stopwatch.Reading, error)
	Read(ctx context.Context) stopwatch.Reading
}

// NotificationLog lists recently shown notifications.
type NotificationLog interface {
	Records() []domain.NotificationRecord
}

// PermissionAnswerer records the user's answer to the notification permission prompt.
type PermissionAnswerer interface {
	Answer(ctx context.Context, granted bool) error
}

// Handler coordinates HTTP requests with the engines.
type Handler struct {
	profileID   string
	reminders   Reminders
	timer       Timer
	log         NotificationLog
	permissions PermissionAnswerer
	events      http.Handler
}

// NewHandler builds a Handler serving profileID. permissions and events may be nil.
func NewHandler(profileID string, reminders Reminders, timer Timer, log NotificationLog, permissions PermissionAnswerer, events http.Handler) *Handler {
	return &Handler{
		profileID:   profileID,
		reminders:   reminders,
		timer:       timer,
		log:         log,
		permissions: permissions,
		events:      events,
	}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/reminders", h.listReminders)
	mux.HandleFunc("/v1/reminders/", h.reminderByChannel)
	mux.HandleFunc("/v1/timer", h.readTimer)
	mux.HandleFunc("/v1/timer/", h.timerAction)
	mux.HandleFunc("/v1/notifications", h.notifications)
	mux.HandleFunc("/v1/permissions", h.answerPermission)
	mux.HandleFunc("/v1/events", h.eventStream)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) listReminders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if !h.authorize(w, r, false) {
		return
	}
	writeJSON(w, http.StatusOK, ListRemindersResponse{Items: h.reminders.StatusAll(r.Context())})
}

func (h *Handler) reminderByChannel(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/reminders/"), "/")
	name, action, _ := strings.Cut(rest, "/")
	if name == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing channel")
		return
	}
	ch, err := domain.ParseChannel(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		if h.authorize(w, r, false) {
			writeJSON(w, http.StatusOK, h.reminders.Status(r.Context(), ch))
		}
	case action == "start" && r.Method == http.MethodPost:
		h.startReminder(w, r, ch)
	case action == "stop" && r.Method == http.MethodPost:
		if h.authorize(w, r, true) {
			status, err := h.reminders.Stop(r.Context(), ch)
			h.writeResult(w, status, err)
		}
	case action == "interval" && r.Method == http.MethodPut:
		h.updateInterval(w, r, ch)
	case action == "" || action == "start" || action == "stop" || action == "interval":
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown reminder action")
	}
}

func (h *Handler) startReminder(w http.ResponseWriter, r *http.Request, ch domain.Channel) {
	if !h.authorize(w, r, true) {
		return
	}
	var req StartReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	status, err := h.reminders.Start(r.Context(), ch, req.IntervalMinutes, req.Payload)
	h.writeResult(w, status, err)
}

func (h *Handler) updateInterval(w http.ResponseWriter, r *http.Request, ch domain.Channel) {
	if !h.authorize(w, r, true) {
		return
	}
	var req UpdateIntervalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	status, err := h.reminders.UpdateInterval(r.Context(), ch, req.IntervalMinutes)
	h.writeResult(w, status, err)
}

func (h *Handler) readTimer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if h.authorize(w, r, false) {
		writeJSON(w, http.StatusOK, h.timer.Read(r.Context()))
	}
}

func (h *Handler) timerAction(w http.ResponseWriter, r *http.Request) {
	action := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/timer/"), "/")
	var op func(context.Context) (stopwatch.Reading, error)
	switch action {
	case "start":
		op = h.timer.Start
	case "pause":
		op = h.timer.Pause
	case "reset":
		op = h.timer.Reset
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown timer action")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if !h.authorize(w, r, true) {
		return
	}
	reading, err := op(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

func (h *Handler) notifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if !h.authorize(w, r, false) {
		return
	}
	records := h.log.Records()
	if records == nil {
		records = []domain.NotificationRecord{}
	}
	writeJSON(w, http.StatusOK, ListNotificationsResponse{Items: records})
}

func (h *Handler) answerPermission(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if !h.authorize(w, r, true) {
		return
	}
	if h.permissions == nil {
		writeError(w, http.StatusNotFound, "not_found", "permission prompts are not used on this host")
		return
	}
	var req PermissionAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Granted == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "granted is required")
		return
	}
	if err := h.permissions.Answer(r.Context(), *req.Granted); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) eventStream(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeError(w, http.StatusNotFound, "not_found", "event stream disabled")
		return
	}
	if !h.authorize(w, r, false) {
		return
	}
	h.events.ServeHTTP(w, r)
}

// authorize checks the caller's scopes and that the token belongs to the served profile.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, write bool) bool {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return false
	}
	if write && !claims.HasScope(auth.ScopeRemindersWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope reminders:write required")
		return false
	}
	if !write && !claims.CanRead() {
		writeError(w, http.StatusForbidden, "forbidden", "scope reminders:read required")
		return false
	}
	if claims.ProfileID != h.profileID {
		writeError(w, http.StatusForbidden, "forbidden", "token is for another profile")
		return false
	}
	return true
}

func (h *Handler) writeResult(w http.ResponseWriter, status reminder.Status, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, status)
	case errors.Is(err, domain.ErrInvalidInterval):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, domain.ErrUnknownChannel):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, reminder.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

// StartReminderRequest is the payload for POST /v1/reminders/{channel}/start.
type StartReminderRequest struct {
	IntervalMinutes int            `json:"interval_minutes"`
	Payload         domain.Payload `json:"payload"`
}

// UpdateIntervalRequest is the payload for PUT /v1/reminders/{channel}/interval.
type UpdateIntervalRequest struct {
	IntervalMinutes int `json:"interval_minutes"`
}

// PermissionAnswerRequest is the payload for POST /v1/permissions.
type PermissionAnswerRequest struct {
	Granted *bool `json:"granted"`
}

// ListRemindersResponse packages every channel status.
type ListRemindersResponse struct {
	Items []reminder.Status `json:"items"`
}

// ListNotificationsResponse packages the recent notification records.
type ListNotificationsResponse struct {
	Items []domain.NotificationRecord `json:"items"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
