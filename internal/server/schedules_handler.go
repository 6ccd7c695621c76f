package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tbsched/tbs/internal/httputil"
	"github.com/tbsched/tbs/internal/schedules"
)

const (
	maxTokenLen     = 256
	maxEveryMinutes = 525600 // one year
)

// scheduleStore is the interface for schedule persistence.
// schedules.Store satisfies this interface.
type scheduleStore interface {
	Create(ctx context.Context, s *schedules.Schedule) (*schedules.Schedule, error)
	GetByID(ctx context.Context, id string) (*schedules.Schedule, error)
	FindByKey(ctx context.Context, token string, userID int64, typ schedules.Type) ([]schedules.Schedule, error)
	List(ctx context.Context, f schedules.ListFilter) ([]schedules.Schedule, error)
	Update(ctx context.Context, s *schedules.Schedule) (*schedules.Schedule, error)
	Delete(ctx context.Context, id string) error
	DeleteByKey(ctx context.Context, token string, userID int64, typ schedules.Type) (int64, error)
	DeleteAllForPair(ctx context.Context, token string, userID int64) (int64, error)
	UpsertDailySingleton(ctx context.Context, s *schedules.Schedule) (*schedules.Schedule, error)
}

type scheduleHandler struct {
	store  scheduleStore
	logger *slog.Logger
}

func (h *scheduleHandler) routes(r chi.Router) {
	r.Post("/daily", h.createDaily)
	r.Post("/interval", h.createInterval)
	r.Post("/once", h.createOnce)
	r.Get("/", h.list)
	r.Patch("/by_key", h.updateByKey)
	r.Post("/by_key/delete", h.deleteByKey)
	r.Post("/by_key/delete_all", h.deleteAllForPair)
	r.Patch("/{id}", h.update)
	r.Delete("/{id}", h.delete)
}

type createDailyRequest struct {
	Token      string   `json:"token"`
	UserID     int64    `json:"user_id"`
	ScenarioID int64    `json:"scenario_id"`
	TimeHHMM   *string  `json:"time_hhmm"`
	TimesHHMM  []string `json:"times_hhmm"`
	Timezone   *string  `json:"timezone"`
	Active     *bool    `json:"active"`
}

type createIntervalRequest struct {
	Token        string `json:"token"`
	UserID       int64  `json:"user_id"`
	ScenarioID   int64  `json:"scenario_id"`
	EveryMinutes *int   `json:"every_minutes"`
	Active       *bool  `json:"active"`
}

type createOnceRequest struct {
	Token      string  `json:"token"`
	UserID     int64   `json:"user_id"`
	ScenarioID int64   `json:"scenario_id"`
	RunAt      *string `json:"run_at"`
	Active     *bool   `json:"active"`
}

type updateScheduleRequest struct {
	Token        *string  `json:"token"`
	UserID       *int64   `json:"user_id"`
	ScenarioID   *int64   `json:"scenario_id"`
	TimeHHMM     *string  `json:"time_hhmm"`
	TimesHHMM    []string `json:"times_hhmm"`
	Timezone     *string  `json:"timezone"`
	EveryMinutes *int     `json:"every_minutes"`
	RunAt        *string  `json:"run_at"`
	Active       *bool    `json:"active"`
}

type updateByKeyRequest struct {
	Token  string `json:"token"`
	UserID int64  `json:"user_id"`
	Type   string `json:"type"`

	ScenarioID   *int64   `json:"scenario_id"`
	TimeHHMM     *string  `json:"time_hhmm"`
	TimesHHMM    []string `json:"times_hhmm"`
	Timezone     *string  `json:"timezone"`
	EveryMinutes *int     `json:"every_minutes"`
	RunAt        *string  `json:"run_at"`
	Active       *bool    `json:"active"`
}

type byKeyRequest struct {
	Token  string `json:"token"`
	UserID int64  `json:"user_id"`
	Type   string `json:"type"`
}

type deleteAllRequest struct {
	Token  string `json:"token"`
	UserID int64  `json:"user_id"`
}

type scheduleListResponse struct {
	Items []schedules.Schedule `json:"items"`
	Count int                  `json:"count"` // number of items returned
}

// --- validation helpers ---

func validToken(w http.ResponseWriter, token string) bool {
	if token == "" {
		httputil.WriteFieldError(w, http.StatusBadRequest, "token is required",
			"token", "validation_required", "cannot be blank")
		return false
	}
	if len(token) > maxTokenLen {
		httputil.WriteFieldError(w, http.StatusBadRequest,
			fmt.Sprintf("token must be at most %d characters", maxTokenLen),
			"token", "validation_length", fmt.Sprintf("at most %d characters", maxTokenLen))
		return false
	}
	return true
}

func validPositive(w http.ResponseWriter, name string, v int64) bool {
	if v < 1 {
		httputil.WriteFieldError(w, http.StatusBadRequest, name+" must be a positive integer",
			name, "validation_min", "must be at least 1")
		return false
	}
	return true
}

func validScheduleType(w http.ResponseWriter, raw string) (schedules.Type, bool) {
	typ := schedules.Type(raw)
	if !typ.Valid() {
		httputil.WriteError(w, http.StatusBadRequest,
			"invalid type; must be one of: daily, interval, once")
		return "", false
	}
	return typ, true
}

// resolveDailyTimes normalizes the daily time fields to a validated
// times list. times_hhmm wins when both fields are supplied.
func resolveDailyTimes(w http.ResponseWriter, timeHHMM *string, timesHHMM []string) ([]string, bool) {
	times := timesHHMM
	if len(times) == 0 {
		if timeHHMM == nil || *timeHHMM == "" {
			httputil.WriteError(w, http.StatusBadRequest, "time_hhmm or times_hhmm is required")
			return nil, false
		}
		times = []string{*timeHHMM}
	}
	for _, v := range times {
		if _, _, ok := schedules.ParseHHMM(v); !ok {
			httputil.WriteError(w, http.StatusBadRequest,
				fmt.Sprintf("invalid time %q; expected HH:MM", v))
			return nil, false
		}
	}
	return times, true
}

// legacyTimeHHMM keeps the single-time field in step with the resolved list
// so readers of time_hhmm always see the first fire time.
func legacyTimeHHMM(times []string) *string {
	if len(times) == 0 {
		return nil
	}
	first := times[0]
	return &first
}

func resolveTimezone(w http.ResponseWriter, tz *string) (*string, bool) {
	zone := "UTC"
	if tz != nil && *tz != "" {
		if _, err := time.LoadLocation(*tz); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid timezone")
			return nil, false
		}
		zone = *tz
	}
	return &zone, true
}

// parseRunAt parses an RFC 3339 timestamp and normalizes it to UTC.
// Naive timestamps are rejected rather than silently assumed to be UTC.
func parseRunAt(w http.ResponseWriter, raw string) (*time.Time, bool) {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		if _, naiveErr := time.Parse("2006-01-02T15:04:05", raw); naiveErr == nil {
			httputil.WriteError(w, http.StatusBadRequest, "run_at must include a UTC offset")
			return nil, false
		}
		httputil.WriteError(w, http.StatusBadRequest, "invalid run_at; expected RFC 3339 timestamp")
		return nil, false
	}
	u := t.UTC()
	return &u, true
}

func activeOrDefault(active *bool) bool {
	if active == nil {
		return true
	}
	return *active
}

// --- handlers ---

// createDaily upserts the single daily schedule for a (token, user_id)
// pair. Re-posting replaces the previous configuration instead of
// accumulating duplicates.
func (h *scheduleHandler) createDaily(w http.ResponseWriter, r *http.Request) {
	var req createDailyRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if !validToken(w, req.Token) ||
		!validPositive(w, "user_id", req.UserID) ||
		!validPositive(w, "scenario_id", req.ScenarioID) {
		return
	}
	times, ok := resolveDailyTimes(w, req.TimeHHMM, req.TimesHHMM)
	if !ok {
		return
	}
	zone, ok := resolveTimezone(w, req.Timezone)
	if !ok {
		return
	}

	s := &schedules.Schedule{
		Token:      req.Token,
		UserID:     req.UserID,
		ScenarioID: req.ScenarioID,
		Type:       schedules.TypeDaily,
		TimeHHMM:   legacyTimeHHMM(times),
		TimesHHMM:  times,
		Timezone:   zone,
		Active:     activeOrDefault(req.Active),
	}
	s.NextRunAt = schedules.NextRunAt(s, time.Now().UTC())

	created, err := h.store.UpsertDailySingleton(r.Context(), s)
	if err != nil {
		h.logger.Error("failed to upsert daily schedule", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to create schedule")
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, created)
}

func (h *scheduleHandler) createInterval(w http.ResponseWriter, r *http.Request) {
	var req createIntervalRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if !validToken(w, req.Token) ||
		!validPositive(w, "user_id", req.UserID) ||
		!validPositive(w, "scenario_id", req.ScenarioID) {
		return
	}
	if req.EveryMinutes == nil {
		httputil.WriteError(w, http.StatusBadRequest, "every_minutes is required")
		return
	}
	if *req.EveryMinutes < 1 || *req.EveryMinutes > maxEveryMinutes {
		httputil.WriteError(w, http.StatusBadRequest,
			fmt.Sprintf("every_minutes must be between 1 and %d", maxEveryMinutes))
		return
	}

	s := &schedules.Schedule{
		Token:        req.Token,
		UserID:       req.UserID,
		ScenarioID:   req.ScenarioID,
		Type:         schedules.TypeInterval,
		EveryMinutes: req.EveryMinutes,
		Active:       activeOrDefault(req.Active),
	}
	s.NextRunAt = schedules.NextRunAt(s, time.Now().UTC())

	created, err := h.store.Create(r.Context(), s)
	if err != nil {
		h.logger.Error("failed to create interval schedule", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to create schedule")
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, created)
}

func (h *scheduleHandler) createOnce(w http.ResponseWriter, r *http.Request) {
	var req createOnceRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if !validToken(w, req.Token) ||
		!validPositive(w, "user_id", req.UserID) ||
		!validPositive(w, "scenario_id", req.ScenarioID) {
		return
	}
	if req.RunAt == nil || *req.RunAt == "" {
		httputil.WriteError(w, http.StatusBadRequest, "run_at is required")
		return
	}
	runAt, ok := parseRunAt(w, *req.RunAt)
	if !ok {
		return
	}

	s := &schedules.Schedule{
		Token:      req.Token,
		UserID:     req.UserID,
		ScenarioID: req.ScenarioID,
		Type:       schedules.TypeOnce,
		RunAt:      runAt,
		Active:     activeOrDefault(req.Active),
	}
	s.NextRunAt = schedules.NextRunAt(s, time.Now().UTC())

	created, err := h.store.Create(r.Context(), s)
	if err != nil {
		h.logger.Error("failed to create once schedule", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to create schedule")
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, created)
}

func (h *scheduleHandler) list(w http.ResponseWriter, r *http.Request) {
	var filter schedules.ListFilter
	q := r.URL.Query()

	if token := q.Get("token"); token != "" {
		filter.Token = &token
	}
	if raw := q.Get("user_id"); raw != "" {
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid user_id")
			return
		}
		filter.UserID = &userID
	}
	if raw := q.Get("active"); raw != "" {
		switch raw {
		case "true", "false":
			active := raw == "true"
			filter.Active = &active
		default:
			httputil.WriteError(w, http.StatusBadRequest, "invalid active; expected true or false")
			return
		}
	}

	items, err := h.store.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list schedules", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list schedules")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, scheduleListResponse{
		Items: items,
		Count: len(items),
	})
}

// update patches a schedule by ID. Uses read-modify-write: fetches the
// existing schedule first, then merges only the fields the client
// provided, avoiding zero-value overwrites.
func (h *scheduleHandler) update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !httputil.IsValidUUID(id) {
		httputil.WriteError(w, http.StatusBadRequest, "invalid schedule id format")
		return
	}

	var req updateScheduleRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	existing, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			httputil.WriteError(w, http.StatusNotFound, "schedule not found")
			return
		}
		h.logger.Error("failed to get schedule", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to get schedule")
		return
	}

	merged, ok := h.applyUpdate(w, existing, &req)
	if !ok {
		return
	}

	updated, err := h.store.Update(r.Context(), merged)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			httputil.WriteError(w, http.StatusNotFound, "schedule not found")
			return
		}
		h.logger.Error("failed to update schedule", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to update schedule")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, updated)
}

// updateByKey patches the newest schedule matching (token, user_id, type).
func (h *scheduleHandler) updateByKey(w http.ResponseWriter, r *http.Request) {
	var req updateByKeyRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if !validToken(w, req.Token) || !validPositive(w, "user_id", req.UserID) {
		return
	}
	typ, ok := validScheduleType(w, req.Type)
	if !ok {
		return
	}

	found, err := h.store.FindByKey(r.Context(), req.Token, req.UserID, typ)
	if err != nil {
		h.logger.Error("failed to find schedule by key", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to find schedule")
		return
	}
	if len(found) == 0 {
		httputil.WriteError(w, http.StatusNotFound, "schedule not found")
		return
	}

	merged, ok := h.applyUpdate(w, &found[0], &updateScheduleRequest{
		ScenarioID:   req.ScenarioID,
		TimeHHMM:     req.TimeHHMM,
		TimesHHMM:    req.TimesHHMM,
		Timezone:     req.Timezone,
		EveryMinutes: req.EveryMinutes,
		RunAt:        req.RunAt,
		Active:       req.Active,
	})
	if !ok {
		return
	}

	updated, err := h.store.Update(r.Context(), merged)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			httputil.WriteError(w, http.StatusNotFound, "schedule not found")
			return
		}
		h.logger.Error("failed to update schedule", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to update schedule")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, updated)
}

// applyUpdate merges req into a copy of existing, re-validating the
// trigger fields against the schedule type, and recomputes next_run_at.
func (h *scheduleHandler) applyUpdate(w http.ResponseWriter, existing *schedules.Schedule, req *updateScheduleRequest) (*schedules.Schedule, bool) {
	if existing.Type != schedules.TypeDaily {
		if req.TimeHHMM != nil || len(req.TimesHHMM) > 0 {
			httputil.WriteError(w, http.StatusBadRequest, "time fields only apply to daily schedules")
			return nil, false
		}
		if req.Timezone != nil {
			httputil.WriteError(w, http.StatusBadRequest, "timezone only applies to daily schedules")
			return nil, false
		}
	}
	if existing.Type != schedules.TypeInterval && req.EveryMinutes != nil {
		httputil.WriteError(w, http.StatusBadRequest, "every_minutes only applies to interval schedules")
		return nil, false
	}
	if existing.Type != schedules.TypeOnce && req.RunAt != nil {
		httputil.WriteError(w, http.StatusBadRequest, "run_at only applies to once schedules")
		return nil, false
	}

	merged := *existing
	if req.Token != nil {
		if !validToken(w, *req.Token) {
			return nil, false
		}
		merged.Token = *req.Token
	}
	if req.UserID != nil {
		if !validPositive(w, "user_id", *req.UserID) {
			return nil, false
		}
		merged.UserID = *req.UserID
	}
	if req.ScenarioID != nil {
		if !validPositive(w, "scenario_id", *req.ScenarioID) {
			return nil, false
		}
		merged.ScenarioID = *req.ScenarioID
	}

	switch merged.Type {
	case schedules.TypeDaily:
		if req.TimeHHMM != nil || len(req.TimesHHMM) > 0 {
			// times_hhmm wins when both are supplied.
			times, ok := resolveDailyTimes(w, req.TimeHHMM, req.TimesHHMM)
			if !ok {
				return nil, false
			}
			merged.TimesHHMM = times
			merged.TimeHHMM = legacyTimeHHMM(times)
		}
		if req.Timezone != nil {
			zone, ok := resolveTimezone(w, req.Timezone)
			if !ok {
				return nil, false
			}
			merged.Timezone = zone
		}
	case schedules.TypeInterval:
		if req.EveryMinutes != nil {
			if *req.EveryMinutes < 1 || *req.EveryMinutes > maxEveryMinutes {
				httputil.WriteError(w, http.StatusBadRequest,
					fmt.Sprintf("every_minutes must be between 1 and %d", maxEveryMinutes))
				return nil, false
			}
			merged.EveryMinutes = req.EveryMinutes
		}
	case schedules.TypeOnce:
		if req.RunAt != nil {
			runAt, ok := parseRunAt(w, *req.RunAt)
			if !ok {
				return nil, false
			}
			merged.RunAt = runAt
		}
	}

	if req.Active != nil {
		merged.Active = *req.Active
	}
	merged.NextRunAt = schedules.NextRunAt(&merged, time.Now().UTC())
	return &merged, true
}

func (h *scheduleHandler) delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !httputil.IsValidUUID(id) {
		httputil.WriteError(w, http.StatusBadRequest, "invalid schedule id format")
		return
	}

	if err := h.store.Delete(r.Context(), id); err != nil {
		if strings.Contains(err.Error(), "not found") {
			httputil.WriteError(w, http.StatusNotFound, "schedule not found")
			return
		}
		h.logger.Error("failed to delete schedule", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to delete schedule")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"deleted": true,
		"id":      id,
	})
}

func (h *scheduleHandler) deleteByKey(w http.ResponseWriter, r *http.Request) {
	var req byKeyRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if !validToken(w, req.Token) || !validPositive(w, "user_id", req.UserID) {
		return
	}
	typ, ok := validScheduleType(w, req.Type)
	if !ok {
		return
	}

	n, err := h.store.DeleteByKey(r.Context(), req.Token, req.UserID, typ)
	if err != nil {
		h.logger.Error("failed to delete schedules by key", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to delete schedules")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"deleted_count": n})
}

func (h *scheduleHandler) deleteAllForPair(w http.ResponseWriter, r *http.Request) {
	var req deleteAllRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if !validToken(w, req.Token) || !validPositive(w, "user_id", req.UserID) {
		return
	}

	n, err := h.store.DeleteAllForPair(r.Context(), req.Token, req.UserID)
	if err != nil {
		h.logger.Error("failed to delete schedules", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to delete schedules")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"deleted_count": n})
}
