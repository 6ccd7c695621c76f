package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tbsched/tbs/internal/schedules"
	"github.com/tbsched/tbs/internal/testutil"
)

// stubStore is an in-memory scheduleStore for handler tests.
type stubStore struct {
	mu      sync.Mutex
	rows    []*schedules.Schedule // insertion order
	upserts int
	clock   time.Time
}

func newStubStore() *stubStore {
	return &stubStore{clock: time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)}
}

func (s *stubStore) tickClock() time.Time {
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

func (s *stubStore) Create(ctx context.Context, sched *schedules.Schedule) (*schedules.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *sched
	copied.ID = uuid.NewString()
	copied.CreatedAt = s.tickClock()
	copied.UpdatedAt = copied.CreatedAt
	s.rows = append(s.rows, &copied)
	out := copied
	return &out, nil
}

func (s *stubStore) GetByID(ctx context.Context, id string) (*schedules.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.ID == id {
			out := *row
			return &out, nil
		}
	}
	return nil, fmt.Errorf("schedule %s not found", id)
}

func (s *stubStore) FindByKey(ctx context.Context, token string, userID int64, typ schedules.Type) ([]schedules.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schedules.Schedule
	for i := len(s.rows) - 1; i >= 0; i-- {
		row := s.rows[i]
		if row.Token == token && row.UserID == userID && row.Type == typ {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (s *stubStore) List(ctx context.Context, f schedules.ListFilter) ([]schedules.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []schedules.Schedule{}
	for i := len(s.rows) - 1; i >= 0; i-- {
		row := s.rows[i]
		if f.Token != nil && row.Token != *f.Token {
			continue
		}
		if f.UserID != nil && row.UserID != *f.UserID {
			continue
		}
		if f.Active != nil && row.Active != *f.Active {
			continue
		}
		out = append(out, *row)
	}
	return out, nil
}

func (s *stubStore) Update(ctx context.Context, sched *schedules.Schedule) (*schedules.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, row := range s.rows {
		if row.ID == sched.ID {
			copied := *sched
			copied.CreatedAt = row.CreatedAt
			copied.LockedUntil = nil
			copied.UpdatedAt = s.tickClock()
			s.rows[i] = &copied
			out := copied
			return &out, nil
		}
	}
	return nil, fmt.Errorf("schedule %s not found", sched.ID)
}

func (s *stubStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, row := range s.rows {
		if row.ID == id {
			s.rows = append(s.rows[:i], s.rows[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("schedule %s not found", id)
}

func (s *stubStore) DeleteByKey(ctx context.Context, token string, userID int64, typ schedules.Type) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*schedules.Schedule
	var n int64
	for _, row := range s.rows {
		if row.Token == token && row.UserID == userID && row.Type == typ {
			n++
			continue
		}
		kept = append(kept, row)
	}
	s.rows = kept
	return n, nil
}

func (s *stubStore) DeleteAllForPair(ctx context.Context, token string, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*schedules.Schedule
	var n int64
	for _, row := range s.rows {
		if row.Token == token && row.UserID == userID {
			n++
			continue
		}
		kept = append(kept, row)
	}
	s.rows = kept
	return n, nil
}

func (s *stubStore) UpsertDailySingleton(ctx context.Context, sched *schedules.Schedule) (*schedules.Schedule, error) {
	s.mu.Lock()
	s.upserts++
	s.mu.Unlock()

	existing, _ := s.FindByKey(ctx, sched.Token, sched.UserID, schedules.TypeDaily)
	if len(existing) == 0 {
		return s.Create(ctx, sched)
	}
	keep := existing[0]
	for _, dup := range existing[1:] {
		_ = s.Delete(ctx, dup.ID)
	}
	merged := *sched
	merged.ID = keep.ID
	return s.Update(ctx, &merged)
}

func newTestRouter(store scheduleStore) http.Handler {
	h := &scheduleHandler{store: store, logger: testutil.DiscardLogger()}
	r := chi.NewRouter()
	r.Route("/schedules", h.routes)
	return r
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeSchedule(t *testing.T, rec *httptest.ResponseRecorder) schedules.Schedule {
	t.Helper()
	var s schedules.Schedule
	if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
		t.Fatalf("decode schedule: %v", err)
	}
	return s
}

func TestCreateDaily(t *testing.T) {
	store := newStubStore()
	r := newTestRouter(store)

	rec := doJSON(t, r, http.MethodPost, "/schedules/daily", map[string]any{
		"token": "tok", "user_id": 1, "scenario_id": 2,
		"times_hhmm": []string{"09:00", "21:00"},
		"timezone":   "Europe/Moscow",
	})
	testutil.StatusCode(t, http.StatusCreated, rec.Code)

	s := decodeSchedule(t, rec)
	testutil.Equal(t, schedules.TypeDaily, s.Type)
	testutil.True(t, s.Active)
	testutil.NotNil(t, s.NextRunAt)
	testutil.True(t, s.NextRunAt.After(time.Now()), "next_run_at must be in the future")
	testutil.SliceLen(t, s.TimesHHMM, 2)
}

func TestCreateDailySingleTimeFallback(t *testing.T) {
	store := newStubStore()
	r := newTestRouter(store)

	rec := doJSON(t, r, http.MethodPost, "/schedules/daily", map[string]any{
		"token": "tok", "user_id": 1, "scenario_id": 2, "time_hhmm": "09:30",
	})
	testutil.StatusCode(t, http.StatusCreated, rec.Code)

	s := decodeSchedule(t, rec)
	testutil.SliceLen(t, s.TimesHHMM, 1)
	testutil.Equal(t, "09:30", s.TimesHHMM[0])
}

func TestCreateDailyTimesOnlySyncsLegacyField(t *testing.T) {
	r := newTestRouter(newStubStore())

	rec := doJSON(t, r, http.MethodPost, "/schedules/daily", map[string]any{
		"token": "tok", "user_id": 1, "scenario_id": 2,
		"times_hhmm": []string{"09:00", "21:00"},
	})
	testutil.StatusCode(t, http.StatusCreated, rec.Code)

	s := decodeSchedule(t, rec)
	testutil.NotNil(t, s.TimeHHMM)
	testutil.Equal(t, "09:00", *s.TimeHHMM)
}

func TestCreateDailyValidation(t *testing.T) {
	r := newTestRouter(newStubStore())

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing token", map[string]any{"user_id": 1, "scenario_id": 2, "time_hhmm": "09:00"}},
		{"long token", map[string]any{"token": string(make([]byte, 300)), "user_id": 1, "scenario_id": 2, "time_hhmm": "09:00"}},
		{"zero user_id", map[string]any{"token": "t", "user_id": 0, "scenario_id": 2, "time_hhmm": "09:00"}},
		{"negative scenario_id", map[string]any{"token": "t", "user_id": 1, "scenario_id": -5, "time_hhmm": "09:00"}},
		{"no times", map[string]any{"token": "t", "user_id": 1, "scenario_id": 2}},
		{"bad time", map[string]any{"token": "t", "user_id": 1, "scenario_id": 2, "time_hhmm": "9am"}},
		{"bad time in list", map[string]any{"token": "t", "user_id": 1, "scenario_id": 2, "times_hhmm": []string{"09:00", "25:00"}}},
		{"bad timezone", map[string]any{"token": "t", "user_id": 1, "scenario_id": 2, "time_hhmm": "09:00", "timezone": "Mars/Base"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, r, http.MethodPost, "/schedules/daily", tt.body)
			testutil.StatusCode(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestValidationErrorsCarryFieldDetail(t *testing.T) {
	r := newTestRouter(newStubStore())

	rec := doJSON(t, r, http.MethodPost, "/schedules/daily", map[string]any{
		"user_id": 1, "scenario_id": 2, "time_hhmm": "09:00",
	})
	testutil.StatusCode(t, http.StatusBadRequest, rec.Code)

	var resp struct {
		Message string                       `json:"message"`
		Data    map[string]map[string]string `json:"data"`
	}
	testutil.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	testutil.Equal(t, "token is required", resp.Message)
	testutil.Equal(t, "validation_required", resp.Data["token"]["code"])

	rec = doJSON(t, r, http.MethodPost, "/schedules/daily", map[string]any{
		"token": "tok", "user_id": 0, "scenario_id": 2, "time_hhmm": "09:00",
	})
	testutil.StatusCode(t, http.StatusBadRequest, rec.Code)
	testutil.Contains(t, rec.Body.String(), `"user_id"`)
	testutil.Contains(t, rec.Body.String(), "validation_min")
}

func TestCreateDailyIsSingletonUpsert(t *testing.T) {
	store := newStubStore()
	r := newTestRouter(store)

	body := map[string]any{
		"token": "tok", "user_id": 1, "scenario_id": 2, "time_hhmm": "09:00",
	}
	rec := doJSON(t, r, http.MethodPost, "/schedules/daily", body)
	testutil.StatusCode(t, http.StatusCreated, rec.Code)
	first := decodeSchedule(t, rec)

	body["scenario_id"] = 3
	body["time_hhmm"] = "12:00"
	rec = doJSON(t, r, http.MethodPost, "/schedules/daily", body)
	testutil.StatusCode(t, http.StatusCreated, rec.Code)
	second := decodeSchedule(t, rec)

	testutil.Equal(t, first.ID, second.ID)
	testutil.Equal(t, int64(3), second.ScenarioID)
	testutil.Equal(t, 2, store.upserts)
}

func TestCreateInterval(t *testing.T) {
	r := newTestRouter(newStubStore())

	rec := doJSON(t, r, http.MethodPost, "/schedules/interval", map[string]any{
		"token": "tok", "user_id": 1, "scenario_id": 2, "every_minutes": 5,
	})
	testutil.StatusCode(t, http.StatusCreated, rec.Code)

	s := decodeSchedule(t, rec)
	testutil.Equal(t, schedules.TypeInterval, s.Type)
	testutil.Equal(t, 5, *s.EveryMinutes)
	testutil.NotNil(t, s.NextRunAt)
}

func TestCreateIntervalValidation(t *testing.T) {
	r := newTestRouter(newStubStore())

	for _, every := range []any{nil, 0, -1, 600000} {
		body := map[string]any{"token": "tok", "user_id": 1, "scenario_id": 2}
		if every != nil {
			body["every_minutes"] = every
		}
		rec := doJSON(t, r, http.MethodPost, "/schedules/interval", body)
		testutil.StatusCode(t, http.StatusBadRequest, rec.Code)
	}
}

func TestCreateOnce(t *testing.T) {
	r := newTestRouter(newStubStore())

	rec := doJSON(t, r, http.MethodPost, "/schedules/once", map[string]any{
		"token": "tok", "user_id": 1, "scenario_id": 2,
		"run_at": "2030-06-01T12:00:00+03:00",
	})
	testutil.StatusCode(t, http.StatusCreated, rec.Code)

	s := decodeSchedule(t, rec)
	testutil.Equal(t, schedules.TypeOnce, s.Type)
	testutil.NotNil(t, s.RunAt)
	want := time.Date(2030, 6, 1, 9, 0, 0, 0, time.UTC)
	testutil.True(t, s.RunAt.Equal(want), "run_at normalized to UTC, got %v", s.RunAt)
	testutil.NotNil(t, s.NextRunAt)
	testutil.True(t, s.NextRunAt.Equal(want), "next_run_at mirrors run_at")
}

func TestCreateOnceRejectsNaiveRunAt(t *testing.T) {
	r := newTestRouter(newStubStore())

	rec := doJSON(t, r, http.MethodPost, "/schedules/once", map[string]any{
		"token": "tok", "user_id": 1, "scenario_id": 2,
		"run_at": "2030-06-01T12:00:00",
	})
	testutil.StatusCode(t, http.StatusBadRequest, rec.Code)
	testutil.Contains(t, rec.Body.String(), "UTC offset")

	rec = doJSON(t, r, http.MethodPost, "/schedules/once", map[string]any{
		"token": "tok", "user_id": 1, "scenario_id": 2,
	})
	testutil.StatusCode(t, http.StatusBadRequest, rec.Code)
}

func TestListSchedules(t *testing.T) {
	store := newStubStore()
	r := newTestRouter(store)

	for _, userID := range []int{1, 1, 2} {
		rec := doJSON(t, r, http.MethodPost, "/schedules/interval", map[string]any{
			"token": "tok", "user_id": userID, "scenario_id": 2, "every_minutes": 5,
		})
		testutil.StatusCode(t, http.StatusCreated, rec.Code)
	}

	rec := doJSON(t, r, http.MethodGet, "/schedules?token=tok&user_id=1", nil)
	testutil.StatusCode(t, http.StatusOK, rec.Code)

	var resp scheduleListResponse
	testutil.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	testutil.Equal(t, 2, resp.Count)
	testutil.SliceLen(t, resp.Items, 2)
	// Newest created first.
	testutil.True(t, resp.Items[0].CreatedAt.After(resp.Items[1].CreatedAt),
		"list must be newest first")
}

func TestListSchedulesBadParams(t *testing.T) {
	r := newTestRouter(newStubStore())

	rec := doJSON(t, r, http.MethodGet, "/schedules?user_id=abc", nil)
	testutil.StatusCode(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, r, http.MethodGet, "/schedules?active=yes", nil)
	testutil.StatusCode(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateSchedule(t *testing.T) {
	store := newStubStore()
	r := newTestRouter(store)

	rec := doJSON(t, r, http.MethodPost, "/schedules/interval", map[string]any{
		"token": "tok", "user_id": 1, "scenario_id": 2, "every_minutes": 5,
	})
	created := decodeSchedule(t, rec)

	rec = doJSON(t, r, http.MethodPatch, "/schedules/"+created.ID, map[string]any{
		"every_minutes": 30, "scenario_id": 9,
	})
	testutil.StatusCode(t, http.StatusOK, rec.Code)

	updated := decodeSchedule(t, rec)
	testutil.Equal(t, 30, *updated.EveryMinutes)
	testutil.Equal(t, int64(9), updated.ScenarioID)
	testutil.NotNil(t, updated.NextRunAt)
}

func TestUpdateScheduleDeactivateClearsNextRun(t *testing.T) {
	r := newTestRouter(newStubStore())

	rec := doJSON(t, r, http.MethodPost, "/schedules/interval", map[string]any{
		"token": "tok", "user_id": 1, "scenario_id": 2, "every_minutes": 5,
	})
	created := decodeSchedule(t, rec)

	rec = doJSON(t, r, http.MethodPatch, "/schedules/"+created.ID, map[string]any{
		"active": false,
	})
	testutil.StatusCode(t, http.StatusOK, rec.Code)

	updated := decodeSchedule(t, rec)
	testutil.False(t, updated.Active)
	testutil.Nil(t, updated.NextRunAt)
}

func TestUpdateScheduleTypeInvariants(t *testing.T) {
	r := newTestRouter(newStubStore())

	rec := doJSON(t, r, http.MethodPost, "/schedules/interval", map[string]any{
		"token": "tok", "user_id": 1, "scenario_id": 2, "every_minutes": 5,
	})
	interval := decodeSchedule(t, rec)

	rec = doJSON(t, r, http.MethodPatch, "/schedules/"+interval.ID, map[string]any{
		"times_hhmm": []string{"09:00"},
	})
	testutil.StatusCode(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, r, http.MethodPatch, "/schedules/"+interval.ID, map[string]any{
		"run_at": "2030-06-01T12:00:00Z",
	})
	testutil.StatusCode(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, r, http.MethodPost, "/schedules/daily", map[string]any{
		"token": "tok", "user_id": 2, "scenario_id": 2, "time_hhmm": "09:00",
	})
	daily := decodeSchedule(t, rec)

	rec = doJSON(t, r, http.MethodPatch, "/schedules/"+daily.ID, map[string]any{
		"every_minutes": 5,
	})
	testutil.StatusCode(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateScheduleTimesWinOverTime(t *testing.T) {
	r := newTestRouter(newStubStore())

	rec := doJSON(t, r, http.MethodPost, "/schedules/daily", map[string]any{
		"token": "tok", "user_id": 1, "scenario_id": 2, "time_hhmm": "09:00",
	})
	daily := decodeSchedule(t, rec)

	rec = doJSON(t, r, http.MethodPatch, "/schedules/"+daily.ID, map[string]any{
		"time_hhmm": "08:00", "times_hhmm": []string{"10:00", "22:00"},
	})
	testutil.StatusCode(t, http.StatusOK, rec.Code)

	updated := decodeSchedule(t, rec)
	testutil.SliceLen(t, updated.TimesHHMM, 2)
	testutil.Equal(t, "10:00", updated.TimesHHMM[0])
	testutil.NotNil(t, updated.TimeHHMM)
	testutil.Equal(t, "10:00", *updated.TimeHHMM)
}

func TestUpdateScheduleTimesOnlySyncsLegacyField(t *testing.T) {
	r := newTestRouter(newStubStore())

	rec := doJSON(t, r, http.MethodPost, "/schedules/daily", map[string]any{
		"token": "tok", "user_id": 1, "scenario_id": 2, "time_hhmm": "09:00",
	})
	daily := decodeSchedule(t, rec)
	testutil.Equal(t, "09:00", *daily.TimeHHMM)

	// A times-only patch must not leave the previous single time behind.
	rec = doJSON(t, r, http.MethodPatch, "/schedules/"+daily.ID, map[string]any{
		"times_hhmm": []string{"12:00", "18:00"},
	})
	testutil.StatusCode(t, http.StatusOK, rec.Code)

	updated := decodeSchedule(t, rec)
	testutil.SliceLen(t, updated.TimesHHMM, 2)
	testutil.NotNil(t, updated.TimeHHMM)
	testutil.Equal(t, "12:00", *updated.TimeHHMM)
}

func TestUpdateScheduleNotFound(t *testing.T) {
	r := newTestRouter(newStubStore())

	rec := doJSON(t, r, http.MethodPatch, "/schedules/"+uuid.NewString(), map[string]any{
		"active": false,
	})
	testutil.StatusCode(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, r, http.MethodPatch, "/schedules/not-a-uuid", map[string]any{})
	testutil.StatusCode(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateByKeyNewestWins(t *testing.T) {
	store := newStubStore()
	r := newTestRouter(store)

	for i := 0; i < 2; i++ {
		rec := doJSON(t, r, http.MethodPost, "/schedules/interval", map[string]any{
			"token": "tok", "user_id": 1, "scenario_id": 2, "every_minutes": 5,
		})
		testutil.StatusCode(t, http.StatusCreated, rec.Code)
	}

	rec := doJSON(t, r, http.MethodPatch, "/schedules/by_key", map[string]any{
		"token": "tok", "user_id": 1, "type": "interval", "every_minutes": 45,
	})
	testutil.StatusCode(t, http.StatusOK, rec.Code)

	updated := decodeSchedule(t, rec)
	testutil.Equal(t, 45, *updated.EveryMinutes)

	// Only the newest row changed.
	found, err := store.FindByKey(context.Background(), "tok", 1, schedules.TypeInterval)
	testutil.NoError(t, err)
	testutil.SliceLen(t, found, 2)
	testutil.Equal(t, 45, *found[0].EveryMinutes)
	testutil.Equal(t, 5, *found[1].EveryMinutes)
}

func TestUpdateByKeyNotFound(t *testing.T) {
	r := newTestRouter(newStubStore())

	rec := doJSON(t, r, http.MethodPatch, "/schedules/by_key", map[string]any{
		"token": "tok", "user_id": 1, "type": "interval", "every_minutes": 45,
	})
	testutil.StatusCode(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, r, http.MethodPatch, "/schedules/by_key", map[string]any{
		"token": "tok", "user_id": 1, "type": "weekly",
	})
	testutil.StatusCode(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteSchedule(t *testing.T) {
	r := newTestRouter(newStubStore())

	rec := doJSON(t, r, http.MethodPost, "/schedules/interval", map[string]any{
		"token": "tok", "user_id": 1, "scenario_id": 2, "every_minutes": 5,
	})
	created := decodeSchedule(t, rec)

	rec = doJSON(t, r, http.MethodDelete, "/schedules/"+created.ID, nil)
	testutil.StatusCode(t, http.StatusOK, rec.Code)
	testutil.Contains(t, rec.Body.String(), `"deleted":true`)
	testutil.Contains(t, rec.Body.String(), created.ID)

	rec = doJSON(t, r, http.MethodDelete, "/schedules/"+created.ID, nil)
	testutil.StatusCode(t, http.StatusNotFound, rec.Code)
}

func TestDeleteByKey(t *testing.T) {
	r := newTestRouter(newStubStore())

	for i := 0; i < 2; i++ {
		doJSON(t, r, http.MethodPost, "/schedules/interval", map[string]any{
			"token": "tok", "user_id": 1, "scenario_id": 2, "every_minutes": 5,
		})
	}
	doJSON(t, r, http.MethodPost, "/schedules/daily", map[string]any{
		"token": "tok", "user_id": 1, "scenario_id": 2, "time_hhmm": "09:00",
	})

	rec := doJSON(t, r, http.MethodPost, "/schedules/by_key/delete", map[string]any{
		"token": "tok", "user_id": 1, "type": "interval",
	})
	testutil.StatusCode(t, http.StatusOK, rec.Code)
	testutil.Contains(t, rec.Body.String(), `"deleted_count":2`)

	rec = doJSON(t, r, http.MethodPost, "/schedules/by_key/delete_all", map[string]any{
		"token": "tok", "user_id": 1,
	})
	testutil.StatusCode(t, http.StatusOK, rec.Code)
	testutil.Contains(t, rec.Body.String(), `"deleted_count":1`)
}
