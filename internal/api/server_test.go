package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/albapepper/agencyops/internal/api"
	"github.com/albapepper/agencyops/internal/api/handler"
	"github.com/albapepper/agencyops/internal/api/respond"
	"github.com/albapepper/agencyops/internal/config"
	"github.com/albapepper/agencyops/internal/notifications"
	"github.com/albapepper/agencyops/internal/queue"
)

// ─── Fakes ───────────────────────────────────────────────────────────────────

type fakeEngine struct {
	events []notifications.Event
	runs   int
	err    error
}

func (e *fakeEngine) Enqueue(_ context.Context, ev notifications.Event) (notifications.EnqueueResult, error) {
	if e.err != nil {
		return notifications.EnqueueResult{}, e.err
	}
	e.events = append(e.events, ev)
	return notifications.EnqueueResult{IDs: []int64{7}, Created: 1, Disabled: 1}, nil
}

func (e *fakeEngine) QueueStatus(context.Context) (notifications.QueueStatus, error) {
	if e.err != nil {
		return notifications.QueueStatus{}, e.err
	}
	return notifications.QueueStatus{
		Counts:       notifications.Counts{Pending: 3, Sent: 5},
		RecentErrors: []notifications.LogEntry{},
	}, nil
}

func (e *fakeEngine) RunOnce(context.Context) (notifications.BatchResult, error) {
	e.runs++
	return notifications.BatchResult{Claimed: 2, Sent: 2}, nil
}

type fakeDB struct{ err error }

func (d fakeDB) HealthCheck(context.Context) error { return d.err }

func testConfig() *config.Config {
	return &config.Config{
		CORSAllowOrigins:  []string{"*"},
		RateLimitEnabled:  false,
		RateLimitRequests: 100,
		RateLimitWindow:   time.Minute,
	}
}

func newRouter(t *testing.T, deps handler.Deps, cfg *config.Config) http.Handler {
	t.Helper()
	if deps.Failures == nil {
		deps.Failures = queue.NewMemory()
	}
	return api.NewRouter(deps, cfg)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

// ─── Health ──────────────────────────────────────────────────────────────────

func TestHealthRoutes(t *testing.T) {
	tests := []struct {
		name   string
		deps   handler.Deps
		path   string
		status int
		field  string
		want   string
	}{
		{"basic", handler.Deps{}, "/health", http.StatusOK, "status", "healthy"},
		{"memory db", handler.Deps{}, "/health/db", http.StatusOK, "database", "memory"},
		{"db up", handler.Deps{DB: fakeDB{}}, "/health/db", http.StatusOK, "database", "connected"},
		{"db down", handler.Deps{DB: fakeDB{errors.New("refused")}}, "/health/db", http.StatusServiceUnavailable, "database", "disconnected"},
		{"cache", handler.Deps{}, "/health/cache", http.StatusOK, "status", "healthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.deps.Engine = &fakeEngine{}
			rec := do(t, newRouter(t, tt.deps, testConfig()), http.MethodGet, tt.path, "")
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			body := decode[map[string]any](t, rec)
			if body[tt.field] != tt.want {
				t.Errorf("%s = %v, want %s", tt.field, body[tt.field], tt.want)
			}
			if rec.Header().Get("X-Process-Time") == "" {
				t.Error("missing X-Process-Time header")
			}
		})
	}
}

// ─── Queue ───────────────────────────────────────────────────────────────────

func TestQueueStatus(t *testing.T) {
	r := newRouter(t, handler.Deps{Engine: &fakeEngine{}}, testConfig())
	rec := do(t, r, http.MethodGet, "/api/v1/queue/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	st := decode[notifications.QueueStatus](t, rec)
	if st.Counts.Pending != 3 || st.Counts.Sent != 5 {
		t.Errorf("counts = %+v", st.Counts)
	}

	r = newRouter(t, handler.Deps{Engine: &fakeEngine{err: errors.New("db down")}}, testConfig())
	rec = do(t, r, http.MethodGet, "/api/v1/queue/status", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if e := decode[respond.ErrorResponse](t, rec); e.Error.Code != "QUEUE_ERROR" {
		t.Errorf("code = %q", e.Error.Code)
	}
}

func TestFailures(t *testing.T) {
	log := queue.NewMemory()
	ctx := context.Background()
	for i := range 3 {
		log.Append(ctx, &notifications.LogEntry{NotificationID: int64(i + 1), Outcome: notifications.OutcomeFailed, Error: "boom"})
	}
	log.Append(ctx, &notifications.LogEntry{NotificationID: 9, Outcome: notifications.OutcomeSent})
	r := newRouter(t, handler.Deps{Engine: &fakeEngine{}, Failures: log}, testConfig())

	rec := do(t, r, http.MethodGet, "/api/v1/queue/failures?limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[struct {
		Failures []notifications.LogEntry `json:"failures"`
		Count    int                      `json:"count"`
	}](t, rec)
	if body.Count != 2 || len(body.Failures) != 2 {
		t.Errorf("failures = %+v", body)
	}

	if rec := do(t, r, http.MethodGet, "/api/v1/queue/failures?limit=abc", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}
}

func TestRunDispatch(t *testing.T) {
	eng := &fakeEngine{}
	r := newRouter(t, handler.Deps{Engine: eng}, testConfig())
	rec := do(t, r, http.MethodPost, "/api/v1/queue/run", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if res := decode[notifications.BatchResult](t, rec); res.Sent != 2 || eng.runs != 1 {
		t.Errorf("result = %+v runs = %d", res, eng.runs)
	}
}

// ─── Events ──────────────────────────────────────────────────────────────────

func TestCreateEvent(t *testing.T) {
	eng := &fakeEngine{}
	r := newRouter(t, handler.Deps{Engine: eng}, testConfig())

	rec := do(t, r, http.MethodPost, "/api/v1/events",
		`{"category":"status-changed","priority":"high","title":"Project moved","body":"Now in review","employee_ids":[1,2]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	res := decode[notifications.EnqueueResult](t, rec)
	if res.Created != 1 || res.Disabled != 1 {
		t.Errorf("result = %+v", res)
	}
	if len(eng.events) != 1 {
		t.Fatalf("events = %d", len(eng.events))
	}
	m := eng.events[0].(notifications.Manual)
	if m.Priority == nil || *m.Priority != notifications.PriorityHigh || len(m.EmployeeIDs) != 2 {
		t.Errorf("decoded event = %+v", m)
	}
}

func TestCreateEventRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		body string
		code string
	}{
		{"not json", `{`, "INVALID_BODY"},
		{"unknown field", `{"category":"overdue","title":"x","employee_ids":[1],"color":"red"}`, "INVALID_BODY"},
		{"bad priority", `{"category":"overdue","priority":"meh","title":"x","employee_ids":[1]}`, "INVALID_BODY"},
		{"unknown category", `{"category":"birthday","title":"x","employee_ids":[1]}`, "INVALID_EVENT"},
		{"empty message", `{"category":"overdue","employee_ids":[1]}`, "EMPTY_MESSAGE"},
		{"no recipients", `{"category":"overdue","title":"x"}`, "INVALID_EVENT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeEngine{}
			rec := do(t, newRouter(t, handler.Deps{Engine: eng}, testConfig()), http.MethodPost, "/api/v1/events", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if e := decode[respond.ErrorResponse](t, rec); e.Error.Code != tt.code {
				t.Errorf("code = %q, want %q", e.Error.Code, tt.code)
			}
			if len(eng.events) != 0 {
				t.Error("invalid event reached the engine")
			}
		})
	}
}

// ─── Middleware ──────────────────────────────────────────────────────────────

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitEnabled = true
	cfg.RateLimitRequests = 2
	cfg.RateLimitWindow = time.Hour
	r := newRouter(t, handler.Deps{Engine: &fakeEngine{}}, cfg)

	// Burst is half the window's allowance.
	if rec := do(t, r, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("first request = %d", rec.Code)
	}
	rec := do(t, r, http.MethodGet, "/health", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", rec.Code)
	}
	if e := decode[respond.ErrorResponse](t, rec); e.Error.Code != "RATE_LIMITED" {
		t.Errorf("code = %q", e.Error.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rec := do(t, newRouter(t, handler.Deps{Engine: &fakeEngine{}}, testConfig()), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("metrics output missing default collectors")
	}
}
