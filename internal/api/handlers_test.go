package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crawlhub/crawlhub/internal/agent"
	"github.com/crawlhub/crawlhub/internal/clock"
	"github.com/crawlhub/crawlhub/internal/orchestrator"
	"github.com/crawlhub/crawlhub/internal/schedule"
	"github.com/crawlhub/crawlhub/internal/task"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	healthErr  error
	tasks      map[int64]*task.Task
	schedules  map[int64]*schedule.Schedule
	identities map[int64]*agent.Identity
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:      make(map[int64]*task.Task),
		schedules:  make(map[int64]*schedule.Schedule),
		identities: make(map[int64]*agent.Identity),
	}
}

func (f *fakeStore) Health(_ context.Context) error { return f.healthErr }

func (f *fakeStore) GetTask(_ context.Context, id int64) (*task.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, task.ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) ListOutbox(_ context.Context, statuses []task.OutboxStatus, limit, offset int) ([]*task.Task, error) {
	var out []*task.Task
	for _, t := range f.tasks {
		if t.Outbox == nil {
			continue
		}
		for _, s := range statuses {
			if t.Outbox.Status == s {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) CountTasksByStatus(_ context.Context) (map[task.Status]int, error) {
	counts := make(map[task.Status]int)
	for _, t := range f.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (f *fakeStore) CountOutboxByStatus(_ context.Context) (map[task.OutboxStatus]int, error) {
	counts := make(map[task.OutboxStatus]int)
	for _, t := range f.tasks {
		if t.Outbox != nil {
			counts[t.Outbox.Status]++
		}
	}
	return counts, nil
}

func (f *fakeStore) CreateSchedule(_ context.Context, s *schedule.Schedule) error {
	s.ID = int64(len(f.schedules) + 1)
	f.schedules[s.ID] = s
	return nil
}

func (f *fakeStore) GetSchedule(_ context.Context, id int64) (*schedule.Schedule, error) {
	s, ok := f.schedules[id]
	if !ok {
		return nil, schedule.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) SaveIdentity(_ context.Context, a *agent.Identity) error {
	f.identities[a.ID] = a
	return nil
}

type fakeOrchestrator struct {
	store      *fakeStore
	nextID     int64
	retryErr   error
	resultErr  error
	republishE error
}

func (f *fakeOrchestrator) CreateTask(_ context.Context, schedulerID, sellerID int64, taskType task.Type, endpoint string) (*task.Task, error) {
	f.nextID++
	t := task.New(schedulerID, sellerID, taskType, endpoint, testNow)
	t.AssignID(f.nextID)
	payload, err := t.BuildPayload()
	if err != nil {
		return nil, err
	}
	if err := t.InitializeOutbox(payload, testNow); err != nil {
		return nil, err
	}
	f.store.tasks[t.ID] = t
	return t, nil
}

func (f *fakeOrchestrator) ProcessTaskResult(_ context.Context, result orchestrator.TaskResult) error {
	if f.resultErr != nil {
		return f.resultErr
	}
	if _, ok := f.store.tasks[result.TaskID]; !ok {
		return task.ErrNotFound
	}
	return nil
}

func (f *fakeOrchestrator) RetryTask(_ context.Context, taskID int64) error {
	if _, ok := f.store.tasks[taskID]; !ok {
		return task.ErrNotFound
	}
	return f.retryErr
}

func (f *fakeOrchestrator) RetryTasks(_ context.Context, taskIDs []int64) orchestrator.RetryReport {
	report := orchestrator.RetryReport{Attempted: len(taskIDs)}
	for _, id := range taskIDs {
		if f.RetryTask(context.Background(), id) == nil {
			report.Succeeded++
		} else {
			report.Failed++
		}
	}
	return report
}

func (f *fakeOrchestrator) RepublishOutbox(_ context.Context, taskID int64) error {
	if _, ok := f.store.tasks[taskID]; !ok {
		return task.ErrNotFound
	}
	return f.republishE
}

func newTestHandler() (*Handler, *fakeStore, *fakeOrchestrator, *agent.Pool) {
	store := newFakeStore()
	orch := &fakeOrchestrator{store: store}
	pool := agent.NewPool([]*agent.Identity{
		agent.NewIdentity(1, "token-1", "ua-1", testNow),
		agent.NewIdentity(2, "token-2", "ua-2", testNow),
	})
	return NewHandler(store, orch, pool, clock.Fixed{Time: testNow}, nil), store, orch, pool
}

func doRequest(h *Handler, method, path, body string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	h.SetupRoutes(mux)

	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	RequestIDMiddleware(mux).ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {
	h, _, _, _ := newTestHandler()

	rec := doRequest(h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "crawlhub", resp.Service)
}

func TestHealthCheckMethodNotAllowed(t *testing.T) {
	h, _, _, _ := newTestHandler()

	rec := doRequest(h, http.MethodPost, "/health", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestDatabaseHealthCheckUnhealthy(t *testing.T) {
	h, store, _, _ := newTestHandler()
	store.healthErr = fmt.Errorf("connection refused")

	rec := doRequest(h, http.MethodGet, "/health/db", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCreateTask(t *testing.T) {
	h, _, _, _ := newTestHandler()

	body := `{"scheduler_id": 10, "seller_id": 77, "task_type": "discovery", "endpoint": "https://api.example.com/sellers/77/minishop"}`
	rec := doRequest(h, http.MethodPost, "/v1/tasks", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp SuccessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Status)
}

func TestCreateTaskValidation(t *testing.T) {
	h, _, _, _ := newTestHandler()

	tests := []struct {
		name string
		body string
	}{
		{"missing seller", `{"task_type": "discovery", "endpoint": "https://x"}`},
		{"unknown type", `{"seller_id": 1, "task_type": "bogus", "endpoint": "https://x"}`},
		{"bad json", `{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(h, http.MethodPost, "/v1/tasks", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestGetTaskNotFound(t *testing.T) {
	h, _, _, _ := newTestHandler()

	rec := doRequest(h, http.MethodGet, "/v1/tasks/999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRetryTaskConflict(t *testing.T) {
	h, _, orch, _ := newTestHandler()
	_, err := orch.CreateTask(context.Background(), 10, 77, task.TypeDetail, "https://x")
	require.NoError(t, err)
	orch.retryErr = fmt.Errorf("wrapped: %w", orchestrator.ErrCannotRetry)

	rec := doRequest(h, http.MethodPost, "/v1/tasks/1/retry", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRetryBatch(t *testing.T) {
	h, _, orch, _ := newTestHandler()
	_, err := orch.CreateTask(context.Background(), 10, 77, task.TypeDetail, "https://x")
	require.NoError(t, err)

	rec := doRequest(h, http.MethodPost, "/v1/tasks/retry", `{"task_ids": [1, 999]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data orchestrator.RetryReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Data.Attempted)
	assert.Equal(t, 1, resp.Data.Succeeded)
	assert.Equal(t, 1, resp.Data.Failed)
}

func TestListOutbox(t *testing.T) {
	h, _, orch, _ := newTestHandler()
	_, err := orch.CreateTask(context.Background(), 10, 77, task.TypeDetail, "https://x")
	require.NoError(t, err)

	rec := doRequest(h, http.MethodGet, "/v1/outbox?status=pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)
}

func TestRepublishOutboxConflict(t *testing.T) {
	h, _, orch, _ := newTestHandler()
	_, err := orch.CreateTask(context.Background(), 10, 77, task.TypeDetail, "https://x")
	require.NoError(t, err)
	orch.republishE = orchestrator.ErrOutboxNotResettable

	rec := doRequest(h, http.MethodPost, "/v1/outbox/1/republish", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListIdentities(t *testing.T) {
	h, _, _, _ := newTestHandler()

	rec := doRequest(h, http.MethodGet, "/v1/identities", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":2`)
}

func TestIdentityBlockUnblock(t *testing.T) {
	h, store, _, pool := newTestHandler()

	rec := doRequest(h, http.MethodPost, "/v1/identities/1/block", "")
	require.Equal(t, http.StatusOK, rec.Code)

	a, err := pool.Get(1)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusBlocked, a.Status)

	// Admin actions are written through, so a restart sees them
	require.Contains(t, store.identities, int64(1))
	assert.Equal(t, agent.StatusBlocked, store.identities[1].Status)

	rec = doRequest(h, http.MethodPost, "/v1/identities/1/unblock", "")
	require.Equal(t, http.StatusOK, rec.Code)

	a, err = pool.Get(1)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusIdle, a.Status)
	assert.Equal(t, agent.StatusIdle, store.identities[1].Status)
}

func TestBorrowIdentity(t *testing.T) {
	h, store, _, pool := newTestHandler()

	rec := doRequest(h, http.MethodPost, "/v1/identities/borrow", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data struct {
			ID        int64  `json:"id"`
			Token     string `json:"token"`
			UserAgent string `json:"user_agent"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotZero(t, resp.Data.ID)
	assert.NotEmpty(t, resp.Data.Token)
	assert.NotEmpty(t, resp.Data.UserAgent)

	a, err := pool.Get(resp.Data.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusBorrowed, a.Status)
	assert.Equal(t, agent.StatusBorrowed, store.identities[resp.Data.ID].Status)
}

func TestBorrowIdentityExhausted(t *testing.T) {
	h, _, _, _ := newTestHandler()

	doRequest(h, http.MethodPost, "/v1/identities/borrow", "")
	doRequest(h, http.MethodPost, "/v1/identities/borrow", "")

	rec := doRequest(h, http.MethodPost, "/v1/identities/borrow", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "POOL_EXHAUSTED")
}

func TestReturnIdentitySuccess(t *testing.T) {
	h, store, _, pool := newTestHandler()
	a, err := pool.Borrow(testNow)
	require.NoError(t, err)

	path := fmt.Sprintf("/v1/identities/%d/return", a.ID)
	rec := doRequest(h, http.MethodPost, path, `{"http_status": 200}`)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := pool.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusIdle, got.Status)
	assert.Equal(t, agent.StatusIdle, store.identities[a.ID].Status)
}

func TestReturnIdentityRateLimited(t *testing.T) {
	h, store, _, pool := newTestHandler()
	a, err := pool.Borrow(testNow)
	require.NoError(t, err)

	path := fmt.Sprintf("/v1/identities/%d/return", a.ID)
	rec := doRequest(h, http.MethodPost, path, `{"http_status": 429}`)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := pool.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusCooldown, got.Status)
	assert.Equal(t, agent.HealthCooldown, got.HealthScore)
	assert.Equal(t, agent.StatusCooldown, store.identities[a.ID].Status)
}

func TestReturnIdentityNotBorrowed(t *testing.T) {
	h, _, _, _ := newTestHandler()

	rec := doRequest(h, http.MethodPost, "/v1/identities/1/return", `{"http_status": 200}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestIdentityUnknownAction(t *testing.T) {
	h, _, _, _ := newTestHandler()

	rec := doRequest(h, http.MethodPost, "/v1/identities/1/explode", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIdentityNotFound(t *testing.T) {
	h, _, _, _ := newTestHandler()

	rec := doRequest(h, http.MethodPost, "/v1/identities/999/block", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateSchedule(t *testing.T) {
	h, _, _, _ := newTestHandler()

	rec := doRequest(h, http.MethodPost, "/v1/schedules", `{"seller_id": 77, "cron_expr": "0 3 * * *"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestCreateScheduleInvalidCron(t *testing.T) {
	h, _, _, _ := newTestHandler()

	rec := doRequest(h, http.MethodPost, "/v1/schedules", `{"seller_id": 77, "cron_expr": "not a cron"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStats(t *testing.T) {
	h, _, orch, _ := newTestHandler()
	_, err := orch.CreateTask(context.Background(), 10, 77, task.TypeDetail, "https://x")
	require.NoError(t, err)

	rec := doRequest(h, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"waiting":1`)
	assert.Contains(t, rec.Body.String(), `"pending":1`)
	assert.Contains(t, rec.Body.String(), `"idle":2`)
}

func TestParseIDPath(t *testing.T) {
	tests := []struct {
		path       string
		prefix     string
		wantID     int64
		wantAction string
		wantOK     bool
	}{
		{"/v1/tasks/42", "/v1/tasks/", 42, "", true},
		{"/v1/tasks/42/retry", "/v1/tasks/", 42, "retry", true},
		{"/v1/tasks/", "/v1/tasks/", 0, "", false},
		{"/v1/tasks/abc", "/v1/tasks/", 0, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			id, action, ok := parseIDPath(tt.path, tt.prefix)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantID, id)
			assert.Equal(t, tt.wantAction, action)
		})
	}
}
