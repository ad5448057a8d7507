package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/crawlhub/crawlhub/internal/agent"
	"github.com/crawlhub/crawlhub/internal/clock"
	"github.com/crawlhub/crawlhub/internal/orchestrator"
	"github.com/crawlhub/crawlhub/internal/schedule"
	"github.com/crawlhub/crawlhub/internal/task"
)

// Version is set at build time via ldflags
var Version = "dev"

// Store is the persistence surface the HTTP layer reads from.
type Store interface {
	Health(ctx context.Context) error
	GetTask(ctx context.Context, id int64) (*task.Task, error)
	ListOutbox(ctx context.Context, statuses []task.OutboxStatus, limit, offset int) ([]*task.Task, error)
	CountTasksByStatus(ctx context.Context) (map[task.Status]int, error)
	CountOutboxByStatus(ctx context.Context) (map[task.OutboxStatus]int, error)
	CreateSchedule(ctx context.Context, s *schedule.Schedule) error
	GetSchedule(ctx context.Context, id int64) (*schedule.Schedule, error)
	SaveIdentity(ctx context.Context, a *agent.Identity) error
}

// Orchestrator is the command surface the HTTP layer drives.
type Orchestrator interface {
	CreateTask(ctx context.Context, schedulerID, sellerID int64, taskType task.Type, endpoint string) (*task.Task, error)
	ProcessTaskResult(ctx context.Context, result orchestrator.TaskResult) error
	RetryTask(ctx context.Context, taskID int64) error
	RetryTasks(ctx context.Context, taskIDs []int64) orchestrator.RetryReport
	RepublishOutbox(ctx context.Context, taskID int64) error
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	store   Store
	orch    Orchestrator
	pool    *agent.Pool
	clock   clock.Clock
	metrics http.Handler
}

// NewHandler creates a new handler with the given dependencies
func NewHandler(store Store, orch Orchestrator, pool *agent.Pool, clk clock.Clock, metrics http.Handler) *Handler {
	if clk == nil {
		clk = clock.System{}
	}
	return &Handler{
		store:   store,
		orch:    orch,
		pool:    pool,
		clock:   clk,
		metrics: metrics,
	}
}

// SetupRoutes registers all endpoints on the mux
func (h *Handler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.HealthCheck)
	mux.HandleFunc("/health/db", h.DatabaseHealthCheck)
	if h.metrics != nil {
		mux.Handle("/metrics", h.metrics)
	}

	mux.HandleFunc("/v1/tasks", h.TasksHandler)
	mux.HandleFunc("/v1/tasks/", h.TaskHandler) // /v1/tasks/:id[/retry|/result]
	mux.HandleFunc("/v1/tasks/retry", h.RetryBatch)

	mux.HandleFunc("/v1/outbox", h.ListOutbox)
	mux.HandleFunc("/v1/outbox/", h.OutboxHandler) // /v1/outbox/:taskID/republish

	mux.HandleFunc("/v1/identities", h.ListIdentities)
	mux.HandleFunc("/v1/identities/borrow", h.BorrowIdentity)
	mux.HandleFunc("/v1/identities/", h.IdentityHandler) // /v1/identities/:id/:action

	mux.HandleFunc("/v1/schedules", h.CreateSchedule)
	mux.HandleFunc("/v1/schedules/", h.GetSchedule)

	mux.HandleFunc("/v1/stats", h.Stats)
}

// HealthCheck handles basic health check requests
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	WriteHealthy(w, r, "crawlhub", Version)
}

// DatabaseHealthCheck verifies database connectivity
func (h *Handler) DatabaseHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	if err := h.store.Health(r.Context()); err != nil {
		WriteUnhealthy(w, r, "crawlhub-db", err)
		return
	}
	WriteHealthy(w, r, "crawlhub-db", Version)
}

type createTaskRequest struct {
	SchedulerID int64  `json:"scheduler_id"`
	SellerID    int64  `json:"seller_id"`
	TaskType    string `json:"task_type"`
	Endpoint    string `json:"endpoint"`
}

// TasksHandler handles POST /v1/tasks
func (h *Handler) TasksHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, r, "Invalid request body")
		return
	}
	if req.SellerID == 0 || req.Endpoint == "" {
		BadRequest(w, r, "seller_id and endpoint are required")
		return
	}
	taskType := task.Type(req.TaskType)
	if !taskType.Valid() {
		BadRequest(w, r, "Unknown task_type: "+req.TaskType)
		return
	}

	t, err := h.orch.CreateTask(r.Context(), req.SchedulerID, req.SellerID, taskType, req.Endpoint)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}
	WriteCreated(w, r, taskView(t), "Task created")
}

// TaskHandler handles /v1/tasks/:id, /v1/tasks/:id/retry and /v1/tasks/:id/result
func (h *Handler) TaskHandler(w http.ResponseWriter, r *http.Request) {
	id, action, ok := parseIDPath(r.URL.Path, "/v1/tasks/")
	if !ok {
		BadRequest(w, r, "Invalid task id")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		h.getTask(w, r, id)
	case action == "retry" && r.Method == http.MethodPost:
		h.retryTask(w, r, id)
	case action == "result" && r.Method == http.MethodPost:
		h.taskResult(w, r, id)
	default:
		MethodNotAllowed(w, r)
	}
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request, id int64) {
	t, err := h.store.GetTask(r.Context(), id)
	if errors.Is(err, task.ErrNotFound) {
		NotFound(w, r, "Task not found")
		return
	}
	if err != nil {
		DatabaseError(w, r, err)
		return
	}
	WriteSuccess(w, r, taskView(t), "")
}

func (h *Handler) retryTask(w http.ResponseWriter, r *http.Request, id int64) {
	err := h.orch.RetryTask(r.Context(), id)
	if errors.Is(err, task.ErrNotFound) {
		NotFound(w, r, "Task not found")
		return
	}
	if errors.Is(err, orchestrator.ErrCannotRetry) {
		Conflict(w, r, err.Error())
		return
	}
	if err != nil {
		InternalError(w, r, err)
		return
	}
	WriteSuccess(w, r, nil, "Task queued for retry")
}

type taskResultRequest struct {
	HTTPStatus int    `json:"http_status"`
	Body       string `json:"body"`
	Error      string `json:"error"`
}

func (h *Handler) taskResult(w http.ResponseWriter, r *http.Request, id int64) {
	var req taskResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, r, "Invalid request body")
		return
	}

	err := h.orch.ProcessTaskResult(r.Context(), orchestrator.TaskResult{
		TaskID:     id,
		HTTPStatus: req.HTTPStatus,
		Body:       req.Body,
		Error:      req.Error,
	})
	if errors.Is(err, task.ErrNotFound) {
		NotFound(w, r, "Task not found")
		return
	}
	var stateErr *task.InvalidStateError
	if errors.As(err, &stateErr) {
		Conflict(w, r, stateErr.Error())
		return
	}
	if err != nil {
		InternalError(w, r, err)
		return
	}
	WriteSuccess(w, r, nil, "Result processed")
}

type retryBatchRequest struct {
	TaskIDs []int64 `json:"task_ids"`
}

// RetryBatch handles POST /v1/tasks/retry
func (h *Handler) RetryBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	var req retryBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, r, "Invalid request body")
		return
	}
	if len(req.TaskIDs) == 0 {
		BadRequest(w, r, "task_ids is required")
		return
	}

	report := h.orch.RetryTasks(r.Context(), req.TaskIDs)
	WriteSuccess(w, r, report, "Batch retry finished")
}

// ListOutbox handles GET /v1/outbox?status=failed&limit=50&offset=0
func (h *Handler) ListOutbox(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	var statuses []task.OutboxStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			statuses = append(statuses, task.OutboxStatus(s))
		}
	} else {
		statuses = []task.OutboxStatus{task.OutboxStatusPending, task.OutboxStatusProcessing, task.OutboxStatusFailed}
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	tasks, err := h.store.ListOutbox(r.Context(), statuses, limit, offset)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}

	views := make([]outboxView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, newOutboxView(t))
	}
	WriteSuccess(w, r, map[string]interface{}{"outbox": views, "count": len(views)}, "")
}

// OutboxHandler handles POST /v1/outbox/:taskID/republish
func (h *Handler) OutboxHandler(w http.ResponseWriter, r *http.Request) {
	id, action, ok := parseIDPath(r.URL.Path, "/v1/outbox/")
	if !ok || action != "republish" {
		BadRequest(w, r, "Invalid outbox path")
		return
	}
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	err := h.orch.RepublishOutbox(r.Context(), id)
	if errors.Is(err, task.ErrNotFound) {
		NotFound(w, r, "Task not found")
		return
	}
	if errors.Is(err, task.ErrNoOutbox) {
		NotFound(w, r, "Task has no outbox row")
		return
	}
	if errors.Is(err, orchestrator.ErrOutboxNotResettable) {
		Conflict(w, r, err.Error())
		return
	}
	if err != nil {
		InternalError(w, r, err)
		return
	}
	WriteSuccess(w, r, nil, "Outbox row queued for republish")
}

// ListIdentities handles GET /v1/identities
func (h *Handler) ListIdentities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	identities := h.pool.List()
	views := make([]identityView, 0, len(identities))
	for _, a := range identities {
		views = append(views, newIdentityView(a))
	}
	WriteSuccess(w, r, map[string]interface{}{"identities": views, "count": len(views)}, "")
}

// BorrowIdentity handles POST /v1/identities/borrow. The consumer takes
// the healthiest idle identity out of rotation for one fetch and reports
// back through the return action.
func (h *Handler) BorrowIdentity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	a, err := h.pool.Borrow(h.clock.Now())
	if errors.Is(err, agent.ErrNoIdleIdentity) {
		WriteErrorMessage(w, r, err.Error(), http.StatusServiceUnavailable, ErrCodePoolExhausted)
		return
	}
	if err != nil {
		InternalError(w, r, err)
		return
	}
	if err := h.saveIdentity(r.Context(), a.ID); err != nil {
		DatabaseError(w, r, err)
		return
	}
	WriteSuccess(w, r, borrowedIdentityView(a), "Identity borrowed")
}

type returnIdentityRequest struct {
	HTTPStatus int `json:"http_status"`
}

func (h *Handler) returnIdentity(w http.ResponseWriter, r *http.Request, id int64) {
	var req returnIdentityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, r, "Invalid request body")
		return
	}

	now := h.clock.Now()
	var err error
	if req.HTTPStatus >= 200 && req.HTTPStatus < 300 {
		err = h.pool.ReturnSuccess(id, now)
	} else {
		err = h.pool.ReturnFailure(id, req.HTTPStatus, now)
	}
	h.writeIdentityResult(w, r, id, err)
}

// IdentityHandler handles POST /v1/identities/:id/{block|unblock|reset-health|return}
func (h *Handler) IdentityHandler(w http.ResponseWriter, r *http.Request) {
	id, action, ok := parseIDPath(r.URL.Path, "/v1/identities/")
	if !ok {
		BadRequest(w, r, "Invalid identity id")
		return
	}
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}
	if action == "return" {
		h.returnIdentity(w, r, id)
		return
	}

	now := h.clock.Now()
	var err error
	switch action {
	case "block":
		err = h.pool.Block(id, now)
	case "unblock":
		err = h.pool.Unblock(id, now)
	case "reset-health":
		err = h.pool.ResetHealth(id, now)
	default:
		BadRequest(w, r, "Unknown identity action: "+action)
		return
	}
	h.writeIdentityResult(w, r, id, err)
}

func (h *Handler) writeIdentityResult(w http.ResponseWriter, r *http.Request, id int64, err error) {
	if errors.Is(err, agent.ErrNotFound) {
		NotFound(w, r, "Identity not found")
		return
	}
	var stateErr *agent.InvalidStateError
	if errors.As(err, &stateErr) {
		Conflict(w, r, stateErr.Error())
		return
	}
	if err != nil {
		InternalError(w, r, err)
		return
	}
	if err := h.saveIdentity(r.Context(), id); err != nil {
		DatabaseError(w, r, err)
		return
	}
	WriteSuccess(w, r, nil, "Identity updated")
}

// saveIdentity flushes one identity's in-memory state to the store so it
// survives a restart.
func (h *Handler) saveIdentity(ctx context.Context, id int64) error {
	a, err := h.pool.Snapshot(id)
	if err != nil {
		return err
	}
	return h.store.SaveIdentity(ctx, a)
}

type createScheduleRequest struct {
	SellerID int64  `json:"seller_id"`
	CronExpr string `json:"cron_expr"`
}

// CreateSchedule handles POST /v1/schedules
func (h *Handler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, r, "Invalid request body")
		return
	}
	if req.SellerID == 0 || req.CronExpr == "" {
		BadRequest(w, r, "seller_id and cron_expr are required")
		return
	}

	sched, err := schedule.New(0, req.SellerID, req.CronExpr, h.clock.Now())
	if err != nil {
		WriteErrorMessage(w, r, "Invalid cron expression: "+err.Error(), http.StatusBadRequest, ErrCodeValidation)
		return
	}
	if err := h.store.CreateSchedule(r.Context(), sched); err != nil {
		DatabaseError(w, r, err)
		return
	}
	WriteCreated(w, r, scheduleView(sched), "Schedule created")
}

// GetSchedule handles GET /v1/schedules/:id
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	id, action, ok := parseIDPath(r.URL.Path, "/v1/schedules/")
	if !ok || action != "" {
		BadRequest(w, r, "Invalid schedule id")
		return
	}

	sched, err := h.store.GetSchedule(r.Context(), id)
	if errors.Is(err, schedule.ErrNotFound) {
		NotFound(w, r, "Schedule not found")
		return
	}
	if err != nil {
		DatabaseError(w, r, err)
		return
	}
	WriteSuccess(w, r, scheduleView(sched), "")
}

// Stats handles GET /v1/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	taskCounts, err := h.store.CountTasksByStatus(r.Context())
	if err != nil {
		DatabaseError(w, r, err)
		return
	}
	outboxCounts, err := h.store.CountOutboxByStatus(r.Context())
	if err != nil {
		DatabaseError(w, r, err)
		return
	}

	WriteSuccess(w, r, map[string]interface{}{
		"tasks":      taskCounts,
		"outbox":     outboxCounts,
		"identities": h.pool.CountByStatus(),
	}, "")
}

// parseIDPath extracts the numeric id and optional trailing action from
// a path like /v1/tasks/42/retry.
func parseIDPath(path, prefix string) (int64, string, bool) {
	rest := strings.TrimPrefix(path, prefix)
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return 0, "", false
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", false
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}
	return id, action, true
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
