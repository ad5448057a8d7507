package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crawlhub/crawlhub/internal/clock"
	"github.com/crawlhub/crawlhub/internal/schedule"
	"github.com/crawlhub/crawlhub/internal/task"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeStore is an in-memory Store for exercising the orchestration
// flows without a database.
type fakeStore struct {
	mu        sync.Mutex
	nextID    int64
	tasks     map[int64]*task.Task
	dedup     map[string]int64
	schedules map[int64]*schedule.Schedule
	failOn    map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:     make(map[int64]*task.Task),
		dedup:     make(map[string]int64),
		schedules: make(map[int64]*schedule.Schedule),
		failOn:    make(map[string]bool),
	}
}

func (f *fakeStore) GetTask(_ context.Context, id int64) (*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, task.ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) SaveTask(_ context.Context, t *task.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn["save"] {
		return fmt.Errorf("save failed")
	}
	if _, ok := f.tasks[t.ID]; !ok {
		return task.ErrNotFound
	}
	f.tasks[t.ID] = t
	return nil
}

func (f *fakeStore) CreateTaskWithOutbox(_ context.Context, t *task.Task, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn["create"] {
		return fmt.Errorf("create failed")
	}
	f.nextID++
	t.AssignID(f.nextID)
	payload, err := t.BuildPayload()
	if err != nil {
		return err
	}
	if err := t.InitializeOutbox(payload, now); err != nil {
		return err
	}
	f.tasks[t.ID] = t
	return nil
}

func (f *fakeStore) CreateChildTask(_ context.Context, t *task.Task, dedupKey string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn["child"] {
		return false, fmt.Errorf("child create failed")
	}
	if _, exists := f.dedup[dedupKey]; exists {
		return false, nil
	}
	f.nextID++
	t.AssignID(f.nextID)
	payload, err := t.BuildPayload()
	if err != nil {
		return false, err
	}
	if err := t.InitializeOutboxWithKey(dedupKey, payload, now); err != nil {
		return false, err
	}
	f.tasks[t.ID] = t
	f.dedup[dedupKey] = t.ID
	return true, nil
}

func (f *fakeStore) SaveSchedule(_ context.Context, s *schedule.Schedule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schedules[s.ID] = s
	return nil
}

func (f *fakeStore) ListDueSchedules(_ context.Context, now time.Time, limit int) ([]*schedule.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []*schedule.Schedule
	for _, s := range f.schedules {
		if s.IsActive() && (s.NextExecutionAt.IsZero() || !s.NextExecutionAt.After(now)) {
			due = append(due, s)
		}
		if len(due) == limit {
			break
		}
	}
	return due, nil
}

func (f *fakeStore) tasksByType(taskType task.Type) []*task.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*task.Task
	for _, t := range f.tasks {
		if t.Type == taskType {
			out = append(out, t)
		}
	}
	return out
}

// recordingNotifier captures notifications for assertions.
type recordingNotifier struct {
	mu       sync.Mutex
	failures []int64
	dead     []int64
}

func (n *recordingNotifier) NotifyTaskFailure(_ context.Context, taskID, _ int64, _ string, _ int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, taskID)
}

func (n *recordingNotifier) NotifyTaskDead(_ context.Context, taskID, _ int64, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dead = append(n.dead, taskID)
}

func newTestService(store *fakeStore, notifier *recordingNotifier) *Service {
	return NewService(store, notifier, clock.Fixed{Time: testNow}, nil, Options{
		BaseURL:  "https://api.example.com",
		PageSize: 50,
	})
}

func runningTask(t *testing.T, store *fakeStore, svc *Service) *task.Task {
	t.Helper()
	created, err := svc.CreateTask(context.Background(), 10, 77, task.TypeDiscovery, "https://api.example.com/sellers/77/minishop")
	require.NoError(t, err)
	require.NoError(t, created.MarkPublished(testNow))
	require.NoError(t, created.MarkRunning(testNow))
	return created
}

func TestCreateTask(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &recordingNotifier{})

	created, err := svc.CreateTask(context.Background(), 10, 77, task.TypeDiscovery, "https://api.example.com/sellers/77/minishop")
	require.NoError(t, err)

	assert.Equal(t, int64(1), created.ID)
	assert.Equal(t, task.StatusWaiting, created.Status)
	require.NotNil(t, created.Outbox)
	assert.Equal(t, "outbox-1", created.Outbox.IdempotencyKey)
	assert.True(t, created.Outbox.IsPending())
}

func TestCreateTaskRejectsUnknownType(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &recordingNotifier{})

	_, err := svc.CreateTask(context.Background(), 10, 77, task.Type("bogus"), "https://api.example.com/x")
	assert.Error(t, err)
}

func TestProcessResultDiscoveryFanOut(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &recordingNotifier{})
	parent := runningTask(t, store, svc)

	body := `{"total_count": 120, "items": [{"item_id": 1001, "url": "https://x/1001"}, {"item_id": 1002, "url": "https://x/1002"}]}`
	err := svc.ProcessTaskResult(context.Background(), TaskResult{
		TaskID:     parent.ID,
		HTTPStatus: 200,
		Body:       body,
	})
	require.NoError(t, err)

	assert.Equal(t, task.StatusSuccess, parent.Status)
	// ceil(120/50) = 3 listing pages, 2 items x (detail + option)
	assert.Len(t, store.tasksByType(task.TypeListing), 3)
	assert.Len(t, store.tasksByType(task.TypeDetail), 2)
	assert.Len(t, store.tasksByType(task.TypeOption), 2)

	// Child outbox keys are deterministic per (seller, type, target)
	keys := make(map[string]bool)
	for _, child := range store.tasksByType(task.TypeDetail) {
		keys[child.Outbox.IdempotencyKey] = true
	}
	assert.True(t, keys["seller-77-detail-item-1001"])
	assert.True(t, keys["seller-77-detail-item-1002"])
}

func TestFanOutReplayIsIdempotent(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &recordingNotifier{})
	parent := runningTask(t, store, svc)

	result := DiscoveryResult{
		TotalCount: 60,
		Items:      []DiscoveredItem{{ItemID: 1001}},
	}

	first := svc.FanOut(context.Background(), parent, result)
	assert.Equal(t, 4, first.Attempted) // 2 pages + detail + option
	assert.Equal(t, 4, first.Created)
	assert.Equal(t, 0, first.Skipped)

	replay := svc.FanOut(context.Background(), parent, result)
	assert.Equal(t, 4, replay.Attempted)
	assert.Equal(t, 0, replay.Created)
	assert.Equal(t, 4, replay.Skipped)
}

func TestFanOutChildFailureDoesNotAbortBatch(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &recordingNotifier{})
	parent := runningTask(t, store, svc)
	store.failOn["child"] = true

	report := svc.FanOut(context.Background(), parent, DiscoveryResult{
		TotalCount: 100,
		Items:      []DiscoveredItem{{ItemID: 1}},
	})

	assert.Equal(t, 4, report.Attempted)
	assert.Equal(t, 4, report.Failed)
	assert.Equal(t, 0, report.Created)
}

func TestProcessResultFailureSchedulesRetry(t *testing.T) {
	store := newFakeStore()
	notifier := &recordingNotifier{}
	svc := newTestService(store, notifier)
	parent := runningTask(t, store, svc)

	err := svc.ProcessTaskResult(context.Background(), TaskResult{
		TaskID:     parent.ID,
		HTTPStatus: 503,
		Error:      "upstream unavailable",
	})
	require.NoError(t, err)

	assert.Equal(t, task.StatusRetry, parent.Status)
	assert.Equal(t, 1, parent.RetryCount)
	assert.True(t, parent.Outbox.IsPending())
	assert.Equal(t, []int64{parent.ID}, notifier.failures)
	assert.Empty(t, notifier.dead)

	// The requeued payload reflects the retry, not the original publish
	var msg task.Message
	require.NoError(t, json.Unmarshal([]byte(parent.Outbox.Payload), &msg))
	assert.Equal(t, 1, msg.RetryCount)
}

func TestProcessResultFailureExhaustedGoesDead(t *testing.T) {
	store := newFakeStore()
	notifier := &recordingNotifier{}
	svc := newTestService(store, notifier)
	parent := runningTask(t, store, svc)

	for i := 0; i < task.MaxTaskRetries; i++ {
		require.NoError(t, svc.ProcessTaskResult(context.Background(), TaskResult{
			TaskID: parent.ID, HTTPStatus: 500, Error: "boom",
		}))
		if parent.Status == task.StatusRetry {
			require.NoError(t, parent.MarkPublishedAfterRetry(testNow))
			require.NoError(t, parent.MarkRunning(testNow))
		}
	}

	// Fourth failure exhausts the budget
	require.NoError(t, svc.ProcessTaskResult(context.Background(), TaskResult{
		TaskID: parent.ID, HTTPStatus: 500, Error: "boom",
	}))

	assert.Equal(t, task.StatusFailed, parent.Status)
	assert.Equal(t, task.MaxTaskRetries, parent.RetryCount)
	assert.Equal(t, []int64{parent.ID}, notifier.dead)
}

func TestProcessResultAcceptsPublishedTask(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &recordingNotifier{})
	created, err := svc.CreateTask(context.Background(), 10, 77, task.TypeDetail, "https://api.example.com/items/1")
	require.NoError(t, err)
	require.NoError(t, created.MarkPublished(testNow))

	err = svc.ProcessTaskResult(context.Background(), TaskResult{
		TaskID: created.ID, HTTPStatus: 200, Body: "{}",
	})
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, created.Status)
}

func TestProcessResultUnknownTask(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &recordingNotifier{})

	err := svc.ProcessTaskResult(context.Background(), TaskResult{TaskID: 999, HTTPStatus: 200})
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestRetryTask(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &recordingNotifier{})
	parent := runningTask(t, store, svc)
	require.NoError(t, parent.MarkFailed(testNow))

	require.NoError(t, svc.RetryTask(context.Background(), parent.ID))
	assert.Equal(t, task.StatusRetry, parent.Status)
	assert.True(t, parent.Outbox.IsPending())
}

func TestRetryTaskRejectsNonRetryable(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &recordingNotifier{})
	parent := runningTask(t, store, svc)
	require.NoError(t, parent.MarkSuccess(testNow))

	err := svc.RetryTask(context.Background(), parent.ID)
	assert.ErrorIs(t, err, ErrCannotRetry)
}

func TestRetryTasksBatchIsolation(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &recordingNotifier{})

	failed := runningTask(t, store, svc)
	require.NoError(t, failed.MarkFailed(testNow))
	succeeded := runningTask(t, store, svc)
	require.NoError(t, succeeded.MarkSuccess(testNow))

	report := svc.RetryTasks(context.Background(), []int64{failed.ID, succeeded.ID, 999})
	assert.Equal(t, 3, report.Attempted)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 2, report.Failed)
}

func TestRepublishOutbox(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &recordingNotifier{})
	created, err := svc.CreateTask(context.Background(), 10, 77, task.TypeDetail, "https://api.example.com/items/1")
	require.NoError(t, err)
	require.NoError(t, created.Outbox.MarkProcessing(testNow))
	require.NoError(t, created.Outbox.MarkFailed(testNow))

	require.NoError(t, svc.RepublishOutbox(context.Background(), created.ID))
	assert.True(t, created.Outbox.IsPending())
}

func TestRepublishOutboxExhausted(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &recordingNotifier{})
	created, err := svc.CreateTask(context.Background(), 10, 77, task.TypeDetail, "https://api.example.com/items/1")
	require.NoError(t, err)
	for i := 0; i < task.MaxTaskRetries; i++ {
		require.NoError(t, created.Outbox.MarkProcessing(testNow))
		require.NoError(t, created.Outbox.MarkFailed(testNow))
	}

	err = svc.RepublishOutbox(context.Background(), created.ID)
	assert.ErrorIs(t, err, ErrOutboxNotResettable)
}

func TestRunDueSchedules(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &recordingNotifier{})

	sched, err := schedule.New(5, 77, "0 3 * * *", testNow.Add(-24*time.Hour))
	require.NoError(t, err)
	// Force the schedule due
	sched.NextExecutionAt = testNow.Add(-time.Minute)
	require.NoError(t, store.SaveSchedule(context.Background(), sched))

	fired, err := svc.RunDueSchedules(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	discoveries := store.tasksByType(task.TypeDiscovery)
	require.Len(t, discoveries, 1)
	assert.Equal(t, int64(5), discoveries[0].SchedulerID)
	assert.Equal(t, int64(77), discoveries[0].SellerID)
	assert.True(t, sched.NextExecutionAt.After(testNow))
}
