package recovery

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crawlhub/crawlhub/internal/agent"
	"github.com/crawlhub/crawlhub/internal/clock"
	"github.com/crawlhub/crawlhub/internal/task"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu              sync.Mutex
	staleProcessing []*task.Task
	failedOutbox    []*task.Task
	stuckRunning    []*task.Task
	saved           []*task.Task
	saveErrFor      map[int64]bool
}

func (f *fakeStore) FindStaleProcessing(_ context.Context, batchSize int, _ time.Time) ([]*task.Task, error) {
	return capSlice(f.staleProcessing, batchSize), nil
}

func (f *fakeStore) FindFailedOutboxOlderThan(_ context.Context, batchSize int, _ time.Time) ([]*task.Task, error) {
	return capSlice(f.failedOutbox, batchSize), nil
}

func (f *fakeStore) FindRunningOlderThan(_ context.Context, batchSize int, _ time.Time) ([]*task.Task, error) {
	return capSlice(f.stuckRunning, batchSize), nil
}

func (f *fakeStore) SaveTask(_ context.Context, t *task.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErrFor[t.ID] {
		return fmt.Errorf("save failed for %d", t.ID)
	}
	f.saved = append(f.saved, t)
	return nil
}

func capSlice(tasks []*task.Task, limit int) []*task.Task {
	if len(tasks) > limit {
		return tasks[:limit]
	}
	return tasks
}

type recordingNotifier struct {
	mu   sync.Mutex
	dead []int64
}

func (n *recordingNotifier) NotifyTaskFailure(_ context.Context, taskID, _ int64, _ string, _ int) {}

func (n *recordingNotifier) NotifyTaskDead(_ context.Context, taskID, _ int64, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dead = append(n.dead, taskID)
}

func newTestJobs(store *fakeStore, notifier *recordingNotifier) *Jobs {
	return NewJobs(store, notifier, clock.Fixed{Time: testNow}, nil, Options{BatchSize: 10})
}

func taskWithOutbox(t *testing.T, id int64, outboxStatus task.OutboxStatus, outboxRetries int) *task.Task {
	t.Helper()
	created := task.New(10, 77, task.TypeDetail, "https://api.example.com/items/1", testNow)
	created.AssignID(id)
	payload, err := created.BuildPayload()
	require.NoError(t, err)
	require.NoError(t, created.InitializeOutbox(payload, testNow))
	created.Outbox.Status = outboxStatus
	created.Outbox.RetryCount = outboxRetries
	return created
}

func runningTask(t *testing.T, id int64, retryCount int) *task.Task {
	t.Helper()
	created := taskWithOutbox(t, id, task.OutboxStatusSent, 0)
	created.RetryCount = retryCount
	require.NoError(t, created.MarkPublished(testNow))
	require.NoError(t, created.MarkRunning(testNow))
	return created
}

func TestRecoverStaleProcessing(t *testing.T) {
	stuck := taskWithOutbox(t, 1, task.OutboxStatusProcessing, 0)
	exhausted := taskWithOutbox(t, 2, task.OutboxStatusProcessing, task.MaxTaskRetries)
	store := &fakeStore{staleProcessing: []*task.Task{stuck, exhausted}}
	jobs := newTestJobs(store, &recordingNotifier{})

	report, err := jobs.RecoverStaleProcessing(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Report{Attempted: 2, Succeeded: 1, Failed: 1}, report)
	assert.True(t, stuck.Outbox.IsPending())
	// Exhausted rows stay put for manual inspection
	assert.Equal(t, task.OutboxStatusProcessing, exhausted.Outbox.Status)
}

func TestRecoverFailedOutbox(t *testing.T) {
	retryable := taskWithOutbox(t, 1, task.OutboxStatusFailed, 1)
	exhausted := taskWithOutbox(t, 2, task.OutboxStatusFailed, task.MaxTaskRetries)
	store := &fakeStore{failedOutbox: []*task.Task{retryable, exhausted}}
	jobs := newTestJobs(store, &recordingNotifier{})

	report, err := jobs.RecoverFailedOutbox(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Report{Attempted: 1, Succeeded: 1, Failed: 0}, report)
	assert.True(t, retryable.Outbox.IsPending())
	assert.Equal(t, task.OutboxStatusFailed, exhausted.Outbox.Status)
}

func TestRecoverStuckTaskWithRetryBudget(t *testing.T) {
	stuck := runningTask(t, 1, 1)
	store := &fakeStore{stuckRunning: []*task.Task{stuck}}
	notifier := &recordingNotifier{}
	jobs := newTestJobs(store, notifier)

	report, err := jobs.RecoverStuckTasks(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Report{Attempted: 1, Succeeded: 1, Failed: 0}, report)
	assert.Equal(t, task.StatusRetry, stuck.Status)
	assert.Equal(t, 2, stuck.RetryCount)
	assert.True(t, stuck.Outbox.IsPending())
	assert.Empty(t, notifier.dead)
}

func TestRecoverStuckTaskExhausted(t *testing.T) {
	dead := runningTask(t, 1, task.MaxTaskRetries)
	store := &fakeStore{stuckRunning: []*task.Task{dead}}
	notifier := &recordingNotifier{}
	jobs := newTestJobs(store, notifier)

	report, err := jobs.RecoverStuckTasks(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Report{Attempted: 1, Succeeded: 1, Failed: 0}, report)
	assert.Equal(t, task.StatusFailed, dead.Status)
	assert.Equal(t, []int64{dead.ID}, notifier.dead)
}

func TestRecoverStuckTasksRowIsolation(t *testing.T) {
	first := runningTask(t, 1, 0)
	second := runningTask(t, 2, 0)
	store := &fakeStore{
		stuckRunning: []*task.Task{first, second},
		saveErrFor:   map[int64]bool{1: true},
	}
	jobs := newTestJobs(store, &recordingNotifier{})

	report, err := jobs.RecoverStuckTasks(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Report{Attempted: 2, Succeeded: 1, Failed: 1}, report)
	assert.Equal(t, task.StatusRetry, second.Status)
}

func TestRecoveryBatchBound(t *testing.T) {
	var tasks []*task.Task
	for i := int64(1); i <= 5; i++ {
		tasks = append(tasks, taskWithOutbox(t, i, task.OutboxStatusProcessing, 0))
	}
	store := &fakeStore{staleProcessing: tasks}
	jobs := NewJobs(store, nil, clock.Fixed{Time: testNow}, nil, Options{BatchSize: 3})

	report, err := jobs.RecoverStaleProcessing(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Attempted)
}

func TestRunAll(t *testing.T) {
	stale := taskWithOutbox(t, 1, task.OutboxStatusProcessing, 0)
	failed := taskWithOutbox(t, 2, task.OutboxStatusFailed, 0)
	stuck := runningTask(t, 3, 0)
	store := &fakeStore{
		staleProcessing: []*task.Task{stale},
		failedOutbox:    []*task.Task{failed},
		stuckRunning:    []*task.Task{stuck},
	}
	jobs := newTestJobs(store, &recordingNotifier{})

	require.NoError(t, jobs.RunAll(context.Background()))

	assert.True(t, stale.Outbox.IsPending())
	assert.True(t, failed.Outbox.IsPending())
	assert.Equal(t, task.StatusRetry, stuck.Status)
}

type fakeIdentityStore struct {
	mu    sync.Mutex
	saved map[int64]agent.Status
}

func (f *fakeIdentityStore) SaveIdentity(_ context.Context, a *agent.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saved == nil {
		f.saved = make(map[int64]agent.Status)
	}
	f.saved[a.ID] = a.Status
	return nil
}

func TestMaintainPoolPersistsRecoveries(t *testing.T) {
	suspended := agent.NewIdentity(1, "token", "ua", testNow)
	suspended.Status = agent.StatusSuspended
	suspended.LastUsedAt = testNow.Add(-12 * time.Hour)
	pool := agent.NewPool([]*agent.Identity{suspended})

	identities := &fakeIdentityStore{}
	m := NewMonitor(newTestJobs(&fakeStore{}, &recordingNotifier{}), pool, identities, MonitorOptions{})

	m.maintainPool(context.Background())

	got, err := pool.Get(1)
	require.NoError(t, err)
	assert.Equal(t, agent.StatusIdle, got.Status)
	// The recovery reached the store, not just the in-memory pool
	assert.Equal(t, agent.StatusIdle, identities.saved[1])
}

func TestUntilNextMidnight(t *testing.T) {
	now := time.Date(2025, 6, 1, 23, 30, 0, 0, time.UTC)
	assert.Equal(t, 30*time.Minute, untilNextMidnight(now))
}
