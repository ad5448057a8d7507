package task

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Task is one unit of crawl work. All mutation goes through its
// state-transition methods; callers never write fields directly.
//
// Transitions:
//
//	waiting -> published -> running -> success | failed | timeout
//	failed | timeout -> retry -> published
type Task struct {
	ID          int64 // 0 until persisted
	SchedulerID int64
	SellerID    int64
	Type        Type
	Endpoint    string
	Status      Status
	RetryCount  int
	Outbox      *Outbox
	CreatedAt   time.Time
	UpdatedAt   time.Time

	retry RetryPolicy
}

// New creates a waiting task without an outbox; InitializeOutbox must be
// called before the task is handed to the dispatcher.
func New(schedulerID, sellerID int64, taskType Type, endpoint string, now time.Time) *Task {
	return &Task{
		SchedulerID: schedulerID,
		SellerID:    sellerID,
		Type:        taskType,
		Endpoint:    endpoint,
		Status:      StatusWaiting,
		CreatedAt:   now,
		UpdatedAt:   now,
		retry:       DefaultRetryPolicy(),
	}
}

// Reconstitute restores a task from persisted state.
func Reconstitute(id, schedulerID, sellerID int64, taskType Type, endpoint string, status Status, retryCount int, outbox *Outbox, createdAt, updatedAt time.Time) *Task {
	return &Task{
		ID:          id,
		SchedulerID: schedulerID,
		SellerID:    sellerID,
		Type:        taskType,
		Endpoint:    endpoint,
		Status:      status,
		RetryCount:  retryCount,
		Outbox:      outbox,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
		retry:       DefaultRetryPolicy(),
	}
}

// AssignID records the persistence-assigned id. It only applies once.
func (t *Task) AssignID(id int64) {
	if t.ID == 0 {
		t.ID = id
	}
}

// GenerateIdempotencyKey derives the per-publish message key. The prefix
// is stable per (scheduler, task); the short random suffix keeps retried
// publishes of the same logical task distinguishable per attempt.
func (t *Task) GenerateIdempotencyKey() string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%d-%d-%s", t.SchedulerID, t.ID, suffix)
}

// MarkPublished moves waiting -> published.
func (t *Task) MarkPublished(now time.Time) error {
	return t.transition(StatusWaiting, StatusPublished, now)
}

// MarkRunning moves published -> running.
func (t *Task) MarkRunning(now time.Time) error {
	return t.transition(StatusPublished, StatusRunning, now)
}

// MarkSuccess moves running -> success. Terminal.
func (t *Task) MarkSuccess(now time.Time) error {
	return t.transition(StatusRunning, StatusSuccess, now)
}

// MarkFailed moves running -> failed.
func (t *Task) MarkFailed(now time.Time) error {
	return t.transition(StatusRunning, StatusFailed, now)
}

// MarkTimeout moves running -> timeout.
func (t *Task) MarkTimeout(now time.Time) error {
	return t.transition(StatusRunning, StatusTimeout, now)
}

// FailDirectly aborts a task before it would normally complete, e.g. on a
// validation failure ahead of execution. Allowed from any non-terminal
// state.
func (t *Task) FailDirectly(now time.Time) error {
	if t.Status.IsTerminal() || t.Status == StatusFailed {
		return &InvalidStateError{From: t.Status, To: StatusFailed}
	}
	t.Status = StatusFailed
	t.UpdatedAt = now
	return nil
}

// CanRetry reports whether the task is in a retryable status with retries
// remaining.
func (t *Task) CanRetry() bool {
	retryable := t.Status == StatusFailed || t.Status == StatusTimeout
	return retryable && t.retry.Allows(t.RetryCount)
}

// AttemptRetry moves failed|timeout -> retry, counting the attempt. It
// returns false without mutating anything when the task is not
// retryable, letting the caller branch to terminal handling instead of
// catching an error.
func (t *Task) AttemptRetry(now time.Time) bool {
	if !t.CanRetry() {
		return false
	}
	t.RetryCount++
	t.Status = StatusRetry
	t.UpdatedAt = now
	return true
}

// MarkPublishedAfterRetry moves retry -> published so the task flows
// through the normal republish path.
func (t *Task) MarkPublishedAfterRetry(now time.Time) error {
	return t.transition(StatusRetry, StatusPublished, now)
}

// InitializeOutbox creates the task's outbox row. Exactly one outbox
// exists per task, created once.
func (t *Task) InitializeOutbox(payload string, now time.Time) error {
	if t.Outbox != nil {
		return ErrOutboxExists
	}
	t.Outbox = NewOutbox(t.ID, payload, now)
	return nil
}

// InitializeOutboxWithKey creates the task's outbox row with an
// explicit idempotency key instead of the default derived one.
func (t *Task) InitializeOutboxWithKey(idempotencyKey, payload string, now time.Time) error {
	if t.Outbox != nil {
		return ErrOutboxExists
	}
	t.Outbox = NewOutboxWithKey(t.ID, idempotencyKey, payload, now)
	return nil
}

// ChildKey builds the deterministic creation key for a fan-out child.
// Replaying the same parent result yields the same key, so duplicate
// children are rejected at insert time.
func ChildKey(sellerID int64, taskType Type, target string) string {
	return fmt.Sprintf("seller-%d-%s-%s", sellerID, taskType, target)
}

// RequeueOutbox resets the outbox row for republish and rebuilds its
// payload, so the republished message carries the task's current retry
// count instead of the one serialised at creation. Returns false when
// the row has exhausted its retries and stays put.
func (t *Task) RequeueOutbox(now time.Time) (bool, error) {
	if t.Outbox == nil {
		return false, ErrNoOutbox
	}
	if !t.Outbox.ResetToPending(now) {
		return false, nil
	}
	payload, err := t.BuildPayload()
	if err != nil {
		return false, err
	}
	t.Outbox.Payload = payload
	return true, nil
}

// MarkOutboxSent records a positive publish acknowledgement on the
// embedded outbox.
func (t *Task) MarkOutboxSent(now time.Time) error {
	if t.Outbox == nil {
		return ErrNoOutbox
	}
	return t.Outbox.MarkSent(now)
}

// MarkOutboxFailed records a failed publish attempt on the embedded outbox.
func (t *Task) MarkOutboxFailed(now time.Time) error {
	if t.Outbox == nil {
		return ErrNoOutbox
	}
	return t.Outbox.MarkFailed(now)
}

// HasOutbox reports whether the outbox row exists.
func (t *Task) HasOutbox() bool { return t.Outbox != nil }

// HasOutboxPending reports whether the outbox exists and awaits dispatch.
func (t *Task) HasOutboxPending() bool { return t.Outbox != nil && t.Outbox.IsPending() }

func (t *Task) transition(from, to Status, now time.Time) error {
	if t.Status != from {
		return &InvalidStateError{From: t.Status, To: to}
	}
	t.Status = to
	t.UpdatedAt = now
	return nil
}

// Message is the outbox payload shape published to the work queue. The
// JSON field names are a wire contract with the downstream consumer.
type Message struct {
	TaskID     int64  `json:"task_id"`
	SellerID   int64  `json:"seller_id"`
	TaskType   Type   `json:"task_type"`
	TargetURL  string `json:"target_url"`
	RetryCount int    `json:"retry_count"`
}

// BuildPayload serialises the task into its outbox message payload.
func (t *Task) BuildPayload() (string, error) {
	msg := Message{
		TaskID:     t.ID,
		SellerID:   t.SellerID,
		TaskType:   t.Type,
		TargetURL:  t.Endpoint,
		RetryCount: t.RetryCount,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal task payload: %w", err)
	}
	return string(b), nil
}
