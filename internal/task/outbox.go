package task

import (
	"fmt"
	"time"
)

// OutboxStatus represents the dispatch state of an outbox row
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusProcessing OutboxStatus = "processing"
	OutboxStatusSent       OutboxStatus = "sent"
	OutboxStatusFailed     OutboxStatus = "failed"
)

// Outbox is the transactional outbox row owned by a crawl task. It is
// created in the same transaction as the task and advanced by the
// dispatcher; once sent it is never mutated again.
type Outbox struct {
	TaskID         int64
	IdempotencyKey string
	Payload        string
	Status         OutboxStatus
	RetryCount     int
	CreatedAt      time.Time
	ProcessedAt    time.Time

	retry RetryPolicy
}

// NewOutbox creates a pending outbox row for the given task. The
// idempotency key is derived from the task id and never changes for the
// life of the row, so republishes dedupe downstream.
func NewOutbox(taskID int64, payload string, now time.Time) *Outbox {
	return &Outbox{
		TaskID:         taskID,
		IdempotencyKey: fmt.Sprintf("outbox-%d", taskID),
		Payload:        payload,
		Status:         OutboxStatusPending,
		CreatedAt:      now,
		retry:          DefaultRetryPolicy(),
	}
}

// NewOutboxWithKey creates a pending outbox row carrying an explicit
// idempotency key. Fan-out uses this to give child tasks keys that are
// stable across replays of the same parent result.
func NewOutboxWithKey(taskID int64, idempotencyKey, payload string, now time.Time) *Outbox {
	o := NewOutbox(taskID, payload, now)
	o.IdempotencyKey = idempotencyKey
	return o
}

// ReconstituteOutbox restores an outbox row from persisted state.
func ReconstituteOutbox(taskID int64, idempotencyKey, payload string, status OutboxStatus, retryCount int, createdAt, processedAt time.Time) *Outbox {
	return &Outbox{
		TaskID:         taskID,
		IdempotencyKey: idempotencyKey,
		Payload:        payload,
		Status:         status,
		RetryCount:     retryCount,
		CreatedAt:      createdAt,
		ProcessedAt:    processedAt,
		retry:          DefaultRetryPolicy(),
	}
}

// MarkProcessing records that a dispatcher instance has claimed the row.
func (o *Outbox) MarkProcessing(now time.Time) error {
	if o.Status != OutboxStatusPending {
		return &InvalidOutboxStateError{From: o.Status, To: OutboxStatusProcessing}
	}
	o.Status = OutboxStatusProcessing
	o.ProcessedAt = now
	return nil
}

// MarkSent records a positive publish acknowledgement. Terminal.
func (o *Outbox) MarkSent(now time.Time) error {
	if o.Status == OutboxStatusSent {
		return &InvalidOutboxStateError{From: o.Status, To: OutboxStatusSent}
	}
	o.Status = OutboxStatusSent
	o.ProcessedAt = now
	return nil
}

// MarkFailed records a failed publish attempt and counts it against the
// retry cap as a side effect of the transition.
func (o *Outbox) MarkFailed(now time.Time) error {
	if o.Status == OutboxStatusSent {
		return &InvalidOutboxStateError{From: o.Status, To: OutboxStatusFailed}
	}
	o.Status = OutboxStatusFailed
	o.RetryCount++
	o.ProcessedAt = now
	return nil
}

// CanRetry reports whether the row is still below the retry cap.
func (o *Outbox) CanRetry() bool {
	return o.retry.Allows(o.RetryCount)
}

// ResetToPending requeues the row for the dispatcher. Rows that have
// exhausted their retries stay failed for manual inspection, so calling
// this on them is a no-op rather than an error.
func (o *Outbox) ResetToPending(now time.Time) bool {
	if !o.CanRetry() {
		return false
	}
	o.Status = OutboxStatusPending
	o.ProcessedAt = now
	return true
}

// IsPending reports whether the row awaits its first (or next) dispatch.
func (o *Outbox) IsPending() bool { return o.Status == OutboxStatusPending }

// IsSent reports whether the row reached terminal success.
func (o *Outbox) IsSent() bool { return o.Status == OutboxStatusSent }
