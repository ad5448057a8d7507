package task

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when a referenced task does not exist.
var ErrNotFound = errors.New("task not found")

// ErrOutboxExists is returned when InitializeOutbox is called on a task
// that already owns an outbox row.
var ErrOutboxExists = errors.New("outbox already initialised")

// ErrNoOutbox is returned when an outbox operation is invoked on a task
// that never initialised one.
var ErrNoOutbox = errors.New("outbox not initialised")

// InvalidStateError reports a transition whose precondition failed. It is
// always a caller ordering bug, never retried.
type InvalidStateError struct {
	From Status
	To   Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid task state transition: %s -> %s", e.From, e.To)
}

// InvalidOutboxStateError is the outbox counterpart of InvalidStateError.
type InvalidOutboxStateError struct {
	From OutboxStatus
	To   OutboxStatus
}

func (e *InvalidOutboxStateError) Error() string {
	return fmt.Sprintf("invalid outbox state transition: %s -> %s", e.From, e.To)
}
