package notifications

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Notifier reports task lifecycle events to operators. Delivery is
// best-effort: implementations log failures and never block callers.
type Notifier interface {
	// NotifyTaskFailure reports a task failure that will be retried.
	NotifyTaskFailure(ctx context.Context, taskID, sellerID int64, reason string, retryCount int)
	// NotifyTaskDead reports a task that has exhausted its retries.
	NotifyTaskDead(ctx context.Context, taskID, sellerID int64, errMsg string)
}

// Noop discards all notifications. Used when no delivery channel is
// configured so callers never need a nil check.
type Noop struct{}

func (Noop) NotifyTaskFailure(_ context.Context, taskID, sellerID int64, reason string, retryCount int) {
	log.Debug().
		Int64("task_id", taskID).
		Int64("seller_id", sellerID).
		Str("reason", reason).
		Int("retry_count", retryCount).
		Msg("Task failure (notifications disabled)")
}

func (Noop) NotifyTaskDead(_ context.Context, taskID, sellerID int64, errMsg string) {
	log.Debug().
		Int64("task_id", taskID).
		Int64("seller_id", sellerID).
		Str("error", errMsg).
		Msg("Task dead (notifications disabled)")
}
