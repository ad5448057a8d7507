package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"github.com/crawlhub/crawlhub/internal/task"
)

// ErrCannotRetry is returned when a task is not in a retryable state or
// has exhausted its retry budget.
var ErrCannotRetry = errors.New("task cannot be retried")

// ErrOutboxNotResettable is returned when an outbox row has exhausted
// its retries and must be inspected manually.
var ErrOutboxNotResettable = errors.New("outbox retries exhausted")

// RetryReport summarises a batch retry.
type RetryReport struct {
	Attempted int
	Succeeded int
	Failed    int
}

// RetryTask moves one failed or timed-out task back into the pipeline:
// it applies the retry transition and resets the outbox row so the
// dispatcher republishes the message.
func (s *Service) RetryTask(ctx context.Context, taskID int64) error {
	span := sentry.StartSpan(ctx, "orchestrator.retry_task")
	defer span.Finish()

	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	now := s.clock.Now()

	if !t.AttemptRetry(now) {
		return fmt.Errorf("task %d in status %s with %d retries: %w", t.ID, t.Status, t.RetryCount, ErrCannotRetry)
	}
	if t.HasOutbox() {
		if _, err := t.RequeueOutbox(now); err != nil {
			return err
		}
	}
	if err := s.store.SaveTask(ctx, t); err != nil {
		return fmt.Errorf("failed to save task %d: %w", t.ID, err)
	}
	if s.metrics != nil {
		s.metrics.TaskTransitions.WithLabelValues(string(task.StatusRetry)).Inc()
	}
	log.Info().
		Int64("task_id", t.ID).
		Int("retry_count", t.RetryCount).
		Msg("Task queued for retry")
	return nil
}

// RetryTasks retries a batch of tasks. Each task is attempted
// independently; failures are logged and counted, never aborting the
// batch.
func (s *Service) RetryTasks(ctx context.Context, taskIDs []int64) RetryReport {
	var report RetryReport
	for _, id := range taskIDs {
		report.Attempted++
		if err := s.RetryTask(ctx, id); err != nil {
			report.Failed++
			log.Warn().Err(err).Int64("task_id", id).Msg("Batch retry item failed")
			continue
		}
		report.Succeeded++
	}
	return report
}

// RepublishOutbox resets one task's outbox row to PENDING so the
// dispatcher sends it again. Rows that exhausted their retries are left
// untouched and reported, matching the manual-inspection contract.
func (s *Service) RepublishOutbox(ctx context.Context, taskID int64) error {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Outbox == nil {
		return task.ErrNoOutbox
	}
	now := s.clock.Now()
	ok, err := t.RequeueOutbox(now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("task %d: %w", t.ID, ErrOutboxNotResettable)
	}
	if err := s.store.SaveTask(ctx, t); err != nil {
		return fmt.Errorf("failed to save task %d: %w", t.ID, err)
	}
	log.Info().Int64("task_id", t.ID).Msg("Outbox row reset for republish")
	return nil
}
