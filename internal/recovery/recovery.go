package recovery

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/crawlhub/crawlhub/internal/clock"
	"github.com/crawlhub/crawlhub/internal/notifications"
	"github.com/crawlhub/crawlhub/internal/observability"
	"github.com/crawlhub/crawlhub/internal/task"
)

// Store is the persistence surface the recovery jobs need.
type Store interface {
	FindStaleProcessing(ctx context.Context, batchSize int, cutoff time.Time) ([]*task.Task, error)
	FindFailedOutboxOlderThan(ctx context.Context, batchSize int, cutoff time.Time) ([]*task.Task, error)
	FindRunningOlderThan(ctx context.Context, batchSize int, cutoff time.Time) ([]*task.Task, error)
	SaveTask(ctx context.Context, t *task.Task) error
}

// Report counts the rows a recovery pass touched.
type Report struct {
	Attempted int
	Succeeded int
	Failed    int
}

// Options bounds each recovery job.
type Options struct {
	BatchSize         int
	ProcessingTimeout time.Duration
	FailedRetryDelay  time.Duration
	RunningTimeout    time.Duration
}

// Jobs holds the three idempotent recovery operations. Each processes
// its batch row by row; one row's failure never blocks the rest.
type Jobs struct {
	store    Store
	notifier notifications.Notifier
	clock    clock.Clock
	metrics  *observability.Metrics
	opts     Options
}

// NewJobs creates the recovery job set.
func NewJobs(store Store, notifier notifications.Notifier, clk clock.Clock, metrics *observability.Metrics, opts Options) *Jobs {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.ProcessingTimeout <= 0 {
		opts.ProcessingTimeout = 5 * time.Minute
	}
	if opts.FailedRetryDelay <= 0 {
		opts.FailedRetryDelay = 10 * time.Minute
	}
	if opts.RunningTimeout <= 0 {
		opts.RunningTimeout = time.Hour
	}
	if notifier == nil {
		notifier = notifications.Noop{}
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Jobs{store: store, notifier: notifier, clock: clk, metrics: metrics, opts: opts}
}

// RecoverStaleProcessing resets outbox rows stuck in PROCESSING back to
// PENDING. A stuck row means a dispatcher crashed between claim and
// acknowledgement; the idempotency key absorbs any double-publish.
func (j *Jobs) RecoverStaleProcessing(ctx context.Context) (Report, error) {
	now := j.clock.Now()
	cutoff := now.Add(-j.opts.ProcessingTimeout)
	tasks, err := j.store.FindStaleProcessing(ctx, j.opts.BatchSize, cutoff)
	if err != nil {
		return Report{}, err
	}

	var report Report
	for _, t := range tasks {
		report.Attempted++
		if t.Outbox == nil || !t.Outbox.ResetToPending(now) {
			report.Failed++
			continue
		}
		if err := j.store.SaveTask(ctx, t); err != nil {
			report.Failed++
			log.Error().Err(err).Int64("task_id", t.ID).Msg("Failed to reset stale processing row")
			continue
		}
		report.Succeeded++
	}
	j.record("stale_processing", report)
	return report, nil
}

// RecoverFailedOutbox requeues FAILED outbox rows that still have retry
// budget. Exhausted rows stay FAILED for manual inspection.
func (j *Jobs) RecoverFailedOutbox(ctx context.Context) (Report, error) {
	now := j.clock.Now()
	cutoff := now.Add(-j.opts.FailedRetryDelay)
	tasks, err := j.store.FindFailedOutboxOlderThan(ctx, j.opts.BatchSize, cutoff)
	if err != nil {
		return Report{}, err
	}

	var report Report
	for _, t := range tasks {
		if t.Outbox == nil || !t.Outbox.CanRetry() {
			continue
		}
		report.Attempted++
		if !t.Outbox.ResetToPending(now) {
			report.Failed++
			continue
		}
		if err := j.store.SaveTask(ctx, t); err != nil {
			report.Failed++
			log.Error().Err(err).Int64("task_id", t.ID).Msg("Failed to requeue failed outbox row")
			continue
		}
		report.Succeeded++
	}
	j.record("failed_outbox", report)
	return report, nil
}

// RecoverStuckTasks times out RUNNING tasks whose consumer never
// reported back. Timed-out tasks with retry budget go back through the
// pipeline; exhausted ones stay FAILED and raise a dead-task alert.
func (j *Jobs) RecoverStuckTasks(ctx context.Context) (Report, error) {
	now := j.clock.Now()
	cutoff := now.Add(-j.opts.RunningTimeout)
	tasks, err := j.store.FindRunningOlderThan(ctx, j.opts.BatchSize, cutoff)
	if err != nil {
		return Report{}, err
	}

	var report Report
	for _, t := range tasks {
		report.Attempted++
		if err := j.recoverStuckTask(ctx, t, now); err != nil {
			report.Failed++
			log.Error().Err(err).
				Int64("task_id", t.ID).
				Int64("seller_id", t.SellerID).
				Msg("Failed to recover stuck task")
			continue
		}
		report.Succeeded++
	}
	j.record("stuck_tasks", report)
	return report, nil
}

func (j *Jobs) recoverStuckTask(ctx context.Context, t *task.Task, now time.Time) error {
	if err := t.MarkTimeout(now); err != nil {
		return err
	}

	if t.AttemptRetry(now) {
		if t.HasOutbox() {
			if _, err := t.RequeueOutbox(now); err != nil {
				return err
			}
		}
		if err := j.store.SaveTask(ctx, t); err != nil {
			return err
		}
		log.Warn().
			Int64("task_id", t.ID).
			Int64("seller_id", t.SellerID).
			Int("retry_count", t.RetryCount).
			Msg("Stuck task timed out, retry scheduled")
		return nil
	}

	if err := t.FailDirectly(now); err != nil {
		return err
	}
	if err := j.store.SaveTask(ctx, t); err != nil {
		return err
	}
	log.Error().
		Int64("task_id", t.ID).
		Int64("seller_id", t.SellerID).
		Msg("Stuck task dead, retries exhausted")
	j.notifier.NotifyTaskDead(ctx, t.ID, t.SellerID, "task timed out with no retries left")
	return nil
}

// RunAll executes the three jobs concurrently and returns the first
// query-level error. Per-row failures are absorbed into the reports.
func (j *Jobs) RunAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := j.RecoverStaleProcessing(ctx)
		return err
	})
	g.Go(func() error {
		_, err := j.RecoverFailedOutbox(ctx)
		return err
	})
	g.Go(func() error {
		_, err := j.RecoverStuckTasks(ctx)
		return err
	})
	return g.Wait()
}

func (j *Jobs) record(job string, report Report) {
	if report.Attempted == 0 {
		return
	}
	if j.metrics != nil {
		j.metrics.RecoveryRuns.WithLabelValues(job, "succeeded").Add(float64(report.Succeeded))
		j.metrics.RecoveryRuns.WithLabelValues(job, "failed").Add(float64(report.Failed))
	}
	log.Info().
		Str("job", job).
		Int("attempted", report.Attempted).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Msg("Recovery pass finished")
}
