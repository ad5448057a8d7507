package dispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/crawlhub/crawlhub/internal/clock"
	"github.com/crawlhub/crawlhub/internal/observability"
	"github.com/crawlhub/crawlhub/internal/task"
)

// Store is the persistence surface the dispatcher needs. Claimed rows
// come back in PROCESSING so a second dispatcher instance skips them.
type Store interface {
	ClaimPendingOutbox(ctx context.Context, limit int, now time.Time) ([]*task.Task, error)
	SaveTask(ctx context.Context, t *task.Task) error
}

// Publisher delivers a pre-serialised payload with its idempotency key.
type Publisher interface {
	Publish(ctx context.Context, idempotencyKey, payload string) error
}

// Options configures a Dispatcher.
type Options struct {
	// BatchSize caps how many outbox rows one pass claims.
	BatchSize int
	// PublishRate limits publishes per second. Zero means unlimited.
	PublishRate float64
	// Interval is the polling fallback period between passes.
	Interval time.Duration
}

// Dispatcher drains PENDING outbox rows to the work queue. It is safe
// to run several instances: claims use row locks, and downstream
// consumers dedupe on the idempotency key, so a double-publish after a
// crash is absorbed.
type Dispatcher struct {
	store     Store
	publisher Publisher
	clock     clock.Clock
	metrics   *observability.Metrics
	limiter   *rate.Limiter
	batchSize int
	interval  time.Duration
}

// New creates a dispatcher.
func New(store Store, publisher Publisher, clk clock.Clock, metrics *observability.Metrics, opts Options) *Dispatcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	var limiter *rate.Limiter
	if opts.PublishRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.PublishRate), 1)
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Dispatcher{
		store:     store,
		publisher: publisher,
		clock:     clk,
		metrics:   metrics,
		limiter:   limiter,
		batchSize: opts.BatchSize,
		interval:  opts.Interval,
	}
}

// RunOnce claims and publishes one batch, returning how many rows it
// claimed. Rows are handled independently; a publish failure marks that
// row FAILED and moves on.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	now := d.clock.Now()
	tasks, err := d.store.ClaimPendingOutbox(ctx, d.batchSize, now)
	if err != nil {
		return 0, err
	}

	for _, t := range tasks {
		d.dispatch(ctx, t)
	}
	return len(tasks), nil
}

func (d *Dispatcher) dispatch(ctx context.Context, t *task.Task) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}
	}

	err := d.publisher.Publish(ctx, t.Outbox.IdempotencyKey, t.Outbox.Payload)
	now := d.clock.Now()

	if err != nil {
		log.Warn().Err(err).
			Int64("task_id", t.ID).
			Int("outbox_retry_count", t.Outbox.RetryCount).
			Msg("Outbox publish failed")
		if markErr := t.MarkOutboxFailed(now); markErr != nil {
			log.Error().Err(markErr).Int64("task_id", t.ID).Msg("Failed to mark outbox row failed")
			return
		}
		if d.metrics != nil {
			d.metrics.OutboxDispatch.WithLabelValues("failed").Inc()
		}
		d.save(ctx, t)
		return
	}

	if markErr := t.MarkOutboxSent(now); markErr != nil {
		log.Error().Err(markErr).Int64("task_id", t.ID).Msg("Failed to mark outbox row sent")
		return
	}

	// The message is on the queue; advance the task to PUBLISHED.
	switch t.Status {
	case task.StatusWaiting:
		if err := t.MarkPublished(now); err != nil {
			log.Error().Err(err).Int64("task_id", t.ID).Msg("Failed to mark task published")
		}
	case task.StatusRetry:
		if err := t.MarkPublishedAfterRetry(now); err != nil {
			log.Error().Err(err).Int64("task_id", t.ID).Msg("Failed to mark retried task published")
		}
	}

	if d.metrics != nil {
		d.metrics.OutboxDispatch.WithLabelValues("sent").Inc()
		d.metrics.OutboxLag.Observe(now.Sub(t.Outbox.CreatedAt).Seconds())
	}
	log.Debug().
		Int64("task_id", t.ID).
		Str("idempotency_key", t.Outbox.IdempotencyKey).
		Msg("Outbox row published")
	d.save(ctx, t)
}

func (d *Dispatcher) save(ctx context.Context, t *task.Task) {
	if err := d.store.SaveTask(ctx, t); err != nil {
		log.Error().Err(err).Int64("task_id", t.ID).Msg("Failed to persist dispatched task")
	}
}

// Run drains outbox rows until the context is cancelled. It wakes on
// the listener channel when available and falls back to the polling
// interval otherwise. Each wake drains until a pass claims nothing.
func (d *Dispatcher) Run(ctx context.Context, wake <-chan struct{}) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	log.Info().
		Int("batch_size", d.batchSize).
		Dur("interval", d.interval).
		Msg("Outbox dispatcher started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Outbox dispatcher stopped")
			return
		case <-wake:
		case <-ticker.C:
		}
		d.drain(ctx)
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		n, err := d.RunOnce(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("Outbox dispatch pass failed")
			}
			return
		}
		if n == 0 {
			return
		}
	}
}
