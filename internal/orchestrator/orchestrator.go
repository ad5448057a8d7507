package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"github.com/crawlhub/crawlhub/internal/clock"
	"github.com/crawlhub/crawlhub/internal/notifications"
	"github.com/crawlhub/crawlhub/internal/observability"
	"github.com/crawlhub/crawlhub/internal/schedule"
	"github.com/crawlhub/crawlhub/internal/task"
)

// Store is the persistence surface the orchestrator needs.
type Store interface {
	GetTask(ctx context.Context, id int64) (*task.Task, error)
	SaveTask(ctx context.Context, t *task.Task) error
	CreateTaskWithOutbox(ctx context.Context, t *task.Task, now time.Time) error
	CreateChildTask(ctx context.Context, t *task.Task, dedupKey string, now time.Time) (bool, error)
	SaveSchedule(ctx context.Context, s *schedule.Schedule) error
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]*schedule.Schedule, error)
}

// Options configures a Service.
type Options struct {
	// BaseURL is the root of the marketplace API the crawlers target.
	BaseURL string
	// PageSize is the item count per listing page used for fan-out.
	PageSize int
}

// Service coordinates the task lifecycle: schedule ticks create
// discovery tasks, discovery results fan out into listing, detail and
// option tasks, and failures flow through the retry policy.
type Service struct {
	store    Store
	notifier notifications.Notifier
	clock    clock.Clock
	metrics  *observability.Metrics
	retry    task.RetryPolicy
	baseURL  string
	pageSize int
}

// NewService creates an orchestration service.
func NewService(store Store, notifier notifications.Notifier, clk clock.Clock, metrics *observability.Metrics, opts Options) *Service {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.mustit.example"
	}
	if notifier == nil {
		notifier = notifications.Noop{}
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Service{
		store:    store,
		notifier: notifier,
		clock:    clk,
		metrics:  metrics,
		retry:    task.DefaultRetryPolicy(),
		baseURL:  opts.BaseURL,
		pageSize: opts.PageSize,
	}
}

// CreateTask persists a new task together with its outbox row. The
// dispatcher picks the row up asynchronously.
func (s *Service) CreateTask(ctx context.Context, schedulerID, sellerID int64, taskType task.Type, endpoint string) (*task.Task, error) {
	span := sentry.StartSpan(ctx, "orchestrator.create_task")
	defer span.Finish()

	if !taskType.Valid() {
		return nil, fmt.Errorf("invalid task type: %s", taskType)
	}
	now := s.clock.Now()
	t := task.New(schedulerID, sellerID, taskType, endpoint, now)
	if err := s.store.CreateTaskWithOutbox(ctx, t, now); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	if s.metrics != nil {
		s.metrics.TasksCreated.WithLabelValues(string(taskType)).Inc()
	}
	log.Info().
		Int64("task_id", t.ID).
		Int64("seller_id", sellerID).
		Str("task_type", string(taskType)).
		Msg("Created crawl task")
	return t, nil
}

// HandleScheduleTick fires one due schedule: it rolls the schedule
// forward and creates the seller's discovery task with its outbox row.
func (s *Service) HandleScheduleTick(ctx context.Context, sched *schedule.Schedule) error {
	now := s.clock.Now()
	if err := sched.MarkFired(now); err != nil {
		return err
	}
	if err := s.store.SaveSchedule(ctx, sched); err != nil {
		return fmt.Errorf("failed to save schedule %d: %w", sched.ID, err)
	}

	endpoint := s.discoveryEndpoint(sched.SellerID)
	_, err := s.CreateTask(ctx, sched.ID, sched.SellerID, task.TypeDiscovery, endpoint)
	return err
}

// RunDueSchedules fires every schedule whose next execution time has
// passed. Schedules are processed independently so one failure does not
// stop the remainder.
func (s *Service) RunDueSchedules(ctx context.Context, limit int) (int, error) {
	span := sentry.StartSpan(ctx, "orchestrator.run_due_schedules")
	defer span.Finish()

	now := s.clock.Now()
	due, err := s.store.ListDueSchedules(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list due schedules: %w", err)
	}

	fired := 0
	for _, sched := range due {
		if !sched.ShouldFire(now) {
			continue
		}
		if err := s.HandleScheduleTick(ctx, sched); err != nil {
			log.Error().Err(err).
				Int64("schedule_id", sched.ID).
				Int64("seller_id", sched.SellerID).
				Msg("Failed to fire schedule")
			continue
		}
		fired++
	}
	return fired, nil
}

func (s *Service) discoveryEndpoint(sellerID int64) string {
	return fmt.Sprintf("%s/sellers/%d/minishop", s.baseURL, sellerID)
}

func (s *Service) listingEndpoint(sellerID int64, page int) string {
	return fmt.Sprintf("%s/sellers/%d/items?page=%d&size=%d", s.baseURL, sellerID, page, s.pageSize)
}

func (s *Service) detailEndpoint(itemID int64) string {
	return fmt.Sprintf("%s/items/%d", s.baseURL, itemID)
}

func (s *Service) optionEndpoint(itemID int64) string {
	return fmt.Sprintf("%s/items/%d/options", s.baseURL, itemID)
}
