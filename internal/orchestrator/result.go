package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"github.com/crawlhub/crawlhub/internal/task"
)

// TaskResult carries a consumer's report for a completed crawl attempt.
// Either Body holds the fetched response or Error describes the failure.
type TaskResult struct {
	TaskID     int64
	HTTPStatus int
	Body       string
	Error      string
}

// Succeeded reports whether the attempt fetched a usable response.
func (r TaskResult) Succeeded() bool {
	return r.Error == "" && r.HTTPStatus >= 200 && r.HTTPStatus < 300
}

// DiscoveryResult is the parsed body of a discovery task's response.
type DiscoveryResult struct {
	TotalCount int              `json:"total_count"`
	Items      []DiscoveredItem `json:"items"`
}

// DiscoveredItem is one catalogue item found on the seller's shop front.
type DiscoveredItem struct {
	ItemID int64  `json:"item_id"`
	URL    string `json:"url"`
}

// FanOutReport summarises a batch of child-task creations.
type FanOutReport struct {
	Attempted int
	Created   int
	Skipped   int
	Failed    int
}

// ProcessTaskResult consumes a crawl attempt's outcome. Success moves
// the task to its terminal state and, for discovery tasks, fans out the
// child workload. Failure flows through the retry policy: retryable
// failures move to RETRY with the outbox reset for republish, exhausted
// ones stay FAILED and raise a dead-task notification.
func (s *Service) ProcessTaskResult(ctx context.Context, result TaskResult) error {
	span := sentry.StartSpan(ctx, "orchestrator.process_task_result")
	defer span.Finish()

	t, err := s.store.GetTask(ctx, result.TaskID)
	if err != nil {
		return err
	}
	now := s.clock.Now()

	// Consumers that crash before reporting a claim leave the task in
	// PUBLISHED; accept the result anyway.
	if t.Status == task.StatusPublished {
		if err := t.MarkRunning(now); err != nil {
			return err
		}
	}

	if result.Succeeded() {
		return s.handleSuccess(ctx, t, result)
	}
	return s.handleFailure(ctx, t, result)
}

func (s *Service) handleSuccess(ctx context.Context, t *task.Task, result TaskResult) error {
	now := s.clock.Now()
	if err := t.MarkSuccess(now); err != nil {
		return err
	}
	if err := s.store.SaveTask(ctx, t); err != nil {
		return fmt.Errorf("failed to save task %d: %w", t.ID, err)
	}
	if s.metrics != nil {
		s.metrics.TaskTransitions.WithLabelValues(string(task.StatusSuccess)).Inc()
	}
	log.Info().
		Int64("task_id", t.ID).
		Int64("seller_id", t.SellerID).
		Str("task_type", string(t.Type)).
		Msg("Task completed")

	if t.Type != task.TypeDiscovery {
		return nil
	}

	var parsed DiscoveryResult
	if err := json.Unmarshal([]byte(result.Body), &parsed); err != nil {
		return fmt.Errorf("failed to parse discovery result for task %d: %w", t.ID, err)
	}
	report := s.FanOut(ctx, t, parsed)
	log.Info().
		Int64("task_id", t.ID).
		Int64("seller_id", t.SellerID).
		Int("attempted", report.Attempted).
		Int("created", report.Created).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Msg("Discovery fan-out finished")
	return nil
}

func (s *Service) handleFailure(ctx context.Context, t *task.Task, result TaskResult) error {
	now := s.clock.Now()
	reason := result.Error
	if reason == "" {
		reason = fmt.Sprintf("http %d", result.HTTPStatus)
	}

	if err := t.MarkFailed(now); err != nil {
		return err
	}

	if t.AttemptRetry(now) {
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
		log.Warn().
			Int64("task_id", t.ID).
			Int64("seller_id", t.SellerID).
			Str("reason", reason).
			Int("retry_count", t.RetryCount).
			Msg("Task failed, retry scheduled")
		s.notifier.NotifyTaskFailure(ctx, t.ID, t.SellerID, reason, t.RetryCount)
		return nil
	}

	// Retries exhausted: FAILED is terminal for this task.
	if err := s.store.SaveTask(ctx, t); err != nil {
		return fmt.Errorf("failed to save task %d: %w", t.ID, err)
	}
	if s.metrics != nil {
		s.metrics.TaskTransitions.WithLabelValues(string(task.StatusFailed)).Inc()
	}
	log.Error().
		Int64("task_id", t.ID).
		Int64("seller_id", t.SellerID).
		Str("reason", reason).
		Int("retry_count", t.RetryCount).
		Msg("Task dead, retries exhausted")
	s.notifier.NotifyTaskDead(ctx, t.ID, t.SellerID, reason)
	return nil
}

// FanOut expands one discovery result into the seller's child workload:
// ceil(total/pageSize) listing tasks plus a detail and an option task
// per discovered item. Each child is created independently; a failure
// is logged and counted but never aborts the remaining commands.
func (s *Service) FanOut(ctx context.Context, parent *task.Task, result DiscoveryResult) FanOutReport {
	span := sentry.StartSpan(ctx, "orchestrator.fan_out")
	defer span.Finish()

	var report FanOutReport

	pages := (result.TotalCount + s.pageSize - 1) / s.pageSize
	for page := 1; page <= pages; page++ {
		s.createChild(ctx, parent, task.TypeListing,
			s.listingEndpoint(parent.SellerID, page),
			"page-"+strconv.Itoa(page), &report)
	}

	for _, item := range result.Items {
		target := "item-" + strconv.FormatInt(item.ItemID, 10)
		s.createChild(ctx, parent, task.TypeDetail, s.detailEndpoint(item.ItemID), target, &report)
		s.createChild(ctx, parent, task.TypeOption, s.optionEndpoint(item.ItemID), target, &report)
	}

	return report
}

func (s *Service) createChild(ctx context.Context, parent *task.Task, taskType task.Type, endpoint, target string, report *FanOutReport) {
	report.Attempted++
	now := s.clock.Now()
	child := task.New(parent.SchedulerID, parent.SellerID, taskType, endpoint, now)
	key := task.ChildKey(parent.SellerID, taskType, target)

	created, err := s.store.CreateChildTask(ctx, child, key, now)
	if err != nil {
		report.Failed++
		log.Error().Err(err).
			Int64("seller_id", parent.SellerID).
			Str("task_type", string(taskType)).
			Str("target", target).
			Msg("Failed to create child task")
		return
	}
	if !created {
		report.Skipped++
		return
	}
	report.Created++
	if s.metrics != nil {
		s.metrics.TasksCreated.WithLabelValues(string(taskType)).Inc()
	}
}
