package notifications

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/crawlhub/crawlhub/internal/loops"
)

// EmailNotifier escalates task outcomes to the operations inbox via
// Loops. Retryable failures raise an event (useful for automations and
// digests); dead tasks send a transactional email immediately. The
// transactional send carries an idempotency key so repeated dead-task
// reports within a day collapse into one email.
type EmailNotifier struct {
	client          *loops.Client
	recipient       string
	deadTaskTmplID  string
	failureEvent    string
	deliveryTimeout time.Duration
}

// NewEmailNotifier creates a notifier escalating to the given address.
func NewEmailNotifier(client *loops.Client, recipient, deadTaskTmplID string) *EmailNotifier {
	return &EmailNotifier{
		client:          client,
		recipient:       recipient,
		deadTaskTmplID:  deadTaskTmplID,
		failureEvent:    "crawl-task-failed",
		deliveryTimeout: 10 * time.Second,
	}
}

func (e *EmailNotifier) NotifyTaskFailure(_ context.Context, taskID, sellerID int64, reason string, retryCount int) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.deliveryTimeout)
		defer cancel()

		err := e.client.SendEvent(ctx, &loops.EventRequest{
			Email:     e.recipient,
			EventName: e.failureEvent,
			EventProperties: map[string]any{
				"taskId":     taskID,
				"sellerId":   sellerID,
				"reason":     reason,
				"retryCount": retryCount,
			},
		})
		if err != nil {
			log.Warn().Err(err).Int64("task_id", taskID).Msg("Failed to send failure event email")
		}
	}()
}

func (e *EmailNotifier) NotifyTaskDead(_ context.Context, taskID, sellerID int64, errMsg string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.deliveryTimeout)
		defer cancel()

		err := e.client.SendTransactional(ctx, &loops.TransactionalRequest{
			Email:           e.recipient,
			TransactionalID: e.deadTaskTmplID,
			DataVariables: map[string]any{
				"taskId":   taskID,
				"sellerId": sellerID,
				"error":    errMsg,
			},
			IdempotencyKey: fmt.Sprintf("dead-task-%d", taskID),
		})
		if err != nil {
			log.Error().Err(err).Int64("task_id", taskID).Msg("Failed to send dead-task email")
			return
		}
		log.Info().Int64("task_id", taskID).Msg("Dead-task email sent")
	}()
}

// Multi fans one notification out to every channel.
type Multi []Notifier

func (m Multi) NotifyTaskFailure(ctx context.Context, taskID, sellerID int64, reason string, retryCount int) {
	for _, n := range m {
		n.NotifyTaskFailure(ctx, taskID, sellerID, reason, retryCount)
	}
}

func (m Multi) NotifyTaskDead(ctx context.Context, taskID, sellerID int64, errMsg string) {
	for _, n := range m {
		n.NotifyTaskDead(ctx, taskID, sellerID, errMsg)
	}
}
