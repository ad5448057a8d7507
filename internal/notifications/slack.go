package notifications

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
)

// SlackNotifier posts task lifecycle alerts to a Slack channel.
// Delivery runs in a goroutine with its own timeout so that a slow or
// unreachable Slack API never delays task processing.
type SlackNotifier struct {
	client  *slack.Client
	channel string
	timeout time.Duration
}

// NewSlackNotifier creates a notifier posting to the given channel
// using a bot token.
func NewSlackNotifier(token, channel string) *SlackNotifier {
	return &SlackNotifier{
		client:  slack.New(token),
		channel: channel,
		timeout: 10 * time.Second,
	}
}

func (s *SlackNotifier) NotifyTaskFailure(_ context.Context, taskID, sellerID int64, reason string, retryCount int) {
	fallback := fmt.Sprintf("Crawl task %d failed (seller %d, attempt %d): %s", taskID, sellerID, retryCount, reason)
	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", ":warning: *Crawl task failed, retry scheduled*", false, false),
			nil, nil,
		),
		slack.NewSectionBlock(nil, []*slack.TextBlockObject{
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Task:* %d", taskID), false, false),
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Seller:* %d", sellerID), false, false),
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Attempt:* %d", retryCount), false, false),
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Reason:* %s", reason), false, false),
		}, nil),
	}
	s.post(taskID, fallback, blocks)
}

func (s *SlackNotifier) NotifyTaskDead(_ context.Context, taskID, sellerID int64, errMsg string) {
	fallback := fmt.Sprintf("Crawl task %d is dead (seller %d): %s", taskID, sellerID, errMsg)
	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", ":rotating_light: *Crawl task exhausted all retries*", false, false),
			nil, nil,
		),
		slack.NewSectionBlock(nil, []*slack.TextBlockObject{
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Task:* %d", taskID), false, false),
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Seller:* %d", sellerID), false, false),
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Error:* %s", errMsg), false, false),
		}, nil),
	}
	s.post(taskID, fallback, blocks)
}

// post delivers asynchronously. Failures are logged and dropped.
func (s *SlackNotifier) post(taskID int64, fallback string, blocks []slack.Block) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		_, _, err := s.client.PostMessageContext(
			ctx,
			s.channel,
			slack.MsgOptionBlocks(blocks...),
			slack.MsgOptionText(fallback, false),
		)
		if err != nil {
			log.Error().Err(err).
				Int64("task_id", taskID).
				Str("channel", s.channel).
				Msg("Failed to deliver Slack notification")
			return
		}
		log.Debug().Int64("task_id", taskID).Msg("Delivered Slack notification")
	}()
}
