// Package queue publishes outbox messages to the downstream work queue.
// The queue is a Redis list; the external task consumer pops from the
// other end and dedupes on the idempotency key carried in the envelope.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const defaultQueueKey = "crawlhub:tasks"

// Envelope wraps a serialized task payload with its delivery metadata.
type Envelope struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
}

// Publisher pushes task envelopes onto the work queue.
type Publisher struct {
	client   *redis.Client
	queueKey string
}

// NewPublisher creates a Publisher over the given Redis client. An empty
// queueKey uses the default.
func NewPublisher(client *redis.Client, queueKey string) *Publisher {
	if queueKey == "" {
		queueKey = defaultQueueKey
	}
	return &Publisher{client: client, queueKey: queueKey}
}

// Publish pushes one envelope. A nil error is the positive
// acknowledgement the dispatcher requires before marking an outbox row
// sent.
func (p *Publisher) Publish(ctx context.Context, idempotencyKey, payload string) error {
	envelope, err := json.Marshal(Envelope{
		IdempotencyKey: idempotencyKey,
		Payload:        json.RawMessage(payload),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal queue envelope: %w", err)
	}
	if err := p.client.LPush(ctx, p.queueKey, envelope).Err(); err != nil {
		return fmt.Errorf("failed to publish to queue %s: %w", p.queueKey, err)
	}
	return nil
}

// Depth returns the current queue length, for observability.
func (p *Publisher) Depth(ctx context.Context) (int64, error) {
	return p.client.LLen(ctx, p.queueKey).Result()
}
