package notifications

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type countingNotifier struct {
	failures int
	dead     int
}

func (c *countingNotifier) NotifyTaskFailure(context.Context, int64, int64, string, int) {
	c.failures++
}

func (c *countingNotifier) NotifyTaskDead(context.Context, int64, int64, string) {
	c.dead++
}

func TestMultiFansOutToEveryChannel(t *testing.T) {
	first := &countingNotifier{}
	second := &countingNotifier{}
	multi := Multi{first, second}

	multi.NotifyTaskFailure(context.Background(), 1, 77, "http 503", 1)
	multi.NotifyTaskDead(context.Background(), 1, 77, "boom")

	assert.Equal(t, 1, first.failures)
	assert.Equal(t, 1, first.dead)
	assert.Equal(t, 1, second.failures)
	assert.Equal(t, 1, second.dead)
}

func TestNoopImplementsNotifier(t *testing.T) {
	var n Notifier = Noop{}
	n.NotifyTaskFailure(context.Background(), 1, 2, "x", 0)
	n.NotifyTaskDead(context.Background(), 1, 2, "x")
}
