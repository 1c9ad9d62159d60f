package events

import (
	"context"
	"time"

	"github.com/ayo6706/bounty-escrow/internal/observability"
	"go.uber.org/zap"
)

// AsyncPublisher hands events to a worker pool so callers never wait on the
// broker. Events that cannot be queued or delivered are logged and dropped.
type AsyncPublisher struct {
	next    Publisher
	pool    *Pool
	timeout time.Duration
}

func NewAsyncPublisher(next Publisher, workers, queueSize int, timeout time.Duration) *AsyncPublisher {
	return &AsyncPublisher{
		next:    next,
		pool:    NewPool(workers, queueSize),
		timeout: timeout,
	}
}

func (p *AsyncPublisher) Publish(_ context.Context, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	queued := p.pool.TrySubmit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		if err := p.next.Publish(ctx, event); err != nil {
			observability.IncrementNotificationFailure("publish_error")
			zap.L().Warn("notification publish failed", zap.Error(err), zap.String("type", event.Type), zap.String("key", event.Key))
		}
	})
	if !queued {
		observability.IncrementNotificationFailure("queue_full")
		zap.L().Warn("notification dropped", zap.String("type", event.Type), zap.String("key", event.Key))
	}
	return nil
}

// Close waits for queued events to be attempted.
func (p *AsyncPublisher) Close() {
	p.pool.Stop()
}
