package worker

import (
	"context"
	"time"

	"github.com/ayo6706/bounty-escrow/internal/observability"
	"go.uber.org/zap"
)

// EventReplayer re-dispatches failed processor events.
type EventReplayer interface {
	ReplayFailed(ctx context.Context, limit int) (int, error)
}

// EventReplayWorker periodically replays failed processor events that are
// still under the replay cap.
type EventReplayWorker struct {
	replayer  EventReplayer
	batchSize int
	p         *poller
}

func NewEventReplayWorker(replayer EventReplayer) *EventReplayWorker {
	return &EventReplayWorker{
		replayer:  replayer,
		batchSize: 50,
		p:         newPoller("event_replay", time.Minute),
	}
}

func (w *EventReplayWorker) WithInterval(interval time.Duration) *EventReplayWorker {
	w.p.setInterval(interval)
	return w
}

func (w *EventReplayWorker) WithBatchSize(size int) *EventReplayWorker {
	if size > 0 {
		w.batchSize = size
	}
	return w
}

func (w *EventReplayWorker) Start(ctx context.Context) {
	w.p.loop(ctx, w.runOnce, zap.Int("batch", w.batchSize))
}

func (w *EventReplayWorker) Stop() { w.p.stop() }

func (w *EventReplayWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

func (w *EventReplayWorker) runOnce(ctx context.Context) {
	n, err := w.replayer.ReplayFailed(ctx, w.batchSize)
	if err != nil {
		observability.IncrementWorkerRun("event_replay", "failed")
		zap.L().Error("event replay run failed", zap.Error(err))
		return
	}
	if n > 0 {
		zap.L().Info("replayed processor events", zap.Int("count", n))
	}
	observability.IncrementWorkerRun("event_replay", "success")
}
