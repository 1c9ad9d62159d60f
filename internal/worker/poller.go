package worker

import (
	"context"
	"sync"
	"time"

	"github.com/ayo6706/bounty-escrow/internal/observability"
	"go.uber.org/zap"
)

// poller is the ticker loop shared by the background workers. A pass that
// panics is logged and counted; the loop keeps running.
type poller struct {
	name      string
	interval  time.Duration
	immediate bool
	stopCh    chan struct{}
	stopOnce  sync.Once
}

func newPoller(name string, interval time.Duration) *poller {
	return &poller{name: name, interval: interval, stopCh: make(chan struct{})}
}

func (p *poller) setInterval(d time.Duration) {
	if d > 0 {
		p.interval = d
	}
}

// loop blocks until ctx is done or stop is called.
func (p *poller) loop(ctx context.Context, pass func(context.Context), fields ...zap.Field) {
	log := zap.L().With(zap.String("worker", p.name))
	log.Info("worker starting", append(fields, zap.Duration("interval", p.interval))...)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	if p.immediate {
		p.safePass(ctx, log, pass)
	}
	for {
		select {
		case <-ctx.Done():
			log.Info("worker context canceled")
			return
		case <-p.stopCh:
			log.Info("worker stopped")
			return
		case <-ticker.C:
			p.safePass(ctx, log, pass)
		}
	}
}

func (p *poller) safePass(ctx context.Context, log *zap.Logger, pass func(context.Context)) {
	defer func() {
		if rec := recover(); rec != nil {
			observability.IncrementWorkerRun(p.name, "panic")
			log.Error("worker pass panicked", zap.Any("panic", rec), zap.Stack("stack"))
		}
	}()
	pass(ctx)
}

func (p *poller) stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}
