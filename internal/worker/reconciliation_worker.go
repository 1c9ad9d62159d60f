package worker

import (
	"context"
	"time"

	"github.com/ayo6706/bounty-escrow/internal/models"
	"github.com/ayo6706/bounty-escrow/internal/observability"
	"go.uber.org/zap"
)

// Reconciler checks balances against the journal.
type Reconciler interface {
	Run(ctx context.Context) ([]models.AccountDrift, error)
}

// ReconciliationWorker compares every balance with its completed journal,
// once at startup and then hourly by default. It only reports drift;
// correcting a balance is an operator decision.
type ReconciliationWorker struct {
	svc Reconciler
	p   *poller
}

func NewReconciliationWorker(svc Reconciler) *ReconciliationWorker {
	p := newPoller("reconciliation", time.Hour)
	p.immediate = true
	return &ReconciliationWorker{svc: svc, p: p}
}

func (w *ReconciliationWorker) WithInterval(interval time.Duration) *ReconciliationWorker {
	w.p.setInterval(interval)
	return w
}

// Start blocks until Stop is called or ctx is canceled.
func (w *ReconciliationWorker) Start(ctx context.Context) { w.p.loop(ctx, w.runOnce) }

func (w *ReconciliationWorker) Stop() { w.p.stop() }

// Run starts the worker in a goroutine and returns a stop function.
func (w *ReconciliationWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

func (w *ReconciliationWorker) runOnce(ctx context.Context) {
	drift, err := w.svc.Run(ctx)
	switch {
	case err != nil:
		observability.IncrementWorkerRun("reconciliation", "failed")
		zap.L().Error("reconciliation run failed", zap.Error(err))
	case len(drift) > 0:
		observability.IncrementWorkerRun("reconciliation", "drift")
		zap.L().Warn("reconciliation found drifted accounts", zap.Int("accounts", len(drift)))
	default:
		observability.IncrementWorkerRun("reconciliation", "success")
	}
}
