package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ayo6706/bounty-escrow/internal/observability"
	"go.uber.org/zap"
)

// TransferProcessor is the part of the transfer service the retry worker drives.
type TransferProcessor interface {
	ProcessDueRetries(ctx context.Context, limit int) (int, error)
	ResubmitUnknown(ctx context.Context, limit int) (int, error)
}

// TransferRetryWorker retries failed transfers whose backoff has elapsed and
// resubmits attempts whose outcome is unknown. Resubmission reuses the
// attempt's idempotency key, so overlapping instances cannot double pay.
type TransferRetryWorker struct {
	transfers TransferProcessor
	batchSize int
	p         *poller
}

// NewTransferRetryWorker creates a worker polling every 10 seconds.
func NewTransferRetryWorker(transfers TransferProcessor) *TransferRetryWorker {
	return &TransferRetryWorker{
		transfers: transfers,
		batchSize: 10,
		p:         newPoller("transfer_retry", 10*time.Second),
	}
}

// WithPollInterval sets the poll interval for the worker.
func (w *TransferRetryWorker) WithPollInterval(interval time.Duration) *TransferRetryWorker {
	w.p.setInterval(interval)
	return w
}

// WithBatchSize sets how many attempts each pass handles per status.
func (w *TransferRetryWorker) WithBatchSize(size int) *TransferRetryWorker {
	if size > 0 {
		w.batchSize = size
	}
	return w
}

// Start runs until Stop is called or the context is canceled.
func (w *TransferRetryWorker) Start(ctx context.Context) {
	w.p.loop(ctx, func(ctx context.Context) { _ = w.ProcessOnce(ctx) }, zap.Int("batch", w.batchSize))
}

// Stop signals the worker to stop.
func (w *TransferRetryWorker) Stop() { w.p.stop() }

// Run starts the worker in a goroutine and returns a stop function.
func (w *TransferRetryWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

// ProcessOnce runs a single pass immediately.
func (w *TransferRetryWorker) ProcessOnce(ctx context.Context) error {
	retried, retryErr := w.transfers.ProcessDueRetries(ctx, w.batchSize)
	if retryErr != nil {
		zap.L().Error("process due transfer retries", zap.Error(retryErr))
	}
	resubmitted, resubmitErr := w.transfers.ResubmitUnknown(ctx, w.batchSize)
	if resubmitErr != nil {
		zap.L().Error("resubmit unknown transfers", zap.Error(resubmitErr))
	}

	if retryErr != nil || resubmitErr != nil {
		observability.IncrementWorkerRun("transfer_retry", "failed")
		if retryErr != nil {
			return retryErr
		}
		return resubmitErr
	}
	if retried > 0 || resubmitted > 0 {
		zap.L().Info("transfer retry pass",
			zap.Int("retried", retried), zap.Int("resubmitted", resubmitted))
	}
	observability.IncrementWorkerRun("transfer_retry", "success")
	return nil
}

func (w *TransferRetryWorker) String() string {
	return fmt.Sprintf("TransferRetryWorker(interval=%v, batch=%d)", w.p.interval, w.batchSize)
}
