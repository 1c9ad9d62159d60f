package gateway

import (
	"context"
	"errors"
	"fmt"
)

// TransferRequest is one outbound payout submission. The processor
// deduplicates on IdempotencyKey, so resubmitting the same key is safe.
type TransferRequest struct {
	Destination    string
	Amount         int64
	IdempotencyKey string
}

// Gateway represents the external payment processor.
type Gateway interface {
	// SubmitTransfer returns the processor's transfer id on acceptance.
	// A *DeclinedError means the processor explicitly refused the transfer;
	// any other error leaves the outcome unknown.
	SubmitTransfer(ctx context.Context, req TransferRequest) (string, error)
}

// ErrUnavailable reports that the processor could not be reached.
var ErrUnavailable = errors.New("gateway temporarily unavailable")

// DeclinedError is an explicit, final refusal of one submission.
type DeclinedError struct {
	Reason string
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("transfer declined: %s", e.Reason)
}

// IsDeclined reports whether err is an explicit processor decline.
func IsDeclined(err error) bool {
	var de *DeclinedError
	return errors.As(err, &de)
}
