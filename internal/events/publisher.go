// Package events carries fire-and-forget ledger and escrow notifications to
// downstream consumers. Delivery failures never affect the ledger.
package events

import (
	"context"
	"time"
)

// Notification types.
const (
	TypeLedgerEntryCompleted = "ledger.entry.completed"
	TypeEscrowHeld           = "escrow.held"
	TypeEscrowReleased       = "escrow.released"
	TypeEscrowRefunded       = "escrow.refunded"
	TypeEscrowDisputed       = "escrow.disputed"
	TypeTransferSucceeded    = "transfer.succeeded"
	TypeTransferFailed       = "transfer.failed"
	TypeTransferExhausted    = "transfer.terminally_failed"
	TypeTransferNeedsReview  = "transfer.needs_review"
)

// Event is one notification. Key selects the partition so events for the
// same account or bounty stay ordered.
type Event struct {
	Type       string    `json:"type"`
	Key        string    `json:"key"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
