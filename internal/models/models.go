package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Account struct {
	UserID    uuid.UUID `json:"user_id"`
	Balance   int64     `json:"balance"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerEntry is one append-only journal row. Amount is signed: credits are
// positive and debits negative.
type LedgerEntry struct {
	ID             uuid.UUID       `json:"id"`
	AccountID      uuid.UUID       `json:"account_id"`
	Type           string          `json:"type"`
	Amount         int64           `json:"amount"`
	BountyID       *uuid.UUID      `json:"bounty_id,omitempty"`
	Status         string          `json:"status"`
	ExternalRef    string          `json:"external_ref,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

type EscrowHold struct {
	ID              uuid.UUID  `json:"id"`
	BountyID        uuid.UUID  `json:"bounty_id"`
	PosterAccountID uuid.UUID  `json:"poster_account_id"`
	HunterAccountID *uuid.UUID `json:"hunter_account_id,omitempty"`
	Amount          int64      `json:"amount"`
	Fee             int64      `json:"fee"`
	State           string     `json:"state"`
	Version         int64      `json:"version"`
	HoldKey         string     `json:"-"`
	RefundReason    string     `json:"refund_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}

type ProcessorEvent struct {
	EventID       string          `json:"event_id"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	PayloadDigest string          `json:"payload_digest"`
	Status        string          `json:"status"`
	Error         string          `json:"error,omitempty"`
	ReplayCount   int32           `json:"replay_count"`
	ReceivedAt    time.Time       `json:"received_at"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
}

type TransferAttempt struct {
	ID                  uuid.UUID  `json:"id"`
	LedgerEntryID       uuid.UUID  `json:"ledger_entry_id"`
	AttemptNumber       int32      `json:"attempt_number"`
	SourceAccountID     uuid.UUID  `json:"source_account_id"`
	Destination         string     `json:"destination"`
	Amount              int64      `json:"amount"`
	DebitEntryID        *uuid.UUID `json:"debit_entry_id,omitempty"`
	ExternalTransferID  string     `json:"external_transfer_id,omitempty"`
	IdempotencyKey      string     `json:"idempotency_key"`
	Status              string     `json:"status"`
	SubmitCount         int32      `json:"submit_count"`
	NextRetryAt         *time.Time `json:"next_retry_at,omitempty"`
	ErrorReason         string     `json:"error_reason,omitempty"`
	CompensationEntryID *uuid.UUID `json:"compensation_entry_id,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

type AuditRecord struct {
	ID         uuid.UUID       `json:"id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Actor      string          `json:"actor"`
	Action     string          `json:"action"`
	PrevState  string          `json:"prev_state,omitempty"`
	NextState  string          `json:"next_state,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// AccountDrift reports an account whose stored balance disagrees with its journal.
type AccountDrift struct {
	UserID        uuid.UUID `json:"user_id"`
	Balance       int64     `json:"balance"`
	JournalTotal  int64     `json:"journal_total"`
	CompletedRows int64     `json:"completed_rows"`
}
