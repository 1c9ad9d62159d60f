package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ayo6706/bounty-escrow/internal/models"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a single-row lookup matches nothing.
	ErrNotFound = errors.New("repository: not found")
	// ErrDuplicate is returned when an insert hits a unique constraint.
	ErrDuplicate = errors.New("repository: duplicate key")
)

// Querier is the storage contract shared by the postgres and memory drivers.
// Conditional updates return the number of rows affected; zero means the
// expected version or status no longer matched.
type Querier interface {
	InsertAccount(ctx context.Context, userID uuid.UUID) (bool, error)
	GetAccount(ctx context.Context, userID uuid.UUID) (models.Account, error)
	UpdateAccountBalance(ctx context.Context, arg UpdateAccountBalanceParams) (int64, error)
	ListAccountDrift(ctx context.Context, limit int32) ([]models.AccountDrift, error)

	InsertLedgerEntry(ctx context.Context, entry models.LedgerEntry) (models.LedgerEntry, error)
	GetLedgerEntry(ctx context.Context, id uuid.UUID) (models.LedgerEntry, error)
	GetLedgerEntryByKey(ctx context.Context, arg GetLedgerEntryByKeyParams) (models.LedgerEntry, error)
	SettleLedgerEntry(ctx context.Context, arg SettleLedgerEntryParams) (int64, error)
	ListLedgerEntries(ctx context.Context, arg ListLedgerEntriesParams) ([]models.LedgerEntry, error)

	InsertEscrowHold(ctx context.Context, hold models.EscrowHold) (models.EscrowHold, error)
	GetEscrowHoldByKey(ctx context.Context, bountyID uuid.UUID, holdKey string) (models.EscrowHold, error)
	GetLatestEscrowHold(ctx context.Context, bountyID uuid.UUID) (models.EscrowHold, error)
	UpdateEscrowHold(ctx context.Context, arg UpdateEscrowHoldParams) (int64, error)

	InsertProcessorEventIfAbsent(ctx context.Context, event models.ProcessorEvent) (bool, error)
	GetProcessorEvent(ctx context.Context, eventID string) (models.ProcessorEvent, error)
	FinishProcessorEvent(ctx context.Context, arg FinishProcessorEventParams) (int64, error)
	ClaimProcessorEventForReplay(ctx context.Context, eventID string, maxReplays int32) (int64, error)
	ListFailedProcessorEvents(ctx context.Context, maxReplays int32, limit int32) ([]models.ProcessorEvent, error)
	FailStaleProcessorEvents(ctx context.Context, receivedBefore time.Time, reason string) (int64, error)

	InsertTransferAttempt(ctx context.Context, attempt models.TransferAttempt) (models.TransferAttempt, error)
	GetTransferAttempt(ctx context.Context, id uuid.UUID) (models.TransferAttempt, error)
	GetLatestTransferAttempt(ctx context.Context, ledgerEntryID uuid.UUID) (models.TransferAttempt, error)
	GetTransferAttemptByExternalID(ctx context.Context, externalID string) (models.TransferAttempt, error)
	GetTransferAttemptByKey(ctx context.Context, key string) (models.TransferAttempt, error)
	UpdateTransferAttempt(ctx context.Context, arg UpdateTransferAttemptParams) (int64, error)
	ListDueTransferAttempts(ctx context.Context, status string, dueBefore time.Time, limit int32) ([]models.TransferAttempt, error)
	ListTransferAttemptsByStatus(ctx context.Context, status string, limit, offset int32) ([]models.TransferAttempt, error)

	InsertAuditLog(ctx context.Context, record models.AuditRecord) error
	ListAuditLog(ctx context.Context, entityType, entityID string) ([]models.AuditRecord, error)
}

type UpdateAccountBalanceParams struct {
	UserID          uuid.UUID
	Balance         int64
	ExpectedVersion int64
}

type GetLedgerEntryByKeyParams struct {
	AccountID      uuid.UUID
	Type           string
	IdempotencyKey string
}

// SettleLedgerEntryParams moves a pending entry to a terminal status.
type SettleLedgerEntryParams struct {
	ID          uuid.UUID
	Status      string
	ExternalRef string
	CompletedAt time.Time
}

type ListLedgerEntriesParams struct {
	AccountID uuid.UUID
	Limit     int32
	Offset    int32
}

type UpdateEscrowHoldParams struct {
	ID              uuid.UUID
	State           string
	HunterAccountID *uuid.UUID
	Fee             int64
	RefundReason    string
	ResolvedAt      *time.Time
	ExpectedVersion int64
}

// FinishProcessorEventParams moves a processing event to processed or failed.
type FinishProcessorEventParams struct {
	EventID     string
	Status      string
	Error       string
	ProcessedAt *time.Time
}

// UpdateTransferAttemptParams rewrites the mutable attempt fields, guarded by
// the status the caller read.
type UpdateTransferAttemptParams struct {
	ID                  uuid.UUID
	ExpectedStatus      string
	Status              string
	ExternalTransferID  string
	SubmitCount         int32
	NextRetryAt         *time.Time
	ErrorReason         string
	CompensationEntryID *uuid.UUID
}
