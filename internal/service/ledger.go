package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ayo6706/bounty-escrow/internal/domain"
	"github.com/ayo6706/bounty-escrow/internal/events"
	"github.com/ayo6706/bounty-escrow/internal/models"
	"github.com/ayo6706/bounty-escrow/internal/observability"
	"github.com/ayo6706/bounty-escrow/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PostingRequest describes one balance-moving ledger entry. Amount is the
// magnitude in minor units; Credit and Debit choose the sign.
type PostingRequest struct {
	AccountID      uuid.UUID
	Amount         int64
	Type           string
	BountyID       *uuid.UUID
	ExternalRef    string
	Metadata       json.RawMessage
	IdempotencyKey string
}

func (r PostingRequest) validate() error {
	if r.AccountID == uuid.Nil {
		return domain.Validation("invalid_account", "account_id is required")
	}
	if r.Amount <= 0 {
		return domain.Validation("invalid_amount", "amount must be positive")
	}
	if !domain.ValidEntryType(r.Type) {
		return domain.Validation("invalid_entry_type", fmt.Sprintf("unknown entry type %q", r.Type))
	}
	if strings.TrimSpace(r.IdempotencyKey) == "" {
		return domain.Validation("missing_idempotency_key", "idempotency key is required")
	}
	return nil
}

// LedgerConfig tunes the optimistic-concurrency retry loop.
type LedgerConfig struct {
	ConflictAttempts int
	ConflictBackoff  time.Duration
	MutationTimeout  time.Duration
}

func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		ConflictAttempts: 3,
		ConflictBackoff:  10 * time.Millisecond,
		MutationTimeout:  5 * time.Second,
	}
}

// LedgerService owns account balances and the append-only journal.
type LedgerService struct {
	store     QueryStore
	publisher events.Publisher
	audit     *AuditService
	cfg       LedgerConfig
	now       func() time.Time
}

func NewLedgerService(store QueryStore, publisher events.Publisher, cfg LedgerConfig) *LedgerService {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &LedgerService{
		store:     store,
		publisher: publisher,
		audit:     NewAuditService(),
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type postingResult struct {
	entry    models.LedgerEntry
	replayed bool
}

// Credit adds req.Amount to the account and appends a completed entry.
// A repeated idempotency key returns the original entry unchanged.
func (s *LedgerService) Credit(ctx context.Context, req PostingRequest) (*models.LedgerEntry, error) {
	return s.mutate(ctx, req, 1, "credit")
}

// Debit subtracts req.Amount. It fails with InsufficientFunds, without
// retrying, when the balance would go negative.
func (s *LedgerService) Debit(ctx context.Context, req PostingRequest) (*models.LedgerEntry, error) {
	return s.mutate(ctx, req, -1, "debit")
}

func (s *LedgerService) mutate(ctx context.Context, req PostingRequest, sign int64, op string) (*models.LedgerEntry, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	ctx, span := observability.StartSpan(ctx, "ledger."+op,
		observability.AccountID(req.AccountID.String()), observability.Amount(req.Amount))
	ctx, cancel := detach(ctx, s.cfg.MutationTimeout)
	defer cancel()

	var res postingResult
	err := s.inTx(ctx, func(q repository.Querier) error {
		var err error
		res, err = s.post(ctx, q, req, sign)
		return err
	})
	observability.EndSpan(span, err)
	if err != nil {
		observability.IncrementLedgerPosting(req.Type, string(outcomeLabel(err)))
		return nil, err
	}

	if res.replayed {
		observability.IncrementLedgerPosting(req.Type, "replayed")
	} else {
		observability.IncrementLedgerPosting(req.Type, "applied")
		s.notifyEntry(ctx, res.entry)
	}
	return &res.entry, nil
}

func outcomeLabel(err error) domain.Kind {
	if k := domain.KindOf(err); k != "" {
		return k
	}
	return "error"
}

// inTx runs fn in a transaction, restarting it on version conflicts.
func (s *LedgerService) inTx(ctx context.Context, fn func(q repository.Querier) error) error {
	return retryOnConflict(ctx, s.cfg.ConflictAttempts, s.cfg.ConflictBackoff, func() error {
		return s.store.RunInTx(ctx, fn)
	})
}

// post applies one signed posting inside the caller's transaction.
func (s *LedgerService) post(ctx context.Context, q repository.Querier, req PostingRequest, sign int64) (postingResult, error) {
	existing, err := q.GetLedgerEntryByKey(ctx, repository.GetLedgerEntryByKeyParams{
		AccountID:      req.AccountID,
		Type:           req.Type,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err == nil {
		if existing.Amount != sign*req.Amount {
			zap.L().Warn("idempotency key reused with a different amount; returning original entry",
				zap.String("account_id", req.AccountID.String()),
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.Int64("original_amount", existing.Amount),
				zap.Int64("requested_amount", sign*req.Amount))
		}
		return postingResult{entry: existing, replayed: true}, nil
	}
	if !isNotFound(err) {
		return postingResult{}, fmt.Errorf("lookup ledger idempotency key: %w", err)
	}

	account, err := q.GetAccount(ctx, req.AccountID)
	if err != nil {
		if isNotFound(err) {
			return postingResult{}, domain.ErrAccountNotFound
		}
		return postingResult{}, fmt.Errorf("load account: %w", err)
	}

	delta := sign * req.Amount
	balance := account.Balance + delta
	if delta > 0 && balance < account.Balance {
		return postingResult{}, domain.Validation("amount_overflow", "balance would overflow")
	}
	if balance < 0 {
		return postingResult{}, domain.ErrInsufficientFunds
	}

	rows, err := q.UpdateAccountBalance(ctx, repository.UpdateAccountBalanceParams{
		UserID:          req.AccountID,
		Balance:         balance,
		ExpectedVersion: account.Version,
	})
	if err != nil {
		if errors.Is(err, repository.ErrCheckViolation) {
			return postingResult{}, domain.ErrInsufficientFunds
		}
		return postingResult{}, fmt.Errorf("update account balance: %w", err)
	}
	if rows == 0 {
		return postingResult{}, versionConflict("update account balance")
	}

	now := s.now()
	entry, err := q.InsertLedgerEntry(ctx, models.LedgerEntry{
		ID:             uuid.New(),
		AccountID:      req.AccountID,
		Type:           req.Type,
		Amount:         delta,
		BountyID:       req.BountyID,
		Status:         domain.EntryStatusCompleted,
		ExternalRef:    req.ExternalRef,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
		CreatedAt:      now,
		CompletedAt:    &now,
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return postingResult{}, versionConflict("insert ledger entry")
		}
		return postingResult{}, fmt.Errorf("insert ledger entry: %w", err)
	}
	return postingResult{entry: entry}, nil
}

// RecordPendingDeposit journals an expected deposit without touching the
// balance. SettleEntry or FailEntry resolves it.
func (s *LedgerService) RecordPendingDeposit(ctx context.Context, req PostingRequest) (*models.LedgerEntry, error) {
	req.Type = domain.EntryTypeDeposit
	if err := req.validate(); err != nil {
		return nil, err
	}
	ctx, cancel := detach(ctx, s.cfg.MutationTimeout)
	defer cancel()

	var entry models.LedgerEntry
	err := s.inTx(ctx, func(q repository.Querier) error {
		existing, err := q.GetLedgerEntryByKey(ctx, repository.GetLedgerEntryByKeyParams{
			AccountID:      req.AccountID,
			Type:           req.Type,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err == nil {
			entry = existing
			return nil
		}
		if !isNotFound(err) {
			return fmt.Errorf("lookup ledger idempotency key: %w", err)
		}
		if _, err := q.GetAccount(ctx, req.AccountID); err != nil {
			if isNotFound(err) {
				return domain.ErrAccountNotFound
			}
			return fmt.Errorf("load account: %w", err)
		}
		entry, err = q.InsertLedgerEntry(ctx, models.LedgerEntry{
			ID:             uuid.New(),
			AccountID:      req.AccountID,
			Type:           req.Type,
			Amount:         req.Amount,
			BountyID:       req.BountyID,
			Status:         domain.EntryStatusPending,
			ExternalRef:    req.ExternalRef,
			IdempotencyKey: req.IdempotencyKey,
			Metadata:       req.Metadata,
			CreatedAt:      s.now(),
		})
		if errors.Is(err, repository.ErrDuplicate) {
			return versionConflict("insert pending entry")
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// SettleEntry completes a pending entry and applies its amount to the
// balance atomically. Settling a terminal entry is a no-op.
func (s *LedgerService) SettleEntry(ctx context.Context, entryID uuid.UUID, externalRef string) (*models.LedgerEntry, error) {
	return s.settle(ctx, entryID, externalRef, nil)
}

// DepositMatch is what a processor confirmation claims about a pending
// deposit. Zero fields are not checked.
type DepositMatch struct {
	AccountID uuid.UUID
	Amount    int64
}

// SettleDeposit settles a pending deposit after checking that the entry is
// the deposit the processor describes.
func (s *LedgerService) SettleDeposit(ctx context.Context, entryID uuid.UUID, match DepositMatch, externalRef string) (*models.LedgerEntry, error) {
	return s.settle(ctx, entryID, externalRef, func(e models.LedgerEntry) error {
		if e.Type != domain.EntryTypeDeposit ||
			(match.AccountID != uuid.Nil && match.AccountID != e.AccountID) ||
			(match.Amount != 0 && match.Amount != e.Amount) {
			zap.L().Warn("deposit confirmation does not match ledger entry",
				zap.String("ledger_entry_id", e.ID.String()),
				zap.String("entry_account_id", e.AccountID.String()),
				zap.String("event_account_id", match.AccountID.String()),
				zap.Int64("entry_amount", e.Amount),
				zap.Int64("event_amount", match.Amount))
			return domain.ErrDepositMismatch
		}
		return nil
	})
}

func (s *LedgerService) settle(ctx context.Context, entryID uuid.UUID, externalRef string, check func(models.LedgerEntry) error) (*models.LedgerEntry, error) {
	ctx, cancel := detach(ctx, s.cfg.MutationTimeout)
	defer cancel()

	var entry models.LedgerEntry
	settled := false
	err := s.inTx(ctx, func(q repository.Querier) error {
		settled = false
		e, err := q.GetLedgerEntry(ctx, entryID)
		if err != nil {
			if isNotFound(err) {
				return domain.ErrEntryNotFound
			}
			return fmt.Errorf("load ledger entry: %w", err)
		}
		if check != nil {
			if err := check(e); err != nil {
				return err
			}
		}
		if domain.IsTerminalEntryStatus(e.Status) {
			entry = e
			return nil
		}

		account, err := q.GetAccount(ctx, e.AccountID)
		if err != nil {
			return fmt.Errorf("load account: %w", err)
		}
		balance := account.Balance + e.Amount
		if balance < 0 {
			return domain.ErrInsufficientFunds
		}
		rows, err := q.UpdateAccountBalance(ctx, repository.UpdateAccountBalanceParams{
			UserID:          e.AccountID,
			Balance:         balance,
			ExpectedVersion: account.Version,
		})
		if err != nil {
			return fmt.Errorf("update account balance: %w", err)
		}
		if rows == 0 {
			return versionConflict("update account balance")
		}

		rows, err = q.SettleLedgerEntry(ctx, repository.SettleLedgerEntryParams{
			ID:          e.ID,
			Status:      domain.EntryStatusCompleted,
			ExternalRef: externalRef,
			CompletedAt: s.now(),
		})
		if err != nil {
			return err
		}
		if rows == 0 {
			return versionConflict("settle ledger entry")
		}
		if err := s.audit.Write(ctx, q, "ledger_entry", e.ID, actorSystem, "settled", e.Status, domain.EntryStatusCompleted, nil); err != nil {
			return err
		}
		entry, err = q.GetLedgerEntry(ctx, e.ID)
		settled = err == nil
		return err
	})
	if err != nil {
		return nil, err
	}
	if settled {
		s.notifyEntry(ctx, entry)
	} else {
		zap.L().Info("settle skipped; entry already terminal",
			zap.String("entry_id", entry.ID.String()), zap.String("status", entry.Status))
	}
	return &entry, nil
}

// FailEntry marks a pending entry failed. The balance is never touched.
func (s *LedgerService) FailEntry(ctx context.Context, entryID uuid.UUID, reason string) (*models.LedgerEntry, error) {
	ctx, cancel := detach(ctx, s.cfg.MutationTimeout)
	defer cancel()

	var entry models.LedgerEntry
	err := s.inTx(ctx, func(q repository.Querier) error {
		e, err := q.GetLedgerEntry(ctx, entryID)
		if err != nil {
			if isNotFound(err) {
				return domain.ErrEntryNotFound
			}
			return fmt.Errorf("load ledger entry: %w", err)
		}
		if domain.IsTerminalEntryStatus(e.Status) {
			zap.L().Info("fail skipped; entry already terminal",
				zap.String("entry_id", e.ID.String()), zap.String("status", e.Status))
			entry = e
			return nil
		}
		rows, err := q.SettleLedgerEntry(ctx, repository.SettleLedgerEntryParams{
			ID:          e.ID,
			Status:      domain.EntryStatusFailed,
			CompletedAt: s.now(),
		})
		if err != nil {
			return err
		}
		if rows == 0 {
			return versionConflict("fail ledger entry")
		}
		metadata := marshalMetadata(map[string]any{"reason": reason})
		if err := s.audit.Write(ctx, q, "ledger_entry", e.ID, actorSystem, "failed", e.Status, domain.EntryStatusFailed, metadata); err != nil {
			return err
		}
		entry, err = q.GetLedgerEntry(ctx, e.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *LedgerService) notifyEntry(ctx context.Context, entry models.LedgerEntry) {
	_ = s.publisher.Publish(ctx, events.Event{
		Type:       events.TypeLedgerEntryCompleted,
		Key:        entry.AccountID.String(),
		OccurredAt: s.now(),
		Data:       entry,
	})
}
