package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ayo6706/bounty-escrow/internal/domain"
	"github.com/ayo6706/bounty-escrow/internal/events"
	"github.com/ayo6706/bounty-escrow/internal/gateway"
	"github.com/ayo6706/bounty-escrow/internal/models"
	"github.com/ayo6706/bounty-escrow/internal/observability"
	"github.com/ayo6706/bounty-escrow/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type TransferConfig struct {
	MaxAttempts int
	Backoff     BackoffPolicy
	// SubmitTimeout bounds one processor call. A timeout leaves the attempt unknown.
	SubmitTimeout time.Duration
	// UnknownRecheck is how long a freshly created attempt waits before the
	// resubmit poller treats it as lost.
	UnknownRecheck time.Duration
	// MaxSubmissions caps processor calls for an attempt whose outcome stays
	// unknown. The attempt is then parked for review, never compensated.
	MaxSubmissions int
}

func DefaultTransferConfig() TransferConfig {
	return TransferConfig{
		MaxAttempts:    3,
		Backoff:        DefaultTransferBackoff(),
		SubmitTimeout:  10 * time.Second,
		UnknownRecheck: 2 * time.Minute,
		MaxSubmissions: 8,
	}
}

// TransferRef identifies the attempt a processor event refers to. The
// idempotency key the processor was given names one attempt exactly, as does
// a ledger entry id with an attempt number. An external id must match a
// recorded one. A bare ledger entry id is only accepted while the entry has a
// single attempt.
type TransferRef struct {
	IdempotencyKey string
	ExternalID     string
	LedgerEntryID  uuid.UUID
	AttemptNumber  int32
}

type WithdrawalRequest struct {
	AccountID      uuid.UUID
	Amount         int64
	Destination    string
	IdempotencyKey string
}

// WithdrawalResult never exposes operational failure: anything short of a
// confirmed payout reads as payment_pending.
type WithdrawalResult struct {
	Entry   models.LedgerEntry      `json:"entry"`
	Attempt *models.TransferAttempt `json:"attempt,omitempty"`
	Status  string                  `json:"status"`
}

// PublicTransferStatus maps an internal attempt status to what callers see.
func PublicTransferStatus(status string) string {
	if status == domain.TransferStatusSucceeded {
		return domain.WithdrawalStatusPaid
	}
	return domain.WithdrawalStatusPaymentPending
}

// TransferService submits payouts to the processor and owns retries and
// compensation for failed attempts.
type TransferService struct {
	store     QueryStore
	ledger    *LedgerService
	gateway   gateway.Gateway
	audit     *AuditService
	publisher events.Publisher
	cfg       TransferConfig
	now       func() time.Time
}

func NewTransferService(store QueryStore, ledger *LedgerService, gw gateway.Gateway, publisher events.Publisher, cfg TransferConfig) *TransferService {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxSubmissions <= 0 {
		cfg.MaxSubmissions = 8
	}
	return &TransferService{
		store:     store,
		ledger:    ledger,
		gateway:   gw,
		audit:     NewAuditService(),
		publisher: publisher,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func transferKey(entryID uuid.UUID, attempt int32) string {
	return fmt.Sprintf("transfer:%s:%d", entryID, attempt)
}

func compensationKey(entryID uuid.UUID, attempt int32) string {
	return transferKey(entryID, attempt) + ":compensation"
}

func retryDebitKey(entryID uuid.UUID, attempt int32) string {
	return transferKey(entryID, attempt) + ":debit"
}

// RequestWithdrawal debits the account and starts the payout.
func (s *TransferService) RequestWithdrawal(ctx context.Context, req WithdrawalRequest) (*WithdrawalResult, error) {
	if strings.TrimSpace(req.Destination) == "" {
		return nil, domain.Validation("invalid_destination", "destination is required")
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return nil, domain.Validation("missing_idempotency_key", "idempotency key is required")
	}
	entry, err := s.ledger.Debit(ctx, PostingRequest{
		AccountID:      req.AccountID,
		Amount:         req.Amount,
		Type:           domain.EntryTypeWithdrawal,
		Metadata:       marshalMetadata(map[string]any{"destination": req.Destination}),
		IdempotencyKey: "withdrawal:" + req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}

	attempt, err := s.InitiateTransfer(ctx, entry.ID, req.Destination, -entry.Amount)
	if err != nil {
		// The debit stands. Repeating the request with the same key replays
		// the debit and creates the missing attempt.
		zap.L().Error("withdrawal debited but transfer not started",
			zap.String("ledger_entry_id", entry.ID.String()), zap.Error(err))
		return &WithdrawalResult{Entry: *entry, Status: domain.WithdrawalStatusPaymentPending}, nil
	}
	return &WithdrawalResult{
		Entry:   *entry,
		Attempt: attempt,
		Status:  PublicTransferStatus(attempt.Status),
	}, nil
}

// InitiateTransfer creates attempt 1 for a completed withdrawal entry and
// submits it. Calling it again for the same entry returns the existing
// latest attempt without resubmitting.
func (s *TransferService) InitiateTransfer(ctx context.Context, ledgerEntryID uuid.UUID, destination string, amount int64) (*models.TransferAttempt, error) {
	if strings.TrimSpace(destination) == "" {
		return nil, domain.Validation("invalid_destination", "destination is required")
	}
	if amount <= 0 {
		return nil, domain.Validation("invalid_amount", "amount must be positive")
	}

	ctx, cancel := detach(ctx, s.ledger.cfg.MutationTimeout+s.cfg.SubmitTimeout)
	defer cancel()

	var (
		attempt models.TransferAttempt
		created bool
	)
	err := s.ledger.inTx(ctx, func(q repository.Querier) error {
		created = false
		entry, err := q.GetLedgerEntry(ctx, ledgerEntryID)
		if err != nil {
			if isNotFound(err) {
				return domain.ErrEntryNotFound
			}
			return fmt.Errorf("load ledger entry: %w", err)
		}
		if entry.Type != domain.EntryTypeWithdrawal || entry.Status != domain.EntryStatusCompleted {
			return domain.Validation("invalid_transfer_entry", "entry must be a completed withdrawal")
		}
		if -entry.Amount != amount {
			return domain.Validation("amount_mismatch", "amount does not match the withdrawal entry")
		}

		latest, err := q.GetLatestTransferAttempt(ctx, ledgerEntryID)
		if err == nil {
			attempt = latest
			return nil
		}
		if !isNotFound(err) {
			return fmt.Errorf("load latest transfer attempt: %w", err)
		}

		now := s.now()
		recheck := now.Add(s.cfg.UnknownRecheck)
		entryID := entry.ID
		attempt, err = q.InsertTransferAttempt(ctx, models.TransferAttempt{
			ID:              uuid.New(),
			LedgerEntryID:   entry.ID,
			AttemptNumber:   1,
			SourceAccountID: entry.AccountID,
			Destination:     destination,
			Amount:          amount,
			DebitEntryID:    &entryID,
			IdempotencyKey:  transferKey(entry.ID, 1),
			Status:          domain.TransferStatusUnknown,
			NextRetryAt:     &recheck,
			CreatedAt:       now,
		})
		if err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return versionConflict("insert transfer attempt")
			}
			return err
		}
		created = true
		return s.audit.Write(ctx, q, "transfer_attempt", attempt.ID, actorSystem, "created", "", attempt.Status,
			marshalMetadata(map[string]any{"ledger_entry_id": entry.ID, "attempt": 1}))
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return &attempt, nil
	}
	return s.submit(ctx, attempt)
}

// submit calls the processor once for an attempt that is still unknown.
func (s *TransferService) submit(ctx context.Context, attempt models.TransferAttempt) (*models.TransferAttempt, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SubmitTimeout)
	callCtx, span := observability.StartSpan(callCtx, "gateway.submit_transfer",
		observability.LedgerEntryID(attempt.LedgerEntryID.String()), observability.Amount(attempt.Amount))
	externalID, err := s.gateway.SubmitTransfer(callCtx, gateway.TransferRequest{
		Destination:    attempt.Destination,
		Amount:         attempt.Amount,
		IdempotencyKey: attempt.IdempotencyKey,
	})
	observability.EndSpan(span, err)
	cancel()

	switch {
	case err == nil:
		return s.markSubmitted(ctx, attempt.ID, externalID)
	case gateway.IsDeclined(err):
		zap.L().Warn("transfer declined by processor",
			zap.String("attempt_id", attempt.ID.String()), zap.Error(err))
		return s.failAttempt(ctx, byAttemptID(attempt.ID), err.Error())
	default:
		cause := gatewayFailure(err)
		observability.IncrementGatewayError(cause.Code)
		zap.L().Warn("transfer outcome unknown",
			zap.String("attempt_id", attempt.ID.String()),
			zap.String("code", cause.Code), zap.Error(err))
		return s.markUnknown(ctx, attempt.ID, cause)
	}
}

// gatewayFailure classifies a processor call that produced no answer.
func gatewayFailure(err error) *domain.Error {
	switch {
	case errors.Is(err, gateway.ErrUnavailable):
		return domain.ExternalService("gateway_unavailable", err)
	case errors.Is(err, context.DeadlineExceeded):
		return domain.ExternalService("gateway_timeout", err)
	default:
		return domain.ExternalService("gateway_error", err)
	}
}

type attemptResolver func(ctx context.Context, q repository.Querier) (models.TransferAttempt, error)

func byAttemptID(id uuid.UUID) attemptResolver {
	return func(ctx context.Context, q repository.Querier) (models.TransferAttempt, error) {
		a, err := q.GetTransferAttempt(ctx, id)
		if isNotFound(err) {
			return a, domain.ErrTransferNotFound
		}
		return a, err
	}
}

var errAmbiguousTransferRef = domain.Conflict("ambiguous_transfer_ref",
	"event names a withdrawal with several attempts but not which one")

func byRef(ref TransferRef) attemptResolver {
	return func(ctx context.Context, q repository.Querier) (models.TransferAttempt, error) {
		key := ref.IdempotencyKey
		if key == "" && ref.LedgerEntryID != uuid.Nil && ref.AttemptNumber > 0 {
			key = transferKey(ref.LedgerEntryID, ref.AttemptNumber)
		}

		var (
			a   models.TransferAttempt
			err error
		)
		switch {
		case key != "":
			a, err = q.GetTransferAttemptByKey(ctx, key)
		case ref.ExternalID != "":
			a, err = q.GetTransferAttemptByExternalID(ctx, ref.ExternalID)
			if isNotFound(err) && ref.LedgerEntryID != uuid.Nil {
				// The id was never recorded, e.g. the submit timed out.
				a, err = onlyAttempt(ctx, q, ref.LedgerEntryID)
			}
		case ref.LedgerEntryID != uuid.Nil:
			a, err = onlyAttempt(ctx, q, ref.LedgerEntryID)
		default:
			return models.TransferAttempt{}, domain.ErrTransferNotFound
		}
		if err != nil {
			if isNotFound(err) {
				return a, domain.ErrTransferNotFound
			}
			return a, err
		}
		if ref.ExternalID != "" && a.ExternalTransferID != "" && a.ExternalTransferID != ref.ExternalID {
			return models.TransferAttempt{}, domain.Conflict("transfer_ref_mismatch",
				"external transfer id does not match the named attempt")
		}
		return a, nil
	}
}

// onlyAttempt returns the entry's attempt when it has exactly one.
func onlyAttempt(ctx context.Context, q repository.Querier, ledgerEntryID uuid.UUID) (models.TransferAttempt, error) {
	a, err := q.GetLatestTransferAttempt(ctx, ledgerEntryID)
	if err != nil {
		return a, err
	}
	if a.AttemptNumber > 1 {
		return models.TransferAttempt{}, errAmbiguousTransferRef
	}
	return a, nil
}

// updateAttempt rewrites attempt a, keeping every field the caller did not
// change, guarded by the status that was read.
func updateAttempt(ctx context.Context, q repository.Querier, a models.TransferAttempt, expectedStatus string, compensation *uuid.UUID) error {
	rows, err := q.UpdateTransferAttempt(ctx, repository.UpdateTransferAttemptParams{
		ID:                  a.ID,
		ExpectedStatus:      expectedStatus,
		Status:              a.Status,
		ExternalTransferID:  a.ExternalTransferID,
		SubmitCount:         a.SubmitCount,
		NextRetryAt:         a.NextRetryAt,
		ErrorReason:         a.ErrorReason,
		CompensationEntryID: compensation,
	})
	if err != nil {
		return err
	}
	if rows == 0 {
		return versionConflict("update transfer attempt")
	}
	return nil
}

func (s *TransferService) markSubmitted(ctx context.Context, attemptID uuid.UUID, externalID string) (*models.TransferAttempt, error) {
	var attempt models.TransferAttempt
	err := s.ledger.inTx(ctx, func(q repository.Querier) error {
		a, err := q.GetTransferAttempt(ctx, attemptID)
		if err != nil {
			return err
		}
		if a.Status != domain.TransferStatusUnknown {
			attempt = a
			return nil
		}
		prev := a.Status
		a.Status = domain.TransferStatusSubmitted
		a.ExternalTransferID = externalID
		a.SubmitCount++
		a.NextRetryAt = nil
		a.ErrorReason = ""
		if err := updateAttempt(ctx, q, a, prev, nil); err != nil {
			return err
		}
		attempt = a
		return s.audit.Write(ctx, q, "transfer_attempt", a.ID, actorSystem, "submitted", prev, a.Status,
			marshalMetadata(map[string]any{"external_transfer_id": externalID}))
	})
	if err != nil {
		return nil, err
	}
	observability.IncrementTransferOutcome(attempt.Status)
	return &attempt, nil
}

// markUnknown counts a submission that got no answer and schedules the next
// one. Past MaxSubmissions the attempt is parked as needs_review.
func (s *TransferService) markUnknown(ctx context.Context, attemptID uuid.UUID, cause *domain.Error) (*models.TransferAttempt, error) {
	var (
		attempt models.TransferAttempt
		parked  bool
	)
	err := s.ledger.inTx(ctx, func(q repository.Querier) error {
		parked = false
		a, err := q.GetTransferAttempt(ctx, attemptID)
		if err != nil {
			return err
		}
		if a.Status != domain.TransferStatusUnknown {
			attempt = a
			return nil
		}
		a.SubmitCount++
		a.ErrorReason = cause.Error()
		if int(a.SubmitCount) >= s.cfg.MaxSubmissions {
			a.Status = domain.TransferStatusNeedsReview
			a.NextRetryAt = nil
		} else {
			next := s.now().Add(s.cfg.Backoff.Delay(int(a.SubmitCount)))
			a.NextRetryAt = &next
		}
		if err := updateAttempt(ctx, q, a, domain.TransferStatusUnknown, nil); err != nil {
			return err
		}
		attempt = a
		if a.Status != domain.TransferStatusNeedsReview {
			return nil
		}
		parked = true
		return s.audit.Write(ctx, q, "transfer_attempt", a.ID, actorSystem, "parked",
			domain.TransferStatusUnknown, a.Status,
			marshalMetadata(map[string]any{"submit_count": a.SubmitCount, "code": cause.Code}))
	})
	if err != nil {
		return nil, err
	}
	if parked {
		s.transferOutcome(ctx, attempt)
		return &attempt, nil
	}
	observability.IncrementTransferOutcome(domain.TransferStatusUnknown)
	return &attempt, nil
}

// failAttempt records an explicit failure and returns the funds to the
// source account. Attempts already in a terminal status are left untouched.
func (s *TransferService) failAttempt(ctx context.Context, resolve attemptResolver, reason string) (*models.TransferAttempt, error) {
	var (
		attempt models.TransferAttempt
		comp    postingResult
		changed bool
	)
	err := s.ledger.inTx(ctx, func(q repository.Querier) error {
		changed = false
		a, err := resolve(ctx, q)
		if err != nil {
			return err
		}
		attempt = a
		if domain.IsTerminalTransferStatus(a.Status) {
			if a.Status == domain.TransferStatusSucceeded {
				zap.L().Error("processor reported failure for a paid transfer",
					zap.String("attempt_id", a.ID.String()),
					zap.String("external_transfer_id", a.ExternalTransferID))
				observability.IncrementTransferOutcome("failed_after_paid")
			} else {
				zap.L().Info("transfer failure already recorded",
					zap.String("attempt_id", a.ID.String()), zap.String("status", a.Status))
			}
			return nil
		}

		comp, err = s.ledger.post(ctx, q, PostingRequest{
			AccountID:      a.SourceAccountID,
			Amount:         a.Amount,
			Type:           domain.EntryTypeRefund,
			ExternalRef:    a.ExternalTransferID,
			Metadata:       marshalMetadata(map[string]any{"transfer_attempt_id": a.ID, "reason": reason}),
			IdempotencyKey: compensationKey(a.LedgerEntryID, a.AttemptNumber),
		}, 1)
		if err != nil {
			return fmt.Errorf("post transfer compensation: %w", err)
		}

		prev := a.Status
		a.ErrorReason = reason
		if int(a.AttemptNumber) >= s.cfg.MaxAttempts {
			a.Status = domain.TransferStatusTerminallyFailed
			a.NextRetryAt = nil
		} else {
			a.Status = domain.TransferStatusFailed
			next := s.now().Add(s.cfg.Backoff.Delay(int(a.AttemptNumber)))
			a.NextRetryAt = &next
		}
		compID := comp.entry.ID
		a.CompensationEntryID = &compID
		if err := updateAttempt(ctx, q, a, prev, &compID); err != nil {
			return err
		}
		attempt = a
		changed = true
		return s.audit.Write(ctx, q, "transfer_attempt", a.ID, actorSystem, "failed", prev, a.Status,
			marshalMetadata(map[string]any{"reason": reason, "compensation_entry_id": compID}))
	})
	if err != nil {
		return nil, err
	}
	if changed {
		if !comp.replayed {
			s.ledger.notifyEntry(ctx, comp.entry)
		}
		s.transferOutcome(ctx, attempt)
	}
	return &attempt, nil
}

func (s *TransferService) transferOutcome(ctx context.Context, a models.TransferAttempt) {
	observability.IncrementTransferOutcome(a.Status)
	eventType := events.TypeTransferFailed
	switch a.Status {
	case domain.TransferStatusSucceeded:
		eventType = events.TypeTransferSucceeded
	case domain.TransferStatusTerminallyFailed:
		eventType = events.TypeTransferExhausted
		zap.L().Error("transfer retries exhausted; operator action required",
			zap.String("ledger_entry_id", a.LedgerEntryID.String()),
			zap.String("attempt_id", a.ID.String()),
			zap.String("reason", a.ErrorReason))
	case domain.TransferStatusNeedsReview:
		eventType = events.TypeTransferNeedsReview
		zap.L().Error("transfer outcome still unknown after resubmissions; operator action required",
			zap.String("ledger_entry_id", a.LedgerEntryID.String()),
			zap.String("attempt_id", a.ID.String()),
			zap.Int32("submit_count", a.SubmitCount),
			zap.String("reason", a.ErrorReason))
	}
	_ = s.publisher.Publish(ctx, events.Event{
		Type:       eventType,
		Key:        a.SourceAccountID.String(),
		OccurredAt: s.now(),
		Data:       a,
	})
}

// HandleTransferPaid marks the referenced attempt succeeded.
func (s *TransferService) HandleTransferPaid(ctx context.Context, ref TransferRef) (*models.TransferAttempt, error) {
	ctx, cancel := detach(ctx, s.ledger.cfg.MutationTimeout)
	defer cancel()

	var (
		attempt models.TransferAttempt
		changed bool
	)
	err := s.ledger.inTx(ctx, func(q repository.Querier) error {
		changed = false
		a, err := byRef(ref)(ctx, q)
		if err != nil {
			return err
		}
		attempt = a
		switch a.Status {
		case domain.TransferStatusSucceeded:
			return nil
		case domain.TransferStatusFailed, domain.TransferStatusTerminallyFailed:
			zap.L().Error("processor reported payout for a transfer already compensated",
				zap.String("attempt_id", a.ID.String()),
				zap.String("status", a.Status),
				zap.String("external_transfer_id", ref.ExternalID))
			observability.IncrementTransferOutcome("paid_after_failure")
			return nil
		}

		prev := a.Status
		a.Status = domain.TransferStatusSucceeded
		if ref.ExternalID != "" {
			a.ExternalTransferID = ref.ExternalID
		}
		a.NextRetryAt = nil
		a.ErrorReason = ""
		if err := updateAttempt(ctx, q, a, prev, nil); err != nil {
			return err
		}
		attempt = a
		changed = true
		return s.audit.Write(ctx, q, "transfer_attempt", a.ID, actorSystem, "paid", prev, a.Status, nil)
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.transferOutcome(ctx, attempt)
	}
	return &attempt, nil
}

// HandleTransferFailed runs the compensation path for a processor-reported
// failure.
func (s *TransferService) HandleTransferFailed(ctx context.Context, ref TransferRef, reason string) (*models.TransferAttempt, error) {
	ctx, cancel := detach(ctx, s.ledger.cfg.MutationTimeout)
	defer cancel()
	if reason == "" {
		reason = "processor reported failure"
	}
	return s.failAttempt(ctx, byRef(ref), reason)
}

// RetryTransfer re-debits the source and submits the next attempt. Only
// allowed while the latest attempt is failed and attempts remain.
func (s *TransferService) RetryTransfer(ctx context.Context, ledgerEntryID uuid.UUID) (*models.TransferAttempt, error) {
	ctx, cancel := detach(ctx, s.ledger.cfg.MutationTimeout+s.cfg.SubmitTimeout)
	defer cancel()

	var (
		attempt models.TransferAttempt
		debit   postingResult
	)
	err := s.ledger.inTx(ctx, func(q repository.Querier) error {
		latest, err := q.GetLatestTransferAttempt(ctx, ledgerEntryID)
		if err != nil {
			if isNotFound(err) {
				return domain.ErrTransferNotFound
			}
			return fmt.Errorf("load latest transfer attempt: %w", err)
		}
		switch {
		case latest.Status == domain.TransferStatusTerminallyFailed:
			return domain.ErrRetriesExhausted
		case latest.Status != domain.TransferStatusFailed:
			return domain.Conflict("transfer_not_failed", "latest transfer attempt has not failed")
		case int(latest.AttemptNumber) >= s.cfg.MaxAttempts:
			return domain.ErrRetriesExhausted
		}

		next := latest.AttemptNumber + 1
		debit, err = s.ledger.post(ctx, q, PostingRequest{
			AccountID:      latest.SourceAccountID,
			Amount:         latest.Amount,
			Type:           domain.EntryTypeWithdrawal,
			Metadata:       marshalMetadata(map[string]any{"destination": latest.Destination, "attempt": next}),
			IdempotencyKey: retryDebitKey(ledgerEntryID, next),
		}, -1)
		if err != nil {
			return err
		}

		now := s.now()
		recheck := now.Add(s.cfg.UnknownRecheck)
		debitID := debit.entry.ID
		attempt, err = q.InsertTransferAttempt(ctx, models.TransferAttempt{
			ID:              uuid.New(),
			LedgerEntryID:   ledgerEntryID,
			AttemptNumber:   next,
			SourceAccountID: latest.SourceAccountID,
			Destination:     latest.Destination,
			Amount:          latest.Amount,
			DebitEntryID:    &debitID,
			IdempotencyKey:  transferKey(ledgerEntryID, next),
			Status:          domain.TransferStatusUnknown,
			NextRetryAt:     &recheck,
			CreatedAt:       now,
		})
		if err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return versionConflict("insert transfer attempt")
			}
			return err
		}

		latest.NextRetryAt = nil
		if err := updateAttempt(ctx, q, latest, domain.TransferStatusFailed, nil); err != nil {
			return err
		}
		return s.audit.Write(ctx, q, "transfer_attempt", attempt.ID, actorSystem, "retried", "", attempt.Status,
			marshalMetadata(map[string]any{"previous_attempt_id": latest.ID, "attempt": next}))
	})
	if err != nil {
		return nil, err
	}
	if !debit.replayed {
		s.ledger.notifyEntry(ctx, debit.entry)
	}
	return s.submit(ctx, attempt)
}

// ProcessDueRetries retries failed attempts whose backoff has elapsed.
// An attempt whose source can no longer cover the re-debit is closed out
// as terminally failed.
func (s *TransferService) ProcessDueRetries(ctx context.Context, limit int) (int, error) {
	due, err := s.listDue(ctx, domain.TransferStatusFailed, limit)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, a := range due {
		if ctx.Err() != nil {
			break
		}
		_, err := s.RetryTransfer(ctx, a.LedgerEntryID)
		switch {
		case err == nil:
			processed++
		case errors.Is(err, domain.ErrInsufficientFunds):
			if _, err := s.markExhausted(ctx, a.ID, "insufficient funds for retry"); err != nil {
				zap.L().Error("close out transfer attempt", zap.String("attempt_id", a.ID.String()), zap.Error(err))
				continue
			}
			processed++
		case errors.Is(err, domain.ErrTerminalFailure):
			zap.L().Info("transfer retry skipped; retries already exhausted",
				zap.String("ledger_entry_id", a.LedgerEntryID.String()))
		default:
			zap.L().Warn("transfer retry failed",
				zap.String("ledger_entry_id", a.LedgerEntryID.String()), zap.Error(err))
		}
	}
	return processed, nil
}

// ResubmitUnknown resends attempts whose outcome is unknown, reusing their
// idempotency key so the processor deduplicates.
func (s *TransferService) ResubmitUnknown(ctx context.Context, limit int) (int, error) {
	due, err := s.listDue(ctx, domain.TransferStatusUnknown, limit)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, a := range due {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.submit(ctx, a); err != nil {
			zap.L().Warn("transfer resubmission failed",
				zap.String("attempt_id", a.ID.String()), zap.Error(err))
			continue
		}
		processed++
	}
	return processed, nil
}

func (s *TransferService) listDue(ctx context.Context, status string, limit int) ([]models.TransferAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	var due []models.TransferAttempt
	err := s.store.RunInTx(ctx, func(q repository.Querier) error {
		var err error
		due, err = q.ListDueTransferAttempts(ctx, status, s.now(), int32(limit))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list due %s transfers: %w", status, err)
	}
	return due, nil
}

func (s *TransferService) markExhausted(ctx context.Context, attemptID uuid.UUID, reason string) (*models.TransferAttempt, error) {
	var (
		attempt models.TransferAttempt
		changed bool
	)
	err := s.ledger.inTx(ctx, func(q repository.Querier) error {
		changed = false
		a, err := q.GetTransferAttempt(ctx, attemptID)
		if err != nil {
			return err
		}
		attempt = a
		if a.Status != domain.TransferStatusFailed {
			return nil
		}
		a.Status = domain.TransferStatusTerminallyFailed
		a.NextRetryAt = nil
		a.ErrorReason = reason
		if err := updateAttempt(ctx, q, a, domain.TransferStatusFailed, nil); err != nil {
			return err
		}
		attempt = a
		changed = true
		return s.audit.Write(ctx, q, "transfer_attempt", a.ID, actorSystem, "exhausted",
			domain.TransferStatusFailed, a.Status, marshalMetadata(map[string]any{"reason": reason}))
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.transferOutcome(ctx, attempt)
	}
	return &attempt, nil
}

// GetLatestAttempt returns the newest attempt for a withdrawal entry.
func (s *TransferService) GetLatestAttempt(ctx context.Context, ledgerEntryID uuid.UUID) (*models.TransferAttempt, error) {
	var attempt models.TransferAttempt
	err := s.store.RunInTx(ctx, func(q repository.Querier) error {
		var err error
		attempt, err = q.GetLatestTransferAttempt(ctx, ledgerEntryID)
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return nil, domain.ErrTransferNotFound
		}
		return nil, err
	}
	return &attempt, nil
}

// ListTerminallyFailed pages through attempts that need an operator.
func (s *TransferService) ListTerminallyFailed(ctx context.Context, limit, offset int) ([]models.TransferAttempt, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var attempts []models.TransferAttempt
	err := s.store.RunInTx(ctx, func(q repository.Querier) error {
		var err error
		attempts, err = q.ListTransferAttemptsByStatus(ctx, domain.TransferStatusTerminallyFailed, int32(limit), int32(offset))
		return err
	})
	if err != nil {
		return nil, err
	}
	if attempts == nil {
		attempts = []models.TransferAttempt{}
	}
	if offset == 0 && len(attempts) < limit {
		observability.SetTerminalTransfers(len(attempts))
	}
	return attempts, nil
}

// ListNeedsReview pages through attempts parked with an unknown outcome.
func (s *TransferService) ListNeedsReview(ctx context.Context, limit, offset int) ([]models.TransferAttempt, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var attempts []models.TransferAttempt
	err := s.store.RunInTx(ctx, func(q repository.Querier) error {
		var err error
		attempts, err = q.ListTransferAttemptsByStatus(ctx, domain.TransferStatusNeedsReview, int32(limit), int32(offset))
		return err
	})
	if err != nil {
		return nil, err
	}
	if attempts == nil {
		attempts = []models.TransferAttempt{}
	}
	return attempts, nil
}
