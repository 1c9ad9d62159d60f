package service

import (
	"context"
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

type HoldRequest struct {
	BountyID        uuid.UUID
	PosterAccountID uuid.UUID
	Amount          int64
	Category        string
	IdempotencyKey  string
}

type ReleaseRequest struct {
	BountyID        uuid.UUID
	HunterAccountID uuid.UUID
	FeePolicy       domain.FeePolicy
}

// EscrowResult is the hold after a transition plus the ledger entries that
// transition produced. Replayed is set when nothing new was written.
type EscrowResult struct {
	Hold     models.EscrowHold    `json:"hold"`
	Entries  []models.LedgerEntry `json:"entries"`
	Replayed bool                 `json:"-"`
}

// EscrowService drives bounty holds through held, disputed, released and
// refunded. Every transition and its ledger legs commit in one transaction.
type EscrowService struct {
	store      QueryStore
	ledger     *LedgerService
	compliance ComplianceGate
	audit      *AuditService
	publisher  events.Publisher
	now        func() time.Time
}

func NewEscrowService(store QueryStore, ledger *LedgerService, compliance ComplianceGate, publisher events.Publisher) *EscrowService {
	if compliance == nil {
		compliance = AllowAll{}
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &EscrowService{
		store:      store,
		ledger:     ledger,
		compliance: compliance,
		audit:      NewAuditService(),
		publisher:  publisher,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func holdEntryKey(bountyID uuid.UUID, holdKey string) string {
	return fmt.Sprintf("escrow:%s:held:%s", bountyID, holdKey)
}

func releaseHunterKey(holdID uuid.UUID) string {
	return fmt.Sprintf("escrow:%s:released:hunter", holdID)
}

func releaseFeeKey(holdID uuid.UUID) string {
	return fmt.Sprintf("escrow:%s:released:fee", holdID)
}

func refundKey(holdID uuid.UUID) string {
	return fmt.Sprintf("escrow:%s:refunded", holdID)
}

// Hold moves poster funds into escrow for a bounty. Reusing the key returns
// the stored hold; a different key while a hold is active is a conflict.
func (s *EscrowService) Hold(ctx context.Context, req HoldRequest) (*EscrowResult, error) {
	if req.BountyID == uuid.Nil {
		return nil, domain.Validation("invalid_bounty", "bounty_id is required")
	}
	if req.PosterAccountID == uuid.Nil {
		return nil, domain.Validation("invalid_account", "poster_account_id is required")
	}
	if req.Amount < 0 {
		return nil, domain.Validation("invalid_amount", "amount must not be negative")
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return nil, domain.Validation("missing_idempotency_key", "idempotency key is required")
	}
	// A retry of a hold that already exists replays it even if the category
	// has since been blocked.
	known, err := s.holdKeyUsed(ctx, req.BountyID, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if !known {
		if err := s.compliance.Check(ctx, req.PosterAccountID, req.Category); err != nil {
			observability.IncrementEscrowTransition(domain.EscrowStateHeld, "rejected")
			return nil, err
		}
	}

	ctx, span := observability.StartSpan(ctx, "escrow.hold",
		observability.BountyID(req.BountyID.String()), observability.Amount(req.Amount))
	ctx, cancel := detach(ctx, s.ledger.cfg.MutationTimeout)
	defer cancel()

	var (
		result  EscrowResult
		applied []models.LedgerEntry
	)
	err = s.ledger.inTx(ctx, func(q repository.Querier) error {
		result, applied = EscrowResult{}, nil

		existing, err := q.GetEscrowHoldByKey(ctx, req.BountyID, req.IdempotencyKey)
		if err == nil {
			result.Hold = existing
			result.Replayed = true
			if existing.Amount > 0 {
				result.Entries = s.loadEntries(ctx, q,
					entryRef{existing.PosterAccountID, domain.EntryTypeEscrowHold, holdEntryKey(req.BountyID, req.IdempotencyKey)})
			}
			return nil
		}
		if !isNotFound(err) {
			return fmt.Errorf("lookup hold by key: %w", err)
		}

		latest, err := q.GetLatestEscrowHold(ctx, req.BountyID)
		if err == nil && !isTerminalEscrowState(latest.State) {
			return domain.ErrHoldExists
		}
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("load latest hold: %w", err)
		}

		if _, err := q.GetAccount(ctx, req.PosterAccountID); err != nil {
			if isNotFound(err) {
				return domain.ErrAccountNotFound
			}
			return fmt.Errorf("load poster account: %w", err)
		}

		hold, err := q.InsertEscrowHold(ctx, models.EscrowHold{
			ID:              uuid.New(),
			BountyID:        req.BountyID,
			PosterAccountID: req.PosterAccountID,
			Amount:          req.Amount,
			State:           domain.EscrowStateHeld,
			HoldKey:         req.IdempotencyKey,
			CreatedAt:       s.now(),
		})
		if err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return versionConflict("insert escrow hold")
			}
			return err
		}

		if req.Amount > 0 {
			bountyID := req.BountyID
			res, err := s.ledger.post(ctx, q, PostingRequest{
				AccountID:      req.PosterAccountID,
				Amount:         req.Amount,
				Type:           domain.EntryTypeEscrowHold,
				BountyID:       &bountyID,
				IdempotencyKey: holdEntryKey(req.BountyID, req.IdempotencyKey),
			}, -1)
			if err != nil {
				return err
			}
			result.Entries = append(result.Entries, res.entry)
			if !res.replayed {
				applied = append(applied, res.entry)
			}
		}

		if err := s.audit.Write(ctx, q, "escrow_hold", hold.ID, actorSystem, "held",
			domain.EscrowStateNoHold, domain.EscrowStateHeld,
			marshalMetadata(map[string]any{"bounty_id": req.BountyID, "amount": req.Amount})); err != nil {
			return err
		}
		result.Hold = hold
		return nil
	})
	observability.EndSpan(span, err)
	if err != nil {
		observability.IncrementEscrowTransition(domain.EscrowStateHeld, string(outcomeLabel(err)))
		return nil, err
	}

	s.finish(ctx, domain.EscrowStateHeld, events.TypeEscrowHeld, &result, applied)
	return &result, nil
}

func (s *EscrowService) holdKeyUsed(ctx context.Context, bountyID uuid.UUID, key string) (bool, error) {
	var found bool
	err := s.store.RunInTx(ctx, func(q repository.Querier) error {
		_, err := q.GetEscrowHoldByKey(ctx, bountyID, key)
		switch {
		case err == nil:
			found = true
		case !isNotFound(err):
			return fmt.Errorf("lookup hold by key: %w", err)
		}
		return nil
	})
	return found, err
}

// Release pays the hunter amount minus fee and credits the fee to the
// platform account.
func (s *EscrowService) Release(ctx context.Context, req ReleaseRequest) (*EscrowResult, error) {
	if req.BountyID == uuid.Nil {
		return nil, domain.Validation("invalid_bounty", "bounty_id is required")
	}
	if req.HunterAccountID == uuid.Nil {
		return nil, domain.Validation("invalid_account", "hunter_account_id is required")
	}
	policy := req.FeePolicy
	if policy == nil {
		policy = domain.NoFee{}
	}
	platformID := uuid.MustParse(domain.PlatformAccountID)

	return s.transition(ctx, req.BountyID, domain.EscrowStateReleased, func(ctx context.Context, q repository.Querier, hold models.EscrowHold, outcome transitionOutcome) (*transitionPlan, error) {
		switch outcome {
		case outcomeReplay:
			var refs []entryRef
			if hold.HunterAccountID != nil {
				refs = append(refs, entryRef{*hold.HunterAccountID, domain.EntryTypeEscrowRelease, releaseHunterKey(hold.ID)})
			}
			refs = append(refs, entryRef{platformID, domain.EntryTypePlatformFee, releaseFeeKey(hold.ID)})
			return &transitionPlan{entries: s.loadEntries(ctx, q, refs...)}, nil
		case outcomeApply:
		default:
			return nil, domain.ErrNotHeld
		}

		fee, err := policy.Fee(hold.Amount)
		if err != nil {
			return nil, err
		}
		if fee < 0 || fee > hold.Amount {
			return nil, domain.Validation("invalid_fee", "fee must be between zero and the held amount")
		}
		if _, err := q.GetAccount(ctx, req.HunterAccountID); err != nil {
			if isNotFound(err) {
				return nil, domain.ErrAccountNotFound
			}
			return nil, fmt.Errorf("load hunter account: %w", err)
		}

		bountyID := hold.BountyID
		plan := &transitionPlan{}
		legs := []PostingRequest{
			{AccountID: req.HunterAccountID, Amount: hold.Amount - fee, Type: domain.EntryTypeEscrowRelease, BountyID: &bountyID, IdempotencyKey: releaseHunterKey(hold.ID)},
			{AccountID: platformID, Amount: fee, Type: domain.EntryTypePlatformFee, BountyID: &bountyID, IdempotencyKey: releaseFeeKey(hold.ID)},
		}
		for _, leg := range legs {
			if leg.Amount == 0 {
				continue
			}
			if err := s.postLeg(ctx, q, leg, plan); err != nil {
				return nil, err
			}
		}

		hunter := req.HunterAccountID
		resolvedAt := s.now()
		plan.update = repository.UpdateEscrowHoldParams{
			HunterAccountID: &hunter,
			Fee:             fee,
			ResolvedAt:      &resolvedAt,
		}
		plan.metadata = map[string]any{"hunter_account_id": hunter, "fee": fee, "net": hold.Amount - fee}
		return plan, nil
	}, events.TypeEscrowReleased)
}

// Refund returns the held amount to the poster.
func (s *EscrowService) Refund(ctx context.Context, bountyID uuid.UUID, reason string) (*EscrowResult, error) {
	if bountyID == uuid.Nil {
		return nil, domain.Validation("invalid_bounty", "bounty_id is required")
	}
	return s.transition(ctx, bountyID, domain.EscrowStateRefunded, func(ctx context.Context, q repository.Querier, hold models.EscrowHold, outcome transitionOutcome) (*transitionPlan, error) {
		switch outcome {
		case outcomeReplay:
			return &transitionPlan{entries: s.loadEntries(ctx, q,
				entryRef{hold.PosterAccountID, domain.EntryTypeRefund, refundKey(hold.ID)})}, nil
		case outcomeAlreadyResolved:
			return nil, domain.ErrAlreadyResolved
		case outcomeApply:
		default:
			return nil, domain.ErrNotHeld
		}
		if hold.Amount == 0 {
			return nil, domain.ErrNothingToRefund
		}

		id := hold.BountyID
		plan := &transitionPlan{}
		if err := s.postLeg(ctx, q, PostingRequest{
			AccountID:      hold.PosterAccountID,
			Amount:         hold.Amount,
			Type:           domain.EntryTypeRefund,
			BountyID:       &id,
			IdempotencyKey: refundKey(hold.ID),
		}, plan); err != nil {
			return nil, err
		}
		resolvedAt := s.now()
		plan.update = repository.UpdateEscrowHoldParams{
			Fee:          hold.Fee,
			RefundReason: reason,
			ResolvedAt:   &resolvedAt,
		}
		plan.metadata = map[string]any{"reason": reason}
		return plan, nil
	}, events.TypeEscrowRefunded)
}

// Dispute freezes a held bounty. No funds move.
func (s *EscrowService) Dispute(ctx context.Context, bountyID uuid.UUID) (*EscrowResult, error) {
	if bountyID == uuid.Nil {
		return nil, domain.Validation("invalid_bounty", "bounty_id is required")
	}
	return s.transition(ctx, bountyID, domain.EscrowStateDisputed, func(_ context.Context, _ repository.Querier, hold models.EscrowHold, outcome transitionOutcome) (*transitionPlan, error) {
		switch outcome {
		case outcomeReplay:
			return &transitionPlan{}, nil
		case outcomeApply:
			return &transitionPlan{update: repository.UpdateEscrowHoldParams{Fee: hold.Fee}}, nil
		case outcomeAlreadyResolved:
			return nil, domain.ErrAlreadyResolved
		default:
			return nil, domain.ErrNotHeld
		}
	}, events.TypeEscrowDisputed)
}

// GetHold returns the most recent hold for a bounty.
func (s *EscrowService) GetHold(ctx context.Context, bountyID uuid.UUID) (*models.EscrowHold, error) {
	var hold models.EscrowHold
	err := s.store.RunInTx(ctx, func(q repository.Querier) error {
		var err error
		hold, err = q.GetLatestEscrowHold(ctx, bountyID)
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return nil, domain.ErrHoldNotFound
		}
		return nil, err
	}
	return &hold, nil
}

// transitionPlan carries the ledger legs a step posted and the hold fields
// it wants written. ID, State and ExpectedVersion are filled in by transition.
type transitionPlan struct {
	entries  []models.LedgerEntry
	applied  []models.LedgerEntry
	update   repository.UpdateEscrowHoldParams
	metadata map[string]any
}

type transitionStep func(ctx context.Context, q repository.Querier, hold models.EscrowHold, outcome transitionOutcome) (*transitionPlan, error)

func (s *EscrowService) transition(ctx context.Context, bountyID uuid.UUID, target string, step transitionStep, eventType string) (*EscrowResult, error) {
	ctx, span := observability.StartSpan(ctx, "escrow."+target, observability.BountyID(bountyID.String()))
	ctx, cancel := detach(ctx, s.ledger.cfg.MutationTimeout)
	defer cancel()

	var (
		result  EscrowResult
		applied []models.LedgerEntry
	)
	err := s.ledger.inTx(ctx, func(q repository.Querier) error {
		result, applied = EscrowResult{}, nil

		hold, err := q.GetLatestEscrowHold(ctx, bountyID)
		if err != nil {
			if isNotFound(err) {
				if target == domain.EscrowStateReleased {
					return domain.ErrNotHeld
				}
				return domain.ErrHoldNotFound
			}
			return fmt.Errorf("load escrow hold: %w", err)
		}

		outcome := decideTransition(hold.State, target)
		plan, err := step(ctx, q, hold, outcome)
		if err != nil {
			return err
		}
		if outcome == outcomeReplay {
			result = EscrowResult{Hold: hold, Entries: plan.entries, Replayed: true}
			return nil
		}

		update := plan.update
		update.ID = hold.ID
		update.State = target
		update.ExpectedVersion = hold.Version
		if update.RefundReason == "" {
			update.RefundReason = hold.RefundReason
		}
		rows, err := q.UpdateEscrowHold(ctx, update)
		if err != nil {
			return err
		}
		if rows == 0 {
			return versionConflict("update escrow hold")
		}

		if err := s.audit.Write(ctx, q, "escrow_hold", hold.ID, actorSystem, target,
			hold.State, target, marshalMetadata(plan.metadata)); err != nil {
			return err
		}

		updated, err := q.GetEscrowHoldByKey(ctx, hold.BountyID, hold.HoldKey)
		if err != nil {
			return fmt.Errorf("reload escrow hold: %w", err)
		}
		result = EscrowResult{Hold: updated, Entries: plan.entries}
		applied = plan.applied
		return nil
	})
	observability.EndSpan(span, err)
	if err != nil {
		observability.IncrementEscrowTransition(target, string(outcomeLabel(err)))
		return nil, err
	}

	s.finish(ctx, target, eventType, &result, applied)
	return &result, nil
}

func (s *EscrowService) postLeg(ctx context.Context, q repository.Querier, req PostingRequest, plan *transitionPlan) error {
	res, err := s.ledger.post(ctx, q, req, 1)
	if err != nil {
		return err
	}
	plan.entries = append(plan.entries, res.entry)
	if !res.replayed {
		plan.applied = append(plan.applied, res.entry)
	}
	return nil
}

// finish records metrics and sends notifications once the transaction has
// committed.
func (s *EscrowService) finish(ctx context.Context, target, eventType string, result *EscrowResult, applied []models.LedgerEntry) {
	if result.Entries == nil {
		result.Entries = []models.LedgerEntry{}
	}
	if result.Replayed {
		observability.IncrementEscrowTransition(target, outcomeReplay.String())
		return
	}
	observability.IncrementEscrowTransition(target, outcomeApply.String())
	zap.L().Info("escrow transition applied",
		zap.String("bounty_id", result.Hold.BountyID.String()),
		zap.String("hold_id", result.Hold.ID.String()),
		zap.String("state", result.Hold.State),
		zap.Int64("amount", result.Hold.Amount),
		zap.Int64("fee", result.Hold.Fee))

	for _, entry := range applied {
		s.ledger.notifyEntry(ctx, entry)
	}
	_ = s.publisher.Publish(ctx, events.Event{
		Type:       eventType,
		Key:        result.Hold.BountyID.String(),
		OccurredAt: s.now(),
		Data:       result.Hold,
	})
}

type entryRef struct {
	accountID uuid.UUID
	entryType string
	key       string
}

// loadEntries fetches previously written legs by idempotency key, skipping
// legs that were never written.
func (s *EscrowService) loadEntries(ctx context.Context, q repository.Querier, refs ...entryRef) []models.LedgerEntry {
	entries := make([]models.LedgerEntry, 0, len(refs))
	for _, ref := range refs {
		e, err := q.GetLedgerEntryByKey(ctx, repository.GetLedgerEntryByKeyParams{
			AccountID:      ref.accountID,
			Type:           ref.entryType,
			IdempotencyKey: ref.key,
		})
		if err != nil {
			if !isNotFound(err) {
				zap.L().Warn("load escrow entry", zap.String("key", ref.key), zap.Error(err))
			}
			continue
		}
		entries = append(entries, e)
	}
	return entries
}
