package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ayo6706/bounty-escrow/internal/domain"
	"github.com/ayo6706/bounty-escrow/internal/models"
	"github.com/ayo6706/bounty-escrow/internal/observability"
	"github.com/ayo6706/bounty-escrow/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrInvalidSignature = domain.Validation("invalid_signature", "invalid signature")
	ErrMalformedEvent   = domain.Validation("malformed_event", "malformed event")
)

type IntakeOutcome string

const (
	IntakeAccepted  IntakeOutcome = "accepted"
	IntakeDuplicate IntakeOutcome = "duplicate"
	IntakeRejected  IntakeOutcome = "rejected"
)

// IntakeResult reports what happened to one delivery. Status is the stored
// processing status of the event, empty when rejected.
type IntakeResult struct {
	Outcome IntakeOutcome `json:"outcome"`
	EventID string        `json:"event_id,omitempty"`
	Status  string        `json:"status,omitempty"`
}

// ProcessedCache is the optional fast path for already processed events.
type ProcessedCache interface {
	Lookup(ctx context.Context, eventID string) (string, bool)
	Remember(ctx context.Context, eventID, digest string)
}

type noCache struct{}

func (noCache) Lookup(context.Context, string) (string, bool) { return "", false }
func (noCache) Remember(context.Context, string, string)      {}

// EventHandler applies one processor event. It must be idempotent: the same
// event can be dispatched again after a crash or an operator replay.
type EventHandler func(ctx context.Context, data json.RawMessage) error

// ProcessorEnvelope is the body the processor posts to the webhook.
type ProcessorEnvelope struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type DepositConfirmedData struct {
	AccountID     uuid.UUID  `json:"account_id"`
	Amount        int64      `json:"amount"`
	Reference     string     `json:"reference"`
	LedgerEntryID *uuid.UUID `json:"ledger_entry_id,omitempty"`
}

type DepositFailedData struct {
	LedgerEntryID uuid.UUID `json:"ledger_entry_id"`
	Reason        string    `json:"reason"`
}

// TransferEventData names the attempt by the idempotency key it was
// submitted with, or by ledger entry and attempt number.
type TransferEventData struct {
	TransferID     string    `json:"transfer_id"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	LedgerEntryID  uuid.UUID `json:"ledger_entry_id"`
	AttemptNumber  int32     `json:"attempt_number,omitempty"`
	Reason         string    `json:"reason,omitempty"`
}

func (d TransferEventData) ref() TransferRef {
	return TransferRef{
		IdempotencyKey: d.IdempotencyKey,
		ExternalID:     d.TransferID,
		LedgerEntryID:  d.LedgerEntryID,
		AttemptNumber:  d.AttemptNumber,
	}
}

type DisputeOpenedData struct {
	BountyID uuid.UUID `json:"bounty_id"`
}

type IntakeConfig struct {
	HMACKey       string
	SkipSignature bool
	// MaxReplays caps automated replays of a failed event.
	MaxReplays int
	// StaleAfter is how long an event may sit in processing before it is
	// presumed abandoned and marked failed.
	StaleAfter time.Duration
}

// IntakeService verifies, deduplicates and dispatches processor events.
type IntakeService struct {
	store    QueryStore
	cache    ProcessedCache
	hmacKey  []byte
	skipSig  bool
	cfg      IntakeConfig
	handlers map[string]EventHandler
	now      func() time.Time
}

func NewIntakeService(store QueryStore, cache ProcessedCache, cfg IntakeConfig, ledger *LedgerService, escrow *EscrowService, transfers *TransferService) *IntakeService {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cache == nil {
		cache = noCache{}
	}
	s := &IntakeService{
		store:    store,
		cache:    cache,
		hmacKey:  []byte(cfg.HMACKey),
		skipSig:  cfg.SkipSignature,
		cfg:      cfg,
		handlers: make(map[string]EventHandler),
		now:      func() time.Time { return time.Now().UTC() },
	}
	s.Handle(domain.EventDepositConfirmed, depositConfirmedHandler(ledger))
	s.Handle(domain.EventDepositFailed, depositFailedHandler(ledger))
	s.Handle(domain.EventTransferPaid, transferPaidHandler(transfers))
	s.Handle(domain.EventTransferFailed, transferFailedHandler(transfers))
	s.Handle(domain.EventDisputeOpened, disputeOpenedHandler(escrow))
	return s
}

// Handle registers or replaces the handler for an event type.
func (s *IntakeService) Handle(eventType string, h EventHandler) {
	s.handlers[eventType] = h
}

// Receive processes one delivery. eventID and eventType may be empty, in
// which case the envelope's values are used; when given they must match.
// Handler failures are recorded on the event, not returned.
func (s *IntakeService) Receive(ctx context.Context, eventID, eventType string, payload []byte, signature string) (*IntakeResult, error) {
	if !s.verifyHMAC(payload, signature) {
		observability.IncrementIntakeEvent(eventType, string(IntakeRejected))
		zap.L().Warn("processor event rejected: bad signature", zap.String("event_id", eventID))
		return &IntakeResult{Outcome: IntakeRejected, EventID: eventID}, ErrInvalidSignature
	}

	env, err := parseEnvelope(payload)
	if err == nil && eventID != "" && eventID != env.ID {
		err = fmt.Errorf("%w: event id does not match envelope", ErrMalformedEvent)
	}
	if err == nil && eventType != "" && eventType != env.Type {
		err = fmt.Errorf("%w: event type does not match envelope", ErrMalformedEvent)
	}
	if err != nil {
		observability.IncrementIntakeEvent(eventType, string(IntakeRejected))
		return &IntakeResult{Outcome: IntakeRejected, EventID: eventID}, err
	}

	ctx, span := observability.StartSpan(ctx, "intake.receive", observability.EventID(env.ID))
	defer observability.EndSpan(span, nil)

	digest := payloadDigest(payload)
	if cached, ok := s.cache.Lookup(ctx, env.ID); ok {
		if cached != digest {
			zap.L().Warn("processor event redelivered with a different payload",
				zap.String("event_id", env.ID))
		}
		observability.IncrementIntakeEvent(env.Type, string(IntakeDuplicate))
		return &IntakeResult{Outcome: IntakeDuplicate, EventID: env.ID, Status: domain.EventStatusProcessed}, nil
	}

	// The event row and its effects must land even if the processor hangs up.
	ctx, cancel := detach(ctx, 30*time.Second)
	defer cancel()

	var (
		inserted bool
		existing models.ProcessorEvent
	)
	err = s.store.RunInTx(ctx, func(q repository.Querier) error {
		var err error
		inserted, err = q.InsertProcessorEventIfAbsent(ctx, models.ProcessorEvent{
			EventID:       env.ID,
			Type:          env.Type,
			Payload:       payload,
			PayloadDigest: digest,
			Status:        domain.EventStatusProcessing,
			ReceivedAt:    s.now(),
		})
		if err != nil || inserted {
			return err
		}
		existing, err = q.GetProcessorEvent(ctx, env.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("record processor event: %w", err)
	}
	if !inserted {
		if existing.PayloadDigest != digest {
			zap.L().Warn("processor event redelivered with a different payload",
				zap.String("event_id", env.ID),
				zap.String("stored_digest", existing.PayloadDigest),
				zap.String("received_digest", digest))
		}
		if existing.Status == domain.EventStatusProcessed {
			s.cache.Remember(ctx, env.ID, existing.PayloadDigest)
		}
		observability.IncrementIntakeEvent(env.Type, string(IntakeDuplicate))
		return &IntakeResult{Outcome: IntakeDuplicate, EventID: env.ID, Status: existing.Status}, nil
	}

	status := s.dispatch(ctx, env, digest)
	observability.IncrementIntakeEvent(env.Type, string(IntakeAccepted))
	return &IntakeResult{Outcome: IntakeAccepted, EventID: env.ID, Status: status}, nil
}

func parseEnvelope(payload []byte) (ProcessorEnvelope, error) {
	var env ProcessorEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	env.ID = strings.TrimSpace(env.ID)
	env.Type = strings.TrimSpace(env.Type)
	if env.ID == "" || env.Type == "" {
		return env, fmt.Errorf("%w: id and type are required", ErrMalformedEvent)
	}
	return env, nil
}

func payloadDigest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// dispatch runs the handler for a claimed event and records the result.
func (s *IntakeService) dispatch(ctx context.Context, env ProcessorEnvelope, digest string) string {
	status := domain.EventStatusProcessed
	var errText string

	handler, ok := s.handlers[env.Type]
	if !ok {
		zap.L().Info("ignoring processor event of unknown type",
			zap.String("event_id", env.ID), zap.String("type", env.Type))
	} else if err := handler(ctx, env.Data); err != nil {
		status = domain.EventStatusFailed
		errText = err.Error()
		zap.L().Error("processor event handler failed",
			zap.String("event_id", env.ID), zap.String("type", env.Type), zap.Error(err))
	}

	processedAt := s.now()
	err := s.store.RunInTx(ctx, func(q repository.Querier) error {
		_, err := q.FinishProcessorEvent(ctx, repository.FinishProcessorEventParams{
			EventID:     env.ID,
			Status:      status,
			Error:       errText,
			ProcessedAt: &processedAt,
		})
		return err
	})
	if err != nil {
		// The row stays processing; the stale sweep turns it into failed.
		zap.L().Error("record processor event outcome",
			zap.String("event_id", env.ID), zap.String("status", status), zap.Error(err))
		return domain.EventStatusProcessing
	}
	if status == domain.EventStatusProcessed {
		s.cache.Remember(ctx, env.ID, digest)
	}
	return status
}

// ReplayFailed redispatches failed events that are still under the replay
// cap. Events stuck in processing past StaleAfter are failed first.
func (s *IntakeService) ReplayFailed(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}
	var failed []models.ProcessorEvent
	err := s.store.RunInTx(ctx, func(q repository.Querier) error {
		stale, err := q.FailStaleProcessorEvents(ctx, s.now().Add(-s.cfg.StaleAfter), "processing abandoned")
		if err != nil {
			return err
		}
		if stale > 0 {
			zap.L().Warn("marked abandoned processor events failed", zap.Int64("count", stale))
		}
		failed, err = q.ListFailedProcessorEvents(ctx, int32(s.cfg.MaxReplays), int32(limit))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list failed processor events: %w", err)
	}

	replayed := 0
	for _, event := range failed {
		if ctx.Err() != nil {
			break
		}
		ok, err := s.replay(ctx, event, int32(s.cfg.MaxReplays))
		if err != nil {
			zap.L().Warn("replay processor event", zap.String("event_id", event.EventID), zap.Error(err))
			continue
		}
		if ok {
			replayed++
		}
	}
	return replayed, nil
}

// ReplayEvent is the operator path: it ignores the automated replay cap.
func (s *IntakeService) ReplayEvent(ctx context.Context, eventID string) (*IntakeResult, error) {
	var event models.ProcessorEvent
	err := s.store.RunInTx(ctx, func(q repository.Querier) error {
		var err error
		event, err = q.GetProcessorEvent(ctx, eventID)
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return nil, domain.ErrEventNotFound
		}
		return nil, err
	}
	switch event.Status {
	case domain.EventStatusProcessed:
		return &IntakeResult{Outcome: IntakeDuplicate, EventID: eventID, Status: event.Status}, nil
	case domain.EventStatusProcessing:
		return nil, domain.Conflict("event_in_progress", "event is being processed")
	}

	ctx, cancel := detach(ctx, 30*time.Second)
	defer cancel()
	ok, err := s.replay(ctx, event, 0)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.Conflict("event_in_progress", "event was claimed by another replay")
	}

	err = s.store.RunInTx(ctx, func(q repository.Querier) error {
		var err error
		event, err = q.GetProcessorEvent(ctx, eventID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &IntakeResult{Outcome: IntakeAccepted, EventID: eventID, Status: event.Status}, nil
}

// replay claims a failed event and dispatches it. It reports false when
// another worker claimed the event first or the cap was reached.
func (s *IntakeService) replay(ctx context.Context, event models.ProcessorEvent, maxReplays int32) (bool, error) {
	var claimed int64
	err := s.store.RunInTx(ctx, func(q repository.Querier) error {
		var err error
		claimed, err = q.ClaimProcessorEventForReplay(ctx, event.EventID, maxReplays)
		return err
	})
	if err != nil {
		return false, err
	}
	if claimed == 0 {
		return false, nil
	}

	env, err := parseEnvelope(event.Payload)
	if err != nil {
		// Stored payloads were validated on receipt; treat this as a handler failure.
		env = ProcessorEnvelope{ID: event.EventID, Type: event.Type}
	}
	status := s.dispatch(ctx, env, event.PayloadDigest)
	zap.L().Info("processor event replayed",
		zap.String("event_id", event.EventID),
		zap.Int32("replay", event.ReplayCount+1),
		zap.String("status", status))
	return true, nil
}

// ListFailedEvents returns failed events for operators, regardless of cap.
func (s *IntakeService) ListFailedEvents(ctx context.Context, limit int) ([]models.ProcessorEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var events []models.ProcessorEvent
	err := s.store.RunInTx(ctx, func(q repository.Querier) error {
		var err error
		events, err = q.ListFailedProcessorEvents(ctx, 0, int32(limit))
		return err
	})
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []models.ProcessorEvent{}
	}
	return events, nil
}

// verifyHMAC checks a "sha256=<hex>" signature over the raw body.
func (s *IntakeService) verifyHMAC(payload []byte, signature string) bool {
	if s.skipSig {
		return true
	}
	if len(s.hmacKey) == 0 {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(SignPayload(s.hmacKey, payload)))
}

// SignPayload computes the signature header value for payload.
func SignPayload(key, payload []byte) string {
	h := hmac.New(sha256.New, key)
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: data is required", ErrMalformedEvent)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}

func depositConfirmedHandler(ledger *LedgerService) EventHandler {
	return func(ctx context.Context, raw json.RawMessage) error {
		var data DepositConfirmedData
		if err := decodeData(raw, &data); err != nil {
			return err
		}
		if data.LedgerEntryID != nil {
			_, err := ledger.SettleDeposit(ctx, *data.LedgerEntryID,
				DepositMatch{AccountID: data.AccountID, Amount: data.Amount}, data.Reference)
			return err
		}
		if strings.TrimSpace(data.Reference) == "" {
			return fmt.Errorf("%w: reference is required", ErrMalformedEvent)
		}
		_, err := ledger.Credit(ctx, PostingRequest{
			AccountID:      data.AccountID,
			Amount:         data.Amount,
			Type:           domain.EntryTypeDeposit,
			ExternalRef:    data.Reference,
			IdempotencyKey: "deposit:" + data.Reference,
		})
		return err
	}
}

func depositFailedHandler(ledger *LedgerService) EventHandler {
	return func(ctx context.Context, raw json.RawMessage) error {
		var data DepositFailedData
		if err := decodeData(raw, &data); err != nil {
			return err
		}
		_, err := ledger.FailEntry(ctx, data.LedgerEntryID, data.Reason)
		return err
	}
}

func transferPaidHandler(transfers *TransferService) EventHandler {
	return func(ctx context.Context, raw json.RawMessage) error {
		var data TransferEventData
		if err := decodeData(raw, &data); err != nil {
			return err
		}
		_, err := transfers.HandleTransferPaid(ctx, data.ref())
		return err
	}
}

func transferFailedHandler(transfers *TransferService) EventHandler {
	return func(ctx context.Context, raw json.RawMessage) error {
		var data TransferEventData
		if err := decodeData(raw, &data); err != nil {
			return err
		}
		_, err := transfers.HandleTransferFailed(ctx, data.ref(), data.Reason)
		return err
	}
}

func disputeOpenedHandler(escrow *EscrowService) EventHandler {
	return func(ctx context.Context, raw json.RawMessage) error {
		var data DisputeOpenedData
		if err := decodeData(raw, &data); err != nil {
			return err
		}
		_, err := escrow.Dispute(ctx, data.BountyID)
		if errors.Is(err, domain.ErrAlreadyResolved) || errors.Is(err, domain.ErrHoldNotFound) {
			zap.L().Info("dispute ignored", zap.String("bounty_id", data.BountyID.String()), zap.Error(err))
			return nil
		}
		return err
	}
}
