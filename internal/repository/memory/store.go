// Package memory is an in-process storage driver with the same transactional
// and optimistic-versioning semantics as the postgres repository. It backs
// STORAGE_DRIVER=memory and the service tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ayo6706/bounty-escrow/internal/domain"
	"github.com/ayo6706/bounty-escrow/internal/models"
	"github.com/ayo6706/bounty-escrow/internal/repository"
	"github.com/google/uuid"
)

type state struct {
	accounts     map[uuid.UUID]models.Account
	entries      map[uuid.UUID]models.LedgerEntry
	entryOrder   []uuid.UUID
	holds        map[uuid.UUID]models.EscrowHold
	holdOrder    []uuid.UUID
	events       map[string]models.ProcessorEvent
	attempts     map[uuid.UUID]models.TransferAttempt
	attemptOrder []uuid.UUID
	audit        []models.AuditRecord
}

func newState() *state {
	return &state{
		accounts: make(map[uuid.UUID]models.Account),
		entries:  make(map[uuid.UUID]models.LedgerEntry),
		holds:    make(map[uuid.UUID]models.EscrowHold),
		events:   make(map[string]models.ProcessorEvent),
		attempts: make(map[uuid.UUID]models.TransferAttempt),
	}
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *state) clone() *state {
	return &state{
		accounts:     cloneMap(s.accounts),
		entries:      cloneMap(s.entries),
		entryOrder:   append([]uuid.UUID(nil), s.entryOrder...),
		holds:        cloneMap(s.holds),
		holdOrder:    append([]uuid.UUID(nil), s.holdOrder...),
		events:       cloneMap(s.events),
		attempts:     cloneMap(s.attempts),
		attemptOrder: append([]uuid.UUID(nil), s.attemptOrder...),
		audit:        append([]models.AuditRecord(nil), s.audit...),
	}
}

// Store serializes transactions behind one mutex and commits by swapping in
// the working copy, so a failed fn leaves no trace.
type Store struct {
	mu sync.Mutex
	st *state

	balanceConflicts int
	holdConflicts    int
}

// NewStore returns an empty store with the platform account seeded.
func NewStore() *Store {
	st := newState()
	platform := uuid.MustParse(domain.PlatformAccountID)
	now := time.Now().UTC()
	st.accounts[platform] = models.Account{UserID: platform, Version: 1, CreatedAt: now, UpdatedAt: now}
	return &Store{st: st}
}

// RunInTx runs fn against a private copy of the data and publishes it only
// when fn succeeds.
func (s *Store) RunInTx(ctx context.Context, fn func(q repository.Querier) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(&tx{store: s, st: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) Ping(context.Context) error { return nil }

// InjectBalanceConflicts makes the next n balance updates miss their version
// check, as if another writer had committed first.
func (s *Store) InjectBalanceConflicts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balanceConflicts = n
}

// InjectHoldConflicts does the same for escrow hold updates.
func (s *Store) InjectHoldConflicts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdConflicts = n
}

type tx struct {
	store *Store
	st    *state
}

var _ repository.Querier = (*tx)(nil)

func (t *tx) InsertAccount(_ context.Context, userID uuid.UUID) (bool, error) {
	if _, ok := t.st.accounts[userID]; ok {
		return false, nil
	}
	now := time.Now().UTC()
	t.st.accounts[userID] = models.Account{UserID: userID, Version: 1, CreatedAt: now, UpdatedAt: now}
	return true, nil
}

func (t *tx) GetAccount(_ context.Context, userID uuid.UUID) (models.Account, error) {
	a, ok := t.st.accounts[userID]
	if !ok {
		return models.Account{}, repository.ErrNotFound
	}
	return a, nil
}

func (t *tx) UpdateAccountBalance(_ context.Context, arg repository.UpdateAccountBalanceParams) (int64, error) {
	if t.store.balanceConflicts > 0 {
		t.store.balanceConflicts--
		return 0, nil
	}
	a, ok := t.st.accounts[arg.UserID]
	if !ok || a.Version != arg.ExpectedVersion {
		return 0, nil
	}
	if arg.Balance < 0 {
		return 0, repository.ErrCheckViolation
	}
	a.Balance = arg.Balance
	a.Version++
	a.UpdatedAt = time.Now().UTC()
	t.st.accounts[arg.UserID] = a
	return 1, nil
}

func (t *tx) ListAccountDrift(_ context.Context, limit int32) ([]models.AccountDrift, error) {
	totals := make(map[uuid.UUID]int64)
	counts := make(map[uuid.UUID]int64)
	for _, e := range t.st.entries {
		if e.Status == domain.EntryStatusCompleted {
			totals[e.AccountID] += e.Amount
			counts[e.AccountID]++
		}
	}
	var out []models.AccountDrift
	for id, a := range t.st.accounts {
		if a.Balance != totals[id] || a.Balance < 0 {
			out = append(out, models.AccountDrift{UserID: id, Balance: a.Balance, JournalTotal: totals[id], CompletedRows: counts[id]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID.String() < out[j].UserID.String() })
	if limit > 0 && len(out) > int(limit) {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) InsertLedgerEntry(_ context.Context, e models.LedgerEntry) (models.LedgerEntry, error) {
	if _, ok := t.st.accounts[e.AccountID]; !ok {
		return models.LedgerEntry{}, repository.ErrNotFound
	}
	if _, ok := t.st.entries[e.ID]; ok {
		return models.LedgerEntry{}, repository.ErrDuplicate
	}
	for _, existing := range t.st.entries {
		if existing.AccountID == e.AccountID && existing.Type == e.Type && existing.IdempotencyKey == e.IdempotencyKey {
			return models.LedgerEntry{}, repository.ErrDuplicate
		}
	}
	t.st.entries[e.ID] = e
	t.st.entryOrder = append(t.st.entryOrder, e.ID)
	return e, nil
}

func (t *tx) GetLedgerEntry(_ context.Context, id uuid.UUID) (models.LedgerEntry, error) {
	e, ok := t.st.entries[id]
	if !ok {
		return models.LedgerEntry{}, repository.ErrNotFound
	}
	return e, nil
}

func (t *tx) GetLedgerEntryByKey(_ context.Context, arg repository.GetLedgerEntryByKeyParams) (models.LedgerEntry, error) {
	for _, e := range t.st.entries {
		if e.AccountID == arg.AccountID && e.Type == arg.Type && e.IdempotencyKey == arg.IdempotencyKey {
			return e, nil
		}
	}
	return models.LedgerEntry{}, repository.ErrNotFound
}

func (t *tx) SettleLedgerEntry(_ context.Context, arg repository.SettleLedgerEntryParams) (int64, error) {
	e, ok := t.st.entries[arg.ID]
	if !ok || e.Status != domain.EntryStatusPending {
		return 0, nil
	}
	e.Status = arg.Status
	if arg.ExternalRef != "" {
		e.ExternalRef = arg.ExternalRef
	}
	completedAt := arg.CompletedAt
	e.CompletedAt = &completedAt
	t.st.entries[arg.ID] = e
	return 1, nil
}

func (t *tx) ListLedgerEntries(_ context.Context, arg repository.ListLedgerEntriesParams) ([]models.LedgerEntry, error) {
	var matched []models.LedgerEntry
	for i := len(t.st.entryOrder) - 1; i >= 0; i-- {
		e := t.st.entries[t.st.entryOrder[i]]
		if e.AccountID == arg.AccountID {
			matched = append(matched, e)
		}
	}
	return page(matched, arg.Limit, arg.Offset), nil
}

func (t *tx) InsertEscrowHold(_ context.Context, h models.EscrowHold) (models.EscrowHold, error) {
	for _, existing := range t.st.holds {
		if existing.BountyID != h.BountyID {
			continue
		}
		if existing.HoldKey == h.HoldKey || isActiveHold(existing.State) {
			return models.EscrowHold{}, repository.ErrDuplicate
		}
	}
	h.Version = 1
	h.UpdatedAt = h.CreatedAt
	t.st.holds[h.ID] = h
	t.st.holdOrder = append(t.st.holdOrder, h.ID)
	return h, nil
}

func isActiveHold(state string) bool {
	return state == domain.EscrowStateHeld || state == domain.EscrowStateDisputed
}

func (t *tx) GetEscrowHoldByKey(_ context.Context, bountyID uuid.UUID, holdKey string) (models.EscrowHold, error) {
	for _, h := range t.st.holds {
		if h.BountyID == bountyID && h.HoldKey == holdKey {
			return h, nil
		}
	}
	return models.EscrowHold{}, repository.ErrNotFound
}

func (t *tx) GetLatestEscrowHold(_ context.Context, bountyID uuid.UUID) (models.EscrowHold, error) {
	for i := len(t.st.holdOrder) - 1; i >= 0; i-- {
		h := t.st.holds[t.st.holdOrder[i]]
		if h.BountyID == bountyID {
			return h, nil
		}
	}
	return models.EscrowHold{}, repository.ErrNotFound
}

func (t *tx) UpdateEscrowHold(_ context.Context, arg repository.UpdateEscrowHoldParams) (int64, error) {
	if t.store.holdConflicts > 0 {
		t.store.holdConflicts--
		return 0, nil
	}
	h, ok := t.st.holds[arg.ID]
	if !ok || h.Version != arg.ExpectedVersion {
		return 0, nil
	}
	h.State = arg.State
	if arg.HunterAccountID != nil {
		hunter := *arg.HunterAccountID
		h.HunterAccountID = &hunter
	}
	h.Fee = arg.Fee
	h.RefundReason = arg.RefundReason
	h.ResolvedAt = arg.ResolvedAt
	h.Version++
	h.UpdatedAt = time.Now().UTC()
	t.st.holds[arg.ID] = h
	return 1, nil
}

func (t *tx) InsertProcessorEventIfAbsent(_ context.Context, e models.ProcessorEvent) (bool, error) {
	if _, ok := t.st.events[e.EventID]; ok {
		return false, nil
	}
	e.Status = domain.EventStatusProcessing
	t.st.events[e.EventID] = e
	return true, nil
}

func (t *tx) GetProcessorEvent(_ context.Context, eventID string) (models.ProcessorEvent, error) {
	e, ok := t.st.events[eventID]
	if !ok {
		return models.ProcessorEvent{}, repository.ErrNotFound
	}
	return e, nil
}

func (t *tx) FinishProcessorEvent(_ context.Context, arg repository.FinishProcessorEventParams) (int64, error) {
	e, ok := t.st.events[arg.EventID]
	if !ok || e.Status != domain.EventStatusProcessing {
		return 0, nil
	}
	e.Status = arg.Status
	e.Error = arg.Error
	e.ProcessedAt = arg.ProcessedAt
	t.st.events[arg.EventID] = e
	return 1, nil
}

func (t *tx) ClaimProcessorEventForReplay(_ context.Context, eventID string, maxReplays int32) (int64, error) {
	e, ok := t.st.events[eventID]
	if !ok || e.Status != domain.EventStatusFailed {
		return 0, nil
	}
	if maxReplays > 0 && e.ReplayCount >= maxReplays {
		return 0, nil
	}
	e.Status = domain.EventStatusProcessing
	e.ReplayCount++
	e.ReceivedAt = time.Now().UTC()
	t.st.events[eventID] = e
	return 1, nil
}

func (t *tx) ListFailedProcessorEvents(_ context.Context, maxReplays int32, limit int32) ([]models.ProcessorEvent, error) {
	var out []models.ProcessorEvent
	for _, e := range t.st.events {
		if e.Status != domain.EventStatusFailed {
			continue
		}
		if maxReplays > 0 && e.ReplayCount >= maxReplays {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].EventID < out[j].EventID
		}
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return page(out, limit, 0), nil
}

func (t *tx) FailStaleProcessorEvents(_ context.Context, receivedBefore time.Time, reason string) (int64, error) {
	var n int64
	for id, e := range t.st.events {
		if e.Status == domain.EventStatusProcessing && e.ReceivedAt.Before(receivedBefore) {
			e.Status = domain.EventStatusFailed
			e.Error = reason
			t.st.events[id] = e
			n++
		}
	}
	return n, nil
}

func (t *tx) InsertTransferAttempt(_ context.Context, a models.TransferAttempt) (models.TransferAttempt, error) {
	if _, ok := t.st.entries[a.LedgerEntryID]; !ok {
		return models.TransferAttempt{}, repository.ErrNotFound
	}
	for _, existing := range t.st.attempts {
		if existing.IdempotencyKey == a.IdempotencyKey ||
			(existing.LedgerEntryID == a.LedgerEntryID && existing.AttemptNumber == a.AttemptNumber) {
			return models.TransferAttempt{}, repository.ErrDuplicate
		}
	}
	a.UpdatedAt = a.CreatedAt
	t.st.attempts[a.ID] = a
	t.st.attemptOrder = append(t.st.attemptOrder, a.ID)
	return a, nil
}

func (t *tx) GetTransferAttempt(_ context.Context, id uuid.UUID) (models.TransferAttempt, error) {
	a, ok := t.st.attempts[id]
	if !ok {
		return models.TransferAttempt{}, repository.ErrNotFound
	}
	return a, nil
}

func (t *tx) GetLatestTransferAttempt(_ context.Context, ledgerEntryID uuid.UUID) (models.TransferAttempt, error) {
	var latest models.TransferAttempt
	found := false
	for _, a := range t.st.attempts {
		if a.LedgerEntryID == ledgerEntryID && (!found || a.AttemptNumber > latest.AttemptNumber) {
			latest, found = a, true
		}
	}
	if !found {
		return models.TransferAttempt{}, repository.ErrNotFound
	}
	return latest, nil
}

func (t *tx) GetTransferAttemptByExternalID(_ context.Context, externalID string) (models.TransferAttempt, error) {
	var latest models.TransferAttempt
	found := false
	for _, a := range t.st.attempts {
		if externalID != "" && a.ExternalTransferID == externalID && (!found || a.AttemptNumber > latest.AttemptNumber) {
			latest, found = a, true
		}
	}
	if !found {
		return models.TransferAttempt{}, repository.ErrNotFound
	}
	return latest, nil
}

func (t *tx) GetTransferAttemptByKey(_ context.Context, key string) (models.TransferAttempt, error) {
	for _, a := range t.st.attempts {
		if a.IdempotencyKey == key {
			return a, nil
		}
	}
	return models.TransferAttempt{}, repository.ErrNotFound
}

func (t *tx) UpdateTransferAttempt(_ context.Context, arg repository.UpdateTransferAttemptParams) (int64, error) {
	a, ok := t.st.attempts[arg.ID]
	if !ok || a.Status != arg.ExpectedStatus {
		return 0, nil
	}
	a.Status = arg.Status
	a.ExternalTransferID = arg.ExternalTransferID
	a.SubmitCount = arg.SubmitCount
	a.NextRetryAt = arg.NextRetryAt
	a.ErrorReason = arg.ErrorReason
	if arg.CompensationEntryID != nil {
		id := *arg.CompensationEntryID
		a.CompensationEntryID = &id
	}
	a.UpdatedAt = time.Now().UTC()
	t.st.attempts[arg.ID] = a
	return 1, nil
}

func (t *tx) ListDueTransferAttempts(_ context.Context, status string, dueBefore time.Time, limit int32) ([]models.TransferAttempt, error) {
	var out []models.TransferAttempt
	for _, id := range t.st.attemptOrder {
		a := t.st.attempts[id]
		if a.Status == status && a.NextRetryAt != nil && !a.NextRetryAt.After(dueBefore) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].NextRetryAt.Before(*out[j].NextRetryAt) })
	return page(out, limit, 0), nil
}

func (t *tx) ListTransferAttemptsByStatus(_ context.Context, status string, limit, offset int32) ([]models.TransferAttempt, error) {
	var out []models.TransferAttempt
	for i := len(t.st.attemptOrder) - 1; i >= 0; i-- {
		a := t.st.attempts[t.st.attemptOrder[i]]
		if a.Status == status {
			out = append(out, a)
		}
	}
	return page(out, limit, offset), nil
}

func (t *tx) InsertAuditLog(_ context.Context, r models.AuditRecord) error {
	t.st.audit = append(t.st.audit, r)
	return nil
}

func (t *tx) ListAuditLog(_ context.Context, entityType, entityID string) ([]models.AuditRecord, error) {
	var out []models.AuditRecord
	for _, r := range t.st.audit {
		if r.EntityType == entityType && r.EntityID == entityID {
			out = append(out, r)
		}
	}
	return out, nil
}

func page[T any](items []T, limit, offset int32) []T {
	if offset > 0 {
		if int(offset) >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > int(limit) {
		items = items[:limit]
	}
	return items
}
