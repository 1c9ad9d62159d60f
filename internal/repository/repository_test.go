package repository_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ayo6706/bounty-escrow/internal/domain"
	"github.com/ayo6706/bounty-escrow/internal/models"
	"github.com/ayo6706/bounty-escrow/internal/repository"
	"github.com/ayo6706/bounty-escrow/internal/repository/memory"
	"github.com/ayo6706/bounty-escrow/internal/testutil/pgtest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type txRunner interface {
	RunInTx(ctx context.Context, fn func(q repository.Querier) error) error
}

// Both drivers must agree on every behaviour the services rely on.
func TestMemoryQuerier(t *testing.T) {
	runQuerierSuite(t, func(t *testing.T) txRunner { return memory.NewStore() })
}

func TestPostgresQuerier(t *testing.T) {
	pg := pgtest.New(t)
	store := repository.NewStore(pg.Pool)
	require.NoError(t, store.Ping(context.Background()))
	runQuerierSuite(t, func(t *testing.T) txRunner { return store })
}

func runQuerierSuite(t *testing.T, open func(t *testing.T) txRunner) {
	t.Run("accounts", func(t *testing.T) { testAccounts(t, open(t)) })
	t.Run("rollback", func(t *testing.T) { testRollback(t, open(t)) })
	t.Run("ledger entries", func(t *testing.T) { testLedgerEntries(t, open(t)) })
	t.Run("drift", func(t *testing.T) { testDrift(t, open(t)) })
	t.Run("escrow holds", func(t *testing.T) { testEscrowHolds(t, open(t)) })
	t.Run("processor events", func(t *testing.T) { testProcessorEvents(t, open(t)) })
	t.Run("transfer attempts", func(t *testing.T) { testTransferAttempts(t, open(t)) })
	t.Run("audit log", func(t *testing.T) { testAuditLog(t, open(t)) })
}

func inTx(t *testing.T, s txRunner, fn func(q repository.Querier)) {
	t.Helper()
	require.NoError(t, s.RunInTx(context.Background(), func(q repository.Querier) error {
		fn(q)
		return nil
	}))
}

func newAccount(t *testing.T, s txRunner) uuid.UUID {
	t.Helper()
	id := uuid.New()
	inTx(t, s, func(q repository.Querier) {
		created, err := q.InsertAccount(context.Background(), id)
		require.NoError(t, err)
		require.True(t, created)
	})
	return id
}

func completedEntry(account uuid.UUID, amount int64, key string, at time.Time) models.LedgerEntry {
	return models.LedgerEntry{
		ID:             uuid.New(),
		AccountID:      account,
		Type:           domain.EntryTypeDeposit,
		Amount:         amount,
		Status:         domain.EntryStatusCompleted,
		IdempotencyKey: key,
		CreatedAt:      at,
		CompletedAt:    &at,
	}
}

func testAccounts(t *testing.T, s txRunner) {
	ctx := context.Background()
	id := newAccount(t, s)

	inTx(t, s, func(q repository.Querier) {
		created, err := q.InsertAccount(ctx, id)
		require.NoError(t, err)
		assert.False(t, created)

		account, err := q.GetAccount(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(0), account.Balance)
		assert.Equal(t, int64(1), account.Version)

		rows, err := q.UpdateAccountBalance(ctx, repository.UpdateAccountBalanceParams{UserID: id, Balance: 700, ExpectedVersion: 1})
		require.NoError(t, err)
		assert.Equal(t, int64(1), rows)

		rows, err = q.UpdateAccountBalance(ctx, repository.UpdateAccountBalanceParams{UserID: id, Balance: 900, ExpectedVersion: 1})
		require.NoError(t, err)
		assert.Zero(t, rows, "stale version must not apply")

		account, err = q.GetAccount(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(700), account.Balance)
		assert.Equal(t, int64(2), account.Version)

		_, err = q.GetAccount(ctx, uuid.New())
		require.ErrorIs(t, err, repository.ErrNotFound)

		_, err = q.GetAccount(ctx, uuid.MustParse(domain.PlatformAccountID))
		require.NoError(t, err, "platform account is seeded")
	})

	err := s.RunInTx(ctx, func(q repository.Querier) error {
		_, err := q.UpdateAccountBalance(ctx, repository.UpdateAccountBalanceParams{UserID: id, Balance: -1, ExpectedVersion: 2})
		return err
	})
	require.ErrorIs(t, err, repository.ErrCheckViolation)
}

func testRollback(t *testing.T, s txRunner) {
	ctx := context.Background()
	id := uuid.New()
	boom := assert.AnError

	err := s.RunInTx(ctx, func(q repository.Querier) error {
		if _, err := q.InsertAccount(ctx, id); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	inTx(t, s, func(q repository.Querier) {
		_, err := q.GetAccount(ctx, id)
		require.ErrorIs(t, err, repository.ErrNotFound)
	})
}

func testLedgerEntries(t *testing.T, s txRunner) {
	ctx := context.Background()
	account := newAccount(t, s)
	base := time.Now().UTC().Add(-time.Hour)
	metadata := json.RawMessage(`{"source":"card"}`)

	first := completedEntry(account, 100, "k1", base)
	first.Metadata = metadata
	inTx(t, s, func(q repository.Querier) {
		_, err := q.InsertLedgerEntry(ctx, first)
		require.NoError(t, err)
		_, err = q.InsertLedgerEntry(ctx, completedEntry(account, 200, "k2", base.Add(time.Second)))
		require.NoError(t, err)
	})

	err := s.RunInTx(ctx, func(q repository.Querier) error {
		_, err := q.InsertLedgerEntry(ctx, completedEntry(account, 100, "k1", base.Add(2*time.Second)))
		return err
	})
	require.ErrorIs(t, err, repository.ErrDuplicate)

	pending := completedEntry(account, 50, "k3", base.Add(3*time.Second))
	pending.Status = domain.EntryStatusPending
	pending.CompletedAt = nil
	settledAt := base.Add(time.Minute)

	inTx(t, s, func(q repository.Querier) {
		byKey, err := q.GetLedgerEntryByKey(ctx, repository.GetLedgerEntryByKeyParams{
			AccountID: account, Type: domain.EntryTypeDeposit, IdempotencyKey: "k1",
		})
		require.NoError(t, err)
		assert.Equal(t, first.ID, byKey.ID)
		assert.JSONEq(t, string(metadata), string(byKey.Metadata))

		_, err = q.GetLedgerEntryByKey(ctx, repository.GetLedgerEntryByKeyParams{
			AccountID: account, Type: domain.EntryTypeWithdrawal, IdempotencyKey: "k1",
		})
		require.ErrorIs(t, err, repository.ErrNotFound)

		_, err = q.InsertLedgerEntry(ctx, pending)
		require.NoError(t, err)

		rows, err := q.SettleLedgerEntry(ctx, repository.SettleLedgerEntryParams{
			ID: pending.ID, Status: domain.EntryStatusCompleted, ExternalRef: "ch_1", CompletedAt: settledAt,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), rows)

		rows, err = q.SettleLedgerEntry(ctx, repository.SettleLedgerEntryParams{
			ID: pending.ID, Status: domain.EntryStatusFailed, CompletedAt: settledAt,
		})
		require.NoError(t, err)
		assert.Zero(t, rows, "terminal entries are immutable")

		settled, err := q.GetLedgerEntry(ctx, pending.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.EntryStatusCompleted, settled.Status)
		assert.Equal(t, "ch_1", settled.ExternalRef)
		require.NotNil(t, settled.CompletedAt)

		entries, err := q.ListLedgerEntries(ctx, repository.ListLedgerEntriesParams{AccountID: account, Limit: 2})
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "k3", entries[0].IdempotencyKey)
		assert.Equal(t, "k2", entries[1].IdempotencyKey)

		entries, err = q.ListLedgerEntries(ctx, repository.ListLedgerEntriesParams{AccountID: account, Limit: 2, Offset: 2})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "k1", entries[0].IdempotencyKey)
	})
}

func driftFor(t *testing.T, s txRunner, account uuid.UUID) *models.AccountDrift {
	t.Helper()
	var found *models.AccountDrift
	inTx(t, s, func(q repository.Querier) {
		drift, err := q.ListAccountDrift(context.Background(), 1000)
		require.NoError(t, err)
		for i := range drift {
			if drift[i].UserID == account {
				found = &drift[i]
			}
		}
	})
	return found
}

func testDrift(t *testing.T, s txRunner) {
	ctx := context.Background()
	account := newAccount(t, s)

	inTx(t, s, func(q repository.Querier) {
		_, err := q.UpdateAccountBalance(ctx, repository.UpdateAccountBalanceParams{UserID: account, Balance: 500, ExpectedVersion: 1})
		require.NoError(t, err)
	})
	drift := driftFor(t, s, account)
	require.NotNil(t, drift)
	assert.Equal(t, int64(500), drift.Balance)
	assert.Equal(t, int64(0), drift.JournalTotal)
	assert.Equal(t, int64(0), drift.CompletedRows)

	inTx(t, s, func(q repository.Querier) {
		pending := completedEntry(account, 500, "pending", time.Now().UTC())
		pending.Status = domain.EntryStatusPending
		pending.CompletedAt = nil
		_, err := q.InsertLedgerEntry(ctx, pending)
		require.NoError(t, err)
	})
	require.NotNil(t, driftFor(t, s, account), "pending rows do not count")

	inTx(t, s, func(q repository.Querier) {
		_, err := q.InsertLedgerEntry(ctx, completedEntry(account, 500, "settled", time.Now().UTC()))
		require.NoError(t, err)
	})
	assert.Nil(t, driftFor(t, s, account))
}

func testEscrowHolds(t *testing.T, s txRunner) {
	ctx := context.Background()
	poster := newAccount(t, s)
	hunter := newAccount(t, s)
	bounty := uuid.New()
	now := time.Now().UTC()

	first := models.EscrowHold{
		ID: uuid.New(), BountyID: bounty, PosterAccountID: poster, Amount: 1_000,
		State: domain.EscrowStateHeld, HoldKey: "hold-1", CreatedAt: now.Add(-time.Minute),
	}
	inTx(t, s, func(q repository.Querier) {
		hold, err := q.InsertEscrowHold(ctx, first)
		require.NoError(t, err)
		assert.Equal(t, int64(1), hold.Version)
		assert.Nil(t, hold.HunterAccountID)
	})

	second := first
	second.ID = uuid.New()
	second.HoldKey = "hold-2"
	second.CreatedAt = now
	err := s.RunInTx(ctx, func(q repository.Querier) error {
		_, err := q.InsertEscrowHold(ctx, second)
		return err
	})
	require.ErrorIs(t, err, repository.ErrDuplicate, "one active hold per bounty")

	inTx(t, s, func(q repository.Querier) {
		resolved := now
		rows, err := q.UpdateEscrowHold(ctx, repository.UpdateEscrowHoldParams{
			ID: first.ID, State: domain.EscrowStateReleased, HunterAccountID: &hunter,
			Fee: 100, ResolvedAt: &resolved, ExpectedVersion: 1,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), rows)

		rows, err = q.UpdateEscrowHold(ctx, repository.UpdateEscrowHoldParams{
			ID: first.ID, State: domain.EscrowStateRefunded, ExpectedVersion: 1,
		})
		require.NoError(t, err)
		assert.Zero(t, rows)

		hold, err := q.GetEscrowHoldByKey(ctx, bounty, "hold-1")
		require.NoError(t, err)
		assert.Equal(t, domain.EscrowStateReleased, hold.State)
		assert.Equal(t, int64(2), hold.Version)
		assert.Equal(t, int64(100), hold.Fee)
		require.NotNil(t, hold.HunterAccountID)
		assert.Equal(t, hunter, *hold.HunterAccountID)
		assert.NotNil(t, hold.ResolvedAt)

		_, err = q.InsertEscrowHold(ctx, second)
		require.NoError(t, err, "a resolved bounty may be funded again")

		latest, err := q.GetLatestEscrowHold(ctx, bounty)
		require.NoError(t, err)
		assert.Equal(t, second.ID, latest.ID)

		_, err = q.GetLatestEscrowHold(ctx, uuid.New())
		require.ErrorIs(t, err, repository.ErrNotFound)
	})
}

func testProcessorEvents(t *testing.T, s txRunner) {
	ctx := context.Background()
	event := models.ProcessorEvent{
		EventID:       "evt_" + uuid.NewString(),
		Type:          domain.EventDepositConfirmed,
		Payload:       json.RawMessage(`{"id":"x"}`),
		PayloadDigest: "digest",
		ReceivedAt:    time.Now().UTC(),
	}

	inTx(t, s, func(q repository.Querier) {
		inserted, err := q.InsertProcessorEventIfAbsent(ctx, event)
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = q.InsertProcessorEventIfAbsent(ctx, event)
		require.NoError(t, err)
		assert.False(t, inserted)

		stored, err := q.GetProcessorEvent(ctx, event.EventID)
		require.NoError(t, err)
		assert.Equal(t, domain.EventStatusProcessing, stored.Status)

		rows, err := q.ClaimProcessorEventForReplay(ctx, event.EventID, 0)
		require.NoError(t, err)
		assert.Zero(t, rows, "only failed events can be replayed")

		rows, err = q.FinishProcessorEvent(ctx, repository.FinishProcessorEventParams{
			EventID: event.EventID, Status: domain.EventStatusFailed, Error: "account missing",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), rows)

		failed, err := q.ListFailedProcessorEvents(ctx, 1, 100)
		require.NoError(t, err)
		assert.True(t, containsEvent(failed, event.EventID))

		rows, err = q.ClaimProcessorEventForReplay(ctx, event.EventID, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), rows)

		rows, err = q.FinishProcessorEvent(ctx, repository.FinishProcessorEventParams{
			EventID: event.EventID, Status: domain.EventStatusFailed, Error: "still missing",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), rows)

		failed, err = q.ListFailedProcessorEvents(ctx, 1, 100)
		require.NoError(t, err)
		assert.False(t, containsEvent(failed, event.EventID), "capped events drop out")

		rows, err = q.ClaimProcessorEventForReplay(ctx, event.EventID, 1)
		require.NoError(t, err)
		assert.Zero(t, rows)

		rows, err = q.ClaimProcessorEventForReplay(ctx, event.EventID, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), rows, "a zero cap means unlimited")

		now := time.Now().UTC()
		rows, err = q.FinishProcessorEvent(ctx, repository.FinishProcessorEventParams{
			EventID: event.EventID, Status: domain.EventStatusProcessed, ProcessedAt: &now,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), rows)

		rows, err = q.FinishProcessorEvent(ctx, repository.FinishProcessorEventParams{
			EventID: event.EventID, Status: domain.EventStatusFailed,
		})
		require.NoError(t, err)
		assert.Zero(t, rows)

		stored, err = q.GetProcessorEvent(ctx, event.EventID)
		require.NoError(t, err)
		assert.Equal(t, domain.EventStatusProcessed, stored.Status)
		assert.Equal(t, int32(2), stored.ReplayCount)
		assert.NotNil(t, stored.ProcessedAt)
	})

	stale := event
	stale.EventID = "evt_" + uuid.NewString()
	stale.ReceivedAt = time.Now().UTC().Add(-time.Hour)
	inTx(t, s, func(q repository.Querier) {
		_, err := q.InsertProcessorEventIfAbsent(ctx, stale)
		require.NoError(t, err)

		n, err := q.FailStaleProcessorEvents(ctx, time.Now().UTC().Add(-time.Minute), "abandoned")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))

		got, err := q.GetProcessorEvent(ctx, stale.EventID)
		require.NoError(t, err)
		assert.Equal(t, domain.EventStatusFailed, got.Status)
		assert.Equal(t, "abandoned", got.Error)

		_, err = q.GetProcessorEvent(ctx, "evt_missing")
		require.ErrorIs(t, err, repository.ErrNotFound)
	})
}

func containsEvent(events []models.ProcessorEvent, id string) bool {
	for _, e := range events {
		if e.EventID == id {
			return true
		}
	}
	return false
}

func testTransferAttempts(t *testing.T, s txRunner) {
	ctx := context.Background()
	account := newAccount(t, s)
	now := time.Now().UTC()

	withdrawal := completedEntry(account, -300, "wd-1", now)
	withdrawal.Type = domain.EntryTypeWithdrawal
	due := now.Add(-time.Second)
	attempt := models.TransferAttempt{
		ID:              uuid.New(),
		LedgerEntryID:   withdrawal.ID,
		AttemptNumber:   1,
		SourceAccountID: account,
		Destination:     "acct_dest",
		Amount:          300,
		DebitEntryID:    &withdrawal.ID,
		IdempotencyKey:  "transfer:" + withdrawal.ID.String() + ":1",
		Status:          domain.TransferStatusUnknown,
		NextRetryAt:     &due,
		CreatedAt:       now,
	}

	inTx(t, s, func(q repository.Querier) {
		_, err := q.InsertLedgerEntry(ctx, withdrawal)
		require.NoError(t, err)
		_, err = q.InsertTransferAttempt(ctx, attempt)
		require.NoError(t, err)
	})

	dup := attempt
	dup.ID = uuid.New()
	dup.AttemptNumber = 2
	err := s.RunInTx(ctx, func(q repository.Querier) error {
		_, err := q.InsertTransferAttempt(ctx, dup)
		return err
	})
	require.ErrorIs(t, err, repository.ErrDuplicate)

	inTx(t, s, func(q repository.Querier) {
		list, err := q.ListDueTransferAttempts(ctx, domain.TransferStatusUnknown, now, 100)
		require.NoError(t, err)
		assert.True(t, containsAttempt(list, attempt.ID))

		list, err = q.ListDueTransferAttempts(ctx, domain.TransferStatusUnknown, now.Add(-time.Hour), 100)
		require.NoError(t, err)
		assert.False(t, containsAttempt(list, attempt.ID), "not yet due")

		rows, err := q.UpdateTransferAttempt(ctx, repository.UpdateTransferAttemptParams{
			ID: attempt.ID, ExpectedStatus: domain.TransferStatusUnknown, Status: domain.TransferStatusSubmitted,
			ExternalTransferID: "tr_" + attempt.ID.String(), SubmitCount: 1,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), rows)

		rows, err = q.UpdateTransferAttempt(ctx, repository.UpdateTransferAttemptParams{
			ID: attempt.ID, ExpectedStatus: domain.TransferStatusUnknown, Status: domain.TransferStatusFailed,
		})
		require.NoError(t, err)
		assert.Zero(t, rows, "status guard")

		byExternal, err := q.GetTransferAttemptByExternalID(ctx, "tr_"+attempt.ID.String())
		require.NoError(t, err)
		assert.Equal(t, attempt.ID, byExternal.ID)
		assert.Equal(t, int32(1), byExternal.SubmitCount)
		assert.Nil(t, byExternal.NextRetryAt)

		latest, err := q.GetLatestTransferAttempt(ctx, withdrawal.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TransferStatusSubmitted, latest.Status)

		submitted, err := q.ListTransferAttemptsByStatus(ctx, domain.TransferStatusSubmitted, 100, 0)
		require.NoError(t, err)
		assert.True(t, containsAttempt(submitted, attempt.ID))

		_, err = q.GetTransferAttempt(ctx, uuid.New())
		require.ErrorIs(t, err, repository.ErrNotFound)
		_, err = q.GetTransferAttemptByExternalID(ctx, "tr_missing")
		require.ErrorIs(t, err, repository.ErrNotFound)

		byKey, err := q.GetTransferAttemptByKey(ctx, attempt.IdempotencyKey)
		require.NoError(t, err)
		assert.Equal(t, attempt.ID, byKey.ID)
		_, err = q.GetTransferAttemptByKey(ctx, "transfer:missing:1")
		require.ErrorIs(t, err, repository.ErrNotFound)
	})

	parked := attempt
	parked.ID = uuid.New()
	parked.AttemptNumber = 2
	parked.IdempotencyKey = "transfer:" + withdrawal.ID.String() + ":2"
	inTx(t, s, func(q repository.Querier) {
		_, err := q.InsertTransferAttempt(ctx, parked)
		require.NoError(t, err)
		rows, err := q.UpdateTransferAttempt(ctx, repository.UpdateTransferAttemptParams{
			ID: parked.ID, ExpectedStatus: domain.TransferStatusUnknown, Status: domain.TransferStatusNeedsReview, SubmitCount: 8,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), rows)

		review, err := q.ListTransferAttemptsByStatus(ctx, domain.TransferStatusNeedsReview, 100, 0)
		require.NoError(t, err)
		assert.True(t, containsAttempt(review, parked.ID))
		latest, err := q.GetLatestTransferAttempt(ctx, withdrawal.ID)
		require.NoError(t, err)
		assert.Equal(t, parked.ID, latest.ID)
	})
}

func containsAttempt(attempts []models.TransferAttempt, id uuid.UUID) bool {
	for _, a := range attempts {
		if a.ID == id {
			return true
		}
	}
	return false
}

func testAuditLog(t *testing.T, s txRunner) {
	ctx := context.Background()
	entity := uuid.NewString()
	now := time.Now().UTC()

	inTx(t, s, func(q repository.Querier) {
		require.NoError(t, q.InsertAuditLog(ctx, models.AuditRecord{
			ID: uuid.New(), EntityType: "escrow_hold", EntityID: entity, Actor: "system",
			Action: "hold", NextState: domain.EscrowStateHeld, CreatedAt: now,
		}))
		require.NoError(t, q.InsertAuditLog(ctx, models.AuditRecord{
			ID: uuid.New(), EntityType: "escrow_hold", EntityID: entity, Actor: "system",
			Action: "release", PrevState: domain.EscrowStateHeld, NextState: domain.EscrowStateReleased,
			Metadata: json.RawMessage(`{"fee":10}`), CreatedAt: now.Add(time.Second),
		}))

		trail, err := q.ListAuditLog(ctx, "escrow_hold", entity)
		require.NoError(t, err)
		require.Len(t, trail, 2)
		assert.Equal(t, "hold", trail[0].Action)
		assert.Equal(t, "release", trail[1].Action)
		assert.JSONEq(t, `{"fee":10}`, string(trail[1].Metadata))

		trail, err = q.ListAuditLog(ctx, "escrow_hold", uuid.NewString())
		require.NoError(t, err)
		assert.Empty(t, trail)
	})
}
