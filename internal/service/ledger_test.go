package service

import (
	"context"
	"sync"
	"testing"

	"github.com/ayo6706/bounty-escrow/internal/domain"
	"github.com/ayo6706/bounty-escrow/internal/events"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreditIsIdempotentPerKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.openAccount(t, 0)

	req := PostingRequest{AccountID: acct, Amount: 2_500, Type: domain.EntryTypeDeposit, IdempotencyKey: "dep-1"}
	first, err := f.ledger.Credit(ctx, req)
	require.NoError(t, err)
	second, err := f.ledger.Credit(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(2_500), f.balance(t, acct))
	assert.Len(t, f.entries(t, acct), 1)
	assert.Equal(t, 1, f.publisher.count(events.TypeLedgerEntryCompleted))
	f.requireBalanced(t)
}

func TestReusedKeyWithDifferentAmountReturnsOriginal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.openAccount(t, 0)

	_, err := f.ledger.Credit(ctx, PostingRequest{AccountID: acct, Amount: 100, Type: domain.EntryTypeDeposit, IdempotencyKey: "k"})
	require.NoError(t, err)
	entry, err := f.ledger.Credit(ctx, PostingRequest{AccountID: acct, Amount: 900, Type: domain.EntryTypeDeposit, IdempotencyKey: "k"})
	require.NoError(t, err)

	assert.Equal(t, int64(100), entry.Amount)
	assert.Equal(t, int64(100), f.balance(t, acct))
}

func TestDebitRejectsOverdraftWithoutSideEffects(t *testing.T) {
	f := newFixture(t)
	acct := f.openAccount(t, 500)

	_, err := f.ledger.Debit(context.Background(), PostingRequest{
		AccountID: acct, Amount: 501, Type: domain.EntryTypeWithdrawal, IdempotencyKey: "w-1",
	})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, int64(500), f.balance(t, acct))
	assert.Len(t, f.entries(t, acct), 1)
}

func TestDebitStoresNegativeAmount(t *testing.T) {
	f := newFixture(t)
	acct := f.openAccount(t, 500)

	entry, err := f.ledger.Debit(context.Background(), PostingRequest{
		AccountID: acct, Amount: 200, Type: domain.EntryTypeWithdrawal, IdempotencyKey: "w-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(-200), entry.Amount)
	assert.Equal(t, domain.EntryStatusCompleted, entry.Status)
	assert.NotNil(t, entry.CompletedAt)
	assert.Equal(t, int64(300), f.balance(t, acct))
	f.requireBalanced(t)
}

func TestPostingValidation(t *testing.T) {
	f := newFixture(t)
	acct := f.openAccount(t, 0)
	ctx := context.Background()

	cases := []struct {
		name string
		req  PostingRequest
	}{
		{"zero amount", PostingRequest{AccountID: acct, Amount: 0, Type: domain.EntryTypeDeposit, IdempotencyKey: "a"}},
		{"negative amount", PostingRequest{AccountID: acct, Amount: -5, Type: domain.EntryTypeDeposit, IdempotencyKey: "b"}},
		{"unknown type", PostingRequest{AccountID: acct, Amount: 5, Type: "bonus", IdempotencyKey: "c"}},
		{"missing key", PostingRequest{AccountID: acct, Amount: 5, Type: domain.EntryTypeDeposit}},
		{"missing account", PostingRequest{Amount: 5, Type: domain.EntryTypeDeposit, IdempotencyKey: "d"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.ledger.Credit(ctx, tc.req)
			require.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestCreditUnknownAccount(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.Credit(context.Background(), PostingRequest{
		AccountID: uuid.New(), Amount: 10, Type: domain.EntryTypeDeposit, IdempotencyKey: "x",
	})
	require.ErrorIs(t, err, domain.ErrAccountNotFound)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestVersionConflictIsRetried(t *testing.T) {
	f := newFixture(t)
	acct := f.openAccount(t, 1_000)
	f.store.InjectBalanceConflicts(2)

	_, err := f.ledger.Debit(context.Background(), PostingRequest{
		AccountID: acct, Amount: 400, Type: domain.EntryTypeWithdrawal, IdempotencyKey: "w",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(600), f.balance(t, acct))
	assert.Len(t, f.entries(t, acct), 2)
	f.requireBalanced(t)
}

func TestVersionConflictExhaustionSurfacesConflict(t *testing.T) {
	f := newFixture(t)
	acct := f.openAccount(t, 1_000)
	f.store.InjectBalanceConflicts(3)

	_, err := f.ledger.Debit(context.Background(), PostingRequest{
		AccountID: acct, Amount: 400, Type: domain.EntryTypeWithdrawal, IdempotencyKey: "w",
	})
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, "version_conflict", domain.CodeOf(err))
	assert.Equal(t, int64(1_000), f.balance(t, acct))
	assert.Len(t, f.entries(t, acct), 1)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	acct := f.openAccount(t, 1_000)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		declined  int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.ledger.Debit(context.Background(), PostingRequest{
				AccountID:      acct,
				Amount:         100,
				Type:           domain.EntryTypeWithdrawal,
				IdempotencyKey: uuid.NewString(),
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if assert.ErrorIs(t, err, domain.ErrInsufficientFunds) {
				declined++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 10, declined)
	assert.Equal(t, int64(0), f.balance(t, acct))
	f.requireBalanced(t)
}

func TestMutationSurvivesCallerCancellation(t *testing.T) {
	f := newFixture(t)
	acct := f.openAccount(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.ledger.Credit(ctx, PostingRequest{
		AccountID: acct, Amount: 75, Type: domain.EntryTypeDeposit, IdempotencyKey: "late",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(75), f.balance(t, acct))
}

func TestPendingDepositSettlesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.openAccount(t, 0)

	pending, err := f.ledger.RecordPendingDeposit(ctx, PostingRequest{
		AccountID: acct, Amount: 300, IdempotencyKey: "dep-ref-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.EntryStatusPending, pending.Status)
	assert.Equal(t, int64(0), f.balance(t, acct))
	f.requireBalanced(t)

	settled, err := f.ledger.SettleEntry(ctx, pending.ID, "proc-ref")
	require.NoError(t, err)
	assert.Equal(t, domain.EntryStatusCompleted, settled.Status)
	assert.Equal(t, "proc-ref", settled.ExternalRef)
	assert.Equal(t, int64(300), f.balance(t, acct))

	again, err := f.ledger.SettleEntry(ctx, pending.ID, "proc-ref")
	require.NoError(t, err)
	assert.Equal(t, domain.EntryStatusCompleted, again.Status)
	assert.Equal(t, int64(300), f.balance(t, acct))

	failed, err := f.ledger.FailEntry(ctx, pending.ID, "late failure")
	require.NoError(t, err)
	assert.Equal(t, domain.EntryStatusCompleted, failed.Status)
	assert.Equal(t, int64(300), f.balance(t, acct))
	f.requireBalanced(t)
}

func TestFailedPendingDepositNeverSettles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.openAccount(t, 0)

	pending, err := f.ledger.RecordPendingDeposit(ctx, PostingRequest{
		AccountID: acct, Amount: 300, IdempotencyKey: "dep-ref-2",
	})
	require.NoError(t, err)

	failed, err := f.ledger.FailEntry(ctx, pending.ID, "card declined")
	require.NoError(t, err)
	assert.Equal(t, domain.EntryStatusFailed, failed.Status)

	settled, err := f.ledger.SettleEntry(ctx, pending.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.EntryStatusFailed, settled.Status)
	assert.Equal(t, int64(0), f.balance(t, acct))

	trail, err := f.accounts.AuditTrail(ctx, "ledger_entry", pending.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, "failed", trail[0].Action)
}

func TestSettleUnknownEntry(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.SettleEntry(context.Background(), uuid.New(), "")
	require.ErrorIs(t, err, domain.ErrEntryNotFound)
}

func TestOpenAccountIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := uuid.New()

	_, created, err := f.accounts.OpenAccount(ctx, id)
	require.NoError(t, err)
	assert.True(t, created)

	account, created, err := f.accounts.OpenAccount(ctx, id)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(0), account.Balance)
}

func TestListEntriesPaginatesNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.openAccount(t, 0)
	for i, key := range []string{"a", "b", "c"} {
		_, err := f.ledger.Credit(ctx, PostingRequest{AccountID: acct, Amount: int64(i + 1), Type: domain.EntryTypeDeposit, IdempotencyKey: key})
		require.NoError(t, err)
	}

	page1, err := f.accounts.ListEntries(ctx, acct, 1, 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, "c", page1[0].IdempotencyKey)

	page2, err := f.accounts.ListEntries(ctx, acct, 2, 2)
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Equal(t, "a", page2[0].IdempotencyKey)

	_, err = f.accounts.ListEntries(ctx, uuid.New(), 1, 10)
	require.ErrorIs(t, err, domain.ErrAccountNotFound)
}
