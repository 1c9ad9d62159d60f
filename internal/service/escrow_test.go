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

var platformID = uuid.MustParse(domain.PlatformAccountID)

func TestEscrowHoldAndReleaseWithFee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	poster := f.openAccount(t, 10_000)
	hunter := f.openAccount(t, 0)
	bounty := uuid.New()

	held, err := f.escrow.Hold(ctx, HoldRequest{BountyID: bounty, PosterAccountID: poster, Amount: 5_000, Category: "design", IdempotencyKey: "hold-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowStateHeld, held.Hold.State)
	require.Len(t, held.Entries, 1)
	assert.Equal(t, int64(-5_000), held.Entries[0].Amount)
	assert.Equal(t, int64(5_000), f.balance(t, poster))

	released, err := f.escrow.Release(ctx, ReleaseRequest{BountyID: bounty, HunterAccountID: hunter, FeePolicy: domain.PercentageFee{BasisPoints: 1_000}})
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowStateReleased, released.Hold.State)
	assert.Equal(t, int64(500), released.Hold.Fee)
	require.NotNil(t, released.Hold.HunterAccountID)
	assert.Equal(t, hunter, *released.Hold.HunterAccountID)
	assert.NotNil(t, released.Hold.ResolvedAt)
	assert.Len(t, released.Entries, 2)

	assert.Equal(t, int64(5_000), f.balance(t, poster))
	assert.Equal(t, int64(4_500), f.balance(t, hunter))
	assert.Equal(t, int64(500), f.balance(t, platformID))
	f.requireBalanced(t)

	assert.Equal(t, 1, f.publisher.count(events.TypeEscrowHeld))
	assert.Equal(t, 1, f.publisher.count(events.TypeEscrowReleased))

	trail, err := f.accounts.AuditTrail(ctx, "escrow_hold", held.Hold.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, domain.EscrowStateHeld, trail[0].NextState)
	assert.Equal(t, domain.EscrowStateReleased, trail[1].NextState)
}

func TestEscrowDoubleHoldSameKeyWritesOneEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	poster := f.openAccount(t, 1_000)
	bounty := uuid.New()
	req := HoldRequest{BountyID: bounty, PosterAccountID: poster, Amount: 600, IdempotencyKey: "accept-1"}

	first, err := f.escrow.Hold(ctx, req)
	require.NoError(t, err)
	second, err := f.escrow.Hold(ctx, req)
	require.NoError(t, err)

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Hold.ID, second.Hold.ID)
	assert.Len(t, f.entriesOfType(t, poster, domain.EntryTypeEscrowHold), 1)
	assert.Equal(t, int64(400), f.balance(t, poster))
}

func TestEscrowSecondKeyWhileHeldConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	poster := f.openAccount(t, 1_000)
	bounty := uuid.New()

	_, err := f.escrow.Hold(ctx, HoldRequest{BountyID: bounty, PosterAccountID: poster, Amount: 100, IdempotencyKey: "a"})
	require.NoError(t, err)
	_, err = f.escrow.Hold(ctx, HoldRequest{BountyID: bounty, PosterAccountID: poster, Amount: 100, IdempotencyKey: "b"})
	require.ErrorIs(t, err, domain.ErrHoldExists)
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, int64(900), f.balance(t, poster))
}

func TestEscrowHoldInsufficientFundsLeavesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	poster := f.openAccount(t, 100)
	bounty := uuid.New()

	_, err := f.escrow.Hold(ctx, HoldRequest{BountyID: bounty, PosterAccountID: poster, Amount: 101, IdempotencyKey: "a"})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	_, err = f.escrow.GetHold(ctx, bounty)
	require.ErrorIs(t, err, domain.ErrHoldNotFound)
	assert.Equal(t, int64(100), f.balance(t, poster))
	assert.Empty(t, f.entriesOfType(t, poster, domain.EntryTypeEscrowHold))
}

func TestEscrowComplianceGateRunsFirst(t *testing.T) {
	f := newFixture(t, withBlockedCategories("Gambling"))
	ctx := context.Background()
	poster := f.openAccount(t, 1_000)
	bounty := uuid.New()

	_, err := f.escrow.Hold(ctx, HoldRequest{BountyID: bounty, PosterAccountID: poster, Amount: 100, Category: "gambling", IdempotencyKey: "a"})
	require.ErrorIs(t, err, domain.ErrCategoryNotPermitted)
	assert.Equal(t, "category_not_permitted", domain.CodeOf(err))

	_, err = f.escrow.GetHold(ctx, bounty)
	require.ErrorIs(t, err, domain.ErrHoldNotFound)
	assert.Equal(t, int64(1_000), f.balance(t, poster))
}

func TestEscrowHoldReplayIgnoresLaterBlockedCategory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	poster := f.openAccount(t, 1_000)
	bounty := uuid.New()
	req := HoldRequest{BountyID: bounty, PosterAccountID: poster, Amount: 400, Category: "crypto", IdempotencyKey: "h-1"}

	first, err := f.escrow.Hold(ctx, req)
	require.NoError(t, err)

	f.escrow.compliance = NewCategoryAllowList([]string{"crypto"})

	again, err := f.escrow.Hold(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Hold.ID, again.Hold.ID)
	assert.Equal(t, int64(600), f.balance(t, poster))

	// A new key is a new hold and goes through the gate.
	_, err = f.escrow.Hold(ctx, HoldRequest{BountyID: uuid.New(), PosterAccountID: poster, Amount: 100, Category: "crypto", IdempotencyKey: "h-2"})
	require.ErrorIs(t, err, domain.ErrCategoryNotPermitted)
}

func TestEscrowConcurrentReleasesHaveOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	poster := f.openAccount(t, 1_000)
	hunter := f.openAccount(t, 0)
	bounty := uuid.New()
	_, err := f.escrow.Hold(ctx, HoldRequest{BountyID: bounty, PosterAccountID: poster, Amount: 1_000, IdempotencyKey: "h"})
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		applied  int
		replayed int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.escrow.Release(ctx, ReleaseRequest{BountyID: bounty, HunterAccountID: hunter})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Replayed {
				replayed++
			} else {
				applied++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Equal(t, 9, replayed)
	assert.Equal(t, int64(1_000), f.balance(t, hunter))
	assert.Len(t, f.entriesOfType(t, hunter, domain.EntryTypeEscrowRelease), 1)
	f.requireBalanced(t)
}

func TestEscrowReleaseRetriesHoldVersionConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	poster := f.openAccount(t, 1_000)
	hunter := f.openAccount(t, 0)
	bounty := uuid.New()
	_, err := f.escrow.Hold(ctx, HoldRequest{BountyID: bounty, PosterAccountID: poster, Amount: 800, IdempotencyKey: "h"})
	require.NoError(t, err)

	f.store.InjectHoldConflicts(1)
	res, err := f.escrow.Release(ctx, ReleaseRequest{BountyID: bounty, HunterAccountID: hunter, FeePolicy: domain.FlatFee{Amount: 50}})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, int64(750), f.balance(t, hunter))
	assert.Len(t, f.entriesOfType(t, hunter, domain.EntryTypeEscrowRelease), 1)
	assert.Len(t, f.entriesOfType(t, platformID, domain.EntryTypePlatformFee), 1)
	f.requireBalanced(t)
}

func TestEscrowReleaseWithoutHold(t *testing.T) {
	f := newFixture(t)
	hunter := f.openAccount(t, 0)
	_, err := f.escrow.Release(context.Background(), ReleaseRequest{BountyID: uuid.New(), HunterAccountID: hunter})
	require.ErrorIs(t, err, domain.ErrNotHeld)
}

func TestEscrowRefundLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	poster := f.openAccount(t, 1_000)
	hunter := f.openAccount(t, 0)
	bounty := uuid.New()
	_, err := f.escrow.Hold(ctx, HoldRequest{BountyID: bounty, PosterAccountID: poster, Amount: 400, IdempotencyKey: "h"})
	require.NoError(t, err)

	refunded, err := f.escrow.Refund(ctx, bounty, "bounty cancelled")
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowStateRefunded, refunded.Hold.State)
	assert.Equal(t, "bounty cancelled", refunded.Hold.RefundReason)
	assert.Equal(t, int64(1_000), f.balance(t, poster))

	again, err := f.escrow.Refund(ctx, bounty, "bounty cancelled")
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	require.Len(t, again.Entries, 1)
	assert.Equal(t, refunded.Entries[0].ID, again.Entries[0].ID)

	_, err = f.escrow.Release(ctx, ReleaseRequest{BountyID: bounty, HunterAccountID: hunter})
	require.ErrorIs(t, err, domain.ErrNotHeld)
	assert.Equal(t, int64(0), f.balance(t, hunter))
	f.requireBalanced(t)
}

func TestEscrowRefundAfterReleaseIsAlreadyResolved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	poster := f.openAccount(t, 1_000)
	hunter := f.openAccount(t, 0)
	bounty := uuid.New()
	_, err := f.escrow.Hold(ctx, HoldRequest{BountyID: bounty, PosterAccountID: poster, Amount: 400, IdempotencyKey: "h"})
	require.NoError(t, err)
	_, err = f.escrow.Release(ctx, ReleaseRequest{BountyID: bounty, HunterAccountID: hunter})
	require.NoError(t, err)

	_, err = f.escrow.Refund(ctx, bounty, "too late")
	require.ErrorIs(t, err, domain.ErrAlreadyResolved)
	assert.Equal(t, int64(600), f.balance(t, poster))
}

func TestEscrowZeroAmountHoldHasNothingToRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	poster := f.openAccount(t, 0)
	bounty := uuid.New()

	held, err := f.escrow.Hold(ctx, HoldRequest{BountyID: bounty, PosterAccountID: poster, Amount: 0, IdempotencyKey: "free"})
	require.NoError(t, err)
	assert.Empty(t, held.Entries)

	_, err = f.escrow.Refund(ctx, bounty, "cancelled")
	require.ErrorIs(t, err, domain.ErrNothingToRefund)

	hold, err := f.escrow.GetHold(ctx, bounty)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowStateHeld, hold.State)
}

func TestEscrowDisputeThenRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	poster := f.openAccount(t, 1_000)
	hunter := f.openAccount(t, 0)
	bounty := uuid.New()
	_, err := f.escrow.Hold(ctx, HoldRequest{BountyID: bounty, PosterAccountID: poster, Amount: 300, IdempotencyKey: "h"})
	require.NoError(t, err)

	disputed, err := f.escrow.Dispute(ctx, bounty)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowStateDisputed, disputed.Hold.State)
	assert.Empty(t, disputed.Entries)

	again, err := f.escrow.Dispute(ctx, bounty)
	require.NoError(t, err)
	assert.True(t, again.Replayed)

	_, err = f.escrow.Hold(ctx, HoldRequest{BountyID: bounty, PosterAccountID: poster, Amount: 300, IdempotencyKey: "other"})
	require.ErrorIs(t, err, domain.ErrHoldExists)

	_, err = f.escrow.Release(ctx, ReleaseRequest{BountyID: bounty, HunterAccountID: hunter})
	require.NoError(t, err)
	assert.Equal(t, int64(300), f.balance(t, hunter))

	_, err = f.escrow.Dispute(ctx, bounty)
	require.ErrorIs(t, err, domain.ErrAlreadyResolved)
	f.requireBalanced(t)
}

func TestEscrowNewHoldAfterResolution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	poster := f.openAccount(t, 1_000)
	bounty := uuid.New()
	_, err := f.escrow.Hold(ctx, HoldRequest{BountyID: bounty, PosterAccountID: poster, Amount: 200, IdempotencyKey: "first"})
	require.NoError(t, err)
	_, err = f.escrow.Refund(ctx, bounty, "reposted")
	require.NoError(t, err)

	second, err := f.escrow.Hold(ctx, HoldRequest{BountyID: bounty, PosterAccountID: poster, Amount: 250, IdempotencyKey: "second"})
	require.NoError(t, err)
	assert.False(t, second.Replayed)

	latest, err := f.escrow.GetHold(ctx, bounty)
	require.NoError(t, err)
	assert.Equal(t, second.Hold.ID, latest.ID)
	assert.Equal(t, int64(750), f.balance(t, poster))
}

func TestEscrowReleaseRejectsOversizedFee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	poster := f.openAccount(t, 1_000)
	hunter := f.openAccount(t, 0)
	bounty := uuid.New()
	_, err := f.escrow.Hold(ctx, HoldRequest{BountyID: bounty, PosterAccountID: poster, Amount: 100, IdempotencyKey: "h"})
	require.NoError(t, err)

	_, err = f.escrow.Release(ctx, ReleaseRequest{BountyID: bounty, HunterAccountID: hunter, FeePolicy: badFee{}})
	require.ErrorIs(t, err, domain.ErrValidation)

	hold, err := f.escrow.GetHold(ctx, bounty)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowStateHeld, hold.State)
}

type badFee struct{}

func (badFee) Fee(amount int64) (int64, error) { return amount + 1, nil }
