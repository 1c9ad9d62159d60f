package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ayo6706/bounty-escrow/internal/domain"
	"github.com/ayo6706/bounty-escrow/internal/events"
	"github.com/ayo6706/bounty-escrow/internal/gateway"
	"github.com/ayo6706/bounty-escrow/internal/models"
	"github.com/ayo6706/bounty-escrow/internal/repository"
	"github.com/ayo6706/bounty-escrow/internal/repository/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const testHMACKey = "secret"

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// stubGateway answers submissions from a script; by default it accepts and
// returns an id derived from the idempotency key.
type stubGateway struct {
	mu      sync.Mutex
	respond func(req gateway.TransferRequest) (string, error)
	calls   []gateway.TransferRequest
}

func (g *stubGateway) SubmitTransfer(_ context.Context, req gateway.TransferRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	if g.respond != nil {
		return g.respond(req)
	}
	return "tr_" + req.IdempotencyKey, nil
}

func (g *stubGateway) setResponse(fn func(req gateway.TransferRequest) (string, error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.respond = fn
}

func (g *stubGateway) callKeys() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys := make([]string, 0, len(g.calls))
	for _, c := range g.calls {
		keys = append(keys, c.IdempotencyKey)
	}
	return keys
}

func declineAll(gateway.TransferRequest) (string, error) {
	return "", &gateway.DeclinedError{Reason: "account closed"}
}

func unreachable(gateway.TransferRequest) (string, error) {
	return "", gateway.ErrUnavailable
}

type fixture struct {
	store     *memory.Store
	ledger    *LedgerService
	accounts  *AccountService
	escrow    *EscrowService
	transfers *TransferService
	intake    *IntakeService
	recon     *ReconciliationService
	gateway   *stubGateway
	publisher *recordingPublisher
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	blocked        []string
	intake         IntakeConfig
	cache          ProcessedCache
	maxSubmissions int
}

func withBlockedCategories(c ...string) fixtureOption {
	return func(cfg *fixtureConfig) { cfg.blocked = c }
}

func withMaxReplays(n int) fixtureOption {
	return func(cfg *fixtureConfig) { cfg.intake.MaxReplays = n }
}

func withMaxSubmissions(n int) fixtureOption {
	return func(cfg *fixtureConfig) { cfg.maxSubmissions = n }
}

func withCache(c ProcessedCache) fixtureOption {
	return func(cfg *fixtureConfig) { cfg.cache = c }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	cfg := fixtureConfig{intake: IntakeConfig{HMACKey: testHMACKey, MaxReplays: 3}}
	for _, opt := range opts {
		opt(&cfg)
	}

	store := memory.NewStore()
	pub := &recordingPublisher{}
	gw := &stubGateway{}

	ledger := NewLedgerService(store, pub, LedgerConfig{
		ConflictAttempts: 3,
		ConflictBackoff:  time.Millisecond,
		MutationTimeout:  5 * time.Second,
	})
	escrow := NewEscrowService(store, ledger, NewCategoryAllowList(cfg.blocked), pub)
	transfers := NewTransferService(store, ledger, gw, pub, TransferConfig{
		MaxAttempts:    3,
		Backoff:        BackoffPolicy{},
		SubmitTimeout:  time.Second,
		UnknownRecheck: 0,
		MaxSubmissions: cfg.maxSubmissions,
	})
	return &fixture{
		store:     store,
		ledger:    ledger,
		accounts:  NewAccountService(store),
		escrow:    escrow,
		transfers: transfers,
		intake:    NewIntakeService(store, cfg.cache, cfg.intake, ledger, escrow, transfers),
		recon:     NewReconciliationService(store),
		gateway:   gw,
		publisher: pub,
	}
}

// openAccount creates an account funded with a completed deposit.
func (f *fixture) openAccount(t *testing.T, balance int64) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, _, err := f.accounts.OpenAccount(context.Background(), id)
	require.NoError(t, err)
	if balance > 0 {
		_, err = f.ledger.Credit(context.Background(), PostingRequest{
			AccountID:      id,
			Amount:         balance,
			Type:           domain.EntryTypeDeposit,
			IdempotencyKey: fmt.Sprintf("seed:%s", id),
		})
		require.NoError(t, err)
	}
	return id
}

func (f *fixture) balance(t *testing.T, id uuid.UUID) int64 {
	t.Helper()
	account, err := f.accounts.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return account.Balance
}

func (f *fixture) entries(t *testing.T, id uuid.UUID) []models.LedgerEntry {
	t.Helper()
	entries, err := f.accounts.ListEntries(context.Background(), id, 1, 100)
	require.NoError(t, err)
	return entries
}

func (f *fixture) entriesOfType(t *testing.T, id uuid.UUID, entryType string) []models.LedgerEntry {
	t.Helper()
	var out []models.LedgerEntry
	for _, e := range f.entries(t, id) {
		if e.Type == entryType {
			out = append(out, e)
		}
	}
	return out
}

// requireBalanced asserts every balance equals its completed journal.
func (f *fixture) requireBalanced(t *testing.T) {
	t.Helper()
	drift, err := f.recon.Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, drift)
}

func (f *fixture) event(t *testing.T, eventID string) models.ProcessorEvent {
	t.Helper()
	var event models.ProcessorEvent
	err := f.store.RunInTx(context.Background(), func(q repository.Querier) error {
		var err error
		event, err = q.GetProcessorEvent(context.Background(), eventID)
		return err
	})
	require.NoError(t, err)
	return event
}

func (f *fixture) attemptByKey(t *testing.T, key string) models.TransferAttempt {
	t.Helper()
	var attempt models.TransferAttempt
	err := f.store.RunInTx(context.Background(), func(q repository.Querier) error {
		var err error
		attempt, err = q.GetTransferAttemptByKey(context.Background(), key)
		return err
	})
	require.NoError(t, err)
	return attempt
}
