package service

import (
	"context"
	"fmt"

	"github.com/ayo6706/bounty-escrow/internal/models"
	"github.com/ayo6706/bounty-escrow/internal/observability"
	"github.com/ayo6706/bounty-escrow/internal/repository"
	"go.uber.org/zap"
)

// ReconciliationService verifies that every balance equals the sum of the
// account's completed ledger entries and is non-negative.
type ReconciliationService struct {
	store QueryStore
	limit int
}

// NewReconciliationService creates a reconciliation service.
func NewReconciliationService(store QueryStore) *ReconciliationService {
	return &ReconciliationService{store: store, limit: 100}
}

// Run reports drifted accounts. It never corrects them: fixes go through
// compensating entries after an operator has looked.
func (s *ReconciliationService) Run(ctx context.Context) ([]models.AccountDrift, error) {
	var drift []models.AccountDrift
	err := s.store.RunInTx(ctx, func(q repository.Querier) error {
		var err error
		drift, err = q.ListAccountDrift(ctx, int32(s.limit))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("run balance drift query: %w", err)
	}

	if len(drift) == 0 {
		zap.L().Info("Ledger Balanced")
		return drift, nil
	}

	observability.AddBalanceDrift(len(drift))
	for _, d := range drift {
		zap.L().Error("CRITICAL: balance drift detected",
			zap.String("account_id", d.UserID.String()),
			zap.Int64("balance", d.Balance),
			zap.Int64("journal_total", d.JournalTotal),
			zap.Int64("completed_entries", d.CompletedRows))
	}
	return drift, nil
}
