package service

import (
	"context"
	"fmt"

	"github.com/ayo6706/bounty-escrow/internal/domain"
	"github.com/ayo6706/bounty-escrow/internal/models"
	"github.com/ayo6706/bounty-escrow/internal/repository"
	"github.com/google/uuid"
)

// AccountService is the read side of the ledger plus account provisioning.
type AccountService struct {
	store QueryStore
}

func NewAccountService(store QueryStore) *AccountService {
	return &AccountService{store: store}
}

// OpenAccount creates a zero-balance account. Opening an existing account
// returns it unchanged.
func (s *AccountService) OpenAccount(ctx context.Context, userID uuid.UUID) (*models.Account, bool, error) {
	if userID == uuid.Nil {
		return nil, false, domain.Validation("invalid_account", "user_id is required")
	}
	var (
		account models.Account
		created bool
	)
	err := s.store.RunInTx(ctx, func(q repository.Querier) error {
		var err error
		created, err = q.InsertAccount(ctx, userID)
		if err != nil {
			return fmt.Errorf("insert account: %w", err)
		}
		account, err = q.GetAccount(ctx, userID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return &account, created, nil
}

func (s *AccountService) GetAccount(ctx context.Context, accountID uuid.UUID) (*models.Account, error) {
	var account models.Account
	err := s.store.RunInTx(ctx, func(q repository.Querier) error {
		var err error
		account, err = q.GetAccount(ctx, accountID)
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// ListEntries pages through an account's journal, newest first.
func (s *AccountService) ListEntries(ctx context.Context, accountID uuid.UUID, page, pageSize int) ([]models.LedgerEntry, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	var entries []models.LedgerEntry
	err := s.store.RunInTx(ctx, func(q repository.Querier) error {
		if _, err := q.GetAccount(ctx, accountID); err != nil {
			return err
		}
		var err error
		entries, err = q.ListLedgerEntries(ctx, repository.ListLedgerEntriesParams{
			AccountID: accountID,
			Limit:     int32(pageSize),
			Offset:    int32(offset),
		})
		return err
	})
	if err != nil {
		if isNotFound(err) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	return entries, nil
}

// AuditTrail returns the audit records for one entity in write order.
func (s *AccountService) AuditTrail(ctx context.Context, entityType string, entityID uuid.UUID) ([]models.AuditRecord, error) {
	var records []models.AuditRecord
	err := s.store.RunInTx(ctx, func(q repository.Querier) error {
		var err error
		records, err = q.ListAuditLog(ctx, entityType, entityID.String())
		return err
	})
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []models.AuditRecord{}
	}
	return records, nil
}
