package service

import (
	"context"

	"github.com/ayo6706/bounty-escrow/internal/repository"
)

// QueryStore defines the minimal data access contract required by services.
// Both repository.Store and memory.Store satisfy it.
type QueryStore interface {
	RunInTx(ctx context.Context, fn func(q repository.Querier) error) error
}
