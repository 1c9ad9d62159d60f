package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the postgres storage driver. Each service mutation runs inside
// one RunInTx call; concurrent writers are serialized by the version
// columns, so read committed isolation is enough.
type Store struct {
	db      *pgxpool.Pool
	queries *Queries
}

var txOptions = pgx.TxOptions{IsoLevel: pgx.ReadCommitted}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db, queries: New(db)}
}

// RunInTx commits when fn returns nil and rolls back otherwise. The
// rollback ignores caller cancellation so the connection goes back to the
// pool clean.
func (s *Store) RunInTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := s.db.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if err := fn(s.queries.WithTx(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", mapError(err))
	}
	return nil
}

// Ping backs the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}
