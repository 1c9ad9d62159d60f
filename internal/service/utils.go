package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ayo6706/bounty-escrow/internal/observability"
	"github.com/ayo6706/bounty-escrow/internal/repository"
	"go.uber.org/zap"
)

// errVersionConflict marks a transaction that lost an optimistic version
// check and should be retried from the top.
var errVersionConflict = errors.New("optimistic version conflict")

func versionConflict(operation string) error {
	observability.IncrementVersionConflict(operation)
	return fmt.Errorf("%s: %w", operation, errVersionConflict)
}

func requireExactlyOne(rows int64, operation string) error {
	if rows != 1 {
		return fmt.Errorf("%s affected %d rows", operation, rows)
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound)
}

// detach returns a context that ignores caller cancellation but is still
// bounded. Ledger mutations past validation must run to completion.
func detach(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

func marshalMetadata(fields map[string]any) []byte {
	if len(fields) == 0 {
		return nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		zap.L().Warn("marshal metadata", zap.Error(err))
		return nil
	}
	return b
}
