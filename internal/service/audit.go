package service

import (
	"context"
	"fmt"
	"time"

	"github.com/ayo6706/bounty-escrow/internal/models"
	"github.com/ayo6706/bounty-escrow/internal/repository"
	"github.com/google/uuid"
)

const actorSystem = "system"

// AuditService writes immutable audit trail entries.
type AuditService struct {
	now func() time.Time
}

func NewAuditService() *AuditService {
	return &AuditService{now: func() time.Time { return time.Now().UTC() }}
}

// Write stores a single immutable audit record inside the caller's transaction.
func (s *AuditService) Write(ctx context.Context, qtx repository.Querier, entityType string, entityID uuid.UUID, actor, action, prevState, nextState string, metadata []byte) error {
	if actor == "" {
		actor = actorSystem
	}
	if err := qtx.InsertAuditLog(ctx, models.AuditRecord{
		ID:         uuid.New(),
		EntityType: entityType,
		EntityID:   entityID.String(),
		Actor:      actor,
		Action:     action,
		PrevState:  prevState,
		NextState:  nextState,
		Metadata:   metadata,
		CreatedAt:  s.now(),
	}); err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}
