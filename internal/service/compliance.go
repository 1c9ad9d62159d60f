package service

import (
	"context"
	"strings"

	"github.com/ayo6706/bounty-escrow/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ComplianceGate is the synchronous pre-check run before any funds are held.
type ComplianceGate interface {
	Check(ctx context.Context, posterAccountID uuid.UUID, category string) error
}

// CategoryAllowList rejects bounties whose category is on the blocked list.
// Matching is case-insensitive; an empty list permits everything.
type CategoryAllowList struct {
	blocked map[string]struct{}
}

func NewCategoryAllowList(blocked []string) *CategoryAllowList {
	set := make(map[string]struct{}, len(blocked))
	for _, c := range blocked {
		c = normalizeCategory(c)
		if c != "" {
			set[c] = struct{}{}
		}
	}
	return &CategoryAllowList{blocked: set}
}

func (g *CategoryAllowList) Check(_ context.Context, posterAccountID uuid.UUID, category string) error {
	if _, blocked := g.blocked[normalizeCategory(category)]; blocked {
		zap.L().Info("hold rejected by compliance gate",
			zap.String("poster_account_id", posterAccountID.String()),
			zap.String("category", category))
		return domain.ErrCategoryNotPermitted
	}
	return nil
}

func normalizeCategory(c string) string {
	return strings.ToLower(strings.TrimSpace(c))
}

// AllowAll permits every category.
type AllowAll struct{}

func (AllowAll) Check(context.Context, uuid.UUID, string) error { return nil }
