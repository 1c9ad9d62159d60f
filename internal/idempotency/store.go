// Package idempotency keeps a Redis fast path in front of the durable
// processor_events table. The cache is only ever consulted for positive
// hits; Postgres stays authoritative.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ayo6706/bounty-escrow/internal/observability"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisKeyPrefix = "processor_event"

type Store struct {
	redis redis.Cmdable
	ttl   time.Duration
}

// NewStore returns a cache backed by redis. A nil client disables it.
func NewStore(redis redis.Cmdable, ttl time.Duration) *Store {
	return &Store{redis: redis, ttl: ttl}
}

// Lookup reports whether eventID is known to be processed and, if so, the
// payload digest it was processed with. Cache errors read as a miss.
func (s *Store) Lookup(ctx context.Context, eventID string) (string, bool) {
	if s == nil || s.redis == nil {
		return "", false
	}
	digest, err := s.redis.Get(ctx, redisKey(eventID)).Result()
	if err == nil {
		observability.IncrementProcessedCache("hit")
		return digest, true
	}
	if !errors.Is(err, redis.Nil) {
		observability.IncrementProcessedCache("error")
		zap.L().Warn("redis processed-event lookup failed", zap.Error(err), zap.String("event_id", eventID))
		return "", false
	}
	observability.IncrementProcessedCache("miss")
	return "", false
}

// Remember records eventID as processed.
func (s *Store) Remember(ctx context.Context, eventID, digest string) {
	if s == nil || s.redis == nil {
		return
	}
	if err := s.redis.Set(ctx, redisKey(eventID), digest, s.ttl).Err(); err != nil {
		zap.L().Warn("redis processed-event cache set failed", zap.Error(err), zap.String("event_id", eventID))
	}
}

func redisKey(eventID string) string {
	return fmt.Sprintf("%s:%s", redisKeyPrefix, eventID)
}
