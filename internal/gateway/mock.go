package gateway

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// MockGateway simulates an external processor for local runs.
// It adds latency, fails a share of calls as unreachable, declines another
// share, and returns the same transfer id for a repeated idempotency key.
type MockGateway struct {
	// FailureRate is the probability the call times out or is unreachable.
	FailureRate float64
	// DeclineRate is the probability of an explicit decline.
	DeclineRate float64
	MinDelay    time.Duration
	MaxDelay    time.Duration

	mu       sync.Mutex
	accepted map[string]string
}

// NewMockGateway creates a MockGateway with default settings.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		FailureRate: 0.05,
		DeclineRate: 0.05,
		MinDelay:    200 * time.Millisecond,
		MaxDelay:    time.Second,
		accepted:    make(map[string]string),
	}
}

func (g *MockGateway) SubmitTransfer(ctx context.Context, req TransferRequest) (string, error) {
	g.mu.Lock()
	if ref, ok := g.accepted[req.IdempotencyKey]; ok {
		g.mu.Unlock()
		return ref, nil
	}
	g.mu.Unlock()

	delay := g.MinDelay
	if span := g.MaxDelay - g.MinDelay; span > 0 {
		delay += time.Duration(rand.Int64N(int64(span)))
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return "", fmt.Errorf("gateway call canceled: %w", ctx.Err())
	}

	roll := rand.Float64()
	if roll < g.FailureRate {
		return "", ErrUnavailable
	}
	if roll < g.FailureRate+g.DeclineRate {
		return "", &DeclinedError{Reason: "destination rejected"}
	}

	// Format: MOCK-YYYYMMDD-HHMMSS-XXXXX
	ref := fmt.Sprintf("MOCK-%s-%05d", time.Now().Format("20060102-150405"), rand.IntN(100000))
	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.accepted[req.IdempotencyKey]; ok {
		return existing, nil
	}
	g.accepted[req.IdempotencyKey] = ref
	return ref, nil
}
