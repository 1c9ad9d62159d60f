package service

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/ayo6706/bounty-escrow/internal/domain"
)

// BackoffPolicy computes exponential retry delays with symmetric jitter.
type BackoffPolicy struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
	Jitter float64
}

// DefaultTransferBackoff is 30s doubling up to 1h, jittered by 25%.
func DefaultTransferBackoff() BackoffPolicy {
	return BackoffPolicy{Base: 30 * time.Second, Factor: 2, Cap: time.Hour, Jitter: 0.25}
}

// Delay returns the wait before retry number attempt (1-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(p.Base) * math.Pow(factor, float64(attempt-1))
	if p.Cap > 0 && d > float64(p.Cap) {
		d = float64(p.Cap)
	}
	return applyJitter(time.Duration(d), p.Jitter)
}

func applyJitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 || d <= 0 {
		return d
	}
	spread := int64(float64(d) * fraction)
	if spread <= 0 {
		return d
	}
	return d - time.Duration(spread) + time.Duration(rand.Int64N(2*spread+1))
}

// retryOnConflict runs fn until it succeeds, fails with anything other than a
// version conflict, or uses up attempts. Exhaustion surfaces as Conflict.
func retryOnConflict(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}
	delay := baseDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, errVersionConflict) {
			return err
		}
		if attempt >= attempts {
			return &domain.Error{
				Kind:    domain.KindConflict,
				Code:    "version_conflict",
				Message: "concurrent modification, retry later",
				Err:     err,
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(applyJitter(delay, 0.25)):
		}
		delay *= 2
	}
}
