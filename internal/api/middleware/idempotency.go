package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/ayo6706/bounty-escrow/internal/api/problem"
	"go.uber.org/zap"
)

// IdempotencyKeyHeader names the caller-supplied replay key.
const IdempotencyKeyHeader = "Idempotency-Key"

const maxIdempotencyKeyLength = 200

// RequireIdempotencyKey enforces the Idempotency-Key contract for mutating
// requests. The key is handed to the service layer, which derives ledger
// keys from it; replays are resolved there against stored entries, so no
// response cache is kept here.
func RequireIdempotencyKey(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
			if key == "" {
				logger.Debug("request without idempotency key", zap.String("path", r.URL.Path))
				problem.Write(w, r, http.StatusBadRequest, problem.Type("idempotency/missing-key"), http.StatusText(http.StatusBadRequest), "Idempotency-Key header is required")
				return
			}
			if len(key) > maxIdempotencyKeyLength {
				problem.Write(w, r, http.StatusBadRequest, problem.Type("idempotency/invalid-key"), http.StatusText(http.StatusBadRequest), "Idempotency-Key is too long")
				return
			}
			ctx := context.WithValue(r.Context(), idempotencyContextKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IdempotencyKeyFromContext returns the key accepted by RequireIdempotencyKey.
func IdempotencyKeyFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(idempotencyContextKey).(string); ok {
		return v
	}
	return ""
}
