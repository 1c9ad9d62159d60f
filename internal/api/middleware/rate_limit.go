package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ayo6706/bounty-escrow/internal/api/problem"
	"github.com/ayo6706/bounty-escrow/internal/observability"
	"github.com/go-chi/httprate"
)

// PublicRateLimiter guards the processor webhook, keyed by client IP.
// Processor redeliveries that get a 429 are retried by the processor.
func PublicRateLimiter(rps int) func(http.Handler) http.Handler {
	return httprate.Limit(rps, time.Second,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(limitExceeded("public", rps)),
	)
}

// AuthRateLimiter limits authenticated callers per role and subject, so a
// noisy service token cannot starve the admin routes.
func AuthRateLimiter(rps int) func(http.Handler) http.Handler {
	return httprate.Limit(rps, time.Second,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			subject := UserIDFromContext(r.Context())
			if subject == "" {
				return httprate.KeyByIP(r)
			}
			return UserRoleFromContext(r.Context()) + ":" + subject, nil
		}),
		httprate.WithLimitHandler(limitExceeded("authenticated", rps)),
	)
}

func limitExceeded(scope string, rps int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		observability.IncrementHTTPRejection("rate_limit_" + scope)
		problem.Write(w, r, http.StatusTooManyRequests, problem.Type("rate-limit-exceeded"), "",
			fmt.Sprintf("rate limit of %d req/s exceeded for %s callers", rps, scope))
	}
}
