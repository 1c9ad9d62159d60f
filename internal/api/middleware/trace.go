package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ayo6706/bounty-escrow/internal/observability"
	"github.com/google/uuid"
)

const traceHeader = "X-Trace-ID"

// TraceMiddleware assigns the request id echoed in X-Trace-ID and problem
// bodies, and opens the server span that ledger and escrow spans nest under.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(traceHeader)
		if traceID == "" {
			traceID = uuid.NewString()
		}
		w.Header().Set(traceHeader, traceID)

		ctx, span := observability.StartSpan(contextWithTraceID(r.Context(), traceID),
			"http "+r.Method, observability.RequestID(traceID))
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r.WithContext(ctx))

		span.SetAttributes(observability.HTTPStatus(rw.status))
		var err error
		if rw.status >= http.StatusInternalServerError {
			err = fmt.Errorf("http status %d", rw.status)
		}
		observability.EndSpan(span, err)
	})
}

func contextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceContextKey, traceID)
}
