package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func okHandler(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }

func problemType(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body["type"].(string)
}

func TestRequireIdempotencyKey(t *testing.T) {
	var seen string
	h := RequireIdempotencyKey(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = IdempotencyKeyFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		key    string
		status int
		suffix string
	}{
		{"missing", "", http.StatusBadRequest, "idempotency/missing-key"},
		{"blank", "   ", http.StatusBadRequest, "idempotency/missing-key"},
		{"too long", strings.Repeat("k", maxIdempotencyKeyLength+1), http.StatusBadRequest, "idempotency/invalid-key"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/withdrawals", nil)
			if tc.key != "" {
				req.Header.Set(IdempotencyKeyHeader, tc.key)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
			assert.True(t, strings.HasSuffix(problemType(t, w), tc.suffix))
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/withdrawals", nil)
	req.Header.Set(IdempotencyKeyHeader, "  wd-42 ")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "wd-42", seen)
}

func TestRecoverMiddleware(t *testing.T) {
	h := TraceMiddleware(RecoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	req := httptest.NewRequest(http.MethodGet, "/v1/escrow/x", nil)
	req.Header.Set(traceHeader, "trace-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "trace-1", w.Header().Get(traceHeader))
	assert.True(t, strings.HasSuffix(problemType(t, w), "internal-server-error"))
}

func TestTraceMiddlewareGeneratesID(t *testing.T) {
	var fromCtx string
	h := TraceMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fromCtx = TraceIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	require.NotEmpty(t, fromCtx)
	assert.Equal(t, fromCtx, w.Header().Get(traceHeader))
}

func TestPublicRateLimiter(t *testing.T) {
	h := PublicRateLimiter(1)(http.HandlerFunc(okHandler))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/processor", nil)
		req.RemoteAddr = "10.0.0.1:4000"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}
	assert.Equal(t, http.StatusNoContent, send().Code)
	w := send()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.True(t, strings.HasSuffix(problemType(t, w), "rate-limit-exceeded"))
}

func TestStatusRecorderKeepsFirstStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec, status: http.StatusOK}
	_, err := sr.Write([]byte("hello"))
	require.NoError(t, err)
	sr.WriteHeader(http.StatusTeapot)

	assert.Equal(t, http.StatusOK, sr.status)
	assert.Equal(t, 5, sr.bytes)
}

func TestAuthenticator(t *testing.T) {
	auth := NewAuthenticator("secret-0123456789-secret", "escrow-test", "escrow-api")
	var subject, role string
	h := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, role = UserIDFromContext(r.Context()), UserRoleFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	good, err := auth.Issue("marketplace", RoleService, time.Minute)
	require.NoError(t, err)
	expired, err := auth.Issue("marketplace", RoleService, -time.Minute)
	require.NoError(t, err)
	foreign, err := NewAuthenticator("another-secret-0123456789", "escrow-test", "escrow-api").Issue("marketplace", RoleAdmin, time.Minute)
	require.NoError(t, err)
	wrongAudience, err := NewAuthenticator("secret-0123456789-secret", "escrow-test", "other-api").Issue("marketplace", RoleAdmin, time.Minute)
	require.NoError(t, err)
	noRole, err := auth.Issue("marketplace", "", time.Minute)
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
		status int
		suffix string
	}{
		{"missing header", "", http.StatusUnauthorized, "auth/authorization-header-required"},
		{"not bearer", "Basic abc", http.StatusUnauthorized, "auth/invalid-token-format"},
		{"expired", "Bearer " + expired, http.StatusUnauthorized, "auth/invalid-token"},
		{"wrong secret", "Bearer " + foreign, http.StatusUnauthorized, "auth/invalid-token"},
		{"wrong audience", "Bearer " + wrongAudience, http.StatusUnauthorized, "auth/invalid-token"},
		{"no role", "Bearer " + noRole, http.StatusUnauthorized, "auth/invalid-token-claims"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/escrow/x", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
			assert.True(t, strings.HasSuffix(problemType(t, w), tc.suffix))
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/escrow/x", nil)
	req.Header.Set("Authorization", "Bearer "+good)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "marketplace", subject)
	assert.Equal(t, RoleService, role)
}

func TestRequireRole(t *testing.T) {
	h := RequireRole(RoleAdmin)(http.HandlerFunc(okHandler))

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/events/failed", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req.WithContext(context.WithValue(req.Context(), roleContextKey, RoleService)))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, req.WithContext(context.WithValue(req.Context(), roleContextKey, RoleAdmin)))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRouteLabel(t *testing.T) {
	var label string
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req)
			label = routeLabel(req)
		})
	})
	r.Get("/v1/accounts/{id}", okHandler)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/accounts/8d1c", nil))
	assert.Equal(t, "/v1/accounts/{id}", label)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/nothing/here", nil))
	assert.Equal(t, unmatchedRoute, label)

	assert.Equal(t, unmatchedRoute, routeLabel(httptest.NewRequest(http.MethodGet, "/", nil)))
}
