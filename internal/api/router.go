package api

import (
	"net/http"

	"github.com/ayo6706/bounty-escrow/internal/api/handler"
	"github.com/ayo6706/bounty-escrow/internal/api/middleware"
	"github.com/ayo6706/bounty-escrow/internal/api/spec"
	"github.com/ayo6706/bounty-escrow/internal/config"
	"github.com/ayo6706/bounty-escrow/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	httpSwagger "github.com/swaggo/http-swagger/v2"
	"go.uber.org/zap"
)

// Services are the domain services the HTTP layer exposes.
type Services struct {
	Accounts  *service.AccountService
	Ledger    *service.LedgerService
	Escrow    *service.EscrowService
	Transfers *service.TransferService
	Intake    *service.IntakeService
}

type Router struct {
	cfg    *config.Config
	logger *zap.Logger
	svc    Services
	db     handler.Pinger
	redis  redis.Cmdable
}

// NewRouter wires handlers over svc. db and redis feed the readiness probe
// and may be nil.
func NewRouter(cfg *config.Config, logger *zap.Logger, svc Services, db handler.Pinger, redis redis.Cmdable) *Router {
	return &Router{cfg: cfg, logger: logger, svc: svc, db: db, redis: redis}
}

func (api *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware)
	r.Use(middleware.RecoverMiddleware(api.logger))
	r.Use(middleware.LoggingMiddleware(api.logger))
	r.Use(middleware.MetricsMiddleware)
	if len(api.cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   api.cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", middleware.IdempotencyKeyHeader, "X-Trace-ID"},
			ExposedHeaders:   []string{"X-Trace-ID", "X-Idempotent-Replay"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	healthHandler := handler.NewHealthHandler(api.db, api.redis)
	accountHandler := handler.NewAccountHandler(api.svc.Accounts, api.svc.Ledger)
	escrowHandler := handler.NewEscrowHandler(api.svc.Escrow, api.cfg.DefaultFeeBPS)
	withdrawalHandler := handler.NewWithdrawalHandler(api.svc.Transfers)
	webhookHandler := handler.NewWebhookHandler(api.svc.Intake)
	adminHandler := handler.NewAdminHandler(api.svc.Intake, api.svc.Transfers)
	requireKey := middleware.RequireIdempotencyKey(api.logger)
	auth := middleware.NewAuthenticator(api.cfg.JWTSecret, api.cfg.JWTIssuer, api.cfg.JWTAudience)

	// Operational
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/openapi.yaml", spec.OpenAPIHandler())
	r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))

	// Processor webhooks authenticate by signature.
	r.Group(func(r chi.Router) {
		r.Use(middleware.PublicRateLimiter(api.cfg.PublicRateLimitRPS))
		r.Post("/v1/webhooks/processor", webhookHandler.HandleProcessorEvent)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		r.Use(middleware.AuthRateLimiter(api.cfg.AuthRateLimitRPS))

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(middleware.RoleService, middleware.RoleAdmin))

			// Accounts
			r.Post("/v1/accounts", accountHandler.CreateAccount)
			r.Get("/v1/accounts/{id}", accountHandler.GetAccount)
			r.Get("/v1/accounts/{id}/entries", accountHandler.ListEntries)
			r.With(requireKey).Post("/v1/accounts/{id}/credits", accountHandler.Credit)
			r.With(requireKey).Post("/v1/accounts/{id}/debits", accountHandler.Debit)

			// Escrow
			r.Get("/v1/escrow/{bountyID}", escrowHandler.Get)
			r.With(requireKey).Post("/v1/escrow/{bountyID}/hold", escrowHandler.Hold)
			r.Post("/v1/escrow/{bountyID}/release", escrowHandler.Release)
			r.Post("/v1/escrow/{bountyID}/refund", escrowHandler.Refund)
			r.Post("/v1/escrow/{bountyID}/dispute", escrowHandler.Dispute)

			// Withdrawals
			r.With(requireKey).Post("/v1/withdrawals", withdrawalHandler.Create)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(middleware.RoleAdmin))

			r.Get("/v1/admin/events/failed", adminHandler.ListFailedEvents)
			r.Post("/v1/admin/events/{id}/replay", adminHandler.ReplayEvent)
			r.Get("/v1/admin/transfers/failed", adminHandler.ListFailedTransfers)
			r.Get("/v1/admin/transfers/review", adminHandler.ListTransfersNeedingReview)
			r.Post("/v1/admin/transfers/{entryID}/retry", adminHandler.RetryTransfer)
		})
	})

	return r
}
