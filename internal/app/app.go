package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ayo6706/bounty-escrow/internal/api"
	"github.com/ayo6706/bounty-escrow/internal/api/handler"
	"github.com/ayo6706/bounty-escrow/internal/config"
	"github.com/ayo6706/bounty-escrow/internal/db"
	"github.com/ayo6706/bounty-escrow/internal/events"
	"github.com/ayo6706/bounty-escrow/internal/gateway"
	"github.com/ayo6706/bounty-escrow/internal/idempotency"
	"github.com/ayo6706/bounty-escrow/internal/observability"
	"github.com/ayo6706/bounty-escrow/internal/repository"
	"github.com/ayo6706/bounty-escrow/internal/repository/memory"
	"github.com/ayo6706/bounty-escrow/internal/service"
	"github.com/ayo6706/bounty-escrow/internal/worker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "bounty-escrow"

type storage interface {
	service.QueryStore
	handler.Pinger
}

// Run bootstraps the HTTP server and background workers, blocking until shutdown.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	observability.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.OTelEndpoint, serviceName)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	store, closeStore, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var (
		redisClient *redis.Client
		cache       service.ProcessedCache
	)
	if cfg.RedisURL != "" {
		redisClient, err = newRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisClient.Close()
		cache = idempotency.NewStore(redisClient, cfg.ProcessedEventTTL)
	} else {
		logger.Info("processed-event cache disabled (no REDIS_URL set)")
	}

	publisher, closePublisher, err := newPublisher(cfg)
	if err != nil {
		return err
	}
	defer closePublisher()

	ledgerSvc := service.NewLedgerService(store, publisher, service.DefaultLedgerConfig())
	escrowSvc := service.NewEscrowService(store, ledgerSvc, service.NewCategoryAllowList(cfg.BlockedCategories), publisher)
	transferCfg := service.DefaultTransferConfig()
	transferCfg.MaxAttempts = cfg.TransferMaxAttempts
	transferCfg.MaxSubmissions = cfg.TransferMaxSubmissions
	transferCfg.Backoff.Base = cfg.TransferRetryBase
	transferCfg.Backoff.Cap = cfg.TransferRetryCap
	transferCfg.SubmitTimeout = cfg.TransferTimeout
	transferSvc := service.NewTransferService(store, ledgerSvc, gateway.NewMockGateway(), publisher, transferCfg)
	intakeSvc := service.NewIntakeService(store, cache, service.IntakeConfig{
		HMACKey:       cfg.WebhookHMACKey,
		SkipSignature: cfg.WebhookSkipSignature,
		MaxReplays:    cfg.EventMaxReplays,
	}, ledgerSvc, escrowSvc, transferSvc)
	reconSvc := service.NewReconciliationService(store)

	stopTransfers := worker.NewTransferRetryWorker(transferSvc).
		WithPollInterval(cfg.TransferPollInterval).
		WithBatchSize(int(cfg.TransferBatchSize)).
		Run(ctx)
	stopReplay := worker.NewEventReplayWorker(intakeSvc).
		WithInterval(cfg.EventReplayInterval).
		Run(ctx)
	stopRecon := worker.NewReconciliationWorker(reconSvc).
		WithInterval(cfg.ReconciliationInterval).
		Run(ctx)
	logger.Info("workers started",
		zap.Duration("transfer_interval", cfg.TransferPollInterval),
		zap.Duration("replay_interval", cfg.EventReplayInterval),
		zap.Duration("reconciliation_interval", cfg.ReconciliationInterval))

	var redisPing redis.Cmdable
	if redisClient != nil {
		redisPing = redisClient
	}
	router := api.NewRouter(cfg, logger, api.Services{
		Accounts:  service.NewAccountService(store),
		Ledger:    ledgerSvc,
		Escrow:    escrowSvc,
		Transfers: transferSvc,
		Intake:    intakeSvc,
	}, store, redisPing)

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("port", cfg.HTTPPort), zap.String("storage", cfg.StorageDriver))
		serverErr <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("stopping workers")
	stopTransfers()
	stopReplay()
	stopRecon()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

func openStorage(ctx context.Context, cfg *config.Config) (storage, func(), error) {
	if cfg.StorageDriver == config.StorageDriverMemory {
		zap.L().Warn("using in-memory storage; data is lost on restart")
		return memory.NewStore(), func() {}, nil
	}

	if cfg.RunMigrations {
		if err := db.MigrateUp(cfg.DatabaseURL); err != nil {
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
	}
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	return repository.NewStore(pool), pool.Close, nil
}

// newPublisher returns the notification publisher. Kafka delivery runs on
// a worker pool so a slow broker never holds up a ledger call.
func newPublisher(cfg *config.Config) (events.Publisher, func(), error) {
	if len(cfg.KafkaBrokers) == 0 {
		zap.L().Info("notifications disabled (no KAFKA_BROKERS set)")
		return events.NopPublisher{}, func() {}, nil
	}
	kafkaPub, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopicPrefix)
	if err != nil {
		return nil, nil, fmt.Errorf("init kafka publisher: %w", err)
	}
	async := events.NewAsyncPublisher(kafkaPub, 4, 1024, 5*time.Second)
	return async, func() {
		async.Close()
		if err := kafkaPub.Close(); err != nil {
			zap.L().Warn("kafka publisher close failed", zap.Error(err))
		}
	}, nil
}

// newLogger builds a JSON production logger. Unknown levels fall back to
// info rather than failing startup.
func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl, err := zap.ParseAtomicLevel(strings.TrimSpace(level)); err == nil && level != "" {
		cfg.Level = lvl
	}
	return cfg.Build(zap.Fields(zap.String("service", serviceName)))
}

func newRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", opt.Addr, err)
	}
	return client, nil
}
