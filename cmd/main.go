/**
 * @description
 * This is the main entry point for the payout-service. It loads configuration,
 * connects the ledger store (Postgres or in-memory), the custody gateway, Redis
 * and RabbitMQ, then starts the HTTP server, the outbox dispatcher and the
 * maintenance scheduler, and shuts them down together on SIGINT/SIGTERM.
 *
 * @dependencies
 * - github.com/joho/godotenv: local .env loading.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: claim rate limiting.
 * - go.uber.org/zap: structured logging.
 * - internal/api, internal/app, internal/config, internal/store: service packages.
 * - pkg/assettransfer, pkg/logging, pkg/rabbitmq, pkg/retry: shared clients and helpers.
 */
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/payout-service/internal/api"
	"github.com/transfa/payout-service/internal/app"
	"github.com/transfa/payout-service/internal/config"
	"github.com/transfa/payout-service/internal/store"
	"github.com/transfa/payout-service/pkg/assettransfer"
	"github.com/transfa/payout-service/pkg/logging"
	"github.com/transfa/payout-service/pkg/rabbitmq"
	"github.com/transfa/payout-service/pkg/retry"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("level=warn component=bootstrap msg=\"failed to load .env file\" err=%v", err)
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"logger init failed\" err=%v", err)
	}
	defer logger.Sync() //nolint:errcheck

	bootLog := logger.With(zap.String("component", "bootstrap"))
	bootLog.Info("starting payout-service", zap.String("port", cfg.ServerPort))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repository, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		bootLog.Fatal("ledger store init failed", zap.Error(err))
	}
	defer closeStore()

	var gateway assettransfer.Gateway
	if strings.TrimSpace(cfg.CustodyAPIBaseURL) == "" {
		bootLog.Warn("custody api not configured; using in-memory custody", zap.String("env", "CUSTODY_API_BASE_URL"))
		gateway = assettransfer.NewMemoryGateway()
	} else {
		gateway = assettransfer.NewHTTPGateway(cfg.CustodyAPIBaseURL, cfg.CustodyAPIKey, assettransfer.DefaultBreakerConfig(), logger)
		bootLog.Info("custody gateway configured", zap.String("base_url", cfg.CustodyAPIBaseURL))
	}

	service := app.NewService(repository, gateway, logger)

	if redisClient := openRedis(ctx, cfg, bootLog); redisClient != nil {
		defer redisClient.Close()
		service.SetClaimRateLimiter(app.NewRedisClaimRateLimiter(redisClient, cfg.RedisRateLimitPrefix, app.ClaimLimits{
			PerRecipient:  cfg.ClaimRateLimitPerMinute,
			PerAllocation: cfg.PayoutClaimLimitPerMin,
			Window:        time.Minute,
		}))
	}

	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		bootLog.Warn("rabbitmq url missing; ledger events stay in the outbox log only", zap.String("env", "RABBITMQ_URL"))
	} else if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger); err != nil {
		bootLog.Warn("rabbitmq producer unavailable; using fallback", zap.Error(err))
	} else {
		publisher = producer
		bootLog.Info("rabbitmq producer connected")
	}
	defer publisher.Close()

	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		if consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, logger); err != nil {
			bootLog.Warn("custody status consumer unavailable; relying on reconcile job", zap.Error(err))
		} else {
			defer consumer.Close()
			custody := app.NewCustodyStatusConsumer(service, logger)
			err := consumer.ConsumeWithBindings(cfg.CustodyEventsExchange, cfg.CustodyEventsQueue, map[string]func([]byte) bool{
				app.CustodyStatusRoutingKey: custody.HandleMessage,
			})
			if err != nil {
				bootLog.Warn("failed to bind custody status queue", zap.Error(err))
			} else {
				bootLog.Info("custody status consumer started",
					zap.String("exchange", cfg.CustodyEventsExchange),
					zap.String("queue", cfg.CustodyEventsQueue))
			}
		}
	}

	dispatcher := app.NewOutboxDispatcher(repository, publisher, app.OutboxDispatcherConfig{
		BatchSize:    cfg.OutboxBatchSize,
		PollInterval: cfg.OutboxPollInterval(),
		Workers:      cfg.OutboxWorkers,
	}, logger)
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		dispatcher.Run(ctx)
	}()

	scheduler := app.NewScheduler(service, logger, app.SchedulerConfig{
		ReconcileSchedule: cfg.ClaimReconcileSchedule,
		AuditSchedule:     cfg.LedgerAuditSchedule,
		ReconcileAge:      cfg.ClaimReconcileAge(),
	})
	scheduler.Start()

	handlers := api.NewPayoutHandlers(service, logger)
	router := api.NewRouter(handlers, api.RouterConfig{
		Auth: api.AuthConfig{
			Secret:   cfg.JWTSecret,
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
		},
		InternalAPIKey: cfg.InternalAPIKey,
		AllowedOrigins: cfg.AllowedOrigins(),
	})
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		bootLog.Warn("jwt secret missing; authenticated routes will reject every request", zap.String("env", "JWT_SECRET"))
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		bootLog.Warn("internal api key missing; /internal routes are unprotected", zap.String("env", "INTERNAL_API_KEY"))
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("server listening", zap.String("component", "http"), zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server stopped unexpectedly", zap.String("component", "http"), zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown started", zap.String("component", "http"))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("scheduler jobs still running at shutdown")
	}
	select {
	case <-dispatcherDone:
	case <-shutdownCtx.Done():
		logger.Warn("outbox dispatcher still running at shutdown")
	}
	logger.Info("shutdown complete", zap.String("component", "http"))
}

// openStore connects Postgres when DATABASE_URL is set, retrying until the database
// is reachable, and falls back to the in-memory ledger otherwise.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Repository, func(), error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		logger.Warn("database url missing; using in-memory ledger store", zap.String("env", "DATABASE_URL"))
		return store.NewMemoryRepository(cfg.EventExchange), func() {}, nil
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database url parse failed: %w", err)
	}
	poolConfig.MaxConns = cfg.DatabaseMaxConns
	poolConfig.MinConns = cfg.DatabaseMinConns
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	var dbpool *pgxpool.Pool
	err = retry.WithBackoff(ctx, retry.DefaultConfig(), logger, "postgres connect", func() error {
		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			pool.Close()
			return err
		}
		dbpool = pool
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}

	repository := store.NewPostgresRepository(dbpool, cfg.EventExchange)
	if err := repository.EnsureSchema(ctx); err != nil {
		dbpool.Close()
		return nil, nil, fmt.Errorf("schema migration failed: %w", err)
	}
	logger.Info("database connected",
		zap.Int32("max_conns", poolConfig.MaxConns),
		zap.Int32("min_conns", poolConfig.MinConns))
	return repository, dbpool.Close, nil
}

// openRedis returns a connected client, or nil when rate limiting is not configured
// or Redis is unreachable.
func openRedis(ctx context.Context, cfg config.Config, logger *zap.Logger) *redis.Client {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		logger.Warn("redis url missing; claim rate limiting disabled", zap.String("env", "REDIS_URL"))
		return nil
	}
	options, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis url parse failed; claim rate limiting disabled", zap.Error(err))
		return nil
	}
	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; claim rate limiting disabled", zap.Error(err))
		client.Close()
		return nil
	}
	logger.Info("redis connected")
	return client
}
