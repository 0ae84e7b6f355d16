package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kursadbilgin/submission-engine/internal/config"
	"github.com/kursadbilgin/submission-engine/internal/infra"
	"github.com/kursadbilgin/submission-engine/internal/infra/database"
	"github.com/kursadbilgin/submission-engine/internal/infra/database/migrations"
	infraredis "github.com/kursadbilgin/submission-engine/internal/infra/redis"
	"github.com/kursadbilgin/submission-engine/internal/observability"
	"github.com/kursadbilgin/submission-engine/internal/provider"
	"github.com/kursadbilgin/submission-engine/internal/queue"
	"github.com/kursadbilgin/submission-engine/internal/ratelimit"
	"github.com/kursadbilgin/submission-engine/internal/repository"
	"github.com/kursadbilgin/submission-engine/internal/service"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseDSN, logger)
	if err != nil {
		logger.Fatal("database initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("database underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	var rdb *goredis.Client
	if cfg.RedisURL != "" {
		rdb, err = infraredis.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis initialization failed", zap.Error(err))
		}
		defer rdb.Close()
	}

	var limiter ratelimit.RateLimiter
	if cfg.RateLimitPerMin > 0 {
		redisLimiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerMin)
		if err != nil {
			logger.Fatal("rate limiter initialization failed", zap.Error(err))
		}
		limiter = redisLimiter
	}

	checkpoints, err := infra.NewCheckpointStore(cfg, db, rdb)
	if err != nil {
		logger.Fatal("checkpoint store initialization failed", zap.Error(err))
	}
	orders := repository.NewGormOrderStore(db)

	client, err := provider.NewGSMFusionClient(provider.GSMFusionConfig{
		BaseURL:  cfg.ProviderBaseURL,
		APIKey:   cfg.ProviderAPIKey,
		Username: cfg.ProviderUsername,
		Timeout:  cfg.ProviderTimeout,
	})
	if err != nil {
		logger.Fatal("provider initialization failed", zap.Error(err))
	}

	metrics := observability.NewMetrics()

	coordinator, err := service.NewEngine(service.EngineDeps{
		Submitter:   client,
		Orders:      orders,
		Checkpoints: checkpoints,
		Attempts:    repository.NewGormAttemptRepo(db),
		RateLimiter: limiter,
		Metrics:     metrics,
	}, cfg.Engine(), logger)
	if err != nil {
		logger.Fatal("engine initialization failed", zap.Error(err))
	}

	syncer, err := service.NewStatusSyncer(orders, client, cfg.StatusSyncInterval, cfg.StatusSyncBatch, logger.Named("status-sync"))
	if err != nil {
		logger.Fatal("status syncer initialization failed", zap.Error(err))
	}
	syncer.SetMetrics(metrics)

	if cfg.RabbitMQURL == "" {
		logger.Fatal("RABBITMQ_URL is required for the worker")
	}
	mq, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	defer mq.Close()

	// One job at a time per worker process; the pool parallelizes within it.
	consumer := queue.NewRabbitMQConsumer(mq, 1, logger.Named("consumer"))
	jobConsumer, err := service.NewJobConsumer(consumer, coordinator, logger.Named("jobs"))
	if err != nil {
		logger.Fatal("job consumer initialization failed", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return jobConsumer.Start(gctx)
	})
	g.Go(func() error {
		return syncer.Start(gctx)
	})
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	logger.Info("submission-engine worker started",
		zap.Int("workers", cfg.WorkerCount),
		zap.Int("maxBatchSize", cfg.MaxBatchSize),
		zap.String("checkpointBackend", cfg.CheckpointBackend),
		zap.Int("metricsPort", cfg.MetricsPort),
	)

	if err := g.Wait(); err != nil {
		logger.Error("worker stopped with error", zap.Error(err))
		return
	}
	logger.Info("worker stopped")
}
