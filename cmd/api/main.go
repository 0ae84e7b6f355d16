package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/kursadbilgin/submission-engine/internal/config"
	"github.com/kursadbilgin/submission-engine/internal/handler"
	"github.com/kursadbilgin/submission-engine/internal/infra"
	"github.com/kursadbilgin/submission-engine/internal/infra/database"
	"github.com/kursadbilgin/submission-engine/internal/infra/database/migrations"
	infraredis "github.com/kursadbilgin/submission-engine/internal/infra/redis"
	"github.com/kursadbilgin/submission-engine/internal/observability"
	"github.com/kursadbilgin/submission-engine/internal/queue"
	"github.com/kursadbilgin/submission-engine/internal/repository"
	"github.com/kursadbilgin/submission-engine/internal/service"
	"github.com/kursadbilgin/submission-engine/internal/transport"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
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

	checkpoints, err := infra.NewCheckpointStore(cfg, db, rdb)
	if err != nil {
		logger.Fatal("checkpoint store initialization failed", zap.Error(err))
	}

	if cfg.RabbitMQURL == "" {
		logger.Fatal("RABBITMQ_URL is required for the api")
	}
	mq, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	publisher := queue.NewRabbitMQPublisher(mq)
	defer publisher.Close()

	jobService, err := service.NewJobService(
		publisher,
		checkpoints,
		repository.NewGormOrderStore(db),
		cfg.MaxBatchSize,
		logger.Named("jobs"),
	)
	if err != nil {
		logger.Fatal("job service initialization failed", zap.Error(err))
	}

	metrics := observability.NewMetrics()

	app := fiber.New(fiber.Config{
		AppName:               "submission-engine",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	app.Use(metrics.HTTPMiddleware(transport.StatusCode))
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	handler.RegisterHealthRoutes(app,
		handler.DatabaseCheck(sqlDB),
		handler.RedisCheck(rdb),
		handler.QueueCheck(mq.Ping),
	)
	if err := handler.RegisterJobRoutes(app, jobService); err != nil {
		logger.Fatal("job routes registration failed", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	}()

	logger.Info("submission-engine api started", zap.Int("port", cfg.APIPort))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("api server stopped", zap.Error(err))
		}
	}

	logger.Info("shutting down api")
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}
}
