package main

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/submission-engine/internal/config"
	"github.com/kursadbilgin/submission-engine/internal/infra/database"
	"github.com/kursadbilgin/submission-engine/internal/infra/database/migrations"
	infraredis "github.com/kursadbilgin/submission-engine/internal/infra/redis"
	"github.com/kursadbilgin/submission-engine/internal/observability"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:          "submitter",
	Short:        "Submit item batches to the remote service and inspect jobs",
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(migrateCmd)

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override LOG_LEVEL")
}

// runtime holds the connections every command shares.
type runtime struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *gorm.DB
	rdb    *goredis.Client
}

func newRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseDSN, logger)
	if err != nil {
		return nil, err
	}

	if err := migrations.Migrate(db); err != nil {
		closeDB(db)
		return nil, fmt.Errorf("database migrations failed: %w", err)
	}

	rt := &runtime{cfg: cfg, logger: logger, db: db}
	if cfg.RedisURL != "" {
		rt.rdb, err = infraredis.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			closeDB(db)
			return nil, err
		}
	}
	return rt, nil
}

func (r *runtime) Close() {
	if r.rdb != nil {
		_ = r.rdb.Close()
	}
	closeDB(r.db)
	_ = r.logger.Sync()
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
