package infra

import (
	"fmt"

	"github.com/kursadbilgin/submission-engine/internal/config"
	infraredis "github.com/kursadbilgin/submission-engine/internal/infra/redis"
	"github.com/kursadbilgin/submission-engine/internal/repository"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// NewCheckpointStore picks the checkpoint backend. With checkpointing
// disabled progress lives only for the current process.
func NewCheckpointStore(cfg *config.Config, db *gorm.DB, rdb *goredis.Client) (repository.CheckpointStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if !cfg.EnableCheckpointing {
		return repository.NewMemoryCheckpointStore(), nil
	}

	switch cfg.CheckpointBackend {
	case config.CheckpointBackendRedis:
		if rdb == nil {
			return nil, fmt.Errorf("redis client is required for the redis checkpoint backend")
		}
		store, err := infraredis.NewCheckpointStore(rdb)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.CheckpointBackendDatabase, "":
		if db == nil {
			return nil, fmt.Errorf("database is required for the database checkpoint backend")
		}
		return repository.NewGormCheckpointStore(db), nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint backend %q", cfg.CheckpointBackend)
	}
}
