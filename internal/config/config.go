package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

const (
	DatabaseDriverPostgres = "postgres"
	DatabaseDriverSQLite   = "sqlite"

	CheckpointBackendDatabase = "database"
	CheckpointBackendRedis    = "redis"
)

type Config struct {
	DatabaseDriver string `env:"DATABASE_DRIVER,default=postgres"`
	DatabaseDSN    string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL    string `env:"RABBITMQ_URL"`
	RedisURL       string `env:"REDIS_URL"`

	ProviderBaseURL  string        `env:"PROVIDER_BASE_URL,required=true"`
	ProviderAPIKey   string        `env:"PROVIDER_API_KEY,required=true"`
	ProviderUsername string        `env:"PROVIDER_USERNAME,required=true"`
	ProviderTimeout  time.Duration `env:"PROVIDER_TIMEOUT,default=60s"`

	MaxBatchSize        int           `env:"MAX_BATCH_SIZE,default=100"`
	WorkerCount         int           `env:"WORKER_COUNT,default=30"`
	MaxRetries          int           `env:"MAX_RETRIES,default=3"`
	BackoffBase         time.Duration `env:"BACKOFF_BASE,default=1s"`
	BackoffJitter       time.Duration `env:"BACKOFF_JITTER,default=0s"`
	MinBatchInterval    time.Duration `env:"MIN_BATCH_INTERVAL,default=0s"`
	EnableCheckpointing bool          `env:"ENABLE_CHECKPOINTING,default=true"`
	CheckpointBackend   string        `env:"CHECKPOINT_BACKEND,default=database"`
	RateLimitPerMin     int           `env:"RATE_LIMIT_PER_MIN,default=0"`

	StatusSyncInterval time.Duration `env:"STATUS_SYNC_INTERVAL,default=5m"`
	StatusSyncBatch    int           `env:"STATUS_SYNC_BATCH,default=100"`

	APIPort     int    `env:"API_PORT,default=8080"`
	MetricsPort int    `env:"METRICS_PORT,default=9090"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`
}

// Engine holds the knobs the coordinator and worker pool run with.
type Engine struct {
	MaxBatchSize        int
	WorkerCount         int
	MaxRetries          int
	BackoffBase         time.Duration
	BackoffJitter       time.Duration
	MinBatchInterval    time.Duration
	EnableCheckpointing bool
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	c.DatabaseDriver = strings.ToLower(strings.TrimSpace(c.DatabaseDriver))
	switch c.DatabaseDriver {
	case DatabaseDriverPostgres, DatabaseDriverSQLite:
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}

	c.CheckpointBackend = strings.ToLower(strings.TrimSpace(c.CheckpointBackend))
	switch c.CheckpointBackend {
	case CheckpointBackendDatabase:
	case CheckpointBackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when CHECKPOINT_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unsupported CHECKPOINT_BACKEND %q", c.CheckpointBackend)
	}

	if c.RateLimitPerMin > 0 && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required when RATE_LIMIT_PER_MIN is set")
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("MAX_BATCH_SIZE must be positive")
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("MAX_RETRIES must be positive")
	}
	if c.BackoffBase < 0 || c.BackoffJitter < 0 || c.MinBatchInterval < 0 {
		return fmt.Errorf("backoff and interval durations must not be negative")
	}
	return nil
}

func (c *Config) Engine() Engine {
	return Engine{
		MaxBatchSize:        c.MaxBatchSize,
		WorkerCount:         c.WorkerCount,
		MaxRetries:          c.MaxRetries,
		BackoffBase:         c.BackoffBase,
		BackoffJitter:       c.BackoffJitter,
		MinBatchInterval:    c.MinBatchInterval,
		EnableCheckpointing: c.EnableCheckpointing,
	}
}

// DefaultEngine matches the documented defaults for callers that skip Load.
func DefaultEngine() Engine {
	return Engine{
		MaxBatchSize:        100,
		WorkerCount:         30,
		MaxRetries:          3,
		BackoffBase:         time.Second,
		EnableCheckpointing: true,
	}
}
