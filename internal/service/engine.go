package service

import (
	"github.com/kursadbilgin/submission-engine/internal/config"
	"github.com/kursadbilgin/submission-engine/internal/observability"
	"github.com/kursadbilgin/submission-engine/internal/provider"
	"github.com/kursadbilgin/submission-engine/internal/ratelimit"
	"github.com/kursadbilgin/submission-engine/internal/repository"
	"go.uber.org/zap"
)

// EngineDeps collects what a coordinator needs. Attempts, RateLimiter and
// Metrics are optional.
type EngineDeps struct {
	Submitter   provider.Submitter
	Orders      repository.OrderStore
	Checkpoints repository.CheckpointStore
	Attempts    repository.AttemptRepository
	RateLimiter ratelimit.RateLimiter
	Metrics     *observability.Metrics
}

// NewEngine wires persister, worker pool and coordinator together.
func NewEngine(deps EngineDeps, opts config.Engine, logger *zap.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	persister, err := NewPersister(deps.Orders, logger.Named("persister"))
	if err != nil {
		return nil, err
	}

	pool, err := NewWorkerPool(
		deps.Submitter,
		persister,
		deps.Checkpoints,
		deps.Attempts,
		deps.RateLimiter,
		opts,
		logger.Named("pool"),
	)
	if err != nil {
		return nil, err
	}
	pool.SetMetrics(deps.Metrics)

	coordinator, err := NewCoordinator(pool, deps.Checkpoints, opts, logger.Named("coordinator"))
	if err != nil {
		return nil, err
	}
	coordinator.SetMetrics(deps.Metrics)

	return coordinator, nil
}
