package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kursadbilgin/submission-engine/internal/config"
	"github.com/kursadbilgin/submission-engine/internal/domain"
	"github.com/kursadbilgin/submission-engine/internal/observability"
	"github.com/kursadbilgin/submission-engine/internal/repository"
	"go.uber.org/zap"
)

// BatchRunner executes a set of batches for one job.
type BatchRunner interface {
	Run(ctx context.Context, batches []domain.SubmissionBatch, report func(BatchReport)) error
}

// Coordinator owns the lifecycle of a submission job: validation, splitting,
// resume from checkpoint, dispatch, and aggregation.
type Coordinator struct {
	runner       BatchRunner
	checkpoints  repository.CheckpointStore
	maxBatchSize int
	logger       *zap.Logger
	metrics      *observability.Metrics
	now          func() time.Time
}

func NewCoordinator(
	runner BatchRunner,
	checkpoints repository.CheckpointStore,
	opts config.Engine,
	logger *zap.Logger,
) (*Coordinator, error) {
	if runner == nil {
		return nil, fmt.Errorf("batch runner is required")
	}
	if checkpoints == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if opts.MaxBatchSize <= 0 {
		return nil, fmt.Errorf("%w: max batch size must be positive", domain.ErrValidation)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Coordinator{
		runner:       runner,
		checkpoints:  checkpoints,
		maxBatchSize: opts.MaxBatchSize,
		logger:       logger,
		now:          time.Now,
	}, nil
}

// SetMetrics attaches job counters. A nil Metrics disables them.
func (c *Coordinator) SetMetrics(metrics *observability.Metrics) {
	if c == nil {
		return
	}
	c.metrics = metrics
}

// SubmitJob runs a job to completion or until ctx is cancelled. Batches a
// previous run of the same job already completed are skipped, and the result
// always reports whole-job totals. Cancellation yields a CANCELLED result and
// a nil error; only validation and persistence failures are returned.
func (c *Coordinator) SubmitJob(ctx context.Context, req domain.JobRequest, progress domain.ProgressFunc) (*domain.SubmissionResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := c.now()

	c.logger.Debug("job state", zap.String("state", domain.JobStateCreated.String()))
	job, err := req.Validate()
	if err != nil {
		return nil, err
	}

	ctx = observability.WithJobID(ctx, job.ID.String())
	log := observability.WithContextLogger(c.logger, ctx).With(zap.String("serviceCode", job.ServiceCode.String()))

	log.Info("job state", zap.String("state", domain.JobStateSplitting.String()), zap.Int("items", len(job.Items)))
	batches, err := SplitBatches(job.ID, job.ServiceCode, job.Items, c.maxBatchSize)
	if err != nil {
		return nil, err
	}

	checkpoint, err := c.checkpoints.LoadOrCreate(ctx, domain.CheckpointKey{
		JobID:       job.ID,
		Label:       job.Label,
		ServiceCode: job.ServiceCode,
		BatchSize:   c.maxBatchSize,
	}, len(batches))
	if err != nil {
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrValidation) {
			return nil, err
		}
		return nil, &PersistError{JobID: job.ID, BatchIndex: -1, Op: "load checkpoint", Cause: err}
	}

	pending := make([]domain.SubmissionBatch, 0, len(batches))
	for _, batch := range batches {
		if checkpoint.IsComplete(batch.Index) {
			continue
		}
		pending = append(pending, batch)
	}
	resumed := len(batches) - len(pending)
	total := len(batches)

	log.Info("job state",
		zap.String("state", domain.JobStateDispatching.String()),
		zap.Int("batches", total),
		zap.Int("pending", len(pending)),
		zap.Int("resumed", resumed),
	)

	var mu sync.Mutex
	completed := resumed
	if progress != nil {
		progress(completed, total)
	}
	report := func(r BatchReport) {
		mu.Lock()
		defer mu.Unlock()
		if r.AlreadyComplete {
			resumed++
		}
		completed++
		if progress != nil {
			progress(completed, total)
		}
	}

	if err := c.runner.Run(ctx, pending, report); err != nil {
		log.Error("job stopped", zap.Error(err))
		c.metrics.IncJob("errored")
		return nil, err
	}

	log.Info("job state", zap.String("state", domain.JobStateAggregating.String()))

	// Aggregation and finalization must not be skipped because the caller
	// cancelled.
	storeCtx := context.WithoutCancel(ctx)
	final, err := c.checkpoints.Get(storeCtx, job.ID)
	if err != nil {
		return nil, &PersistError{JobID: job.ID, BatchIndex: -1, Op: "read checkpoint", Cause: err}
	}

	state := domain.JobStateFinished
	for _, batch := range batches {
		if _, ok := final.Batches[batch.Index]; !ok {
			state = domain.JobStateCancelled
			break
		}
	}

	if state == domain.JobStateFinished {
		if err := c.checkpoints.Finalize(storeCtx, job.ID); err != nil {
			return nil, &PersistError{JobID: job.ID, BatchIndex: -1, Op: "finalize checkpoint", Cause: err}
		}
	}

	counts := final.Counts()
	result := &domain.SubmissionResult{
		JobID:          job.ID,
		State:          state,
		Total:          len(job.Items),
		Succeeded:      counts.Succeeded,
		Duplicates:     counts.Duplicates,
		Failed:         counts.Failed,
		Batches:        total,
		ResumedBatches: resumed,
		FailedBatches:  final.FailedBatches(),
	}
	result.SetDuration(c.now().Sub(start))

	c.metrics.IncJob(state.String())
	log.Info("job state",
		zap.String("state", state.String()),
		zap.Int("total", result.Total),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("duplicates", result.Duplicates),
		zap.Int("failed", result.Failed),
		zap.Int("pending", result.Pending()),
		zap.Int("failedBatches", result.FailedBatches),
		zap.Float64("durationSeconds", result.DurationSeconds),
	)

	return result, nil
}
