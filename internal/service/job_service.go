package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/submission-engine/internal/domain"
	"github.com/kursadbilgin/submission-engine/internal/queue"
	"github.com/kursadbilgin/submission-engine/internal/repository"
	"go.uber.org/zap"
)

const defaultAbandonedAfter = 15 * time.Minute

// JobService is the API-facing side of the engine: it accepts jobs onto the
// queue and reads their progress back from the stores.
type JobService struct {
	publisher      queue.Publisher
	checkpoints    repository.CheckpointStore
	orders         repository.OrderStore
	maxBatchSize   int
	abandonedAfter time.Duration
	logger         *zap.Logger
	now            func() time.Time
}

// EnqueuedJob is returned once a job has been accepted onto the queue.
type EnqueuedJob struct {
	JobID        domain.JobID
	TotalItems   int
	TotalBatches int
}

// JobProgress is a snapshot of a job read from its checkpoint.
type JobProgress struct {
	JobID            domain.JobID
	Label            string
	ServiceCode      domain.ServiceCode
	State            domain.CheckpointState
	TotalBatches     int
	CompletedBatches int
	FailedBatches    int
	PendingBatches   int
	Counts           domain.Counts
	Abandoned        bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func NewJobService(
	publisher queue.Publisher,
	checkpoints repository.CheckpointStore,
	orders repository.OrderStore,
	maxBatchSize int,
	logger *zap.Logger,
) (*JobService, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if checkpoints == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if orders == nil {
		return nil, fmt.Errorf("order store is required")
	}
	if maxBatchSize <= 0 {
		return nil, fmt.Errorf("%w: max batch size must be positive", domain.ErrValidation)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &JobService{
		publisher:      publisher,
		checkpoints:    checkpoints,
		orders:         orders,
		maxBatchSize:   maxBatchSize,
		abandonedAfter: defaultAbandonedAfter,
		logger:         logger,
		now:            time.Now,
	}, nil
}

// Enqueue validates req, opens its checkpoint so progress is visible right
// away, and publishes it for a worker. Re-enqueueing the same content returns
// the same JobID.
func (s *JobService) Enqueue(ctx context.Context, req domain.JobRequest) (*EnqueuedJob, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	job, err := req.Validate()
	if err != nil {
		return nil, err
	}
	totalBatches := BatchCount(len(job.Items), s.maxBatchSize)

	if _, err := s.checkpoints.LoadOrCreate(ctx, domain.CheckpointKey{
		JobID:       job.ID,
		Label:       job.Label,
		ServiceCode: job.ServiceCode,
		BatchSize:   s.maxBatchSize,
	}, totalBatches); err != nil {
		return nil, err
	}

	msg := queue.JobMessage{
		JobID:       job.ID.String(),
		Label:       job.Label,
		ServiceCode: job.ServiceCode.String(),
		Items:       domain.ItemStrings(job.Items),
		RequestedAt: s.now().UTC(),
	}
	if err := s.publisher.Publish(ctx, queue.JobQueueName, msg); err != nil {
		s.logger.Error("failed to publish job",
			zap.String("jobId", job.ID.String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to publish job: %w", err)
	}

	s.logger.Info("job enqueued",
		zap.String("jobId", job.ID.String()),
		zap.String("serviceCode", job.ServiceCode.String()),
		zap.Int("items", len(job.Items)),
		zap.Int("batches", totalBatches),
	)

	return &EnqueuedJob{
		JobID:        job.ID,
		TotalItems:   len(job.Items),
		TotalBatches: totalBatches,
	}, nil
}

func (s *JobService) Progress(ctx context.Context, jobID domain.JobID) (*JobProgress, error) {
	checkpoint, err := s.checkpoints.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	completed := checkpoint.CompletedBatches()
	failed := checkpoint.FailedBatches()
	return &JobProgress{
		JobID:            checkpoint.JobID,
		Label:            checkpoint.Label,
		ServiceCode:      checkpoint.ServiceCode,
		State:            checkpoint.State,
		TotalBatches:     checkpoint.TotalBatches,
		CompletedBatches: completed,
		FailedBatches:    failed,
		PendingBatches:   max(checkpoint.TotalBatches-completed-failed, 0),
		Counts:           checkpoint.Counts(),
		Abandoned:        checkpoint.Abandoned(s.now(), s.abandonedAfter),
		CreatedAt:        checkpoint.CreatedAt,
		UpdatedAt:        checkpoint.UpdatedAt,
	}, nil
}

// Orders lists the recorded per-item outcomes of a job. An unknown job is
// ErrNotFound rather than an empty page.
func (s *JobService) Orders(ctx context.Context, jobID domain.JobID, params repository.ListParams) ([]domain.OrderRecord, int64, error) {
	if params.Status != nil && !params.Status.IsValid() {
		return nil, 0, fmt.Errorf("%w: invalid status %q", domain.ErrValidation, *params.Status)
	}

	if _, err := s.checkpoints.Get(ctx, jobID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	return s.orders.ListByJob(ctx, jobID, params)
}
