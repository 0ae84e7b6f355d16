package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/submission-engine/internal/domain"
	"github.com/kursadbilgin/submission-engine/internal/queue"
	"go.uber.org/zap"
)

// ErrJobInterrupted is returned for a job that stopped before every batch was
// recorded, so the message is redelivered and the job resumes.
var ErrJobInterrupted = errors.New("job interrupted")

// JobSubmitter runs one job to completion.
type JobSubmitter interface {
	SubmitJob(ctx context.Context, req domain.JobRequest, progress domain.ProgressFunc) (*domain.SubmissionResult, error)
}

// JobConsumer feeds queued jobs into the coordinator one at a time.
type JobConsumer struct {
	consumer  queue.Consumer
	submitter JobSubmitter
	logger    *zap.Logger
}

func NewJobConsumer(consumer queue.Consumer, submitter JobSubmitter, logger *zap.Logger) (*JobConsumer, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if submitter == nil {
		return nil, fmt.Errorf("job submitter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &JobConsumer{
		consumer:  consumer,
		submitter: submitter,
		logger:    logger,
	}, nil
}

// Start consumes the job queue until context cancellation.
func (c *JobConsumer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	c.logger.Info("job consumer started", zap.String("queue", queue.JobQueueName))
	err := c.consumer.Consume(ctx, queue.JobQueueName, c.processMessage)
	if err != nil {
		c.logger.Error("job consumer stopped with error", zap.Error(err))
		return err
	}
	c.logger.Info("job consumer stopped")
	return nil
}

func (c *JobConsumer) processMessage(ctx context.Context, msg queue.JobMessage) error {
	log := c.logger.With(zap.String("jobId", msg.JobID))

	result, err := c.submitter.SubmitJob(ctx, domain.JobRequest{
		Items:       msg.Items,
		ServiceCode: msg.ServiceCode,
		Label:       msg.Label,
	}, func(completed, total int) {
		log.Debug("job progress", zap.Int("completed", completed), zap.Int("total", total))
	})
	if err != nil {
		log.Error("job failed", zap.Error(err))
		return err
	}

	if result.JobID.String() != msg.JobID {
		log.Warn("job id mismatch between message and content", zap.String("computedJobId", result.JobID.String()))
	}

	if result.State != domain.JobStateFinished {
		log.Info("job interrupted, leaving message for redelivery",
			zap.Int("pending", result.Pending()),
		)
		return fmt.Errorf("%w: %d of %d items pending", ErrJobInterrupted, result.Pending(), result.Total)
	}

	log.Info("job finished",
		zap.Int("succeeded", result.Succeeded),
		zap.Int("duplicates", result.Duplicates),
		zap.Int("failed", result.Failed),
		zap.Float64("successRate", result.SuccessRate()),
	)
	return nil
}
