package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/kursadbilgin/submission-engine/internal/config"
	"github.com/kursadbilgin/submission-engine/internal/domain"
	"github.com/kursadbilgin/submission-engine/internal/observability"
	"github.com/kursadbilgin/submission-engine/internal/provider"
	"github.com/kursadbilgin/submission-engine/internal/ratelimit"
	"github.com/kursadbilgin/submission-engine/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	minWorkerConcurrency = 1
	minRetries           = 1
	maxRetryDelay        = 60 * time.Second
	defaultBackoffBase   = time.Second
)

// BatchPersister stores the outcome of one batch.
type BatchPersister interface {
	PersistBatch(ctx context.Context, batch domain.SubmissionBatch, outcome domain.BatchOutcome) (int, error)
}

// BatchReport is handed to the progress callback once a batch is durably
// recorded.
type BatchReport struct {
	Batch    domain.SubmissionBatch
	Outcome  domain.BatchOutcome
	Replayed bool
	// AlreadyComplete is set when another run completed the batch after this
	// run loaded its checkpoint. Outcome is empty then.
	AlreadyComplete bool
}

// WorkerPool drives batches through submit, persist and checkpoint with a
// bounded number of concurrent workers.
type WorkerPool struct {
	submitter   provider.Submitter
	persister   BatchPersister
	checkpoints repository.CheckpointStore
	attempts    repository.AttemptRepository
	rateLimiter ratelimit.RateLimiter
	logger      *zap.Logger
	metrics     *observability.Metrics

	workers          int
	maxRetries       int
	backoffBase      time.Duration
	backoffJitter    time.Duration
	minBatchInterval time.Duration

	now      func() time.Time
	randIntn func(n int) int
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewWorkerPool builds a pool. attempts and rateLimiter are optional.
func NewWorkerPool(
	submitter provider.Submitter,
	persister BatchPersister,
	checkpoints repository.CheckpointStore,
	attempts repository.AttemptRepository,
	rateLimiter ratelimit.RateLimiter,
	opts config.Engine,
	logger *zap.Logger,
) (*WorkerPool, error) {
	if submitter == nil {
		return nil, fmt.Errorf("submitter is required")
	}
	if persister == nil {
		return nil, fmt.Errorf("persister is required")
	}
	if checkpoints == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	workers := opts.WorkerCount
	if workers < minWorkerConcurrency {
		workers = minWorkerConcurrency
	}
	maxRetries := opts.MaxRetries
	if maxRetries < minRetries {
		maxRetries = minRetries
	}
	backoffBase := opts.BackoffBase
	if backoffBase <= 0 {
		backoffBase = defaultBackoffBase
	}

	return &WorkerPool{
		submitter:        submitter,
		persister:        persister,
		checkpoints:      checkpoints,
		attempts:         attempts,
		rateLimiter:      rateLimiter,
		logger:           logger,
		workers:          workers,
		maxRetries:       maxRetries,
		backoffBase:      backoffBase,
		backoffJitter:    max(opts.BackoffJitter, 0),
		minBatchInterval: max(opts.MinBatchInterval, 0),
		now:              time.Now,
		randIntn:         rand.Intn,
		sleep:            sleepContext,
	}, nil
}

// SetMetrics attaches batch and retry metrics. A nil Metrics disables them.
func (p *WorkerPool) SetMetrics(metrics *observability.Metrics) {
	if p == nil {
		return
	}
	p.metrics = metrics
}

// Run processes batches until all are done, ctx is cancelled, or a batch
// cannot be persisted. Cancellation is not an error: batches that never
// reached persistence stay pending for the next run.
func (p *WorkerPool) Run(ctx context.Context, batches []domain.SubmissionBatch, report func(BatchReport)) error {
	if len(batches) == 0 {
		return nil
	}

	g, groupCtx := errgroup.WithContext(ctx)
	queue := make(chan domain.SubmissionBatch)

	g.Go(func() error {
		defer close(queue)
		for _, batch := range batches {
			select {
			case <-groupCtx.Done():
				return nil
			case queue <- batch:
			}
		}
		return nil
	})

	workers := min(p.workers, len(batches))
	for i := 0; i < workers; i++ {
		workerID := i + 1
		g.Go(func() error {
			var lastStart time.Time
			for batch := range queue {
				if groupCtx.Err() != nil {
					return nil
				}

				if !lastStart.IsZero() && p.minBatchInterval > 0 {
					wait := p.minBatchInterval - p.now().Sub(lastStart)
					if wait > 0 {
						if err := p.sleep(groupCtx, wait); err != nil {
							return nil
						}
					}
				}
				lastStart = p.now()

				if err := p.processBatch(groupCtx, workerID, batch, report); err != nil {
					p.logger.Error("worker stopped with error",
						zap.Int("workerId", workerID),
						zap.String("jobId", batch.JobID.String()),
						zap.Int("batchIndex", batch.Index),
						zap.Error(err),
					)
					return err
				}
			}
			return nil
		})
	}

	return g.Wait()
}

func (p *WorkerPool) processBatch(ctx context.Context, workerID int, batch domain.SubmissionBatch, report func(BatchReport)) error {
	serviceCode := batch.ServiceCode.String()
	p.metrics.IncWorkerInFlight(serviceCode)
	defer p.metrics.DecWorkerInFlight(serviceCode)

	ctx = observability.WithBatchIndex(observability.WithJobID(ctx, batch.JobID.String()), batch.Index)
	log := observability.WithContextLogger(p.logger, ctx).With(
		zap.Int("workerId", workerID),
		zap.Int("items", len(batch.Items)),
	)

	// A redelivered job can run on two workers at once; the checkpoint is
	// consulted again right before anything is sent.
	done, err := p.checkpoints.IsComplete(context.WithoutCancel(ctx), batch.JobID, batch.Index)
	if err != nil {
		return &PersistError{JobID: batch.JobID, BatchIndex: batch.Index, Op: "checkpoint lookup", Cause: err}
	}
	if done {
		log.Info("batch already complete", zap.String("state", domain.BatchStateComplete.String()))
		if report != nil {
			report(BatchReport{Batch: batch, AlreadyComplete: true})
		}
		return nil
	}

	outcome, replayed, err := p.replay(ctx, batch)
	if err != nil {
		return err
	}
	if replayed {
		p.metrics.IncJournalReplay()
		log.Info("reusing journaled response", zap.String("outcome", outcome.Kind.String()))
	} else {
		var abandoned bool
		outcome, abandoned = p.submitWithRetry(ctx, batch, log)
		if abandoned {
			log.Info("batch abandoned on cancellation", zap.String("state", domain.BatchStatePending.String()))
			return nil
		}
	}

	// Once the remote call has returned the batch is recorded even if the
	// caller has gone away.
	persistCtx := context.WithoutCancel(ctx)

	log.Debug("batch state", zap.String("state", domain.BatchStatePersisting.String()))
	written, err := p.persister.PersistBatch(persistCtx, batch, outcome)
	if err != nil {
		return err
	}

	status := domain.BatchStatusFor(outcome)
	counts := outcome.Counts()
	if err := p.checkpoints.MarkBatchComplete(persistCtx, batch.JobID, batch.Index, status, counts); err != nil {
		return &PersistError{JobID: batch.JobID, BatchIndex: batch.Index, Op: "checkpoint", Cause: err}
	}

	p.metrics.IncBatch(serviceCode, strings.ToLower(outcome.Kind.String()))
	p.metrics.AddItems(serviceCode, counts.Succeeded, counts.Duplicates, counts.Failed)

	state := domain.BatchStateComplete
	if status == domain.BatchStatusFailed {
		state = domain.BatchStateFailed
	}
	log.Info("batch finished",
		zap.String("state", state.String()),
		zap.String("outcome", outcome.Kind.String()),
		zap.Int("attempts", outcome.Attempts),
		zap.Int("written", written),
		zap.Int("succeeded", counts.Succeeded),
		zap.Int("duplicates", counts.Duplicates),
		zap.Int("failed", counts.Failed),
	)

	if report != nil {
		report(BatchReport{Batch: batch, Outcome: outcome, Replayed: replayed})
	}
	return nil
}

// replay looks for a usable response journaled by an earlier run whose
// persistence never completed.
func (p *WorkerPool) replay(ctx context.Context, batch domain.SubmissionBatch) (domain.BatchOutcome, bool, error) {
	if p.attempts == nil {
		return domain.BatchOutcome{}, false, nil
	}

	attempt, err := p.attempts.LatestSuccessful(context.WithoutCancel(ctx), batch.JobID, batch.Index)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.BatchOutcome{}, false, nil
	}
	if err != nil {
		return domain.BatchOutcome{}, false, &PersistError{JobID: batch.JobID, BatchIndex: batch.Index, Op: "journal lookup", Cause: err}
	}
	if attempt == nil || attempt.Outcome == nil {
		return domain.BatchOutcome{}, false, nil
	}
	return *attempt.Outcome, true, nil
}

// submitWithRetry returns abandoned=true when ctx was cancelled before a
// terminal outcome was reached.
func (p *WorkerPool) submitWithRetry(ctx context.Context, batch domain.SubmissionBatch, log *zap.Logger) (domain.BatchOutcome, bool) {
	serviceCode := batch.ServiceCode.String()
	var lastErr error

	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		if attempt > 1 {
			delay := p.computeRetryDelay(attempt - 1)
			p.metrics.IncRetryScheduled(serviceCode)
			log.Warn("retrying batch",
				zap.String("state", domain.BatchStateRetrying.String()),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if err := p.sleep(ctx, delay); err != nil {
				return domain.BatchOutcome{}, true
			}
		}

		if p.rateLimiter != nil {
			if err := p.rateLimiter.Wait(ctx, serviceCode); err != nil {
				if ctx.Err() != nil {
					return domain.BatchOutcome{}, true
				}
				lastErr = fmt.Errorf("rate limiter wait failed: %w", err)
				continue
			}
		}
		if ctx.Err() != nil {
			return domain.BatchOutcome{}, true
		}

		log.Debug("batch state", zap.String("state", domain.BatchStateSubmitting.String()), zap.Int("attempt", attempt))

		// The call itself is not cut short by cancellation: a request the
		// remote may already have billed must be allowed to answer.
		start := p.now()
		resp, err := p.submitter.SubmitBatch(context.WithoutCancel(ctx), batch.ServiceCode, batch.Items)
		p.metrics.ObserveBatchSubmitDuration(serviceCode, p.now().Sub(start))

		if err == nil {
			outcome := domain.NewResponseOutcome(resp.Results(batch.Items), resp.Body, attempt)
			p.recordAttempt(ctx, batch, attempt, resp, nil, &outcome, log)
			return outcome, false
		}

		p.recordAttempt(ctx, batch, attempt, nil, err, nil, log)
		lastErr = err

		if !provider.IsTransient(err) {
			log.Warn("batch failed permanently",
				zap.Int("attempt", attempt),
				zap.String("errorKind", provider.ErrorKind(err)),
				zap.Bool("mayHaveBilled", provider.MayHaveBilled(err)),
				zap.Error(err),
			)
			return domain.NewFailedOutcome(batch, err, false, attempt), false
		}
		if ctx.Err() != nil {
			return domain.BatchOutcome{}, true
		}
	}

	log.Warn("batch retries exhausted", zap.Int("attempts", p.maxRetries), zap.Error(lastErr))
	return domain.NewFailedOutcome(batch, lastErr, true, p.maxRetries), false
}

// computeRetryDelay returns the wait before the retry that follows the
// given number of failed attempts.
func (p *WorkerPool) computeRetryDelay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}

	delay := p.backoffBase
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			delay = maxRetryDelay
			break
		}
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}

	if p.backoffJitter > 0 && p.randIntn != nil {
		jitterMillis := int(p.backoffJitter / time.Millisecond)
		if jitterMillis > 0 {
			delay += time.Duration(p.randIntn(jitterMillis+1)) * time.Millisecond
		}
	}

	return delay
}

// recordAttempt journals a remote call. A journal write failure is logged
// and does not fail the batch; the order store remains the source of truth.
func (p *WorkerPool) recordAttempt(
	ctx context.Context,
	batch domain.SubmissionBatch,
	attemptNumber int,
	resp *provider.BatchResponse,
	submitErr error,
	outcome *domain.BatchOutcome,
	log *zap.Logger,
) {
	if p.attempts == nil {
		return
	}

	var statusCode *int
	var attemptErr *string

	if resp != nil && resp.StatusCode > 0 {
		value := resp.StatusCode
		statusCode = &value
	}
	if submitErr != nil {
		value := submitErr.Error()
		attemptErr = &value

		var providerErr *provider.ProviderError
		if errors.As(submitErr, &providerErr) && providerErr.StatusCode > 0 && statusCode == nil {
			value := providerErr.StatusCode
			statusCode = &value
		}
	}

	attempt := &domain.BatchAttempt{
		JobID:         batch.JobID,
		BatchIndex:    batch.Index,
		AttemptNumber: attemptNumber,
		StatusCode:    statusCode,
		Error:         attemptErr,
		Outcome:       outcome,
		CreatedAt:     p.now().UTC(),
	}

	if err := p.attempts.Create(context.WithoutCancel(ctx), attempt); err != nil {
		log.Error("failed to record attempt", zap.Int("attempt", attemptNumber), zap.Error(err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
