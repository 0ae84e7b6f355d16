package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/submission-engine/internal/domain"
	"github.com/kursadbilgin/submission-engine/internal/repository"
	"go.uber.org/zap"
)

// PersistError reports that a batch outcome could not be durably stored.
type PersistError struct {
	JobID      domain.JobID
	BatchIndex int
	Op         string
	Cause      error
}

func (e *PersistError) Error() string {
	if e == nil {
		return "persist error"
	}
	msg := fmt.Sprintf("%s: %s failed for job %s batch %d", domain.ErrPersistence, e.Op, e.JobID, e.BatchIndex)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *PersistError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func (e *PersistError) Is(target error) bool {
	return target == domain.ErrPersistence
}

// Persister writes one order record per item of a batch in a single
// transaction.
type Persister struct {
	orders repository.OrderStore
	logger *zap.Logger
	now    func() time.Time
}

func NewPersister(orders repository.OrderStore, logger *zap.Logger) (*Persister, error) {
	if orders == nil {
		return nil, fmt.Errorf("order store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Persister{
		orders: orders,
		logger: logger,
		now:    time.Now,
	}, nil
}

// PersistBatch stores the outcome of every item in batch and returns how many
// rows were written. Items already recorded with a terminal status are
// skipped. Either every row of the batch is written or none is.
func (p *Persister) PersistBatch(ctx context.Context, batch domain.SubmissionBatch, outcome domain.BatchOutcome) (int, error) {
	records, err := p.buildRecords(batch, outcome)
	if err != nil {
		return 0, &PersistError{JobID: batch.JobID, BatchIndex: batch.Index, Op: "encode", Cause: err}
	}

	written := 0
	skipped := 0
	err = p.orders.WithTx(ctx, func(tx repository.OrderTx) error {
		written, skipped = 0, 0
		for _, record := range records {
			if err := tx.InsertOrder(ctx, record); err != nil {
				if errors.Is(err, domain.ErrDuplicateKey) {
					skipped++
					continue
				}
				return fmt.Errorf("insert order for item %s: %w", record.Item, err)
			}
			written++
		}
		return nil
	})
	if err != nil {
		return 0, &PersistError{JobID: batch.JobID, BatchIndex: batch.Index, Op: "persist", Cause: err}
	}

	if skipped > 0 {
		p.logger.Info("skipped items already recorded",
			zap.String("jobId", batch.JobID.String()),
			zap.Int("batchIndex", batch.Index),
			zap.Int("skipped", skipped),
		)
	}

	return written, nil
}

func (p *Persister) buildRecords(batch domain.SubmissionBatch, outcome domain.BatchOutcome) ([]*domain.OrderRecord, error) {
	byItem := make(map[domain.Item]domain.ItemResult, len(outcome.Results))
	for _, r := range outcome.Results {
		byItem[r.Item] = r
	}

	now := p.now().UTC()
	records := make([]*domain.OrderRecord, 0, len(batch.Items))
	for _, item := range batch.Items {
		result, ok := byItem[item]
		if !ok {
			reason := outcome.Error
			if reason == "" {
				reason = "no result recorded for item"
			}
			result = domain.ItemResult{Item: item, Status: domain.ItemStatusErrored, Reason: reason}
		}

		payload, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}

		var trackingID *string
		if result.TrackingID != "" {
			value := result.TrackingID
			trackingID = &value
		}

		records = append(records, &domain.OrderRecord{
			ID:          uuid.NewString(),
			JobID:       batch.JobID,
			BatchIndex:  batch.Index,
			Item:        item,
			ServiceCode: batch.ServiceCode,
			TrackingID:  trackingID,
			Status:      result.Status,
			Reason:      result.Reason,
			RawPayload:  string(payload),
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	return records, nil
}
