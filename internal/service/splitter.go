package service

import (
	"fmt"
	"slices"

	"github.com/kursadbilgin/submission-engine/internal/domain"
)

// SplitBatches partitions items into consecutive batches of at most
// maxBatchSize, preserving input order. The same input always yields the same
// batches, so batch indexes are stable across runs of a job.
func SplitBatches(
	jobID domain.JobID,
	serviceCode domain.ServiceCode,
	items []domain.Item,
	maxBatchSize int,
) ([]domain.SubmissionBatch, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: at least one item is required", domain.ErrValidation)
	}
	if maxBatchSize <= 0 {
		return nil, fmt.Errorf("%w: max batch size must be positive (got %d)", domain.ErrValidation, maxBatchSize)
	}

	batches := make([]domain.SubmissionBatch, 0, BatchCount(len(items), maxBatchSize))
	for start := 0; start < len(items); start += maxBatchSize {
		end := min(start+maxBatchSize, len(items))
		batches = append(batches, domain.SubmissionBatch{
			JobID:       jobID,
			Index:       len(batches),
			ServiceCode: serviceCode,
			Items:       slices.Clone(items[start:end]),
		})
	}
	return batches, nil
}

// BatchCount returns how many batches SplitBatches produces for n items.
func BatchCount(n, maxBatchSize int) int {
	if n <= 0 || maxBatchSize <= 0 {
		return 0
	}
	return (n + maxBatchSize - 1) / maxBatchSize
}
