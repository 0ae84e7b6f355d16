package repository

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/kursadbilgin/submission-engine/internal/domain"
)

var _ CheckpointStore = (*MemoryCheckpointStore)(nil)

// MemoryCheckpointStore keeps progress for the lifetime of the process only.
// It backs jobs that run with checkpointing disabled.
type MemoryCheckpointStore struct {
	mu          sync.Mutex
	checkpoints map[domain.JobID]*domain.Checkpoint
	now         func() time.Time
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		checkpoints: make(map[domain.JobID]*domain.Checkpoint),
		now:         time.Now,
	}
}

func (s *MemoryCheckpointStore) LoadOrCreate(_ context.Context, key domain.CheckpointKey, totalBatches int) (*domain.Checkpoint, error) {
	if totalBatches <= 0 {
		return nil, fmt.Errorf("%w: total batches must be positive", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	cp, ok := s.checkpoints[key.JobID]
	if !ok {
		cp = &domain.Checkpoint{
			JobID:        key.JobID,
			Label:        key.Label,
			ServiceCode:  key.ServiceCode,
			TotalBatches: totalBatches,
			BatchSize:    key.BatchSize,
			State:        domain.CheckpointStateActive,
			Batches:      make(map[int]domain.BatchProgress),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		s.checkpoints[key.JobID] = cp
		return cloneCheckpoint(cp), nil
	}

	if err := cp.CheckLayout(totalBatches, key.BatchSize); err != nil {
		return nil, err
	}
	if cp.State != domain.CheckpointStateActive {
		cp.State = domain.CheckpointStateActive
		cp.UpdatedAt = now
	}
	return cloneCheckpoint(cp), nil
}

func (s *MemoryCheckpointStore) MarkBatchComplete(_ context.Context, jobID domain.JobID, index int, status domain.BatchStatus, counts domain.Counts) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: invalid batch status %q", domain.ErrValidation, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.checkpoints[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if index < 0 || index >= cp.TotalBatches {
		return fmt.Errorf("%w: batch index %d out of range [0,%d)", domain.ErrValidation, index, cp.TotalBatches)
	}

	now := s.now().UTC()
	cp.UpdatedAt = now
	if cp.IsComplete(index) {
		return nil
	}
	cp.Batches[index] = domain.BatchProgress{
		Index:     index,
		Status:    status,
		Counts:    counts,
		UpdatedAt: now,
	}
	return nil
}

func (s *MemoryCheckpointStore) IsComplete(_ context.Context, jobID domain.JobID, index int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.checkpoints[jobID]
	if !ok {
		return false, nil
	}
	return cp.IsComplete(index), nil
}

func (s *MemoryCheckpointStore) Finalize(_ context.Context, jobID domain.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.checkpoints[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	cp.State = domain.CheckpointStateFinalized
	cp.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryCheckpointStore) Get(_ context.Context, jobID domain.JobID) (*domain.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.checkpoints[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneCheckpoint(cp), nil
}

func cloneCheckpoint(cp *domain.Checkpoint) *domain.Checkpoint {
	out := *cp
	out.Batches = maps.Clone(cp.Batches)
	if out.Batches == nil {
		out.Batches = make(map[int]domain.BatchProgress)
	}
	return &out
}
