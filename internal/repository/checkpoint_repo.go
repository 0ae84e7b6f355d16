package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/submission-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CheckpointStore records per-batch job progress durably.
//
// MarkBatchComplete is monotonic: a COMPLETE batch is never overwritten,
// a FAILED one may be upgraded by a later run. IsComplete is true only for
// COMPLETE batches.
type CheckpointStore interface {
	LoadOrCreate(ctx context.Context, key domain.CheckpointKey, totalBatches int) (*domain.Checkpoint, error)
	MarkBatchComplete(ctx context.Context, jobID domain.JobID, index int, status domain.BatchStatus, counts domain.Counts) error
	IsComplete(ctx context.Context, jobID domain.JobID, index int) (bool, error)
	Finalize(ctx context.Context, jobID domain.JobID) error
	Get(ctx context.Context, jobID domain.JobID) (*domain.Checkpoint, error)
}

var _ CheckpointStore = (*GormCheckpointStore)(nil)

type GormCheckpointStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormCheckpointStore(db *gorm.DB) *GormCheckpointStore {
	return &GormCheckpointStore{db: db, now: time.Now}
}

func (s *GormCheckpointStore) LoadOrCreate(ctx context.Context, key domain.CheckpointKey, totalBatches int) (*domain.Checkpoint, error) {
	if totalBatches <= 0 {
		return nil, fmt.Errorf("%w: total batches must be positive", domain.ErrValidation)
	}

	var cp *domain.Checkpoint
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now().UTC()
		created := CheckpointModel{
			JobID:        key.JobID,
			Label:        key.Label,
			ServiceCode:  key.ServiceCode,
			TotalBatches: totalBatches,
			BatchSize:    key.BatchSize,
			State:        domain.CheckpointStateActive,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&created).Error; err != nil {
			return err
		}

		var existing CheckpointModel
		if err := tx.First(&existing, "job_id = ?", key.JobID).Error; err != nil {
			return err
		}
		if err := checkpointModelToDomain(&existing, nil).CheckLayout(totalBatches, key.BatchSize); err != nil {
			return err
		}

		if existing.State != domain.CheckpointStateActive {
			if err := tx.Model(&CheckpointModel{}).
				Where("job_id = ?", key.JobID).
				Updates(map[string]any{
					"state":      domain.CheckpointStateActive,
					"updated_at": now,
				}).Error; err != nil {
				return err
			}
			existing.State = domain.CheckpointStateActive
			existing.UpdatedAt = now
		}

		batches, err := loadCheckpointBatches(tx, key.JobID)
		if err != nil {
			return err
		}
		cp = checkpointModelToDomain(&existing, batches)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

func (s *GormCheckpointStore) MarkBatchComplete(ctx context.Context, jobID domain.JobID, index int, status domain.BatchStatus, counts domain.Counts) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: invalid batch status %q", domain.ErrValidation, status)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cp CheckpointModel
		err := tx.First(&cp, "job_id = ?", jobID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		if index < 0 || index >= cp.TotalBatches {
			return fmt.Errorf("%w: batch index %d out of range [0,%d)", domain.ErrValidation, index, cp.TotalBatches)
		}

		now := s.now().UTC()
		row := CheckpointBatchModel{
			JobID:      jobID,
			BatchIndex: index,
			Status:     status,
			Succeeded:  counts.Succeeded,
			Duplicates: counts.Duplicates,
			Failed:     counts.Failed,
			UpdatedAt:  now,
		}
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}, {Name: "batch_index"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "succeeded", "duplicates", "failed", "updated_at"}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "checkpoint_batches.status <> ?", Vars: []any{domain.BatchStatusComplete}},
			}},
		}).Create(&row).Error
		if err != nil {
			return err
		}

		return tx.Model(&CheckpointModel{}).
			Where("job_id = ?", jobID).
			Update("updated_at", now).Error
	})
}

func (s *GormCheckpointStore) IsComplete(ctx context.Context, jobID domain.JobID, index int) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&CheckpointBatchModel{}).
		Where("job_id = ? AND batch_index = ? AND status = ?", jobID, index, domain.BatchStatusComplete).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *GormCheckpointStore) Finalize(ctx context.Context, jobID domain.JobID) error {
	result := s.db.WithContext(ctx).
		Model(&CheckpointModel{}).
		Where("job_id = ?", jobID).
		Updates(map[string]any{
			"state":      domain.CheckpointStateFinalized,
			"updated_at": s.now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *GormCheckpointStore) Get(ctx context.Context, jobID domain.JobID) (*domain.Checkpoint, error) {
	db := s.db.WithContext(ctx)

	var model CheckpointModel
	err := db.First(&model, "job_id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	batches, err := loadCheckpointBatches(db, jobID)
	if err != nil {
		return nil, err
	}
	return checkpointModelToDomain(&model, batches), nil
}

func loadCheckpointBatches(db *gorm.DB, jobID domain.JobID) ([]CheckpointBatchModel, error) {
	var batches []CheckpointBatchModel
	err := db.Where("job_id = ?", jobID).Order("batch_index ASC").Find(&batches).Error
	return batches, err
}
