package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kursadbilgin/submission-engine/internal/domain"
	"gorm.io/gorm"
)

// AttemptRepository journals every remote call made for a batch.
type AttemptRepository interface {
	Create(ctx context.Context, a *domain.BatchAttempt) error
	// LatestSuccessful returns domain.ErrNotFound when no attempt for the
	// batch produced a usable response.
	LatestSuccessful(ctx context.Context, jobID domain.JobID, batchIndex int) (*domain.BatchAttempt, error)
	ListByBatch(ctx context.Context, jobID domain.JobID, batchIndex int) ([]domain.BatchAttempt, error)
}

var _ AttemptRepository = (*GormAttemptRepo)(nil)

type GormAttemptRepo struct {
	db *gorm.DB
}

func NewGormAttemptRepo(db *gorm.DB) *GormAttemptRepo {
	return &GormAttemptRepo{db: db}
}

func (r *GormAttemptRepo) Create(ctx context.Context, a *domain.BatchAttempt) error {
	if a == nil {
		return nil
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	model, err := attemptModelFromDomain(a)
	if err != nil {
		return fmt.Errorf("failed to encode attempt outcome: %w", err)
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}

	a.CreatedAt = model.CreatedAt
	return nil
}

func (r *GormAttemptRepo) LatestSuccessful(ctx context.Context, jobID domain.JobID, batchIndex int) (*domain.BatchAttempt, error) {
	var model BatchAttemptModel
	err := r.db.WithContext(ctx).
		Where("job_id = ? AND batch_index = ?", jobID, batchIndex).
		Where("error IS NULL AND outcome IS NOT NULL").
		Order("created_at DESC").
		Order("attempt_number DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	attempt, err := attemptModelToDomain(&model)
	if err != nil {
		return nil, fmt.Errorf("failed to decode attempt outcome: %w", err)
	}
	if !attempt.Succeeded() {
		return nil, domain.ErrNotFound
	}
	return attempt, nil
}

func (r *GormAttemptRepo) ListByBatch(ctx context.Context, jobID domain.JobID, batchIndex int) ([]domain.BatchAttempt, error) {
	var models []BatchAttemptModel
	err := r.db.WithContext(ctx).
		Where("job_id = ? AND batch_index = ?", jobID, batchIndex).
		Order("created_at ASC").
		Order("attempt_number ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	attempts := make([]domain.BatchAttempt, 0, len(models))
	for i := range models {
		a, err := attemptModelToDomain(&models[i])
		if err != nil {
			return nil, fmt.Errorf("failed to decode attempt outcome: %w", err)
		}
		attempts = append(attempts, *a)
	}
	return attempts, nil
}
