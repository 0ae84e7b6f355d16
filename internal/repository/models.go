package repository

import (
	"encoding/json"
	"time"

	"github.com/kursadbilgin/submission-engine/internal/domain"
)

// OrderRecordModel is the persistence model for the order_records table.
type OrderRecordModel struct {
	ID           string             `gorm:"type:uuid;primaryKey"`
	JobID        domain.JobID       `gorm:"type:varchar(32);not null"`
	BatchIndex   int                `gorm:"not null"`
	Item         domain.Item        `gorm:"type:varchar(32);not null"`
	ServiceCode  domain.ServiceCode `gorm:"type:varchar(64);not null"`
	TrackingID   *string            `gorm:"type:varchar(64)"`
	Status       domain.ItemStatus  `gorm:"type:varchar(20);not null"`
	Reason       string             `gorm:"type:text"`
	RawPayload   string             `gorm:"type:text"`
	RemoteStatus *string            `gorm:"type:varchar(32)"`
	RemoteCode   *string            `gorm:"type:text"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (OrderRecordModel) TableName() string {
	return "order_records"
}

// CheckpointModel is the persistence model for checkpoints.
type CheckpointModel struct {
	JobID        domain.JobID           `gorm:"type:varchar(32);primaryKey"`
	Label        string                 `gorm:"type:varchar(255);not null"`
	ServiceCode  domain.ServiceCode     `gorm:"type:varchar(64);not null"`
	TotalBatches int                    `gorm:"not null"`
	BatchSize    int                    `gorm:"not null;default:0"`
	State        domain.CheckpointState `gorm:"type:varchar(20);not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (CheckpointModel) TableName() string {
	return "checkpoints"
}

// CheckpointBatchModel is one finished batch of a checkpoint.
type CheckpointBatchModel struct {
	JobID      domain.JobID       `gorm:"type:varchar(32);primaryKey"`
	BatchIndex int                `gorm:"primaryKey;autoIncrement:false"`
	Status     domain.BatchStatus `gorm:"type:varchar(20);not null"`
	Succeeded  int                `gorm:"not null"`
	Duplicates int                `gorm:"not null"`
	Failed     int                `gorm:"not null"`
	UpdatedAt  time.Time
}

func (CheckpointBatchModel) TableName() string {
	return "checkpoint_batches"
}

// BatchAttemptModel is the persistence model for batch_attempts.
type BatchAttemptModel struct {
	ID            string       `gorm:"type:uuid;primaryKey"`
	JobID         domain.JobID `gorm:"type:varchar(32);not null"`
	BatchIndex    int          `gorm:"not null"`
	AttemptNumber int          `gorm:"not null"`
	StatusCode    *int         `gorm:"type:int"`
	Error         *string      `gorm:"type:text"`
	Outcome       *string      `gorm:"type:text"`
	CreatedAt     time.Time
}

func (BatchAttemptModel) TableName() string {
	return "batch_attempts"
}

func orderModelFromDomain(o *domain.OrderRecord) *OrderRecordModel {
	if o == nil {
		return nil
	}

	return &OrderRecordModel{
		ID:           o.ID,
		JobID:        o.JobID,
		BatchIndex:   o.BatchIndex,
		Item:         o.Item,
		ServiceCode:  o.ServiceCode,
		TrackingID:   o.TrackingID,
		Status:       o.Status,
		Reason:       o.Reason,
		RawPayload:   o.RawPayload,
		RemoteStatus: o.RemoteStatus,
		RemoteCode:   o.RemoteCode,
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
	}
}

func orderModelToDomain(m *OrderRecordModel) *domain.OrderRecord {
	if m == nil {
		return nil
	}

	return &domain.OrderRecord{
		ID:           m.ID,
		JobID:        m.JobID,
		BatchIndex:   m.BatchIndex,
		Item:         m.Item,
		ServiceCode:  m.ServiceCode,
		TrackingID:   m.TrackingID,
		Status:       m.Status,
		Reason:       m.Reason,
		RawPayload:   m.RawPayload,
		RemoteStatus: m.RemoteStatus,
		RemoteCode:   m.RemoteCode,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func checkpointModelToDomain(m *CheckpointModel, batches []CheckpointBatchModel) *domain.Checkpoint {
	if m == nil {
		return nil
	}

	cp := &domain.Checkpoint{
		JobID:        m.JobID,
		Label:        m.Label,
		ServiceCode:  m.ServiceCode,
		TotalBatches: m.TotalBatches,
		BatchSize:    m.BatchSize,
		State:        m.State,
		Batches:      make(map[int]domain.BatchProgress, len(batches)),
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
	for _, b := range batches {
		cp.Batches[b.BatchIndex] = domain.BatchProgress{
			Index:  b.BatchIndex,
			Status: b.Status,
			Counts: domain.Counts{
				Succeeded:  b.Succeeded,
				Duplicates: b.Duplicates,
				Failed:     b.Failed,
			},
			UpdatedAt: b.UpdatedAt,
		}
	}
	return cp
}

func attemptModelFromDomain(a *domain.BatchAttempt) (*BatchAttemptModel, error) {
	if a == nil {
		return nil, nil
	}

	model := &BatchAttemptModel{
		ID:            a.ID,
		JobID:         a.JobID,
		BatchIndex:    a.BatchIndex,
		AttemptNumber: a.AttemptNumber,
		StatusCode:    a.StatusCode,
		Error:         a.Error,
		CreatedAt:     a.CreatedAt,
	}
	if a.Outcome != nil {
		raw, err := json.Marshal(a.Outcome)
		if err != nil {
			return nil, err
		}
		outcome := string(raw)
		model.Outcome = &outcome
	}
	return model, nil
}

func attemptModelToDomain(m *BatchAttemptModel) (*domain.BatchAttempt, error) {
	if m == nil {
		return nil, nil
	}

	a := &domain.BatchAttempt{
		ID:            m.ID,
		JobID:         m.JobID,
		BatchIndex:    m.BatchIndex,
		AttemptNumber: m.AttemptNumber,
		StatusCode:    m.StatusCode,
		Error:         m.Error,
		CreatedAt:     m.CreatedAt,
	}
	if m.Outcome != nil && *m.Outcome != "" {
		var outcome domain.BatchOutcome
		if err := json.Unmarshal([]byte(*m.Outcome), &outcome); err != nil {
			return nil, err
		}
		a.Outcome = &outcome
	}
	return a, nil
}
