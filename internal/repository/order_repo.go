package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/kursadbilgin/submission-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ListParams struct {
	Status   *domain.ItemStatus
	Page     int
	PageSize int
}

// OrderTx is the write side of the order store, valid only inside WithTx.
type OrderTx interface {
	// InsertOrder returns domain.ErrDuplicateKey when the item is already
	// recorded for the job with a terminal status.
	InsertOrder(ctx context.Context, o *domain.OrderRecord) error
}

type OrderStore interface {
	WithTx(ctx context.Context, fn func(tx OrderTx) error) error
	ListByJob(ctx context.Context, jobID domain.JobID, params ListParams) ([]domain.OrderRecord, int64, error)
	ListPendingRemoteStatus(ctx context.Context, limit int) ([]domain.OrderRecord, error)
	UpdateRemoteStatus(ctx context.Context, trackingID, status, code string) error
}

var (
	_ OrderStore = (*GormOrderStore)(nil)
	_ OrderTx    = (*gormOrderTx)(nil)
)

// Only ERRORED rows may be overwritten by a later run of the same job.
var upsertOnErrored = clause.OnConflict{
	Columns: []clause.Column{{Name: "job_id"}, {Name: "item"}, {Name: "service_code"}},
	DoUpdates: clause.AssignmentColumns([]string{
		"batch_index", "tracking_id", "status", "reason", "raw_payload", "updated_at",
	}),
	Where: clause.Where{Exprs: []clause.Expression{
		clause.Expr{SQL: "order_records.status = ?", Vars: []any{domain.ItemStatusErrored}},
	}},
}

type GormOrderStore struct {
	db *gorm.DB
}

func NewGormOrderStore(db *gorm.DB) *GormOrderStore {
	return &GormOrderStore{db: db}
}

func (s *GormOrderStore) WithTx(ctx context.Context, fn func(tx OrderTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormOrderTx{db: tx})
	})
}

type gormOrderTx struct {
	db *gorm.DB
}

func (t *gormOrderTx) InsertOrder(ctx context.Context, o *domain.OrderRecord) error {
	if o == nil {
		return nil
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}

	model := orderModelFromDomain(o)

	// A savepoint keeps the outer transaction usable after a constraint
	// violation on postgres.
	err := t.db.WithContext(ctx).Transaction(func(sp *gorm.DB) error {
		result := sp.Clauses(upsertOnErrored).Create(model)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrDuplicateKey
		}
		return nil
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return domain.ErrDuplicateKey
	}
	if err != nil {
		return err
	}

	*o = *orderModelToDomain(model)
	return nil
}

func (s *GormOrderStore) ListByJob(ctx context.Context, jobID domain.JobID, params ListParams) ([]domain.OrderRecord, int64, error) {
	query := s.db.WithContext(ctx).Model(&OrderRecordModel{}).Where("job_id = ?", jobID)
	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 100
	}
	pageSize = min(pageSize, 1000)

	var models []OrderRecordModel
	err := query.
		Order("batch_index ASC").
		Order("item ASC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	orders := make([]domain.OrderRecord, 0, len(models))
	for i := range models {
		orders = append(orders, *orderModelToDomain(&models[i]))
	}
	return orders, total, nil
}

// ListPendingRemoteStatus returns accepted orders whose remote processing has
// not reached a final status, least recently checked first.
func (s *GormOrderStore) ListPendingRemoteStatus(ctx context.Context, limit int) ([]domain.OrderRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	var models []OrderRecordModel
	err := s.db.WithContext(ctx).
		Where("status = ? AND tracking_id IS NOT NULL", domain.ItemStatusAccepted).
		Where("(remote_status IS NULL OR LOWER(remote_status) NOT IN ?)", []string{
			strings.ToLower(domain.RemoteStatusCompleted),
			strings.ToLower(domain.RemoteStatusRejected),
		}).
		Order("updated_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	orders := make([]domain.OrderRecord, 0, len(models))
	for i := range models {
		orders = append(orders, *orderModelToDomain(&models[i]))
	}
	return orders, nil
}

func (s *GormOrderStore) UpdateRemoteStatus(ctx context.Context, trackingID, status, code string) error {
	updates := map[string]any{
		"remote_status": status,
		"remote_code":   nil,
	}
	if code != "" {
		updates["remote_code"] = code
	}

	result := s.db.WithContext(ctx).
		Model(&OrderRecordModel{}).
		Where("tracking_id = ?", trackingID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
