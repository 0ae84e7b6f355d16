package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/submission-engine/internal/repository"
	"gorm.io/gorm"
)

func createOrderRecordsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_order_records",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.OrderRecordModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_order_records_job_item_service ON order_records (job_id, item, service_code)`,
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_order_records_tracking_id ON order_records (tracking_id) WHERE tracking_id IS NOT NULL`,
				`CREATE INDEX IF NOT EXISTS idx_order_records_job_batch ON order_records (job_id, batch_index)`,
				`CREATE INDEX IF NOT EXISTS idx_order_records_remote_sync ON order_records (status, updated_at) WHERE tracking_id IS NOT NULL`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.OrderRecordModel{})
		},
	}
}
