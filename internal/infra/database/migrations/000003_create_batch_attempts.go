package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/submission-engine/internal/repository"
	"gorm.io/gorm"
)

func createBatchAttemptsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_batch_attempts",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.BatchAttemptModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_batch_attempts_job_batch ON batch_attempts (job_id, batch_index, attempt_number)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.BatchAttemptModel{})
		},
	}
}
