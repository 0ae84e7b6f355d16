package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/submission-engine/internal/repository"
	"gorm.io/gorm"
)

func createCheckpointsTables() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_checkpoints",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.CheckpointModel{}, &repository.CheckpointBatchModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_checkpoints_state_updated ON checkpoints (state, updated_at)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.CheckpointBatchModel{}, &repository.CheckpointModel{})
		},
	}
}
