package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/submission-engine/internal/repository"
	"gorm.io/gorm"
)

// Checkpoints created before this column existed keep batch_size 0 and are
// matched on batch count alone.
func addCheckpointBatchSize() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_add_checkpoint_batch_size",
		Migrate: func(tx *gorm.DB) error {
			if tx.Migrator().HasColumn(&repository.CheckpointModel{}, "BatchSize") {
				return nil
			}
			return tx.Migrator().AddColumn(&repository.CheckpointModel{}, "BatchSize")
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropColumn(&repository.CheckpointModel{}, "BatchSize")
		},
	}
}
