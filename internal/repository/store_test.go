package repository_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/kursadbilgin/submission-engine/internal/infra/database"
	"github.com/kursadbilgin/submission-engine/internal/infra/database/migrations"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := database.Open(database.DriverSQLite, dsn, nil)
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	if err := migrations.Migrate(db); err != nil {
		t.Fatalf("migrations.Migrate() error = %v", err)
	}
	return db
}

func strPtr(s string) *string { return &s }
