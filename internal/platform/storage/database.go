package storage

import (
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"antigravity-manager/internal/platform/errors"
)

// Open initialises the manager's own SQLite database (accounts + settings)
// and runs schema migration.
func Open(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(errors.KindStorage, "storage.open", "create data directory", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "storage.open", "open database", err)
	}

	if err := db.AutoMigrate(&Account{}, &Setting{}, &AuditEvent{}); err != nil {
		return nil, errors.Wrap(errors.KindStorage, "storage.open", "migrate schema", err)
	}

	return db, nil
}
