package storage

import (
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"antigravity-manager/internal/platform/errors"
)

// StateDB wraps the managed IDE's state.vscdb key/value database. The IDE
// itself writes this file while running, so every write is retried on lock
// contention and verified by the caller rather than guarded by a cross
// process lock.
type StateDB struct {
	db            *gorm.DB
	retryAttempts int
	retryDelay    time.Duration
}

// itemRow mirrors the IDE's ItemTable schema.
type itemRow struct {
	Key   string `gorm:"column:key;primaryKey"`
	Value string `gorm:"column:value"`
}

func (itemRow) TableName() string { return "ItemTable" }

// OpenStateDB opens the IDE state database at path.
func OpenStateDB(path string, retryAttempts int, retryDelay time.Duration) (*StateDB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "statedb.open", "open state database", err)
	}
	if retryAttempts <= 0 {
		retryAttempts = 5
	}
	if retryDelay <= 0 {
		retryDelay = 150 * time.Millisecond
	}
	s := &StateDB{db: db, retryAttempts: retryAttempts, retryDelay: retryDelay}
	if err := s.ensureTable(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *StateDB) ensureTable() error {
	err := s.withBusyRetry(func() error {
		return s.db.Exec(`CREATE TABLE IF NOT EXISTS ItemTable (key TEXT PRIMARY KEY, value TEXT)`).Error
	})
	if err != nil {
		return errors.Wrap(errors.KindStorage, "statedb.ensure_table", "create ItemTable", err)
	}
	return nil
}

// Get returns the value for key and whether the key exists, retrying on
// lock contention. A missing row is not busy and comes back immediately.
func (s *StateDB) Get(key string) (string, bool, error) {
	var row itemRow
	err := s.withBusyRetry(func() error {
		return s.db.Where("key = ?", key).First(&row).Error
	})
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", false, nil
		}
		return "", false, errors.Wrap(errors.KindStorage, "statedb.get", "query ItemTable", err)
	}
	return row.Value, true, nil
}

// Set upserts a key/value row, retrying on lock contention.
func (s *StateDB) Set(key, value string) error {
	err := s.withBusyRetry(func() error {
		return s.db.Exec(`INSERT OR REPLACE INTO ItemTable (key, value) VALUES (?, ?)`, key, value).Error
	})
	if err != nil {
		return errors.Wrap(errors.KindStorage, "statedb.set", "upsert "+key, err)
	}
	return nil
}

// Delete removes a key, retrying on lock contention. Deleting an absent key
// is not an error.
func (s *StateDB) Delete(key string) error {
	err := s.withBusyRetry(func() error {
		return s.db.Exec(`DELETE FROM ItemTable WHERE key = ?`, key).Error
	})
	if err != nil {
		return errors.Wrap(errors.KindStorage, "statedb.delete", "delete "+key, err)
	}
	return nil
}

// Has reports whether a key exists without reading its value, retrying on
// lock contention.
func (s *StateDB) Has(key string) (bool, error) {
	var count int64
	err := s.withBusyRetry(func() error {
		return s.db.Model(&itemRow{}).Where("key = ?", key).Count(&count).Error
	})
	if err != nil {
		return false, errors.Wrap(errors.KindStorage, "statedb.has", "count "+key, err)
	}
	return count > 0, nil
}

// Close releases the underlying connection.
func (s *StateDB) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *StateDB) withBusyRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < s.retryAttempts; attempt++ {
		err = fn()
		if err == nil || !IsBusy(err) {
			return err
		}
		time.Sleep(s.retryDelay)
	}
	return err
}

// IsBusy reports whether err looks like transient sqlite lock contention.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "busy")
}
