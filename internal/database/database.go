package database

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/opsdeck/shellgate/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// Init opens the sqlite database at the configured path, enables WAL mode,
// and migrates the schema.
func Init() error {
	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := Open(dbPath)
	if err != nil {
		return err
	}
	DB = db
	return nil
}

// Open opens and migrates a database at an explicit path. Tests use this
// with t.TempDir() paths to get isolated databases.
func Open(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&Host{}, &PolicyRuleSet{}, &CommandAuditLog{}, &Setting{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return db, nil
}

// Close closes the underlying sql.DB.
func Close() {
	if DB == nil {
		return
	}
	if sqlDB, err := DB.DB(); err == nil {
		sqlDB.Close()
	}
}

// GetSetting returns the value for key, or an error if the key is absent.
func GetSetting(db *gorm.DB, key string) (string, error) {
	var s Setting
	if err := db.First(&s, "key = ?", key).Error; err != nil {
		return "", fmt.Errorf("get setting %q: %w", key, err)
	}
	return s.Value, nil
}

// SetSetting creates or updates the value for key.
func SetSetting(db *gorm.DB, key, value string) error {
	s := Setting{Key: key, Value: value}
	if err := db.Save(&s).Error; err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	return nil
}
