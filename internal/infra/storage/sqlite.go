package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"order_sync/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Storage is the SQLite journal of publishes the bus rejected
type Storage struct {
	db *gorm.DB
}

// NewStorage opens the journal at dbPath. An empty path resolves to the
// per-user data directory.
func NewStorage(dbPath string) (*Storage, error) {
	if dbPath == "" {
		var err error
		dbPath, err = getDBPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve DB path: %w", err)
		}
	}

	// Ensure directory exists
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Auto Migration
	if err := db.AutoMigrate(&domain.PublishFailure{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// getDBPath resolves the database file path based on OS
func getDBPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "OrderSync", "data", "journal.db"), nil
}

// Close releases the underlying connection pool.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Publish Failure Operations
// ======================================================================================

// RecordFailure appends one rejected publish
func (s *Storage) RecordFailure(f *domain.PublishFailure) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	return s.db.Create(f).Error
}

// CountFailures returns the journal size
func (s *Storage) CountFailures() (int64, error) {
	var n int64
	err := s.db.Model(&domain.PublishFailure{}).Count(&n).Error
	return n, err
}

// PurgeBefore deletes failures older than cutoff and returns how many went
func (s *Storage) PurgeBefore(cutoff time.Time) (int64, error) {
	res := s.db.Where("created_at < ?", cutoff).Delete(&domain.PublishFailure{})
	return res.RowsAffected, res.Error
}
