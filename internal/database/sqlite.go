package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tandemlabs/tandem-sync/internal/offline"
	"github.com/tandemlabs/tandem-sync/internal/track"
)

// OpenSQLite establishes the server-side SQLite connection and migrates
// the durable document record schema.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&track.RecordRow{}); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}
	return db, nil
}

// OpenClientSQLite establishes the client-side SQLite connection and
// migrates the offline mirror and pending-change schema.
func OpenClientSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&offline.MirrorRow{}, &offline.PendingChangeRow{}); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("client database initialized", zap.String("path", path))
	}
	return db, nil
}

func open(path string) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	return db, nil
}
