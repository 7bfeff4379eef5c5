package database

import (
	"fmt"

	"github.com/driftcast/driftcast-client/internal/store"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Open establishes the client's local SQLite database and performs schema
// migrations for the cache and token tables.
func Open(path string, logger *zap.Logger) (*gorm.DB, error) {
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

	if err := db.AutoMigrate(&store.CachedNotification{}, &store.TokenRecord{}); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("local database initialized", zap.String("path", path))
	}

	return db, nil
}
