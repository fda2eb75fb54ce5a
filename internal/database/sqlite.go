package database

import (
	"errors"
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrUnavailable indicates a durable store failure. Requests that hit it fail
// as transient errors; durable state is never guessed. Services wrap the
// underlying cause with this sentinel so the boundary can map it uniformly.
var ErrUnavailable = errors.New("database: store unavailable")

// OpenSQLite establishes a SQLite connection, migrates the provided models and
// applies the named migrations.
func OpenSQLite(path string, logger *zap.Logger, models ...interface{}) (*gorm.DB, error) {
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

	migrate := append([]interface{}{&migrationRecord{}}, models...)
	if err := db.AutoMigrate(migrate...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
