// Package postgres implements storage.Backend on PostgreSQL with PostGIS,
// using the GORM backend for queued writes.
package postgres

import (
	"fmt"
	"log/slog"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/memsync/memsync/internal/config"
	"github.com/memsync/memsync/internal/database"
	gormstorage "github.com/memsync/memsync/internal/storage/gorm"
)

// Backend is the GORM backend bound to a Postgres connection.
type Backend struct {
	*gormstorage.Backend
}

// Open connects to Postgres, installs PostGIS and migrates the schema.
func Open(cfg config.StorageConfig, log *slog.Logger, zlog zerolog.Logger) (*Backend, error) {
	db, err := database.OpenPostgres(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return New(db, cfg, log, zlog)
}

// New builds the backend on an open connection.
func New(db *gorm.DB, cfg config.StorageConfig, log *slog.Logger, zlog zerolog.Logger) (*Backend, error) {
	if err := database.Setup(db, zlog); err != nil {
		return nil, fmt.Errorf("failed to setup DB: %w", err)
	}
	return &Backend{Backend: gormstorage.New(gormstorage.Dependencies{
		DB:            db,
		Log:           log,
		FlushInterval: cfg.FlushInterval,
	})}, nil
}
