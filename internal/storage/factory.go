package storage

import (
	"fmt"
	"log/slog"

	"github.com/rs/zerolog"

	"github.com/memsync/memsync/internal/config"
	"github.com/memsync/memsync/internal/database"
	"github.com/memsync/memsync/internal/storage/memory"
	"github.com/memsync/memsync/internal/storage/postgres"
	sqlitestorage "github.com/memsync/memsync/internal/storage/sqlite"
	"github.com/memsync/memsync/internal/storage/websocket"
)

// Backend types accepted in storage.type.
const (
	TypeMemory    = "memory"
	TypeSQLite    = "sqlite"
	TypePostgres  = "postgres"
	TypeWebSocket = "websocket"
)

// NewBackend creates a storage backend based on configuration. A postgres
// backend that cannot connect falls back to SQLite with disk dumps.
func NewBackend(cfg config.StorageConfig, tag string, log *slog.Logger, zlog zerolog.Logger) (Backend, error) {
	switch cfg.Type {
	case TypeMemory:
		return memory.New(cfg.Memory, tag), nil
	case TypeSQLite:
		return sqlitestorage.New(sqlitestorage.ConfigFrom(cfg), log)
	case TypePostgres:
		m := database.NewManager(cfg.DB, zlog)
		if err := m.Connect(); err != nil {
			return nil, err
		}
		if m.Local {
			return sqlitestorage.Wrap(m.DB, sqlitestorage.ConfigFrom(cfg), log)
		}
		return postgres.New(m.DB, cfg, log, zlog)
	case TypeWebSocket:
		if cfg.WebSocket.URL == "" {
			return nil, fmt.Errorf("websocket backend needs storage.websocket.url")
		}
		return websocket.New(websocket.Config{URL: cfg.WebSocket.URL, Secret: cfg.WebSocket.Secret}, log), nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
