// Package sqlitestorage implements storage.Backend on an in-memory SQLite
// database dumped to disk periodically via VACUUM INTO. Writes go through
// the GORM backend.
package sqlitestorage

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/memsync/memsync/internal/config"
	"github.com/memsync/memsync/internal/database"
	gormstorage "github.com/memsync/memsync/internal/storage/gorm"
	"github.com/memsync/memsync/pkg/core"
)

// DumpFile is the name of the dump written into the dump directory.
const DumpFile = "memsync.db"

// Config holds configuration for the SQLite storage backend.
type Config struct {
	DumpInterval  time.Duration
	DumpPath      string
	FlushInterval time.Duration
}

// ConfigFrom maps the storage settings onto a backend config.
func ConfigFrom(cfg config.StorageConfig) Config {
	return Config{
		DumpInterval:  cfg.SQLite.DumpInterval,
		DumpPath:      filepath.Join(cfg.SQLite.DumpDir, DumpFile),
		FlushInterval: cfg.FlushInterval,
	}
}

// Backend wraps the GORM backend for SQLite-specific behavior.
type Backend struct {
	*gormstorage.Backend
	db       *gorm.DB
	cfg      Config
	log      *slog.Logger
	stopChan chan struct{}
	done     chan struct{}
}

// New opens the shared in-memory database and migrates it.
func New(cfg Config, log *slog.Logger) (*Backend, error) {
	db, err := database.OpenSqlite("")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory SQLite DB: %w", err)
	}
	return Wrap(db, cfg, log)
}

// Wrap builds the backend on an already opened SQLite database.
func Wrap(db *gorm.DB, cfg Config, log *slog.Logger) (*Backend, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := database.Setup(db, zerolog.Nop()); err != nil {
		return nil, err
	}
	return &Backend{
		Backend: gormstorage.New(gormstorage.Dependencies{
			DB:            db,
			Log:           log,
			FlushInterval: cfg.FlushInterval,
		}),
		db:  db,
		cfg: cfg,
		log: log,
	}, nil
}

// Init starts the embedded writer and the dump goroutine.
func (b *Backend) Init() error {
	if err := b.Backend.Init(); err != nil {
		return err
	}
	if b.cfg.DumpPath != "" && b.cfg.DumpInterval > 0 {
		b.stopChan = make(chan struct{})
		b.done = make(chan struct{})
		go b.dumpLoop()
	}
	return nil
}

// EndSession flushes the session and dumps it straight away.
func (b *Backend) EndSession(s core.Session) error {
	if err := b.Backend.EndSession(s); err != nil {
		return err
	}
	return b.Dump()
}

// Close stops the dump goroutine, flushes and writes a final dump.
func (b *Backend) Close() error {
	if b.stopChan != nil {
		close(b.stopChan)
		<-b.done
		b.stopChan = nil
	}
	if err := b.Backend.Close(); err != nil {
		return err
	}
	return b.Dump()
}

// Dump writes the database to the dump path. It is a no-op without one.
func (b *Backend) Dump() error {
	if b.cfg.DumpPath == "" {
		return nil
	}
	start := time.Now()
	if err := database.DumpMemoryDBToDisk(b.db, b.cfg.DumpPath); err != nil {
		return err
	}
	b.log.Debug("Dumped to disk", "path", b.cfg.DumpPath, "duration", time.Since(start))
	return nil
}

// VACUUM INTO creates a point-in-time snapshot, so writes need no pause.
func (b *Backend) dumpLoop() {
	defer close(b.done)
	ticker := time.NewTicker(b.cfg.DumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			if err := b.Dump(); err != nil {
				b.log.Error("Error dumping to disk", "error", err)
			}
		}
	}
}
