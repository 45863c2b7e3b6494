package storage_test

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memsync/memsync/internal/config"
	"github.com/memsync/memsync/internal/dispatcher"
	"github.com/memsync/memsync/internal/session"
	"github.com/memsync/memsync/internal/storage"
	gormstorage "github.com/memsync/memsync/internal/storage/gorm"
	"github.com/memsync/memsync/internal/storage/memory"
	"github.com/memsync/memsync/internal/storage/postgres"
	sqlitestorage "github.com/memsync/memsync/internal/storage/sqlite"
	"github.com/memsync/memsync/internal/storage/websocket"
	"github.com/memsync/memsync/internal/world"
	"github.com/memsync/memsync/pkg/core"
)

// Compile-time interface checks.
var (
	_ storage.Backend    = (*gormstorage.Backend)(nil)
	_ storage.Backend    = (*postgres.Backend)(nil)
	_ storage.Backend    = (*sqlitestorage.Backend)(nil)
	_ storage.Backend    = (*memory.Backend)(nil)
	_ storage.Backend    = (*websocket.Backend)(nil)
	_ storage.Uploadable = (*memory.Backend)(nil)
	_ world.Sink         = storage.Backend(nil)
)

type fakeBackend struct {
	storage.Backend
	started, ended []string
	fail           error
}

func (f *fakeBackend) StartSession(s core.Session) error {
	f.started = append(f.started, s.ID)
	return f.fail
}

func (f *fakeBackend) EndSession(s core.Session) error {
	f.ended = append(f.ended, s.ID)
	return f.fail
}

func newDispatcher(t *testing.T) *dispatcher.Dispatcher {
	t.Helper()
	d, err := dispatcher.New(slog.Default())
	require.NoError(t, err)
	return d
}

func TestRegisterHandlers(t *testing.T) {
	d := newDispatcher(t)
	b := &fakeBackend{}
	storage.RegisterHandlers(d, b)

	require.NoError(t, d.Publish(dispatcher.Event{Topic: session.TopicSessionStarted, Payload: core.Session{ID: "a"}}))
	require.NoError(t, d.Publish(dispatcher.Event{Topic: session.TopicSessionEnded, Payload: core.Session{ID: "a"}}))

	assert.Equal(t, []string{"a"}, b.started)
	assert.Equal(t, []string{"a"}, b.ended)
}

func TestRegisterHandlers_Errors(t *testing.T) {
	d := newDispatcher(t)
	b := &fakeBackend{fail: errors.New("disk full")}
	storage.RegisterHandlers(d, b)

	err := d.Publish(dispatcher.Event{Topic: session.TopicSessionStarted, Payload: core.Session{ID: "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	err = d.Publish(dispatcher.Event{Topic: session.TopicSessionEnded, Payload: "bogus"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected payload")
	assert.Empty(t, b.ended)
}

func TestNewBackend(t *testing.T) {
	cfg := config.StorageConfig{
		FlushInterval: time.Hour,
		Memory:        config.MemoryConfig{OutputDir: t.TempDir()},
		SQLite:        config.SQLiteConfig{DumpDir: t.TempDir()},
	}

	cfg.Type = storage.TypeMemory
	b, err := storage.NewBackend(cfg, "raid", nil, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &memory.Backend{}, b)

	cfg.Type = storage.TypeSQLite
	b, err = storage.NewBackend(cfg, "", nil, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &sqlitestorage.Backend{}, b)

	cfg.Type = storage.TypeWebSocket
	_, err = storage.NewBackend(cfg, "", nil, zerolog.Nop())
	assert.Error(t, err)
	cfg.WebSocket.URL = "ws://localhost/stream"
	b, err = storage.NewBackend(cfg, "", nil, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &websocket.Backend{}, b)

	cfg.Type = "mongo"
	_, err = storage.NewBackend(cfg, "", nil, zerolog.Nop())
	assert.EqualError(t, err, "unknown storage type: mongo")
}

func TestNewBackend_PostgresFallsBackToSQLite(t *testing.T) {
	cfg := config.StorageConfig{
		Type:          storage.TypePostgres,
		FlushInterval: time.Hour,
		DB:            config.DBConfig{Host: "127.0.0.1", Port: "1", Username: "x", Password: "x", Database: "x"},
		SQLite:        config.SQLiteConfig{DumpDir: t.TempDir()},
	}
	b, err := storage.NewBackend(cfg, "", nil, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &sqlitestorage.Backend{}, b)
}
