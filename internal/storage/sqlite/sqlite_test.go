package sqlitestorage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memsync/memsync/internal/config"
	"github.com/memsync/memsync/internal/database"
	"github.com/memsync/memsync/internal/model"
	"github.com/memsync/memsync/pkg/core"
)

func newTestBackend(t *testing.T, cfg Config) *Backend {
	t.Helper()
	db, err := database.OpenSqlite(database.MemoryDSN(t.Name()))
	require.NoError(t, err)
	b, err := Wrap(db, cfg, nil)
	require.NoError(t, err)
	return b
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.StorageConfig{
		FlushInterval: time.Second,
		SQLite:        config.SQLiteConfig{DumpInterval: time.Minute, DumpDir: "out"},
	})
	assert.Equal(t, Config{DumpInterval: time.Minute, DumpPath: filepath.Join("out", DumpFile), FlushInterval: time.Second}, cfg)
}

func TestEndSession_Dumps(t *testing.T) {
	path := filepath.Join(t.TempDir(), DumpFile)
	b := newTestBackend(t, Config{DumpPath: path})

	s := core.Session{ID: "s-1", Process: "game", StartTime: time.Now()}
	require.NoError(t, b.StartSession(s))
	require.NoError(t, b.AddEntity(core.Entity{Addr: 0x10, Kind: core.KindPlayer, Name: "p"}))
	require.NoError(t, b.EndSession(s))

	disk, err := database.OpenSqlite(path)
	require.NoError(t, err)
	var ents []model.Entity
	require.NoError(t, disk.Find(&ents).Error)
	require.Len(t, ents, 1)
	assert.Equal(t, "p", ents[0].Name)
}

func TestDumpLoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), DumpFile)
	b := newTestBackend(t, Config{DumpPath: path, DumpInterval: 10 * time.Millisecond, FlushInterval: time.Hour})
	require.NoError(t, b.Init())

	assert.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, b.Close())
}

func TestDump_NoPath(t *testing.T) {
	b := newTestBackend(t, Config{})
	assert.NoError(t, b.Dump())
	require.NoError(t, b.Init())
	require.NoError(t, b.Close())
}
