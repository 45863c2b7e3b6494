package database

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memsync/memsync/internal/config"
	"github.com/memsync/memsync/internal/model"
)

func openTestDB(t *testing.T) *Manager {
	t.Helper()
	db, err := OpenSqlite(MemoryDSN(t.Name()))
	require.NoError(t, err)
	require.NoError(t, Setup(db, zerolog.Nop()))
	return &Manager{DB: db, Local: true, Logger: zerolog.Nop()}
}

func TestPostgresDSN(t *testing.T) {
	dsn := PostgresDSN(config.DBConfig{
		Host: "db", Port: "5433", Username: "u", Password: "p", Database: "memsync",
	})
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=memsync sslmode=disable", dsn)
}

func TestSetup_MigratesAllModels(t *testing.T) {
	m := openTestDB(t)
	for _, mdl := range model.DatabaseModels {
		assert.True(t, m.DB.Migrator().HasTable(mdl), "%T", mdl)
	}
}

func TestMemoryDSN_Isolated(t *testing.T) {
	a, err := OpenSqlite(MemoryDSN("isolated_a"))
	require.NoError(t, err)
	b, err := OpenSqlite(MemoryDSN("isolated_b"))
	require.NoError(t, err)

	require.NoError(t, a.AutoMigrate(&model.Session{}))
	assert.True(t, a.Migrator().HasTable(&model.Session{}))
	assert.False(t, b.Migrator().HasTable(&model.Session{}))
}

func TestDumpMemoryDBToDisk(t *testing.T) {
	m := openTestDB(t)
	require.NoError(t, m.DB.Create(&model.Session{ID: "s1", Process: "game"}).Error)

	path := filepath.Join(t.TempDir(), "dumps", "memsync.db")
	require.NoError(t, DumpMemoryDBToDisk(m.DB, path))
	// A second dump replaces the first.
	require.NoError(t, DumpMemoryDBToDisk(m.DB, path))

	disk, err := OpenSqlite(path)
	require.NoError(t, err)
	var got model.Session
	require.NoError(t, disk.First(&got, "id = ?", "s1").Error)
	assert.Equal(t, "game", got.Process)
}

func TestDumpMemoryDBToDisk_NoPath(t *testing.T) {
	m := openTestDB(t)
	assert.Error(t, DumpMemoryDBToDisk(m.DB, ""))
}

func TestBackupPaths(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.db", "b.db", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "c.db"), 0o755))

	paths, err := BackupPaths(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.db"), filepath.Join(dir, "b.db")}, paths)
}

func TestConnect_FallsBackToSqlite(t *testing.T) {
	m := NewManager(config.DBConfig{Host: "127.0.0.1", Port: "1", Username: "x", Password: "x", Database: "x"}, zerolog.Nop())
	require.NoError(t, m.Connect())
	assert.True(t, m.Local)
	assert.Equal(t, "sqlite", m.DB.Dialector.Name())
}
