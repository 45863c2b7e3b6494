package postgres

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memsync/memsync/internal/config"
	"github.com/memsync/memsync/internal/database"
	"github.com/memsync/memsync/pkg/core"
)

func TestOpen_Unreachable(t *testing.T) {
	_, err := Open(config.StorageConfig{DB: config.DBConfig{Host: "127.0.0.1", Port: "1"}}, nil, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to postgres")
}

// The schema is dialect neutral, so SQLite stands in for Postgres here.
func TestNew_MigratesAndRecords(t *testing.T) {
	db, err := database.OpenSqlite(database.MemoryDSN(t.Name()))
	require.NoError(t, err)

	b, err := New(db, config.StorageConfig{FlushInterval: time.Hour}, nil, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, b.Init())

	s := core.Session{ID: "pg-1", StartTime: time.Now()}
	require.NoError(t, b.StartSession(s))
	require.NoError(t, b.AddEntity(core.Entity{Addr: 1, Kind: core.KindExfil, Name: "gate"}))
	require.NoError(t, b.EndSession(s))
	require.NoError(t, b.Close())
	assert.Zero(t, b.Pending())
}
