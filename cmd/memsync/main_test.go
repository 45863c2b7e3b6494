package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memsync/memsync/internal/config"
	"github.com/memsync/memsync/internal/layout"
	"github.com/memsync/memsync/internal/storage/memory"
	"github.com/memsync/memsync/pkg/core"
)

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run([]string{"version"}, &out))
	assert.Equal(t, "memsync dev\n", out.String())
}

func TestRun_UnknownCommand(t *testing.T) {
	assert.ErrorContains(t, run([]string{"frobnicate"}, &bytes.Buffer{}), "unknown command")
}

func TestRun_BadFlag(t *testing.T) {
	assert.Error(t, run([]string{"--no-such-flag"}, &bytes.Buffer{}))
}

func TestLayoutCommand_PrintsDefault(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run([]string{"layout"}, &out))

	_, err := layout.Parse(out.Bytes())
	assert.NoError(t, err)
}

func TestLayoutCommand_ValidatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layout.yaml")
	require.NoError(t, os.WriteFile(path, layout.DefaultYAML(), 0o644))

	var out bytes.Buffer
	require.NoError(t, layoutCommand([]string{path}, &out))
	assert.Contains(t, out.String(), ": ok")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("version: 1\nkinds: 7\n"), 0o644))
	assert.Error(t, layoutCommand([]string{bad}, &out))
}

func TestExportCommand(t *testing.T) {
	dir := t.TempDir()
	b := memory.New(config.MemoryConfig{OutputDir: dir, CompressOutput: true}, "raid")
	require.NoError(t, b.Init())

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sess := core.Session{ID: "0b6c9f8e-0000-4000-8000-000000000001", Process: "game", Location: "woods", StartTime: t0}
	require.NoError(t, b.StartSession(sess))
	require.NoError(t, b.AddEntity(core.Entity{Addr: 0x10, Kind: core.KindPlayer, Name: "alpha", FirstSeen: t0}))
	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordEntityState(core.EntityState{
			Addr: 0x10, Kind: core.KindPlayer, HasPos: true,
			Position: core.Position3D{X: float64(i) * 3, Y: float64(i) * 4},
			Time:     t0.Add(time.Duration(i) * time.Second),
		}))
	}
	sess.EndTime = t0.Add(90 * time.Second)
	require.NoError(t, b.EndSession(sess))
	require.NoError(t, b.Close())

	var out bytes.Buffer
	require.NoError(t, exportCommand([]string{b.ExportedFilePath()}, &out))
	s := out.String()
	assert.Contains(t, s, "location  woods")
	assert.Contains(t, s, "duration  90.0s")
	assert.Contains(t, s, "tag       raid")
	assert.Regexp(t, `player\s+1\s+3\s+0\s+10\.0`, s)
}

func TestExportCommand_Usage(t *testing.T) {
	assert.ErrorContains(t, exportCommand(nil, &bytes.Buffer{}), "usage")
}
