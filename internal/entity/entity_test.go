package entity_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memsync/memsync/internal/entity"
	"github.com/memsync/memsync/internal/fakeworld"
	"github.com/memsync/memsync/internal/layout"
	"github.com/memsync/memsync/internal/memory"
	"github.com/memsync/memsync/internal/scatter"
	"github.com/memsync/memsync/pkg/core"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*fakeworld.Builder, *memory.Reader, *entity.Factory) {
	t.Helper()
	l, err := layout.Default()
	require.NoError(t, err)
	b := fakeworld.New(l)
	r := memory.NewReader(b.Mem)
	return b, r, entity.NewFactory(r, l).WithClock(func() time.Time { return epoch })
}

func TestFactory_NewPlayer(t *testing.T) {
	b, _, f := setup(t)
	fe := b.Entity(fakeworld.EntitySpec{Kind: "player", Name: "Tagilla", Side: 4, Position: mgl32.Vec3{12, 1.5, -80}})

	e, err := f.New(context.Background(), core.KindPlayer, fe.Addr)
	require.NoError(t, err)

	assert.Equal(t, fe.Addr, e.Addr())
	assert.Equal(t, core.KindPlayer, e.Kind())
	assert.Equal(t, core.Entity{Addr: uint64(fe.Addr), Kind: core.KindPlayer, Name: "Tagilla", Side: 4, FirstSeen: epoch}, e.Info())

	st := e.State()
	assert.True(t, st.HasPos)
	assert.Equal(t, core.Position3D{X: 12, Y: 1.5, Z: -80}, st.Position)
	assert.False(t, st.Destroyed)
	assert.False(t, e.Anomalous())
}

func TestFactory_UnnamedAndUnknownKind(t *testing.T) {
	b, _, f := setup(t)
	fe := b.Entity(fakeworld.EntitySpec{Kind: "explosive", Position: mgl32.Vec3{1, 2, 3}})

	e, err := f.New(context.Background(), core.KindExplosive, fe.Addr)
	require.NoError(t, err)
	assert.Empty(t, e.Name())

	_, err = f.New(context.Background(), core.Kind("vehicle"), fe.Addr)
	assert.Error(t, err)
}

func TestFactory_BrokenTransformPath(t *testing.T) {
	b, _, f := setup(t)
	addr := b.Object()

	_, err := f.New(context.Background(), core.KindLoot, addr)
	assert.ErrorIs(t, err, memory.ErrInvalidAddress)
}

func TestFactory_InvalidInitialPositionIsAnomalous(t *testing.T) {
	b, _, f := setup(t)
	fe := b.Entity(fakeworld.EntitySpec{Kind: "loot", Name: "LEDX", Position: mgl32.Vec3{float32(math.Inf(1)), 0, 0}})

	e, err := f.New(context.Background(), core.KindLoot, fe.Addr)
	require.NoError(t, err)
	assert.True(t, e.Anomalous())
	assert.False(t, e.State().HasPos)
	assert.Equal(t, "LEDX", e.Name())
}

func TestEntity_RefreshRequests(t *testing.T) {
	b, r, f := setup(t)
	fe := b.Entity(fakeworld.EntitySpec{Kind: "player", Position: mgl32.Vec3{1, 0, 0}})
	e, err := f.New(context.Background(), core.KindPlayer, fe.Addr)
	require.NoError(t, err)
	before := e.State()

	b.Move(fe, mgl32.Vec3{2, 0, 5})
	b.Destroy(fe, "player")

	batch := scatter.New(r)
	batch.Round(0).Add(e.RefreshRequests()...)
	require.NoError(t, batch.Execute(context.Background()))

	st := e.State()
	assert.Equal(t, core.Position3D{X: 2, Z: 5}, st.Position)
	assert.True(t, st.Destroyed)
	assert.True(t, e.Destroyed())
	assert.Equal(t, core.Position3D{X: 1}, before.Position, "earlier views are not mutated")
	assert.Equal(t, []int{2}, b.Mem.ScatterSizes())
}

func TestEntity_AnomalyAndRebuild(t *testing.T) {
	b, r, f := setup(t)
	fe := b.Entity(fakeworld.EntitySpec{Kind: "player", Position: mgl32.Vec3{3, 3, 3}})
	e, err := f.New(context.Background(), core.KindPlayer, fe.Addr)
	require.NoError(t, err)

	b.Move(fe, mgl32.Vec3{float32(math.NaN()), 0, 0})
	batch := scatter.New(r)
	batch.Round(0).Add(e.RefreshRequests()...)
	require.NoError(t, batch.Execute(context.Background()))

	assert.True(t, e.Anomalous())
	assert.Equal(t, core.Position3D{X: 3, Y: 3, Z: 3}, e.State().Position, "last good position is kept")

	// The object moved to a new hierarchy.
	moved := b.Entity(fakeworld.EntitySpec{Kind: "player", Position: mgl32.Vec3{9, 9, 9}})
	old := e.Transform()
	k, _ := b.Layout.Kind("player")
	b.Link(fe.Addr, k.Transform, moved.Access)

	require.NoError(t, f.Rebuild(context.Background(), e))
	assert.False(t, e.Anomalous())
	assert.Equal(t, core.Position3D{X: 9, Y: 9, Z: 9}, e.State().Position)
	assert.NotSame(t, old, e.Transform())
}
