package world_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memsync/memsync/internal/fakeworld"
	"github.com/memsync/memsync/internal/layout"
	"github.com/memsync/memsync/internal/memory"
	"github.com/memsync/memsync/internal/typeresolver"
	"github.com/memsync/memsync/internal/world"
	"github.com/memsync/memsync/pkg/core"
)

type recordingSink struct {
	mu       sync.Mutex
	added    []core.Entity
	states   []core.EntityState
	removals []core.EntityRemoval
}

func (s *recordingSink) AddEntity(e core.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, e)
	return nil
}

func (s *recordingSink) RecordEntityState(st core.EntityState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, st)
	return nil
}

func (s *recordingSink) RemoveEntity(r core.EntityRemoval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removals = append(s.removals, r)
	return nil
}

func setup(t *testing.T) (*fakeworld.Builder, world.Deps, *recordingSink) {
	t.Helper()
	l, err := layout.Default()
	require.NoError(t, err)
	b := fakeworld.New(l)
	r := memory.NewReader(b.Mem)
	res, err := typeresolver.New(r, l.Runtime, b.ModuleBase)
	require.NoError(t, err)
	sink := &recordingSink{}
	return b, world.Deps{Reader: r, Resolver: res, Layout: l, Sink: sink}, sink
}

func TestLocate_NotLoaded(t *testing.T) {
	b, deps, _ := setup(t)

	_, err := world.Locate(context.Background(), deps)
	assert.ErrorIs(t, err, memory.ErrNotFound)

	b.World("factory4_day")
	b.EndWorld()
	_, err = world.Locate(context.Background(), deps)
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestLocate(t *testing.T) {
	b, deps, _ := setup(t)
	addr := b.World("bigmap")

	w, err := world.Locate(context.Background(), deps)
	require.NoError(t, err)
	assert.Equal(t, addr, w.Addr())
	assert.Equal(t, "bigmap", w.Location())
	for _, k := range core.Kinds() {
		assert.Zero(t, w.Counts()[k], k)
	}
}

func TestLocate_UnreadableLocationIsLogged(t *testing.T) {
	b, deps, _ := setup(t)
	addr := b.World("bigmap")
	b.Mem.PutPointer(addr.Add(uint64(deps.Layout.World.Location[0])), 0)

	var buf bytes.Buffer
	deps.Log = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	w, err := world.Locate(context.Background(), deps)
	require.NoError(t, err)
	assert.Empty(t, w.Location())
	assert.Contains(t, buf.String(), "World location unreadable")
	assert.Contains(t, buf.String(), "invalid address")
}

func TestDiscoverAndFast(t *testing.T) {
	b, deps, sink := setup(t)
	b.World("woods")
	p1 := b.Entity(fakeworld.EntitySpec{Kind: "player", Name: "a", Position: mgl32.Vec3{1, 0, 0}})
	p2 := b.Entity(fakeworld.EntitySpec{Kind: "player", Name: "b", Position: mgl32.Vec3{2, 0, 0}})
	gr := b.Entity(fakeworld.EntitySpec{Kind: "explosive", Position: mgl32.Vec3{3, 0, 0}})
	b.SetCollection("player", p1.Addr, p2.Addr)
	b.SetCollection("explosive", gr.Addr)

	ctx := context.Background()
	w, err := world.Locate(ctx, deps)
	require.NoError(t, err)

	changed, err := w.Discover(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 2, w.Counts()[core.KindPlayer])
	assert.Equal(t, 1, w.Counts()[core.KindExplosive])
	assert.Len(t, sink.added, 3)

	b.Move(p1, mgl32.Vec3{10, 1, 1})
	busy, err := w.Fast(ctx)
	require.NoError(t, err)
	assert.True(t, busy)

	players := w.Snapshot(core.KindPlayer)
	require.Len(t, players, 2)
	byAddr := map[uint64]core.EntityState{}
	for _, st := range players {
		byAddr[st.Addr] = st
	}
	assert.Equal(t, core.Position3D{X: 10, Y: 1, Z: 1}, byAddr[uint64(p1.Addr)].Position)
	assert.Equal(t, core.Position3D{X: 2}, byAddr[uint64(p2.Addr)].Position)

	// A second pass with an unchanged list does nothing.
	changed, err = w.Discover(ctx)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, sink.added, 3)
}

func TestDiscover_VanishedAndDestroyed(t *testing.T) {
	b, deps, sink := setup(t)
	b.World("customs")
	p1 := b.Entity(fakeworld.EntitySpec{Kind: "player", Name: "a"})
	p2 := b.Entity(fakeworld.EntitySpec{Kind: "player", Name: "b"})
	gr := b.Entity(fakeworld.EntitySpec{Kind: "explosive"})
	b.SetCollection("player", p1.Addr, p2.Addr)
	b.SetCollection("explosive", gr.Addr)

	ctx := context.Background()
	w, err := world.Locate(ctx, deps)
	require.NoError(t, err)
	_, err = w.Discover(ctx)
	require.NoError(t, err)
	kept, ok := w.Registry(core.KindPlayer).Get(p2.Addr)
	require.True(t, ok)

	b.SetCollection("player", p2.Addr)
	b.Destroy(gr, "explosive")

	// The fast loop only marks the explosive.
	_, err = w.Fast(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, w.Counts()[core.KindExplosive])
	assert.True(t, w.Snapshot(core.KindExplosive)[0].Destroyed)

	changed, err := w.Discover(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 1, w.Counts()[core.KindPlayer])
	assert.Zero(t, w.Counts()[core.KindExplosive])

	same, ok := w.Registry(core.KindPlayer).Get(p2.Addr)
	require.True(t, ok)
	assert.Same(t, kept, same)

	require.Len(t, sink.removals, 2)
	reasons := map[uint64]string{}
	for _, r := range sink.removals {
		reasons[r.Addr] = r.Reason
	}
	assert.Equal(t, core.RemovedVanished, reasons[uint64(p1.Addr)])
	assert.Equal(t, core.RemovedDestroyed, reasons[uint64(gr.Addr)])
}

func TestDiscover_SkipsBrokenEntity(t *testing.T) {
	b, deps, sink := setup(t)
	b.World("shoreline")
	good := b.Entity(fakeworld.EntitySpec{Kind: "player", Name: "ok"})
	broken := b.Object()
	b.SetCollection("player", good.Addr, broken)

	ctx := context.Background()
	w, err := world.Locate(ctx, deps)
	require.NoError(t, err)

	_, err = w.Discover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, w.Counts()[core.KindPlayer])
	assert.Len(t, sink.added, 1)
}

func TestDiscover_OversizedCollectionIsCorrupt(t *testing.T) {
	b, deps, _ := setup(t)
	b.World("labs")
	limit := deps.Layout.World.Collections["exfil"].Max
	addrs := make([]memory.Address, limit+1)
	for i := range addrs {
		addrs[i] = b.Object()
	}
	b.SetCollection("exfil", addrs...)

	w, err := world.Locate(context.Background(), deps)
	require.NoError(t, err)
	_, err = w.Loot(context.Background())
	assert.ErrorIs(t, err, memory.ErrCorruptStructure)
}

func TestLoot(t *testing.T) {
	b, deps, _ := setup(t)
	b.World("interchange")
	item := b.Entity(fakeworld.EntitySpec{Kind: "loot", Name: "ledx", Position: mgl32.Vec3{5, 5, 5}})
	exit := b.Entity(fakeworld.EntitySpec{Kind: "exfil", Name: "EXFIL_Train", Position: mgl32.Vec3{-1, 0, 9}})
	b.SetCollection("loot", item.Addr)
	b.SetCollection("exfil", exit.Addr)

	ctx := context.Background()
	w, err := world.Locate(ctx, deps)
	require.NoError(t, err)

	busy, err := w.Loot(ctx)
	require.NoError(t, err)
	assert.True(t, busy)

	loot := w.Snapshot(core.KindLoot)
	require.Len(t, loot, 1)
	assert.Equal(t, "ledx", loot[0].Name)
	exfil := w.Snapshot(core.KindExfil)
	require.Len(t, exfil, 1)
	assert.Equal(t, core.Position3D{X: -1, Z: 9}, exfil[0].Position)

	// Players are not touched by the loot loop.
	assert.Zero(t, w.Counts()[core.KindPlayer])
}

func TestSlow_SessionEnded(t *testing.T) {
	b, deps, _ := setup(t)
	b.World("reserve")

	ctx := context.Background()
	w, err := world.Locate(ctx, deps)
	require.NoError(t, err)

	_, err = w.Slow(ctx)
	require.NoError(t, err)

	b.World("reserve")
	_, err = w.Slow(ctx)
	assert.ErrorIs(t, err, world.ErrSessionEnded)
	assert.True(t, world.IsFatal(err))

	b.EndWorld()
	_, err = w.Slow(ctx)
	assert.ErrorIs(t, err, world.ErrSessionEnded)
}

func TestSlow_TransientReadKeepsSession(t *testing.T) {
	b, deps, _ := setup(t)
	b.World("reserve")
	p := b.Entity(fakeworld.EntitySpec{Kind: "player", Name: "a", Position: mgl32.Vec3{1, 0, 1}})
	b.SetCollection("player", p.Addr)

	ctx := context.Background()
	w, err := world.Locate(ctx, deps)
	require.NoError(t, err)
	_, err = w.Discover(ctx)
	require.NoError(t, err)

	b.Mem.SetTransportError(errors.New("dma timeout"))
	_, err = w.Slow(ctx)
	require.ErrorIs(t, err, memory.ErrReadFailed)
	assert.NotErrorIs(t, err, world.ErrSessionEnded)
	assert.False(t, world.IsFatal(err))
	b.Mem.SetTransportError(nil)

	// The instance slot reads differently between the verified reads.
	slot := b.InstanceSlot()
	other := b.Object()
	var mu sync.Mutex
	seen := 0
	b.Mem.SetReadHook(func(_ int, addr memory.Address, _ int) {
		if addr != slot {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		seen++
		if seen == 2 {
			b.Mem.PutPointer(slot, other)
		}
	})
	_, err = w.Slow(ctx)
	require.ErrorIs(t, err, memory.ErrConsistencyFailed)
	assert.False(t, world.IsFatal(err))

	b.Mem.SetReadHook(nil)
	b.Mem.PutPointer(slot, w.Addr())
	_, err = w.Slow(ctx)
	require.NoError(t, err)

	// Tracked entities survive the failed ticks.
	require.Len(t, w.Snapshot(core.KindPlayer), 1)
	assert.Equal(t, uint64(p.Addr), w.Snapshot(core.KindPlayer)[0].Addr)
}

func TestSlow_RebuildsAnomalous(t *testing.T) {
	b, deps, _ := setup(t)
	b.World("lighthouse")
	p := b.Entity(fakeworld.EntitySpec{Kind: "player", Name: "a", Position: mgl32.Vec3{1, 1, 1}})
	b.SetCollection("player", p.Addr)

	ctx := context.Background()
	w, err := world.Locate(ctx, deps)
	require.NoError(t, err)
	_, err = w.Discover(ctx)
	require.NoError(t, err)

	// Corrupt the vertex data so the next refresh flags an anomaly.
	b.Move(p, mgl32.Vec3{float32(math.NaN()), 0, 0})
	_, err = w.Fast(ctx)
	require.NoError(t, err)
	require.True(t, w.Snapshot(core.KindPlayer)[0].Anomalous)

	// The object now points at a fresh, valid hierarchy.
	moved := b.Entity(fakeworld.EntitySpec{Kind: "player", Position: mgl32.Vec3{7, 0, 7}})
	k, _ := deps.Layout.Kind("player")
	b.Link(p.Addr, k.Transform, moved.Access)

	busy, err := w.Slow(ctx)
	require.NoError(t, err)
	assert.True(t, busy)
	st := w.Snapshot(core.KindPlayer)[0]
	assert.False(t, st.Anomalous)
	assert.Equal(t, core.Position3D{X: 7, Z: 7}, st.Position)
}

func TestRecord(t *testing.T) {
	b, deps, sink := setup(t)
	b.World("streets")
	p := b.Entity(fakeworld.EntitySpec{Kind: "player", Name: "a", Position: mgl32.Vec3{4, 0, 4}})
	b.SetCollection("player", p.Addr)

	ctx := context.Background()
	w, err := world.Locate(ctx, deps)
	require.NoError(t, err)
	_, err = w.Discover(ctx)
	require.NoError(t, err)

	busy, err := w.Record(ctx)
	require.NoError(t, err)
	assert.True(t, busy)
	require.Len(t, sink.states, 1)
	assert.Equal(t, uint64(p.Addr), sink.states[0].Addr)
}

func TestLoops(t *testing.T) {
	b, deps, _ := setup(t)
	b.World("sandbox")
	w, err := world.Locate(context.Background(), deps)
	require.NoError(t, err)

	loops := w.Loops(world.Schedule{Slow: 3 * time.Second})
	names := make([]string, len(loops))
	for i, l := range loops {
		names[i] = l.Name
		assert.NotNil(t, l.Work, l.Name)
	}
	assert.Equal(t, []string{"fast", "discovery", "slow", "loot", "recorder"}, names)
	assert.Equal(t, 3*time.Second, loops[2].Interval)
	assert.Equal(t, world.DefaultSchedule.Fast, loops[0].Interval)

	deps.Sink = nil
	w, err = world.Locate(context.Background(), deps)
	require.NoError(t, err)
	assert.Len(t, w.Loops(world.Schedule{}), 4)
}
