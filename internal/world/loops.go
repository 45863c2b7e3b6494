package world

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/memsync/memsync/internal/entity"
	"github.com/memsync/memsync/internal/memory"
	"github.com/memsync/memsync/internal/registry"
	"github.com/memsync/memsync/internal/scheduler"
	"github.com/memsync/memsync/pkg/core"
)

// Schedule sets the cadence of each loop.
type Schedule struct {
	Fast      time.Duration
	FastMin   time.Duration
	Slow      time.Duration
	Discovery time.Duration
	Loot      time.Duration
	Recorder  time.Duration
}

// DefaultSchedule is used for zero fields of a Schedule.
var DefaultSchedule = Schedule{
	Fast:      16 * time.Millisecond,
	FastMin:   4 * time.Millisecond,
	Slow:      time.Second,
	Discovery: 500 * time.Millisecond,
	Loot:      5 * time.Second,
	Recorder:  time.Second,
}

func orDefault(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// fastKinds are refreshed every fast tick; the rest on the loot cadence.
var (
	fastKinds = []core.Kind{core.KindPlayer, core.KindExplosive}
	slowKinds = []core.Kind{core.KindLoot, core.KindExfil}
)

// Loops returns the world's refresh loops. The recorder loop is included
// only when a sink is configured.
func (w *World) Loops(s Schedule) []scheduler.Loop {
	loops := []scheduler.Loop{
		{
			Name:        "fast",
			Interval:    orDefault(s.Fast, DefaultSchedule.Fast),
			MinInterval: orDefault(s.FastMin, DefaultSchedule.FastMin),
			Priority:    100,
			Dedicated:   true,
			Work:        w.Fast,
		},
		{
			Name:      "discovery",
			Interval:  orDefault(s.Discovery, DefaultSchedule.Discovery),
			Priority:  50,
			Dedicated: true,
			Work:      w.Discover,
		},
		{
			Name:     "slow",
			Interval: orDefault(s.Slow, DefaultSchedule.Slow),
			Priority: 20,
			Work:     w.Slow,
		},
		{
			Name:     "loot",
			Interval: orDefault(s.Loot, DefaultSchedule.Loot),
			Priority: 10,
			Work:     w.Loot,
		},
	}
	if w.deps.Sink != nil {
		loops = append(loops, scheduler.Loop{
			Name:     "recorder",
			Interval: orDefault(s.Recorder, DefaultSchedule.Recorder),
			Priority: 0,
			Work:     w.Record,
		})
	}
	return loops
}

// IsFatal marks errors that end the tracked session.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSessionEnded) || memory.IsFatal(err)
}

// refresh re-reads positions and flags of every entity of kinds in one
// scatter batch.
func (w *World) refresh(ctx context.Context, kinds []core.Kind) (int, error) {
	b := w.batch()
	n := 0
	for _, k := range kinds {
		for _, e := range w.entities[k].Snapshot() {
			if e.Destroyed() {
				continue
			}
			b.Round(0).Add(e.RefreshRequests()...)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	if err := b.Execute(ctx); err != nil {
		return 0, fmt.Errorf("refresh %v: %w", kinds, err)
	}
	return n, nil
}

// Fast refreshes players and explosives.
func (w *World) Fast(ctx context.Context) (bool, error) {
	n, err := w.refresh(ctx, fastKinds)
	return n > 0, err
}

// Slow checks that the world instance is still current and rebuilds the
// transforms of anomalous entities. The session ends only when the instance
// pointer is null, invalid, or moved; a failed or torn read is returned as a
// plain error and retried on the next tick.
func (w *World) Slow(ctx context.Context) (bool, error) {
	addr, err := w.deps.Resolver.Instance(ctx, w.singleton)
	switch {
	case err != nil && memory.IsFatal(err):
		return false, err
	case errors.Is(err, memory.ErrInvalidAddress):
		return false, fmt.Errorf("%w: %w", ErrSessionEnded, err)
	case err != nil:
		return false, fmt.Errorf("world instance: %w", err)
	case addr != w.addr:
		return false, fmt.Errorf("%w: instance moved from %s to %s", ErrSessionEnded, w.addr, addr)
	}

	rebuilt := 0
	for _, reg := range w.entities {
		for _, e := range reg.Snapshot() {
			if !e.Anomalous() || e.Destroyed() {
				continue
			}
			if err := ctx.Err(); err != nil {
				return rebuilt > 0, err
			}
			if err := w.deps.Factory.Rebuild(ctx, e); err != nil {
				w.deps.Log.Debug("Transform rebuild failed", "kind", e.Kind(), "addr", e.Addr(), "error", err)
				continue
			}
			rebuilt++
		}
	}
	return rebuilt > 0, nil
}

// Discover reconciles players and explosives against the remote lists.
func (w *World) Discover(ctx context.Context) (bool, error) {
	return w.discover(ctx, fastKinds)
}

// Loot reconciles and refreshes loot and extraction points.
func (w *World) Loot(ctx context.Context) (bool, error) {
	changed, err := w.discover(ctx, slowKinds)
	if err != nil {
		return changed, err
	}
	n, err := w.refresh(ctx, slowKinds)
	return changed || n > 0, err
}

func (w *World) discover(ctx context.Context, kinds []core.Kind) (bool, error) {
	changed := false
	for _, k := range kinds {
		c, err := w.discoverKind(ctx, k)
		if err != nil {
			return changed, err
		}
		changed = changed || c
	}
	return changed, nil
}

func (w *World) readCollection(kind core.Kind) ([]memory.Address, error) {
	col, ok := w.deps.Layout.World.Collections[string(kind)]
	if !ok {
		return nil, nil
	}
	list, err := w.deps.Reader.ReadPointerChain(w.addr, col.Path...)
	if err != nil {
		return nil, fmt.Errorf("%s collection: %w", kind, err)
	}
	addrs, err := w.deps.Reader.ReadList(list, w.deps.Layout.Lists, col.Max)
	if err != nil {
		return nil, fmt.Errorf("%s collection: %w", kind, err)
	}
	return addrs, nil
}

func (w *World) discoverKind(ctx context.Context, kind core.Kind) (bool, error) {
	addrs, err := w.readCollection(kind)
	if err != nil {
		return false, err
	}
	reg := w.entities[kind]
	now := time.Now()

	res, err := reg.Reconcile(ctx, addrs, func(ctx context.Context, a memory.Address) (*entity.Entity, error) {
		return w.deps.Factory.New(ctx, kind, a)
	})
	for _, a := range res.Removed {
		w.emitRemoval(core.EntityRemoval{Addr: uint64(a), Kind: kind, Reason: core.RemovedVanished, Time: now})
	}
	for _, a := range res.Added {
		if e, ok := reg.Get(a); ok {
			w.emitAdd(e)
		}
	}
	if len(res.Failed) > 0 {
		w.deps.Log.Debug("Entities skipped this cycle", "kind", kind, "count", len(res.Failed))
	}
	if err != nil {
		return res.Changed(), err
	}

	destroyed := reg.RemoveIf((*entity.Entity).Destroyed)
	for _, e := range destroyed {
		w.emitRemoval(core.EntityRemoval{Addr: uint64(e.Addr()), Kind: kind, Reason: core.RemovedDestroyed, Time: now})
	}
	if res.Changed() || len(destroyed) > 0 {
		w.deps.Log.Debug("Discovery",
			"kind", kind,
			"added", len(res.Added),
			"removed", len(res.Removed),
			"destroyed", len(destroyed),
			"total", reg.Len())
	}
	return res.Changed() || len(destroyed) > 0, nil
}

func (w *World) emitAdd(e *entity.Entity) {
	if w.deps.Sink == nil {
		return
	}
	if err := w.deps.Sink.AddEntity(e.Info()); err != nil {
		w.deps.Log.Warn("Failed to record entity", "addr", e.Addr(), "error", err)
	}
}

func (w *World) emitRemoval(r core.EntityRemoval) {
	if w.deps.Sink == nil {
		return
	}
	if err := w.deps.Sink.RemoveEntity(r); err != nil {
		w.deps.Log.Warn("Failed to record entity removal", "addr", memory.Address(r.Addr), "error", err)
	}
}

// Record pushes the current view of every positioned entity to the sink.
func (w *World) Record(ctx context.Context) (bool, error) {
	if w.deps.Sink == nil {
		return false, nil
	}
	n := 0
	for _, k := range core.Kinds() {
		if err := ctx.Err(); err != nil {
			return n > 0, err
		}
		for _, st := range w.Snapshot(k) {
			if !st.HasPos {
				continue
			}
			if err := w.deps.Sink.RecordEntityState(st); err != nil {
				return n > 0, fmt.Errorf("record state: %w", err)
			}
			n++
		}
	}
	return n > 0, nil
}

var _ registry.Keyed = (*entity.Entity)(nil)
