// Package world tracks the entities of one located game world and runs
// the loops that keep them fresh.
package world

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/memsync/memsync/internal/entity"
	"github.com/memsync/memsync/internal/layout"
	"github.com/memsync/memsync/internal/memory"
	"github.com/memsync/memsync/internal/registry"
	"github.com/memsync/memsync/internal/scatter"
	"github.com/memsync/memsync/internal/typeresolver"
	"github.com/memsync/memsync/pkg/core"
)

// ErrSessionEnded is returned once the world singleton no longer points at
// the tracked instance.
var ErrSessionEnded = errors.New("world session ended")

// maxLocationLength caps the location id string.
const maxLocationLength = 64

// Sink receives entity lifecycle records. storage.Backend satisfies it.
type Sink interface {
	AddEntity(core.Entity) error
	RecordEntityState(core.EntityState) error
	RemoveEntity(core.EntityRemoval) error
}

// Deps holds everything a World reads through.
type Deps struct {
	Reader   *memory.Reader
	Resolver *typeresolver.Resolver
	Layout   *layout.Layout
	Factory  *entity.Factory
	Metrics  *scatter.Metrics
	Sink     Sink
	Log      *slog.Logger
}

// World is one located world instance with a registry per entity kind.
type World struct {
	deps      Deps
	singleton typeresolver.Singleton
	addr      memory.Address
	location  string
	entities  map[core.Kind]*registry.Registry[*entity.Entity]
}

// Locate resolves the world singleton and reads its current instance.
// A world that is not loaded yet is reported as memory.ErrNotFound.
func Locate(ctx context.Context, deps Deps) (*World, error) {
	name := deps.Layout.World.Singleton
	found, err := deps.Resolver.FindSingletons(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("locate world: %w", err)
	}
	sg := found[name]
	if !sg.Found {
		return nil, fmt.Errorf("world singleton %q: %w", name, memory.ErrNotFound)
	}
	addr, err := deps.Resolver.Instance(ctx, sg)
	if errors.Is(err, memory.ErrInvalidAddress) {
		// The singleton exists but no world is loaded.
		return nil, fmt.Errorf("world instance: %w", memory.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if deps.Factory == nil {
		deps.Factory = entity.NewFactory(deps.Reader, deps.Layout)
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	w := &World{
		deps:      deps,
		singleton: sg,
		addr:      addr,
		entities:  make(map[core.Kind]*registry.Registry[*entity.Entity]),
	}
	for _, k := range core.Kinds() {
		w.entities[k] = registry.New[*entity.Entity]()
	}
	if path := deps.Layout.World.Location; len(path) > 0 {
		loc, err := w.readLocation(path)
		if err != nil {
			deps.Log.Debug("World location unreadable", "addr", addr, "error", err)
		}
		w.location = loc
	}
	deps.Log.Info("World located", "addr", addr, "location", w.location)
	return w, nil
}

func (w *World) readLocation(path []uint32) (string, error) {
	obj, err := w.deps.Reader.ReadPointerChain(w.addr, path...)
	if err != nil {
		return "", fmt.Errorf("location path: %w", err)
	}
	return w.deps.Reader.ReadManagedString(obj, maxLocationLength, w.deps.Layout.Strings)
}

// Addr returns the world instance address.
func (w *World) Addr() memory.Address {
	return w.addr
}

// Location returns the location id read when the world was located.
func (w *World) Location() string {
	return w.location
}

// Registry returns the registry for kind.
func (w *World) Registry(kind core.Kind) *registry.Registry[*entity.Entity] {
	return w.entities[kind]
}

// Snapshot returns point-in-time views of every entity of kind, ordered by
// address.
func (w *World) Snapshot(kind core.Kind) []core.EntityState {
	reg, ok := w.entities[kind]
	if !ok {
		return nil
	}
	ents := reg.Snapshot()
	out := make([]core.EntityState, len(ents))
	for i, e := range ents {
		out[i] = e.State()
	}
	return out
}

// Counts returns the number of tracked entities per kind.
func (w *World) Counts() map[core.Kind]int {
	out := make(map[core.Kind]int, len(w.entities))
	for k, reg := range w.entities {
		out[k] = reg.Len()
	}
	return out
}

func (w *World) batch() *scatter.Batch {
	return scatter.New(w.deps.Reader, scatter.WithMetrics(w.deps.Metrics))
}
