// Package entity models tracked remote objects and their refresh reads.
package entity

import (
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/memsync/memsync/internal/layout"
	"github.com/memsync/memsync/internal/memory"
	"github.com/memsync/memsync/internal/scatter"
	"github.com/memsync/memsync/internal/transform"
	"github.com/memsync/memsync/pkg/core"
)

// Entity is one tracked remote object. Its address and static info never
// change; its state is replaced as a whole on every refresh.
type Entity struct {
	addr      memory.Address
	kind      core.Kind
	lay       layout.Kind
	name      string
	side      int32
	firstSeen time.Time
	now       func() time.Time

	transform atomic.Pointer[transform.Transform]
	state     atomic.Pointer[core.EntityState]
}

// Addr returns the entity's remote address.
func (e *Entity) Addr() memory.Address {
	return e.addr
}

// Kind returns the entity kind.
func (e *Entity) Kind() core.Kind {
	return e.kind
}

// Name returns the name read at construction.
func (e *Entity) Name() string {
	return e.name
}

// Info returns the static description recorded at discovery.
func (e *Entity) Info() core.Entity {
	return core.Entity{
		Addr:      uint64(e.addr),
		Kind:      e.kind,
		Name:      e.name,
		Side:      e.side,
		FirstSeen: e.firstSeen,
	}
}

// State returns the current view.
func (e *Entity) State() core.EntityState {
	return *e.state.Load()
}

// Destroyed reports whether the destroyed flag was observed.
func (e *Entity) Destroyed() bool {
	return e.state.Load().Destroyed
}

// Anomalous reports whether the last position refresh failed and the
// transform should be rebuilt.
func (e *Entity) Anomalous() bool {
	return e.state.Load().Anomalous
}

// Transform returns the current transform.
func (e *Entity) Transform() *transform.Transform {
	return e.transform.Load()
}

// update replaces the state with a modified copy.
func (e *Entity) update(fn func(*core.EntityState)) {
	for {
		old := e.state.Load()
		next := *old
		fn(&next)
		next.Time = e.now()
		if e.state.CompareAndSwap(old, &next) {
			return
		}
	}
}

func toPosition(v mgl32.Vec3) core.Position3D {
	return core.Position3D{X: float64(v[0]), Y: float64(v[1]), Z: float64(v[2])}
}

func (e *Entity) applyPosition(p mgl32.Vec3, err error) {
	e.update(func(s *core.EntityState) {
		if err != nil {
			s.Anomalous = true
			return
		}
		s.Position = toPosition(p)
		s.HasPos = true
		s.Anomalous = false
	})
}

func (e *Entity) setDestroyed(v uint8) {
	if v == 0 {
		return
	}
	e.update(func(s *core.EntityState) {
		s.Destroyed = true
	})
}

// RefreshRequests returns the cheap per-tick reads: the live vertex array
// and, when the kind has one, the destroyed flag.
func (e *Entity) RefreshRequests() []scatter.Request {
	reqs := []scatter.Request{e.Transform().VerticesRequest(e.applyPosition)}
	if e.lay.Destroyed != nil {
		reqs = append(reqs, scatter.Value(e.addr.Add(uint64(*e.lay.Destroyed)), false, scatter.Done(e.setDestroyed)))
	}
	return reqs
}
