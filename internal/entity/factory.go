package entity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/memsync/memsync/internal/layout"
	"github.com/memsync/memsync/internal/memory"
	"github.com/memsync/memsync/internal/transform"
	"github.com/memsync/memsync/pkg/core"
)

// MaxNameLength caps entity names read from runtime strings.
const MaxNameLength = 64

// Factory constructs entities from the layout's kind descriptors.
type Factory struct {
	r   *memory.Reader
	lay *layout.Layout
	now func() time.Time
}

// NewFactory creates a factory reading through r.
func NewFactory(r *memory.Reader, lay *layout.Layout) *Factory {
	return &Factory{r: r, lay: lay, now: time.Now}
}

// WithClock replaces the time source used for state timestamps.
func (f *Factory) WithClock(now func() time.Time) *Factory {
	f.now = now
	return f
}

// New reads the static info and transform of the entity at addr and
// resolves its initial position. A position that fails validation leaves
// the entity anomalous rather than failing construction.
func (f *Factory) New(ctx context.Context, kind core.Kind, addr memory.Address) (*Entity, error) {
	k, ok := f.lay.Kind(string(kind))
	if !ok {
		return nil, fmt.Errorf("no layout for entity kind %q", kind)
	}
	e := &Entity{
		addr:      addr,
		kind:      kind,
		lay:       k,
		firstSeen: f.now(),
		now:       f.now,
	}

	if len(k.Name) > 0 {
		name, err := f.readName(addr, k.Name)
		if err != nil {
			return nil, fmt.Errorf("%s %s name: %w", kind, addr, err)
		}
		e.name = name
	}
	if k.Side != nil {
		side, err := memory.ReadValue[int32](f.r, addr.Add(uint64(*k.Side)), false)
		if err != nil {
			return nil, fmt.Errorf("%s %s side: %w", kind, addr, err)
		}
		e.side = side
	}

	tr, err := f.transform(ctx, addr, k)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", kind, addr, err)
	}
	e.transform.Store(tr)

	state := &core.EntityState{
		Addr: uint64(addr),
		Kind: kind,
		Name: e.name,
		Side: e.side,
		Time: e.firstSeen,
	}
	p, err := tr.WorldPosition()
	switch {
	case err == nil:
		state.Position = toPosition(p)
		state.HasPos = true
	case errors.Is(err, transform.ErrInvalidResult), errors.Is(err, memory.ErrCorruptStructure):
		state.Anomalous = true
	default:
		return nil, fmt.Errorf("%s %s position: %w", kind, addr, err)
	}
	if k.Destroyed != nil {
		v, err := memory.ReadValue[uint8](f.r, addr.Add(uint64(*k.Destroyed)), false)
		if err != nil {
			return nil, fmt.Errorf("%s %s destroyed flag: %w", kind, addr, err)
		}
		state.Destroyed = v != 0
	}
	e.state.Store(state)
	return e, nil
}

func (f *Factory) readName(addr memory.Address, path []uint32) (string, error) {
	obj, err := f.r.ReadPointerChain(addr, path...)
	if errors.Is(err, memory.ErrInvalidAddress) {
		// Unnamed.
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return f.r.ReadManagedString(obj, MaxNameLength, f.lay.Strings)
}

func (f *Factory) transform(ctx context.Context, addr memory.Address, k layout.Kind) (*transform.Transform, error) {
	access, err := f.r.ReadPointerChain(addr, k.Transform...)
	if err != nil {
		return nil, fmt.Errorf("transform path: %w", err)
	}
	return transform.New(ctx, f.r, access, f.lay.Transform)
}

// Rebuild re-derives e's transform from scratch and resolves its position.
// On success the anomaly is cleared.
func (f *Factory) Rebuild(ctx context.Context, e *Entity) error {
	tr, err := f.transform(ctx, e.addr, e.lay)
	if err != nil {
		return err
	}
	p, err := tr.WorldPosition()
	if err != nil {
		return err
	}
	e.transform.Store(tr)
	e.applyPosition(p, nil)
	return nil
}
