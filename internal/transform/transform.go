package transform

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/memsync/memsync/internal/layout"
	"github.com/memsync/memsync/internal/memory"
	"github.com/memsync/memsync/internal/scatter"
)

// Transform is one node of a hierarchy. The parent indices are read once
// at construction; vertex values are re-read on every resolution.
type Transform struct {
	r        *memory.Reader
	maxDepth int

	access   memory.Address
	index    int
	vertices memory.Address
	parents  []int32

	last atomic.Pointer[mgl32.Vec3]
}

// New reads the access record at addr and caches the hierarchy topology.
func New(ctx context.Context, r *memory.Reader, addr memory.Address, lay layout.Transform) (*Transform, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	size := int(max(lay.AccessIndex+4, lay.AccessHierarchy+8))
	rec, err := r.ReadRecord(addr, size, false)
	if err != nil {
		return nil, fmt.Errorf("transform access %s: %w", addr, err)
	}
	index, err := rec.Int32(lay.AccessIndex)
	if err != nil {
		return nil, err
	}
	if index < 0 || int(index) > lay.MaxIndex {
		return nil, fmt.Errorf("%w: transform index %d at %s", memory.ErrCorruptStructure, index, addr)
	}
	hier, err := rec.Pointer(lay.AccessHierarchy)
	if err != nil {
		return nil, fmt.Errorf("transform hierarchy: %w", err)
	}

	hsize := int(max(lay.Vertices, lay.Parents) + 8)
	hrec, err := r.ReadRecord(hier, hsize, false)
	if err != nil {
		return nil, fmt.Errorf("transform hierarchy %s: %w", hier, err)
	}
	vertices, err := hrec.Pointer(lay.Vertices)
	if err != nil {
		return nil, fmt.Errorf("transform vertices: %w", err)
	}
	parentsAddr, err := hrec.Pointer(lay.Parents)
	if err != nil {
		return nil, fmt.Errorf("transform parents: %w", err)
	}
	parents, err := memory.ReadArray[int32](r, parentsAddr, int(index)+1, false)
	if err != nil {
		return nil, fmt.Errorf("transform parents: %w", err)
	}

	maxDepth := lay.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Transform{
		r:        r,
		maxDepth: maxDepth,
		access:   addr,
		index:    int(index),
		vertices: vertices,
		parents:  parents,
	}, nil
}

// Access returns the address of the access record.
func (t *Transform) Access() memory.Address {
	return t.access
}

// Index returns the node index inside the hierarchy.
func (t *Transform) Index() int {
	return t.index
}

func (t *Transform) readVertices() ([]Vertex, error) {
	buf, err := t.r.ReadBytes(t.vertices, (t.index+1)*VertexSize, false)
	if err != nil {
		return nil, err
	}
	out := make([]Vertex, t.index+1)
	return out, DecodeVertices(buf, out)
}

// Apply resolves the world position from freshly read vertices. On
// failure the last known position is kept.
func (t *Transform) Apply(vertices []Vertex) (mgl32.Vec3, error) {
	p, err := ComposePosition(vertices, t.parents, t.index, t.maxDepth)
	if err != nil {
		return t.Position(), err
	}
	t.last.Store(&p)
	return p, nil
}

// Position returns the last successfully resolved world position.
func (t *Transform) Position() mgl32.Vec3 {
	if p := t.last.Load(); p != nil {
		return *p
	}
	return mgl32.Vec3{}
}

// HasPosition reports whether a position was ever resolved.
func (t *Transform) HasPosition() bool {
	return t.last.Load() != nil
}

// WorldPosition re-reads the vertex array and resolves the world position.
func (t *Transform) WorldPosition() (mgl32.Vec3, error) {
	v, err := t.readVertices()
	if err != nil {
		return t.Position(), err
	}
	return t.Apply(v)
}

// WorldRotation re-reads the vertex array and resolves the world rotation.
func (t *Transform) WorldRotation() (mgl32.Quat, error) {
	v, err := t.readVertices()
	if err != nil {
		return mgl32.Quat{}, err
	}
	return ComposeRotation(v, t.parents, t.index, t.maxDepth)
}

// TransformPoint maps p from this node's local space to world space.
func (t *Transform) TransformPoint(p mgl32.Vec3) (mgl32.Vec3, error) {
	v, err := t.readVertices()
	if err != nil {
		return mgl32.Vec3{}, err
	}
	return ComposePoint(v, t.parents, t.index, p, t.maxDepth)
}

// InverseTransformPoint maps a world-space point into this node's local
// space.
func (t *Transform) InverseTransformPoint(p mgl32.Vec3) (mgl32.Vec3, error) {
	v, err := t.readVertices()
	if err != nil {
		return mgl32.Vec3{}, err
	}
	return InversePoint(v, t.parents, t.index, p, t.maxDepth)
}

// VerticesRequest returns a scatter request that re-reads the vertex array
// and applies it. done runs with the outcome; it is not called when the
// read itself fails.
func (t *Transform) VerticesRequest(done func(mgl32.Vec3, error)) scatter.Request {
	return scatter.Request{
		Addr: t.vertices,
		Size: (t.index + 1) * VertexSize,
		Then: func(data []byte) []scatter.Request {
			v := make([]Vertex, t.index+1)
			if err := DecodeVertices(data, v); err != nil {
				done(t.Position(), err)
				return nil
			}
			p, err := t.Apply(v)
			done(p, err)
			return nil
		},
	}
}
