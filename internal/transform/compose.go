package transform

import (
	"errors"
	"fmt"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/memsync/memsync/internal/memory"
)

// DefaultMaxDepth bounds hierarchy walks when the layout sets no limit.
const DefaultMaxDepth = 512

var (
	// ErrHierarchyTooDeep is returned when a parent walk exceeds the depth
	// cap, which in practice means the index chain is cyclic.
	ErrHierarchyTooDeep = fmt.Errorf("%w: transform hierarchy too deep", memory.ErrCorruptStructure)

	// ErrInvalidResult is returned when a composed value is NaN, infinite
	// or subnormal. The previous position is kept.
	ErrInvalidResult = errors.New("transform result is not a normal float")
)

// chain returns the node indices from index up to the root.
func chain(vertices []Vertex, parents []int32, index, maxDepth int) ([]int, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	out := make([]int, 0, 8)
	for i := index; i >= 0; i = int(parents[i]) {
		if len(out) >= maxDepth {
			return nil, ErrHierarchyTooDeep
		}
		if i >= len(vertices) || i >= len(parents) {
			return nil, fmt.Errorf("%w: parent index %d outside %d nodes", memory.ErrCorruptStructure, i, len(vertices))
		}
		out = append(out, i)
	}
	return out, nil
}

// apply rotates, scales and translates p by one node.
func apply(v Vertex, p mgl32.Vec3) mgl32.Vec3 {
	p = v.Rotation.Rotate(p)
	p = mgl32.Vec3{p[0] * v.Scale[0], p[1] * v.Scale[1], p[2] * v.Scale[2]}
	return p.Add(v.Translation)
}

// ComposePoint maps a point in node index's local space to world space.
func ComposePoint(vertices []Vertex, parents []int32, index int, p mgl32.Vec3, maxDepth int) (mgl32.Vec3, error) {
	nodes, err := chain(vertices, parents, index, maxDepth)
	if err != nil {
		return mgl32.Vec3{}, err
	}
	for _, i := range nodes {
		p = apply(vertices[i], p)
	}
	if !ValidVec3(p) {
		return mgl32.Vec3{}, ErrInvalidResult
	}
	return p, nil
}

// ComposePosition returns node index's world position.
func ComposePosition(vertices []Vertex, parents []int32, index, maxDepth int) (mgl32.Vec3, error) {
	return ComposePoint(vertices, parents, index, mgl32.Vec3{}, maxDepth)
}

// ComposeRotation returns node index's world rotation.
func ComposeRotation(vertices []Vertex, parents []int32, index, maxDepth int) (mgl32.Quat, error) {
	nodes, err := chain(vertices, parents, index, maxDepth)
	if err != nil {
		return mgl32.Quat{}, err
	}
	rot := mgl32.QuatIdent()
	for _, i := range nodes {
		rot = vertices[i].Rotation.Mul(rot)
	}
	if !ValidQuat(rot) {
		return mgl32.Quat{}, ErrInvalidResult
	}
	return rot, nil
}

// InversePoint maps a world-space point into node index's local space.
func InversePoint(vertices []Vertex, parents []int32, index int, p mgl32.Vec3, maxDepth int) (mgl32.Vec3, error) {
	nodes, err := chain(vertices, parents, index, maxDepth)
	if err != nil {
		return mgl32.Vec3{}, err
	}
	for n := len(nodes) - 1; n >= 0; n-- {
		v := vertices[nodes[n]]
		p = p.Sub(v.Translation)
		for k := range 3 {
			if v.Scale[k] == 0 {
				return mgl32.Vec3{}, ErrInvalidResult
			}
			p[k] /= v.Scale[k]
		}
		p = v.Rotation.Inverse().Rotate(p)
	}
	if !ValidVec3(p) {
		return mgl32.Vec3{}, ErrInvalidResult
	}
	return p, nil
}
