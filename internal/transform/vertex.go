// Package transform resolves world-space positions from the engine's
// parent-indexed transform hierarchies.
package transform

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/memsync/memsync/internal/memory"
)

// VertexSize is the size of one hierarchy node: translation, rotation and
// scale, each padded to 16 bytes.
const VertexSize = 48

// minNormal is the smallest positive normal float32.
const minNormal = 0x1p-126

// Vertex is one node's local translation, rotation and scale.
type Vertex struct {
	Translation mgl32.Vec3
	Rotation    mgl32.Quat
	Scale       mgl32.Vec3
}

// DecodeVertices decodes len(dst) vertices from buf.
func DecodeVertices(buf []byte, dst []Vertex) error {
	if len(buf) < len(dst)*VertexSize {
		return fmt.Errorf("%w: %d bytes for %d vertices", memory.ErrCorruptStructure, len(buf), len(dst))
	}
	f := func(i int) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	for n := range dst {
		b := n * 12
		dst[n] = Vertex{
			Translation: mgl32.Vec3{f(b), f(b + 1), f(b + 2)},
			Rotation:    mgl32.Quat{W: f(b + 7), V: mgl32.Vec3{f(b + 4), f(b + 5), f(b + 6)}},
			Scale:       mgl32.Vec3{f(b + 8), f(b + 9), f(b + 10)},
		}
	}
	return nil
}

// ValidFloat reports whether f is zero or a normal float.
func ValidFloat(f float32) bool {
	if f == 0 {
		return true
	}
	a := math.Abs(float64(f))
	return !math.IsNaN(a) && !math.IsInf(a, 0) && a >= minNormal
}

// ValidVec3 reports whether every component of v passes ValidFloat.
func ValidVec3(v mgl32.Vec3) bool {
	return ValidFloat(v[0]) && ValidFloat(v[1]) && ValidFloat(v[2])
}

// ValidQuat reports whether every component of q passes ValidFloat.
func ValidQuat(q mgl32.Quat) bool {
	return ValidFloat(q.W) && ValidVec3(q.V)
}
