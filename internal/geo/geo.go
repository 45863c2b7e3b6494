package geo

import (
	"errors"
	"fmt"

	geom "github.com/peterstace/simplefeatures/geom"

	"github.com/memsync/memsync/pkg/core"
)

// World positions are Y-up. Stored geometry uses the ground plane as XY
// and height as Z, so spatial indexes work on the map plane.

// ErrInvalidCoordinates is returned when a geometry holds no usable point.
var ErrInvalidCoordinates = errors.New("invalid coordinates provided")

// PointZ converts a world position to a 3D point.
func PointZ(p core.Position3D) geom.Point {
	return geom.NewPoint(geom.Coordinates{
		XY:   geom.XY{X: p.X, Y: p.Z},
		Z:    p.Y,
		Type: geom.DimXYZ,
	})
}

// Position3D converts a point written by PointZ back to a world position.
func Position3D(pt geom.Point) (core.Position3D, error) {
	c, ok := pt.Coordinates()
	if !ok {
		return core.Position3D{}, ErrInvalidCoordinates
	}
	return core.Position3D{X: c.X, Y: c.Z, Z: c.Y}, nil
}

// Track builds a 3D line string through positions, skipping consecutive
// duplicates.
func Track(positions []core.Position3D) (geom.LineString, error) {
	flat := make([]float64, 0, len(positions)*3)
	var last core.Position3D
	for i, p := range positions {
		if i > 0 && p == last {
			continue
		}
		flat = append(flat, p.X, p.Z, p.Y)
		last = p
	}
	if len(flat) < 6 {
		return geom.LineString{}, fmt.Errorf("track needs at least 2 distinct points, got %d", len(flat)/3)
	}
	return geom.NewLineString(geom.NewSequence(flat, geom.DimXYZ)), nil
}

// Distance is the ground-plane length of the path through positions.
func Distance(positions []core.Position3D) float64 {
	ls, err := Track(positions)
	if err != nil {
		return 0
	}
	return ls.Length()
}
