package geo

import (
	"testing"

	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memsync/memsync/pkg/core"
)

func TestPointZ_RoundTrip(t *testing.T) {
	p := core.Position3D{X: 100.5, Y: 12.25, Z: -200}
	pt := PointZ(p)

	c, ok := pt.Coordinates()
	require.True(t, ok)
	assert.Equal(t, 100.5, c.X)
	assert.Equal(t, -200.0, c.Y)
	assert.Equal(t, 12.25, c.Z)
	assert.Equal(t, geom.DimXYZ, pt.CoordinatesType())

	back, err := Position3D(pt)
	require.NoError(t, err)
	assert.Equal(t, p, back)
}

func TestPosition3D_Empty(t *testing.T) {
	_, err := Position3D(geom.NewEmptyPoint(geom.DimXYZ))
	assert.ErrorIs(t, err, ErrInvalidCoordinates)
}

func TestTrack(t *testing.T) {
	ls, err := Track([]core.Position3D{
		{X: 0, Y: 0, Z: 0},
		{X: 0, Y: 0, Z: 0},
		{X: 3, Y: 1, Z: 4},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, ls.Coordinates().Length())
}

func TestTrack_TooFewPoints(t *testing.T) {
	_, err := Track([]core.Position3D{{X: 1}, {X: 1}})
	assert.Error(t, err)
	_, err = Track(nil)
	assert.Error(t, err)
}

func TestDistance(t *testing.T) {
	d := Distance([]core.Position3D{
		{X: 0, Z: 0},
		{X: 3, Z: 4},
		{X: 3, Y: 10, Z: 4},
		{X: 3, Z: 10},
	})
	// Height changes do not count.
	assert.InDelta(t, 11.0, d, 1e-9)
	assert.Zero(t, Distance([]core.Position3D{{X: 1}}))
}
