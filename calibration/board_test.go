package calibration

import (
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sphaeroptica.be/calibrate/photogrammetry"
)

func TestCheckerboard(t *testing.T) {
	b := Checkerboard{Rows: 3, Cols: 4, SquareSize: 25}
	require.NoError(t, b.Validate())

	pts := b.ObjectPoints()
	require.Len(t, pts, 12)
	assert.Equal(t, r3.Vector{}, pts[0])
	assert.Equal(t, r3.Vector{X: 75, Y: 50}, pts[11])
	assert.Equal(t, b.BoardPoint(1, 2), pts[1*4+2])

	assert.True(t, b.Contains(2, 3))
	assert.False(t, b.Contains(3, 0))
	assert.False(t, b.Contains(0, -1))

	for _, bad := range []Checkerboard{
		{Rows: 1, Cols: 4, SquareSize: 25},
		{Rows: 3, Cols: 4},
		{Rows: 3, Cols: 4, SquareSize: math.Inf(1)},
	} {
		assert.ErrorIs(t, bad.Validate(), photogrammetry.ErrInvalidParameter, "%+v", bad)
	}
}

func grid(rows, cols int) []Observation {
	var obs []Observation
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			obs = append(obs, Observation{Pixel: r2.Point{X: float64(10 + 20*c), Y: float64(10 + 20*r)}, Row: r, Col: c, Valid: true})
		}
	}
	return obs
}

func TestAddView(t *testing.T) {
	set, err := NewCorrespondenceSet(Checkerboard{Rows: 3, Cols: 4, SquareSize: 10}, photogrammetry.ImageSize{})
	require.NoError(t, err)

	obs := grid(3, 4)
	obs[0].Valid = false
	obs[1].Pixel.X = math.NaN()
	require.NoError(t, set.AddView("a", obs))
	require.Len(t, set.Views, 1)
	assert.Len(t, set.Views[0].Correspondences, 10)
	assert.Equal(t, 10, set.NumPoints())
	c := set.Views[0].Correspondences[0]
	assert.Equal(t, r3.Vector{X: 20}, c.Board)
	assert.Equal(t, 0, c.Row)
	assert.Equal(t, 2, c.Col)
	require.NoError(t, set.Validate())

	// too few points leaves the set untouched
	err = set.AddView("b", grid(1, 3))
	assert.ErrorIs(t, err, photogrammetry.ErrInsufficientPoints)
	assert.ErrorIs(t, err, photogrammetry.ErrInsufficientData)
	assert.Len(t, set.Views, 1)

	outside := grid(3, 4)
	outside[5].Col = 9
	assert.ErrorIs(t, set.AddView("c", outside), photogrammetry.ErrInvalidParameter)

	dup := grid(3, 4)
	dup[5].Row, dup[5].Col = 0, 0
	assert.ErrorIs(t, set.AddView("d", dup), photogrammetry.ErrInvalidParameter)
	assert.Len(t, set.Views, 1)

	size := set.imageSize()
	assert.Equal(t, photogrammetry.ImageSize{Width: 71, Height: 51}, size)
}

func TestNewCorrespondenceSetRejectsBadBoard(t *testing.T) {
	_, err := NewCorrespondenceSet(Checkerboard{Rows: 0, Cols: 4, SquareSize: 10}, photogrammetry.ImageSize{})
	assert.ErrorIs(t, err, photogrammetry.ErrInvalidParameter)
}
