package calibration

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/require"

	"sphaeroptica.be/calibrate/photogrammetry"
)

var (
	sceneBoard = Checkerboard{Rows: 5, Cols: 7, SquareSize: 30}
	sceneSize  = photogrammetry.ImageSize{Width: 640, Height: 480}
	sceneK     = photogrammetry.NewCameraMatrix(800, 800, 320, 240)
	sceneD     = photogrammetry.Distortion{0.1, -0.05, 0, 0, 0}
)

// scenePoses looks at the board centre from varied tilts and distances.
func scenePoses() []photogrammetry.Pose {
	rotations := []r3.Vector{
		{X: 0.3, Y: 0.1, Z: 0.05},
		{X: -0.3, Y: 0.2, Z: -0.1},
		{X: 0.1, Y: -0.4, Z: 0.2},
		{X: -0.2, Y: -0.3, Z: 0},
		{X: 0.4, Y: 0.3, Z: 0.1},
		{X: 0, Y: 0.45, Z: -0.2},
		{X: -0.4, Y: 0, Z: 0.3},
		{X: 0.25, Y: -0.25, Z: -0.3},
		{X: -0.1, Y: 0.35, Z: 0.15},
		{X: 0.35, Y: -0.1, Z: -0.05},
	}
	centre := r3.Vector{X: 90, Y: 60}
	poses := make([]photogrammetry.Pose, len(rotations))
	for i, rv := range rotations {
		R := photogrammetry.Rodrigues(rv)
		offset := r3.Vector{X: float64(i%3-1) * 15, Y: float64(i%2) * 10, Z: 450 + float64(i)*20}
		poses[i] = photogrammetry.Pose{
			Rotation:    rv,
			Translation: offset.Sub(photogrammetry.Rotate(R, centre)),
		}
	}
	return poses
}

// observe projects the whole board through the pose, adding gaussian noise
// of the given standard deviation in pixels.
func observe(board Checkerboard, k photogrammetry.CameraMatrix, d photogrammetry.Distortion, pose photogrammetry.Pose, noise float64, rng *rand.Rand) []Observation {
	var obs []Observation
	for row := 0; row < board.Rows; row++ {
		for col := 0; col < board.Cols; col++ {
			px := photogrammetry.Project(board.BoardPoint(row, col), k, d, pose)
			if noise > 0 {
				px.X += rng.NormFloat64() * noise
				px.Y += rng.NormFloat64() * noise
			}
			obs = append(obs, Observation{Pixel: px, Row: row, Col: col, Valid: true})
		}
	}
	return obs
}

func sceneSet(t *testing.T, poses []photogrammetry.Pose, d photogrammetry.Distortion, noise float64) *CorrespondenceSet {
	t.Helper()
	rng := rand.New(rand.NewSource(42))
	set, err := NewCorrespondenceSet(sceneBoard, sceneSize)
	require.NoError(t, err)
	for i, pose := range poses {
		require.NoError(t, set.AddView(fmt.Sprintf("img_%02d.png", i), observe(sceneBoard, sceneK, d, pose, noise, rng)))
	}
	return set
}

func viewCorrespondences(t *testing.T, pose photogrammetry.Pose, d photogrammetry.Distortion) []Correspondence {
	t.Helper()
	set := sceneSet(t, []photogrammetry.Pose{pose}, d, 0)
	return set.Views[0].Correspondences
}

func requirePoseNear(t *testing.T, want, got photogrammetry.Pose, tol float64) {
	t.Helper()
	require.InDelta(t, 0, want.Rotation.Sub(got.Rotation).Norm(), tol, "rotation %v vs %v", want.Rotation, got.Rotation)
	require.InDelta(t, 0, want.Translation.Sub(got.Translation).Norm(), tol*want.Translation.Norm(), "translation %v vs %v", want.Translation, got.Translation)
}

func boardXY(v View) []r2.Point {
	out := make([]r2.Point, len(v.Correspondences))
	for i, c := range v.Correspondences {
		out[i] = r2.Point{X: c.Board.X, Y: c.Board.Y}
	}
	return out
}
