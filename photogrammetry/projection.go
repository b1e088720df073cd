package photogrammetry

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// ProjectionMatrix returns the 3x4 matrix K·[R|t].
func ProjectionMatrix(k CameraMatrix, pose Pose) mat.Matrix {
	extrinsics := pose.TransformationMatrix().Slice(0, 3, 0, 4)
	var projMat mat.Dense
	projMat.Mul(k.Matrix(), extrinsics)
	return &projMat
}

// Project maps a board point through the pose, the lens model and K.
func Project(point r3.Vector, k CameraMatrix, d Distortion, pose Pose) r2.Point {
	return projectCamera(pose.Apply(point), k, d)
}

func projectCamera(pc r3.Vector, k CameraMatrix, d Distortion) r2.Point {
	n := r2.Point{X: pc.X / pc.Z, Y: pc.Y / pc.Z}
	return k.Denormalize(DistortNormalized(n, d))
}

// ProjectPoints projects every point with a single rotation matrix.
func ProjectPoints(points []r3.Vector, k CameraMatrix, d Distortion, pose Pose) []r2.Point {
	R := pose.RotationMatrix()
	out := make([]r2.Point, len(points))
	for i, p := range points {
		out[i] = projectCamera(rotate(R, p).Add(pose.Translation), k, d)
	}
	return out
}

// ReprojectionRMS is sqrt(Σ|observed - projected|² / N). It also returns the
// raw sum of squares so callers can pool several views.
func ReprojectionRMS(points []r3.Vector, observed []r2.Point, k CameraMatrix, d Distortion, pose Pose) (rms float64, sumSq float64) {
	if len(points) == 0 {
		return 0, 0
	}
	projected := ProjectPoints(points, k, d, pose)
	for i, p := range projected {
		diff := observed[i].Sub(p)
		sumSq += diff.Dot(diff)
	}
	return math.Sqrt(sumSq / float64(len(points))), sumSq
}
