package photogrammetry

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
)

// k1 k2 p1 p2 k3 k4 k5 k6 s1 s2 s3 s4
const OPENCV_DISTORT_VALUES = 12

// Budget of the fixed-point undistortion when the caller passes none.
const MAX_ITER = 20
const UNDISTORT_TOL = 1e-8

type distortTerms struct {
	k1, k2, p1, p2, k3, k4, k5, k6 float64
	s1, s2, s3, s4                 float64
}

func (d Distortion) terms() distortTerms {
	c := d.padded()
	return distortTerms{
		k1: c[0], k2: c[1], p1: c[2], p2: c[3], k3: c[4],
		k4: c[5], k5: c[6], k6: c[7],
		s1: c[8], s2: c[9], s3: c[10], s4: c[11],
	}
}

// radial is the rational radial factor at squared radius r2.
func (t distortTerms) radial(r2 float64) float64 {
	num := 1 + t.k1*r2 + t.k2*r2*r2 + t.k3*r2*r2*r2
	den := 1 + t.k4*r2 + t.k5*r2*r2 + t.k6*r2*r2*r2
	return num / den
}

// offset holds the tangential and thin prism shifts.
func (t distortTerms) offset(x, y, r2 float64) (float64, float64) {
	dx := 2*t.p1*x*y + t.p2*(r2+2*x*x) + t.s1*r2 + t.s2*r2*r2
	dy := t.p1*(r2+2*y*y) + 2*t.p2*x*y + t.s3*r2 + t.s4*r2*r2
	return dx, dy
}

// DistortNormalized applies the lens model to an ideal normalized point.
func DistortNormalized(pt r2.Point, d Distortion) r2.Point {
	if len(d) == 0 {
		return pt
	}
	t := d.terms()
	x, y := pt.X, pt.Y
	rr := x*x + y*y
	radial := t.radial(rr)
	dx, dy := t.offset(x, y, rr)
	return r2.Point{X: x*radial + dx, Y: y*radial + dy}
}

// UndistortNormalized inverts DistortNormalized by fixed-point iteration
// starting from the distorted coordinate. maxIter <= 0 and tol <= 0 select
// MAX_ITER and UNDISTORT_TOL. The iteration stops once a step moves the
// estimate by less than tol; exhausting the budget returns the last estimate
// together with ErrNonConvergence.
func UndistortNormalized(pt r2.Point, d Distortion, maxIter int, tol float64) (r2.Point, error) {
	if len(d) == 0 {
		return pt, nil
	}
	if maxIter <= 0 {
		maxIter = MAX_ITER
	}
	if tol <= 0 {
		tol = UNDISTORT_TOL
	}
	t := d.terms()

	x0, y0 := pt.X, pt.Y
	x, y := x0, y0
	for range maxIter {
		rr := x*x + y*y
		kInv := 1 / t.radial(rr)
		dx, dy := t.offset(x, y, rr)
		xant, yant := x, y
		x = (x0 - dx) * kInv
		y = (y0 - dy) * kInv
		if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
			return pt, errors.Wrapf(ErrNonConvergence, "undistortion of (%g, %g) diverged", pt.X, pt.Y)
		}
		if math.Hypot(xant-x, yant-y) < tol {
			return r2.Point{X: x, Y: y}, nil
		}
	}
	return r2.Point{X: x, Y: y}, errors.Wrapf(ErrNonConvergence, "undistortion of (%g, %g) not within %g after %d iterations", pt.X, pt.Y, tol, maxIter)
}

// UndistortIter maps a distorted pixel to its ideal pixel position. On
// failure the returned point is the input pixel.
func UndistortIter(px r2.Point, k CameraMatrix, d Distortion, maxIter int, tol float64) (r2.Point, error) {
	n, err := UndistortNormalized(k.Normalize(px), d, maxIter, tol)
	if err != nil {
		return px, err
	}
	return k.Denormalize(n), nil
}
