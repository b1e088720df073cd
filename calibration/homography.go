package calibration

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/maorshutman/lm"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"sphaeroptica.be/calibrate/photogrammetry"
)

// Relative size of the smallest singular value below which point sets are
// treated as rank deficient.
const rankEpsilon = 1e-10

// EstimateHomography computes H with dst ~ H·src from at least 4 point pairs
// using the normalized DLT, then polishes it by Levenberg-Marquardt on the
// transfer error. H is scaled so that H[2][2] = 1.
func EstimateHomography(src, dst []r2.Point) (*mat.Dense, error) {
	H, err := linearHomography(src, dst)
	if err != nil {
		return nil, err
	}
	return refineHomography(H, src, dst), nil
}

func linearHomography(src, dst []r2.Point) (*mat.Dense, error) {
	n := len(src)
	if n != len(dst) {
		return nil, errors.Wrapf(photogrammetry.ErrInvalidParameter, "homography needs paired points, got %d and %d", n, len(dst))
	}
	if n < 4 {
		return nil, errors.Wrapf(photogrammetry.ErrInsufficientPoints, "homography needs 4 points, got %d", n)
	}
	if collinear(src) || collinear(dst) {
		return nil, errors.Wrap(photogrammetry.ErrDegenerateGeometry, "homography points are collinear")
	}

	Ts, ns := hartleyNormalize(src)
	Td, nd := hartleyNormalize(dst)

	A := mat.NewDense(2*n, 9, nil)
	for i := 0; i < n; i++ {
		x, y := ns[i].X, ns[i].Y
		u, v := nd[i].X, nd[i].Y
		A.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		A.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}

	var svd mat.SVD
	if !svd.Factorize(A, mat.SVDFullV) {
		return nil, errors.Wrap(photogrammetry.ErrDegenerateGeometry, "homography SVD failed")
	}
	values := svd.Values(nil)
	if values[7] < rankEpsilon*values[0] {
		return nil, errors.Wrap(photogrammetry.ErrDegenerateGeometry, "homography system is rank deficient")
	}
	var V mat.Dense
	svd.VTo(&V)
	Hn := mat.NewDense(3, 3, mat.Col(nil, 8, &V))

	// H = Td⁻¹ · Hn · Ts
	var TdInv mat.Dense
	if err := TdInv.Inverse(Td); err != nil {
		return nil, errors.Wrap(photogrammetry.ErrDegenerateGeometry, "homography normalization is singular")
	}
	var H mat.Dense
	H.Product(&TdInv, Hn, Ts)
	if math.Abs(H.At(2, 2)) < 1e-15 {
		return nil, errors.Wrap(photogrammetry.ErrDegenerateGeometry, "homography maps the origin to infinity")
	}
	H.Scale(1/H.At(2, 2), &H)
	return &H, nil
}

// refineHomography minimizes Σ|dst - H·src|² over the 8 free entries of H.
// The linear estimate is kept when the solver fails or does worse.
func refineHomography(H *mat.Dense, src, dst []r2.Point) *mat.Dense {
	residuals := func(out, x []float64) {
		h := [9]float64{x[0], x[1], x[2], x[3], x[4], x[5], x[6], x[7], 1}
		for i, p := range src {
			q := applyHomographyArray(h, p)
			out[2*i] = q.X - dst[i].X
			out[2*i+1] = q.Y - dst[i].Y
		}
	}
	init := mat.Row(nil, 0, H)
	init = append(init, mat.Row(nil, 1, H)...)
	init = append(init, H.At(2, 0), H.At(2, 1))

	jacobian := lm.NumJac{residuals}
	problem := lm.LMProblem{
		Dim:        8,
		Size:       2 * len(src),
		Func:       residuals,
		Jac:        jacobian.Jac,
		InitParams: init,
		Tau:        1e-6,
		Eps1:       1e-8,
		Eps2:       1e-8,
	}
	res, err := lm.LM(problem, &lm.Settings{Iterations: 100, ObjectiveTol: 1e-16})
	if err != nil || res == nil || len(res.X) != 8 {
		return H
	}
	if sumSquares(residuals, res.X, 2*len(src)) > sumSquares(residuals, init, 2*len(src)) {
		return H
	}
	x := res.X
	for _, v := range x {
		if !finite(v) {
			return H
		}
	}
	return mat.NewDense(3, 3, []float64{x[0], x[1], x[2], x[3], x[4], x[5], x[6], x[7], 1})
}

func sumSquares(f func(out, x []float64), x []float64, size int) float64 {
	out := make([]float64, size)
	f(out, x)
	s := 0.0
	for _, v := range out {
		s += v * v
	}
	return s
}

func applyHomography(H mat.Matrix, p r2.Point) r2.Point {
	w := H.At(2, 0)*p.X + H.At(2, 1)*p.Y + H.At(2, 2)
	return r2.Point{
		X: (H.At(0, 0)*p.X + H.At(0, 1)*p.Y + H.At(0, 2)) / w,
		Y: (H.At(1, 0)*p.X + H.At(1, 1)*p.Y + H.At(1, 2)) / w,
	}
}

func applyHomographyArray(h [9]float64, p r2.Point) r2.Point {
	w := h[6]*p.X + h[7]*p.Y + h[8]
	return r2.Point{
		X: (h[0]*p.X + h[1]*p.Y + h[2]) / w,
		Y: (h[3]*p.X + h[4]*p.Y + h[5]) / w,
	}
}

// hartleyNormalize moves the centroid to the origin and scales the mean
// distance to sqrt(2).
func hartleyNormalize(pts []r2.Point) (*mat.Dense, []r2.Point) {
	var c r2.Point
	for _, p := range pts {
		c = c.Add(p)
	}
	c = c.Mul(1 / float64(len(pts)))
	mean := 0.0
	for _, p := range pts {
		mean += p.Sub(c).Norm()
	}
	mean /= float64(len(pts))
	s := 1.0
	if mean > 0 {
		s = math.Sqrt2 / mean
	}
	out := make([]r2.Point, len(pts))
	for i, p := range pts {
		out[i] = p.Sub(c).Mul(s)
	}
	T := mat.NewDense(3, 3, []float64{
		s, 0, -s * c.X,
		0, s, -s * c.Y,
		0, 0, 1,
	})
	return T, out
}

// collinear reports whether the 2D points span less than a plane, measured
// by the eigenvalues of their scatter matrix.
func collinear(pts []r2.Point) bool {
	var c r2.Point
	for _, p := range pts {
		c = c.Add(p)
	}
	c = c.Mul(1 / float64(len(pts)))
	var sxx, sxy, syy float64
	for _, p := range pts {
		d := p.Sub(c)
		sxx += d.X * d.X
		sxy += d.X * d.Y
		syy += d.Y * d.Y
	}
	tr := sxx + syy
	if tr == 0 {
		return true
	}
	det := sxx*syy - sxy*sxy
	disc := math.Sqrt(math.Max(0, tr*tr/4-det))
	small := tr/2 - disc
	large := tr/2 + disc
	return small < rankEpsilon*large
}
