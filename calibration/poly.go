package calibration

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"
)

// realRoots returns the real roots of Σ coeffs[i]·x^(n-i) (highest degree
// first) as eigenvalues of the companion matrix, each polished by Newton.
// Leading coefficients that are negligible are dropped.
func realRoots(coeffs []float64) []float64 {
	scale := 0.0
	for _, c := range coeffs {
		scale = math.Max(scale, math.Abs(c))
	}
	if scale == 0 {
		return nil
	}
	for len(coeffs) > 1 && math.Abs(coeffs[0]) < 1e-14*scale {
		coeffs = coeffs[1:]
	}
	n := len(coeffs) - 1
	if n < 1 {
		return nil
	}
	if n == 1 {
		return []float64{-coeffs[1] / coeffs[0]}
	}

	C := mat.NewDense(n, n, nil)
	for i := 1; i < n; i++ {
		C.Set(i, i-1, 1)
	}
	for i := 0; i < n; i++ {
		// x^n = -Σ (c_{n-i}/c_0) x^i
		C.Set(i, n-1, -coeffs[n-i]/coeffs[0])
	}

	var eig mat.Eigen
	if !eig.Factorize(C, mat.EigenNone) {
		return nil
	}
	var roots []float64
	for _, z := range eig.Values(nil) {
		if math.Abs(imag(z)) > 1e-6*math.Max(1, cmplx.Abs(z)) {
			continue
		}
		roots = append(roots, newtonPolish(coeffs, real(z)))
	}
	return roots
}

func evalPoly(coeffs []float64, x float64) (v, dv float64) {
	for _, c := range coeffs {
		dv = dv*x + v
		v = v*x + c
	}
	return v, dv
}

func newtonPolish(coeffs []float64, x float64) float64 {
	for i := 0; i < 8; i++ {
		v, dv := evalPoly(coeffs, x)
		if dv == 0 {
			break
		}
		next := x - v/dv
		if !finite(next) {
			break
		}
		if math.Abs(next-x) < 1e-15*math.Max(1, math.Abs(x)) {
			return next
		}
		if vn, _ := evalPoly(coeffs, next); math.Abs(vn) > math.Abs(v) {
			break
		}
		x = next
	}
	return x
}
