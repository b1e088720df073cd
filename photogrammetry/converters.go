package photogrammetry

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Below this angle a rotation vector is treated as no rotation at all.
const rodriguesEpsilon = 1e-10

func FormatMatrixPrint(matrix mat.Matrix) fmt.Formatter {
	return mat.Formatted(matrix, mat.Prefix("    "), mat.Squeeze())
}

func roundFloat(val float64, precision uint) float64 {
	ratio := math.Pow(10, float64(precision))
	return math.Round(val*ratio) / ratio
}

func Rad2Degrees(rad float64) float64 {
	res := rad * 180 / math.Pi
	return roundFloat(res, 10)
}

func GetCameraWorldsCoordinates(rotation *mat.Dense, trans *mat.Dense) mat.Vector {
	var coordinates mat.Dense
	coordinates.Mul(rotation.T(), trans)
	coordinates.Scale(-1, &coordinates)
	return coordinates.ColView(0)
}

// Rodrigues converts an axis-angle vector into a rotation matrix:
//
//	R = I + sin(θ)K + (1-cos(θ))K²
//
// where θ = |r| and K is the skew-symmetric matrix of r/θ.
func Rodrigues(r r3.Vector) *mat.Dense {
	theta := r.Norm()
	if theta < rodriguesEpsilon {
		return identity3()
	}
	k := r.Mul(1 / theta)
	K := mat.NewDense(3, 3, []float64{
		0, -k.Z, k.Y,
		k.Z, 0, -k.X,
		-k.Y, k.X, 0,
	})
	var K2 mat.Dense
	K2.Mul(K, K)

	R := identity3()
	var term mat.Dense
	term.Scale(math.Sin(theta), K)
	R.Add(R, &term)
	term.Scale(1-math.Cos(theta), &K2)
	R.Add(R, &term)
	return R
}

// RotationVector is the inverse of Rodrigues. The input is assumed to be a
// proper rotation matrix.
func RotationVector(R mat.Matrix) r3.Vector {
	trace := R.At(0, 0) + R.At(1, 1) + R.At(2, 2)
	cosTheta := math.Max(-1, math.Min(1, (trace-1)/2))
	skew := r3.Vector{
		X: R.At(2, 1) - R.At(1, 2),
		Y: R.At(0, 2) - R.At(2, 0),
		Z: R.At(1, 0) - R.At(0, 1),
	}
	sinTheta := skew.Norm() / 2
	theta := math.Atan2(sinTheta, cosTheta)

	switch {
	case theta < rodriguesEpsilon:
		return r3.Vector{}
	case sinTheta > 1e-6:
		return skew.Mul(theta / (2 * sinTheta))
	case cosTheta > 0:
		// small angle, first order
		return skew.Mul(0.5)
	}

	// θ close to π: (R + I)/2 ≈ kkᵀ
	diag := []float64{(R.At(0, 0) + 1) / 2, (R.At(1, 1) + 1) / 2, (R.At(2, 2) + 1) / 2}
	i := 0
	for j := 1; j < 3; j++ {
		if diag[j] > diag[i] {
			i = j
		}
	}
	col := []float64{(R.At(0, i) + R.At(i, 0)) / 4, (R.At(1, i) + R.At(i, 1)) / 4, (R.At(2, i) + R.At(i, 2)) / 4}
	col[i] = diag[i]
	axis := r3.Vector{X: col[0], Y: col[1], Z: col[2]}
	axis = axis.Mul(1 / axis.Norm())
	// keep the sign consistent with the residual skew part
	if axis.Dot(skew) < 0 {
		axis = axis.Mul(-1)
	}
	return axis.Mul(theta)
}

// OrthonormalizeRotation returns the rotation closest to m in the Frobenius
// sense, with determinant +1.
func OrthonormalizeRotation(m mat.Matrix) *mat.Dense {
	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDFull) {
		return identity3()
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	var R mat.Dense
	R.Mul(&u, v.T())
	if mat.Det(&R) < 0 {
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		R.Mul(&u, v.T())
	}
	return &R
}

func identity3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})
}
