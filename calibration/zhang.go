package calibration

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"sphaeroptica.be/calibrate/photogrammetry"
)

// Views whose constraint matrix has its second smallest singular value this
// far below the largest carry no information about K.
const zhangRankEpsilon = 1e-9

// imageNormalization maps pixels to a frame centred on the image and scaled
// by its larger side, which keeps the Zhang system well conditioned.
func imageNormalization(size photogrammetry.ImageSize) *mat.Dense {
	s := float64(max(size.Width, size.Height))
	if s <= 0 {
		s = 1
	}
	return mat.NewDense(3, 3, []float64{
		1 / s, 0, -float64(size.Width) / (2 * s),
		0, 1 / s, -float64(size.Height) / (2 * s),
		0, 0, 1,
	})
}

// getVij builds the constraint row hᵢᵀ B hⱼ for b = [B11 B12 B22 B13 B23 B33].
func getVij(hi, hj mat.Vector) []float64 {
	return []float64{
		hi.AtVec(0) * hj.AtVec(0),
		hi.AtVec(0)*hj.AtVec(1) + hi.AtVec(1)*hj.AtVec(0),
		hi.AtVec(1) * hj.AtVec(1),
		hi.AtVec(2)*hj.AtVec(0) + hi.AtVec(0)*hj.AtVec(2),
		hi.AtVec(2)*hj.AtVec(1) + hi.AtVec(1)*hj.AtVec(2),
		hi.AtVec(2) * hj.AtVec(2),
	}
}

// closedFormIntrinsics is Zhang's linear estimate of K, assuming zero skew.
func closedFormIntrinsics(homographies []*mat.Dense, size photogrammetry.ImageSize) (photogrammetry.CameraMatrix, error) {
	N := imageNormalization(size)

	V := mat.NewDense(2*len(homographies)+1, 6, nil)
	for i, H := range homographies {
		var Hn mat.Dense
		Hn.Mul(N, H)
		Hn.Scale(1/mat.Norm(&Hn, 2), &Hn)
		h1, h2 := Hn.ColView(0), Hn.ColView(1)

		v11, v22 := getVij(h1, h1), getVij(h2, h2)
		diff := make([]float64, 6)
		for j := range diff {
			diff[j] = v11[j] - v22[j]
		}
		V.SetRow(2*i, getVij(h1, h2))
		V.SetRow(2*i+1, diff)
	}
	V.SetRow(2*len(homographies), []float64{0, 1, 0, 0, 0, 0})

	var svd mat.SVD
	if !svd.Factorize(V, mat.SVDFullV) {
		return photogrammetry.CameraMatrix{}, errors.Wrap(photogrammetry.ErrDegenerateGeometry, "could not factorize the Zhang system")
	}
	sigma := svd.Values(nil)
	if len(sigma) < 5 || sigma[4] < zhangRankEpsilon*sigma[0] {
		return photogrammetry.CameraMatrix{}, errors.Wrap(photogrammetry.ErrDegenerateGeometry, "views do not constrain the intrinsics, vary the board orientation")
	}
	var vv mat.Dense
	svd.VTo(&vv)
	b := mat.Col(nil, 5, &vv)
	if b[0] < 0 {
		for i := range b {
			b[i] = -b[i]
		}
	}

	kn, err := intrinsicsFromB(b)
	if err != nil {
		return photogrammetry.CameraMatrix{}, err
	}

	s := float64(max(size.Width, size.Height))
	k := photogrammetry.CameraMatrix{
		Fx: kn.Fx * s,
		Fy: kn.Fy * s,
		Cx: kn.Cx*s + float64(size.Width)/2,
		Cy: kn.Cy*s + float64(size.Height)/2,
	}
	return k, k.Validate()
}

// intrinsicsFromB follows Zhang's appendix B with the skew term dropped.
func intrinsicsFromB(b []float64) (photogrammetry.CameraMatrix, error) {
	B11, B12, B22, B13, B23, B33 := b[0], b[1], b[2], b[3], b[4], b[5]
	den := B11*B22 - B12*B12
	if !(B11 > 0) || !(den > 0) {
		return photogrammetry.CameraMatrix{}, errors.Wrap(photogrammetry.ErrDegenerateGeometry, "absolute conic estimate is not positive definite")
	}
	v0 := (B12*B13 - B11*B23) / den
	lambda := B33 - (B13*B13+v0*(B12*B13-B11*B23))/B11
	if !(lambda > 0) {
		return photogrammetry.CameraMatrix{}, errors.Wrap(photogrammetry.ErrDegenerateGeometry, "absolute conic estimate is not positive definite")
	}
	alpha := math.Sqrt(lambda / B11)
	beta := math.Sqrt(lambda * B11 / den)
	u0 := -B13 * alpha * alpha / lambda
	return photogrammetry.CameraMatrix{Fx: alpha, Fy: beta, Cx: u0, Cy: v0}, nil
}

// poseFromHomography recovers [R|t] from H ~ K[r1 r2 t], keeping the board
// in front of the camera.
func poseFromHomography(k photogrammetry.CameraMatrix, H mat.Matrix) photogrammetry.Pose {
	var A mat.Dense
	A.Mul(k.Inverse(), H)

	lambda := 1 / mat.Norm(A.ColView(0), 2)
	if A.At(2, 2)*lambda < 0 {
		lambda = -lambda
	}
	r1 := r3.Vector{X: A.At(0, 0), Y: A.At(1, 0), Z: A.At(2, 0)}.Mul(lambda)
	r2 := r3.Vector{X: A.At(0, 1), Y: A.At(1, 1), Z: A.At(2, 1)}.Mul(lambda)
	r3v := r1.Cross(r2)
	t := r3.Vector{X: A.At(0, 2), Y: A.At(1, 2), Z: A.At(2, 2)}.Mul(lambda)

	R := mat.NewDense(3, 3, []float64{
		r1.X, r2.X, r3v.X,
		r1.Y, r2.Y, r3v.Y,
		r1.Z, r2.Z, r3v.Z,
	})
	return photogrammetry.PoseFromRotationMatrix(photogrammetry.OrthonormalizeRotation(R), t)
}
