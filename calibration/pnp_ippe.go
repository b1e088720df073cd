package calibration

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"sphaeroptica.be/calibrate/photogrammetry"
)

// ippeStrategy is infinitesimal plane-based pose estimation: the Jacobian of
// the plane to image homography at the plane origin gives two rotations.
type ippeStrategy struct{}

func (ippeStrategy) check(in pnpInput) error {
	if err := requirePoints(in, 4); err != nil {
		return err
	}
	if err := requireNonCollinear(in.world); err != nil {
		return err
	}
	if !spread3(in.world).planar() {
		return errors.Wrap(photogrammetry.ErrInvalidParameter, "IPPE needs coplanar points")
	}
	return nil
}

func (ippeStrategy) solve(in pnpInput) ([]photogrammetry.Pose, error) {
	frame := newPlaneFrame(spread3(in.world))
	local := make([]r2.Point, len(in.world))
	for i, w := range in.world {
		local[i] = frame.local(w)
	}
	H, err := linearHomography(local, in.image)
	if err != nil {
		return nil, err
	}
	return ippePoses(frame, H, local, in.image)
}

// ippeSquareStrategy expects the first four points to be the corners of a
// rectangle and uses their exact homography.
type ippeSquareStrategy struct{}

func (ippeSquareStrategy) check(in pnpInput) error {
	if err := requirePoints(in, 4); err != nil {
		return err
	}
	if !isRectangle(in.world[:4]) {
		return errors.Wrap(photogrammetry.ErrInvalidParameter, "IPPE_SQUARE needs the first four points to form a rectangle")
	}
	if len(in.world) > 4 && !spread3(in.world).planar() {
		return errors.Wrap(photogrammetry.ErrInvalidParameter, "IPPE_SQUARE needs coplanar points")
	}
	return nil
}

func (ippeSquareStrategy) solve(in pnpInput) ([]photogrammetry.Pose, error) {
	frame := newPlaneFrame(spread3(in.world[:4]))
	var src, dst [4]r2.Point
	for i := 0; i < 4; i++ {
		src[i] = frame.local(in.world[i])
		dst[i] = in.image[i]
	}
	h, ok := computeHomography(src, dst)
	if !ok {
		return nil, errors.Wrap(photogrammetry.ErrDegenerateGeometry, "rectangle homography is singular")
	}
	local := make([]r2.Point, len(in.world))
	for i, w := range in.world {
		local[i] = frame.local(w)
	}
	return ippePoses(frame, mat.NewDense(3, 3, h[:]), local, in.image)
}

// isRectangle checks that a, b, c, d (in order around the shape) are coplanar
// with equal diagonals bisecting each other.
func isRectangle(p []r3.Vector) bool {
	scale := math.Max(p[0].Sub(p[2]).Norm(), p[1].Sub(p[3]).Norm())
	if scale == 0 {
		return false
	}
	tol := 1e-6 * scale
	mid1 := p[0].Add(p[2]).Mul(0.5)
	mid2 := p[1].Add(p[3]).Mul(0.5)
	if mid1.Sub(mid2).Norm() > tol {
		return false
	}
	if math.Abs(p[0].Sub(p[2]).Norm()-p[1].Sub(p[3]).Norm()) > tol {
		return false
	}
	return p[1].Sub(p[0]).Cross(p[3].Sub(p[0])).Norm() > tol*scale
}

// ippePoses decomposes H (plane frame to normalized image) at the plane
// origin and returns both poses, lowest residual first.
func ippePoses(frame planeFrame, H *mat.Dense, local, image []r2.Point) ([]photogrammetry.Pose, error) {
	h22 := H.At(2, 2)
	if h22 == 0 {
		return nil, errors.Wrap(photogrammetry.ErrDegenerateGeometry, "plane origin maps to infinity")
	}
	Hn := mat.DenseCopyOf(H)
	Hn.Scale(1/h22, Hn)

	J := mat.NewDense(2, 2, []float64{
		Hn.At(0, 0) - Hn.At(2, 0)*Hn.At(0, 2), Hn.At(0, 1) - Hn.At(2, 1)*Hn.At(0, 2),
		Hn.At(1, 0) - Hn.At(2, 0)*Hn.At(1, 2), Hn.At(1, 1) - Hn.At(2, 1)*Hn.At(1, 2),
	})
	p, q := Hn.At(0, 2), Hn.At(1, 2)

	// Rv turns the optical axis onto the ray through the image of the origin
	Rv := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	if t := math.Hypot(p, q); t > 0 {
		s := math.Sqrt(p*p + q*q + 1)
		cosT := 1 / s
		sinT := math.Sqrt(1 - 1/(s*s))
		K := mat.NewDense(3, 3, []float64{
			0, 0, p / t,
			0, 0, q / t,
			-p / t, -q / t, 0,
		})
		var K2 mat.Dense
		K2.Mul(K, K)
		var term mat.Dense
		term.Scale(sinT, K)
		Rv.Add(Rv, &term)
		term.Scale(1-cosT, &K2)
		Rv.Add(Rv, &term)
	}

	var B mat.Dense
	B.Mul(mat.NewDense(2, 3, []float64{1, 0, -p, 0, 1, -q}), Rv.Slice(0, 3, 0, 2))
	var A mat.Dense
	if err := A.Solve(&B, J); err != nil {
		return nil, errors.Wrap(photogrammetry.ErrDegenerateGeometry, "IPPE Jacobian is singular")
	}
	a, b, c, d := A.At(0, 0), A.At(0, 1), A.At(1, 0), A.At(1, 1)
	gamma := math.Sqrt(0.5 * (a*a + b*b + c*c + d*d + math.Sqrt(sq(a*a-b*b+c*c-d*d)+4*sq(a*b+c*d))))
	if !(gamma > 0) {
		return nil, errors.Wrap(photogrammetry.ErrDegenerateGeometry, "IPPE scale is zero")
	}
	r00, r01, r10, r11 := a/gamma, b/gamma, c/gamma, d/gamma
	b0 := math.Sqrt(math.Max(0, 1-r00*r00-r10*r10))
	b1 := math.Sqrt(math.Max(0, 1-r01*r01-r11*r11))
	if -r00*r01-r10*r11 < 0 {
		b1 = -b1
	}

	type scored struct {
		pose photogrammetry.Pose
		cost float64
	}
	var results []scored
	for _, sign := range []float64{1, -1} {
		c1 := r3.Vector{X: r00, Y: r10, Z: sign * b0}
		c2 := r3.Vector{X: r01, Y: r11, Z: sign * b1}
		c3 := c1.Cross(c2)
		M := mat.NewDense(3, 3, []float64{
			c1.X, c2.X, c3.X,
			c1.Y, c2.Y, c3.Y,
			c1.Z, c2.Z, c3.Z,
		})
		var R mat.Dense
		R.Mul(Rv, M)
		t, err := planarTranslation(&R, local, image)
		if err != nil {
			return nil, err
		}
		pose := frame.toWorld(&R, t)
		world := make([]r3.Vector, len(local))
		for i, l := range local {
			world[i] = frame.origin.Add(photogrammetry.Rotate(frame.R, r3.Vector{X: l.X, Y: l.Y}))
		}
		results = append(results, scored{pose: pose, cost: normalizedResidual(world, image, pose)})
	}
	if results[1].cost < results[0].cost {
		results[0], results[1] = results[1], results[0]
	}
	return []photogrammetry.Pose{results[0].pose, results[1].pose}, nil
}

// planarTranslation solves m × (R·(u, v, 0) + t) = 0 for t in the least
// squares sense.
func planarTranslation(R mat.Matrix, local, image []r2.Point) (r3.Vector, error) {
	A := mat.NewDense(2*len(local), 3, nil)
	rhs := mat.NewVecDense(2*len(local), nil)
	for i, l := range local {
		x, y := image[i].X, image[i].Y
		rq := photogrammetry.Rotate(R, r3.Vector{X: l.X, Y: l.Y})
		A.SetRow(2*i, []float64{1, 0, -x})
		A.SetRow(2*i+1, []float64{0, 1, -y})
		rhs.SetVec(2*i, x*rq.Z-rq.X)
		rhs.SetVec(2*i+1, y*rq.Z-rq.Y)
	}
	var t mat.VecDense
	if err := t.SolveVec(A, rhs); err != nil {
		return r3.Vector{}, errors.Wrap(photogrammetry.ErrDegenerateGeometry, "plane translation is undetermined")
	}
	return r3.Vector{X: t.AtVec(0), Y: t.AtVec(1), Z: t.AtVec(2)}, nil
}

func sq(v float64) float64 { return v * v }

// computeHomography solves the exact 4 point homography as an 8x8 linear
// system with h22 = 1.
func computeHomography(p, q [4]r2.Point) ([9]float64, bool) {
	var a [8][8]float64
	var b [8]float64
	for i := 0; i < 4; i++ {
		x, y := p[i].X, p[i].Y
		u, v := q[i].X, q[i].Y
		a[2*i] = [8]float64{x, y, 1, 0, 0, 0, -u * x, -u * y}
		b[2*i] = u
		a[2*i+1] = [8]float64{0, 0, 0, x, y, 1, -v * x, -v * y}
		b[2*i+1] = v
	}
	h, ok := solve8x8(a, b)
	if !ok {
		return [9]float64{}, false
	}
	return [9]float64{h[0], h[1], h[2], h[3], h[4], h[5], h[6], h[7], 1}, true
}

// solve8x8 is Gaussian elimination with partial pivoting.
func solve8x8(a [8][8]float64, b [8]float64) ([8]float64, bool) {
	for col := 0; col < 8; col++ {
		pivot := col
		for r := col + 1; r < 8; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-12 {
			return [8]float64{}, false
		}
		a[col], a[pivot] = a[pivot], a[col]
		b[col], b[pivot] = b[pivot], b[col]
		for r := 0; r < 8; r++ {
			if r == col {
				continue
			}
			f := a[r][col] / a[col][col]
			for k := col; k < 8; k++ {
				a[r][k] -= f * a[col][k]
			}
			b[r] -= f * b[col]
		}
	}
	var x [8]float64
	for i := 0; i < 8; i++ {
		x[i] = b[i] / a[i][i]
	}
	return x, true
}
