package calibration

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/maorshutman/lm"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"sphaeroptica.be/calibrate/photogrammetry"
)

// spread is the principal component decomposition of a 3D point cloud,
// strongest axis first.
type spread struct {
	centroid r3.Vector
	values   [3]float64
	axes     [3]r3.Vector
}

func spread3(pts []r3.Vector) spread {
	var s spread
	for _, p := range pts {
		s.centroid = s.centroid.Add(p)
	}
	if len(pts) == 0 {
		return s
	}
	s.centroid = s.centroid.Mul(1 / float64(len(pts)))

	S := mat.NewSymDense(3, nil)
	for _, p := range pts {
		d := p.Sub(s.centroid)
		v := [3]float64{d.X, d.Y, d.Z}
		for i := 0; i < 3; i++ {
			for j := i; j < 3; j++ {
				S.SetSym(i, j, S.At(i, j)+v[i]*v[j])
			}
		}
	}
	var es mat.EigenSym
	if !es.Factorize(S, true) {
		return s
	}
	vals := es.Values(nil)
	var vecs mat.Dense
	es.VectorsTo(&vecs)
	// EigenSym sorts ascending
	for k := 0; k < 3; k++ {
		src := 2 - k
		s.values[k] = math.Max(vals[src], 0)
		s.axes[k] = r3.Vector{X: vecs.At(0, src), Y: vecs.At(1, src), Z: vecs.At(2, src)}
	}
	return s
}

func (s spread) collinear() bool {
	return s.values[0] == 0 || s.values[1] < rankEpsilon*s.values[0]
}

func (s spread) planar() bool {
	return s.values[2] < rankEpsilon*s.values[0]
}

// planeFrame expresses coplanar points in 2D: p = origin + R·(u, v, 0).
type planeFrame struct {
	origin r3.Vector
	R      *mat.Dense
}

func newPlaneFrame(s spread) planeFrame {
	e1, e2 := s.axes[0], s.axes[1]
	e3 := e1.Cross(e2).Normalize()
	return planeFrame{
		origin: s.centroid,
		R: mat.NewDense(3, 3, []float64{
			e1.X, e2.X, e3.X,
			e1.Y, e2.Y, e3.Y,
			e1.Z, e2.Z, e3.Z,
		}),
	}
}

func (f planeFrame) local(p r3.Vector) r2.Point {
	l := photogrammetry.Rotate(f.R.T(), p.Sub(f.origin))
	return r2.Point{X: l.X, Y: l.Y}
}

// toWorld converts a pose of the plane frame into a pose of the world frame.
func (f planeFrame) toWorld(Rl *mat.Dense, tl r3.Vector) photogrammetry.Pose {
	var R mat.Dense
	R.Mul(Rl, f.R.T())
	t := tl.Sub(photogrammetry.Rotate(&R, f.origin))
	return photogrammetry.PoseFromRotationMatrix(&R, t)
}

// absoluteOrientation finds R, t minimizing Σ|b - (R·a + t)|² (Kabsch).
func absoluteOrientation(a, b []r3.Vector) (*mat.Dense, r3.Vector, error) {
	if len(a) != len(b) || len(a) < 3 {
		return nil, r3.Vector{}, errors.Wrap(photogrammetry.ErrInsufficientPoints, "absolute orientation needs 3 pairs")
	}
	var ca, cb r3.Vector
	for i := range a {
		ca = ca.Add(a[i])
		cb = cb.Add(b[i])
	}
	n := float64(len(a))
	ca, cb = ca.Mul(1/n), cb.Mul(1/n)

	H := mat.NewDense(3, 3, nil)
	for i := range a {
		da, db := a[i].Sub(ca), b[i].Sub(cb)
		va := [3]float64{da.X, da.Y, da.Z}
		vb := [3]float64{db.X, db.Y, db.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				H.Set(r, c, H.At(r, c)+vb[r]*va[c])
			}
		}
	}
	// R maximizes tr(Rᵀ·H): the rotation closest to H
	R := photogrammetry.OrthonormalizeRotation(H)
	t := cb.Sub(photogrammetry.Rotate(R, ca))
	return R, t, nil
}

// planarHomographyPose decomposes the homography between plane coordinates
// and normalized image points into a pose of the plane frame.
func planarHomographyPose(local, image []r2.Point) (*mat.Dense, r3.Vector, error) {
	H, err := linearHomography(local, image)
	if err != nil {
		return nil, r3.Vector{}, err
	}
	pose := poseFromHomography(photogrammetry.NewCameraMatrix(1, 1, 0, 0), H)
	return pose.RotationMatrix(), pose.Translation, nil
}

// polishPose refines a pose on the pixel reprojection error with
// Levenberg-Marquardt. It fails when the solver does not return a finite
// pose.
func polishPose(seed photogrammetry.Pose, world []r3.Vector, pixels []r2.Point, k photogrammetry.CameraMatrix, d photogrammetry.Distortion) (photogrammetry.Pose, error) {
	residuals := func(out, x []float64) {
		proj := photogrammetry.ProjectPoints(world, k, d, poseFromParams(x))
		for i, p := range proj {
			out[2*i] = p.X - pixels[i].X
			out[2*i+1] = p.Y - pixels[i].Y
		}
	}
	init := poseParams(seed)
	jacobian := lm.NumJac{residuals}
	problem := lm.LMProblem{
		Dim:        6,
		Size:       2 * len(world),
		Func:       residuals,
		Jac:        jacobian.Jac,
		InitParams: append([]float64(nil), init...),
		Tau:        1e-6,
		Eps1:       1e-12,
		Eps2:       1e-12,
	}
	res, err := lm.LM(problem, &lm.Settings{Iterations: 100, ObjectiveTol: 1e-20})
	if err != nil {
		return seed, errors.Wrapf(photogrammetry.ErrNoConvergence, "pose refinement: %v", err)
	}
	if res == nil || len(res.X) != 6 {
		return seed, errors.Wrap(photogrammetry.ErrNoConvergence, "pose refinement returned no solution")
	}
	for _, v := range res.X {
		if !finite(v) {
			return seed, errors.Wrap(photogrammetry.ErrNoConvergence, "pose refinement diverged")
		}
	}
	size := 2 * len(world)
	if sumSquares(residuals, res.X, size) > sumSquares(residuals, init, size) {
		return seed, nil
	}
	return poseFromParams(res.X), nil
}
