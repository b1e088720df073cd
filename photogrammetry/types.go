package photogrammetry

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

type ImageSize struct {
	Width  int
	Height int
}

func (s ImageSize) IsZero() bool {
	return s.Width == 0 && s.Height == 0
}

// CameraMatrix holds the pinhole intrinsics of
//
//	| fx  0 cx |
//	|  0 fy cy |
//	|  0  0  1 |
type CameraMatrix struct {
	Fx float64
	Fy float64
	Cx float64
	Cy float64
}

func NewCameraMatrix(fx, fy, cx, cy float64) CameraMatrix {
	return CameraMatrix{Fx: fx, Fy: fy, Cx: cx, Cy: cy}
}

// CameraMatrixFromDense reads a 3x3 camera matrix. The matrix is rescaled so
// that its bottom-right element is 1; a non zero skew term is rejected.
func CameraMatrixFromDense(m mat.Matrix) (CameraMatrix, error) {
	r, c := m.Dims()
	if r != 3 || c != 3 {
		return CameraMatrix{}, errors.Wrapf(ErrInvalidParameter, "camera matrix must be 3x3, got %dx%d", r, c)
	}
	w := m.At(2, 2)
	if w == 0 || math.IsNaN(w) {
		return CameraMatrix{}, errors.Wrap(ErrInvalidParameter, "camera matrix has a zero homogeneous scale")
	}
	k := CameraMatrix{
		Fx: m.At(0, 0) / w,
		Fy: m.At(1, 1) / w,
		Cx: m.At(0, 2) / w,
		Cy: m.At(1, 2) / w,
	}
	if skew := m.At(0, 1) / w; math.Abs(skew) > 1e-9*math.Max(1, math.Abs(k.Fx)) {
		return CameraMatrix{}, errors.Wrapf(ErrInvalidParameter, "camera matrix skew %g is not supported", skew)
	}
	return k, k.Validate()
}

func (k CameraMatrix) Validate() error {
	if !(k.Fx > 0) || !(k.Fy > 0) || math.IsInf(k.Fx, 0) || math.IsInf(k.Fy, 0) {
		return errors.Wrapf(ErrInvalidParameter, "focal lengths must be positive, got fx=%g fy=%g", k.Fx, k.Fy)
	}
	if math.IsNaN(k.Cx) || math.IsNaN(k.Cy) {
		return errors.Wrap(ErrInvalidParameter, "principal point is not a number")
	}
	return nil
}

func (k CameraMatrix) Matrix() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		k.Fx, 0, k.Cx,
		0, k.Fy, k.Cy,
		0, 0, 1,
	})
}

// Inverse is the closed form of K⁻¹.
func (k CameraMatrix) Inverse() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		1 / k.Fx, 0, -k.Cx / k.Fx,
		0, 1 / k.Fy, -k.Cy / k.Fy,
		0, 0, 1,
	})
}

// Normalize maps a pixel onto the z=1 plane without touching distortion.
func (k CameraMatrix) Normalize(px r2.Point) r2.Point {
	return r2.Point{X: (px.X - k.Cx) / k.Fx, Y: (px.Y - k.Cy) / k.Fy}
}

func (k CameraMatrix) Denormalize(n r2.Point) r2.Point {
	return r2.Point{X: n.X*k.Fx + k.Cx, Y: n.Y*k.Fy + k.Cy}
}

// DistortionModel is the number of coefficients a calibration estimates.
type DistortionModel int

const (
	Model4  DistortionModel = 4  // k1 k2 p1 p2
	Model5  DistortionModel = 5  // k1 k2 p1 p2 k3
	Model8  DistortionModel = 8  // rational: + k4 k5 k6
	Model12 DistortionModel = 12 // rational + thin prism s1..s4
)

func (m DistortionModel) Valid() bool {
	switch m {
	case Model4, Model5, Model8, Model12:
		return true
	}
	return false
}

// Distortion holds coefficients in OpenCV order
// [k1, k2, p1, p2, k3, k4, k5, k6, s1, s2, s3, s4].
type Distortion []float64

func ZeroDistortion(model DistortionModel) Distortion {
	return make(Distortion, int(model))
}

// Validate accepts an empty set (no distortion) and the four model lengths.
func (d Distortion) Validate() error {
	if len(d) != 0 && !DistortionModel(len(d)).Valid() {
		return errors.Wrapf(ErrInvalidParameter, "distortion must have 4, 5, 8 or 12 coefficients, got %d", len(d))
	}
	for i, v := range d {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Wrapf(ErrInvalidParameter, "distortion coefficient %d is not finite", i)
		}
	}
	return nil
}

func (d Distortion) Clone() Distortion {
	if d == nil {
		return nil
	}
	return append(Distortion(nil), d...)
}

func (d Distortion) padded() [OPENCV_DISTORT_VALUES]float64 {
	var all [OPENCV_DISTORT_VALUES]float64
	copy(all[:], d)
	return all
}

// Pose maps board (world) coordinates into the camera frame:
// Xc = R(Rotation)·Xw + Translation.
type Pose struct {
	Rotation    r3.Vector // Rodrigues axis-angle
	Translation r3.Vector
}

func PoseFromRotationMatrix(R mat.Matrix, t r3.Vector) Pose {
	return Pose{Rotation: RotationVector(R), Translation: t}
}

func (p Pose) RotationMatrix() *mat.Dense {
	return Rodrigues(p.Rotation)
}

func (p Pose) Apply(x r3.Vector) r3.Vector {
	return rotate(p.RotationMatrix(), x).Add(p.Translation)
}

// Inverse returns the camera-to-board pose.
func (p Pose) Inverse() Pose {
	R := p.RotationMatrix()
	return Pose{
		Rotation:    p.Rotation.Mul(-1),
		Translation: rotate(R.T(), p.Translation).Mul(-1),
	}
}

// CameraPosition is the optical centre expressed in board coordinates.
func (p Pose) CameraPosition() r3.Vector {
	trans := mat.NewDense(3, 1, []float64{p.Translation.X, p.Translation.Y, p.Translation.Z})
	c := GetCameraWorldsCoordinates(p.RotationMatrix(), trans)
	return r3.Vector{X: c.AtVec(0), Y: c.AtVec(1), Z: c.AtVec(2)}
}

// TransformationMatrix is the homogeneous 4x4 [R|t].
func (p Pose) TransformationMatrix() *mat.Dense {
	R := p.RotationMatrix()
	T := mat.NewDense(4, 4, nil)
	T.Slice(0, 3, 0, 3).(*mat.Dense).Copy(R)
	T.Set(0, 3, p.Translation.X)
	T.Set(1, 3, p.Translation.Y)
	T.Set(2, 3, p.Translation.Z)
	T.Set(3, 3, 1)
	return T
}

func rotate(R mat.Matrix, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: R.At(0, 0)*v.X + R.At(0, 1)*v.Y + R.At(0, 2)*v.Z,
		Y: R.At(1, 0)*v.X + R.At(1, 1)*v.Y + R.At(1, 2)*v.Z,
		Z: R.At(2, 0)*v.X + R.At(2, 1)*v.Y + R.At(2, 2)*v.Z,
	}
}

// Rotate applies a 3x3 matrix to a vector.
func Rotate(R mat.Matrix, v r3.Vector) r3.Vector {
	return rotate(R, v)
}
