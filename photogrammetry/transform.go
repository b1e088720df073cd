package photogrammetry

import (
	"math"
	"runtime"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// Transformer converts between pixel, normalized, camera and world frames
// for one calibrated camera. The world frame is the checkerboard frame and
// needs a pose; conversions that do not touch it work without one.
type Transformer struct {
	k    CameraMatrix
	d    Distortion
	pose *Pose
	r    *mat.Dense

	maxIter int
	tol     float64
	size    ImageSize
}

type TransformerOption func(*Transformer)

func WithUndistortIterations(n int) TransformerOption {
	return func(t *Transformer) { t.maxIter = n }
}

func WithUndistortTolerance(tol float64) TransformerOption {
	return func(t *Transformer) { t.tol = tol }
}

// WithImageSize sets the extent used by PixelToWorldMap.
func WithImageSize(size ImageSize) TransformerOption {
	return func(t *Transformer) { t.size = size }
}

func NewTransformer(k CameraMatrix, d Distortion, pose *Pose, opts ...TransformerOption) (*Transformer, error) {
	if err := k.Validate(); err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	t := &Transformer{
		k:       k,
		d:       d.Clone(),
		maxIter: MAX_ITER,
		tol:     UNDISTORT_TOL,
	}
	if pose != nil {
		p := *pose
		t.pose = &p
		t.r = p.RotationMatrix()
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *Transformer) HasPose() bool { return t.pose != nil }

func (t *Transformer) PixelToNormalized(px r2.Point, undistort bool) (r2.Point, error) {
	n := t.k.Normalize(px)
	if !undistort {
		return n, nil
	}
	return UndistortNormalized(n, t.d, t.maxIter, t.tol)
}

func (t *Transformer) NormalizedToPixel(n r2.Point, distort bool) r2.Point {
	if distort {
		n = DistortNormalized(n, t.d)
	}
	return t.k.Denormalize(n)
}

// PixelToCameraRay is the unit direction, in the camera frame, of the ray
// through an observed (distorted) pixel.
func (t *Transformer) PixelToCameraRay(px r2.Point) (r3.Vector, error) {
	n, err := t.PixelToNormalized(px, true)
	if err != nil {
		return r3.Vector{}, err
	}
	return r3.Vector{X: n.X, Y: n.Y, Z: 1}.Normalize(), nil
}

// PixelToCamera back-projects a pixel to the point at the given depth (z).
func (t *Transformer) PixelToCamera(px r2.Point, depth float64) (r3.Vector, error) {
	n, err := t.PixelToNormalized(px, true)
	if err != nil {
		return r3.Vector{}, err
	}
	return r3.Vector{X: n.X * depth, Y: n.Y * depth, Z: depth}, nil
}

func (t *Transformer) CameraToWorld(pc r3.Vector) (r3.Vector, error) {
	if t.pose == nil {
		return r3.Vector{}, ErrNoPose
	}
	return rotate(t.r.T(), pc.Sub(t.pose.Translation)), nil
}

func (t *Transformer) WorldToCamera(pw r3.Vector) (r3.Vector, error) {
	if t.pose == nil {
		return r3.Vector{}, ErrNoPose
	}
	return rotate(t.r, pw).Add(t.pose.Translation), nil
}

func (t *Transformer) WorldToPixel(pw r3.Vector) (r2.Point, error) {
	pc, err := t.WorldToCamera(pw)
	if err != nil {
		return r2.Point{}, err
	}
	if pc.Z <= 0 {
		return r2.Point{}, errors.Wrapf(ErrDegenerateGeometry, "point %v is behind the camera", pw)
	}
	return projectCamera(pc, t.k, t.d), nil
}

// PixelToWorld intersects the pixel ray with the world plane z = zWorld.
func (t *Transformer) PixelToWorld(px r2.Point, zWorld float64) (r3.Vector, error) {
	if t.pose == nil {
		return r3.Vector{}, ErrNoPose
	}
	ray, err := t.PixelToCameraRay(px)
	if err != nil {
		return r3.Vector{}, err
	}
	origin := t.pose.CameraPosition()
	dir := rotate(t.r.T(), ray)
	if math.Abs(dir.Z) < 1e-12 {
		return r3.Vector{}, errors.Wrapf(ErrDegenerateGeometry, "ray through (%g, %g) is parallel to z=%g", px.X, px.Y, zWorld)
	}
	s := (zWorld - origin.Z) / dir.Z
	if s <= 0 {
		return r3.Vector{}, errors.Wrapf(ErrDegenerateGeometry, "plane z=%g is behind the camera at (%g, %g)", zWorld, px.X, px.Y)
	}
	w := origin.Add(dir.Mul(s))
	w.Z = zWorld
	return w, nil
}

// Undistort returns the ideal pixel of an observed pixel.
func (t *Transformer) Undistort(px r2.Point) (r2.Point, error) {
	return UndistortIter(px, t.k, t.d, t.maxIter, t.tol)
}

// Distort returns where an ideal pixel is observed through the lens.
func (t *Transformer) Distort(px r2.Point) r2.Point {
	return t.NormalizedToPixel(t.k.Normalize(px), true)
}

// WorldMap holds, for every pixel (row = v, col = u), the world X and Y of
// the intersection with the plane z = Z. Pixels whose ray misses the plane
// are NaN.
type WorldMap struct {
	Z    float64
	X, Y *mat.Dense
}

// PixelToWorldMap fills a WorldMap over the image extent given by
// WithImageSize. Rows are computed concurrently.
func (t *Transformer) PixelToWorldMap(zWorld float64) (*WorldMap, error) {
	if t.pose == nil {
		return nil, ErrNoPose
	}
	if t.size.Width <= 0 || t.size.Height <= 0 {
		return nil, errors.Wrap(ErrInvalidParameter, "image size is required for a world map")
	}
	w, h := t.size.Width, t.size.Height
	m := &WorldMap{Z: zWorld, X: mat.NewDense(h, w, nil), Y: mat.NewDense(h, w, nil)}

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for v := 0; v < h; v++ {
		g.Go(func() error {
			for u := 0; u < w; u++ {
				p, err := t.PixelToWorld(r2.Point{X: float64(u), Y: float64(v)}, zWorld)
				if err != nil {
					m.X.Set(v, u, math.NaN())
					m.Y.Set(v, u, math.NaN())
					continue
				}
				m.X.Set(v, u, p.X)
				m.Y.Set(v, u, p.Y)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return m, nil
}
