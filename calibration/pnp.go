package calibration

import (
	"math"
	"sort"
	"strings"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"sphaeroptica.be/calibrate/photogrammetry"
)

// Algorithm selects the pose estimation strategy.
type Algorithm int

const (
	Iterative Algorithm = iota
	EPnP
	P3P
	AP3P
	IPPE
	IPPESquare
)

var algorithmNames = map[Algorithm]string{
	Iterative:  "iterative",
	EPnP:       "epnp",
	P3P:        "p3p",
	AP3P:       "ap3p",
	IPPE:       "ippe",
	IPPESquare: "ippe_square",
}

func (a Algorithm) String() string {
	if name, ok := algorithmNames[a]; ok {
		return name
	}
	return "unknown"
}

func ParseAlgorithm(name string) (Algorithm, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.ReplaceAll(n, "-", "_")
	for a, s := range algorithmNames {
		if s == n {
			return a, nil
		}
	}
	return 0, errors.Wrapf(photogrammetry.ErrInvalidParameter, "unknown pose algorithm %q", name)
}

func Algorithms() []Algorithm {
	return []Algorithm{Iterative, EPnP, P3P, AP3P, IPPE, IPPESquare}
}

// PoseCandidate is one solution with its RMS reprojection error in pixels
// over all supplied points.
type PoseCandidate struct {
	Pose     photogrammetry.Pose
	Residual float64
}

type PoseSolution struct {
	Pose       photogrammetry.Pose
	Residual   float64
	Algorithm  Algorithm
	NumPoints  int
	Candidates []PoseCandidate
}

// pnpInput is what every strategy sees: world points, their undistorted
// normalized image coordinates, and the raw pixels with the lens used for
// refinement in pixel space.
type pnpInput struct {
	world  []r3.Vector
	image  []r2.Point
	pixels []r2.Point
	k      photogrammetry.CameraMatrix
	d      photogrammetry.Distortion
}

// poseStrategy is one PnP method with its own applicability checks.
type poseStrategy interface {
	check(in pnpInput) error
	solve(in pnpInput) ([]photogrammetry.Pose, error)
}

var strategies = map[Algorithm]poseStrategy{
	Iterative:  iterativeStrategy{},
	EPnP:       epnpStrategy{},
	P3P:        p3pStrategy{},
	AP3P:       ap3pStrategy{},
	IPPE:       ippeStrategy{},
	IPPESquare: ippeSquareStrategy{},
}

// SolvePose estimates the board-to-camera pose from 2D-3D correspondences.
// When a method yields several poses the one with the lowest residual wins;
// all of them are kept in Candidates.
func SolvePose(corr []Correspondence, k photogrammetry.CameraMatrix, d photogrammetry.Distortion, alg Algorithm) (*PoseSolution, error) {
	candidates, err := SolvePoseCandidates(corr, k, d, alg)
	if err != nil {
		return nil, err
	}
	best := candidates[0]
	logger.WithFields(logrus.Fields{
		"algorithm":  alg.String(),
		"points":     len(corr),
		"candidates": len(candidates),
		"rms":        best.Residual,
	}).Debug("Solved pose")
	return &PoseSolution{
		Pose:       best.Pose,
		Residual:   best.Residual,
		Algorithm:  alg,
		NumPoints:  len(corr),
		Candidates: candidates,
	}, nil
}

// SolvePoseCandidates returns every pose the method produces, sorted by
// ascending residual. Ties keep the order in which the method found them.
func SolvePoseCandidates(corr []Correspondence, k photogrammetry.CameraMatrix, d photogrammetry.Distortion, alg Algorithm) ([]PoseCandidate, error) {
	strategy, ok := strategies[alg]
	if !ok {
		return nil, errors.Wrapf(photogrammetry.ErrInvalidParameter, "unknown pose algorithm %d", alg)
	}
	if err := k.Validate(); err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}

	in := pnpInput{
		world:  make([]r3.Vector, len(corr)),
		image:  make([]r2.Point, len(corr)),
		pixels: make([]r2.Point, len(corr)),
		k:      k,
		d:      d,
	}
	for i, c := range corr {
		in.world[i] = c.Board
		in.pixels[i] = c.Pixel
	}
	if err := strategy.check(in); err != nil {
		return nil, errors.Wrap(err, alg.String())
	}
	for i, px := range in.pixels {
		n, err := photogrammetry.UndistortNormalized(k.Normalize(px), d, 0, 0)
		if err != nil {
			return nil, err
		}
		in.image[i] = n
	}

	poses, err := strategy.solve(in)
	if err != nil {
		return nil, errors.Wrap(err, alg.String())
	}
	candidates := make([]PoseCandidate, 0, len(poses))
	for _, p := range poses {
		rms, _ := photogrammetry.ReprojectionRMS(in.world, in.pixels, k, d, p)
		if !finite(rms) {
			continue
		}
		candidates = append(candidates, PoseCandidate{Pose: p, Residual: rms})
	}
	if len(candidates) == 0 {
		return nil, errors.Wrapf(photogrammetry.ErrNoConvergence, "%s found no valid pose", alg)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Residual < candidates[j].Residual
	})
	return candidates, nil
}

// ViewPose is the pose of one view of a correspondence set.
type ViewPose struct {
	ImageID  string
	Solution *PoseSolution
	Err      error
}

// SolveViews estimates one pose per view concurrently. A view that fails
// keeps its error in the returned slice; the call itself only fails on bad
// arguments.
func SolveViews(set *CorrespondenceSet, k photogrammetry.CameraMatrix, d photogrammetry.Distortion, alg Algorithm, workers int) ([]ViewPose, error) {
	if set == nil {
		return nil, errors.Wrap(photogrammetry.ErrInvalidParameter, "no correspondence set")
	}
	if _, ok := strategies[alg]; !ok {
		return nil, errors.Wrapf(photogrammetry.ErrInvalidParameter, "unknown pose algorithm %d", alg)
	}
	if workers <= 0 {
		workers = Options{}.workers()
	}
	out := make([]ViewPose, len(set.Views))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, v := range set.Views {
		g.Go(func() error {
			sol, err := SolvePose(v.Correspondences, k, d, alg)
			out[i] = ViewPose{ImageID: v.ImageID, Solution: sol, Err: err}
			if err != nil {
				logger.WithFields(logrus.Fields{"view": v.ImageID, "algorithm": alg.String()}).WithError(err).Warn("Pose estimation failed")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func requirePoints(in pnpInput, n int) error {
	if len(in.world) < n {
		return errors.Wrapf(photogrammetry.ErrInsufficientPoints, "needs at least %d points, got %d", n, len(in.world))
	}
	return nil
}

func requireNonCollinear(pts []r3.Vector) error {
	if spread3(pts).collinear() {
		return errors.Wrap(photogrammetry.ErrDegenerateConfiguration, "world points are collinear")
	}
	return nil
}

func normalizedResidual(world []r3.Vector, image []r2.Point, p photogrammetry.Pose) float64 {
	R := p.RotationMatrix()
	sum := 0.0
	for i, w := range world {
		c := photogrammetry.Rotate(R, w).Add(p.Translation)
		if c.Z <= 0 {
			return math.Inf(1)
		}
		dx := c.X/c.Z - image[i].X
		dy := c.Y/c.Z - image[i].Y
		sum += dx*dx + dy*dy
	}
	return sum
}
