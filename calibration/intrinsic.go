package calibration

import (
	"math"
	"runtime"
	"time"

	"github.com/golang/geo/r2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"sphaeroptica.be/calibrate/photogrammetry"
)

// SoftwareVersion is stamped into every artifact. Overridden at build time
// with -ldflags "-X sphaeroptica.be/calibrate/calibration.SoftwareVersion=...".
var SoftwareVersion = "1.0.0"

var logger = logrus.WithField("component", "calibration")

// Options control the intrinsic calibration.
type Options struct {
	DistortionModel   photogrammetry.DistortionModel `json:"distortion_model"`
	FixPrincipalPoint bool                           `json:"fix_principal_point"`
	FixAspectRatio    bool                           `json:"fix_aspect_ratio"`
	ZeroTangentDist   bool                           `json:"zero_tangent_dist"`
	MaxIterations     int                            `json:"max_iterations"`
	// Tolerance is the relative cost decrease under which the refinement stops.
	Tolerance float64 `json:"tolerance"`
	// Workers bounds the views evaluated concurrently, 0 means GOMAXPROCS.
	Workers         int    `json:"workers"`
	SoftwareVersion string `json:"software_version,omitempty"`
}

func DefaultOptions() Options {
	return Options{
		DistortionModel: photogrammetry.Model5,
		MaxIterations:   100,
		Tolerance:       1e-10,
	}
}

func (o Options) Validate() error {
	if !o.DistortionModel.Valid() {
		return errors.Wrapf(photogrammetry.ErrInvalidParameter, "distortion model %d", o.DistortionModel)
	}
	if o.MaxIterations <= 0 {
		return errors.Wrapf(photogrammetry.ErrInvalidParameter, "max iterations %d", o.MaxIterations)
	}
	if !(o.Tolerance >= 0) {
		return errors.Wrapf(photogrammetry.ErrInvalidParameter, "tolerance %g", o.Tolerance)
	}
	if o.Workers < 0 {
		return errors.Wrapf(photogrammetry.ErrInvalidParameter, "workers %d", o.Workers)
	}
	return nil
}

func (o Options) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// InitialGuess seeds the refinement. With a camera matrix the closed form
// estimate is skipped.
type InitialGuess struct {
	CameraMatrix *photogrammetry.CameraMatrix
	Distortion   photogrammetry.Distortion
}

type Result struct {
	Artifact   *Artifact
	ViewPoses  []photogrammetry.Pose
	ViewErrors []float64
	Iterations int
}

// Calibrator estimates camera intrinsics from checkerboard views. It holds
// no state between calls.
type Calibrator struct {
	opts Options
}

func NewCalibrator(opts Options) *Calibrator {
	return &Calibrator{opts: opts}
}

func (c *Calibrator) Options() Options { return c.opts }

func (c *Calibrator) Calibrate(set *CorrespondenceSet, guess *InitialGuess) (*Result, error) {
	if err := c.opts.Validate(); err != nil {
		return nil, err
	}
	if set == nil {
		return nil, errors.Wrap(photogrammetry.ErrInvalidParameter, "no correspondence set")
	}
	if len(set.Views) < 2 {
		return nil, errors.Wrapf(photogrammetry.ErrInsufficientViews, "calibration needs at least 2 views, got %d", len(set.Views))
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	size := set.imageSize()
	start := time.Now()

	homographies := make([]*mat.Dense, len(set.Views))
	for i, v := range set.Views {
		src := make([]r2.Point, len(v.Correspondences))
		for j, corr := range v.Correspondences {
			src[j] = r2.Point{X: corr.Board.X, Y: corr.Board.Y}
		}
		H, err := EstimateHomography(src, v.Pixels())
		if err != nil {
			return nil, errors.Wrapf(err, "view %q", v.ImageID)
		}
		homographies[i] = H
	}

	k, err := c.initialCameraMatrix(homographies, size, guess)
	if err != nil {
		return nil, err
	}

	nDist := int(c.opts.DistortionModel)
	initial := make([]float64, idxDist+nDist+6*len(set.Views))
	initial[idxFx], initial[idxFy], initial[idxCx], initial[idxCy] = k.Fx, k.Fy, k.Cx, k.Cy
	if guess != nil {
		copy(initial[idxDist:idxDist+nDist], guess.Distortion)
	}
	if c.opts.ZeroTangentDist {
		initial[idxDist+2], initial[idxDist+3] = 0, 0
	}
	for i, H := range homographies {
		copy(initial[idxDist+nDist+6*i:], poseParams(poseFromHomography(k, H)))
	}

	problem := newBundleProblem(set.Views, c.opts, initial)
	state, err := problem.optimize(initial, c.opts.MaxIterations, c.opts.Tolerance)
	if err != nil {
		return nil, err
	}

	kFinal, dFinal := intrinsicsFromParams(state.params, nDist)
	if err := kFinal.Validate(); err != nil {
		return nil, errors.Wrap(photogrammetry.ErrNonConvergence, "refinement produced invalid focal lengths")
	}
	poses := make([]photogrammetry.Pose, len(set.Views))
	viewErrors := make([]float64, len(set.Views))
	total := 0.0
	for i, v := range set.Views {
		poses[i] = poseFromParams(state.params[idxDist+nDist+6*i:])
		rms, sumSq := photogrammetry.ReprojectionRMS(v.BoardPoints(), v.Pixels(), kFinal, dFinal, poses[i])
		viewErrors[i] = rms
		total += sumSq
	}
	rms := math.Sqrt(total / float64(set.NumPoints()))

	version := c.opts.SoftwareVersion
	if version == "" {
		version = SoftwareVersion
	}
	board := set.Board
	artifact, err := NewArtifact(ArtifactFields{
		CameraMatrix:      kFinal,
		Distortion:        dFinal,
		ImageSize:         size,
		ReprojectionError: rms,
		Checkerboard:      &board,
		Timestamp:         time.Now().UTC().Truncate(time.Second),
		SoftwareVersion:   version,
		NumImagesUsed:     len(set.Views),
		PerViewErrors:     viewErrors,
		RunID:             uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"views":      len(set.Views),
		"points":     set.NumPoints(),
		"rms":        rms,
		"iterations": state.iter,
		"elapsed":    time.Since(start),
	}).Info("Calibrated camera")
	for i, e := range viewErrors {
		if e > 3*rms && e > 1 {
			logger.WithFields(logrus.Fields{"view": set.Views[i].ImageID, "rms": e}).Warn("View reprojects poorly")
		}
	}

	return &Result{
		Artifact:   artifact,
		ViewPoses:  poses,
		ViewErrors: viewErrors,
		Iterations: state.iter,
	}, nil
}

func (c *Calibrator) initialCameraMatrix(homographies []*mat.Dense, size photogrammetry.ImageSize, guess *InitialGuess) (photogrammetry.CameraMatrix, error) {
	if guess != nil && guess.CameraMatrix != nil {
		k := *guess.CameraMatrix
		if err := k.Validate(); err != nil {
			return k, err
		}
		if err := guess.Distortion.Validate(); err != nil {
			return k, err
		}
		logger.WithField("fx", k.Fx).Debug("Using supplied camera matrix")
		return k, nil
	}
	k, err := closedFormIntrinsics(homographies, size)
	if err != nil {
		return k, err
	}
	if c.opts.FixPrincipalPoint {
		k.Cx = float64(size.Width) / 2
		k.Cy = float64(size.Height) / 2
	}
	if c.opts.FixAspectRatio {
		f := (k.Fx + k.Fy) / 2
		k.Fx, k.Fy = f, f
	}
	logger.WithFields(logrus.Fields{
		"fx": k.Fx, "fy": k.Fy, "cx": k.Cx, "cy": k.Cy,
	}).Debug("Closed form intrinsics")
	return k, nil
}
