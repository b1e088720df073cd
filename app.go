package main

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"sphaeroptica.be/calibrate/calibfile"
	"sphaeroptica.be/calibrate/calibration"
	"sphaeroptica.be/calibrate/imports"
	"sphaeroptica.be/calibrate/photogrammetry"
)

// App runs calibration tasks on files. Every command builds one from the
// loaded run configuration.
type App struct {
	cfg *runConfig
}

// NewApp creates a new App with the given configuration
func NewApp(cfg *runConfig) *App {
	if cfg == nil {
		cfg = defaultRunConfig()
	}
	return &App{cfg: cfg}
}

// LoadCorrespondences reads a corner file into a correspondence set. When
// the image size is unknown and imagesDir is set, the size is probed from
// the images themselves.
func (a *App) LoadCorrespondences(cornersFile string, board calibration.Checkerboard, size photogrammetry.ImageSize, imagesDir string) (*calibration.CorrespondenceSet, error) {
	images, err := imports.ReadCornersFile(cornersFile)
	if err != nil {
		return nil, err
	}
	if size.IsZero() && imagesDir != "" {
		ids := make([]string, len(images))
		for i, img := range images {
			ids[i] = img.ImageID
		}
		if size, err = imports.ProbeImageSize(imagesDir, ids); err != nil {
			return nil, err
		}
	}
	set, skipped, err := imports.BuildCorrespondenceSet(board, size, images)
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"file":    cornersFile,
		"views":   len(set.Views),
		"skipped": len(skipped),
	}).Info("Loaded corners")
	return set, nil
}

// Calibrate runs the intrinsic calibration. guessFile optionally names an
// OpenCV XML file used as the starting point.
func (a *App) Calibrate(set *calibration.CorrespondenceSet, guessFile string) (*calibration.Result, error) {
	var guess *calibration.InitialGuess
	if guessFile != "" {
		in, err := imports.ReadIntrinsicsFile(guessFile)
		if err != nil {
			return nil, err
		}
		guess = in.Guess()
		if set.ImageSize.IsZero() && !in.ImageSize.IsZero() {
			set.ImageSize = in.ImageSize
		}
	}
	res, err := calibration.NewCalibrator(a.cfg.Calibration).Calibrate(set, guess)
	if err != nil {
		return nil, err
	}
	if a.cfg.Notes != "" {
		res.Artifact = res.Artifact.WithNotes(a.cfg.Notes)
	}
	return res, nil
}

func (a *App) algorithm() (calibration.Algorithm, error) {
	return calibration.ParseAlgorithm(a.cfg.Algorithm)
}

// SolvePoses estimates the pose of every view with the artifact's lens.
func (a *App) SolvePoses(artifact *calibration.Artifact, set *calibration.CorrespondenceSet) ([]calibration.ViewPose, error) {
	alg, err := a.algorithm()
	if err != nil {
		return nil, err
	}
	return calibration.SolveViews(set, artifact.CameraMatrix(), artifact.Distortion(), alg, a.cfg.Calibration.Workers)
}

// AttachPose solves the pose of one view and returns the artifact carrying it.
func (a *App) AttachPose(artifact *calibration.Artifact, set *calibration.CorrespondenceSet, imageID string) (*calibration.Artifact, *calibration.PoseSolution, error) {
	alg, err := a.algorithm()
	if err != nil {
		return nil, nil, err
	}
	for _, v := range set.Views {
		if v.ImageID != imageID {
			continue
		}
		sol, err := calibration.SolvePose(v.Correspondences, artifact.CameraMatrix(), artifact.Distortion(), alg)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "view %q", imageID)
		}
		return artifact.WithPose(sol.Pose), sol, nil
	}
	return nil, nil, errors.Wrapf(photogrammetry.ErrInvalidParameter, "no view %q in the corner file", imageID)
}

// Reproject maps a world point of the board frame to a pixel.
func (a *App) Reproject(calibFile string, position Coordinates) (Pos, error) {
	transformer, err := a.transformer(calibFile)
	if err != nil {
		return Pos{}, err
	}
	px, err := transformer.WorldToPixel(r3.Vector{X: position.X, Y: position.Y, Z: position.Z})
	if err != nil {
		return Pos{}, err
	}
	return Pos{X: px.X, Y: px.Y}, nil
}

// PixelToWorld intersects the ray of a pixel with the plane z = zWorld.
func (a *App) PixelToWorld(calibFile string, pos Pos, zWorld float64) (Coordinates, error) {
	transformer, err := a.transformer(calibFile)
	if err != nil {
		return Coordinates{}, err
	}
	p, err := transformer.PixelToWorld(r2.Point{X: pos.X, Y: pos.Y}, zWorld)
	if err != nil {
		return Coordinates{}, err
	}
	return Coordinates{X: p.X, Y: p.Y, Z: p.Z}, nil
}

// Undistort removes the lens distortion from a pixel.
func (a *App) Undistort(calibFile string, pos Pos) (Pos, error) {
	transformer, err := a.transformer(calibFile)
	if err != nil {
		return Pos{}, err
	}
	p, err := transformer.Undistort(r2.Point{X: pos.X, Y: pos.Y})
	if err != nil {
		return Pos{}, err
	}
	return Pos{X: p.X, Y: p.Y}, nil
}

func (a *App) transformer(calibFile string) (*photogrammetry.Transformer, error) {
	artifact, err := calibfile.Load(calibFile, nil)
	if err != nil {
		return nil, err
	}
	return artifact.Transformer()
}

// Save writes the artifact in the configured format, or every format when
// the format is "all".
func (a *App) Save(path string, artifact *calibration.Artifact, format string) ([]string, error) {
	if format == "" {
		format = a.cfg.Format
	}
	switch format {
	case "":
		p, err := calibfile.Save(path, artifact, nil)
		if err != nil {
			return nil, err
		}
		return []string{p}, nil
	case "all":
		written, err := calibfile.SaveAll(path, artifact)
		if err != nil {
			return nil, err
		}
		var out []string
		for _, f := range calibfile.Formats() {
			out = append(out, written[f])
		}
		return out, nil
	}
	f, err := calibfile.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	p, err := calibfile.Save(path, artifact, &f)
	if err != nil {
		return nil, err
	}
	return []string{p}, nil
}
