package main

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"sphaeroptica.be/calibrate/calibration"
	"sphaeroptica.be/calibrate/photogrammetry"
)

// runConfig is the optional --config file. Fields it leaves out keep their
// defaults and command line flags override it.
type runConfig struct {
	Checkerboard *calibration.Checkerboard `json:"checkerboard,omitempty"`
	ImageSize    []int                     `json:"image_size,omitempty"`
	Calibration  calibration.Options       `json:"calibration"`
	Algorithm    string                    `json:"algorithm,omitempty"`
	Format       string                    `json:"format,omitempty"`
	Notes        string                    `json:"notes,omitempty"`
}

func defaultRunConfig() *runConfig {
	return &runConfig{
		Calibration: calibration.DefaultOptions(),
		Algorithm:   calibration.Iterative.String(),
	}
}

func loadRunConfig(path string) (*runConfig, error) {
	c := defaultRunConfig()
	if path == "" {
		return c, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	if err := json.Unmarshal(content, c); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if c.ImageSize != nil && len(c.ImageSize) != 2 {
		return nil, errors.Wrapf(photogrammetry.ErrInvalidParameter, "config image_size has %d entries, want 2", len(c.ImageSize))
	}
	if c.Checkerboard != nil {
		if err := c.Checkerboard.Validate(); err != nil {
			return nil, errors.Wrap(err, "config checkerboard")
		}
	}
	if err := c.Calibration.Validate(); err != nil {
		return nil, errors.Wrap(err, "config calibration")
	}
	return c, nil
}

func (c *runConfig) imageSize() photogrammetry.ImageSize {
	if len(c.ImageSize) != 2 {
		return photogrammetry.ImageSize{}
	}
	return photogrammetry.ImageSize{Width: c.ImageSize[0], Height: c.ImageSize[1]}
}

type Pos struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Coordinates struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// ViewPoseJSON is one line of the extrinsic command's JSON output.
type ViewPoseJSON struct {
	Image          string      `json:"image"`
	Algorithm      string      `json:"algorithm"`
	RotationVector Coordinates `json:"rotation_vector"`
	Translation    Coordinates `json:"translation_vector"`
	CameraPosition Coordinates `json:"camera_position"`
	Residual       float64     `json:"residual_px"`
	Candidates     int         `json:"candidates"`
	Error          string      `json:"error,omitempty"`
}
