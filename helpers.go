package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"sphaeroptica.be/calibrate/calibration"
	"sphaeroptica.be/calibrate/photogrammetry"
)

// boardFlags are shared by the commands that read a corner file.
type boardFlags struct {
	corners   string
	rows      int
	cols      int
	square    float64
	width     int
	height    int
	imagesDir string
}

func (b *boardFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&b.corners, "corners", "", "tab separated corner file (image, pixelX, pixelY, row, col, valid)")
	flags.IntVar(&b.rows, "rows", 0, "inner corner rows of the checkerboard")
	flags.IntVar(&b.cols, "cols", 0, "inner corner columns of the checkerboard")
	flags.Float64Var(&b.square, "square", 0, "checkerboard square size in millimetres")
	flags.IntVar(&b.width, "width", 0, "image width in pixels")
	flags.IntVar(&b.height, "height", 0, "image height in pixels")
	flags.StringVar(&b.imagesDir, "images", "", "directory of the calibration images, used to read the image size")
	_ = cmd.MarkFlagRequired("corners")
}

// board resolves the checkerboard from the flags, then the run config, then
// the fallback (usually the one stored in a calibration file).
func (b *boardFlags) board(cmd *cobra.Command, cfg *runConfig, fallback *calibration.Checkerboard) (calibration.Checkerboard, error) {
	var board calibration.Checkerboard
	switch {
	case cfg.Checkerboard != nil:
		board = *cfg.Checkerboard
	case fallback != nil:
		board = *fallback
	}
	if cmd.Flags().Changed("rows") {
		board.Rows = b.rows
	}
	if cmd.Flags().Changed("cols") {
		board.Cols = b.cols
	}
	if cmd.Flags().Changed("square") {
		board.SquareSize = b.square
	}
	if err := board.Validate(); err != nil {
		return board, errors.Wrap(err, "set --rows, --cols and --square or a checkerboard in --config")
	}
	return board, nil
}

func (b *boardFlags) imageSize(cfg *runConfig, fallback photogrammetry.ImageSize) photogrammetry.ImageSize {
	if b.width > 0 && b.height > 0 {
		return photogrammetry.ImageSize{Width: b.width, Height: b.height}
	}
	if size := cfg.imageSize(); !size.IsZero() {
		return size
	}
	return fallback
}

func (b *boardFlags) load(cmd *cobra.Command, app *App, fallback *calibration.Checkerboard, fallbackSize photogrammetry.ImageSize) (*calibration.CorrespondenceSet, error) {
	board, err := b.board(cmd, app.cfg, fallback)
	if err != nil {
		return nil, err
	}
	return app.LoadCorrespondences(b.corners, board, b.imageSize(app.cfg, fallbackSize), b.imagesDir)
}

func newAppFromFlags() (*App, error) {
	cfg, err := loadRunConfig(configPath)
	if err != nil {
		return nil, err
	}
	return NewApp(cfg), nil
}

// parseFloats reads n comma separated numbers, e.g. "12.5,40".
func parseFloats(s string, n int) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, errors.Wrapf(photogrammetry.ErrInvalidParameter, "%q: want %d comma separated values", s, n)
	}
	out := make([]float64, n)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, errors.Wrapf(photogrammetry.ErrInvalidParameter, "%q: %v", s, err)
		}
		out[i] = v
	}
	return out, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func coordinates(v r3.Vector) Coordinates {
	return Coordinates{X: v.X, Y: v.Y, Z: v.Z}
}

func printPaths(w io.Writer, verb string, paths []string) {
	for _, p := range paths {
		fmt.Fprintf(w, "%s %s\n", verb, p)
	}
}
