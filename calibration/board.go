package calibration

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"sphaeroptica.be/calibrate/photogrammetry"
)

// Checkerboard describes the inner-corner grid of a calibration target.
// SquareSize is in millimetres.
type Checkerboard struct {
	Rows       int     `json:"rows"`
	Cols       int     `json:"cols"`
	SquareSize float64 `json:"square_size_mm"`
}

func (b Checkerboard) Validate() error {
	if b.Rows < 2 || b.Cols < 2 {
		return errors.Wrapf(photogrammetry.ErrInvalidParameter, "checkerboard needs at least 2x2 inner corners, got %dx%d", b.Rows, b.Cols)
	}
	if !(b.SquareSize > 0) || math.IsInf(b.SquareSize, 0) {
		return errors.Wrapf(photogrammetry.ErrInvalidParameter, "square size must be positive, got %g", b.SquareSize)
	}
	return nil
}

func (b Checkerboard) Contains(row, col int) bool {
	return row >= 0 && row < b.Rows && col >= 0 && col < b.Cols
}

// BoardPoint is the world position of a corner on the z=0 plane.
func (b Checkerboard) BoardPoint(row, col int) r3.Vector {
	return r3.Vector{X: float64(col) * b.SquareSize, Y: float64(row) * b.SquareSize}
}

// ObjectPoints lists every corner, row-major (index = row*Cols + col).
func (b Checkerboard) ObjectPoints() []r3.Vector {
	pts := make([]r3.Vector, 0, b.Rows*b.Cols)
	for row := 0; row < b.Rows; row++ {
		for col := 0; col < b.Cols; col++ {
			pts = append(pts, b.BoardPoint(row, col))
		}
	}
	return pts
}

// Observation is one tuple emitted by the corner detector.
type Observation struct {
	Pixel r2.Point
	Row   int
	Col   int
	Valid bool
}

type Correspondence struct {
	Board r3.Vector
	Pixel r2.Point
	Row   int
	Col   int
}

type View struct {
	ImageID         string
	Correspondences []Correspondence
}

func (v View) BoardPoints() []r3.Vector {
	pts := make([]r3.Vector, len(v.Correspondences))
	for i, c := range v.Correspondences {
		pts[i] = c.Board
	}
	return pts
}

func (v View) Pixels() []r2.Point {
	pts := make([]r2.Point, len(v.Correspondences))
	for i, c := range v.Correspondences {
		pts[i] = c.Pixel
	}
	return pts
}

// CorrespondenceSet gathers the views of one board seen by one camera.
type CorrespondenceSet struct {
	Board     Checkerboard
	ImageSize photogrammetry.ImageSize
	Views     []View
}

func NewCorrespondenceSet(board Checkerboard, size photogrammetry.ImageSize) (*CorrespondenceSet, error) {
	if err := board.Validate(); err != nil {
		return nil, err
	}
	if size.Width < 0 || size.Height < 0 {
		return nil, errors.Wrapf(photogrammetry.ErrInvalidParameter, "image size %dx%d", size.Width, size.Height)
	}
	return &CorrespondenceSet{Board: board, ImageSize: size}, nil
}

// AddView keeps the valid observations of one image. A view left with fewer
// than 4 points is not added.
func (s *CorrespondenceSet) AddView(imageID string, observations []Observation) error {
	seen := make(map[int]bool, len(observations))
	corr := make([]Correspondence, 0, len(observations))
	for _, o := range observations {
		if !o.Valid || !finite(o.Pixel.X) || !finite(o.Pixel.Y) {
			continue
		}
		if !s.Board.Contains(o.Row, o.Col) {
			return errors.Wrapf(photogrammetry.ErrInvalidParameter, "view %q: corner (%d,%d) outside %dx%d board", imageID, o.Row, o.Col, s.Board.Rows, s.Board.Cols)
		}
		idx := o.Row*s.Board.Cols + o.Col
		if seen[idx] {
			return errors.Wrapf(photogrammetry.ErrInvalidParameter, "view %q: corner (%d,%d) observed twice", imageID, o.Row, o.Col)
		}
		seen[idx] = true
		corr = append(corr, Correspondence{
			Board: s.Board.BoardPoint(o.Row, o.Col),
			Pixel: o.Pixel,
			Row:   o.Row,
			Col:   o.Col,
		})
	}
	if len(corr) < 4 {
		return errors.Wrapf(photogrammetry.ErrInsufficientPoints, "view %q has %d valid corners", imageID, len(corr))
	}
	s.Views = append(s.Views, View{ImageID: imageID, Correspondences: corr})
	return nil
}

func (s *CorrespondenceSet) Validate() error {
	if err := s.Board.Validate(); err != nil {
		return err
	}
	for _, v := range s.Views {
		if len(v.Correspondences) < 4 {
			return errors.Wrapf(photogrammetry.ErrInsufficientPoints, "view %q has %d corners", v.ImageID, len(v.Correspondences))
		}
		for _, c := range v.Correspondences {
			if !s.Board.Contains(c.Row, c.Col) {
				return errors.Wrapf(photogrammetry.ErrInvalidParameter, "view %q: corner (%d,%d) outside board", v.ImageID, c.Row, c.Col)
			}
		}
	}
	return nil
}

func (s *CorrespondenceSet) NumPoints() int {
	n := 0
	for _, v := range s.Views {
		n += len(v.Correspondences)
	}
	return n
}

// imageSize returns the declared size, or the pixel extent rounded up when
// none was given.
func (s *CorrespondenceSet) imageSize() photogrammetry.ImageSize {
	if s.ImageSize.Width > 0 && s.ImageSize.Height > 0 {
		return s.ImageSize
	}
	var maxX, maxY float64
	for _, v := range s.Views {
		for _, c := range v.Correspondences {
			maxX = math.Max(maxX, c.Pixel.X)
			maxY = math.Max(maxY, c.Pixel.Y)
		}
	}
	return photogrammetry.ImageSize{Width: int(math.Ceil(maxX)) + 1, Height: int(math.Ceil(maxY)) + 1}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
