// Package report draws the accuracy charts of a calibration: the RMS
// reprojection error of every view and the scatter of per-corner residuals.
package report

import (
	"fmt"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"sphaeroptica.be/calibrate/calibration"
	"sphaeroptica.be/calibrate/photogrammetry"
)

var logger = logrus.WithField("component", "report")

const (
	ErrorChartFile = "view_errors.png"
	ScatterFile    = "residuals.png"
)

// ViewResiduals holds observed minus reprojected pixels for one view.
type ViewResiduals struct {
	ImageID   string
	Residuals []r2.Point
	RMS       float64
}

// ComputeResiduals reprojects every view of set with its pose.
func ComputeResiduals(set *calibration.CorrespondenceSet, k photogrammetry.CameraMatrix, d photogrammetry.Distortion, poses []photogrammetry.Pose) ([]ViewResiduals, error) {
	if set == nil {
		return nil, errors.Wrap(photogrammetry.ErrInvalidParameter, "no correspondence set")
	}
	if len(poses) != len(set.Views) {
		return nil, errors.Wrapf(photogrammetry.ErrInvalidParameter, "%d poses for %d views", len(poses), len(set.Views))
	}
	out := make([]ViewResiduals, len(set.Views))
	for i, v := range set.Views {
		projected := photogrammetry.ProjectPoints(v.BoardPoints(), k, d, poses[i])
		res := make([]r2.Point, len(projected))
		var sum float64
		for j, c := range v.Correspondences {
			res[j] = c.Pixel.Sub(projected[j])
			sum += res[j].Dot(res[j])
		}
		out[i] = ViewResiduals{
			ImageID:   v.ImageID,
			Residuals: res,
			RMS:       math.Sqrt(sum / float64(len(res))),
		}
	}
	return out, nil
}

// OverallRMS is the RMS over every corner of every view.
func OverallRMS(views []ViewResiduals) float64 {
	var sum float64
	var n int
	for _, v := range views {
		for _, r := range v.Residuals {
			sum += r.Dot(r)
		}
		n += len(v.Residuals)
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

// ErrorChart draws one bar per view and a line at the overall RMS.
func ErrorChart(views []ViewResiduals) (*plot.Plot, error) {
	if len(views) == 0 {
		return nil, errors.Wrap(photogrammetry.ErrInsufficientData, "no views to chart")
	}
	values := make(plotter.Values, len(views))
	names := make([]string, len(views))
	for i, v := range views {
		values[i] = v.RMS
		names[i] = v.ImageID
	}

	p := plot.New()
	p.Title.Text = "Reprojection error per view"
	p.Y.Label.Text = "RMS (px)"
	p.Y.Min = 0

	bars, err := plotter.NewBarChart(values, vg.Points(12))
	if err != nil {
		return nil, err
	}
	bars.Color = color.RGBA{R: 70, G: 130, B: 180, A: 255}
	bars.LineStyle.Width = vg.Length(0)
	p.Add(bars)
	p.NominalX(names...)

	overall := OverallRMS(views)
	mean, err := plotter.NewLine(plotter.XYs{
		{X: -0.5, Y: overall},
		{X: float64(len(views)) - 0.5, Y: overall},
	})
	if err != nil {
		return nil, err
	}
	mean.Color = color.RGBA{R: 200, A: 255}
	mean.Width = vg.Points(1)
	mean.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	p.Add(mean)
	p.Legend.Add(fmt.Sprintf("overall %.3f px", overall), mean)
	p.Legend.Top = true
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

// ResidualScatter draws every corner residual, one colour per view, with a
// square aspect so that anisotropy is visible.
func ResidualScatter(views []ViewResiduals) (*plot.Plot, error) {
	if len(views) == 0 {
		return nil, errors.Wrap(photogrammetry.ErrInsufficientData, "no views to chart")
	}
	p := plot.New()
	p.Title.Text = "Reprojection residuals"
	p.X.Label.Text = "dx (px)"
	p.Y.Label.Text = "dy (px)"
	p.Add(plotter.NewGrid())

	colors := generateColors(len(views))
	var extent float64
	for i, v := range views {
		if len(v.Residuals) == 0 {
			continue
		}
		pts := make(plotter.XYs, len(v.Residuals))
		for j, r := range v.Residuals {
			pts[j] = plotter.XY{X: r.X, Y: r.Y}
			extent = math.Max(extent, math.Max(math.Abs(r.X), math.Abs(r.Y)))
		}
		s, err := plotter.NewScatter(pts)
		if err != nil {
			return nil, errors.Wrapf(err, "view %s", v.ImageID)
		}
		s.GlyphStyle.Color = colors[i]
		s.GlyphStyle.Shape = draw.CircleGlyph{}
		s.GlyphStyle.Radius = vg.Points(1.5)
		p.Add(s)
		if len(views) <= 12 {
			p.Legend.Add(v.ImageID, s)
		}
	}
	if extent == 0 {
		extent = 1
	}
	extent *= 1.1
	p.X.Min, p.X.Max = -extent, extent
	p.Y.Min, p.Y.Max = -extent, extent
	p.Legend.Top = true
	return p, nil
}

// WritePNG renders p at the given size.
func WritePNG(w io.Writer, p *plot.Plot, width, height vg.Length) error {
	wt, err := p.WriterTo(width, height, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

// Generate writes both charts into outputDir and returns their paths.
func Generate(outputDir string, views []ViewResiduals) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create output dir")
	}
	chart, err := ErrorChart(views)
	if err != nil {
		return nil, err
	}
	scatter, err := ResidualScatter(views)
	if err != nil {
		return nil, err
	}

	chartFile := filepath.Join(outputDir, ErrorChartFile)
	if err := chart.Save(10*vg.Inch, 5*vg.Inch, chartFile); err != nil {
		return nil, errors.Wrap(err, "save error chart")
	}
	scatterFile := filepath.Join(outputDir, ScatterFile)
	if err := scatter.Save(7*vg.Inch, 7*vg.Inch, scatterFile); err != nil {
		return nil, errors.Wrap(err, "save residual scatter")
	}
	logger.WithFields(logrus.Fields{"dir": outputDir, "views": len(views)}).Info("Wrote accuracy report")
	return []string{chartFile, scatterFile}, nil
}

// generateColors spreads n hues around the colour wheel.
func generateColors(n int) []color.Color {
	colors := make([]color.Color, n)
	for i := range colors {
		r, g, b := hslToRGB(float64(i)/float64(n), 0.7, 0.5)
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

func hslToRGB(h, s, l float64) (r, g, b uint8) {
	if s == 0 {
		v := uint8(l * 255)
		return v, v, v
	}
	q := l + s - l*s
	if l < 0.5 {
		q = l * (1 + s)
	}
	p := 2*l - q
	return uint8(hueToRGB(p, q, h+1.0/3.0) * 255),
		uint8(hueToRGB(p, q, h) * 255),
		uint8(hueToRGB(p, q, h-1.0/3.0) * 255)
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t++
	}
	if t > 1 {
		t--
	}
	switch {
	case t < 1.0/6.0:
		return p + (q-p)*6*t
	case t < 1.0/2.0:
		return q
	case t < 2.0/3.0:
		return p + (q-p)*(2.0/3.0-t)*6
	}
	return p
}
