package calibration

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"sphaeroptica.be/calibrate/photogrammetry"
)

// ArtifactFields is the plain form of an Artifact, used to build one and to
// read it back in bulk.
type ArtifactFields struct {
	CameraMatrix      photogrammetry.CameraMatrix
	Distortion        photogrammetry.Distortion
	ImageSize         photogrammetry.ImageSize
	ReprojectionError float64
	Pose              *photogrammetry.Pose
	Checkerboard      *Checkerboard
	Timestamp         time.Time
	SoftwareVersion   string
	NumImagesUsed     int
	PerViewErrors     []float64
	Notes             string
	RunID             string
}

func (f ArtifactFields) clone() ArtifactFields {
	out := f
	out.Distortion = f.Distortion.Clone()
	if f.Pose != nil {
		p := *f.Pose
		out.Pose = &p
	}
	if f.Checkerboard != nil {
		b := *f.Checkerboard
		out.Checkerboard = &b
	}
	if f.PerViewErrors != nil {
		out.PerViewErrors = append([]float64{}, f.PerViewErrors...)
	}
	return out
}

// Artifact is a finished calibration. It never changes once built; the
// With* methods return modified copies.
type Artifact struct {
	f ArtifactFields
}

func NewArtifact(f ArtifactFields) (*Artifact, error) {
	if err := f.CameraMatrix.Validate(); err != nil {
		return nil, err
	}
	if err := f.Distortion.Validate(); err != nil {
		return nil, err
	}
	if f.ImageSize.Width < 0 || f.ImageSize.Height < 0 {
		return nil, errors.Wrapf(photogrammetry.ErrInvalidParameter, "image size %dx%d", f.ImageSize.Width, f.ImageSize.Height)
	}
	if math.IsNaN(f.ReprojectionError) || f.ReprojectionError < 0 {
		return nil, errors.Wrapf(photogrammetry.ErrInvalidParameter, "reprojection error %g", f.ReprojectionError)
	}
	if f.Checkerboard != nil {
		if err := f.Checkerboard.Validate(); err != nil {
			return nil, err
		}
	}
	if f.NumImagesUsed < 0 {
		return nil, errors.Wrapf(photogrammetry.ErrInvalidParameter, "num images used %d", f.NumImagesUsed)
	}
	return &Artifact{f: f.clone()}, nil
}

// Fields returns a deep copy of the artifact content.
func (a *Artifact) Fields() ArtifactFields { return a.f.clone() }

func (a *Artifact) CameraMatrix() photogrammetry.CameraMatrix { return a.f.CameraMatrix }

func (a *Artifact) Distortion() photogrammetry.Distortion { return a.f.Distortion.Clone() }

func (a *Artifact) ImageSize() photogrammetry.ImageSize { return a.f.ImageSize }

func (a *Artifact) ReprojectionError() float64 { return a.f.ReprojectionError }

func (a *Artifact) HasPose() bool { return a.f.Pose != nil }

// Pose returns nil when the artifact only carries intrinsics.
func (a *Artifact) Pose() *photogrammetry.Pose {
	if a.f.Pose == nil {
		return nil
	}
	p := *a.f.Pose
	return &p
}

func (a *Artifact) Checkerboard() *Checkerboard {
	if a.f.Checkerboard == nil {
		return nil
	}
	b := *a.f.Checkerboard
	return &b
}

func (a *Artifact) Timestamp() time.Time { return a.f.Timestamp }

func (a *Artifact) SoftwareVersion() string { return a.f.SoftwareVersion }

func (a *Artifact) NumImagesUsed() int { return a.f.NumImagesUsed }

func (a *Artifact) PerViewErrors() []float64 {
	if a.f.PerViewErrors == nil {
		return nil
	}
	return append([]float64{}, a.f.PerViewErrors...)
}

func (a *Artifact) Notes() string { return a.f.Notes }

func (a *Artifact) RunID() string { return a.f.RunID }

func (a *Artifact) WithPose(pose photogrammetry.Pose) *Artifact {
	f := a.f.clone()
	f.Pose = &pose
	return &Artifact{f: f}
}

func (a *Artifact) WithoutPose() *Artifact {
	f := a.f.clone()
	f.Pose = nil
	return &Artifact{f: f}
}

func (a *Artifact) WithNotes(notes string) *Artifact {
	f := a.f.clone()
	f.Notes = notes
	return &Artifact{f: f}
}

// Transformer builds a coordinate transformer for this camera. Without a pose
// only the pixel/camera conversions are usable.
func (a *Artifact) Transformer(opts ...photogrammetry.TransformerOption) (*photogrammetry.Transformer, error) {
	opts = append([]photogrammetry.TransformerOption{photogrammetry.WithImageSize(a.f.ImageSize)}, opts...)
	return photogrammetry.NewTransformer(a.f.CameraMatrix, a.f.Distortion, a.f.Pose, opts...)
}

var distortionNames = []string{"k1", "k2", "p1", "p2", "k3", "k4", "k5", "k6", "s1", "s2", "s3", "s4"}

// Summary renders a human readable report.
func (a *Artifact) Summary() string {
	f := a.f
	rule := strings.Repeat("=", 50)
	var sb strings.Builder
	line := func(format string, args ...interface{}) {
		fmt.Fprintf(&sb, format+"\n", args...)
	}

	line(rule)
	line("Camera Calibration Result")
	line(rule)
	if !f.Timestamp.IsZero() {
		line("Timestamp: %s", f.Timestamp.Format("2006-01-02 15:04:05"))
	}
	line("Software Version: %s", f.SoftwareVersion)
	if f.RunID != "" {
		line("Run ID: %s", f.RunID)
	}
	line("")
	line("Intrinsic Parameters:")
	line("  Image Size: %d x %d", f.ImageSize.Width, f.ImageSize.Height)
	line("  Focal Length: fx=%.2f, fy=%.2f", f.CameraMatrix.Fx, f.CameraMatrix.Fy)
	line("  Principal Point: cx=%.2f, cy=%.2f", f.CameraMatrix.Cx, f.CameraMatrix.Cy)
	line("  Reprojection Error: %.4f pixels", f.ReprojectionError)
	line("")
	line("Distortion Coefficients:")
	for i := 0; i < len(f.Distortion); i += 2 {
		if i+1 < len(f.Distortion) {
			line("  %s=%.6f, %s=%.6f", distortionNames[i], f.Distortion[i], distortionNames[i+1], f.Distortion[i+1])
		} else {
			line("  %s=%.6f", distortionNames[i], f.Distortion[i])
		}
	}
	if len(f.Distortion) == 0 {
		line("  none")
	}

	if f.Checkerboard != nil {
		line("")
		line("Checkerboard Configuration:")
		line("  Pattern: %d x %d", f.Checkerboard.Cols, f.Checkerboard.Rows)
		line("  Square Size: %g mm", f.Checkerboard.SquareSize)
	}

	if f.Pose != nil {
		rv, t, c := f.Pose.Rotation, f.Pose.Translation, f.Pose.CameraPosition()
		line("")
		line("Extrinsic Parameters:")
		line("  Rotation Vector (rad):")
		for _, axis := range []struct {
			name string
			v    float64
		}{{"rx", rv.X}, {"ry", rv.Y}, {"rz", rv.Z}} {
			line("    %s = %+.6f (%+.2f deg)", axis.name, axis.v, photogrammetry.Rad2Degrees(axis.v))
		}
		line("  Translation Vector (mm): %s", formatVector(t))
		line("  Rotation Matrix:")
		line("    %v", photogrammetry.FormatMatrixPrint(f.Pose.RotationMatrix()))
		line("  Camera Position (mm): %s", formatVector(c))
	}

	if len(f.PerViewErrors) > 0 {
		line("")
		line("Per Image Errors (pixels):")
		for i, e := range f.PerViewErrors {
			line("  #%d: %.4f", i, e)
		}
	}
	if f.Notes != "" {
		line("")
		line("Notes: %s", f.Notes)
	}
	line("")
	line("Images Used: %d", f.NumImagesUsed)
	sb.WriteString(rule)
	return sb.String()
}

func formatVector(v r3.Vector) string {
	return fmt.Sprintf("[%+.3f %+.3f %+.3f]", v.X, v.Y, v.Z)
}
