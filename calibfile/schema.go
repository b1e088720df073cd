// Package calibfile persists calibration artifacts as HDF5, MAT (level 5) and
// JSON files that share one field schema.
package calibfile

import (
	"math"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"sphaeroptica.be/calibrate/calibration"
	"sphaeroptica.be/calibrate/photogrammetry"
)

const (
	FormatType    = "vision-calib"
	FormatVersion = "1.0"
)

// Field names shared by every format.
const (
	fieldCameraMatrix      = "camera_matrix"
	fieldDistortion        = "distortion_coeffs"
	fieldImageSize         = "image_size"
	fieldReprojectionError = "reprojection_error"
	fieldRotationVector    = "rotation_vector"
	fieldTranslationVector = "translation_vector"
	fieldRotationMatrix    = "rotation_matrix"
	fieldCameraPosition    = "camera_position"
	fieldTimestamp         = "timestamp"
	fieldSoftwareVersion   = "software_version"
	fieldNotes             = "notes"
	fieldRunID             = "run_id"
	fieldNumImagesUsed     = "num_images_used"
	fieldSquareSize        = "square_size_mm"
	fieldCheckerboardRows  = "checkerboard_rows"
	fieldCheckerboardCols  = "checkerboard_cols"
	fieldPerImageErrors    = "per_image_errors"
	fieldFormatType        = "format_type"
	fieldFormatVersion     = "format_version"
)

var logger = logrus.WithField("component", "calibfile")

func schemaError(format string, args ...interface{}) error {
	return errors.Wrapf(photogrammetry.ErrSchemaViolation, format, args...)
}

// cameraMatrixFromRows reads a row-major 3x3 matrix.
func cameraMatrixFromRows(v []float64) (photogrammetry.CameraMatrix, error) {
	if len(v) != 9 {
		return photogrammetry.CameraMatrix{}, schemaError("%s has %d entries, want 9", fieldCameraMatrix, len(v))
	}
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return photogrammetry.CameraMatrix{}, schemaError("%s is not finite", fieldCameraMatrix)
		}
	}
	k, err := photogrammetry.CameraMatrixFromDense(mat.NewDense(3, 3, append([]float64(nil), v...)))
	if err != nil {
		return k, schemaError("%s: %v", fieldCameraMatrix, err)
	}
	return k, nil
}

func cameraMatrixRows(k photogrammetry.CameraMatrix) []float64 {
	return mat.DenseCopyOf(k.Matrix()).RawMatrix().Data
}

func rotationMatrixRows(p photogrammetry.Pose) []float64 {
	return mat.DenseCopyOf(p.RotationMatrix()).RawMatrix().Data
}

func vec3(name string, v []float64) ([3]float64, error) {
	if len(v) != 3 {
		return [3]float64{}, schemaError("%s has %d entries, want 3", name, len(v))
	}
	return [3]float64{v[0], v[1], v[2]}, nil
}

func poseFromVectors(rv, tv []float64) (*photogrammetry.Pose, error) {
	r, err := vec3(fieldRotationVector, rv)
	if err != nil {
		return nil, err
	}
	t, err := vec3(fieldTranslationVector, tv)
	if err != nil {
		return nil, err
	}
	return &photogrammetry.Pose{
		Rotation:    r3.Vector{X: r[0], Y: r[1], Z: r[2]},
		Translation: r3.Vector{X: t[0], Y: t[1], Z: t[2]},
	}, nil
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

// parseTimestamp accepts RFC 3339 and zone-less ISO 8601 stamps, the latter
// read as UTC. Anything else yields the zero time.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	logger.WithField("timestamp", s).Warn("Unreadable timestamp, leaving it empty")
	return time.Time{}
}

// buildArtifact turns decoded fields into an artifact; any validation failure
// is a schema violation of the file.
func buildArtifact(f calibration.ArtifactFields) (*calibration.Artifact, error) {
	a, err := calibration.NewArtifact(f)
	if err != nil {
		return nil, schemaError("%v", err)
	}
	return a, nil
}

func toInt(v float64) int {
	return int(math.Round(v))
}
