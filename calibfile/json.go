package calibfile

import (
	"encoding/json"
	"io"

	"sphaeroptica.be/calibrate/calibration"
)

type jsonDocument struct {
	FormatVersion  string         `json:"format_version"`
	FormatType     string         `json:"format_type"`
	Intrinsic      *jsonIntrinsic `json:"intrinsic"`
	Extrinsic      *jsonExtrinsic `json:"extrinsic,omitempty"`
	Metadata       jsonMetadata   `json:"metadata"`
	PerImageErrors *[]float64     `json:"per_image_errors,omitempty"`
}

type jsonIntrinsic struct {
	CameraMatrix      [][]float64 `json:"camera_matrix"`
	DistortionCoeffs  []float64   `json:"distortion_coeffs"`
	ImageSize         []int       `json:"image_size"`
	ReprojectionError float64     `json:"reprojection_error"`
	Fx                float64     `json:"fx"`
	Fy                float64     `json:"fy"`
	Cx                float64     `json:"cx"`
	Cy                float64     `json:"cy"`
}

type jsonExtrinsic struct {
	RotationVector    []float64   `json:"rotation_vector"`
	TranslationVector []float64   `json:"translation_vector"`
	RotationMatrix    [][]float64 `json:"rotation_matrix,omitempty"`
	CameraPosition    []float64   `json:"camera_position,omitempty"`
}

type jsonMetadata struct {
	Timestamp       string                    `json:"timestamp"`
	Checkerboard    *calibration.Checkerboard `json:"checkerboard,omitempty"`
	NumImagesUsed   int                       `json:"num_images_used"`
	SoftwareVersion string                    `json:"software_version"`
	Notes           string                    `json:"notes"`
	RunID           string                    `json:"run_id,omitempty"`
}

func rows3(v []float64) [][]float64 {
	return [][]float64{v[0:3], v[3:6], v[6:9]}
}

// EncodeJSON writes the artifact as indented JSON.
func EncodeJSON(w io.Writer, a *calibration.Artifact) error {
	f := a.Fields()
	k := f.CameraMatrix
	doc := jsonDocument{
		FormatVersion: FormatVersion,
		FormatType:    FormatType,
		Intrinsic: &jsonIntrinsic{
			CameraMatrix:      rows3(cameraMatrixRows(k)),
			DistortionCoeffs:  append([]float64{}, f.Distortion...),
			ImageSize:         []int{f.ImageSize.Width, f.ImageSize.Height},
			ReprojectionError: f.ReprojectionError,
			Fx:                k.Fx,
			Fy:                k.Fy,
			Cx:                k.Cx,
			Cy:                k.Cy,
		},
		Metadata: jsonMetadata{
			Timestamp:       formatTimestamp(f.Timestamp),
			Checkerboard:    f.Checkerboard,
			NumImagesUsed:   f.NumImagesUsed,
			SoftwareVersion: f.SoftwareVersion,
			Notes:           f.Notes,
			RunID:           f.RunID,
		},
	}
	if f.PerViewErrors != nil {
		errs := append([]float64{}, f.PerViewErrors...)
		doc.PerImageErrors = &errs
	}
	if p := f.Pose; p != nil {
		c := p.CameraPosition()
		doc.Extrinsic = &jsonExtrinsic{
			RotationVector:    []float64{p.Rotation.X, p.Rotation.Y, p.Rotation.Z},
			TranslationVector: []float64{p.Translation.X, p.Translation.Y, p.Translation.Z},
			RotationMatrix:    rows3(rotationMatrixRows(*p)),
			CameraPosition:    []float64{c.X, c.Y, c.Z},
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// DecodeJSON reads an artifact. The intrinsic camera_matrix and
// distortion_coeffs entries are mandatory.
func DecodeJSON(r io.Reader) (*calibration.Artifact, error) {
	var doc jsonDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, schemaError("invalid JSON: %v", err)
	}
	if doc.FormatType != "" && doc.FormatType != FormatType {
		logger.WithField("format_type", doc.FormatType).Warn("Unknown format type")
	}
	if doc.Intrinsic == nil {
		return nil, schemaError("missing intrinsic section")
	}
	in := doc.Intrinsic
	if in.CameraMatrix == nil {
		return nil, schemaError("missing %s", fieldCameraMatrix)
	}
	if in.DistortionCoeffs == nil {
		return nil, schemaError("missing %s", fieldDistortion)
	}
	var flat []float64
	for _, row := range in.CameraMatrix {
		if len(row) != 3 {
			return nil, schemaError("%s rows must have 3 entries", fieldCameraMatrix)
		}
		flat = append(flat, row...)
	}
	k, err := cameraMatrixFromRows(flat)
	if err != nil {
		return nil, err
	}

	f := calibration.ArtifactFields{
		CameraMatrix:      k,
		Distortion:        in.DistortionCoeffs,
		ReprojectionError: in.ReprojectionError,
		Checkerboard:      doc.Metadata.Checkerboard,
		Timestamp:         parseTimestamp(doc.Metadata.Timestamp),
		SoftwareVersion:   doc.Metadata.SoftwareVersion,
		NumImagesUsed:     doc.Metadata.NumImagesUsed,
		Notes:             doc.Metadata.Notes,
		RunID:             doc.Metadata.RunID,
	}
	if doc.PerImageErrors != nil {
		f.PerViewErrors = *doc.PerImageErrors
	}
	if in.ImageSize != nil {
		if len(in.ImageSize) != 2 {
			return nil, schemaError("%s has %d entries, want 2", fieldImageSize, len(in.ImageSize))
		}
		f.ImageSize.Width, f.ImageSize.Height = in.ImageSize[0], in.ImageSize[1]
	}
	if ex := doc.Extrinsic; ex != nil && ex.RotationVector != nil && ex.TranslationVector != nil {
		pose, err := poseFromVectors(ex.RotationVector, ex.TranslationVector)
		if err != nil {
			return nil, err
		}
		f.Pose = pose
	}
	return buildArtifact(f)
}
