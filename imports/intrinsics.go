package imports

import (
	"encoding/xml"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"sphaeroptica.be/calibrate/calibration"
	"sphaeroptica.be/calibrate/photogrammetry"
)

// MatrixXML is an opencv-matrix node of a FileStorage document.
type MatrixXML struct {
	Rows int    `xml:"rows"`
	Cols int    `xml:"cols"`
	Dt   string `xml:"dt"`
	Data string `xml:"data"`
}

// IntrinsicsXML covers both the Metashape export names and the lower case
// names written by the OpenCV calibration sample.
type IntrinsicsXML struct {
	XMLName                 xml.Name   `xml:"opencv_storage"`
	Image_Width             int        `xml:"image_Width"`
	Image_Height            int        `xml:"image_Height"`
	Camera_Matrix           *MatrixXML `xml:"Camera_Matrix"`
	Distortion_Coefficients *MatrixXML `xml:"Distortion_Coefficients"`

	ImageWidth             int        `xml:"image_width"`
	ImageHeight            int        `xml:"image_height"`
	CameraMatrix           *MatrixXML `xml:"camera_matrix"`
	DistortionCoefficients *MatrixXML `xml:"distortion_coefficients"`
}

type Intrinsics struct {
	ImageSize    photogrammetry.ImageSize
	CameraMatrix photogrammetry.CameraMatrix
	Distortion   photogrammetry.Distortion
}

// Guess seeds a calibration with these intrinsics.
func (in Intrinsics) Guess() *calibration.InitialGuess {
	k := in.CameraMatrix
	return &calibration.InitialGuess{CameraMatrix: &k, Distortion: in.Distortion.Clone()}
}

func (m *MatrixXML) values(name string) ([]float64, error) {
	fields := strings.Fields(m.Data)
	if len(fields) != m.Rows*m.Cols {
		return nil, errors.Wrapf(photogrammetry.ErrSchemaViolation, "%s: %d values for a %dx%d matrix", name, len(fields), m.Rows, m.Cols)
	}
	data := make([]float64, len(fields))
	for i, s := range fields {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, errors.Wrapf(photogrammetry.ErrSchemaViolation, "%s: %v", name, err)
		}
		data[i] = v
	}
	return data, nil
}

// ReadIntrinsics parses an OpenCV FileStorage XML document holding a camera
// matrix and distortion coefficients.
func ReadIntrinsics(r io.Reader) (*Intrinsics, error) {
	var intrinsicFile IntrinsicsXML
	if err := xml.NewDecoder(r).Decode(&intrinsicFile); err != nil {
		return nil, errors.Wrapf(photogrammetry.ErrSchemaViolation, "intrinsics XML: %v", err)
	}

	camera, distortion := intrinsicFile.Camera_Matrix, intrinsicFile.Distortion_Coefficients
	width, height := intrinsicFile.Image_Width, intrinsicFile.Image_Height
	if camera == nil {
		camera = intrinsicFile.CameraMatrix
	}
	if distortion == nil {
		distortion = intrinsicFile.DistortionCoefficients
	}
	if width == 0 && height == 0 {
		width, height = intrinsicFile.ImageWidth, intrinsicFile.ImageHeight
	}
	if camera == nil {
		return nil, errors.Wrap(photogrammetry.ErrSchemaViolation, "intrinsics XML has no camera matrix")
	}
	if camera.Rows != 3 || camera.Cols != 3 {
		return nil, errors.Wrapf(photogrammetry.ErrSchemaViolation, "camera matrix is %dx%d", camera.Rows, camera.Cols)
	}

	cameraData, err := camera.values("camera matrix")
	if err != nil {
		return nil, err
	}
	k, err := photogrammetry.CameraMatrixFromDense(mat.NewDense(3, 3, cameraData))
	if err != nil {
		return nil, err
	}

	in := &Intrinsics{
		ImageSize:    photogrammetry.ImageSize{Width: width, Height: height},
		CameraMatrix: k,
		Distortion:   photogrammetry.Distortion{},
	}
	if distortion != nil {
		if distortion.Rows != 1 && distortion.Cols != 1 {
			return nil, errors.Wrapf(photogrammetry.ErrSchemaViolation, "distortion is %dx%d", distortion.Rows, distortion.Cols)
		}
		d, err := distortion.values("distortion")
		if err != nil {
			return nil, err
		}
		in.Distortion = d
		if err := in.Distortion.Validate(); err != nil {
			return nil, errors.Wrap(err, "intrinsics XML")
		}
	}
	return in, nil
}

func ReadIntrinsicsFile(file string) (*Intrinsics, error) {
	xmlFile, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer xmlFile.Close()
	in, err := ReadIntrinsics(xmlFile)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", file)
	}
	return in, nil
}
