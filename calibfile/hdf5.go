package calibfile

import (
	"github.com/pkg/errors"
	"gonum.org/v1/hdf5"

	"sphaeroptica.be/calibrate/calibration"
	"sphaeroptica.be/calibrate/photogrammetry"
)

// HDF5 layout: arrays are datasets (camera_matrix, distortion_coeffs,
// image_size, the extrinsic vectors and per_image_errors); scalars are
// attributes. format_type and format_version sit on the root group,
// reprojection_error on /intrinsic and every metadata field on /metadata.
// Strings are variable length.

// h5Node is satisfied by *hdf5.File and *hdf5.Group.
type h5Node interface {
	CreateDataset(name string, dtype *hdf5.Datatype, dspace *hdf5.Dataspace) (*hdf5.Dataset, error)
	OpenDataset(name string) (*hdf5.Dataset, error)
}

// h5Group holds both datasets and attributes.
type h5Group interface {
	h5Node
	CreateAttribute(name string, dtype *hdf5.Datatype, dspace *hdf5.Dataspace) (*hdf5.Attribute, error)
	OpenAttribute(name string) (*hdf5.Attribute, error)
}

func h5Write(node h5Node, name string, dtype *hdf5.Datatype, dims []uint, data interface{}, n int) error {
	space, err := hdf5.CreateSimpleDataspace(dims, nil)
	if err != nil {
		return errors.Wrapf(err, "dataspace for %s", name)
	}
	defer space.Close()
	dset, err := node.CreateDataset(name, dtype, space)
	if err != nil {
		return errors.Wrapf(err, "create %s", name)
	}
	defer dset.Close()
	if n == 0 {
		return nil
	}
	return errors.Wrapf(dset.Write(data), "write %s", name)
}

func h5Floats(node h5Node, name string, v []float64, dims ...uint) error {
	if dims == nil {
		dims = []uint{uint(len(v))}
	}
	buf := append([]float64(nil), v...)
	return h5Write(node, name, hdf5.T_NATIVE_DOUBLE, dims, &buf, len(buf))
}

func h5Ints(node h5Node, name string, v ...int) error {
	buf := make([]int32, len(v))
	for i, x := range v {
		buf[i] = int32(x)
	}
	return h5Write(node, name, hdf5.T_NATIVE_INT32, []uint{uint(len(buf))}, &buf, len(buf))
}

// h5SetAttr writes a scalar attribute.
func h5SetAttr(node h5Group, name string, dtype *hdf5.Datatype, v interface{}) error {
	space, err := hdf5.CreateDataspace(hdf5.S_SCALAR)
	if err != nil {
		return errors.Wrapf(err, "dataspace for %s", name)
	}
	defer space.Close()
	attr, err := node.CreateAttribute(name, dtype, space)
	if err != nil {
		return errors.Wrapf(err, "create attribute %s", name)
	}
	defer attr.Close()
	return errors.Wrapf(attr.Write(v, dtype), "write attribute %s", name)
}

func h5AttrFloat(node h5Group, name string, v float64) error {
	return h5SetAttr(node, name, hdf5.T_NATIVE_DOUBLE, &v)
}

func h5AttrInt(node h5Group, name string, v int) error {
	x := int64(v)
	return h5SetAttr(node, name, hdf5.T_NATIVE_INT64, &x)
}

func h5AttrString(node h5Group, name, s string) error {
	return h5SetAttr(node, name, hdf5.T_GO_STRING, &s)
}

// saveHDF5 writes the artifact to path, truncating any existing file.
func saveHDF5(path string, a *calibration.Artifact) (err error) {
	f := a.Fields()
	file, err := hdf5.CreateFile(path, hdf5.F_ACC_TRUNC)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer func() {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
	}()

	root, err := file.OpenGroup("/")
	if err != nil {
		return errors.Wrap(err, "open root group")
	}
	defer root.Close()
	intr, err := file.CreateGroup("intrinsic")
	if err != nil {
		return err
	}
	defer intr.Close()
	steps := []func() error{
		func() error { return h5AttrString(root, fieldFormatVersion, FormatVersion) },
		func() error { return h5AttrString(root, fieldFormatType, FormatType) },
		func() error { return h5Floats(intr, fieldCameraMatrix, cameraMatrixRows(f.CameraMatrix), 3, 3) },
		func() error { return h5Floats(intr, fieldDistortion, f.Distortion) },
		func() error { return h5Ints(intr, fieldImageSize, f.ImageSize.Width, f.ImageSize.Height) },
		func() error { return h5AttrFloat(intr, fieldReprojectionError, f.ReprojectionError) },
	}
	if f.PerViewErrors != nil {
		steps = append(steps, func() error { return h5Floats(root, fieldPerImageErrors, f.PerViewErrors) })
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}

	if p := f.Pose; p != nil {
		ext, err := file.CreateGroup("extrinsic")
		if err != nil {
			return err
		}
		defer ext.Close()
		if err := h5Floats(ext, fieldRotationVector, []float64{p.Rotation.X, p.Rotation.Y, p.Rotation.Z}); err != nil {
			return err
		}
		if err := h5Floats(ext, fieldTranslationVector, []float64{p.Translation.X, p.Translation.Y, p.Translation.Z}); err != nil {
			return err
		}
		if err := h5Floats(ext, fieldRotationMatrix, rotationMatrixRows(*p), 3, 3); err != nil {
			return err
		}
	}

	meta, err := file.CreateGroup("metadata")
	if err != nil {
		return err
	}
	defer meta.Close()
	steps = []func() error{
		func() error { return h5AttrString(meta, fieldTimestamp, formatTimestamp(f.Timestamp)) },
		func() error { return h5AttrInt(meta, fieldNumImagesUsed, f.NumImagesUsed) },
		func() error { return h5AttrString(meta, fieldSoftwareVersion, f.SoftwareVersion) },
		func() error { return h5AttrString(meta, fieldNotes, f.Notes) },
		func() error { return h5AttrString(meta, fieldRunID, f.RunID) },
	}
	if b := f.Checkerboard; b != nil {
		steps = append(steps,
			func() error { return h5AttrInt(meta, fieldCheckerboardRows, b.Rows) },
			func() error { return h5AttrInt(meta, fieldCheckerboardCols, b.Cols) },
			func() error { return h5AttrFloat(meta, fieldSquareSize, b.SquareSize) },
		)
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

// h5GetFloat reads a single-valued numeric attribute as float64, letting
// HDF5 convert stored integers and floats. A missing attribute reports
// ok = false.
func h5GetFloat(node h5Group, name string) (v float64, ok bool, err error) {
	attr, err := node.OpenAttribute(name)
	if err != nil {
		return 0, false, nil
	}
	defer attr.Close()
	space := attr.Space()
	defer space.Close()
	if n := space.SimpleExtentNPoints(); n != 1 {
		return 0, true, schemaError("attribute %s has %d values, want 1", name, n)
	}
	if err := attr.Read(&v, hdf5.T_NATIVE_DOUBLE); err != nil {
		return 0, true, schemaError("attribute %s: %v", name, err)
	}
	return v, true, nil
}

func h5GetString(node h5Group, name string) (s string, ok bool, err error) {
	attr, err := node.OpenAttribute(name)
	if err != nil {
		return "", false, nil
	}
	defer attr.Close()
	if err := attr.Read(&s, hdf5.T_GO_STRING); err != nil {
		return "", true, schemaError("attribute %s: %v", name, err)
	}
	return s, true, nil
}

// h5Scalar reads name as an attribute, falling back to a one-value dataset
// as written by earlier releases.
func h5Scalar(node h5Group, name string) (float64, bool, error) {
	if v, ok, err := h5GetFloat(node, name); ok || err != nil {
		return v, ok, err
	}
	vals, _, ok, err := h5Read(node, name)
	if err != nil || !ok {
		return 0, ok, err
	}
	if len(vals) != 1 {
		return 0, true, schemaError("%s has %d values, want 1", name, len(vals))
	}
	return vals[0], true, nil
}

// h5Text reads name as a string attribute, falling back to a byte dataset
// as written by earlier releases.
func h5Text(node h5Group, name string) (string, error) {
	if s, ok, err := h5GetString(node, name); ok || err != nil {
		return s, err
	}
	return h5ReadString(node, name)
}

// h5Read loads a dataset as float64 whatever its stored numeric type. A
// missing dataset reports ok = false.
func h5Read(node h5Node, name string) (vals []float64, dims []uint, ok bool, err error) {
	dset, err := node.OpenDataset(name)
	if err != nil {
		return nil, nil, false, nil
	}
	defer dset.Close()

	space := dset.Space()
	defer space.Close()
	dims, _, err = space.SimpleExtentDims()
	if err != nil {
		return nil, nil, true, schemaError("%s: %v", name, err)
	}
	n := space.SimpleExtentNPoints()
	if n == 0 {
		return []float64{}, dims, true, nil
	}

	dtype, err := dset.Datatype()
	if err != nil {
		return nil, nil, true, schemaError("%s: %v", name, err)
	}
	defer dtype.Close()

	vals = make([]float64, n)
	switch class, size := dtype.Class(), dtype.Size(); {
	case class == hdf5.T_FLOAT && size == 8:
		if err := dset.Read(&vals); err != nil {
			return nil, nil, true, schemaError("%s: %v", name, err)
		}
	case class == hdf5.T_FLOAT && size == 4:
		buf := make([]float32, n)
		if err := dset.Read(&buf); err != nil {
			return nil, nil, true, schemaError("%s: %v", name, err)
		}
		for i, v := range buf {
			vals[i] = float64(v)
		}
	case class == hdf5.T_INTEGER && size == 8:
		buf := make([]int64, n)
		if err := dset.Read(&buf); err != nil {
			return nil, nil, true, schemaError("%s: %v", name, err)
		}
		for i, v := range buf {
			vals[i] = float64(v)
		}
	case class == hdf5.T_INTEGER && size == 4:
		buf := make([]int32, n)
		if err := dset.Read(&buf); err != nil {
			return nil, nil, true, schemaError("%s: %v", name, err)
		}
		for i, v := range buf {
			vals[i] = float64(v)
		}
	default:
		return nil, nil, true, schemaError("%s has unsupported type (class %v, %d bytes)", name, class, size)
	}
	return vals, dims, true, nil
}

func h5ReadString(node h5Node, name string) (string, error) {
	dset, err := node.OpenDataset(name)
	if err != nil {
		return "", nil
	}
	defer dset.Close()
	space := dset.Space()
	defer space.Close()
	n := space.SimpleExtentNPoints()
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if err := dset.Read(&buf); err != nil {
		return "", schemaError("%s: %v", name, err)
	}
	return string(buf), nil
}

// loadHDF5 reads an artifact. /intrinsic/camera_matrix and
// /intrinsic/distortion_coeffs are mandatory.
func loadHDF5(path string) (*calibration.Artifact, error) {
	file, err := hdf5.OpenFile(path, hdf5.F_ACC_RDONLY)
	if err != nil {
		return nil, schemaError("open %s as HDF5: %v", path, err)
	}
	defer file.Close()

	root, err := file.OpenGroup("/")
	if err != nil {
		return nil, schemaError("open root group of %s: %v", path, err)
	}
	defer root.Close()
	ft, err := h5Text(root, fieldFormatType)
	if err != nil {
		return nil, err
	}
	if ft != FormatType {
		logger.WithField("format_type", ft).Warn("Unknown format type")
	}

	intr, err := file.OpenGroup("intrinsic")
	if err != nil {
		return nil, schemaError("missing intrinsic group")
	}
	defer intr.Close()

	kv, dims, ok, err := h5Read(intr, fieldCameraMatrix)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, schemaError("missing %s", fieldCameraMatrix)
	}
	if len(dims) != 2 || dims[0] != 3 || dims[1] != 3 {
		return nil, schemaError("%s has dims %v, want 3x3", fieldCameraMatrix, dims)
	}
	k, err := cameraMatrixFromRows(kv)
	if err != nil {
		return nil, err
	}
	dist, _, ok, err := h5Read(intr, fieldDistortion)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, schemaError("missing %s", fieldDistortion)
	}

	f := calibration.ArtifactFields{CameraMatrix: k, Distortion: photogrammetry.Distortion(dist)}
	if size, _, ok, err := h5Read(intr, fieldImageSize); err != nil {
		return nil, err
	} else if ok {
		if len(size) != 2 {
			return nil, schemaError("%s has %d values, want 2", fieldImageSize, len(size))
		}
		f.ImageSize = photogrammetry.ImageSize{Width: toInt(size[0]), Height: toInt(size[1])}
	}
	if e, ok, err := h5Scalar(intr, fieldReprojectionError); err != nil {
		return nil, err
	} else if ok {
		f.ReprojectionError = e
	}

	if ext, err := file.OpenGroup("extrinsic"); err == nil {
		defer ext.Close()
		rv, _, okR, err := h5Read(ext, fieldRotationVector)
		if err != nil {
			return nil, err
		}
		tv, _, okT, err := h5Read(ext, fieldTranslationVector)
		if err != nil {
			return nil, err
		}
		if okR && okT {
			if f.Pose, err = poseFromVectors(rv, tv); err != nil {
				return nil, err
			}
		}
	}

	if meta, err := file.OpenGroup("metadata"); err == nil {
		defer meta.Close()
		if err := readHDF5Metadata(meta, &f); err != nil {
			return nil, err
		}
	}

	if errs, _, ok, err := h5Read(root, fieldPerImageErrors); err != nil {
		return nil, err
	} else if ok {
		f.PerViewErrors = errs
	}
	return buildArtifact(f)
}

func readHDF5Metadata(meta h5Group, f *calibration.ArtifactFields) error {
	strs := []struct {
		name string
		dst  *string
	}{
		{fieldSoftwareVersion, &f.SoftwareVersion},
		{fieldNotes, &f.Notes},
		{fieldRunID, &f.RunID},
	}
	for _, s := range strs {
		v, err := h5Text(meta, s.name)
		if err != nil {
			return err
		}
		*s.dst = v
	}
	ts, err := h5Text(meta, fieldTimestamp)
	if err != nil {
		return err
	}
	f.Timestamp = parseTimestamp(ts)

	if n, ok, err := h5Scalar(meta, fieldNumImagesUsed); err != nil {
		return err
	} else if ok {
		f.NumImagesUsed = toInt(n)
	}

	rows, okR, err := h5Scalar(meta, fieldCheckerboardRows)
	if err != nil {
		return err
	}
	cols, okC, err := h5Scalar(meta, fieldCheckerboardCols)
	if err != nil {
		return err
	}
	if okR && okC {
		board := calibration.Checkerboard{Rows: toInt(rows), Cols: toInt(cols)}
		if s, ok, err := h5Scalar(meta, fieldSquareSize); err != nil {
			return err
		} else if ok {
			board.SquareSize = s
		}
		f.Checkerboard = &board
	}
	return nil
}
