package calibfile

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/hdf5"

	"sphaeroptica.be/calibrate/calibration"
	"sphaeroptica.be/calibrate/photogrammetry"
)

func TestHDF5RoundTrip(t *testing.T) {
	a := testArtifact(t, true)
	path := filepath.Join(t.TempDir(), "calib.h5")
	written, err := Save(path, a, nil)
	require.NoError(t, err)
	assert.Equal(t, path, written)

	format, err := Detect(path)
	require.NoError(t, err)
	assert.Equal(t, HDF5, format)

	b, err := Load(path, nil)
	require.NoError(t, err)
	if diff := cmp.Diff(a.Fields(), b.Fields(), approx); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestHDF5WithoutPose(t *testing.T) {
	a := testArtifact(t, false)
	path := filepath.Join(t.TempDir(), "intrinsic.hdf5")
	_, err := Save(path, a, nil)
	require.NoError(t, err)

	b, err := Load(path, nil)
	require.NoError(t, err)
	assert.False(t, b.HasPose())
	if diff := cmp.Diff(a.Fields(), b.Fields(), approx); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func openGroup(t *testing.T, file *hdf5.File, name string) *hdf5.Group {
	t.Helper()
	g, err := file.OpenGroup(name)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g
}

func scalarAttr(t *testing.T, g *hdf5.Group, name string) *hdf5.Attribute {
	t.Helper()
	attr, err := g.OpenAttribute(name)
	require.NoError(t, err, "attribute %s", name)
	t.Cleanup(func() { attr.Close() })
	space := attr.Space()
	defer space.Close()
	assert.Equal(t, 0, space.SimpleExtentNDims(), "attribute %s is not scalar", name)
	return attr
}

func stringAttr(t *testing.T, g *hdf5.Group, name string) string {
	t.Helper()
	var s string
	require.NoError(t, scalarAttr(t, g, name).Read(&s, hdf5.T_GO_STRING))
	return s
}

func TestHDF5ScalarsAreAttributes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calib.h5")
	_, err := Save(path, testArtifact(t, true), nil)
	require.NoError(t, err)

	file, err := hdf5.OpenFile(path, hdf5.F_ACC_RDONLY)
	require.NoError(t, err)
	defer file.Close()

	root := openGroup(t, file, "/")
	assert.Equal(t, "vision-calib", stringAttr(t, root, "format_type"))
	assert.Equal(t, "1.0", stringAttr(t, root, "format_version"))

	intr := openGroup(t, file, "intrinsic")
	var rms float64
	require.NoError(t, scalarAttr(t, intr, "reprojection_error").Read(&rms, hdf5.T_NATIVE_DOUBLE))
	assert.Equal(t, 0.1234, rms)
	_, err = intr.OpenDataset("reprojection_error")
	assert.Error(t, err)

	meta := openGroup(t, file, "metadata")
	assert.Equal(t, "2024-05-17T09:41:03Z", stringAttr(t, meta, "timestamp"))
	assert.Equal(t, "1.0.0", stringAttr(t, meta, "software_version"))
	assert.Equal(t, "bench camera, f/8", stringAttr(t, meta, "notes"))
	assert.Equal(t, "3d0e4bb8-6c0f-4e37-9d63-4a5d6a8ec2d0", stringAttr(t, meta, "run_id"))
	for name, want := range map[string]int64{"num_images_used": 3, "checkerboard_rows": 5, "checkerboard_cols": 7} {
		var got int64
		require.NoError(t, scalarAttr(t, meta, name).Read(&got, hdf5.T_NATIVE_INT64))
		assert.Equal(t, want, got, name)
	}
	var square float64
	require.NoError(t, scalarAttr(t, meta, "square_size_mm").Read(&square, hdf5.T_NATIVE_DOUBLE))
	assert.Equal(t, 30.0, square)
}

func writeAttr(t *testing.T, g *hdf5.Group, name string, dtype *hdf5.Datatype, v interface{}) {
	t.Helper()
	space, err := hdf5.CreateDataspace(hdf5.S_SCALAR)
	require.NoError(t, err)
	defer space.Close()
	attr, err := g.CreateAttribute(name, dtype, space)
	require.NoError(t, err)
	defer attr.Close()
	require.NoError(t, attr.Write(v, dtype))
}

// A file laid out the way h5py writes it: 2-D distortion, int64 metadata
// counters and a zone-less timestamp.
func TestHDF5ReadsAttributeLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.h5")
	file, err := hdf5.CreateFile(path, hdf5.F_ACC_TRUNC)
	require.NoError(t, err)

	root, err := file.OpenGroup("/")
	require.NoError(t, err)
	version, kind := "1.0", "vision-calib"
	writeAttr(t, root, "format_version", hdf5.T_GO_STRING, &version)
	writeAttr(t, root, "format_type", hdf5.T_GO_STRING, &kind)
	require.NoError(t, h5Floats(root, "per_image_errors", []float64{0.21, 0.19}))

	intr, err := file.CreateGroup("intrinsic")
	require.NoError(t, err)
	require.NoError(t, h5Floats(intr, "camera_matrix", []float64{812.5, 0, 318.25, 0, 810, 241.5, 0, 0, 1}, 3, 3))
	require.NoError(t, h5Floats(intr, "distortion_coeffs", []float64{0.08, -0.12, 0.001, -0.0005, 0.03}, 1, 5))
	require.NoError(t, h5Ints(intr, "image_size", 1280, 960))
	rms := 0.2
	writeAttr(t, intr, "reprojection_error", hdf5.T_NATIVE_DOUBLE, &rms)

	ext, err := file.CreateGroup("extrinsic")
	require.NoError(t, err)
	require.NoError(t, h5Floats(ext, "rotation_vector", []float64{0.1, -0.2, 0.3}))
	require.NoError(t, h5Floats(ext, "translation_vector", []float64{-40, 25, 600}))

	meta, err := file.CreateGroup("metadata")
	require.NoError(t, err)
	stamp, sw, notes := "2024-03-02T10:20:30", "0.3.1", "lab rig"
	writeAttr(t, meta, "timestamp", hdf5.T_GO_STRING, &stamp)
	writeAttr(t, meta, "software_version", hdf5.T_GO_STRING, &sw)
	writeAttr(t, meta, "notes", hdf5.T_GO_STRING, &notes)
	images, rows, cols, square := int64(2), int64(6), int64(9), 25.0
	writeAttr(t, meta, "num_images_used", hdf5.T_NATIVE_INT64, &images)
	writeAttr(t, meta, "checkerboard_rows", hdf5.T_NATIVE_INT64, &rows)
	writeAttr(t, meta, "checkerboard_cols", hdf5.T_NATIVE_INT64, &cols)
	writeAttr(t, meta, "square_size_mm", hdf5.T_NATIVE_DOUBLE, &square)

	for _, g := range []*hdf5.Group{meta, ext, intr, root} {
		require.NoError(t, g.Close())
	}
	require.NoError(t, file.Close())

	a, err := Load(path, nil)
	require.NoError(t, err)
	want := calibration.ArtifactFields{
		CameraMatrix:      photogrammetry.NewCameraMatrix(812.5, 810, 318.25, 241.5),
		Distortion:        photogrammetry.Distortion{0.08, -0.12, 0.001, -0.0005, 0.03},
		ImageSize:         photogrammetry.ImageSize{Width: 1280, Height: 960},
		ReprojectionError: 0.2,
		Pose: &photogrammetry.Pose{
			Rotation:    r3.Vector{X: 0.1, Y: -0.2, Z: 0.3},
			Translation: r3.Vector{X: -40, Y: 25, Z: 600},
		},
		Checkerboard:    &calibration.Checkerboard{Rows: 6, Cols: 9, SquareSize: 25},
		Timestamp:       time.Date(2024, 3, 2, 10, 20, 30, 0, time.UTC),
		SoftwareVersion: "0.3.1",
		NumImagesUsed:   2,
		PerViewErrors:   []float64{0.21, 0.19},
		Notes:           "lab rig",
	}
	if diff := cmp.Diff(want, a.Fields()); diff != "" {
		t.Errorf("load mismatch (-want +got):\n%s", diff)
	}
}

// Files from releases that stored scalars as one-value datasets still load.
func TestHDF5ReadsDatasetScalars(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.h5")
	file, err := hdf5.CreateFile(path, hdf5.F_ACC_TRUNC)
	require.NoError(t, err)
	intr, err := file.CreateGroup("intrinsic")
	require.NoError(t, err)
	require.NoError(t, h5Floats(intr, "camera_matrix", []float64{800, 0, 320, 0, 800, 240, 0, 0, 1}, 3, 3))
	require.NoError(t, h5Floats(intr, "distortion_coeffs", []float64{0.1, -0.05, 0, 0, 0}))
	require.NoError(t, h5Floats(intr, "reprojection_error", []float64{0.4}))
	meta, err := file.CreateGroup("metadata")
	require.NoError(t, err)
	require.NoError(t, h5Ints(meta, "num_images_used", 7))
	notes := []byte("older build")
	require.NoError(t, h5Write(meta, "notes", hdf5.T_NATIVE_UINT8, []uint{uint(len(notes))}, &notes, len(notes)))
	require.NoError(t, meta.Close())
	require.NoError(t, intr.Close())
	require.NoError(t, file.Close())

	a, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.4, a.ReprojectionError())
	assert.Equal(t, 7, a.NumImagesUsed())
	assert.Equal(t, "older build", a.Notes())
	assert.Nil(t, a.Checkerboard())
}
