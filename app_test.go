package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sphaeroptica.be/calibrate/calibfile"
	"sphaeroptica.be/calibrate/calibration"
	"sphaeroptica.be/calibrate/photogrammetry"
)

var (
	testBoard = calibration.Checkerboard{Rows: 5, Cols: 7, SquareSize: 30}
	testK     = photogrammetry.NewCameraMatrix(800, 800, 320, 240)
	testD     = photogrammetry.Distortion{0.1, -0.05, 0, 0, 0}
)

func testPoses() []photogrammetry.Pose {
	rotations := []r3.Vector{
		{X: 0.3, Y: 0.1, Z: 0.05},
		{X: -0.3, Y: 0.2, Z: -0.1},
		{X: 0.1, Y: -0.4, Z: 0.2},
		{X: -0.2, Y: -0.3, Z: 0},
		{X: 0.4, Y: 0.3, Z: 0.1},
		{X: 0, Y: 0.45, Z: -0.2},
	}
	centre := r3.Vector{X: 90, Y: 60}
	poses := make([]photogrammetry.Pose, len(rotations))
	for i, rv := range rotations {
		offset := r3.Vector{X: float64(i%3-1) * 15, Y: float64(i%2) * 10, Z: 450 + float64(i)*20}
		poses[i] = photogrammetry.Pose{
			Rotation:    rv,
			Translation: offset.Sub(photogrammetry.Rotate(photogrammetry.Rodrigues(rv), centre)),
		}
	}
	return poses
}

func writeCorners(t *testing.T, dir string) string {
	t.Helper()
	var sb strings.Builder
	sb.WriteString("image\tpixelX\tpixelY\trow\tcol\tvalid\n")
	for i, pose := range testPoses() {
		for row := 0; row < testBoard.Rows; row++ {
			for col := 0; col < testBoard.Cols; col++ {
				px := photogrammetry.Project(testBoard.BoardPoint(row, col), testK, testD, pose)
				fmt.Fprintf(&sb, "img%d\t%s\t%s\t%d\t%d\t1\n", i,
					strconv.FormatFloat(px.X, 'g', -1, 64), strconv.FormatFloat(px.Y, 'g', -1, 64), row, col)
			}
		}
	}
	path := filepath.Join(dir, "corners.tsv")
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--log-level", "warn"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func calibrateTestCamera(t *testing.T, dir string, extra ...string) string {
	t.Helper()
	corners := writeCorners(t, dir)
	out := filepath.Join(dir, "camera.json")
	args := append([]string{"intrinsic", "--corners", corners, "--rows", "5", "--cols", "7", "--square", "30",
		"--width", "640", "--height", "480", "-o", out}, extra...)
	stdout, err := run(t, args...)
	require.NoError(t, err, stdout)
	assert.Contains(t, stdout, "Camera Calibration Result")
	assert.Contains(t, stdout, "Saved "+out)
	return out
}

func TestIntrinsicCommand(t *testing.T) {
	dir := t.TempDir()
	out := calibrateTestCamera(t, dir, "--notes", "bench rig", "--pose-view", "img2")

	a, err := calibfile.Load(out, nil)
	require.NoError(t, err)
	k := a.CameraMatrix()
	assert.InDelta(t, testK.Fx, k.Fx, 1e-3)
	assert.InDelta(t, testK.Fy, k.Fy, 1e-3)
	assert.InDelta(t, testK.Cx, k.Cx, 1e-3)
	assert.InDelta(t, testK.Cy, k.Cy, 1e-3)
	assert.Equal(t, 6, a.NumImagesUsed())
	assert.Equal(t, "bench rig", a.Notes())
	assert.Equal(t, &testBoard, a.Checkerboard())
	require.True(t, a.HasPose())
	want := testPoses()[2]
	assert.InDelta(t, want.Translation.Z, a.Pose().Translation.Z, 1e-3)
}

func TestIntrinsicCommandConfig(t *testing.T) {
	dir := t.TempDir()
	corners := writeCorners(t, dir)
	config := filepath.Join(dir, "run.json")
	require.NoError(t, os.WriteFile(config, []byte(`{
  "checkerboard": {"rows": 5, "cols": 7, "square_size_mm": 30},
  "image_size": [640, 480],
  "calibration": {"fix_principal_point": true},
  "format": "all"
}`), 0o644))

	stdout, err := run(t, "--config", config, "intrinsic", "--corners", corners, "-o", filepath.Join(dir, "cam"))
	require.NoError(t, err, stdout)
	for _, ext := range []string{".h5", ".mat", ".json"} {
		assert.FileExists(t, filepath.Join(dir, "cam"+ext))
	}
	a, err := calibfile.Load(filepath.Join(dir, "cam.json"), nil)
	require.NoError(t, err)
	assert.Equal(t, 320.0, a.CameraMatrix().Cx)
	assert.Equal(t, 240.0, a.CameraMatrix().Cy)
	assert.Len(t, a.Distortion(), 5)
}

func TestIntrinsicCommandErrors(t *testing.T) {
	dir := t.TempDir()
	corners := writeCorners(t, dir)

	_, err := run(t, "intrinsic", "--corners", corners, "-o", filepath.Join(dir, "x.json"))
	assert.ErrorIs(t, err, photogrammetry.ErrInvalidParameter)

	_, err = run(t, "intrinsic", "--corners", corners, "--rows", "5", "--cols", "7", "--square", "30", "--model", "6", "-o", filepath.Join(dir, "x.json"))
	assert.ErrorIs(t, err, photogrammetry.ErrInvalidParameter)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"image_size": [640]}`), 0o644))
	_, err = run(t, "--config", bad, "intrinsic", "--corners", corners, "-o", filepath.Join(dir, "x.json"))
	assert.ErrorIs(t, err, photogrammetry.ErrInvalidParameter)

	_, err = run(t, "--log-level", "loud", "version")
	assert.Error(t, err)
}

func TestExtrinsicCommand(t *testing.T) {
	dir := t.TempDir()
	camera := calibrateTestCamera(t, dir)
	corners := filepath.Join(dir, "corners.tsv")

	stdout, err := run(t, "extrinsic", camera, "--corners", corners, "--json", "-a", "epnp")
	require.NoError(t, err, stdout)
	var rows []ViewPoseJSON
	require.NoError(t, json.Unmarshal([]byte(stdout), &rows))
	require.Len(t, rows, 6)
	for i, pose := range testPoses() {
		assert.Equal(t, fmt.Sprintf("img%d", i), rows[i].Image)
		assert.Equal(t, "epnp", rows[i].Algorithm)
		assert.Empty(t, rows[i].Error)
		assert.InDelta(t, pose.Translation.Z, rows[i].Translation.Z, 1e-2)
		assert.Less(t, rows[i].Residual, 1e-2)
	}

	stdout, err = run(t, "extrinsic", camera, "--corners", corners)
	require.NoError(t, err)
	assert.Contains(t, stdout, "CAMERA POSITION")
	assert.Contains(t, stdout, "img5")

	posed := filepath.Join(dir, "posed.mat")
	stdout, err = run(t, "extrinsic", camera, "--corners", corners, "--view", "img1", "-o", posed)
	require.NoError(t, err, stdout)
	assert.Contains(t, stdout, "img1: iterative pose")
	a, err := calibfile.Load(posed, nil)
	require.NoError(t, err)
	require.True(t, a.HasPose())
	assert.InDelta(t, testPoses()[1].Translation.Z, a.Pose().Translation.Z, 1e-2)

	_, err = run(t, "extrinsic", camera, "--corners", corners, "--view", "nope")
	assert.ErrorIs(t, err, photogrammetry.ErrInvalidParameter)
	_, err = run(t, "extrinsic", camera, "--corners", corners, "-a", "dlt")
	assert.ErrorIs(t, err, photogrammetry.ErrInvalidParameter)
}

func TestTransformCommand(t *testing.T) {
	dir := t.TempDir()
	camera := calibrateTestCamera(t, dir, "--pose-view", "img0")
	pose := testPoses()[0]

	stdout, err := run(t, "transform", camera, "--world", "30,60,0")
	require.NoError(t, err, stdout)
	var out transformOutput
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	want := photogrammetry.Project(r3.Vector{X: 30, Y: 60}, testK, testD, pose)
	require.NotNil(t, out.Pixel)
	assert.InDelta(t, want.X, out.Pixel.X, 1e-2)
	assert.InDelta(t, want.Y, out.Pixel.Y, 1e-2)

	stdout, err = run(t, "transform", camera, "--pixel", fmt.Sprintf("%v,%v", want.X, want.Y))
	require.NoError(t, err, stdout)
	out = transformOutput{}
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	require.NotNil(t, out.World)
	assert.InDelta(t, 30, out.World.X, 1e-2)
	assert.InDelta(t, 60, out.World.Y, 1e-2)
	assert.InDelta(t, 0, out.World.Z, 1e-9)

	stdout, err = run(t, "transform", camera, "--undistort", "320,240")
	require.NoError(t, err, stdout)
	out = transformOutput{}
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	require.NotNil(t, out.Undistorted)
	assert.InDelta(t, 320, out.Undistorted.X, 1e-2)

	_, err = run(t, "transform", camera)
	assert.ErrorIs(t, err, photogrammetry.ErrInvalidParameter)
	_, err = run(t, "transform", camera, "--world", "1,2")
	assert.ErrorIs(t, err, photogrammetry.ErrInvalidParameter)
}

func TestTransformNeedsPose(t *testing.T) {
	dir := t.TempDir()
	camera := calibrateTestCamera(t, dir)
	_, err := run(t, "transform", camera, "--world", "0,0,0")
	assert.ErrorIs(t, err, photogrammetry.ErrNoPose)
}

func TestConvertAndShow(t *testing.T) {
	dir := t.TempDir()
	camera := calibrateTestCamera(t, dir, "--pose-view", "img3")

	mat := filepath.Join(dir, "converted.mat")
	stdout, err := run(t, "convert", camera, mat)
	require.NoError(t, err, stdout)
	assert.Contains(t, stdout, "Saved "+mat)

	orig, err := calibfile.Load(camera, nil)
	require.NoError(t, err)
	conv, err := calibfile.Load(mat, nil)
	require.NoError(t, err)
	assert.InDelta(t, orig.CameraMatrix().Fx, conv.CameraMatrix().Fx, 1e-9)
	assert.Equal(t, orig.RunID(), conv.RunID())

	stdout, err = run(t, "show", mat)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Extrinsic Parameters:")
	assert.Contains(t, stdout, "Quality:")
	assert.Contains(t, stdout, "good")

	stdout, err = run(t, "show", camera, "--json")
	require.NoError(t, err)
	assert.Contains(t, stdout, `"format_type": "vision-calib"`)

	_, err = run(t, "convert", camera, filepath.Join(dir, "x.json"), "--from", "mat")
	assert.ErrorIs(t, err, photogrammetry.ErrFormatMismatch)
}

func TestReportCommand(t *testing.T) {
	dir := t.TempDir()
	camera := calibrateTestCamera(t, dir)
	outDir := filepath.Join(dir, "charts")

	stdout, err := run(t, "report", camera, "--corners", filepath.Join(dir, "corners.tsv"), "-o", outDir)
	require.NoError(t, err, stdout)
	assert.Contains(t, stdout, "over 6 views")
	assert.FileExists(t, filepath.Join(outDir, "view_errors.png"))
	assert.FileExists(t, filepath.Join(outDir, "residuals.png"))
}

func TestVersionCommand(t *testing.T) {
	stdout, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, calibration.SoftwareVersion+" unknown\n", stdout)
}

func TestGradeRMS(t *testing.T) {
	assert.Contains(t, gradeRMS(0.2), "good")
	assert.Contains(t, gradeRMS(0.8), "acceptable")
	assert.Contains(t, gradeRMS(2), "poor")
}
