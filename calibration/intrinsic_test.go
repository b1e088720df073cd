package calibration

import (
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"sphaeroptica.be/calibrate/photogrammetry"
)

func TestCalibrateNoisyBoard(t *testing.T) {
	set := sceneSet(t, scenePoses(), sceneD, 0.1)

	res, err := NewCalibrator(DefaultOptions()).Calibrate(set, nil)
	require.NoError(t, err)

	k := res.Artifact.CameraMatrix()
	assert.InEpsilon(t, sceneK.Fx, k.Fx, 0.01)
	assert.InEpsilon(t, sceneK.Fy, k.Fy, 0.01)
	assert.InEpsilon(t, sceneK.Cx, k.Cx, 0.01)
	assert.InEpsilon(t, sceneK.Cy, k.Cy, 0.01)
	assert.Less(t, res.Artifact.ReprojectionError(), 0.3)

	assert.Len(t, res.Artifact.Distortion(), 5)
	assert.InDelta(t, sceneD[0], res.Artifact.Distortion()[0], 0.05)
	assert.Len(t, res.ViewPoses, 10)
	assert.Len(t, res.ViewErrors, 10)
	assert.Equal(t, res.ViewErrors, res.Artifact.PerViewErrors())
	assert.Equal(t, 10, res.Artifact.NumImagesUsed())
	assert.Equal(t, sceneSize, res.Artifact.ImageSize())
	assert.Equal(t, SoftwareVersion, res.Artifact.SoftwareVersion())
	assert.False(t, res.Artifact.HasPose())
	_, err = uuid.Parse(res.Artifact.RunID())
	assert.NoError(t, err)
	require.NotNil(t, res.Artifact.Checkerboard())
	assert.Equal(t, sceneBoard, *res.Artifact.Checkerboard())
}

func TestCalibrateNoiseFree(t *testing.T) {
	poses := scenePoses()
	set := sceneSet(t, poses, sceneD, 0)

	res, err := NewCalibrator(DefaultOptions()).Calibrate(set, nil)
	require.NoError(t, err)

	k := res.Artifact.CameraMatrix()
	assert.InEpsilon(t, sceneK.Fx, k.Fx, 1e-4)
	assert.InEpsilon(t, sceneK.Fy, k.Fy, 1e-4)
	assert.InEpsilon(t, sceneK.Cx, k.Cx, 1e-4)
	assert.InEpsilon(t, sceneK.Cy, k.Cy, 1e-4)
	assert.Less(t, res.Artifact.ReprojectionError(), 1e-3)
	for i, p := range res.ViewPoses {
		requirePoseNear(t, poses[i], p, 1e-3)
	}
}

func TestCalibrateWithoutDistortion(t *testing.T) {
	set := sceneSet(t, scenePoses()[:3], nil, 0)

	opts := DefaultOptions()
	opts.DistortionModel = photogrammetry.Model4
	res, err := NewCalibrator(opts).Calibrate(set, nil)
	require.NoError(t, err)

	k := res.Artifact.CameraMatrix()
	assert.InEpsilon(t, sceneK.Fx, k.Fx, 1e-4)
	assert.InEpsilon(t, sceneK.Cy, k.Cy, 1e-4)
	for _, c := range res.Artifact.Distortion() {
		assert.InDelta(t, 0, c, 1e-4)
	}
}

func TestCalibrateFlags(t *testing.T) {
	set := sceneSet(t, scenePoses(), sceneD, 0.1)

	opts := DefaultOptions()
	opts.FixPrincipalPoint = true
	opts.FixAspectRatio = true
	opts.ZeroTangentDist = true
	opts.Workers = 2
	res, err := NewCalibrator(opts).Calibrate(set, nil)
	require.NoError(t, err)

	k := res.Artifact.CameraMatrix()
	assert.Equal(t, 320.0, k.Cx)
	assert.Equal(t, 240.0, k.Cy)
	assert.Equal(t, k.Fx, k.Fy)
	d := res.Artifact.Distortion()
	assert.Equal(t, 0.0, d[2])
	assert.Equal(t, 0.0, d[3])
	assert.InEpsilon(t, sceneK.Fx, k.Fx, 0.01)
}

func TestCalibrateWithInitialGuess(t *testing.T) {
	set := sceneSet(t, scenePoses(), sceneD, 0.1)
	guess := photogrammetry.NewCameraMatrix(780, 780, 330, 250)

	res, err := NewCalibrator(DefaultOptions()).Calibrate(set, &InitialGuess{CameraMatrix: &guess, Distortion: photogrammetry.Distortion{0.05}})
	require.NoError(t, err)
	assert.InEpsilon(t, sceneK.Fx, res.Artifact.CameraMatrix().Fx, 0.01)
}

func TestCalibrateSoftwareVersionOverride(t *testing.T) {
	set := sceneSet(t, scenePoses()[:4], sceneD, 0)

	opts := DefaultOptions()
	opts.SoftwareVersion = "9.9.9-test"
	res, err := NewCalibrator(opts).Calibrate(set, nil)
	require.NoError(t, err)
	assert.Equal(t, "9.9.9-test", res.Artifact.SoftwareVersion())
}

func TestCalibrateSingleView(t *testing.T) {
	set := sceneSet(t, scenePoses()[:1], sceneD, 0)

	_, err := NewCalibrator(DefaultOptions()).Calibrate(set, nil)
	assert.ErrorIs(t, err, photogrammetry.ErrInsufficientViews)
	assert.ErrorIs(t, err, photogrammetry.ErrInsufficientData)
}

func TestCalibrateIdenticalViews(t *testing.T) {
	pose := scenePoses()[0]
	set := sceneSet(t, []photogrammetry.Pose{pose, pose}, sceneD, 0)

	_, err := NewCalibrator(DefaultOptions()).Calibrate(set, nil)
	assert.ErrorIs(t, err, photogrammetry.ErrDegenerateGeometry)
}

func TestCalibrateInvalidOptions(t *testing.T) {
	set := sceneSet(t, scenePoses()[:2], sceneD, 0)

	opts := DefaultOptions()
	opts.DistortionModel = 6
	_, err := NewCalibrator(opts).Calibrate(set, nil)
	assert.ErrorIs(t, err, photogrammetry.ErrInvalidParameter)

	opts = DefaultOptions()
	opts.MaxIterations = 0
	_, err = NewCalibrator(opts).Calibrate(set, nil)
	assert.ErrorIs(t, err, photogrammetry.ErrInvalidParameter)
}

func TestCalibrateInfersImageSize(t *testing.T) {
	set := sceneSet(t, scenePoses(), sceneD, 0)
	set.ImageSize = photogrammetry.ImageSize{}

	res, err := NewCalibrator(DefaultOptions()).Calibrate(set, nil)
	require.NoError(t, err)
	size := res.Artifact.ImageSize()
	assert.Greater(t, size.Width, 0)
	assert.Greater(t, size.Height, 0)
	assert.InEpsilon(t, sceneK.Fx, res.Artifact.CameraMatrix().Fx, 1e-3)
}

func TestClosedFormIntrinsics(t *testing.T) {
	set := sceneSet(t, scenePoses(), nil, 0)

	var hs []*mat.Dense
	for _, v := range set.Views {
		H, err := EstimateHomography(boardXY(v), v.Pixels())
		require.NoError(t, err)
		hs = append(hs, H)
	}
	k, err := closedFormIntrinsics(hs, sceneSize)
	require.NoError(t, err)
	assert.InEpsilon(t, sceneK.Fx, k.Fx, 1e-6)
	assert.InEpsilon(t, sceneK.Fy, k.Fy, 1e-6)
	assert.InEpsilon(t, sceneK.Cx, k.Cx, 1e-6)
	assert.InEpsilon(t, sceneK.Cy, k.Cy, 1e-6)

	for i, H := range hs {
		requirePoseNear(t, scenePoses()[i], poseFromHomography(k, H), 1e-5)
	}
}

func TestCostIsNotFinite(t *testing.T) {
	set := sceneSet(t, scenePoses()[:2], sceneD, 0)
	opts := DefaultOptions()
	initial := make([]float64, idxDist+5+12)
	initial[idxFx], initial[idxFy] = math.NaN(), 800
	p := newBundleProblem(set.Views, opts, initial)

	_, err := p.optimize(initial, 10, 1e-10)
	assert.ErrorIs(t, err, photogrammetry.ErrNonConvergence)
}

func TestBundleCost(t *testing.T) {
	poses := scenePoses()[:3]
	set := sceneSet(t, poses, sceneD, 0)
	opts := DefaultOptions()
	nDist := int(opts.DistortionModel)
	exact := make([]float64, idxDist+nDist+6*len(poses))
	exact[idxFx], exact[idxFy], exact[idxCx], exact[idxCy] = sceneK.Fx, sceneK.Fy, sceneK.Cx, sceneK.Cy
	copy(exact[idxDist:], sceneD)
	for i, pose := range poses {
		copy(exact[idxDist+nDist+6*i:], poseParams(pose))
	}
	p := newBundleProblem(set.Views, opts, exact)

	c, err := p.cost(exact)
	require.NoError(t, err)
	assert.InDelta(t, 0, c, 1e-12)

	broken := append([]float64(nil), exact...)
	broken[idxDist+nDist+6*1+5] = math.NaN()
	_, err = p.cost(broken)
	assert.ErrorIs(t, err, photogrammetry.ErrNonConvergence)
	assert.Contains(t, err.Error(), set.Views[1].ImageID)
}
