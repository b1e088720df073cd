package calibration

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sphaeroptica.be/calibrate/photogrammetry"
)

func cloudCorrespondences(pose photogrammetry.Pose, n int) []Correspondence {
	rng := rand.New(rand.NewSource(7))
	out := make([]Correspondence, n)
	for i := range out {
		w := r3.Vector{X: rng.Float64()*180 - 90, Y: rng.Float64()*120 - 60, Z: rng.Float64()*100 - 50}
		out[i] = Correspondence{Board: w, Pixel: photogrammetry.Project(w, sceneK, nil, pose)}
	}
	return out
}

func pick(corr []Correspondence, idx ...int) []Correspondence {
	out := make([]Correspondence, len(idx))
	for i, j := range idx {
		out[i] = corr[j]
	}
	return out
}

func TestParseAlgorithm(t *testing.T) {
	for _, a := range Algorithms() {
		got, err := ParseAlgorithm(a.String())
		require.NoError(t, err)
		assert.Equal(t, a, got)
	}
	got, err := ParseAlgorithm(" IPPE-Square ")
	require.NoError(t, err)
	assert.Equal(t, IPPESquare, got)

	_, err = ParseAlgorithm("dls")
	assert.ErrorIs(t, err, photogrammetry.ErrInvalidParameter)
	assert.Equal(t, "unknown", Algorithm(42).String())
}

func TestSolvePoseBoard(t *testing.T) {
	pose := scenePoses()[2]
	tests := []struct {
		alg Algorithm
		d   photogrammetry.Distortion
		tol float64
	}{
		{Iterative, sceneD, 1e-6},
		{EPnP, sceneD, 1e-6},
		{IPPE, nil, 1e-6},
		{AP3P, sceneD, 1e-5},
	}
	for _, tt := range tests {
		t.Run(tt.alg.String(), func(t *testing.T) {
			corr := viewCorrespondences(t, pose, tt.d)
			sol, err := SolvePose(corr, sceneK, tt.d, tt.alg)
			require.NoError(t, err)
			assert.Equal(t, tt.alg, sol.Algorithm)
			assert.Equal(t, len(corr), sol.NumPoints)
			assert.Less(t, sol.Residual, 1e-3)
			requirePoseNear(t, pose, sol.Pose, tt.tol)
			require.NotEmpty(t, sol.Candidates)
			assert.Equal(t, sol.Pose, sol.Candidates[0].Pose)
		})
	}
}

func TestSolvePoseNonPlanar(t *testing.T) {
	pose := photogrammetry.Pose{Rotation: r3.Vector{X: 0.2, Y: -0.1, Z: 0.3}, Translation: r3.Vector{X: 10, Y: -5, Z: 600}}
	corr := cloudCorrespondences(pose, 20)

	for _, alg := range []Algorithm{Iterative, EPnP, AP3P} {
		sol, err := SolvePose(corr, sceneK, nil, alg)
		require.NoError(t, err, alg.String())
		requirePoseNear(t, pose, sol.Pose, 1e-6)
	}

	_, err := SolvePose(corr, sceneK, nil, IPPE)
	assert.ErrorIs(t, err, photogrammetry.ErrInvalidParameter)
}

func TestSolvePoseCandidatesSorted(t *testing.T) {
	pose := scenePoses()[4]
	corr := viewCorrespondences(t, pose, nil)

	cands, err := SolvePoseCandidates(corr, sceneK, nil, IPPE)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.True(t, sort.SliceIsSorted(cands, func(i, j int) bool { return cands[i].Residual < cands[j].Residual }))
	requirePoseNear(t, pose, cands[0].Pose, 1e-6)
	assert.Greater(t, cands[1].Residual, cands[0].Residual)
}

func TestSolvePoseP3P(t *testing.T) {
	pose := scenePoses()[1]
	corr := viewCorrespondences(t, pose, nil)
	triple := pick(corr, 0, 6, 4*7+3)

	cands, err := SolvePoseCandidates(triple, sceneK, nil, P3P)
	require.NoError(t, err)
	require.NotEmpty(t, cands)
	assert.LessOrEqual(t, len(cands), 4)
	found := false
	for _, c := range cands {
		if c.Pose.Rotation.Sub(pose.Rotation).Norm() < 1e-6 &&
			c.Pose.Translation.Sub(pose.Translation).Norm() < 1e-6*pose.Translation.Norm() {
			found = true
		}
	}
	assert.True(t, found, "true pose not among %d candidates", len(cands))

	// a fourth point ranks the true pose first
	sol, err := SolvePose(pick(corr, 0, 6, 4*7+3, 2*7+1), sceneK, nil, P3P)
	require.NoError(t, err)
	requirePoseNear(t, pose, sol.Pose, 1e-6)
}

func TestSolvePoseP3PArguments(t *testing.T) {
	corr := viewCorrespondences(t, scenePoses()[0], nil)

	_, err := SolvePose(corr[:5], sceneK, nil, P3P)
	assert.ErrorIs(t, err, photogrammetry.ErrInvalidParameter)

	_, err = SolvePose(corr[:3], sceneK, nil, P3P)
	assert.ErrorIs(t, err, photogrammetry.ErrDegenerateConfiguration)
	assert.ErrorIs(t, err, photogrammetry.ErrDegenerateGeometry)

	_, err = SolvePose(corr[:2], sceneK, nil, P3P)
	assert.ErrorIs(t, err, photogrammetry.ErrInsufficientPoints)
}

func TestSolvePoseArguments(t *testing.T) {
	corr := viewCorrespondences(t, scenePoses()[0], nil)

	_, err := SolvePose(corr[:3], sceneK, nil, Iterative)
	assert.ErrorIs(t, err, photogrammetry.ErrInsufficientPoints)

	_, err = SolvePose(corr[:7], sceneK, nil, EPnP)
	assert.ErrorIs(t, err, photogrammetry.ErrDegenerateConfiguration)

	_, err = SolvePose(corr, sceneK, nil, Algorithm(42))
	assert.ErrorIs(t, err, photogrammetry.ErrInvalidParameter)

	_, err = SolvePose(corr, photogrammetry.CameraMatrix{}, nil, Iterative)
	assert.ErrorIs(t, err, photogrammetry.ErrInvalidParameter)

	_, err = SolvePose(corr, sceneK, photogrammetry.Distortion{0.1, 0.2}, Iterative)
	assert.ErrorIs(t, err, photogrammetry.ErrInvalidParameter)
}

func TestSolvePoseIPPESquare(t *testing.T) {
	pose := scenePoses()[3]
	corr := viewCorrespondences(t, pose, nil)

	// corners of the whole board, in order around it, then the rest
	order := []int{0, 6, 4*7 + 6, 4 * 7}
	for i := range corr {
		if i != 0 && i != 6 && i != 4*7+6 && i != 4*7 {
			order = append(order, i)
		}
	}
	sol, err := SolvePose(pick(corr, order...), sceneK, nil, IPPESquare)
	require.NoError(t, err)
	requirePoseNear(t, pose, sol.Pose, 1e-6)
	assert.Len(t, sol.Candidates, 2)

	sol, err = SolvePose(pick(corr, order[:4]...), sceneK, nil, IPPESquare)
	require.NoError(t, err)
	requirePoseNear(t, pose, sol.Pose, 1e-6)

	_, err = SolvePose(corr, sceneK, nil, IPPESquare)
	assert.ErrorIs(t, err, photogrammetry.ErrInvalidParameter)
}

func TestSolveViews(t *testing.T) {
	poses := scenePoses()[:4]
	set := sceneSet(t, poses, sceneD, 0)

	out, err := SolveViews(set, sceneK, sceneD, Iterative, 2)
	require.NoError(t, err)
	require.Len(t, out, len(poses))
	for i, vp := range out {
		require.NoError(t, vp.Err)
		assert.Equal(t, set.Views[i].ImageID, vp.ImageID)
		requirePoseNear(t, poses[i], vp.Solution.Pose, 1e-6)
	}

	// P3P rejects full views one by one without failing the batch
	out, err = SolveViews(set, sceneK, sceneD, P3P, 0)
	require.NoError(t, err)
	for _, vp := range out {
		assert.ErrorIs(t, vp.Err, photogrammetry.ErrInvalidParameter)
		assert.Nil(t, vp.Solution)
	}

	_, err = SolveViews(nil, sceneK, sceneD, Iterative, 1)
	assert.ErrorIs(t, err, photogrammetry.ErrInvalidParameter)
}

func TestRealRoots(t *testing.T) {
	// (x-1)(x-2)(x+3)(x-0.5)
	roots := realRoots([]float64{1, -0.5, -7, 9.5, -3})
	sort.Float64s(roots)
	require.Len(t, roots, 4)
	for i, want := range []float64{-3, 0.5, 1, 2} {
		assert.InDelta(t, want, roots[i], 1e-10)
	}

	// x² + 1 has no real root; a zero leading term lowers the degree
	assert.Empty(t, realRoots([]float64{1, 0, 1}))
	assert.Equal(t, []float64{2}, realRoots([]float64{0, 0, 1, -2}))
	assert.Nil(t, realRoots([]float64{0, 0}))
}
