package photogrammetry

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestRodriguesTinyAngleIsExactIdentity(t *testing.T) {
	for _, r := range []r3.Vector{{}, {X: 1e-11}, {X: 3e-12, Y: -4e-12, Z: 1e-13}} {
		R := Rodrigues(r)
		assert.True(t, mat.Equal(R, identity3()), "rotation %v: %v", r, FormatMatrixPrint(R))
	}
}

func TestRodriguesIsOrthonormal(t *testing.T) {
	R := Rodrigues(r3.Vector{X: 0.3, Y: -1.1, Z: 0.7})

	var rtr mat.Dense
	rtr.Mul(R.T(), R)
	assert.True(t, mat.EqualApprox(&rtr, identity3(), 1e-12))
	assert.InDelta(t, 1.0, mat.Det(R), 1e-12)
}

func TestRodriguesQuarterTurn(t *testing.T) {
	R := Rodrigues(r3.Vector{Z: math.Pi / 2})
	x := Rotate(R, r3.Vector{X: 1})

	assert.InDelta(t, 0, x.X, 1e-12)
	assert.InDelta(t, 1, x.Y, 1e-12)
	assert.InDelta(t, 0, x.Z, 1e-12)
}

func TestRotationVectorRoundTrip(t *testing.T) {
	t.Parallel()

	cases := map[string]r3.Vector{
		"zero":         {},
		"small":        {X: 1e-8, Y: -2e-8, Z: 5e-9},
		"generic":      {X: 0.2, Y: -0.4, Z: 1.3},
		"large":        {X: -1.5, Y: 2.0, Z: 0.5},
		"half turn x":  {X: math.Pi},
		"half turn z":  {Z: math.Pi},
		"near π":       r3.Vector{X: 1, Y: 2, Z: -2}.Normalize().Mul(math.Pi - 1e-7),
		"half turn xy": r3.Vector{X: 1, Y: 1}.Normalize().Mul(math.Pi),
	}
	for name, r := range cases {
		t.Run(name, func(t *testing.T) {
			got := RotationVector(Rodrigues(r))
			if math.Abs(r.Norm()-math.Pi) < 1e-6 && got.Dot(r) < 0 {
				// r and -r describe the same half turn
				got = got.Mul(-1)
			}
			assert.InDelta(t, r.X, got.X, 1e-6)
			assert.InDelta(t, r.Y, got.Y, 1e-6)
			assert.InDelta(t, r.Z, got.Z, 1e-6)
		})
	}
}

func TestOrthonormalizeRotation(t *testing.T) {
	R := Rodrigues(r3.Vector{X: 0.1, Y: 0.2, Z: 0.3})
	noisy := mat.DenseCopyOf(R)
	noisy.Set(0, 1, noisy.At(0, 1)+1e-3)
	noisy.Scale(1.7, noisy)

	got := OrthonormalizeRotation(noisy)
	require.InDelta(t, 1.0, mat.Det(got), 1e-12)
	assert.True(t, mat.EqualApprox(got, R, 1e-3))
}

func TestPoseInverseAndCameraPosition(t *testing.T) {
	p := Pose{Rotation: r3.Vector{X: 0.2, Y: -0.1, Z: 0.4}, Translation: r3.Vector{X: 10, Y: -5, Z: 300}}

	c := p.CameraPosition()
	assert.InDelta(t, 0, p.Apply(c).Norm(), 1e-9)

	x := r3.Vector{X: 12, Y: 34, Z: 0}
	back := p.Inverse().Apply(p.Apply(x))
	assert.InDelta(t, 0, back.Sub(x).Norm(), 1e-9)

	T := p.TransformationMatrix()
	assert.Equal(t, 1.0, T.At(3, 3))
	assert.Equal(t, p.Translation.Z, T.At(2, 3))
}

func TestCameraMatrixFromDense(t *testing.T) {
	k, err := CameraMatrixFromDense(mat.NewDense(3, 3, []float64{
		1600, 0, 640,
		0, 1600, 480,
		0, 0, 2,
	}))
	require.NoError(t, err)
	assert.Equal(t, NewCameraMatrix(800, 800, 320, 240), k)

	_, err = CameraMatrixFromDense(mat.NewDense(3, 3, []float64{
		800, 5, 320,
		0, 800, 240,
		0, 0, 1,
	}))
	assert.ErrorIs(t, err, ErrInvalidParameter)

	_, err = CameraMatrixFromDense(mat.NewDense(2, 3, nil))
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestDistortionValidate(t *testing.T) {
	assert.NoError(t, Distortion(nil).Validate())
	assert.NoError(t, ZeroDistortion(Model12).Validate())
	assert.ErrorIs(t, Distortion{1, 2, 3}.Validate(), ErrInvalidParameter)
	assert.ErrorIs(t, Distortion{0, 0, 0, math.NaN()}.Validate(), ErrInvalidParameter)
}
