package calibration

import (
	"math"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"sphaeroptica.be/calibrate/photogrammetry"
)

type epnpStrategy struct{}

func (epnpStrategy) check(in pnpInput) error {
	if err := requirePoints(in, 4); err != nil {
		return err
	}
	return requireNonCollinear(in.world)
}

func (epnpStrategy) solve(in pnpInput) ([]photogrammetry.Pose, error) {
	poses, err := epnpSolve(in.world, in.image)
	if err != nil {
		return nil, err
	}
	polished, err := polishPose(poses[0], in.world, in.pixels, in.k, in.d)
	if err != nil {
		logger.WithError(err).Debug("EPnP refinement failed, keeping the linear pose")
		return poses[:1], nil
	}
	return []photogrammetry.Pose{polished}, nil
}

// epnpSolve expresses every point as a weighted sum of 4 control points (3
// when the points are coplanar), recovers the control points in the camera
// frame from the null space of M, and aligns the result on the world points.
// Poses are returned best first.
func epnpSolve(world []r3.Vector, image []r2.Point) ([]photogrammetry.Pose, error) {
	s := spread3(world)
	nc := 4
	if s.planar() {
		nc = 3
	}
	n := float64(len(world))

	ctrl := make([]r3.Vector, nc)
	ctrl[0] = s.centroid
	scales := make([]float64, nc)
	for k := 1; k < nc; k++ {
		scales[k] = math.Sqrt(s.values[k-1] / n)
		if scales[k] == 0 {
			return nil, errors.Wrap(photogrammetry.ErrDegenerateConfiguration, "control points collapse")
		}
		ctrl[k] = s.centroid.Add(s.axes[k-1].Mul(scales[k]))
	}

	alphas := make([][]float64, len(world))
	for i, p := range world {
		d := p.Sub(s.centroid)
		a := make([]float64, nc)
		sum := 0.0
		for k := 1; k < nc; k++ {
			a[k] = d.Dot(s.axes[k-1]) / scales[k]
			sum += a[k]
		}
		a[0] = 1 - sum
		alphas[i] = a
	}

	M := mat.NewDense(2*len(world), 3*nc, nil)
	for i := range world {
		u, v := image[i].X, image[i].Y
		for j := 0; j < nc; j++ {
			a := alphas[i][j]
			M.Set(2*i, 3*j, a)
			M.Set(2*i, 3*j+2, -a*u)
			M.Set(2*i+1, 3*j+1, a)
			M.Set(2*i+1, 3*j+2, -a*v)
		}
	}
	var MtM mat.SymDense
	MtM.SymOuterK(1, M.T())
	var es mat.EigenSym
	if !es.Factorize(&MtM, true) {
		return nil, errors.Wrap(photogrammetry.ErrDegenerateGeometry, "EPnP eigen decomposition failed")
	}
	var vecs mat.Dense
	es.VectorsTo(&vecs)

	var pairs [][2]int
	for i := 0; i < nc; i++ {
		for j := i + 1; j < nc; j++ {
			pairs = append(pairs, [2]int{i, j})
		}
	}
	dist2 := make([]float64, len(pairs))
	for p, ij := range pairs {
		d := ctrl[ij[0]].Sub(ctrl[ij[1]])
		dist2[p] = d.Norm2()
	}
	// kernel[k][p] is the control point difference of pair p in null vector k
	// (EigenSym sorts ascending, the null space comes first).
	kernel := make([][]r3.Vector, 3)
	for k := range kernel {
		kernel[k] = make([]r3.Vector, len(pairs))
		for p, ij := range pairs {
			i, j := ij[0], ij[1]
			kernel[k][p] = r3.Vector{
				X: vecs.At(3*i, k) - vecs.At(3*j, k),
				Y: vecs.At(3*i+1, k) - vecs.At(3*j+1, k),
				Z: vecs.At(3*i+2, k) - vecs.At(3*j+2, k),
			}
		}
	}

	type scored struct {
		pose photogrammetry.Pose
		cost float64
	}
	var results []scored
	for N := 1; N <= 3; N++ {
		betas, ok := epnpBetas(kernel[:N], dist2)
		if !ok {
			continue
		}
		betas = epnpRefineBetas(kernel[:N], dist2, betas)

		camCtrl := make([]r3.Vector, nc)
		for j := 0; j < nc; j++ {
			for k, b := range betas {
				camCtrl[j] = camCtrl[j].Add(r3.Vector{X: vecs.At(3*j, k), Y: vecs.At(3*j+1, k), Z: vecs.At(3*j+2, k)}.Mul(b))
			}
		}
		cam := make([]r3.Vector, len(world))
		meanZ := 0.0
		for i := range world {
			for j := 0; j < nc; j++ {
				cam[i] = cam[i].Add(camCtrl[j].Mul(alphas[i][j]))
			}
			meanZ += cam[i].Z
		}
		if meanZ < 0 {
			for i := range cam {
				cam[i] = cam[i].Mul(-1)
			}
		}
		R, t, err := absoluteOrientation(world, cam)
		if err != nil {
			continue
		}
		pose := photogrammetry.PoseFromRotationMatrix(R, t)
		results = append(results, scored{pose: pose, cost: normalizedResidual(world, image, pose)})
	}
	if len(results) == 0 {
		return nil, errors.Wrap(photogrammetry.ErrDegenerateGeometry, "EPnP found no solution")
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].cost < results[j].cost })
	poses := make([]photogrammetry.Pose, len(results))
	for i, r := range results {
		poses[i] = r.pose
	}
	return poses, nil
}

// epnpBetas solves the linearized distance constraints
// |Σ βk·Δk|² = d² for N null vectors.
func epnpBetas(kernel [][]r3.Vector, dist2 []float64) ([]float64, bool) {
	N := len(kernel)
	if N == 1 {
		num, den := 0.0, 0.0
		for p, d := range kernel[0] {
			num += d.Norm() * math.Sqrt(dist2[p])
			den += d.Norm2()
		}
		if den == 0 {
			return nil, false
		}
		return []float64{num / den}, true
	}

	// unknowns: products βa·βb for a <= b
	var prods [][2]int
	for a := 0; a < N; a++ {
		for b := a; b < N; b++ {
			prods = append(prods, [2]int{a, b})
		}
	}
	if len(dist2) < len(prods) {
		return nil, false
	}
	L := mat.NewDense(len(dist2), len(prods), nil)
	for p := range dist2 {
		for c, ab := range prods {
			v := kernel[ab[0]][p].Dot(kernel[ab[1]][p])
			if ab[0] != ab[1] {
				v *= 2
			}
			L.Set(p, c, v)
		}
	}
	var rho mat.VecDense
	if err := rho.SolveVec(L, mat.NewVecDense(len(dist2), append([]float64(nil), dist2...))); err != nil {
		return nil, false
	}

	betas := make([]float64, N)
	// index of βa·βa in prods
	diag := func(a int) int {
		for c, ab := range prods {
			if ab[0] == a && ab[1] == a {
				return c
			}
		}
		return -1
	}
	b0 := math.Sqrt(math.Abs(rho.AtVec(diag(0))))
	if b0 == 0 {
		return nil, false
	}
	betas[0] = b0
	for a := 1; a < N; a++ {
		// the cross term β0·βa fixes the relative sign
		cross := rho.AtVec(a)
		betas[a] = math.Copysign(math.Sqrt(math.Abs(rho.AtVec(diag(a)))), cross)
	}
	return betas, true
}

// epnpRefineBetas runs Gauss-Newton on Σ (|Σ βk·Δk|² - d²)².
func epnpRefineBetas(kernel [][]r3.Vector, dist2 []float64, betas []float64) []float64 {
	N := len(betas)
	cost := func(b []float64) float64 {
		c := 0.0
		for p := range dist2 {
			var v r3.Vector
			for k := range b {
				v = v.Add(kernel[k][p].Mul(b[k]))
			}
			r := v.Norm2() - dist2[p]
			c += r * r
		}
		return c
	}
	current := cost(betas)
	for iter := 0; iter < 10; iter++ {
		J := mat.NewDense(len(dist2), N, nil)
		r := mat.NewVecDense(len(dist2), nil)
		for p := range dist2 {
			var v r3.Vector
			for k := range betas {
				v = v.Add(kernel[k][p].Mul(betas[k]))
			}
			r.SetVec(p, v.Norm2()-dist2[p])
			for k := 0; k < N; k++ {
				J.Set(p, k, 2*v.Dot(kernel[k][p]))
			}
		}
		var delta mat.VecDense
		if err := delta.SolveVec(J, r); err != nil {
			break
		}
		next := make([]float64, N)
		for k := range next {
			next[k] = betas[k] - delta.AtVec(k)
		}
		c := cost(next)
		if !(c < current) {
			break
		}
		betas, current = next, c
	}
	return betas
}
