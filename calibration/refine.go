package calibration

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"sphaeroptica.be/calibrate/photogrammetry"
)

const (
	lambdaInit    = 1e-3
	lambdaMin     = 1e-15
	lambdaMax     = 1e16
	maxDampTries  = 12
	perfectFitRMS = 1e-6 // px
)

// Layout of the intrinsic block of the parameter vector.
const (
	idxFx = iota
	idxFy
	idxCx
	idxCy
	idxDist
)

// lmState is the value carried from one Levenberg-Marquardt step to the next.
type lmState struct {
	params []float64 // full vector, fixed entries included
	cost   float64
	lambda float64
	iter   int
}

// bundleProblem is the joint intrinsic + per view pose least squares problem.
type bundleProblem struct {
	views  []View
	nDist  int
	free   []int // indices of free intrinsic entries
	aspect float64
	fixAR  bool

	workers int
}

func (p *bundleProblem) nIntr() int { return idxDist + p.nDist }

func (p *bundleProblem) nFree() int { return len(p.free) }

func (p *bundleProblem) nParams() int { return p.nFree() + 6*len(p.views) }

func newBundleProblem(views []View, opts Options, initial []float64) *bundleProblem {
	p := &bundleProblem{
		views:   views,
		nDist:   int(opts.DistortionModel),
		fixAR:   opts.FixAspectRatio,
		workers: opts.workers(),
	}
	if p.fixAR {
		p.aspect = initial[idxFy] / initial[idxFx]
	}
	for i := 0; i < p.nIntr(); i++ {
		switch {
		case i == idxFy && opts.FixAspectRatio:
		case (i == idxCx || i == idxCy) && opts.FixPrincipalPoint:
		case (i == idxDist+2 || i == idxDist+3) && opts.ZeroTangentDist:
		default:
			p.free = append(p.free, i)
		}
	}
	return p
}

// pack extracts the optimized vector from the full parameter vector.
func (p *bundleProblem) pack(full []float64) []float64 {
	x := make([]float64, 0, p.nParams())
	for _, i := range p.free {
		x = append(x, full[i])
	}
	return append(x, full[p.nIntr():]...)
}

// unpack writes x into a copy of base and re-applies the tied parameters.
func (p *bundleProblem) unpack(base, x []float64) []float64 {
	full := append([]float64(nil), base...)
	for j, i := range p.free {
		full[i] = x[j]
	}
	copy(full[p.nIntr():], x[p.nFree():])
	if p.fixAR {
		full[idxFy] = full[idxFx] * p.aspect
	}
	return full
}

func intrinsicsFromParams(full []float64, nDist int) (photogrammetry.CameraMatrix, photogrammetry.Distortion) {
	k := photogrammetry.CameraMatrix{Fx: full[idxFx], Fy: full[idxFy], Cx: full[idxCx], Cy: full[idxCy]}
	d := photogrammetry.Distortion(append([]float64(nil), full[idxDist:idxDist+nDist]...))
	return k, d
}

func poseFromParams(v []float64) photogrammetry.Pose {
	return photogrammetry.Pose{
		Rotation:    r3.Vector{X: v[0], Y: v[1], Z: v[2]},
		Translation: r3.Vector{X: v[3], Y: v[4], Z: v[5]},
	}
}

func poseParams(pose photogrammetry.Pose) []float64 {
	return []float64{pose.Rotation.X, pose.Rotation.Y, pose.Rotation.Z, pose.Translation.X, pose.Translation.Y, pose.Translation.Z}
}

// viewResiduals fills dst with projected - observed for one view.
func viewResiduals(dst []float64, view View, k photogrammetry.CameraMatrix, d photogrammetry.Distortion, pose photogrammetry.Pose) {
	proj := photogrammetry.ProjectPoints(view.BoardPoints(), k, d, pose)
	for i, c := range view.Correspondences {
		dst[2*i] = proj[i].X - c.Pixel.X
		dst[2*i+1] = proj[i].Y - c.Pixel.Y
	}
}

// viewFunc returns the residual function of view v over its local parameters
// [free intrinsics..., rvec, tvec].
func (p *bundleProblem) viewFunc(v int, full []float64) func(y, x []float64) {
	nf := p.nFree()
	return func(y, x []float64) {
		local := append([]float64(nil), full...)
		for j, i := range p.free {
			local[i] = x[j]
		}
		if p.fixAR {
			local[idxFy] = local[idxFx] * p.aspect
		}
		k, d := intrinsicsFromParams(local, p.nDist)
		viewResiduals(y, p.views[v], k, d, poseFromParams(x[nf:nf+6]))
	}
}

func (p *bundleProblem) localParams(v int, full []float64) []float64 {
	x := make([]float64, 0, p.nFree()+6)
	for _, i := range p.free {
		x = append(x, full[i])
	}
	off := p.nIntr() + 6*v
	return append(x, full[off:off+6]...)
}

// cost evaluates Σ r² over all views in parallel. A view whose sum is not
// finite fails the evaluation.
func (p *bundleProblem) cost(full []float64) (float64, error) {
	sums := make([]float64, len(p.views))
	var g errgroup.Group
	g.SetLimit(p.workers)
	for v := range p.views {
		g.Go(func() error {
			r := make([]float64, 2*len(p.views[v].Correspondences))
			p.viewFunc(v, full)(r, p.localParams(v, full))
			for _, e := range r {
				sums[v] += e * e
			}
			if !finite(sums[v]) {
				return errors.Wrapf(photogrammetry.ErrNonConvergence, "non finite residuals for view %q", p.views[v].ImageID)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	total := 0.0
	for _, s := range sums {
		total += s
	}
	return total, nil
}

// viewBlock is the residual vector and local Jacobian of one view.
type viewBlock struct {
	r []float64
	J *mat.Dense
}

// normalEquations builds JᵀJ and Jᵀr, computing the view blocks concurrently.
func (p *bundleProblem) normalEquations(full []float64) (*mat.SymDense, *mat.VecDense, error) {
	blocks := make([]viewBlock, len(p.views))
	nLocal := p.nFree() + 6

	var g errgroup.Group
	g.SetLimit(p.workers)
	for v := range p.views {
		g.Go(func() error {
			m := 2 * len(p.views[v].Correspondences)
			f := p.viewFunc(v, full)
			x := p.localParams(v, full)
			r := make([]float64, m)
			f(r, x)
			J := mat.NewDense(m, nLocal, nil)
			fd.Jacobian(J, f, x, &fd.JacobianSettings{Formula: fd.Central})
			for _, e := range J.RawMatrix().Data {
				if !finite(e) {
					return errors.Wrapf(photogrammetry.ErrNonConvergence, "non finite Jacobian for view %q", p.views[v].ImageID)
				}
			}
			blocks[v] = viewBlock{r: r, J: J}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	n := p.nParams()
	nf := p.nFree()
	A := mat.NewSymDense(n, nil)
	grad := mat.NewVecDense(n, nil)
	global := make([]int, nLocal)
	for j := 0; j < nf; j++ {
		global[j] = j
	}
	for v, b := range blocks {
		for j := 0; j < 6; j++ {
			global[nf+j] = nf + 6*v + j
		}
		var jtj mat.Dense
		jtj.Mul(b.J.T(), b.J)
		var jtr mat.VecDense
		jtr.MulVec(b.J.T(), mat.NewVecDense(len(b.r), b.r))
		for a := 0; a < nLocal; a++ {
			ga := global[a]
			grad.SetVec(ga, grad.AtVec(ga)+jtr.AtVec(a))
			for c := a; c < nLocal; c++ {
				gc := global[c]
				A.SetSym(ga, gc, A.At(ga, gc)+jtj.At(a, c))
			}
		}
	}
	return A, grad, nil
}

// step runs one outer Levenberg-Marquardt iteration from s. It reports
// whether a step was accepted and the relative cost decrease.
func (p *bundleProblem) step(s lmState) (lmState, bool, float64, error) {
	A, grad, err := p.normalEquations(s.params)
	if err != nil {
		return s, false, 0, err
	}
	n := p.nParams()
	x := p.pack(s.params)
	lambda := s.lambda

	for try := 0; try < maxDampTries; try++ {
		damped := mat.NewSymDense(n, nil)
		damped.CopySym(A)
		for i := 0; i < n; i++ {
			d := A.At(i, i)
			if d == 0 {
				d = 1
			}
			damped.SetSym(i, i, A.At(i, i)+lambda*d)
		}

		var chol mat.Cholesky
		if !chol.Factorize(damped) {
			lambda = math.Min(lambda*10, lambdaMax)
			continue
		}
		var delta mat.VecDense
		if err := chol.SolveVecTo(&delta, grad); err != nil {
			lambda = math.Min(lambda*10, lambdaMax)
			continue
		}
		candidate := make([]float64, n)
		for i := range candidate {
			candidate[i] = x[i] - delta.AtVec(i)
		}
		full := p.unpack(s.params, candidate)
		if c, err := p.cost(full); err == nil && c < s.cost {
			rel := (s.cost - c) / s.cost
			return lmState{
				params: full,
				cost:   c,
				lambda: math.Max(lambda/10, lambdaMin),
				iter:   s.iter + 1,
			}, true, rel, nil
		}
		lambda = math.Min(lambda*10, lambdaMax)
	}
	s.lambda = lambda
	s.iter++
	return s, false, 0, nil
}

// optimize iterates step until the relative decrease falls under tol, no
// step can be accepted, or maxIter outer iterations have run.
func (p *bundleProblem) optimize(initial []float64, maxIter int, tol float64) (lmState, error) {
	s := lmState{params: initial, lambda: lambdaInit}
	c, err := p.cost(initial)
	if err != nil {
		return s, errors.Wrap(err, "initial reprojection cost")
	}
	s.cost = c
	nPts := 0
	for _, v := range p.views {
		nPts += len(v.Correspondences)
	}
	initialCost := s.cost
	accepted := false

	for s.iter < maxIter {
		next, ok, rel, err := p.step(s)
		if err != nil {
			return s, err
		}
		logger.WithFields(logrus.Fields{
			"iter":     next.iter,
			"rms":      math.Sqrt(next.cost / float64(nPts)),
			"lambda":   next.lambda,
			"accepted": ok,
		}).Debug("LM iteration")
		s = next
		if !ok {
			break
		}
		accepted = true
		if rel < tol {
			break
		}
	}

	if !accepted && math.Sqrt(initialCost/float64(nPts)) > perfectFitRMS {
		return s, errors.Wrapf(photogrammetry.ErrNonConvergence, "no step reduced the reprojection cost %g in %d iterations", initialCost, s.iter)
	}
	return s, nil
}
