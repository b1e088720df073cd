package calibration

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"sphaeroptica.be/calibrate/photogrammetry"
)

// p3pStrategy solves Grunert's quartic on the first three points. A fourth
// point, when given, only ranks the candidates.
type p3pStrategy struct{}

func (p3pStrategy) check(in pnpInput) error {
	if err := requirePoints(in, 3); err != nil {
		return err
	}
	if len(in.world) > 4 {
		return errors.Wrapf(photogrammetry.ErrInvalidParameter, "P3P takes 3 points and an optional 4th, got %d", len(in.world))
	}
	return requireNonCollinear(in.world[:3])
}

func (p3pStrategy) solve(in pnpInput) ([]photogrammetry.Pose, error) {
	return p3pPoses(in, [3]int{0, 1, 2}, false)
}

// ap3pStrategy picks the best conditioned triple, polishes every root and
// refines the depths before aligning. All points rank the candidates.
type ap3pStrategy struct{}

func (ap3pStrategy) check(in pnpInput) error {
	if err := requirePoints(in, 3); err != nil {
		return err
	}
	return requireNonCollinear(in.world)
}

func (ap3pStrategy) solve(in pnpInput) ([]photogrammetry.Pose, error) {
	return p3pPoses(in, widestTriple(in.world), true)
}

func p3pPoses(in pnpInput, idx [3]int, refine bool) ([]photogrammetry.Pose, error) {
	var P, j [3]r3.Vector
	for k, i := range idx {
		P[k] = in.world[i]
		j[k] = bearing(in.image[i])
	}
	sols := grunert(P, j, refine)
	if len(sols) == 0 {
		return nil, errors.Wrap(photogrammetry.ErrNoConvergence, "no real solution to the three point problem")
	}
	poses := make([]photogrammetry.Pose, 0, len(sols))
	for _, cam := range sols {
		R, t, err := absoluteOrientation(P[:], cam[:])
		if err != nil {
			continue
		}
		poses = append(poses, photogrammetry.PoseFromRotationMatrix(R, t))
	}
	return poses, nil
}

func bearing(n r2.Point) r3.Vector {
	return r3.Vector{X: n.X, Y: n.Y, Z: 1}.Normalize()
}

// widestTriple returns the first point, the point farthest from it, and the
// point spanning the largest triangle with both.
func widestTriple(pts []r3.Vector) [3]int {
	best := [3]int{0, 1, 2}
	far := 0.0
	for i := 1; i < len(pts); i++ {
		if d := pts[i].Sub(pts[0]).Norm2(); d > far {
			far, best[1] = d, i
		}
	}
	area := -1.0
	for i := 1; i < len(pts); i++ {
		if i == best[1] {
			continue
		}
		a := pts[best[1]].Sub(pts[0]).Cross(pts[i].Sub(pts[0])).Norm()
		if a > area {
			area, best[2] = a, i
		}
	}
	return best
}

// grunert returns the camera frame positions of the three points for every
// real solution. With s2 = u·s1 and s3 = v·s1 the law of cosines reduces to
// a quartic in v.
func grunert(P, j [3]r3.Vector, refine bool) [][3]r3.Vector {
	a := P[1].Sub(P[2]).Norm()
	b := P[0].Sub(P[2]).Norm()
	c := P[0].Sub(P[1]).Norm()
	cosA := j[1].Dot(j[2])
	cosB := j[0].Dot(j[2])
	cosG := j[0].Dot(j[1])

	a2, b2, c2 := a*a, b*b, c*c
	p := (a2 - c2) / b2
	q := (a2 + c2) / b2

	A4 := (p-1)*(p-1) - 4*c2/b2*cosA*cosA
	A3 := 4 * (p*(1-p)*cosB - (1-q)*cosA*cosG + 2*c2/b2*cosA*cosA*cosB)
	A2 := 2 * (p*p - 1 + 2*p*p*cosB*cosB + 2*(b2-c2)/b2*cosA*cosA - 4*q*cosA*cosB*cosG + 2*(b2-a2)/b2*cosG*cosG)
	A1 := 4 * (-p*(1+p)*cosB + 2*a2/b2*cosG*cosG*cosB - (1-q)*cosA*cosG)
	A0 := (1+p)*(1+p) - 4*a2/b2*cosG*cosG

	var out [][3]r3.Vector
	var seen []float64
	for _, v := range realRoots([]float64{A4, A3, A2, A1, A0}) {
		if !(v > 0) || containsNear(seen, v) {
			continue
		}
		seen = append(seen, v)

		den := 1 + v*v - 2*v*cosB
		if !(den > 0) {
			continue
		}
		s1 := math.Sqrt(b2 / den)
		disc := cosG*cosG - 1 + c2/(s1*s1)
		if disc < 0 {
			if disc < -1e-9 {
				continue
			}
			disc = 0
		}
		// pick the root of the c² equation that also satisfies the a² one
		u, bestErr := 0.0, math.Inf(1)
		for _, cand := range []float64{cosG + math.Sqrt(disc), cosG - math.Sqrt(disc)} {
			if !(cand > 0) {
				continue
			}
			e := math.Abs(a2 - s1*s1*(cand*cand+v*v-2*cand*v*cosA))
			if e < bestErr {
				u, bestErr = cand, e
			}
		}
		if math.IsInf(bestErr, 1) {
			continue
		}
		s := [3]float64{s1, u * s1, v * s1}
		if refine {
			s = refineDepths(s, [3]float64{a2, b2, c2}, [3]float64{cosA, cosB, cosG})
		}
		out = append(out, [3]r3.Vector{j[0].Mul(s[0]), j[1].Mul(s[1]), j[2].Mul(s[2])})
	}
	return out
}

func containsNear(vals []float64, v float64) bool {
	for _, x := range vals {
		if math.Abs(x-v) < 1e-9*math.Max(1, math.Abs(v)) {
			return true
		}
	}
	return false
}

// refineDepths runs Gauss-Newton on the three law of cosines equations.
func refineDepths(s, sides, cosines [3]float64) [3]float64 {
	a2, b2, c2 := sides[0], sides[1], sides[2]
	cosA, cosB, cosG := cosines[0], cosines[1], cosines[2]
	residual := func(s [3]float64) []float64 {
		return []float64{
			s[1]*s[1] + s[2]*s[2] - 2*s[1]*s[2]*cosA - a2,
			s[0]*s[0] + s[2]*s[2] - 2*s[0]*s[2]*cosB - b2,
			s[0]*s[0] + s[1]*s[1] - 2*s[0]*s[1]*cosG - c2,
		}
	}
	norm := func(r []float64) float64 { return r[0]*r[0] + r[1]*r[1] + r[2]*r[2] }

	r := residual(s)
	for iter := 0; iter < 5; iter++ {
		J := mat.NewDense(3, 3, []float64{
			0, 2*s[1] - 2*s[2]*cosA, 2*s[2] - 2*s[1]*cosA,
			2*s[0] - 2*s[2]*cosB, 0, 2*s[2] - 2*s[0]*cosB,
			2*s[0] - 2*s[1]*cosG, 2*s[1] - 2*s[0]*cosG, 0,
		})
		var delta mat.VecDense
		if err := delta.SolveVec(J, mat.NewVecDense(3, r)); err != nil {
			break
		}
		next := [3]float64{s[0] - delta.AtVec(0), s[1] - delta.AtVec(1), s[2] - delta.AtVec(2)}
		rn := residual(next)
		if !(norm(rn) < norm(r)) {
			break
		}
		s, r = next, rn
	}
	return s
}
