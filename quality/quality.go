// Package quality computes scalar mesh quality measures. Every measure
// maps a cell to a score in [0,1], where 1 is the optimal (equilateral)
// element and 0 a degenerate one; the global score is the minimum or the
// average over all cells.
package quality

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/shapeopt/shapeopt/mesh"
)

type Measure int

const (
	Skewness Measure = iota
	MaximumAngle
	RadiusRatio
	ConditionNumber
)

func (q Measure) String() string {
	return [...]string{"skewness", "maximum_angle", "radius_ratios", "condition_number"}[q]
}

func ParseMeasure(s string) (Measure, error) {
	switch s {
	case "skewness":
		return Skewness, nil
	case "maximum_angle":
		return MaximumAngle, nil
	case "radius_ratios":
		return RadiusRatio, nil
	case "condition_number":
		return ConditionNumber, nil
	}
	return 0, fmt.Errorf("unknown mesh quality measure %q", s)
}

type Reduction int

const (
	Min Reduction = iota
	Avg
)

func (r Reduction) String() string {
	return [...]string{"min", "avg"}[r]
}

func ParseReduction(s string) (Reduction, error) {
	switch s {
	case "min", "minimum":
		return Min, nil
	case "avg", "average":
		return Avg, nil
	}
	return 0, fmt.Errorf("unknown mesh quality type %q", s)
}

// Compute evaluates the global quality score of the mesh.
func Compute(m *mesh.Mesh, measure Measure, red Reduction) float64 {
	scores := CellScores(m, measure)
	switch red {
	case Min:
		v := math.Inf(1)
		for _, s := range scores {
			v = math.Min(v, s)
		}
		return v
	default:
		v := 0.0
		for _, s := range scores {
			v += s
		}
		return v / float64(len(scores))
	}
}

// CellScores evaluates the per-cell quality scores.
func CellScores(m *mesh.Mesh, measure Measure) (scores []float64) {
	scores = make([]float64, m.NumCells())
	for k := range scores {
		scores[k] = clamp01(cellScore(m, k, measure))
	}
	return
}

func cellScore(m *mesh.Mesh, k int, measure Measure) float64 {
	switch measure {
	case Skewness:
		return angleScore(m, k, true)
	case MaximumAngle:
		return angleScore(m, k, false)
	case RadiusRatio:
		return radiusRatio(m, k)
	default:
		return conditionNumber(m, k)
	}
}

// optimalAngle is the (dihedral) angle of the equilateral simplex:
// pi/3 for triangles, arccos(1/3) for tetrahedra.
func optimalAngle(dim int) float64 {
	if dim == 2 {
		return math.Pi / 3
	}
	return math.Acos(1. / 3.)
}

// angleScore is the skewness measure when twoSided is set, penalizing
// angles on either side of the optimum:
//
//	1 - max((a-a*)/(pi-a*), (a*-a)/a*)
//
// and the maximum-angle measure otherwise, penalizing only angles larger
// than the optimum. The cell score is the minimum over its angles.
func angleScore(m *mesh.Mesh, k int, twoSided bool) float64 {
	var (
		opt  = optimalAngle(m.Dim)
		angs []float64
	)
	if m.Dim == 2 {
		angs = triangleAngles(m.CellCoords(k))
	} else {
		angs = dihedralAngles(m.CellCoords(k))
	}
	score := math.Inf(1)
	for _, a := range angs {
		over := (a - opt) / (math.Pi - opt)
		q := 1 - math.Max(over, 0)
		if twoSided {
			q = 1 - math.Max(over, (opt-a)/opt)
		}
		score = math.Min(score, q)
	}
	return score
}

// triangleAngles returns the three planar angles of a triangle.
func triangleAngles(p [][]float64) (angs []float64) {
	e0 := unit(sub(p[1], p[0]))
	e1 := unit(sub(p[2], p[0]))
	e2 := unit(sub(p[2], p[1]))
	angs = []float64{
		math.Acos(clampCos(dot(e0, e1))),
		math.Acos(clampCos(-dot(e0, e2))),
		math.Acos(clampCos(dot(e1, e2))),
	}
	return
}

// dihedralAngles returns the six dihedral angles of a tetrahedron, as
// angles between the unit normals of adjacent faces.
func dihedralAngles(p [][]float64) (angs []float64) {
	var (
		e0 = sub(p[1], p[0])
		e1 = sub(p[2], p[0])
		e2 = sub(p[3], p[0])
		e3 = sub(p[2], p[1])
		e4 = sub(p[3], p[1])
	)
	n0 := unit(cross(e0, e1))
	n1 := unit(cross(e0, e2))
	n2 := unit(cross(e1, e2))
	n3 := unit(cross(e3, e4))
	angs = []float64{
		math.Acos(clampCos(dot(n0, n1))),
		math.Acos(clampCos(-dot(n0, n2))),
		math.Acos(clampCos(dot(n1, n2))),
		math.Acos(clampCos(dot(n0, n3))),
		math.Acos(clampCos(-dot(n1, n3))),
		math.Acos(clampCos(dot(n2, n3))),
	}
	return
}

// radiusRatio is d*r/R with inradius r and circumradius R.
func radiusRatio(m *mesh.Mesh, k int) float64 {
	var (
		d = m.Dim
		p = m.CellCoords(k)
		r float64
	)
	if d == 2 {
		// r = area / semiperimeter
		s := (norm(sub(p[1], p[0])) + norm(sub(p[2], p[0])) + norm(sub(p[2], p[1]))) / 2
		if s == 0 {
			return 0
		}
		r = m.Volume(k) / s
	} else {
		// r = 3V / total face area
		area := faceArea(p[0], p[1], p[2]) + faceArea(p[0], p[1], p[3]) +
			faceArea(p[0], p[2], p[3]) + faceArea(p[1], p[2], p[3])
		if area == 0 {
			return 0
		}
		r = 3 * m.Volume(k) / area
	}

	R, ok := circumradius(p, d)
	if !ok || R == 0 {
		return 0
	}
	return float64(d) * r / R
}

// circumradius solves 2(p_i - p_0) . c = |p_i|^2 - |p_0|^2 for the
// circumcenter c and returns |c - p_0|.
func circumradius(p [][]float64, d int) (R float64, ok bool) {
	A := mat.NewDense(d, d, nil)
	b := mat.NewVecDense(d, nil)
	for i := 1; i <= d; i++ {
		for j := 0; j < d; j++ {
			A.Set(i-1, j, 2*(p[i][j]-p[0][j]))
		}
		b.SetVec(i-1, sqNorm(p[i])-sqNorm(p[0]))
	}
	var c mat.VecDense
	if err := c.SolveVec(A, b); err != nil {
		return 0, false
	}
	for j := 0; j < d; j++ {
		diff := c.AtVec(j) - p[0][j]
		R += diff * diff
	}
	return math.Sqrt(R), true
}

// conditionNumber is sqrt(d) / cond_F(J) with the Frobenius condition
// number of the reference-map Jacobian. The original formulation projects
// cond_F onto piecewise constants; for affine simplices that projection
// is exact per cell, so it is evaluated directly here.
func conditionNumber(m *mesh.Mesh, k int) float64 {
	var (
		d   = m.Dim
		J   = m.Jacobian(k)
		inv = mat.NewDense(d, d, nil)
	)
	if err := inv.Inverse(J); err != nil {
		return 0
	}
	cond := mat.Norm(J, 2) * mat.Norm(inv, 2)
	if cond == 0 || math.IsInf(cond, 0) || math.IsNaN(cond) {
		return 0
	}
	return math.Sqrt(float64(d)) / cond
}

func clamp01(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	return math.Max(0, math.Min(1, x))
}

func clampCos(x float64) float64 {
	return math.Max(-1, math.Min(1, x))
}

func sub(a, b []float64) (c []float64) {
	c = make([]float64, len(a))
	for i := range a {
		c[i] = a[i] - b[i]
	}
	return
}

func dot(a, b []float64) (v float64) {
	for i := range a {
		v += a[i] * b[i]
	}
	return
}

func sqNorm(a []float64) float64 {
	return dot(a, a)
}

func norm(a []float64) float64 {
	return math.Sqrt(dot(a, a))
}

func unit(a []float64) []float64 {
	n := norm(a)
	if n == 0 {
		return a
	}
	c := make([]float64, len(a))
	for i := range a {
		c[i] = a[i] / n
	}
	return c
}

func cross(a, b []float64) []float64 {
	return []float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func faceArea(a, b, c []float64) float64 {
	return norm(cross(sub(b, a), sub(c, a))) / 2
}
