// Package model provides concrete field problems used by the demo
// command and the end-to-end tests. They stand in for the external field
// problem layer behind fields.Provider.
package model

import (
	"github.com/james-bowman/sparse"

	"github.com/shapeopt/shapeopt/fields"
	"github.com/shapeopt/shapeopt/mesh"
)

// Quadratic is a tracking-type model problem
//
//	J(u) = 1/2 (u-d)' M (u-d) + gamma/2 u' M u
//
// over a single control field with mass matrix M. The "state" is the
// tracking residual y = u - d, the "adjoint" is p = -y, and the gradient
// in the M-weighted space is g = y + gamma*u. Solves are gated by
// generation-token caches like a real PDE provider.
type Quadratic struct {
	controls *fields.Tuple
	space    *fields.MassWeightedSpace
	target   []float64
	gamma    float64

	state    []float64 // y = u - d
	adjoint  []float64 // p = -y
	gradient *fields.Tuple

	stateCache    *fields.SolutionCache
	adjointCache  *fields.SolutionCache
	gradientCache *fields.SolutionCache
}

func NewQuadratic(name string, target []float64, gamma float64, M *sparse.CSR) (q *Quadratic) {
	n := len(target)
	u := fields.NewField(name, n)
	d := make([]float64, n)
	copy(d, target)
	q = &Quadratic{
		controls:      fields.NewTuple(u),
		space:         fields.NewMassWeightedSpace(M),
		target:        d,
		gamma:         gamma,
		state:         make([]float64, n),
		adjoint:       make([]float64, n),
		gradient:      fields.NewTuple(fields.NewField(name+"_grad", n)),
		stateCache:    fields.NewSolutionCache(),
		adjointCache:  fields.NewSolutionCache(),
		gradientCache: fields.NewSolutionCache(),
	}
	return
}

func (q *Quadratic) Controls() *fields.Tuple {
	return q.controls
}

func (q *Quadratic) Space() fields.Space {
	return q.space
}

func (q *Quadratic) SolveState() error {
	return q.stateCache.Solve(func() error {
		u := q.controls.Fields[0].Raw()
		for i := range q.state {
			q.state[i] = u[i] - q.target[i]
		}
		return nil
	})
}

func (q *Quadratic) SolveAdjoint() error {
	if err := q.SolveState(); err != nil {
		return err
	}
	return q.adjointCache.Solve(func() error {
		for i := range q.adjoint {
			q.adjoint[i] = -q.state[i]
		}
		return nil
	})
}

func (q *Quadratic) SolveGradient() (*fields.Tuple, error) {
	if err := q.SolveAdjoint(); err != nil {
		return nil, err
	}
	err := q.gradientCache.Solve(func() error {
		u := q.controls.Fields[0].Raw()
		g := q.gradient.Fields[0].Raw()
		for i := range g {
			g[i] = -q.adjoint[i] + q.gamma*u[i]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return q.gradient, nil
}

func (q *Quadratic) Cost() (float64, error) {
	if err := q.SolveState(); err != nil {
		return 0, err
	}
	y := fields.NewTuple(fields.NewFieldFrom("residual", q.state))
	cost := 0.5 * q.space.Inner(y, y)
	if q.gamma != 0 {
		cost += 0.5 * q.gamma * q.space.Inner(q.controls, q.controls)
	}
	return cost, nil
}

func (q *Quadratic) InvalidateState() {
	q.stateCache.Invalidate()
}

func (q *Quadratic) InvalidateAdjoint() {
	q.adjointCache.Invalidate()
}

func (q *Quadratic) InvalidateGradient() {
	q.gradientCache.Invalidate()
}

// StateSolves reports how many state solves actually ran, for the
// resumption record.
func (q *Quadratic) StateSolves() int {
	return q.stateCache.Solves()
}

func (q *Quadratic) AdjointSolves() int {
	return q.adjointCache.Solves()
}

// IdentityMass builds the identity mass matrix, making the M-weighted
// space coincide with the Euclidean one.
func IdentityMass(n int) *sparse.CSR {
	diag := make([]float64, n)
	for i := range diag {
		diag[i] = 1
	}
	return fields.DiagonalMass(diag)
}

// LumpedMassMatrix assembles the lumped P1 mass matrix of a simplex mesh:
// each vertex receives an equal share of the volume of its incident
// cells.
func LumpedMassMatrix(m *mesh.Mesh) *sparse.CSR {
	diag := make([]float64, m.NumVertices())
	share := 1 / float64(m.Dim+1)
	for k := 0; k < m.NumCells(); k++ {
		vol := m.Volume(k)
		for _, v := range m.EtoV[k] {
			diag[v] += vol * share
		}
	}
	return fields.DiagonalMass(diag)
}

// FullMassMatrix assembles the consistent P1 mass matrix of a simplex
// mesh, with the standard local matrix vol/((d+1)(d+2)) * (1 + delta_ij).
func FullMassMatrix(m *mesh.Mesh) *sparse.CSR {
	var (
		n     = m.NumVertices()
		d     = m.Dim
		dok   = sparse.NewDOK(n, n)
		denom = float64((d + 1) * (d + 2))
	)
	for k := 0; k < m.NumCells(); k++ {
		vol := m.Volume(k)
		verts := m.EtoV[k]
		for _, a := range verts {
			for _, b := range verts {
				v := vol / denom
				if a == b {
					v *= 2
				}
				dok.Set(a, b, dok.At(a, b)+v)
			}
		}
	}
	return dok.ToCSR()
}

var _ fields.Provider = (*Quadratic)(nil)
