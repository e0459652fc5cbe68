package opt_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shapeopt/shapeopt/fields"
	"github.com/shapeopt/shapeopt/model"
	"github.com/shapeopt/shapeopt/opt"
)

func newSolver(q *model.Quadratic, params opt.Params) *opt.InnerLBFGS {
	ls := opt.NewLineSearch(q, opt.DefaultLineSearchParams(), nil)
	return opt.NewInnerLBFGS(q, ls, params, nil)
}

func tracking(u []float64) *model.Quadratic {
	q := model.NewQuadratic("u", make([]float64, len(u)), 0, model.IdentityMass(len(u)))
	copy(q.Controls().Fields[0].Raw(), u)
	return q
}

func TestSearchDirectionZeroHistory(t *testing.T) {
	// With no memory the direction is the projected steepest descent.
	q := tracking([]float64{1, 1, 1, 1, 1})
	params := opt.DefaultParams()
	params.MemoryVectors = 0
	s := newSolver(q, params)

	grad := fields.NewTuple(fields.NewFieldFrom("u", []float64{1, 1, 1, 1, 1}))
	d := s.ComputeSearchDirection(grad, nil)
	assert.Equal(t, []float64{-1, -1, -1, -1, -1}, d.Fields[0].Raw())
}

func TestSearchDirectionOneEntryHistory(t *testing.T) {
	// One pair s=y=[1,0], rho=1: the implied inverse Hessian acts as the
	// identity on the gradient, so the direction is exactly -g.
	// Trace: seed d=[1,0]; alpha=rho*<s,d>=1; d-=alpha*y -> [0,0];
	// factor 1; beta=rho*<y,d>=0; d+=s*(alpha-beta) -> [1,0]; negate.
	q := tracking([]float64{1, 0})
	params := opt.DefaultParams()
	params.MemoryVectors = 1
	params.UseBFGSScaling = false
	s := newSolver(q, params)
	s.History().Push(
		fields.NewTuple(fields.NewFieldFrom("u", []float64{1, 0})),
		fields.NewTuple(fields.NewFieldFrom("u", []float64{1, 0})),
		1.0,
	)

	grad := fields.NewTuple(fields.NewFieldFrom("u", []float64{1, 0}))
	d := s.ComputeSearchDirection(grad, nil)
	assert.InDeltaSlice(t, []float64{-1, 0}, d.Fields[0].Raw(), 1e-14)
}

func TestSearchDirectionActiveSetInvariant(t *testing.T) {
	active := fields.ActiveSet{{1, 3}}
	grad := fields.NewTuple(fields.NewFieldFrom("u", []float64{1, 2, 3, 4, 5}))

	// steepest-descent branch
	q := tracking([]float64{1, 2, 3, 4, 5})
	params := opt.DefaultParams()
	params.MemoryVectors = 0
	s := newSolver(q, params)
	d := s.ComputeSearchDirection(grad, active)
	assert.Zero(t, d.Fields[0].Raw()[1])
	assert.Zero(t, d.Fields[0].Raw()[3])

	// two-loop branch
	params.MemoryVectors = 2
	s = newSolver(q, params)
	s.History().Push(
		fields.NewTuple(fields.NewFieldFrom("u", []float64{1, 1, 1, 1, 1})),
		fields.NewTuple(fields.NewFieldFrom("u", []float64{2, 1, 2, 1, 2})),
		1.0/8.0,
	)
	d = s.ComputeSearchDirection(grad, active)
	assert.Zero(t, d.Fields[0].Raw()[1])
	assert.Zero(t, d.Fields[0].Raw()[3])
	assert.NotZero(t, d.Fields[0].Raw()[0])
}

func TestDescentSafeguard(t *testing.T) {
	// A synthetic history with negative rho makes the two-loop direction
	// an ascent direction; the solver must fall back to steepest descent
	// before invoking the line search.
	q := tracking([]float64{1, 0})
	params := opt.DefaultParams()
	params.MemoryVectors = 1
	params.UseBFGSScaling = false
	params.MaxIterations = 1
	params.SoftExit = true
	s := newSolver(q, params)
	s.History().Push(
		fields.NewTuple(fields.NewFieldFrom("u", []float64{1, 0})),
		fields.NewTuple(fields.NewFieldFrom("u", []float64{0.1, 0})),
		-2.0,
	)

	// confirm the raw two-loop output really is an ascent direction
	grad := fields.NewTuple(fields.NewFieldFrom("u", []float64{1, 0}))
	d := s.ComputeSearchDirection(grad, nil)
	assert.Greater(t, d.Fields[0].Raw()[0], 0.0)

	_, err := s.Run(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Stats().NoDescent)
	// the step went along -g, towards the minimizer at 0
	assert.Less(t, q.Controls().Fields[0].Raw()[0], 1.0)
}

// linearProblem has constant gradient, so every update pair has
// <y,s> = 0 and must clear the history.
type linearProblem struct {
	controls *fields.Tuple
	gradient *fields.Tuple
	slope    []float64
}

func newLinearProblem(slope []float64) *linearProblem {
	return &linearProblem{
		controls: fields.NewTuple(fields.NewField("u", len(slope))),
		gradient: fields.NewTuple(fields.NewFieldFrom("u", slope)),
		slope:    slope,
	}
}

func (p *linearProblem) Controls() *fields.Tuple { return p.controls }
func (p *linearProblem) Space() fields.Space     { return fields.EuclideanSpace{} }
func (p *linearProblem) SolveState() error       { return nil }
func (p *linearProblem) SolveAdjoint() error     { return nil }
func (p *linearProblem) SolveGradient() (*fields.Tuple, error) {
	return p.gradient, nil
}
func (p *linearProblem) Cost() (float64, error) {
	c := 0.0
	u := p.controls.Fields[0].Raw()
	for i, s := range p.slope {
		c += s * u[i]
	}
	return c, nil
}
func (p *linearProblem) InvalidateState()    {}
func (p *linearProblem) InvalidateAdjoint()  {}
func (p *linearProblem) InvalidateGradient() {}

func TestCurvatureViolationClearsHistory(t *testing.T) {
	p := newLinearProblem([]float64{1, 2})
	params := opt.DefaultParams()
	params.MemoryVectors = 5
	params.MaxIterations = 3
	params.SoftExit = true

	ls := opt.NewLineSearch(p, opt.DefaultLineSearchParams(), nil)
	s := opt.NewInnerLBFGS(p, ls, params, nil)

	status, err := s.Run(nil)
	require.NoError(t, err)
	assert.Equal(t, opt.MaxIterExceeded, status)
	assert.Equal(t, 0, s.History().Len(), "violating pairs must clear the whole history")
	assert.GreaterOrEqual(t, s.Stats().HistoryResets, 1)
}

func TestRunConvergesOnQuadratic(t *testing.T) {
	target := []float64{0.3, -0.7, 1.2, 0.05, -2}
	q := model.NewQuadratic("u", target, 0, model.IdentityMass(len(target)))
	params := opt.DefaultParams()
	params.Rtol = 1e-8

	s := newSolver(q, params)
	status, err := s.Run(nil)
	require.NoError(t, err)
	assert.Equal(t, opt.Converged, status)
	assert.InDeltaSlice(t, target, q.Controls().Fields[0].Raw(), 1e-6)
}

func TestRunRespectsActiveSet(t *testing.T) {
	target := []float64{1, 1, 1, 1}
	q := model.NewQuadratic("u", target, 0, model.IdentityMass(len(target)))
	params := opt.DefaultParams()
	params.Rtol = 1e-8

	s := newSolver(q, params)
	active := fields.ActiveSet{{0, 2}}
	status, err := s.Run(active)
	require.NoError(t, err)
	assert.Equal(t, opt.Converged, status)

	u := q.Controls().Fields[0].Raw()
	assert.Zero(t, u[0], "active entries must not move")
	assert.Zero(t, u[2], "active entries must not move")
	assert.InDelta(t, 1.0, u[1], 1e-6)
	assert.InDelta(t, 1.0, u[3], 1e-6)
}

func TestCrossRestartTightening(t *testing.T) {
	// The second Run reuses the first gradient norm ever recorded: once
	// the controls are converged, a restart terminates without iterating.
	target := []float64{2, -1, 0.5}
	q := model.NewQuadratic("u", target, 0, model.IdentityMass(len(target)))
	params := opt.DefaultParams()
	params.Rtol = 1e-10
	params.Tolerance = 1e-2

	s := newSolver(q, params)
	_, err := s.Run(nil)
	require.NoError(t, err)

	status, err := s.Run(nil)
	require.NoError(t, err)
	assert.Equal(t, opt.Converged, status)
	assert.Equal(t, 0, s.Stats().Iterations)
}

func TestSeedReferenceNorm(t *testing.T) {
	// A large recovered reference norm means the current gradient already
	// satisfies the tightening test, so the solve ends before iterating.
	q := tracking([]float64{1, 1})
	params := opt.DefaultParams()
	params.Rtol = 1e-12
	params.Tolerance = 1e-2

	s := newSolver(q, params)
	s.SeedReferenceNorm(1e6)
	assert.Equal(t, 1e6, s.ReferenceNorm())

	status, err := s.Run(nil)
	require.NoError(t, err)
	assert.Equal(t, opt.Converged, status)
	assert.Equal(t, 0, s.Stats().Iterations)
	assert.Equal(t, []float64{1, 1}, q.Controls().Fields[0].Raw())
}

func TestMaxIterationsSoftAndHard(t *testing.T) {
	p := newLinearProblem([]float64{1})
	params := opt.DefaultParams()
	params.MaxIterations = 2
	params.SoftExit = true

	ls := opt.NewLineSearch(p, opt.DefaultLineSearchParams(), nil)
	s := opt.NewInnerLBFGS(p, ls, params, nil)
	status, err := s.Run(nil)
	require.NoError(t, err)
	assert.Equal(t, opt.MaxIterExceeded, status)

	params.SoftExit = false
	p2 := newLinearProblem([]float64{1})
	ls2 := opt.NewLineSearch(p2, opt.DefaultLineSearchParams(), nil)
	s2 := opt.NewInnerLBFGS(p2, ls2, params, nil)
	status, err = s2.Run(nil)
	assert.ErrorIs(t, err, opt.ErrMaxIterations)
	assert.Equal(t, opt.MaxIterExceeded, status)
}
