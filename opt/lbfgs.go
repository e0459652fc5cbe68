package opt

import (
	"errors"
	"fmt"

	"github.com/shapeopt/shapeopt/fields"
)

// ErrMaxIterations is returned when the inner iteration cap is exceeded
// and soft exits are disabled.
var ErrMaxIterations = errors.New("maximum number of iterations exceeded")

// Status reports how an inner solve ended.
type Status int

const (
	Converged Status = iota
	MaxIterExceeded
	LineSearchFailed
)

func (s Status) String() string {
	return [...]string{"Converged", "MaxIterExceeded", "LineSearchFailed"}[s]
}

// Params configures the inner L-BFGS solver.
type Params struct {
	// MaxIterations caps the inner iteration count per Run.
	MaxIterations int
	// Tolerance is the cross-restart tightening tolerance of the outer
	// primal-dual active set loop.
	Tolerance float64
	// Atol, Rtol form the per-run gradient test
	// |g| <= Atol + Rtol*|g_initial|.
	Atol float64
	Rtol float64
	// MemoryVectors bounds the L-BFGS history; 0 disables the memory and
	// the solver degenerates to projected steepest descent.
	MemoryVectors int
	// UseBFGSScaling enables the <y,s>/<y,y> initial Hessian scaling.
	UseBFGSScaling bool
	// SoftExit turns line-search failure and iteration-cap overrun into a
	// logged early return instead of an error.
	SoftExit bool
}

func DefaultParams() Params {
	return Params{
		MaxIterations:  50,
		Tolerance:      1e-2,
		Atol:           0,
		Rtol:           1e-3,
		MemoryVectors:  5,
		UseBFGSScaling: true,
		SoftExit:       false,
	}
}

// Stats carries per-run diagnostics.
type Stats struct {
	Iterations    int
	NoDescent     int
	HistoryResets int
}

// InnerLBFGS runs the bounded inner iteration of a primal-dual active set
// method: an L-BFGS search direction restricted to the inactive index
// set, an Armijo line search, and a bounded (s, y, rho) memory. The
// history persists across Run calls within one outer loop and is only
// cleared on curvature violations.
type InnerLBFGS struct {
	provider   fields.Provider
	space      fields.Space
	lineSearch *LineSearch
	history    *History
	params     Params
	log        *Logger

	iteration           int
	relativeNorm        float64
	gradientNorm        float64
	gradientNormInitial float64

	// firstGradientNorm is the reference norm of the very first solve
	// across the whole run, used by the cross-restart stopping test.
	firstGradientNorm float64
	firstRun          bool

	reducedGradient *fields.Tuple
	prevGradient    *fields.Tuple
	direction       *fields.Tuple

	stats Stats
}

func NewInnerLBFGS(p fields.Provider, ls *LineSearch, params Params, log *Logger) (s *InnerLBFGS) {
	shape := p.Controls()
	s = &InnerLBFGS{
		provider:          p,
		space:             p.Space(),
		lineSearch:        ls,
		history:           NewHistory(params.MemoryVectors),
		params:            params,
		log:               log,
		firstGradientNorm: 1.0,
		firstRun:          true,
		reducedGradient:   shape.Like(),
		prevGradient:      shape.Like(),
		direction:         shape.Like(),
	}
	return
}

// History exposes the L-BFGS memory, mainly for the outer loop to reseed
// or inspect it.
func (s *InnerLBFGS) History() *History {
	return s.history
}

func (s *InnerLBFGS) Stats() Stats {
	return s.stats
}

func (s *InnerLBFGS) GradientNorm() float64 {
	return s.gradientNorm
}

// ReferenceNorm returns the first gradient norm ever seen, the reference
// of the tightening test. It is persisted across restart boundaries.
func (s *InnerLBFGS) ReferenceNorm() float64 {
	return s.firstGradientNorm
}

// SeedReferenceNorm installs a reference norm recovered from a restart
// record, replacing the first-solve seed. Nonpositive values are ignored.
func (s *InnerLBFGS) SeedReferenceNorm(norm float64) {
	if norm > 0 {
		s.firstGradientNorm = norm
		s.firstRun = false
	}
}

// ComputeSearchDirection applies the two-loop recursion to the reduced
// gradient, keeping every active-set entry pinned at zero through each
// stage. With an empty memory it returns the projected steepest-descent
// direction. The returned tuple is a solver-owned buffer, valid until the
// next call.
func (s *InnerLBFGS) ComputeSearchDirection(grad *fields.Tuple, active fields.ActiveSet) (d *fields.Tuple) {
	d = s.direction
	m := s.history.Len()
	if s.params.MemoryVectors > 0 && m > 0 {
		d.CopyFrom(grad)
		d.ZeroActive(active)

		alpha := make([]float64, m)
		for i := 0; i < m; i++ {
			e := s.history.At(i)
			alpha[i] = e.Rho * s.space.Inner(e.S, d)
			d.AddScaled(-alpha[i], e.Y)
		}

		factor := 1.0
		if s.params.UseBFGSScaling && s.iteration > 0 {
			e0 := s.history.At(0)
			factor = s.space.Inner(e0.Y, e0.S) / s.space.Inner(e0.Y, e0.Y)
		}
		d.Scale(factor)
		d.ZeroActive(active)

		for i := m - 1; i >= 0; i-- {
			e := s.history.At(i)
			beta := e.Rho * s.space.Inner(e.Y, d)
			d.AddScaled(alpha[i]-beta, e.S)
		}

		d.ZeroActive(active)
		d.Scale(-1)
	} else {
		d.CopyFrom(grad)
		d.Scale(-1)
		d.ZeroActive(active)
	}
	return
}

// Run performs one inner solve under the given active set. The active set
// is immutable input; a nil set means unconstrained.
func (s *InnerLBFGS) Run(active fields.ActiveSet) (Status, error) {
	if err := active.Validate(s.provider.Controls()); err != nil {
		return LineSearchFailed, fmt.Errorf("invalid active set: %w", err)
	}

	s.iteration = 0
	s.relativeNorm = 1.0
	s.stats = Stats{}

	s.provider.InvalidateState()
	s.provider.InvalidateAdjoint()
	s.provider.InvalidateGradient()

	if err := s.updateReducedGradient(active); err != nil {
		return LineSearchFailed, err
	}
	s.gradientNormInitial = s.gradientNorm
	if s.firstRun {
		s.firstGradientNorm = s.gradientNormInitial
		s.firstRun = false
	}

	for !s.converged() {
		d := s.ComputeSearchDirection(s.reducedGradient, active)

		if s.space.Inner(d, s.reducedGradient) > 0 {
			s.log.Printf(LogIter, "no descent direction found, using steepest descent\n")
			s.stats.NoDescent++
			d.CopyFrom(s.reducedGradient)
			d.Scale(-1)
		}

		stepsize, err := s.lineSearch.Search(d, s.reducedGradient)
		if err != nil {
			if !errors.Is(err, ErrLineSearchFailed) {
				return LineSearchFailed, err
			}
			s.printResults()
			if s.params.SoftExit {
				s.log.Printf(LogResult, "armijo rule failed, stopping early\n")
				return LineSearchFailed, nil
			}
			return LineSearchFailed, ErrLineSearchFailed
		}

		if s.params.MemoryVectors > 0 {
			s.prevGradient.CopyFrom(s.reducedGradient)
		}

		s.provider.InvalidateAdjoint()
		s.provider.InvalidateGradient()
		if err := s.updateReducedGradient(active); err != nil {
			return LineSearchFailed, err
		}
		s.relativeNorm = s.gradientNorm / s.gradientNormInitial

		if s.params.MemoryVectors > 0 {
			sv := d.Clone()
			sv.Scale(stepsize)
			y := s.reducedGradient.Clone()
			y.AddScaled(-1, s.prevGradient)

			curvature := s.space.Inner(y, sv)
			s.history.Push(sv, y, 1/curvature)
			if curvature <= 0 {
				s.log.Printf(LogTrace, "curvature condition violated (<y,s> = %.3e), resetting history\n", curvature)
				s.history.Reset()
				s.stats.HistoryResets++
			}
		}

		s.iteration++
		s.stats.Iterations = s.iteration
		s.log.Printf(LogIter, "iter %3d: |g| = %.6e rel = %.6e\n", s.iteration, s.gradientNorm, s.relativeNorm)

		if s.iteration >= s.params.MaxIterations {
			s.printResults()
			if s.params.SoftExit {
				s.log.Printf(LogResult, "maximum number of iterations exceeded, stopping early\n")
				return MaxIterExceeded, nil
			}
			return MaxIterExceeded, ErrMaxIterations
		}
	}

	s.printResults()
	return Converged, nil
}

// converged is the two-part stopping rule: the usual absolute/relative
// test against this run's own initial norm, plus a tightening test
// against the first gradient norm ever seen, so successive restarts of
// the outer active-set loop keep making progress on the global problem.
func (s *InnerLBFGS) converged() bool {
	if s.gradientNorm <= s.params.Atol+s.params.Rtol*s.gradientNormInitial {
		return true
	}
	return s.relativeNorm*s.gradientNormInitial/s.firstGradientNorm <= s.params.Tolerance/2
}

func (s *InnerLBFGS) updateReducedGradient(active fields.ActiveSet) error {
	grad, err := s.provider.SolveGradient()
	if err != nil {
		return fmt.Errorf("gradient solve: %w", err)
	}
	s.reducedGradient.CopyFrom(grad)
	s.reducedGradient.ZeroActive(active)
	s.gradientNorm = fields.Norm(s.space, s.reducedGradient)
	return nil
}

func (s *InnerLBFGS) printResults() {
	s.log.Printf(LogResult, "inner solve: %d iterations, |g| = %.6e (initial %.6e)\n",
		s.iteration, s.gradientNorm, s.gradientNormInitial)
}
