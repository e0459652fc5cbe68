package opt

import (
	"errors"

	"github.com/shapeopt/shapeopt/fields"
)

// ErrLineSearchFailed is returned when the Armijo condition cannot be
// satisfied within the trial budget.
var ErrLineSearchFailed = errors.New("armijo rule failed")

// LineSearchParams configures the backtracking Armijo search.
type LineSearchParams struct {
	// StepInitial is the first trial stepsize of a fresh search.
	StepInitial float64
	// Epsilon is the sufficient-decrease constant.
	Epsilon float64
	// Beta > 1 is the backtracking factor; each failed trial divides the
	// stepsize by Beta.
	Beta float64
	// MaxTrials bounds the number of backtracking trials per search.
	MaxTrials int
}

func DefaultLineSearchParams() LineSearchParams {
	return LineSearchParams{
		StepInitial: 1.0,
		Epsilon:     1e-4,
		Beta:        2.0,
		MaxTrials:   30,
	}
}

// LineSearch finds a stepsize satisfying the Armijo sufficient-decrease
// condition along a descent direction, updating the provider's controls
// in place. The accepted stepsize is carried over as the starting guess
// of the next search, expanded by Beta when the first trial succeeded.
type LineSearch struct {
	provider fields.Provider
	params   LineSearchParams
	log      *Logger

	stepsize float64
	snapshot *fields.Tuple
}

func NewLineSearch(p fields.Provider, params LineSearchParams, log *Logger) (ls *LineSearch) {
	ls = &LineSearch{
		provider: p,
		params:   params,
		log:      log,
		stepsize: params.StepInitial,
	}
	return
}

// Search walks back from the current stepsize until the Armijo condition
//
//	J(u + t d) <= J(u) + epsilon * t * <g, d>
//
// holds, leaving the controls at the accepted point. On failure the
// controls are restored and ErrLineSearchFailed is returned.
func (ls *LineSearch) Search(direction, gradient *fields.Tuple) (stepsize float64, err error) {
	var (
		controls = ls.provider.Controls()
		space    = ls.provider.Space()
	)
	costOld, err := ls.provider.Cost()
	if err != nil {
		return 0, err
	}
	dd := space.Inner(gradient, direction)

	if ls.snapshot == nil {
		ls.snapshot = controls.Clone()
	} else {
		ls.snapshot.CopyFrom(controls)
	}

	t := ls.stepsize
	for trial := 0; trial < ls.params.MaxTrials; trial++ {
		controls.CopyFrom(ls.snapshot)
		controls.AddScaled(t, direction)
		ls.provider.InvalidateState()

		cost, cerr := ls.provider.Cost()
		if cerr != nil {
			return 0, cerr
		}
		ls.log.Printf(LogTrace, "armijo trial %d: t=%.6e J=%.6e J0=%.6e\n", trial, t, cost, costOld)

		if cost <= costOld+ls.params.Epsilon*t*dd {
			if trial == 0 {
				// first trial accepted, probe a larger step next time
				ls.stepsize = t * ls.params.Beta
			} else {
				ls.stepsize = t
			}
			return t, nil
		}
		t /= ls.params.Beta
	}

	controls.CopyFrom(ls.snapshot)
	ls.provider.InvalidateState()
	ls.stepsize = ls.params.StepInitial
	return 0, ErrLineSearchFailed
}
