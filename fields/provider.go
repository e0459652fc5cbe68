package fields

// SolutionCache tracks whether a cached solve result is still valid. Each
// invalidation bumps a generation counter; the cached result is fresh only
// while the solved generation matches the current one. Dependents may also
// compare Generation tokens directly instead of re-querying.
type SolutionCache struct {
	gen    uint64
	solved uint64
	solves int
}

func NewSolutionCache() (c *SolutionCache) {
	c = &SolutionCache{gen: 1}
	return
}

// Invalidate marks the cached result stale.
func (c *SolutionCache) Invalidate() {
	c.gen++
}

func (c *SolutionCache) Fresh() bool {
	return c.solved == c.gen
}

// Generation returns the current invalidation token.
func (c *SolutionCache) Generation() uint64 {
	return c.gen
}

// Solves returns how many times the underlying solve actually ran.
func (c *SolutionCache) Solves() int {
	return c.solves
}

// Solve runs fn only if the cached result is stale, and marks the cache
// fresh on success.
func (c *SolutionCache) Solve(fn func() error) error {
	if c.Fresh() {
		return nil
	}
	if err := fn(); err != nil {
		return err
	}
	c.solved = c.gen
	c.solves++
	return nil
}

// Provider is the field-problem layer consumed by the optimization core.
// It owns the PDE semantics: state, adjoint, and gradient solves over the
// current controls. Each solve is idempotent once fresh and re-armed by
// the matching invalidate call. The gradient solve implies state and
// adjoint solves.
type Provider interface {
	// Controls returns the live control tuple, mutated in place by the
	// line search.
	Controls() *Tuple
	// Space is the inner product of the control space.
	Space() Space

	SolveState() error
	SolveAdjoint() error
	// SolveGradient returns the current cost gradient. The returned tuple
	// is owned by the provider and valid until the next invalidation.
	SolveGradient() (*Tuple, error)
	// Cost evaluates the cost functional, solving the state if needed.
	Cost() (float64, error)

	InvalidateState()
	InvalidateAdjoint()
	InvalidateGradient()
}
