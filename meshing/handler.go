// Package meshing gates geometric mesh deformations behind validity and
// quality checks, with single-level rollback and remesh triggering.
package meshing

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/shapeopt/shapeopt/mesh"
	"github.com/shapeopt/shapeopt/opt"
	"github.com/shapeopt/shapeopt/quality"
)

// State of the transform handler. Transforming is only held while a move
// is being validated and applied.
type State int

const (
	Stable State = iota
	Transforming
)

// Params configures the mesh transform handler.
type Params struct {
	// VolumeChange > 1 bounds the per-cell determinant det(I + grad T) of
	// an admissible transformation to [1/VolumeChange, VolumeChange].
	// +Inf disables the a priori check.
	VolumeChange float64
	// AngleChange > 0 bounds stepsize * |grad direction|_F for the
	// decrease estimation. +Inf disables it.
	AngleChange float64
	// TolLower < TolUpper is the remesh trigger band on the quality score.
	TolLower float64
	TolUpper float64
	// BetaArmijo is the outer line search backtracking factor, consumed
	// by ComputeDecreases.
	BetaArmijo float64

	Measure   quality.Measure
	Reduction quality.Reduction

	Remesh         bool
	ShowGmshOutput bool
}

func DefaultParams() Params {
	return Params{
		VolumeChange: math.Inf(1),
		AngleChange:  math.Inf(1),
		TolLower:     0.05,
		TolUpper:     0.1,
		BetaArmijo:   2.0,
		Measure:      quality.Skewness,
		Reduction:    quality.Min,
	}
}

func (p Params) validate() error {
	if !(p.VolumeChange > 1) {
		return fmt.Errorf("volume_change must be > 1, got %v", p.VolumeChange)
	}
	if !(p.AngleChange > 0) {
		return fmt.Errorf("angle_change must be positive, got %v", p.AngleChange)
	}
	if p.TolLower >= p.TolUpper {
		return fmt.Errorf("tol_lower (%v) must be strictly smaller than tol_upper (%v)", p.TolLower, p.TolUpper)
	}
	if !(p.BetaArmijo > 1) {
		return fmt.Errorf("beta_armijo must be > 1, got %v", p.BetaArmijo)
	}
	return nil
}

// Handler validates and applies mesh deformations. Every accepted shape
// step passes through MoveMesh, which runs the a priori determinant bound
// before touching the mesh and the a posteriori self-intersection test
// after, rolling back on failure. Rejections are recoverable control
// flow; the caller retries with a smaller step.
type Handler struct {
	mesh    *mesh.Mesh
	locator *mesh.Locator
	params  Params
	log     *opt.Logger

	state          State
	currentQuality float64
}

func NewHandler(m *mesh.Mesh, params Params, log *opt.Logger) (h *Handler, err error) {
	if err = params.validate(); err != nil {
		return nil, err
	}
	if params.TolLower > 0.9*params.TolUpper {
		log.Printf(opt.LogResult, "warning: lower remesh tolerance %v is close to the upper one %v, this may slow down the optimization considerably\n",
			params.TolLower, params.TolUpper)
	}
	h = &Handler{
		mesh:    m,
		locator: mesh.NewLocator(m),
		params:  params,
		log:     log,
		state:   Stable,
	}
	h.currentQuality = quality.Compute(m, params.Measure, params.Reduction)
	return
}

func (h *Handler) Mesh() *mesh.Mesh {
	return h.mesh
}

func (h *Handler) State() State {
	return h.state
}

// CurrentQuality returns the quality score cached by the last accepted
// move (or construction).
func (h *Handler) CurrentQuality() float64 {
	return h.currentQuality
}

// QualityBelowBand reports whether the cached quality dropped below the
// remesh trigger.
func (h *Handler) QualityBelowBand() bool {
	return h.currentQuality < h.params.TolLower
}

// QualityRestored reports whether the quality is back above the upper
// tolerance, as expected after a remesh.
func (h *Handler) QualityRestored() bool {
	return h.currentQuality >= h.params.TolUpper
}

// MoveMesh applies the perturbation-of-identity deformation x -> x + V(x)
// given by the per-vertex displacement, gated by the a priori and
// a posteriori checks. It returns false when the step is rejected; the
// mesh is then unchanged. On success the prior coordinates remain
// available for one RevertTransformation.
func (h *Handler) MoveMesh(disp [][]float64) (ok bool, err error) {
	if h.state != Stable {
		return false, fmt.Errorf("mesh handler is not in a stable state")
	}
	if len(disp) != h.mesh.NumVertices() {
		return false, fmt.Errorf("displacement has %d vertices, mesh has %d", len(disp), h.mesh.NumVertices())
	}

	if !h.testAPriori(disp) {
		h.log.Printf(opt.LogTrace, "mesh move rejected by a priori determinant check\n")
		return false, nil
	}

	h.state = Transforming
	defer func() { h.state = Stable }()

	h.mesh.Snapshot()
	if err = h.mesh.Move(disp); err != nil {
		return false, err
	}
	h.locator.Build()

	if h.selfIntersects() {
		if err = h.mesh.RestoreSnapshot(); err != nil {
			return false, err
		}
		h.locator.Build()
		h.log.Printf(opt.LogTrace, "mesh move rejected by a posteriori self-intersection check\n")
		return false, nil
	}

	h.currentQuality = quality.Compute(h.mesh, h.params.Measure, h.params.Reduction)
	h.log.Printf(opt.LogTrace, "mesh moved, quality = %.4f\n", h.currentQuality)
	return true, nil
}

// RevertTransformation rolls back the last accepted move. It fails with
// mesh.ErrNoSnapshot when nothing is pending.
func (h *Handler) RevertTransformation() error {
	if err := h.mesh.RestoreSnapshot(); err != nil {
		return err
	}
	h.locator.Build()
	h.currentQuality = quality.Compute(h.mesh, h.params.Measure, h.params.Reduction)
	return nil
}

// testAPriori checks per cell that det(I + grad T) stays within
// [1/VolumeChange, VolumeChange]. The displacement is piecewise linear,
// so its gradient is constant per simplex.
func (h *Handler) testAPriori(disp [][]float64) bool {
	if math.IsInf(h.params.VolumeChange, 1) {
		return true
	}
	var (
		d      = h.mesh.Dim
		minDet = math.Inf(1)
		maxDet = math.Inf(-1)
	)
	I := identity(d)
	for k := 0; k < h.mesh.NumCells(); k++ {
		G, ok := h.cellGradient(disp, k)
		if !ok {
			return false
		}
		var A mat.Dense
		A.Add(I, G)
		det := mat.Det(&A)
		minDet = math.Min(minDet, det)
		maxDet = math.Max(maxDet, det)
	}
	return minDet >= 1/h.params.VolumeChange && maxDet <= h.params.VolumeChange
}

// cellGradient computes the constant gradient of the P1 displacement on
// cell k: G = dT * J^-1 with dT the displacement edge differences.
func (h *Handler) cellGradient(disp [][]float64, k int) (G *mat.Dense, ok bool) {
	var (
		d     = h.mesh.Dim
		verts = h.mesh.EtoV[k]
		dT    = mat.NewDense(d, d, nil)
		inv   = mat.NewDense(d, d, nil)
	)
	for j := 1; j <= d; j++ {
		for i := 0; i < d; i++ {
			dT.Set(i, j-1, disp[verts[j]][i]-disp[verts[0]][i])
		}
	}
	if err := inv.Inverse(h.mesh.Jacobian(k)); err != nil {
		return nil, false
	}
	G = mat.NewDense(d, d, nil)
	G.Mul(dT, inv)
	return G, true
}

// selfIntersects runs the a posteriori validity test: for every vertex,
// the cells the spatial index reports as containing its point must not
// exceed the cells listing it as a topological endpoint. Any excess means
// folded or overlapping elements.
func (h *Handler) selfIntersects() bool {
	counts := h.mesh.VertexIncidence()
	for i, c := range h.mesh.Coords {
		if len(h.locator.CellsContaining(c)) > counts[i] {
			return true
		}
	}
	return false
}

// ComputeDecreases estimates how many step halvings the outer line search
// should pre-apply so that stepsize * |grad direction|_F stays below the
// angle_change bound. Linearity makes one estimate valid for all smaller
// steps.
func (h *Handler) ComputeDecreases(direction [][]float64, stepsize float64) int {
	if math.IsInf(h.params.AngleChange, 1) {
		return 0
	}
	frobenius := 0.0
	for k := 0; k < h.mesh.NumCells(); k++ {
		G, ok := h.cellGradient(direction, k)
		if !ok {
			continue
		}
		frobenius = math.Max(frobenius, mat.Norm(G, 2))
	}
	if frobenius == 0 || stepsize == 0 {
		return 0
	}
	n := math.Ceil(math.Log(h.params.AngleChange/(stepsize*frobenius)) / math.Log(1/h.params.BetaArmijo))
	return int(math.Max(n, 0))
}

func identity(d int) (I *mat.Dense) {
	I = mat.NewDense(d, d, nil)
	for i := 0; i < d; i++ {
		I.Set(i, i, 1)
	}
	return
}
