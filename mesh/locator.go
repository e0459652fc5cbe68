package mesh

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

const locatorTol = 1.e-10

// Locator is a rebuildable spatial index answering point -> cells
// containing the point. It bins cell bounding boxes on a uniform grid
// and resolves candidates with a barycentric containment test, playing
// the role of a bounding box tree over the mesh.
type Locator struct {
	mesh *Mesh

	min, max []float64
	inv      []float64 // 1/bin width per axis
	nbins    []int
	bins     map[int][]int // flattened bin index -> cell ids

	jacInv []*mat.Dense // per-cell inverse Jacobian, nil for degenerate cells
}

func NewLocator(m *Mesh) (l *Locator) {
	l = &Locator{mesh: m}
	l.Build()
	return
}

// Build recomputes the index from the current coordinates. Must be called
// after every mesh move.
func (l *Locator) Build() {
	var (
		m = l.mesh
		d = m.Dim
	)
	l.min = make([]float64, d)
	l.max = make([]float64, d)
	for j := 0; j < d; j++ {
		l.min[j] = math.Inf(1)
		l.max[j] = math.Inf(-1)
	}
	for _, c := range m.Coords {
		for j := 0; j < d; j++ {
			l.min[j] = math.Min(l.min[j], c[j])
			l.max[j] = math.Max(l.max[j], c[j])
		}
	}

	// roughly one bin per cell along each axis
	n := int(math.Ceil(math.Pow(float64(m.NumCells()), 1/float64(d))))
	if n < 1 {
		n = 1
	}
	l.nbins = make([]int, d)
	l.inv = make([]float64, d)
	for j := 0; j < d; j++ {
		l.nbins[j] = n
		width := l.max[j] - l.min[j]
		if width <= 0 {
			width = 1
		}
		l.inv[j] = float64(n) / width
	}

	l.bins = make(map[int][]int)
	l.jacInv = make([]*mat.Dense, m.NumCells())
	for k := 0; k < m.NumCells(); k++ {
		J := m.Jacobian(k)
		inv := mat.NewDense(m.Dim, m.Dim, nil)
		if err := inv.Inverse(J); err == nil {
			l.jacInv[k] = inv
		}

		lo, hi := l.cellBounds(k)
		l.forEachBin(lo, hi, func(bin int) {
			l.bins[bin] = append(l.bins[bin], k)
		})
	}
}

// CellsContaining returns the ids of all cells whose closed hull contains
// the point.
func (l *Locator) CellsContaining(p []float64) (cells []int) {
	bin, ok := l.binOf(p)
	if !ok {
		return nil
	}
	for _, k := range l.bins[bin] {
		if l.contains(k, p) {
			cells = append(cells, k)
		}
	}
	return
}

// contains tests containment via barycentric coordinates of the affine
// reference map: all coordinates nonnegative within tolerance.
func (l *Locator) contains(k int, p []float64) bool {
	var (
		m   = l.mesh
		d   = m.Dim
		inv = l.jacInv[k]
	)
	if inv == nil {
		return false
	}
	p0 := m.Coords[m.EtoV[k][0]]
	rhs := make([]float64, d)
	for j := 0; j < d; j++ {
		rhs[j] = p[j] - p0[j]
	}
	var lam mat.VecDense
	lam.MulVec(inv, mat.NewVecDense(d, rhs))

	sum := 0.0
	for j := 0; j < d; j++ {
		v := lam.AtVec(j)
		if v < -locatorTol {
			return false
		}
		sum += v
	}
	return sum <= 1+locatorTol
}

func (l *Locator) cellBounds(k int) (lo, hi []int) {
	var (
		m = l.mesh
		d = m.Dim
	)
	lo = make([]int, d)
	hi = make([]int, d)
	for j := 0; j < d; j++ {
		lo[j] = math.MaxInt32
		hi[j] = math.MinInt32
	}
	for _, v := range m.EtoV[k] {
		c := m.Coords[v]
		for j := 0; j < d; j++ {
			b := l.binIndex(j, c[j])
			if b < lo[j] {
				lo[j] = b
			}
			if b > hi[j] {
				hi[j] = b
			}
		}
	}
	return
}

func (l *Locator) binIndex(axis int, x float64) int {
	b := int((x - l.min[axis]) * l.inv[axis])
	if b < 0 {
		b = 0
	}
	if b >= l.nbins[axis] {
		b = l.nbins[axis] - 1
	}
	return b
}

func (l *Locator) binOf(p []float64) (bin int, ok bool) {
	d := l.mesh.Dim
	if len(p) != d {
		return 0, false
	}
	stride := 1
	for j := 0; j < d; j++ {
		if p[j] < l.min[j]-locatorTol || p[j] > l.max[j]+locatorTol {
			return 0, false
		}
		bin += l.binIndex(j, p[j]) * stride
		stride *= l.nbins[j]
	}
	return bin, true
}

func (l *Locator) forEachBin(lo, hi []int, fn func(bin int)) {
	d := l.mesh.Dim
	idx := make([]int, d)
	copy(idx, lo)
	for {
		bin := 0
		stride := 1
		for j := 0; j < d; j++ {
			bin += idx[j] * stride
			stride *= l.nbins[j]
		}
		fn(bin)

		j := 0
		for j < d {
			idx[j]++
			if idx[j] <= hi[j] {
				break
			}
			idx[j] = lo[j]
			j++
		}
		if j == d {
			return
		}
	}
}
