package mesh

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrNoSnapshot is returned when a rollback is requested but no pending
// coordinate snapshot exists.
var ErrNoSnapshot = errors.New("no pending coordinate snapshot")

// PhysicalName is a gmsh physical group declaration, carried through so a
// moved mesh can be written back out for remeshing.
type PhysicalName struct {
	Dim  int
	Tag  int
	Name string
}

// Element is one gmsh element record. Nodes are zero-based indices into
// the coordinate array. Boundary (lower-dimensional) elements are kept so
// the file round-trips.
type Element struct {
	ID    int
	Type  int // gmsh element type code
	Tags  []int
	Nodes []int
}

// Mesh is a simplex mesh: vertex coordinates plus fixed cell
// connectivity. Coordinates are mutated in place by Move; connectivity
// never changes after load. At most one coordinate snapshot is retained
// for a single-level rollback.
type Mesh struct {
	Dim      int
	Coords   [][]float64 // [numVertices][Dim]
	EtoV     [][]int     // top-dimensional simplex cells [numCells][Dim+1]
	Elements []Element   // all element records, including boundary entities
	Physical []PhysicalName

	NodeIDs []int // original gmsh node ids, index-aligned with Coords

	snapshot [][]float64
}

func (m *Mesh) NumVertices() int {
	return len(m.Coords)
}

func (m *Mesh) NumCells() int {
	return len(m.EtoV)
}

// CellCoords returns the vertex coordinates of cell k.
func (m *Mesh) CellCoords(k int) (pts [][]float64) {
	verts := m.EtoV[k]
	pts = make([][]float64, len(verts))
	for i, v := range verts {
		pts[i] = m.Coords[v]
	}
	return
}

// Jacobian returns the d x d matrix of the affine map from the reference
// simplex to cell k, with edge vectors p_i - p_0 as columns.
func (m *Mesh) Jacobian(k int) (J *mat.Dense) {
	var (
		d     = m.Dim
		verts = m.EtoV[k]
		p0    = m.Coords[verts[0]]
	)
	J = mat.NewDense(d, d, nil)
	for j := 1; j <= d; j++ {
		p := m.Coords[verts[j]]
		for i := 0; i < d; i++ {
			J.Set(i, j-1, p[i]-p0[i])
		}
	}
	return
}

// Volume returns the unsigned volume (area in 2D) of cell k.
func (m *Mesh) Volume(k int) float64 {
	det := mat.Det(m.Jacobian(k))
	if m.Dim == 2 {
		return abs(det) / 2
	}
	return abs(det) / 6
}

// SignedJacobianDet returns det J of cell k; a negative value means the
// cell is inverted relative to its load-time orientation.
func (m *Mesh) SignedJacobianDet(k int) float64 {
	return mat.Det(m.Jacobian(k))
}

// Move displaces every vertex by the given per-vertex displacement, the
// perturbation-of-identity update x -> x + V(x).
func (m *Mesh) Move(disp [][]float64) error {
	if len(disp) != len(m.Coords) {
		return fmt.Errorf("displacement has %d vertices, mesh has %d", len(disp), len(m.Coords))
	}
	for i, d := range disp {
		if len(d) != m.Dim {
			return fmt.Errorf("displacement at vertex %d has dimension %d, expected %d", i, len(d), m.Dim)
		}
		for j := 0; j < m.Dim; j++ {
			m.Coords[i][j] += d[j]
		}
	}
	return nil
}

// Snapshot stores a copy of the current coordinates, replacing any
// pending snapshot.
func (m *Mesh) Snapshot() {
	if m.snapshot == nil || len(m.snapshot) != len(m.Coords) {
		m.snapshot = make([][]float64, len(m.Coords))
		for i := range m.snapshot {
			m.snapshot[i] = make([]float64, m.Dim)
		}
	}
	for i, c := range m.Coords {
		copy(m.snapshot[i], c)
	}
}

func (m *Mesh) HasSnapshot() bool {
	return m.snapshot != nil
}

// RestoreSnapshot rolls the coordinates back to the pending snapshot and
// consumes it.
func (m *Mesh) RestoreSnapshot() error {
	if m.snapshot == nil {
		return ErrNoSnapshot
	}
	for i, c := range m.snapshot {
		copy(m.Coords[i], c)
	}
	m.snapshot = nil
	return nil
}

// DropSnapshot discards the pending snapshot, committing the last move.
func (m *Mesh) DropSnapshot() {
	m.snapshot = nil
}

// VertexIncidence returns, per vertex, the number of top-dimensional
// cells listing it as an endpoint.
func (m *Mesh) VertexIncidence() (counts []int) {
	counts = make([]int, len(m.Coords))
	for _, cell := range m.EtoV {
		for _, v := range cell {
			counts[v]++
		}
	}
	return
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
