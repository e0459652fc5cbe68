package fields

import (
	"fmt"
	"math"

	"github.com/james-bowman/sparse"
	"gonum.org/v1/gonum/mat"
)

// Space provides the inner product used for all norm and curvature
// computations over control/gradient shaped tuples.
type Space interface {
	Inner(a, b *Tuple) float64
}

func Norm(sp Space, a *Tuple) float64 {
	return math.Sqrt(sp.Inner(a, a))
}

// EuclideanSpace is the plain coefficient-wise l2 inner product.
type EuclideanSpace struct{}

func (EuclideanSpace) Inner(a, b *Tuple) (v float64) {
	a.mustMatch(b)
	for j, f := range a.Fields {
		v += mat.Dot(f.Vec, b.Fields[j].Vec)
	}
	return
}

// MassWeightedSpace computes <a,b> = sum_j a_j' M_j b_j with one sparse
// mass matrix per field, the discrete L2 product of the underlying
// function space.
type MassWeightedSpace struct {
	Mass []*sparse.CSR
}

func NewMassWeightedSpace(mass ...*sparse.CSR) (sp *MassWeightedSpace) {
	sp = &MassWeightedSpace{Mass: mass}
	return
}

func (sp *MassWeightedSpace) Inner(a, b *Tuple) (v float64) {
	a.mustMatch(b)
	if len(sp.Mass) != len(a.Fields) {
		panic(fmt.Sprintf("space has %d mass matrices, tuple has %d fields",
			len(sp.Mass), len(a.Fields)))
	}
	var tmp mat.VecDense
	for j, f := range a.Fields {
		tmp.MulVec(sp.Mass[j], b.Fields[j].Vec)
		v += mat.Dot(f.Vec, &tmp)
	}
	return
}

// DiagonalMass builds a CSR mass matrix with the given diagonal, the
// lumped-mass form used for P1 coefficient spaces.
func DiagonalMass(diag []float64) (M *sparse.CSR) {
	n := len(diag)
	dok := sparse.NewDOK(n, n)
	for i, d := range diag {
		dok.Set(i, i, d)
	}
	M = dok.ToCSR()
	return
}
