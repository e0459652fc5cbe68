package fields

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Field is a single named control or gradient variable, stored as a
// finite-dimensional coefficient vector over a fixed discretization.
// Fields are never resized after construction.
type Field struct {
	Name string
	Vec  *mat.VecDense
}

func NewField(name string, n int) (f *Field) {
	f = &Field{
		Name: name,
		Vec:  mat.NewVecDense(n, nil),
	}
	return
}

func NewFieldFrom(name string, data []float64) (f *Field) {
	d := make([]float64, len(data))
	copy(d, data)
	f = &Field{
		Name: name,
		Vec:  mat.NewVecDense(len(d), d),
	}
	return
}

func (f *Field) Len() int {
	return f.Vec.Len()
}

func (f *Field) Raw() []float64 {
	return f.Vec.RawVector().Data
}

func (f *Field) Clone() (o *Field) {
	o = NewFieldFrom(f.Name, f.Raw())
	return
}

// Tuple is an ordered sequence of fields, the common shape of control and
// gradient vectors. All arithmetic is elementwise over the backing data.
type Tuple struct {
	Fields []*Field
}

func NewTuple(fs ...*Field) (t *Tuple) {
	t = &Tuple{Fields: fs}
	return
}

// Like creates a zero-valued tuple with the same shape as t.
func (t *Tuple) Like() (o *Tuple) {
	o = &Tuple{Fields: make([]*Field, len(t.Fields))}
	for j, f := range t.Fields {
		o.Fields[j] = NewField(f.Name, f.Len())
	}
	return
}

func (t *Tuple) Clone() (o *Tuple) {
	o = &Tuple{Fields: make([]*Field, len(t.Fields))}
	for j, f := range t.Fields {
		o.Fields[j] = f.Clone()
	}
	return
}

// CopyFrom copies src into t. The shapes must match exactly.
func (t *Tuple) CopyFrom(src *Tuple) {
	t.mustMatch(src)
	for j, f := range t.Fields {
		copy(f.Raw(), src.Fields[j].Raw())
	}
}

func (t *Tuple) Zero() {
	for _, f := range t.Fields {
		d := f.Raw()
		for i := range d {
			d[i] = 0
		}
	}
}

func (t *Tuple) Scale(a float64) {
	for _, f := range t.Fields {
		d := f.Raw()
		for i := range d {
			d[i] *= a
		}
	}
}

// AddScaled performs t += a*other.
func (t *Tuple) AddScaled(a float64, other *Tuple) {
	t.mustMatch(other)
	for j, f := range t.Fields {
		d := f.Raw()
		o := other.Fields[j].Raw()
		for i := range d {
			d[i] += a * o[i]
		}
	}
}

// Sub performs t -= other.
func (t *Tuple) Sub(other *Tuple) {
	t.AddScaled(-1, other)
}

// ZeroActive sets every entry at an active index to exactly 0.
func (t *Tuple) ZeroActive(active ActiveSet) {
	if active == nil {
		return
	}
	if len(active) != len(t.Fields) {
		panic(fmt.Sprintf("active set has %d fields, tuple has %d", len(active), len(t.Fields)))
	}
	for j, f := range t.Fields {
		d := f.Raw()
		for _, i := range active[j] {
			d[i] = 0
		}
	}
}

func (t *Tuple) NumFields() int {
	return len(t.Fields)
}

// Dim is the total number of coefficients across all fields.
func (t *Tuple) Dim() (n int) {
	for _, f := range t.Fields {
		n += f.Len()
	}
	return
}

func (t *Tuple) mustMatch(other *Tuple) {
	if len(t.Fields) != len(other.Fields) {
		panic(fmt.Sprintf("tuple shape mismatch: %d vs %d fields", len(t.Fields), len(other.Fields)))
	}
	for j := range t.Fields {
		if t.Fields[j].Len() != other.Fields[j].Len() {
			panic(fmt.Sprintf("field %q length mismatch: %d vs %d",
				t.Fields[j].Name, t.Fields[j].Len(), other.Fields[j].Len()))
		}
	}
}

// ActiveSet holds, per field, the coefficient indices currently held at a
// bound. It is built once per outer iteration and treated as immutable by
// every consumer.
type ActiveSet [][]int

// Validate checks that every index is in range for the given tuple shape.
func (a ActiveSet) Validate(shape *Tuple) error {
	if a == nil {
		return nil
	}
	if len(a) != len(shape.Fields) {
		return fmt.Errorf("active set has %d fields, expected %d", len(a), len(shape.Fields))
	}
	for j, idx := range a {
		n := shape.Fields[j].Len()
		for _, i := range idx {
			if i < 0 || i >= n {
				return fmt.Errorf("active index %d out of range for field %q of length %d",
					i, shape.Fields[j].Name, n)
			}
		}
	}
	return nil
}

// Complement returns the inactive indices per field for the given tuple
// shape.
func (a ActiveSet) Complement(shape *Tuple) (c ActiveSet) {
	c = make(ActiveSet, len(shape.Fields))
	for j, f := range shape.Fields {
		for i := 0; i < f.Len(); i++ {
			if !a.Contains(j, i) {
				c[j] = append(c[j], i)
			}
		}
	}
	return
}

// Contains reports whether index i of field j is active.
func (a ActiveSet) Contains(j, i int) bool {
	if a == nil || j >= len(a) {
		return false
	}
	for _, k := range a[j] {
		if k == i {
			return true
		}
	}
	return false
}
