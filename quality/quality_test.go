package quality

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shapeopt/shapeopt/mesh"
)

func equilateralTriangle() *mesh.Mesh {
	return &mesh.Mesh{
		Dim: 2,
		Coords: [][]float64{
			{0, 0},
			{1, 0},
			{0.5, math.Sqrt(3) / 2},
		},
		EtoV: [][]int{{0, 1, 2}},
	}
}

func rightTriangle() *mesh.Mesh {
	return &mesh.Mesh{
		Dim: 2,
		Coords: [][]float64{
			{0, 0},
			{1, 0},
			{0, 1},
		},
		EtoV: [][]int{{0, 1, 2}},
	}
}

func regularTet() *mesh.Mesh {
	return &mesh.Mesh{
		Dim: 3,
		Coords: [][]float64{
			{0, 0, 0},
			{1, 0, 0},
			{0.5, math.Sqrt(3) / 2, 0},
			{0.5, math.Sqrt(3) / 6, math.Sqrt(6) / 3},
		},
		EtoV: [][]int{{0, 1, 2, 3}},
	}
}

func TestEquilateralTriangleIsOptimal(t *testing.T) {
	m := equilateralTriangle()
	assert.InDelta(t, 1.0, Compute(m, Skewness, Min), 1e-12)
	assert.InDelta(t, 1.0, Compute(m, MaximumAngle, Min), 1e-12)
	assert.InDelta(t, 1.0, Compute(m, RadiusRatio, Min), 1e-12)
}

func TestRightTriangleScores(t *testing.T) {
	m := rightTriangle()

	// angles pi/2, pi/4, pi/4 against the optimum pi/3:
	// over  = (pi/2 - pi/3) / (2pi/3) = 1/4
	// under = (pi/3 - pi/4) / (pi/3)  = 1/4
	assert.InDelta(t, 0.75, Compute(m, Skewness, Min), 1e-12)
	assert.InDelta(t, 0.75, Compute(m, MaximumAngle, Min), 1e-12)

	// r = 1/(2+sqrt2), R = sqrt2/2, score = 2r/R = 2(sqrt2 - 1)
	assert.InDelta(t, 2*(math.Sqrt2-1), Compute(m, RadiusRatio, Min), 1e-12)

	// J = I: the Frobenius condition number attains its minimum d, so the
	// unit right triangle is the optimum of this measure with score 1/sqrt(d)
	assert.InDelta(t, 1/math.Sqrt2, Compute(m, ConditionNumber, Min), 1e-12)
}

func TestRegularTetIsOptimal(t *testing.T) {
	m := regularTet()
	assert.InDelta(t, 1.0, Compute(m, Skewness, Min), 1e-12)
	assert.InDelta(t, 1.0, Compute(m, MaximumAngle, Min), 1e-12)
	assert.InDelta(t, 1.0, Compute(m, RadiusRatio, Min), 1e-12)
}

func TestDegenerateCellScoresZero(t *testing.T) {
	m := &mesh.Mesh{
		Dim:    2,
		Coords: [][]float64{{0, 0}, {1, 0}, {2, 0}},
		EtoV:   [][]int{{0, 1, 2}},
	}
	for _, q := range []Measure{Skewness, MaximumAngle, RadiusRatio, ConditionNumber} {
		assert.Zero(t, Compute(m, q, Min), "measure %v on a collapsed cell", q)
	}
}

func TestScoresAreClamped(t *testing.T) {
	m := &mesh.Mesh{
		Dim: 2,
		Coords: [][]float64{
			{0, 0}, {1, 0}, {0.5, math.Sqrt(3) / 2},
			{3, 0.01},
		},
		EtoV: [][]int{{0, 1, 2}, {1, 3, 2}},
	}
	for _, q := range []Measure{Skewness, MaximumAngle, RadiusRatio, ConditionNumber} {
		for _, s := range CellScores(m, q) {
			assert.GreaterOrEqual(t, s, 0.0)
			assert.LessOrEqual(t, s, 1.0)
		}
	}
}

func TestAvgReduction(t *testing.T) {
	// one optimal cell (score 1) next to a right triangle (score 3/4)
	m := &mesh.Mesh{
		Dim: 2,
		Coords: [][]float64{
			{0, 0},
			{1, 0},
			{0.5, math.Sqrt(3) / 2},
			{0, -1},
		},
		EtoV: [][]int{{0, 1, 2}, {1, 0, 3}},
	}
	assert.InDelta(t, 0.75, Compute(m, Skewness, Min), 1e-12)
	assert.InDelta(t, 0.875, Compute(m, Skewness, Avg), 1e-12)
}

func TestComputeIsIdempotent(t *testing.T) {
	m := rightTriangle()
	first := Compute(m, Skewness, Min)
	for i := 0; i < 3; i++ {
		assert.Equal(t, first, Compute(m, Skewness, Min), "unchanged mesh must score identically")
	}
}

func TestComputeIsInvariantUnderRigidMotion(t *testing.T) {
	m := rightTriangle()
	before := Compute(m, Skewness, Min)

	// rotate by 30 degrees and translate
	c, s := math.Cos(math.Pi/6), math.Sin(math.Pi/6)
	for i, p := range m.Coords {
		m.Coords[i] = []float64{c*p[0] - s*p[1] + 2, s*p[0] + c*p[1] - 1}
	}
	assert.InDelta(t, before, Compute(m, Skewness, Min), 1e-12)
}

func TestParseMeasure(t *testing.T) {
	for _, name := range []string{"skewness", "maximum_angle", "radius_ratios", "condition_number"} {
		q, err := ParseMeasure(name)
		require.NoError(t, err)
		assert.Equal(t, name, q.String())
	}
	_, err := ParseMeasure("aspect_ratio")
	assert.Error(t, err)
}

func TestParseReduction(t *testing.T) {
	for in, want := range map[string]Reduction{
		"min": Min, "minimum": Min,
		"avg": Avg, "average": Avg,
	} {
		r, err := ParseReduction(in)
		require.NoError(t, err)
		assert.Equal(t, want, r)
	}
	_, err := ParseReduction("median")
	assert.Error(t, err)
}
