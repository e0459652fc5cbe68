package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	o := cfg.OptimizationRoutine
	assert.Equal(t, 50, o.MaximumIterationsInnerPDAS)
	assert.Equal(t, 5, o.MemoryVectors)
	assert.True(t, o.UseBFGSScaling)
	assert.Equal(t, 1e-3, o.Rtol)
	assert.Equal(t, 2.0, o.BetaArmijo)
	assert.Equal(t, 30, o.MaximumArmijoTrials)
	assert.False(t, o.SoftExit)

	q := cfg.MeshQuality
	assert.True(t, math.IsInf(q.VolumeChange, 1))
	assert.True(t, math.IsInf(q.AngleChange, 1))
	assert.Equal(t, 0.05, q.TolLower)
	assert.Equal(t, 0.1, q.TolUpper)
	assert.Equal(t, "skewness", q.Measure)
	assert.Equal(t, "min", q.Type)

	assert.False(t, cfg.Mesh.Remesh)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
optimization_routine:
  maximum_iterations_inner_pdas: 100
  memory_vectors: 3
  rtol: 1.0e-6
  soft_exit: true
mesh_quality:
  volume_change: 1.5
  angle_change: 0.3
  tol_lower: 0.1
  tol_upper: 0.2
  measure: condition_number
  type: average
mesh:
  mesh_file: ./domain.msh
  geo_file: ./domain.geo
  remesh: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.OptimizationRoutine.MaximumIterationsInnerPDAS)
	assert.Equal(t, 3, cfg.OptimizationRoutine.MemoryVectors)
	assert.Equal(t, 1e-6, cfg.OptimizationRoutine.Rtol)
	assert.True(t, cfg.OptimizationRoutine.SoftExit)

	assert.Equal(t, 1.5, cfg.MeshQuality.VolumeChange)
	assert.Equal(t, 0.3, cfg.MeshQuality.AngleChange)
	assert.Equal(t, "condition_number", cfg.MeshQuality.Measure)
	assert.Equal(t, "average", cfg.MeshQuality.Type)

	assert.True(t, cfg.Mesh.Remesh)
	assert.Equal(t, "./domain.geo", cfg.Mesh.GeoFile)

	// unset keys keep their defaults
	assert.Equal(t, 2.0, cfg.OptimizationRoutine.BetaArmijo)
}

func TestLoadInfSentinel(t *testing.T) {
	path := writeConfig(t, `
mesh_quality:
  volume_change: .inf
  angle_change: .inf
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, math.IsInf(cfg.MeshQuality.VolumeChange, 1))
	assert.True(t, math.IsInf(cfg.MeshQuality.AngleChange, 1))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadValidationFailures(t *testing.T) {
	cases := map[string]string{
		"beta_armijo too small": `
optimization_routine:
  beta_armijo: 1.0
`,
		"epsilon_armijo out of range": `
optimization_routine:
  epsilon_armijo: 1.5
`,
		"volume_change too small": `
mesh_quality:
  volume_change: 1.0
`,
		"inverted quality band": `
mesh_quality:
  tol_lower: 0.2
  tol_upper: 0.1
`,
		"unknown measure": `
mesh_quality:
  measure: aspect_ratio
`,
		"unknown reduction": `
mesh_quality:
  type: median
`,
		"remesh without geo file": `
mesh:
  remesh: true
`,
	}
	for name, content := range cases {
		_, err := Load(writeConfig(t, content))
		assert.ErrorIs(t, err, ErrInvalid, name)
	}
}
