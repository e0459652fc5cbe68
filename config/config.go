// Package config loads and validates the sectioned run configuration.
// All invariants are checked once at load time, before any solve runs.
package config

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/spf13/viper"

	"github.com/shapeopt/shapeopt/quality"
)

// ErrInvalid wraps every configuration invariant violation.
var ErrInvalid = errors.New("invalid configuration")

// OptimizationRoutine configures the inner solver and line search.
type OptimizationRoutine struct {
	MaximumIterationsInnerPDAS int     `mapstructure:"maximum_iterations_inner_pdas"`
	PDASInnerTolerance         float64 `mapstructure:"pdas_inner_tolerance"`
	MemoryVectors              int     `mapstructure:"memory_vectors"`
	UseBFGSScaling             bool    `mapstructure:"use_bfgs_scaling"`
	Atol                       float64 `mapstructure:"atol"`
	Rtol                       float64 `mapstructure:"rtol"`
	EpsilonArmijo              float64 `mapstructure:"epsilon_armijo"`
	BetaArmijo                 float64 `mapstructure:"beta_armijo"`
	StepInitial                float64 `mapstructure:"step_initial"`
	MaximumArmijoTrials        int     `mapstructure:"maximum_armijo_trials"`
	SoftExit                   bool    `mapstructure:"soft_exit"`
}

// MeshQuality configures the mesh validity and quality machinery. Use
// .inf in the YAML file for an unbounded volume or angle change.
type MeshQuality struct {
	VolumeChange float64 `mapstructure:"volume_change"`
	AngleChange  float64 `mapstructure:"angle_change"`
	TolLower     float64 `mapstructure:"tol_lower"`
	TolUpper     float64 `mapstructure:"tol_upper"`
	Measure      string  `mapstructure:"measure"`
	Type         string  `mapstructure:"type"`
}

// Mesh configures geometry input and remeshing.
type Mesh struct {
	MeshFile       string `mapstructure:"mesh_file"`
	GeoFile        string `mapstructure:"geo_file"`
	Remesh         bool   `mapstructure:"remesh"`
	ShowGmshOutput bool   `mapstructure:"show_gmsh_output"`
}

type Config struct {
	OptimizationRoutine OptimizationRoutine `mapstructure:"optimization_routine"`
	MeshQuality         MeshQuality         `mapstructure:"mesh_quality"`
	Mesh                Mesh                `mapstructure:"mesh"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("optimization_routine.maximum_iterations_inner_pdas", 50)
	v.SetDefault("optimization_routine.pdas_inner_tolerance", 1e-2)
	v.SetDefault("optimization_routine.memory_vectors", 5)
	v.SetDefault("optimization_routine.use_bfgs_scaling", true)
	v.SetDefault("optimization_routine.atol", 0.0)
	v.SetDefault("optimization_routine.rtol", 1e-3)
	v.SetDefault("optimization_routine.epsilon_armijo", 1e-4)
	v.SetDefault("optimization_routine.beta_armijo", 2.0)
	v.SetDefault("optimization_routine.step_initial", 1.0)
	v.SetDefault("optimization_routine.maximum_armijo_trials", 30)
	v.SetDefault("optimization_routine.soft_exit", false)

	v.SetDefault("mesh_quality.volume_change", math.Inf(1))
	v.SetDefault("mesh_quality.angle_change", math.Inf(1))
	v.SetDefault("mesh_quality.tol_lower", 0.05)
	v.SetDefault("mesh_quality.tol_upper", 0.1)
	v.SetDefault("mesh_quality.measure", "skewness")
	v.SetDefault("mesh_quality.type", "min")

	v.SetDefault("mesh.remesh", false)
	v.SetDefault("mesh.show_gmsh_output", false)
}

// Load reads the YAML configuration at path, applies defaults, and
// validates every invariant. An empty path yields the defaults.
func Load(path string) (cfg *Config, err error) {
	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err = v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	cfg = &Config{}
	if err = v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return
}

// Validate fails fast on configuration invariant violations. Every
// returned error wraps ErrInvalid.
func (c *Config) Validate() error {
	o := &c.OptimizationRoutine
	if o.MaximumIterationsInnerPDAS <= 0 {
		return fmt.Errorf("%w: maximum_iterations_inner_pdas must be positive, got %d", ErrInvalid, o.MaximumIterationsInnerPDAS)
	}
	if o.MemoryVectors < 0 {
		return fmt.Errorf("%w: memory_vectors must be >= 0, got %d", ErrInvalid, o.MemoryVectors)
	}
	if o.Atol < 0 || o.Rtol < 0 {
		return fmt.Errorf("%w: atol and rtol must be nonnegative", ErrInvalid)
	}
	if !(o.BetaArmijo > 1) {
		return fmt.Errorf("%w: beta_armijo must be > 1, got %v", ErrInvalid, o.BetaArmijo)
	}
	if o.EpsilonArmijo <= 0 || o.EpsilonArmijo >= 1 {
		return fmt.Errorf("%w: epsilon_armijo must be in (0,1), got %v", ErrInvalid, o.EpsilonArmijo)
	}
	if o.StepInitial <= 0 {
		return fmt.Errorf("%w: step_initial must be positive, got %v", ErrInvalid, o.StepInitial)
	}
	if o.MaximumArmijoTrials <= 0 {
		return fmt.Errorf("%w: maximum_armijo_trials must be positive, got %d", ErrInvalid, o.MaximumArmijoTrials)
	}

	q := &c.MeshQuality
	if !(q.VolumeChange > 1) {
		return fmt.Errorf("%w: volume_change must be > 1 (or .inf), got %v", ErrInvalid, q.VolumeChange)
	}
	if !(q.AngleChange > 0) {
		return fmt.Errorf("%w: angle_change must be positive (or .inf), got %v", ErrInvalid, q.AngleChange)
	}
	if q.TolLower >= q.TolUpper {
		return fmt.Errorf("%w: tol_lower (%v) must be strictly smaller than tol_upper (%v)", ErrInvalid, q.TolLower, q.TolUpper)
	}
	if _, err := quality.ParseMeasure(q.Measure); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := quality.ParseReduction(q.Type); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if c.Mesh.Remesh && c.Mesh.GeoFile == "" {
		return fmt.Errorf("%w: remesh requires a geo_file", ErrInvalid)
	}
	return nil
}

// Print writes a summary of the effective configuration.
func (c *Config) Print() {
	rows := map[string]interface{}{
		"maximum_iterations_inner_pdas": c.OptimizationRoutine.MaximumIterationsInnerPDAS,
		"pdas_inner_tolerance":          c.OptimizationRoutine.PDASInnerTolerance,
		"memory_vectors":                c.OptimizationRoutine.MemoryVectors,
		"use_bfgs_scaling":              c.OptimizationRoutine.UseBFGSScaling,
		"atol":                          c.OptimizationRoutine.Atol,
		"rtol":                          c.OptimizationRoutine.Rtol,
		"beta_armijo":                   c.OptimizationRoutine.BetaArmijo,
		"volume_change":                 c.MeshQuality.VolumeChange,
		"angle_change":                  c.MeshQuality.AngleChange,
		"tol_lower":                     c.MeshQuality.TolLower,
		"tol_upper":                     c.MeshQuality.TolUpper,
		"measure":                       c.MeshQuality.Measure,
		"type":                          c.MeshQuality.Type,
		"remesh":                        c.Mesh.Remesh,
	}
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%v\t\t= %s\n", rows[k], k)
	}
}
