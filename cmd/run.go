package cmd

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/profile"
	"github.com/spf13/cobra"

	"github.com/shapeopt/shapeopt/config"
	"github.com/shapeopt/shapeopt/meshing"
	"github.com/shapeopt/shapeopt/model"
	"github.com/shapeopt/shapeopt/opt"
	"github.com/shapeopt/shapeopt/quality"

	shmesh "github.com/shapeopt/shapeopt/mesh"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an optimization driven by a YAML configuration file",
	Long: `Run an optimization driven by a YAML configuration file. Without a
mesh file a tracking-type model control problem is solved; with one, the
control field lives on the mesh vertices and the mesh quality machinery
(including remesh-triggered restarts) is active.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config")
		doProfile, _ := cmd.Flags().GetBool("profile")
		verbosity, _ := cmd.Flags().GetInt("verbosity")
		dimension, _ := cmd.Flags().GetInt("dimension")

		if doProfile {
			defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
		}

		path, err := expand(configFile)
		if err != nil {
			return err
		}
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg.Print()

		log := opt.NewLogger(opt.LogLevel(verbosity), os.Stdout)
		return runWithRestarts(cfg, dimension, log)
	},
}

func init() {
	runCmd.Flags().StringP("config", "C", "", "YAML configuration file")
	runCmd.Flags().Bool("profile", false, "write a CPU profile")
	runCmd.Flags().IntP("verbosity", "v", int(opt.LogIter), "log verbosity (-1..2)")
	runCmd.Flags().IntP("dimension", "n", 50, "control dimension of the model problem (no mesh file)")
	rootCmd.AddCommand(runCmd)
}

func expand(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	return homedir.Expand(path)
}

// runWithRestarts is the checkpoint/restart boundary around remeshing: a
// finished remesh persists a resumption record and requests a restart,
// and the loop re-runs against the new geometry.
func runWithRestarts(cfg *config.Config, dimension int, log *opt.Logger) error {
	meshFile, err := expand(cfg.Mesh.MeshFile)
	if err != nil {
		return err
	}
	geoFile, err := expand(cfg.Mesh.GeoFile)
	if err != nil {
		return err
	}
	state := meshing.NewRestartState(meshFile, geoFile)

	for {
		err := runOnce(cfg, dimension, state, log)
		if errors.Is(err, meshing.ErrRestartRequested) {
			state, err = meshing.LoadRestartState(state.RemeshDirectory)
			if err != nil {
				return fmt.Errorf("resuming after remesh: %w", err)
			}
			log.Printf(opt.LogResult, "restarting on remeshed geometry %s (remesh %d)\n",
				state.MeshFile, state.RemeshCounter)
			continue
		}
		return err
	}
}

func runOnce(cfg *config.Config, dimension int, state *meshing.RestartState, log *opt.Logger) error {
	var (
		msh     *shmesh.Mesh
		handler *meshing.Handler
		err     error
	)
	if state.MeshFile != "" {
		if msh, err = shmesh.ReadGmsh22(state.MeshFile); err != nil {
			return err
		}
		measure, _ := quality.ParseMeasure(cfg.MeshQuality.Measure)
		reduction, _ := quality.ParseReduction(cfg.MeshQuality.Type)
		params := meshing.Params{
			VolumeChange:   cfg.MeshQuality.VolumeChange,
			AngleChange:    cfg.MeshQuality.AngleChange,
			TolLower:       cfg.MeshQuality.TolLower,
			TolUpper:       cfg.MeshQuality.TolUpper,
			BetaArmijo:     cfg.OptimizationRoutine.BetaArmijo,
			Measure:        measure,
			Reduction:      reduction,
			Remesh:         cfg.Mesh.Remesh,
			ShowGmshOutput: cfg.Mesh.ShowGmshOutput,
		}
		if handler, err = meshing.NewHandler(msh, params, log); err != nil {
			return err
		}
		log.Printf(opt.LogResult, "mesh: %d vertices, %d cells, quality = %.4f\n",
			msh.NumVertices(), msh.NumCells(), handler.CurrentQuality())
	}

	problem := buildProblem(msh, dimension)
	lineSearch := opt.NewLineSearch(problem, opt.LineSearchParams{
		StepInitial: cfg.OptimizationRoutine.StepInitial,
		Epsilon:     cfg.OptimizationRoutine.EpsilonArmijo,
		Beta:        cfg.OptimizationRoutine.BetaArmijo,
		MaxTrials:   cfg.OptimizationRoutine.MaximumArmijoTrials,
	}, log)
	solver := opt.NewInnerLBFGS(problem, lineSearch, opt.Params{
		MaxIterations:  cfg.OptimizationRoutine.MaximumIterationsInnerPDAS,
		Tolerance:      cfg.OptimizationRoutine.PDASInnerTolerance,
		Atol:           cfg.OptimizationRoutine.Atol,
		Rtol:           cfg.OptimizationRoutine.Rtol,
		MemoryVectors:  cfg.OptimizationRoutine.MemoryVectors,
		UseBFGSScaling: cfg.OptimizationRoutine.UseBFGSScaling,
		SoftExit:       cfg.OptimizationRoutine.SoftExit,
	}, log)
	solver.SeedReferenceNorm(state.GradientNormInitial)

	status, err := solver.Run(nil)
	if err != nil {
		return err
	}
	cost, err := problem.Cost()
	if err != nil {
		return err
	}
	log.Printf(opt.LogResult, "status %s after %d iterations, J = %.6e\n",
		status, solver.Stats().Iterations, cost)

	// state.IterationCounter still holds the count at the last remesh until
	// Remesh persists the new total; the stall check compares the two.
	outerIterations := state.IterationCounter + solver.Stats().Iterations
	state.Cost = append(state.Cost, cost)
	state.GradientNorm = append(state.GradientNorm, solver.GradientNorm())
	state.StateSolves += problem.StateSolves()
	state.AdjointSolves += problem.AdjointSolves()

	if handler != nil {
		state.MeshQuality = append(state.MeshQuality, handler.CurrentQuality())
		if handler.QualityBelowBand() {
			return handler.Remesh(state, outerIterations, solver.ReferenceNorm())
		}
	}
	state.IterationCounter = outerIterations
	return nil
}

// buildProblem constructs the demo tracking problem: over mesh vertices
// with the lumped P1 mass matrix when a mesh is present, otherwise over a
// plain coefficient vector of the requested dimension.
func buildProblem(msh *shmesh.Mesh, dimension int) *model.Quadratic {
	if msh != nil {
		target := make([]float64, msh.NumVertices())
		for i, c := range msh.Coords {
			target[i] = math.Sin(math.Pi * c[0])
		}
		return model.NewQuadratic("control", target, 1e-6, model.LumpedMassMatrix(msh))
	}
	target := make([]float64, dimension)
	for i := range target {
		target[i] = math.Sin(2 * math.Pi * float64(i) / float64(dimension))
	}
	return model.NewQuadratic("control", target, 1e-6, model.IdentityMass(dimension))
}
