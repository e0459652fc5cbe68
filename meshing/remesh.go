package meshing

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ghodss/yaml"

	"github.com/shapeopt/shapeopt/mesh"
	"github.com/shapeopt/shapeopt/opt"
)

// ErrRestartRequested signals that a remesh finished and the whole run
// must restart against the new geometry, resuming from the persisted
// restart state. The original system replaced its own process image here;
// this implementation models the same boundary as an explicit restart
// loop in the driver.
var ErrRestartRequested = errors.New("remesh complete, restart required")

// ErrRemeshStalled signals two successive remesh cycles without outer
// iteration progress, a geometry or configuration problem. Never retried.
var ErrRemeshStalled = errors.New("remeshing the geometry failed to make progress")

const restartFileName = "restart.yaml"

// RestartState is the resumption record surviving a remesh boundary. The
// historical series are trimmed of their in-progress last entry before
// persisting, since that entry belongs to the remeshed geometry.
type RestartState struct {
	RemeshCounter       int     `json:"remesh_counter"`
	MeshFile            string  `json:"mesh_file"`
	GeoFile             string  `json:"geo_file"`
	RemeshDirectory     string  `json:"remesh_directory"`
	IterationCounter    int     `json:"iteration_counter"`
	GradientNormInitial float64 `json:"gradient_norm_initial"`
	StateSolves         int     `json:"state_solves"`
	AdjointSolves       int     `json:"adjoint_solves"`

	Cost         []float64 `json:"cost_function_value"`
	GradientNorm []float64 `json:"gradient_norm"`
	Stepsize     []float64 `json:"stepsize"`
	MeshQuality  []float64 `json:"mesh_quality"`
}

// NewRestartState initializes the record for a fresh run.
func NewRestartState(meshFile, geoFile string) (s *RestartState) {
	s = &RestartState{
		MeshFile:        meshFile,
		GeoFile:         geoFile,
		RemeshDirectory: filepath.Join(filepath.Dir(meshFile), "shapeopt_remesh"),
	}
	return
}

// LoadRestartState reads the record persisted in the given remesh
// directory.
func LoadRestartState(dir string) (s *RestartState, err error) {
	data, err := os.ReadFile(filepath.Join(dir, restartFileName))
	if err != nil {
		return nil, err
	}
	s = &RestartState{}
	if err = yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing restart state: %w", err)
	}
	return
}

func (s *RestartState) Save() error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.RemeshDirectory, restartFileName), data, 0644)
}

// TrimSeries drops the in-progress last entry of every historical series.
func (s *RestartState) TrimSeries() {
	s.Cost = trimLast(s.Cost)
	s.GradientNorm = trimLast(s.GradientNorm)
	s.Stepsize = trimLast(s.Stepsize)
	s.MeshQuality = trimLast(s.MeshQuality)
}

func trimLast(v []float64) []float64 {
	if len(v) == 0 {
		return v
	}
	return v[:len(v)-1]
}

// Remesh externalizes the current geometry, regenerates the geo script
// with the original sizing directives, runs the external mesh generator,
// persists the resumption record, and requests a restart. A remesh that
// follows a previous one without outer-iteration progress fails fatally.
func (h *Handler) Remesh(state *RestartState, outerIteration int, gradientNormInitial float64) error {
	if !h.params.Remesh {
		return nil
	}
	if state.RemeshCounter > 0 && state.IterationCounter == outerIteration {
		return ErrRemeshStalled
	}

	if err := os.MkdirAll(state.RemeshDirectory, 0755); err != nil {
		return err
	}
	state.RemeshCounter++

	preFile := filepath.Join(state.RemeshDirectory, fmt.Sprintf("mesh_%d_pre_remesh.msh", state.RemeshCounter))
	if err := mesh.WriteGmsh22(h.mesh, preFile); err != nil {
		return fmt.Errorf("writing pre-remesh geometry: %w", err)
	}

	geoFile := filepath.Join(state.RemeshDirectory, "remesh.geo")
	if err := writeRemeshGeo(geoFile, preFile, state.GeoFile); err != nil {
		return fmt.Errorf("generating remesh geo file: %w", err)
	}

	newMeshFile := filepath.Join(state.RemeshDirectory, fmt.Sprintf("mesh_%d.msh", state.RemeshCounter))
	cmd := exec.Command("gmsh", geoFile, fmt.Sprintf("-%d", h.mesh.Dim), "-format", "msh2", "-o", newMeshFile)
	if h.params.ShowGmshOutput {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}
	h.log.Printf(opt.LogIter, "remesh %d: invoking gmsh on %s\n", state.RemeshCounter, geoFile)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("gmsh failed: %w", err)
	}

	state.MeshFile = newMeshFile
	state.IterationCounter = outerIteration
	state.GradientNormInitial = gradientNormInitial
	state.TrimSeries()

	if err := state.Save(); err != nil {
		return fmt.Errorf("persisting restart state: %w", err)
	}
	return ErrRestartRequested
}

// writeRemeshGeo generates the geo script driving the remesh: merge the
// deformed mesh, rebuild its geometry, and carry over the sizing
// directives (lc variables, size fields, background field) from the
// original geo file so element sizing is preserved.
func writeRemeshGeo(geoFile, meshFile, originalGeo string) error {
	out, err := os.Create(geoFile)
	if err != nil {
		return err
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	fmt.Fprintf(w, "Merge '%s';\n", filepath.Base(meshFile))
	fmt.Fprintf(w, "CreateGeometry;\n\n")

	if originalGeo != "" {
		in, err := os.Open(originalGeo)
		if err != nil {
			return err
		}
		defer in.Close()
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "lc") ||
				strings.HasPrefix(line, "Field") ||
				strings.HasPrefix(line, "Background Field") {
				fmt.Fprintln(w, line)
			}
		}
		if err := scanner.Err(); err != nil {
			return err
		}
	}
	return w.Flush()
}
