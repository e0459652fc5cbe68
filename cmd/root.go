package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "shapeopt",
	Short: "PDE-constrained optimal control and shape optimization",
	Long: `shapeopt solves optimal control and shape optimization problems
governed by PDEs: an inner L-BFGS solver under active-set constraints,
mesh-quality-aware shape updates, and gmsh-based remeshing.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
