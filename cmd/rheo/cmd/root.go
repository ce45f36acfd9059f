package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const usage = `rheo runs and talks to peer-to-peer capability mesh cells.

EXAMPLES:
  Run a cell, optionally joining an existing mesh through a seed:
    rheo serve --seed http://127.0.0.1:9000

  Ask any cell in the mesh for a capability:
    rheo ask mesh/ping --addr http://127.0.0.1:9000

  Inspect a running cell:
    rheo inspect --addr http://127.0.0.1:9000`

var rootCmd = &cobra.Command{
	Use:   "rheo",
	Short: "Run or query a capability mesh cell",
	Long:  usage,
}

// Execute runs the CLI, exiting non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd, askCmd, inspectCmd)
}
