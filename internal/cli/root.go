// Package cli implements the nanolab command line.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd builds the command tree writing to out and errOut.
func NewRootCmd(out, errOut io.Writer) *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:   "nanolab",
		Short: "Charge-neutrality point analysis for graphene transistor measurements",
		Long: `nanolab loads raw gate-voltage sweeps and stress logs per sample, locates the
charge-neutrality point of every sweep, aligns it around stress events and
persists the derived tables.

Configuration is read from --config, NANOLAB_CONFIG or ./nanolab.yaml and
may be overridden with NANOLAB_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML configuration file")

	root.AddCommand(
		newRunCmd(&configPath),
		newReportCmd(&configPath),
		newProceduresCmd(&configPath),
		newFirstLastCmd(&configPath),
	)
	return root
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
