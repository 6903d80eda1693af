package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"nanolab/internal/report"
)

func newFirstLastCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "first-last SAMPLE...",
		Short: "Compare forward resistance of the first and last after-annealing sweeps",
		Long: `Reload the raw sweeps of each sample and print the forward-segment resistance
(kOhm) of its first and last after-annealing VVg sweeps.

Examples:
  nanolab first-last CHIP3A`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			a, err := openApp(ctx, *configPath, cmd.ErrOrStderr(), nil)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, a.close(ctx)) }()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SAMPLE\tSWEEP\tKEY\tVG (V)\tRESISTANCE (kOhm)")
			for _, sample := range args {
				fl, err := a.pipeline.FirstLast(ctx, sample)
				if err != nil {
					return fmt.Errorf("%s: %w", sample, err)
				}
				for _, c := range []struct {
					label string
					curve report.ResistanceCurve
				}{{"first", fl.First}, {"last", fl.Last}} {
					for i, vg := range c.curve.Vg {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", sample, c.label, c.curve.Key, num(vg), num(c.curve.Resistance[i]/1000))
					}
				}
			}
			return tw.Flush()
		},
	}
}
