package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"nanolab/internal/pipeline"
)

func newReportCmd(configPath *string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "report SAMPLE...",
		Short: "Summarise persisted tables across samples",
		Long: `Summarise the persisted with_cnps and after_stress tables of the given samples:
the spread of after-annealing CNPs per sample, the mean CNP shift per stress
gate voltage for every device size, and a shift matrix per chip.

Examples:
  nanolab report CHIP1A CHIP1B CHIP1C
  nanolab report CHIP1A --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			a, err := openApp(ctx, *configPath, cmd.ErrOrStderr(), nil)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, a.close(ctx)) }()

			sum, err := a.pipeline.Report(ctx, args)
			if err != nil {
				return err
			}
			if asJSON {
				return writeSummaryJSON(cmd.OutOrStdout(), sum)
			}
			return writeSummary(cmd.OutOrStdout(), sum)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the summary as JSON")
	return cmd
}

func writeSummary(w io.Writer, sum pipeline.Summary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SAMPLE\tSWEEPS\tMEAN CNP (V)\tBELOW\tABOVE")
	for _, d := range sum.Deviations {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", d.Sample, d.Count, num(d.Mean), num(d.Below), num(d.Above))
	}
	fmt.Fprintln(tw)
	for _, s := range sum.Shifts {
		fmt.Fprintf(tw, "%s\n", s.Group)
		fmt.Fprintln(tw, "  VG (V)\tMEAN SHIFT (V)")
		for i, vg := range s.VG {
			fmt.Fprintf(tw, "  %s\t%s\n", num(vg), num(s.Mean[i]))
		}
	}
	for _, m := range sum.Matrices {
		fmt.Fprintf(tw, "\n%s\n", m.Chip)
		fmt.Fprintf(tw, "  VG (V)\t%s\n", strings.Join(m.Samples, "\t"))
		for i, vg := range m.VG {
			cells := make([]string, len(m.Cells[i]))
			for j, v := range m.Cells[i] {
				cells[j] = num(v)
			}
			fmt.Fprintf(tw, "  %s\t%s\n", num(vg), strings.Join(cells, "\t"))
		}
	}
	return tw.Flush()
}

func num(v float64) string {
	if math.IsNaN(v) {
		return "-"
	}
	return fmt.Sprintf("%.3f", v)
}

// writeSummaryJSON prints NaN cells as null.
func writeSummaryJSON(w io.Writer, sum pipeline.Summary) error {
	type shift struct {
		Group string     `json:"group"`
		VG    []float64  `json:"vg"`
		Mean  []*float64 `json:"mean"`
	}
	type matrix struct {
		Chip    string       `json:"chip"`
		VG      []float64    `json:"vg"`
		Samples []string     `json:"samples"`
		Cells   [][]*float64 `json:"cells"`
	}
	type deviation struct {
		Sample string  `json:"sample"`
		Chip   string  `json:"chip"`
		Count  int     `json:"count"`
		Mean   float64 `json:"mean"`
		Min    float64 `json:"min"`
		Max    float64 `json:"max"`
	}
	payload := struct {
		Deviations []deviation `json:"deviations"`
		Shifts     []shift     `json:"shifts"`
		Matrices   []matrix    `json:"matrices"`
	}{Deviations: []deviation{}, Shifts: []shift{}, Matrices: []matrix{}}
	for _, d := range sum.Deviations {
		payload.Deviations = append(payload.Deviations, deviation{
			Sample: d.Sample, Chip: d.Chip, Count: d.Count, Mean: d.Mean, Min: d.Min, Max: d.Max,
		})
	}
	for _, s := range sum.Shifts {
		payload.Shifts = append(payload.Shifts, shift{Group: s.Group, VG: s.VG, Mean: nullable(s.Mean)})
	}
	for _, m := range sum.Matrices {
		cells := make([][]*float64, len(m.Cells))
		for i, r := range m.Cells {
			cells[i] = nullable(r)
		}
		payload.Matrices = append(payload.Matrices, matrix{Chip: m.Chip, VG: m.VG, Samples: m.Samples, Cells: cells})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func nullable(values []float64) []*float64 {
	out := make([]*float64, len(values))
	for i, v := range values {
		if !math.IsNaN(v) {
			out[i] = &v
		}
	}
	return out
}
