package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"nanolab/internal/config"
	"nanolab/internal/pipeline"
)

type runOptions struct {
	workers int
	align   string
	formats []string
	strict  bool
}

func newRunCmd(configPath *string) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run SAMPLE...",
		Short: "Process samples and persist their derived tables",
		Long: `Process one or more samples: separate raw files, annotate CNPs, align stress
events, persist the properties, with_cnps and after_stress tables and render
exports.

Examples:
  nanolab run CHIP1A                       # One sample
  nanolab run CHIP1A CHIP1B --workers 8    # Several samples, wider pool
  nanolab run CHIP2C --align nearest       # Nearest-sweep alignment
  nanolab run CHIP2C --format csv,xlsx     # Override export formats`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSamples(cmd, *configPath, opts, args)
		},
	}
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", 0, "Concurrent experiment loads and fits")
	cmd.Flags().StringVar(&opts.align, "align", "", "Alignment mode: positional (compat) or nearest")
	cmd.Flags().StringSliceVarP(&opts.formats, "format", "f", nil, "Export formats: json, csv, xlsx")
	cmd.Flags().BoolVar(&opts.strict, "strict", false, "Fail samples with experiments lacking properties rows")
	return cmd
}

func (o runOptions) apply(cmd *cobra.Command) func(*config.Config) error {
	return func(cfg *config.Config) error {
		if cmd.Flags().Changed("workers") {
			cfg.Pipeline.Workers = o.workers
		}
		if cmd.Flags().Changed("align") {
			cfg.Pipeline.AlignMode = o.align
		}
		if cmd.Flags().Changed("format") {
			cfg.Export.Formats = o.formats
		}
		if cmd.Flags().Changed("strict") {
			cfg.Pipeline.Strict = o.strict
		}
		return nil
	}
}

func runSamples(cmd *cobra.Command, configPath string, opts runOptions, samples []string) (err error) {
	ctx := cmd.Context()
	a, err := openApp(ctx, configPath, cmd.ErrOrStderr(), opts.apply(cmd))
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, a.close(ctx)) }()

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SAMPLE\tEXPERIMENTS\tANNOTATED\tFIT FAILURES\tAFTER STRESS\tSKIPPED FILES\tEXPORTS")
	var failed []error
	for _, sample := range samples {
		res, runErr := a.pipeline.Run(ctx, sample)
		if runErr != nil && !errors.Is(runErr, pipeline.ErrIncomplete) {
			a.logger.Error("sample failed", slog.String("sample", sample), slog.Any("error", runErr))
			failed = append(failed, fmt.Errorf("%s: %w", sample, runErr))
			continue
		}
		if runErr != nil {
			failed = append(failed, fmt.Errorf("%s: %w", sample, runErr))
		}
		artifacts := 0
		for _, rec := range res.Exports {
			artifacts += len(rec.Artifacts)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			sample,
			res.Properties.Len(),
			len(res.Annotation.Annotated),
			len(res.Annotation.Failures),
			res.AfterStress.Len(),
			len(res.Skipped),
			artifacts)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	return errors.Join(failed...)
}
