// Package pipeline runs the per-sample processing chain: load raw files,
// separate, annotate CNPs, align stress events, persist and export.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"nanolab/internal/blob"
	"nanolab/internal/cnp"
	"nanolab/internal/config"
	"nanolab/internal/export"
	"nanolab/internal/ingest"
	"nanolab/internal/metrics"
	"nanolab/internal/persistence"
	"nanolab/internal/persistence/core"
	"nanolab/internal/report"
	"nanolab/pkg/datasetapi"
)

// Stage names reported to metrics and used in error messages.
const (
	StageSeparate = "separate"
	StageAnnotate = "annotate"
	StageAlign    = "align"
	StagePersist  = "persist"
	StageExport   = "export"
	StageReport   = "report"
)

// ErrIncomplete is returned in strict mode when experiments have no properties row.
var ErrIncomplete = errors.New("sample has experiments without properties rows")

// Deps are the collaborators a Pipeline drives. Exporter may be nil to skip exports.
type Deps struct {
	Blobs     blob.Store
	Tables    persistence.Store
	Catalogue ingest.Catalogue
	Exporter  *export.Worker
	Metrics   metrics.Sink
	Logger    *slog.Logger
}

// Pipeline processes samples stored in a blob store.
type Pipeline struct {
	dataset   *ingest.Dataset
	tables    persistence.Store
	annotator *cnp.Annotator
	aligner   *cnp.Aligner
	exporter  *export.Worker
	formats   []datasetapi.Format
	workers   int
	strict    bool
	metrics   metrics.Sink
	logger    *slog.Logger
}

// New wires a pipeline from configuration and dependencies.
func New(cfg config.Config, deps Deps) (*Pipeline, error) {
	if deps.Blobs == nil || deps.Tables == nil {
		return nil, errors.New("pipeline: blob and table stores are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := deps.Metrics
	if sink == nil {
		sink = metrics.Noop{}
	}
	catalogue := deps.Catalogue
	if catalogue == nil {
		var err error
		if catalogue, err = ingest.LoadCatalogue(cfg.Pipeline.ProceduresFile); err != nil {
			return nil, fmt.Errorf("load procedures: %w", err)
		}
	}
	mode, err := config.NormalizeAlignMode(cfg.Pipeline.AlignMode)
	if err != nil {
		return nil, err
	}
	formats := make([]datasetapi.Format, 0, len(cfg.Export.Formats))
	for _, name := range cfg.Export.Formats {
		f, err := export.ParseFormat(name)
		if err != nil {
			return nil, err
		}
		formats = append(formats, f)
	}
	ds, err := ingest.NewDataset(deps.Blobs, catalogue,
		ingest.WithPattern(cfg.Pipeline.Pattern),
		ingest.WithDatasetLogger(logger))
	if err != nil {
		return nil, err
	}
	workers := max(cfg.Pipeline.Workers, 1)
	return &Pipeline{
		dataset: ds,
		tables:  deps.Tables,
		annotator: cnp.NewAnnotator(
			cnp.WithLogger(logger),
			cnp.WithRecorder(sink),
			cnp.WithWorkers(workers)),
		aligner:  cnp.NewAligner(cnp.WithAlignMode(cnp.AlignMode(mode)), cnp.WithAlignLogger(logger)),
		exporter: deps.Exporter,
		formats:  formats,
		workers:  workers,
		strict:   cfg.Pipeline.Strict,
		metrics:  sink,
		logger:   logger,
	}, nil
}

// Result is the outcome of one sample run.
type Result struct {
	Sample      string
	Properties  datasetapi.Table
	WithCNPs    datasetapi.Table
	AfterStress datasetapi.Table
	Annotation  cnp.AnnotateReport
	// Skipped lists raw files that could not be loaded, by data key.
	Skipped map[string]error
	Exports []export.Record
}

// Run processes one sample. In strict mode a run whose annotation found
// experiments without properties rows still persists its tables and then
// fails with ErrIncomplete.
func (p *Pipeline) Run(ctx context.Context, sample string) (Result, error) {
	res := Result{Sample: sample}
	log := p.logger.With(slog.String("sample", sample))

	var sep ingest.Separation
	if err := p.stage(ctx, StageSeparate, func() error {
		var err error
		sep, err = ingest.SeparateSample(ctx, p.dataset, sample, p.workers)
		return err
	}); err != nil {
		return res, err
	}
	for range sep.Sweeps {
		p.metrics.ObserveIngest(metrics.IngestLoaded)
	}
	for range sep.Failed {
		p.metrics.ObserveIngest(metrics.IngestSkipped)
	}
	res.Properties, res.Skipped = sep.Properties, sep.Failed
	if sep.Properties.Len() == 0 {
		return res, fmt.Errorf("sample %s: no experiments found: %w", sample, cnp.ErrEmptyTable)
	}

	if err := p.stage(ctx, StageAnnotate, func() error {
		var err error
		res.WithCNPs, res.Annotation, err = p.annotator.Annotate(ctx, sep.Sweeps, sep.Properties)
		return err
	}); err != nil {
		return res, err
	}

	if err := p.stage(ctx, StageAlign, func() error {
		var err error
		res.AfterStress, err = p.aligner.Align(res.WithCNPs)
		return err
	}); err != nil {
		return res, err
	}

	tables := map[string]datasetapi.Table{
		core.StageProperties:  res.Properties,
		core.StageWithCNPs:    res.WithCNPs,
		core.StageAfterStress: res.AfterStress,
	}
	if err := p.stage(ctx, StagePersist, func() error {
		_, err := p.tables.RunInTransaction(ctx, func(tx persistence.Transaction) error {
			for _, stage := range stageOrder {
				if _, err := tx.Save(persistence.TableName(sample, stage), tables[stage]); err != nil {
					return err
				}
			}
			return nil
		})
		return err
	}); err != nil {
		return res, err
	}

	if p.exporter != nil && len(p.formats) > 0 {
		if err := p.stage(ctx, StageExport, func() error {
			var err error
			res.Exports, err = p.export(ctx, sample, tables)
			return err
		}); err != nil {
			return res, err
		}
	}

	log.Info("sample processed",
		slog.Int("experiments", res.Properties.Len()),
		slog.Int("annotated", len(res.Annotation.Annotated)),
		slog.Int("fit_failures", len(res.Annotation.Failures)),
		slog.Int("after_stress_rows", res.AfterStress.Len()),
		slog.Int("skipped_files", len(res.Skipped)))

	if err := res.Annotation.Err(); err != nil && p.strict {
		return res, fmt.Errorf("%w: %w", ErrIncomplete, err)
	}
	return res, nil
}

var stageOrder = []string{core.StageProperties, core.StageWithCNPs, core.StageAfterStress}

func (p *Pipeline) export(ctx context.Context, sample string, tables map[string]datasetapi.Table) ([]export.Record, error) {
	ids := make([]string, 0, len(stageOrder))
	for _, stage := range stageOrder {
		rec, err := p.exporter.Enqueue(ctx, export.Input{
			Name:    persistence.TableName(sample, stage),
			Table:   tables[stage],
			Formats: p.formats,
		})
		if err != nil {
			return nil, err
		}
		ids = append(ids, rec.ID)
	}
	out := make([]export.Record, 0, len(ids))
	var errs []error
	for _, id := range ids {
		rec, err := p.exporter.Wait(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, rec)
	}
	return out, errors.Join(errs...)
}

func (p *Pipeline) stage(ctx context.Context, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	p.metrics.ObserveStage(ctx, name, err == nil, time.Since(start))
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Summary is the cross-sample report built from persisted tables.
type Summary struct {
	Deviations []report.Deviation
	Shifts     []report.ShiftSeries
	Matrices   []report.Matrix
}

// Report loads the persisted tables of samples and summarises them.
func (p *Pipeline) Report(ctx context.Context, samples []string) (Summary, error) {
	var sum Summary
	err := p.stage(ctx, StageReport, func() error {
		var annotated, after []report.Sample
		for _, s := range samples {
			withCNPs, err := p.tables.Load(ctx, persistence.TableName(s, core.StageWithCNPs))
			if err != nil {
				return err
			}
			stressed, err := p.tables.Load(ctx, persistence.TableName(s, core.StageAfterStress))
			if err != nil {
				return err
			}
			annotated = append(annotated, report.Sample{Name: s, Table: withCNPs.Table})
			after = append(after, report.Sample{Name: s, Table: stressed.Table})
		}
		var err error
		if sum.Deviations, err = report.DeviationSummary(annotated); err != nil {
			return err
		}
		sum.Shifts = report.MeanShiftByStressVoltage(after)
		sum.Matrices = matrices(after)
		return nil
	})
	return sum, err
}

// matrices builds one shift matrix per chip, chips in name order.
func matrices(samples []report.Sample) []report.Matrix {
	byChip := map[string][]report.Sample{}
	for _, s := range samples {
		chip, _ := report.SplitSample(s.Name)
		byChip[chip] = append(byChip[chip], s)
	}
	chips := make([]string, 0, len(byChip))
	for c := range byChip {
		chips = append(chips, c)
	}
	sort.Strings(chips)
	out := make([]report.Matrix, 0, len(chips))
	for _, c := range chips {
		group := byChip[c]
		sort.SliceStable(group, func(i, j int) bool { return group[i].Name < group[j].Name })
		out = append(out, report.ShiftMatrix(c, group))
	}
	return out
}

// FirstLast reloads the raw sweeps of sample and compares the forward
// resistance of its first and last after-annealing sweeps.
func (p *Pipeline) FirstLast(ctx context.Context, sample string) (report.FirstLast, error) {
	var out report.FirstLast
	err := p.stage(ctx, StageReport, func() error {
		sep, err := ingest.SeparateSample(ctx, p.dataset, sample, p.workers)
		if err != nil {
			return err
		}
		out, err = report.FirstLastForwardResistance(ctx, sep.Properties, sep.Sweeps)
		return err
	})
	return out, err
}
