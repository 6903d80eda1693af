package cnp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"nanolab/pkg/datasetapi"
)

// Outcome labels reported to a Recorder.
const (
	OutcomeOK               = "ok"
	OutcomeInsufficientData = "insufficient_data"
	OutcomeDegenerate       = "degenerate"
	OutcomeLoadError        = "load_error"
	OutcomeMissingRow       = "missing_row"
	OutcomeSkipped          = "skipped"
	OutcomeNonFinite        = "non_finite"
)

// Recorder receives per-fit and per-experiment outcomes.
type Recorder interface {
	ObserveFit(direction Direction, outcome string)
	ObserveExperiment(outcome string)
}

type noopRecorder struct{}

func (noopRecorder) ObserveFit(Direction, string) {}
func (noopRecorder) ObserveExperiment(string)     {}

// Annotator computes forward and backward CNP columns for every sweep
// experiment of one sample.
type Annotator struct {
	logger   *slog.Logger
	recorder Recorder
	workers  int
}

// Option configures an Annotator.
type Option func(*Annotator)

// WithLogger sets the logger used for per-experiment diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(a *Annotator) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) Option {
	return func(a *Annotator) {
		if r != nil {
			a.recorder = r
		}
	}
}

// WithWorkers bounds how many experiments are loaded and fitted concurrently.
func WithWorkers(n int) Option {
	return func(a *Annotator) {
		if n > 0 {
			a.workers = n
		}
	}
}

// NewAnnotator returns an annotator that runs sequentially unless WithWorkers is given.
func NewAnnotator(opts ...Option) *Annotator {
	a := &Annotator{logger: slog.Default(), recorder: noopRecorder{}, workers: 1}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NonFiniteResult notes a resistance that came out infinite or NaN, usually
// from a zero or missing drain-source current.
type NonFiniteResult struct {
	Key        string
	Direction  Direction
	Voltage    float64
	Current    float64
	Resistance float64
}

// AnnotateReport summarises a batch. Fit and load problems are contained per
// experiment; missing rows are surfaced through Err.
type AnnotateReport struct {
	Annotated  []string
	Skipped    []string
	Duplicates []string
	Missing    []MissingPropertyRowError
	Failures   []error
	NonFinite  []NonFiniteResult
}

// Err joins the data-consistency problems found in the batch.
func (r AnnotateReport) Err() error {
	if len(r.Missing) == 0 {
		return nil
	}
	errs := make([]error, len(r.Missing))
	for i, m := range r.Missing {
		errs[i] = m
	}
	return errors.Join(errs...)
}

type job struct {
	key      string
	position int
	supplier Supplier
	current  float64
}

// patch is one worker's output for one properties row.
type patch struct {
	key       string
	position  int
	values    map[string]float64
	failures  []error
	nonFinite []NonFiniteResult
	loadErr   error
}

// Annotate returns a copy of props with the four CNP columns populated for
// every VVg experiment in data. props itself is not modified.
func (a *Annotator) Annotate(ctx context.Context, data map[string]Supplier, props datasetapi.Table) (datasetapi.Table, AnnotateReport, error) {
	var report AnnotateReport
	if props.Len() == 0 {
		return datasetapi.Table{}, report, ErrEmptyTable
	}
	if err := requireColumns(props, "annotate", ColDataKey, ColProcedureType, ColDrainSourceCurrent); err != nil {
		return datasetapi.Table{}, report, err
	}
	index := make(map[string]int, props.Len())
	for i, row := range props.Rows {
		key := NormalizeKey(row.Text(ColDataKey))
		if _, dup := index[key]; dup {
			return datasetapi.Table{}, report, fmt.Errorf("%w: %q", ErrDuplicateKey, key)
		}
		index[key] = i
	}

	jobs := a.plan(data, props, index, &report)
	patches := make([]patch, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, j := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			patches[i] = a.annotateOne(gctx, j)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return datasetapi.Table{}, report, err
	}

	out := props.WithColumns(CNPColumns()...)
	for _, p := range patches {
		a.merge(out, p, &report)
	}
	return out, report, nil
}

// plan resolves every supplied key against the properties index and keeps
// the VVg experiments, in key order.
func (a *Annotator) plan(data map[string]Supplier, props datasetapi.Table, index map[string]int, report *AnnotateReport) []job {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	scheduled := make(map[string]struct{}, len(keys))
	jobs := make([]job, 0, len(keys))
	for _, raw := range keys {
		key := NormalizeKey(raw)
		pos, ok := index[key]
		if !ok {
			missing := MissingPropertyRowError{Key: key}
			report.Missing = append(report.Missing, missing)
			a.recorder.ObserveExperiment(OutcomeMissingRow)
			a.logger.Error("experiment has no properties row", slog.String("key", key))
			continue
		}
		row := props.Rows[pos]
		if row.Text(ColProcedureType) != ProcedureSweep {
			report.Skipped = append(report.Skipped, key)
			a.recorder.ObserveExperiment(OutcomeSkipped)
			continue
		}
		if _, dup := scheduled[key]; dup {
			report.Duplicates = append(report.Duplicates, raw)
			a.logger.Warn("experiment key supplied twice, keeping first", slog.String("key", raw))
			continue
		}
		scheduled[key] = struct{}{}
		current, _ := row.Float(ColDrainSourceCurrent)
		jobs = append(jobs, job{key: key, position: pos, supplier: data[raw], current: current})
	}
	return jobs
}

func (a *Annotator) annotateOne(ctx context.Context, j job) patch {
	p := patch{key: j.key, position: j.position, values: make(map[string]float64, 4)}
	if j.supplier == nil {
		p.loadErr = LoadError{Key: j.key, Err: errors.New("nil supplier")}
		return p
	}
	sweep, err := j.supplier.Produce(ctx)
	if err != nil {
		p.loadErr = LoadError{Key: j.key, Err: err}
		return p
	}
	for _, d := range Directions {
		point, err := Extract(Segment(sweep, d))
		if err != nil {
			p.failures = append(p.failures, FitError{Key: j.key, Direction: d, Err: err})
			continue
		}
		resistance := point.DrainVoltage / j.current
		if !finite(resistance) {
			p.nonFinite = append(p.nonFinite, NonFiniteResult{
				Key: j.key, Direction: d, Voltage: point.DrainVoltage, Current: j.current, Resistance: resistance,
			})
		}
		p.values[GateVoltageColumn(d)] = point.GateVoltage
		p.values[ResistanceColumn(d)] = resistance
	}
	return p
}

// merge applies one patch to out. It runs on a single goroutine.
func (a *Annotator) merge(out datasetapi.Table, p patch, report *AnnotateReport) {
	if p.loadErr != nil {
		report.Failures = append(report.Failures, p.loadErr)
		a.recorder.ObserveExperiment(OutcomeLoadError)
		a.logger.Warn("experiment load failed", slog.String("key", p.key), slog.Any("error", p.loadErr))
		return
	}
	row := out.Rows[p.position]
	for col, v := range p.values {
		row[col] = v
	}
	for _, err := range p.failures {
		var fe FitError
		direction := Direction("")
		if errors.As(err, &fe) {
			direction = fe.Direction
		}
		report.Failures = append(report.Failures, err)
		a.recorder.ObserveFit(direction, fitOutcome(err))
		a.logger.Warn("cnp fit failed",
			slog.String("key", p.key),
			slog.String("direction", string(direction)),
			slog.Any("error", err))
	}
	for _, nf := range p.nonFinite {
		report.NonFinite = append(report.NonFinite, nf)
		a.recorder.ObserveFit(nf.Direction, OutcomeNonFinite)
		a.logger.Warn("cnp resistance is not finite",
			slog.String("key", nf.Key),
			slog.String("direction", string(nf.Direction)),
			slog.Float64("drain_voltage", nf.Voltage),
			slog.Float64("current", nf.Current))
	}
	for _, d := range Directions {
		if _, ok := p.values[GateVoltageColumn(d)]; ok && !containsDirection(p.nonFinite, d) {
			a.recorder.ObserveFit(d, OutcomeOK)
		}
	}
	if len(p.values) > 0 {
		report.Annotated = append(report.Annotated, p.key)
		a.recorder.ObserveExperiment(OutcomeOK)
		return
	}
	a.recorder.ObserveExperiment(fitOutcome(errors.Join(p.failures...)))
}

func fitOutcome(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientData):
		return OutcomeInsufficientData
	case errors.Is(err, ErrDegenerateFit):
		return OutcomeDegenerate
	}
	return OutcomeLoadError
}

func containsDirection(results []NonFiniteResult, d Direction) bool {
	for _, r := range results {
		if r.Direction == d {
			return true
		}
	}
	return false
}

// Annotate runs a default sequential Annotator.
func Annotate(ctx context.Context, data map[string]Supplier, props datasetapi.Table) (datasetapi.Table, AnnotateReport, error) {
	return NewAnnotator().Annotate(ctx, data, props)
}
