package cnp

import (
	"log/slog"
	"sort"

	"nanolab/pkg/datasetapi"
)

// AlignMode selects how the before-stress sweep is located.
type AlignMode string

const (
	// AlignPositional compares the row after a stress event with the row two
	// positions earlier. This assumes the sequence sweep, Stress, sweep.
	AlignPositional AlignMode = "positional"
	// AlignNearestSweep compares with the closest VVg row preceding the stress event.
	AlignNearestSweep AlignMode = "nearest"
)

// Aligner selects the sweeps bracketing each stress event and computes the
// CNP change across the event.
type Aligner struct {
	mode   AlignMode
	logger *slog.Logger
}

// AlignOption configures an Aligner.
type AlignOption func(*Aligner)

// WithAlignMode overrides the default positional alignment.
func WithAlignMode(m AlignMode) AlignOption {
	return func(a *Aligner) {
		if m != "" {
			a.mode = m
		}
	}
}

// WithAlignLogger sets the aligner logger.
func WithAlignLogger(l *slog.Logger) AlignOption {
	return func(a *Aligner) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAligner returns a positional aligner unless configured otherwise.
func NewAligner(opts ...AlignOption) *Aligner {
	a := &Aligner{mode: AlignPositional, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Align returns the after-stress view of an annotated properties table: the
// rows directly before and after every Stress row, time ordered and without
// duplicates, with delta columns on each after-stress row that has a
// before-stress counterpart.
func (a *Aligner) Align(props datasetapi.Table) (datasetapi.Table, error) {
	if props.Len() == 0 {
		return datasetapi.Table{}, ErrEmptyTable
	}
	if err := requireColumns(props, "align", ColStartTime, ColProcedureType); err != nil {
		return datasetapi.Table{}, err
	}
	if err := RequireTimestamps(props, "align", ColStartTime); err != nil {
		return datasetapi.Table{}, err
	}
	sorted := props.SortStableBy(datasetapi.TimeLess(ColStartTime))
	if sorted.HasColumn(ColStressGateVoltage) {
		sorted = ForwardFill(sorted, ColStressGateVoltage)
	}
	sorted = sorted.WithColumns(DeltaColumns()...)

	n := sorted.Len()
	keep := make(map[int]struct{})
	for s := 0; s < n; s++ {
		if sorted.Rows[s].Text(ColProcedureType) != ProcedureStress {
			continue
		}
		if prev := s - 1; prev >= 0 {
			keep[prev] = struct{}{}
		}
		next := s + 1
		if next >= n {
			continue
		}
		keep[next] = struct{}{}
		base := a.baseline(sorted, s, next)
		if base < 0 {
			a.logger.Debug("stress event has no baseline sweep", slog.Int("position", s))
			continue
		}
		writeDeltas(sorted.Rows[next], sorted.Rows[base])
	}

	positions := make([]int, 0, len(keep))
	for p := range keep {
		positions = append(positions, p)
	}
	sort.Ints(positions)
	return sorted.Select(positions)
}

// baseline returns the position to subtract from next, or -1.
func (a *Aligner) baseline(t datasetapi.Table, stress, next int) int {
	if a.mode == AlignNearestSweep {
		for i := stress - 1; i >= 0; i-- {
			if t.Rows[i].Text(ColProcedureType) == ProcedureSweep {
				return i
			}
		}
		return -1
	}
	if base := next - 2; base >= 0 {
		return base
	}
	return -1
}

func writeDeltas(after, before datasetapi.Row) {
	for _, col := range CNPColumns() {
		x, okX := after.Float(col.Name)
		y, okY := before.Float(col.Name)
		if okX && okY {
			after[DeltaColumn(col.Name)] = x - y
		}
	}
}

// ForwardFill returns a clone in which each missing cell of col takes the
// nearest preceding present value. Leading missing cells stay missing.
func ForwardFill(t datasetapi.Table, col string) datasetapi.Table {
	out := t.Clone()
	var last any
	seen := false
	for _, row := range out.Rows {
		v, ok := row[col]
		if ok && !datasetapi.Missing(v) {
			last, seen = v, true
			continue
		}
		if seen {
			row[col] = last
		}
	}
	return out
}

// AfterStress runs a default positional Aligner.
func AfterStress(props datasetapi.Table) (datasetapi.Table, error) {
	return NewAligner().Align(props)
}
