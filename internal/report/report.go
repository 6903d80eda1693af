// Package report derives cross-sample summaries from the annotated and
// after-stress properties tables.
package report

import (
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"nanolab/internal/cnp"
	"nanolab/pkg/datasetapi"
)

// OutlierThreshold bounds |delta CNP forward gate voltage| in volts; rows
// beyond it are excluded from shift statistics.
const OutlierThreshold = 40.0

// SizeGroup is a pair of sample letters fabricated at the same device size.
type SizeGroup struct {
	Name    string
	Letters []string
}

// SizeGroups lists device sizes from smallest to largest.
var SizeGroups = []SizeGroup{
	{Name: "Size 1 (A,B)", Letters: []string{"A", "B"}},
	{Name: "Size 2 (C,D)", Letters: []string{"C", "D"}},
	{Name: "Size 3 (E,F)", Letters: []string{"E", "F"}},
	{Name: "Size 4 (G,H)", Letters: []string{"G", "H"}},
	{Name: "Size 5 (I,J)", Letters: []string{"I", "J"}},
}

// Sample pairs a sample name such as "CHIP1A" with one of its tables.
type Sample struct {
	Name  string
	Table datasetapi.Table
}

// SplitSample splits "CHIP1A" into chip "CHIP1" and letter "A".
func SplitSample(name string) (chip, letter string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ""
	}
	return name[:len(name)-1], name[len(name)-1:]
}

// AfterAnnealing returns the rows immediately preceding each Stress row of
// the time-sorted table, with VG forward-filled. These are the baseline
// sweeps taken after annealing.
func AfterAnnealing(props datasetapi.Table) (datasetapi.Table, error) {
	if props.Len() == 0 {
		return datasetapi.Table{Schema: props.Schema}, nil
	}
	for _, col := range []string{cnp.ColStartTime, cnp.ColProcedureType} {
		if !props.HasColumn(col) {
			return datasetapi.Table{}, cnp.MissingColumnError{Stage: "after_annealing", Column: col}
		}
	}
	if err := cnp.RequireTimestamps(props, "after_annealing", cnp.ColStartTime); err != nil {
		return datasetapi.Table{}, err
	}
	sorted := props.SortStableBy(datasetapi.TimeLess(cnp.ColStartTime))
	if sorted.HasColumn(cnp.ColStressGateVoltage) {
		sorted = cnp.ForwardFill(sorted, cnp.ColStressGateVoltage)
	}
	var positions []int
	for i, row := range sorted.Rows {
		if row.Text(cnp.ColProcedureType) == cnp.ProcedureStress && i > 0 {
			positions = append(positions, i-1)
		}
	}
	return sorted.Select(positions)
}

// Deviation summarises the forward CNP gate voltage of one sample's
// after-annealing sweeps.
type Deviation struct {
	Sample string
	Chip   string
	Count  int
	Mean   float64
	Min    float64
	Max    float64
	// Below and Above are the distances from Mean to Min and Max.
	Below float64
	Above float64
}

// DeviationSummary computes a Deviation per sample from CNP-annotated
// tables. Samples without any usable value are left out.
func DeviationSummary(samples []Sample) ([]Deviation, error) {
	var out []Deviation
	for _, s := range samples {
		baseline, err := AfterAnnealing(s.Table)
		if err != nil {
			return nil, err
		}
		values := column(baseline, cnp.GateVoltageColumn(cnp.Forward), nil)
		if len(values) == 0 {
			continue
		}
		mean := stat.Mean(values, nil)
		lo, hi := floats.Min(values), floats.Max(values)
		chip, _ := SplitSample(s.Name)
		out = append(out, Deviation{
			Sample: s.Name,
			Chip:   chip,
			Count:  len(values),
			Mean:   mean,
			Min:    lo,
			Max:    hi,
			Below:  mean - lo,
			Above:  hi - mean,
		})
	}
	return out, nil
}

// ShiftSeries is the mean forward CNP shift per stress gate voltage for one
// size group. Mean[i] is NaN when the group has no data at VG[i].
type ShiftSeries struct {
	Group string
	VG    []float64
	Mean  []float64
}

// MeanShiftByStressVoltage groups after-stress tables by device size and
// averages the forward CNP shift per distinct stress VG. Groups with no
// samples are omitted.
func MeanShiftByStressVoltage(samples []Sample) []ShiftSeries {
	filtered := make(map[string][]datasetapi.Table, len(samples))
	var all []datasetapi.Table
	for _, s := range samples {
		t := withinThreshold(s.Table)
		_, letter := SplitSample(s.Name)
		filtered[letter] = append(filtered[letter], t)
		all = append(all, t)
	}
	vgs := distinctVG(all)

	var out []ShiftSeries
	for _, g := range SizeGroups {
		var tables []datasetapi.Table
		for _, letter := range g.Letters {
			tables = append(tables, filtered[letter]...)
		}
		if len(tables) == 0 {
			continue
		}
		series := ShiftSeries{Group: g.Name, VG: vgs, Mean: make([]float64, len(vgs))}
		for i, vg := range vgs {
			var values []float64
			for _, t := range tables {
				values = append(values, shiftsAt(t, vg)...)
			}
			series.Mean[i] = meanOrNaN(values)
		}
		out = append(out, series)
	}
	return out
}

// Matrix holds mean forward CNP shifts for one chip: Cells[i][j] is the
// mean at VG[i] for Samples[j], or NaN.
type Matrix struct {
	Chip    string
	VG      []float64
	Samples []string
	Cells   [][]float64
}

// ShiftMatrix lays out the mean forward CNP shift of each sample of a chip
// against every stress VG seen on that chip.
func ShiftMatrix(chip string, samples []Sample) Matrix {
	raw := make([]datasetapi.Table, len(samples))
	for i, s := range samples {
		raw[i] = s.Table
	}
	m := Matrix{Chip: chip, VG: distinctVG(raw), Samples: make([]string, len(samples))}
	m.Cells = make([][]float64, len(m.VG))
	for i := range m.Cells {
		m.Cells[i] = make([]float64, len(samples))
	}
	for j, s := range samples {
		_, letter := SplitSample(s.Name)
		m.Samples[j] = letter
		kept := withinThreshold(s.Table)
		for i, vg := range m.VG {
			m.Cells[i][j] = meanOrNaN(shiftsAt(kept, vg))
		}
	}
	return m
}

var forwardShift = cnp.DeltaColumn(cnp.GateVoltageColumn(cnp.Forward))

// withinThreshold drops rows whose forward shift is missing or beyond OutlierThreshold.
func withinThreshold(t datasetapi.Table) datasetapi.Table {
	return t.Filter(func(r datasetapi.Row) bool {
		d, ok := r.Float(forwardShift)
		return ok && math.Abs(d) <= OutlierThreshold
	})
}

func shiftsAt(t datasetapi.Table, vg float64) []float64 {
	return column(t, forwardShift, func(r datasetapi.Row) bool {
		v, ok := r.Float(cnp.ColStressGateVoltage)
		return ok && v == vg
	})
}

// column collects the present values of col from rows accepted by keep.
func column(t datasetapi.Table, col string, keep func(datasetapi.Row) bool) []float64 {
	var out []float64
	for _, r := range t.Rows {
		if keep != nil && !keep(r) {
			continue
		}
		if v, ok := r.Float(col); ok {
			out = append(out, v)
		}
	}
	return out
}

func distinctVG(tables []datasetapi.Table) []float64 {
	seen := make(map[float64]struct{})
	for _, t := range tables {
		for _, v := range column(t, cnp.ColStressGateVoltage, nil) {
			seen[v] = struct{}{}
		}
	}
	out := make([]float64, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Float64s(out)
	return out
}

func meanOrNaN(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return stat.Mean(values, nil)
}
