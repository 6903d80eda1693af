package report

import (
	"context"
	"errors"
	"fmt"

	"nanolab/internal/cnp"
	"nanolab/pkg/datasetapi"
)

// ErrTooFewSweeps is returned when a sample has fewer than two after-annealing sweeps.
var ErrTooFewSweeps = errors.New("report: fewer than two after-annealing sweeps")

// ResistanceCurve is the forward-segment resistance of one sweep: Resistance[i]
// is VDS / Drain-Source current at Vg[i], in ohms.
type ResistanceCurve struct {
	Key        string
	Current    float64
	Vg         []float64
	Resistance []float64
}

// FirstLast compares the first and last after-annealing sweeps of a sample.
type FirstLast struct {
	First ResistanceCurve
	Last  ResistanceCurve
}

// FirstLastForwardResistance loads the first and last after-annealing VVg
// sweeps of props from data and returns their forward resistance curves.
func FirstLastForwardResistance(ctx context.Context, props datasetapi.Table, data map[string]cnp.Supplier) (FirstLast, error) {
	baseline, err := AfterAnnealing(props)
	if err != nil {
		return FirstLast{}, err
	}
	sweeps := baseline.Filter(func(r datasetapi.Row) bool {
		return r.Text(cnp.ColProcedureType) == cnp.ProcedureSweep
	})
	if sweeps.Len() < 2 {
		return FirstLast{}, fmt.Errorf("%w: found %d", ErrTooFewSweeps, sweeps.Len())
	}
	suppliers := make(map[string]cnp.Supplier, len(data))
	for k, s := range data {
		suppliers[cnp.NormalizeKey(k)] = s
	}

	first, err := forwardResistance(ctx, sweeps.Rows[0], suppliers)
	if err != nil {
		return FirstLast{}, err
	}
	last, err := forwardResistance(ctx, sweeps.Rows[sweeps.Len()-1], suppliers)
	if err != nil {
		return FirstLast{}, err
	}
	return FirstLast{First: first, Last: last}, nil
}

func forwardResistance(ctx context.Context, row datasetapi.Row, suppliers map[string]cnp.Supplier) (ResistanceCurve, error) {
	key := cnp.NormalizeKey(row.Text(cnp.ColDataKey))
	curve := ResistanceCurve{Key: key}
	current, ok := row.Float(cnp.ColDrainSourceCurrent)
	if !ok {
		return curve, cnp.MissingColumnError{Stage: "first_last", Column: cnp.ColDrainSourceCurrent}
	}
	curve.Current = current
	supplier, ok := suppliers[key]
	if !ok || supplier == nil {
		return curve, cnp.LoadError{Key: key, Err: errors.New("no sweep supplied")}
	}
	sweep, err := supplier.Produce(ctx)
	if err != nil {
		return curve, cnp.LoadError{Key: key, Err: err}
	}
	for _, p := range cnp.ForwardSegment(sweep) {
		curve.Vg = append(curve.Vg, p.Vg)
		curve.Resistance = append(curve.Resistance, p.VDS/current)
	}
	return curve, nil
}
