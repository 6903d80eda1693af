package cnp

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"nanolab/pkg/datasetapi"
)

// rampSweep builds an up-then-down sweep over [lo, hi] with unit steps. VDS
// follows up on the rising half and down on the falling half.
func rampSweep(lo, hi int, up, down Quadratic) datasetapi.Sweep {
	var s datasetapi.Sweep
	for v := lo; v <= hi; v++ {
		x := float64(v)
		s = append(s, datasetapi.SweepPoint{Vg: x, VDS: up.Eval(x)})
	}
	for v := hi - 1; v >= lo; v-- {
		x := float64(v)
		s = append(s, datasetapi.SweepPoint{Vg: x, VDS: down.Eval(x)})
	}
	return s
}

var (
	upCurve   = Quadratic{A: -0.01, B: 0.02, C: 1.5}  // vertex at 1
	downCurve = Quadratic{A: -0.02, B: -0.04, C: 1.2} // vertex at -1
	flatLine  = Quadratic{A: 0, B: 0.1, C: 2}
)

type countingSupplier struct {
	sweep datasetapi.Sweep
	err   error
	calls atomic.Int32
}

func (c *countingSupplier) Produce(context.Context) (datasetapi.Sweep, error) {
	c.calls.Add(1)
	return c.sweep, c.err
}

var errBoom = errors.New("boom")

var propsSchema = []datasetapi.Column{
	{Name: ColStartTime, Type: datasetapi.TypeTime},
	{Name: ColProcedureType, Type: datasetapi.TypeString},
	{Name: ColDataKey, Type: datasetapi.TypeString},
	{Name: ColDrainSourceCurrent, Type: datasetapi.TypeFloat},
	{Name: ColStressGateVoltage, Type: datasetapi.TypeFloat},
}

var epoch = time.Date(2024, 11, 29, 9, 0, 0, 0, time.UTC)

func propsRow(minute int, procedure, key string, current float64) datasetapi.Row {
	return datasetapi.Row{
		ColStartTime:          epoch.Add(time.Duration(minute) * time.Minute),
		ColProcedureType:      procedure,
		ColDataKey:            key,
		ColDrainSourceCurrent: current,
	}
}
