package cnp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nanolab/pkg/datasetapi"
)

func TestExtract_RecoversVertexOfExactParabola(t *testing.T) {
	cases := []Quadratic{
		{A: -0.01, B: 0.02, C: 1.5},
		{A: 2, B: -3, C: 0.5},
		{A: -1e-3, B: 5e-3, C: 10},
	}
	for _, q := range cases {
		var seg datasetapi.Sweep
		for v := -10; v <= 10; v++ {
			seg = append(seg, datasetapi.SweepPoint{Vg: float64(v), VDS: q.Eval(float64(v))})
		}
		point, err := Extract(seg)
		require.NoError(t, err)
		wantGate := -q.B / (2 * q.A)
		wantDrain := q.C - q.B*q.B/(4*q.A)
		assert.InEpsilon(t, wantGate, point.GateVoltage, 1e-9)
		assert.InEpsilon(t, wantDrain, point.DrainVoltage, 1e-9)
		assert.Equal(t, FitPoints, point.Samples)
	}
}

func TestExtract_UsesOnlyHighestVDS(t *testing.T) {
	seg := datasetapi.Sweep{}
	for v := -4; v <= 3; v++ {
		x := float64(v)
		seg = append(seg, datasetapi.SweepPoint{Vg: x, VDS: upCurve.Eval(x)})
	}
	// Far outliers with low VDS must not influence the fit.
	seg = append(seg, datasetapi.SweepPoint{Vg: 40, VDS: -100}, datasetapi.SweepPoint{Vg: -40, VDS: -50})

	point, err := Extract(seg)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, point.GateVoltage, 1e-9)
	assert.InDelta(t, 1.51, point.DrainVoltage, 1e-9)
}

func TestExtract_InsufficientDataBoundary(t *testing.T) {
	_, err := Extract(datasetapi.Sweep{{Vg: 0, VDS: 1}, {Vg: 1, VDS: 2}})
	require.ErrorIs(t, err, ErrInsufficientData)
	var ide InsufficientDataError
	require.ErrorAs(t, err, &ide)
	assert.Equal(t, 2, ide.Rows)
	assert.Equal(t, MinFitPoints, ide.Required)

	q := Quadratic{A: 1, B: -2, C: 3}
	three := datasetapi.Sweep{{Vg: -1, VDS: q.Eval(-1)}, {Vg: 0, VDS: q.Eval(0)}, {Vg: 2, VDS: q.Eval(2)}}
	point, err := Extract(three)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, point.GateVoltage, 1e-9)
	assert.InDelta(t, 2.0, point.DrainVoltage, 1e-9)
}

func TestExtract_DegenerateFits(t *testing.T) {
	var line datasetapi.Sweep
	for v := 0; v < 10; v++ {
		line = append(line, datasetapi.SweepPoint{Vg: float64(v), VDS: flatLine.Eval(float64(v))})
	}
	_, err := Extract(line)
	require.ErrorIs(t, err, ErrDegenerateFit)

	// Three samples with only two distinct gate voltages cannot pin a parabola.
	_, err = Extract(datasetapi.Sweep{{Vg: 1, VDS: 3}, {Vg: 1, VDS: 2}, {Vg: 2, VDS: 1}})
	require.ErrorIs(t, err, ErrDegenerateFit)

	_, err = Extract(datasetapi.Sweep{{Vg: -1}, {Vg: 0}, {Vg: 1}})
	require.ErrorIs(t, err, ErrDegenerateFit)
}

func TestExtract_IgnoresNonFiniteSamples(t *testing.T) {
	q := Quadratic{A: -1, B: 0, C: 4}
	seg := datasetapi.Sweep{
		{Vg: math.NaN(), VDS: 100},
		{Vg: 0, VDS: math.Inf(1)},
		{Vg: -1, VDS: q.Eval(-1)},
		{Vg: 0.5, VDS: q.Eval(0.5)},
		{Vg: 2, VDS: q.Eval(2)},
	}
	point, err := Extract(seg)
	require.NoError(t, err)
	assert.InDelta(t, 0, point.GateVoltage, 1e-9)
	assert.InDelta(t, 4, point.DrainVoltage, 1e-9)

	_, err = Extract(seg[:3])
	require.ErrorIs(t, err, ErrInsufficientData)
}

func TestQuadratic_EvalAndVertex(t *testing.T) {
	q := Quadratic{A: 2, B: -8, C: 1}
	assert.Equal(t, 2.0, q.Vertex())
	assert.Equal(t, -7.0, q.Eval(2))
}
