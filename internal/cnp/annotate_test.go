package cnp

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nanolab/pkg/datasetapi"
)

type recordingRecorder struct {
	mu          sync.Mutex
	fits        map[string]int
	experiments map[string]int
}

func newRecordingRecorder() *recordingRecorder {
	return &recordingRecorder{fits: map[string]int{}, experiments: map[string]int{}}
}

func (r *recordingRecorder) ObserveFit(d Direction, outcome string) {
	r.mu.Lock()
	r.fits[string(d)+"/"+outcome]++
	r.mu.Unlock()
}

func (r *recordingRecorder) ObserveExperiment(outcome string) {
	r.mu.Lock()
	r.experiments[outcome]++
	r.mu.Unlock()
}

func batchFixture() (map[string]Supplier, datasetapi.Table) {
	good := rampSweep(-10, 10, upCurve, downCurve)
	flat := rampSweep(-10, 10, flatLine, flatLine)
	props := datasetapi.NewTable(propsSchema,
		propsRow(0, ProcedureSweep, "2024-11-29/VVg_1", 1e-6),
		propsRow(10, ProcedureSweep, "2024-11-29/VVg_2", 1e-6),
		propsRow(20, ProcedureSweep, "2024-11-29/VVg_3", 2e-6),
	)
	data := map[string]Supplier{
		"2024-11-29/VVg_1": good,
		"2024-11-29/VVg_2": flat,
		"2024-11-29/VVg_3": good,
	}
	return data, props
}

func TestAnnotate_BatchIsolation(t *testing.T) {
	data, props := batchFixture()
	rec := newRecordingRecorder()
	out, report, err := NewAnnotator(WithRecorder(rec)).Annotate(context.Background(), data, props)
	require.NoError(t, err)
	require.NoError(t, report.Err())
	require.Equal(t, 3, out.Len())

	for _, pos := range []int{0, 2} {
		row := out.Rows[pos]
		current, _ := row.Float(ColDrainSourceCurrent)
		gf, ok := row.Float(GateVoltageColumn(Forward))
		require.True(t, ok)
		assert.InDelta(t, 1.0, gf, 1e-9)
		rf, _ := row.Float(ResistanceColumn(Forward))
		assert.InEpsilon(t, 1.51/current, rf, 1e-9)
		gb, _ := row.Float(GateVoltageColumn(Backward))
		assert.InDelta(t, -1.0, gb, 1e-9)
		rb, _ := row.Float(ResistanceColumn(Backward))
		assert.InEpsilon(t, 1.22/current, rb, 1e-9)
	}
	for _, col := range CNPColumns() {
		_, ok := out.Rows[1].Float(col.Name)
		assert.False(t, ok, "column %s must stay unset for the unfittable sweep", col.Name)
	}
	assert.Equal(t, []string{"2024-11-29/VVg_1", "2024-11-29/VVg_3"}, report.Annotated)
	require.Len(t, report.Failures, 2)
	for _, f := range report.Failures {
		assert.ErrorIs(t, f, ErrDegenerateFit)
	}
	assert.Equal(t, 2, rec.experiments[OutcomeOK])
	assert.Equal(t, 1, rec.experiments[OutcomeDegenerate])
	assert.Equal(t, 1, rec.fits["forward/"+OutcomeDegenerate])
	assert.Equal(t, 2, rec.fits["backward/"+OutcomeOK])
}

func TestAnnotate_DoesNotMutateInput(t *testing.T) {
	data, props := batchFixture()
	before := props.Clone()
	out, _, err := Annotate(context.Background(), data, props)
	require.NoError(t, err)
	assert.Equal(t, before, props)
	for _, col := range CNPColumns() {
		assert.True(t, out.HasColumn(col.Name))
		assert.False(t, props.HasColumn(col.Name))
	}
	assert.True(t, out.HasColumn(ColDataKey))
}

func TestAnnotate_ParallelMatchesSequential(t *testing.T) {
	data, props := batchFixture()
	seq, seqReport, err := NewAnnotator().Annotate(context.Background(), data, props)
	require.NoError(t, err)
	par, parReport, err := NewAnnotator(WithWorkers(4)).Annotate(context.Background(), data, props)
	require.NoError(t, err)
	assert.Equal(t, seq.Schema, par.Schema)
	for i := range seq.Rows {
		for _, col := range CNPColumns() {
			a, okA := seq.Rows[i].Float(col.Name)
			b, okB := par.Rows[i].Float(col.Name)
			assert.Equal(t, okA, okB)
			if okA {
				assert.Equal(t, a, b)
			}
		}
	}
	assert.Equal(t, seqReport.Annotated, parReport.Annotated)
}

func TestAnnotate_KeyNormalization(t *testing.T) {
	props := datasetapi.NewTable(propsSchema, propsRow(0, ProcedureSweep, "2024-11-29/ITt_1", 1e-6))
	data := map[string]Supplier{`2024-11-29\ITt_1`: rampSweep(-5, 5, upCurve, downCurve)}
	out, report, err := Annotate(context.Background(), data, props)
	require.NoError(t, err)
	require.NoError(t, report.Err())
	_, ok := out.Rows[0].Float(GateVoltageColumn(Forward))
	assert.True(t, ok)
	assert.Equal(t, "2024-11-29/ITt_1", out.Rows[0].Text(ColDataKey))

	props = datasetapi.NewTable(propsSchema, propsRow(0, ProcedureSweep, `2024-11-29\ITt_1`, 1e-6))
	data = map[string]Supplier{"2024-11-29/ITt_1": rampSweep(-5, 5, upCurve, downCurve)}
	out, _, err = Annotate(context.Background(), data, props)
	require.NoError(t, err)
	_, ok = out.Rows[0].Float(GateVoltageColumn(Backward))
	assert.True(t, ok)
}

func TestAnnotate_SkipsNonSweepExperiments(t *testing.T) {
	stress := &countingSupplier{sweep: rampSweep(-5, 5, upCurve, downCurve)}
	sweep := &countingSupplier{sweep: rampSweep(-5, 5, upCurve, downCurve)}
	props := datasetapi.NewTable(propsSchema,
		propsRow(0, ProcedureSweep, "d/VVg_1", 1e-6),
		propsRow(1, ProcedureStress, "d/Stress_1", 1e-6),
	)
	out, report, err := Annotate(context.Background(), map[string]Supplier{"d/VVg_1": sweep, "d/Stress_1": stress}, props)
	require.NoError(t, err)
	assert.Equal(t, int32(0), stress.calls.Load())
	assert.Equal(t, int32(1), sweep.calls.Load())
	assert.Equal(t, []string{"d/Stress_1"}, report.Skipped)
	_, ok := out.Rows[1].Float(GateVoltageColumn(Forward))
	assert.False(t, ok)
}

func TestAnnotate_MissingRowIsSurfacedButNotFatal(t *testing.T) {
	props := datasetapi.NewTable(propsSchema, propsRow(0, ProcedureSweep, "d/VVg_1", 1e-6))
	data := map[string]Supplier{
		"d/VVg_1":  rampSweep(-5, 5, upCurve, downCurve),
		"d/orphan": rampSweep(-5, 5, upCurve, downCurve),
	}
	out, report, err := Annotate(context.Background(), data, props)
	require.NoError(t, err)
	require.Len(t, report.Missing, 1)
	assert.Equal(t, "d/orphan", report.Missing[0].Key)
	require.ErrorIs(t, report.Err(), ErrMissingPropertyRow)
	_, ok := out.Rows[0].Float(GateVoltageColumn(Forward))
	assert.True(t, ok)
}

func TestAnnotate_LoadFailureIsContained(t *testing.T) {
	props := datasetapi.NewTable(propsSchema,
		propsRow(0, ProcedureSweep, "d/a", 1e-6),
		propsRow(1, ProcedureSweep, "d/b", 1e-6),
		propsRow(2, ProcedureSweep, "d/c", 1e-6),
	)
	data := map[string]Supplier{
		"d/a": &countingSupplier{err: errBoom},
		"d/b": SupplierFunc(func(context.Context) (datasetapi.Sweep, error) {
			return rampSweep(-5, 5, upCurve, downCurve), nil
		}),
		"d/c": nil,
	}
	out, report, err := Annotate(context.Background(), data, props)
	require.NoError(t, err)
	require.Len(t, report.Failures, 2)
	assert.ErrorIs(t, report.Failures[0], errBoom)
	var le LoadError
	require.ErrorAs(t, report.Failures[1], &le)
	assert.Equal(t, "d/c", le.Key)
	_, ok := out.Rows[1].Float(GateVoltageColumn(Forward))
	assert.True(t, ok)
}

func TestAnnotate_ZeroCurrentPropagatesNonFinite(t *testing.T) {
	props := datasetapi.NewTable(propsSchema,
		propsRow(0, ProcedureSweep, "d/zero", 0),
		datasetapi.Row{ColStartTime: epoch, ColProcedureType: ProcedureSweep, ColDataKey: "d/none"},
	)
	sweep := rampSweep(-5, 5, upCurve, downCurve)
	out, report, err := Annotate(context.Background(), map[string]Supplier{"d/zero": sweep, "d/none": sweep}, props)
	require.NoError(t, err)

	gate, ok := out.Rows[0].Float(GateVoltageColumn(Forward))
	require.True(t, ok)
	assert.InDelta(t, 1.0, gate, 1e-9)
	r := out.Rows[0][ResistanceColumn(Forward)].(float64)
	assert.True(t, math.IsInf(r, 1))

	r = out.Rows[1][ResistanceColumn(Forward)].(float64)
	assert.True(t, math.IsNaN(r))
	assert.Len(t, report.NonFinite, 4)
	assert.Empty(t, report.Failures)
}

func TestAnnotate_OneDirectionFailing(t *testing.T) {
	// Rising half is a parabola, falling half is a straight line.
	sweep := rampSweep(-6, 6, upCurve, flatLine)
	props := datasetapi.NewTable(propsSchema, propsRow(0, ProcedureSweep, "d/half", 1e-3))
	out, report, err := Annotate(context.Background(), map[string]Supplier{"d/half": sweep}, props)
	require.NoError(t, err)
	_, ok := out.Rows[0].Float(GateVoltageColumn(Forward))
	assert.True(t, ok)
	_, ok = out.Rows[0].Float(ResistanceColumn(Forward))
	assert.True(t, ok)
	_, ok = out.Rows[0].Float(GateVoltageColumn(Backward))
	assert.False(t, ok)
	_, ok = out.Rows[0].Float(ResistanceColumn(Backward))
	assert.False(t, ok)
	require.Len(t, report.Failures, 1)
	var fe FitError
	require.ErrorAs(t, report.Failures[0], &fe)
	assert.Equal(t, Backward, fe.Direction)
}

func TestAnnotate_HardFailures(t *testing.T) {
	_, _, err := Annotate(context.Background(), nil, datasetapi.Table{})
	require.ErrorIs(t, err, ErrEmptyTable)

	noCurrent := datasetapi.NewTable([]datasetapi.Column{{Name: ColDataKey}, {Name: ColProcedureType}},
		datasetapi.Row{ColDataKey: "k", ColProcedureType: ProcedureSweep})
	_, _, err = Annotate(context.Background(), nil, noCurrent)
	require.ErrorIs(t, err, ErrMissingColumn)

	dup := datasetapi.NewTable(propsSchema,
		propsRow(0, ProcedureSweep, `a\b`, 1),
		propsRow(1, ProcedureSweep, "a/b", 1),
	)
	_, _, err = Annotate(context.Background(), nil, dup)
	require.ErrorIs(t, err, ErrDuplicateKey)
}

func TestAnnotate_DuplicateSuppliedKeysFitOnce(t *testing.T) {
	first := &countingSupplier{sweep: rampSweep(-5, 5, upCurve, downCurve)}
	second := &countingSupplier{sweep: rampSweep(-5, 5, upCurve, downCurve)}
	props := datasetapi.NewTable(propsSchema, propsRow(0, ProcedureSweep, "d/k", 1))
	_, report, err := Annotate(context.Background(), map[string]Supplier{"d/k": first, `d\k`: second}, props)
	require.NoError(t, err)
	assert.Equal(t, int32(1), first.calls.Load()+second.calls.Load())
	assert.Len(t, report.Duplicates, 1)
}

func TestAnnotate_CancelledContext(t *testing.T) {
	data, props := batchFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := Annotate(ctx, data, props)
	require.ErrorIs(t, err, context.Canceled)
}

func TestMemoize_LoadsOnce(t *testing.T) {
	inner := &countingSupplier{sweep: datasetapi.Sweep{{Vg: 1, VDS: 2}}}
	s := Memoize(inner)
	for i := 0; i < 3; i++ {
		got, err := s.Produce(context.Background())
		require.NoError(t, err)
		assert.Len(t, got, 1)
	}
	assert.Equal(t, int32(1), inner.calls.Load())
}
