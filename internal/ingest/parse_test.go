package ingest

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nanolab/internal/cnp"
	"nanolab/pkg/datasetapi"
)

func TestDataKey(t *testing.T) {
	assert.Equal(t, "2024-11-29/ITt2024-11-29_1", DataKey("/data/01_raw/project/2024-11-29/ITt2024-11-29_1.csv"))
	assert.Equal(t, "day1/VVg_1", DataKey(`C:\raw\day1\VVg_1.csv`))
	assert.Equal(t, "VVg_1", DataKey("VVg_1.csv"))
}

func TestParse_Sweep(t *testing.T) {
	exp, err := Parse("CHIP1A/day1/VVg_1.csv", strings.NewReader(vvgFile(1731364225, 2e-6)), testCatalogue(t))
	require.NoError(t, err)

	assert.Equal(t, "day1/VVg_1", exp.Key)
	assert.Equal(t, cnp.ProcedureSweep, exp.Procedure)
	assert.Equal(t, "day1/VVg_1", exp.Props[cnp.ColDataKey])
	assert.Equal(t, cnp.ProcedureSweep, exp.Props[cnp.ColProcedureType])
	assert.Equal(t, int64(7), exp.Props["Chip number"])
	assert.Equal(t, 2e-6, exp.Props[cnp.ColDrainSourceCurrent])
	assert.Equal(t, "A", exp.Units[cnp.ColDrainSourceCurrent])
	assert.Equal(t, "None", exp.Props["Information"])
	assert.Equal(t, time.Unix(1731364225, 0).UTC(), exp.Props[cnp.ColStartTime])

	require.Equal(t, 3, exp.Data.Len())
	col, ok := exp.Data.Column(ColGateVoltage)
	require.True(t, ok)
	assert.Equal(t, "V", col.Unit)
	assert.Equal(t, datasetapi.TypeFloat, col.Type)

	sweep, err := exp.Sweep()
	require.NoError(t, err)
	assert.Equal(t, datasetapi.Sweep{{Vg: -1, VDS: 2}, {Vg: 0, VDS: 1}, {Vg: 1, VDS: 2}}, sweep)
}

func TestParse_CRLFAndBadCells(t *testing.T) {
	body := strings.ReplaceAll(vvgFile(10, 1e-6), "\n", "\r\n")
	body = strings.Replace(body, "1,0,1", "1,,1", 1)
	exp, err := Parse("s/d/VVg.csv", strings.NewReader(body), testCatalogue(t))
	require.NoError(t, err)
	v, ok := exp.Data.Rows[1].Float(ColGateVoltage)
	assert.False(t, ok)
	assert.True(t, math.IsNaN(v))
}

func TestParse_InformationWithValue(t *testing.T) {
	body := rawFile("ITt", 5, map[string]string{"Information": "after anneal", "VG": "-2 V"},
		[]string{"Time (s)", "VDS (V)"}, []float64{0, 1})
	exp, err := Parse("s/d/ITt_1.csv", strings.NewReader(body), testCatalogue(t))
	require.NoError(t, err)
	assert.Equal(t, "after anneal", exp.Props["Information"])
	assert.Equal(t, -2.0, exp.Props["VG"])

	_, err = exp.Sweep()
	var mc cnp.MissingColumnError
	assert.ErrorAs(t, err, &mc)
}

func TestParse_Errors(t *testing.T) {
	c := testCatalogue(t)

	_, err := Parse("s/d/x.csv", strings.NewReader(rawFile("IVg", 1, nil, []string{"a"})), c)
	assert.ErrorIs(t, err, ErrUnknownProcedure)

	_, err = Parse("s/d/x.csv", strings.NewReader("no procedure here\n"), c)
	assert.ErrorIs(t, err, ErrUnknownProcedure)

	body := rawFile("VVg", 1, map[string]string{"Colour": "red"}, []string{"Vg (V)"})
	_, err = Parse("s/d/x.csv", strings.NewReader(body), c)
	require.ErrorIs(t, err, ErrUnknownKey)
	var pe ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "d/x", pe.Key)

	body = rawFile("VVg", 1, map[string]string{"Chip number": "seven"}, []string{"Vg (V)"})
	_, err = Parse("s/d/x.csv", strings.NewReader(body), c)
	assert.Error(t, err)

	headerOnly := "#Procedure: <a.VVg>\n#\tStart time: 1\n"
	_, err = Parse("s/d/x.csv", strings.NewReader(headerOnly), c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing column header")
}
