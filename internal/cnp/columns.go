package cnp

import "nanolab/pkg/datasetapi"

// Properties table columns read or written by the core.
const (
	ColStartTime          = "Start time"
	ColProcedureType      = "Procedure type"
	ColDataKey            = "data_key"
	ColDrainSourceCurrent = "Drain-Source current"
	ColStressGateVoltage  = "VG"
)

// Procedure type values.
const (
	ProcedureSweep  = "VVg"
	ProcedureStress = "Stress"
)

// Direction names one half of a gate-voltage sweep.
type Direction string

const (
	Forward  Direction = "forward"
	Backward Direction = "backward"
)

// Directions lists both sweep halves in the order they are processed.
var Directions = []Direction{Forward, Backward}

// GateVoltageColumn is the CNP gate voltage column for d.
func GateVoltageColumn(d Direction) string { return "CNP_gate_voltage_" + string(d) }

// ResistanceColumn is the CNP drain resistance column for d.
func ResistanceColumn(d Direction) string { return "CNP_drain_resistance_" + string(d) }

// DeltaColumn is the before/after-stress delta column derived from col.
func DeltaColumn(col string) string { return "delta_" + col }

// CNPColumns returns the four columns written by the annotator.
func CNPColumns() []datasetapi.Column {
	cols := make([]datasetapi.Column, 0, 4)
	for _, d := range Directions {
		cols = append(cols,
			datasetapi.Column{Name: GateVoltageColumn(d), Type: datasetapi.TypeFloat, Unit: "V"},
			datasetapi.Column{Name: ResistanceColumn(d), Type: datasetapi.TypeFloat, Unit: "Ohm"},
		)
	}
	return cols
}

// DeltaColumns returns the four columns written by the aligner.
func DeltaColumns() []datasetapi.Column {
	base := CNPColumns()
	out := make([]datasetapi.Column, len(base))
	for i, c := range base {
		out[i] = datasetapi.Column{Name: DeltaColumn(c.Name), Type: c.Type, Unit: c.Unit}
	}
	return out
}

func requireColumns(t datasetapi.Table, stage string, names ...string) error {
	for _, n := range names {
		if !t.HasColumn(n) {
			return MissingColumnError{Stage: stage, Column: n}
		}
	}
	return nil
}

// RequireTimestamps fails when a present cell of col is not a readable
// timestamp. Sorting on such a column would silently keep input order.
func RequireTimestamps(t datasetapi.Table, stage, col string) error {
	if pos, ok := t.Readable(col); !ok {
		return InvalidColumnError{Stage: stage, Column: col, Position: pos, Value: t.Rows[pos][col]}
	}
	return nil
}
