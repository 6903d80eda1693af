// Package datasetapi defines the tabular contracts exchanged between the
// ingestion layer, the CNP core and downstream reporting.
package datasetapi

import (
	"context"
	"math"
	"time"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// Column type names used in Schema.
const (
	TypeString = "string"
	TypeFloat  = "float"
	TypeInt    = "int"
	TypeBool   = "bool"
	TypeTime   = "timestamp"
)

type Column struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Unit        string `json:"unit,omitempty"`
	Description string `json:"description,omitempty"`
}

// Row is a single record keyed by column name. A cell is missing when the key
// is absent, the value is nil, or the value is a NaN float64.
type Row map[string]any

// Table is an ordered schema plus rows. Tables are treated as values: the
// helpers in this package return new tables and leave their receivers intact.
type Table struct {
	Schema []Column `json:"schema"`
	Rows   []Row    `json:"rows"`
}

// SweepPoint is one acquisition sample of a gate-voltage sweep.
type SweepPoint struct {
	Vg  float64 `json:"vg"`
	VDS float64 `json:"vds"`
}

// Sweep is an ordered series of samples; slice order is acquisition order.
type Sweep []SweepPoint

// Produce returns the sweep itself, so an already materialised sweep can be
// used anywhere a lazily loaded one is accepted.
func (s Sweep) Produce(context.Context) (Sweep, error) { return s, nil }

// Valid reports whether both coordinates are finite.
func (p SweepPoint) Valid() bool {
	return !math.IsNaN(p.Vg) && !math.IsInf(p.Vg, 0) && !math.IsNaN(p.VDS) && !math.IsInf(p.VDS, 0)
}

// Missing reports whether v represents an absent cell.
func Missing(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case float64:
		return math.IsNaN(x)
	case float32:
		return math.IsNaN(float64(x))
	case *time.Time:
		return x == nil
	}
	return false
}
