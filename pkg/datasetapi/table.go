package datasetapi

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// NewTable constructs a table from a schema and rows. Rows are cloned.
func NewTable(schema []Column, rows ...Row) Table {
	t := Table{Schema: cloneColumns(schema), Rows: make([]Row, 0, len(rows))}
	for _, r := range rows {
		t.Rows = append(t.Rows, r.Clone())
	}
	return t
}

// Len returns the number of rows.
func (t Table) Len() int { return len(t.Rows) }

// Column looks up a column definition by name.
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Schema {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// HasColumn reports whether the schema declares name.
func (t Table) HasColumn(name string) bool {
	_, ok := t.Column(name)
	return ok
}

// ColumnNames returns schema column names in order.
func (t Table) ColumnNames() []string {
	out := make([]string, len(t.Schema))
	for i, c := range t.Schema {
		out[i] = c.Name
	}
	return out
}

// Clone returns a copy whose rows can be modified independently.
func (t Table) Clone() Table {
	return NewTable(t.Schema, t.Rows...)
}

// WithColumns returns a clone with any of cols not yet declared appended to the schema.
func (t Table) WithColumns(cols ...Column) Table {
	out := t.Clone()
	for _, c := range cols {
		if !out.HasColumn(c.Name) {
			out.Schema = append(out.Schema, c)
		}
	}
	return out
}

// SortStableBy returns a clone sorted with less; equal rows keep their order.
func (t Table) SortStableBy(less func(a, b Row) bool) Table {
	out := t.Clone()
	sort.SliceStable(out.Rows, func(i, j int) bool { return less(out.Rows[i], out.Rows[j]) })
	return out
}

// Select returns a clone holding the rows at the given positions, in the given order.
func (t Table) Select(positions []int) (Table, error) {
	out := Table{Schema: cloneColumns(t.Schema), Rows: make([]Row, 0, len(positions))}
	for _, p := range positions {
		if p < 0 || p >= len(t.Rows) {
			return Table{}, fmt.Errorf("datasetapi: row position %d out of range [0,%d)", p, len(t.Rows))
		}
		out.Rows = append(out.Rows, t.Rows[p].Clone())
	}
	return out, nil
}

// Filter returns a clone holding the rows for which keep returns true.
func (t Table) Filter(keep func(Row) bool) Table {
	out := Table{Schema: cloneColumns(t.Schema)}
	for _, r := range t.Rows {
		if keep(r) {
			out.Rows = append(out.Rows, r.Clone())
		}
	}
	return out
}

// Clone returns a shallow copy of the row map.
func (r Row) Clone() Row {
	if r == nil {
		return Row{}
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Float reads a numeric cell. Missing or non-numeric cells yield (NaN, false).
func (r Row) Float(col string) (float64, bool) {
	v, ok := r[col]
	if !ok || Missing(v) {
		return math.NaN(), false
	}
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return math.NaN(), false
		}
		return f, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return math.NaN(), false
		}
		return f, true
	}
	return math.NaN(), false
}

// Text reads a cell as a string; missing cells yield "".
func (r Row) Text(col string) string {
	v, ok := r[col]
	if !ok || Missing(v) {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// TimeLayouts are the string forms Time accepts, tried in order.
var TimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// Time reads a timestamp cell. Strings in any of TimeLayouts and numbers
// holding unix seconds are accepted, so rows decoded without a schema still
// sort correctly.
func (r Row) Time(col string) (time.Time, bool) {
	v, ok := r[col]
	if !ok || Missing(v) {
		return time.Time{}, false
	}
	switch x := v.(type) {
	case time.Time:
		return x, !x.IsZero()
	case *time.Time:
		return *x, !x.IsZero()
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range TimeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return unixSeconds(f)
		}
		return time.Time{}, false
	}
	if f, ok := r.Float(col); ok {
		return unixSeconds(f)
	}
	return time.Time{}, false
}

func unixSeconds(f float64) (time.Time, bool) {
	if math.IsInf(f, 0) {
		return time.Time{}, false
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
}

// Readable reports whether every present cell of col is a timestamp Time
// can read. It returns the position of the first unreadable cell otherwise.
func (t Table) Readable(col string) (int, bool) {
	for i, r := range t.Rows {
		if v, ok := r[col]; !ok || Missing(v) {
			continue
		}
		if _, ok := r.Time(col); !ok {
			return i, false
		}
	}
	return -1, true
}

// TimeLess orders rows by a timestamp column with missing values last.
func TimeLess(col string) func(a, b Row) bool {
	return func(a, b Row) bool {
		ta, okA := a.Time(col)
		tb, okB := b.Time(col)
		switch {
		case okA && okB:
			return ta.Before(tb)
		case okA:
			return true
		default:
			return false
		}
	}
}

type tableJSON struct {
	Schema []Column         `json:"schema"`
	Rows   []map[string]any `json:"rows"`
}

// JSON text for the float infinities.
const (
	posInf = "+Inf"
	negInf = "-Inf"
)

// MarshalJSON encodes cells as JSON, mapping NaN to null and infinities to
// "+Inf" or "-Inf".
func (t Table) MarshalJSON() ([]byte, error) {
	payload := tableJSON{Schema: t.Schema, Rows: make([]map[string]any, len(t.Rows))}
	for i, r := range t.Rows {
		out := make(map[string]any, len(r))
		for k, v := range r {
			f, ok := v.(float64)
			switch {
			case ok && math.IsNaN(f):
				out[k] = nil
			case ok && math.IsInf(f, 1):
				out[k] = posInf
			case ok && math.IsInf(f, -1):
				out[k] = negInf
			default:
				out[k] = v
			}
		}
		payload.Rows[i] = out
	}
	return json.Marshal(payload)
}

// UnmarshalJSON restores typed cells from the schema: timestamps become
// time.Time, ints become int64, null floats become NaN and "+Inf"/"-Inf"
// become the matching infinity.
func (t *Table) UnmarshalJSON(data []byte) error {
	var payload tableJSON
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	types := make(map[string]string, len(payload.Schema))
	for _, c := range payload.Schema {
		types[c.Name] = c.Type
	}
	rows := make([]Row, len(payload.Rows))
	for i, raw := range payload.Rows {
		row := make(Row, len(raw))
		for k, v := range raw {
			cell, err := decodeCell(types[k], v)
			if err != nil {
				return fmt.Errorf("row %d column %q: %w", i, k, err)
			}
			row[k] = cell
		}
		rows[i] = row
	}
	t.Schema = payload.Schema
	t.Rows = rows
	return nil
}

func decodeCell(typ string, v any) (any, error) {
	switch typ {
	case TypeTime:
		s, ok := v.(string)
		if !ok {
			return nil, nil
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, err
		}
		return ts, nil
	case TypeFloat:
		switch v {
		case nil:
			return math.NaN(), nil
		case posInf:
			return math.Inf(1), nil
		case negInf:
			return math.Inf(-1), nil
		}
		return v, nil
	case TypeInt:
		if f, ok := v.(float64); ok {
			return int64(f), nil
		}
		return v, nil
	}
	return v, nil
}

func cloneColumns(in []Column) []Column {
	if in == nil {
		return nil
	}
	out := make([]Column, len(in))
	copy(out, in)
	return out
}
