package ingest

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"path"
	"regexp"
	"strconv"
	"strings"

	"nanolab/internal/cnp"
	"nanolab/pkg/datasetapi"
)

// Raw data columns mapped onto datasetapi.Sweep.
const (
	ColGateVoltage  = "Vg (V)"
	ColDrainVoltage = "VDS (V)"
)

var procedurePattern = regexp.MustCompile(`<(.*?)>`)

// Experiment is one parsed raw measurement file.
type Experiment struct {
	Key       string
	Procedure string
	Props     datasetapi.Row
	// Units holds the unit suffix stripped from float header values.
	Units map[string]string
	Data  datasetapi.Table
}

// Sweep maps the gate and drain voltage columns onto a sweep. Rows with a
// non-numeric cell keep NaN, which the extractor discards.
func (e Experiment) Sweep() (datasetapi.Sweep, error) {
	for _, col := range []string{ColGateVoltage, ColDrainVoltage} {
		if !e.Data.HasColumn(col) {
			return nil, cnp.MissingColumnError{Stage: "sweep", Column: col}
		}
	}
	out := make(datasetapi.Sweep, 0, e.Data.Len())
	for _, row := range e.Data.Rows {
		vg, _ := row.Float(ColGateVoltage)
		vds, _ := row.Float(ColDrainVoltage)
		out = append(out, datasetapi.SweepPoint{Vg: vg, VDS: vds})
	}
	return out, nil
}

// DataKey derives "<parent folder>/<file stem>" from a slash or backslash separated path.
func DataKey(p string) string {
	p = cnp.NormalizeKey(p)
	base := path.Base(p)
	if i := strings.Index(base, "."); i >= 0 {
		base = base[:i]
	}
	dir := path.Base(path.Dir(p))
	if dir == "." || dir == "/" {
		return base
	}
	return dir + "/" + base
}

// ParseError reports a malformed raw file.
type ParseError struct {
	Key  string
	Line int
	Err  error
}

func (e ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse %s line %d: %v", e.Key, e.Line, e.Err)
	}
	return fmt.Sprintf("parse %s: %v", e.Key, e.Err)
}

func (e ParseError) Unwrap() error { return e.Err }

// ErrUnknownKey is wrapped when a header key is not declared for the procedure.
var ErrUnknownKey = errors.New("header key not declared for procedure")

// Parse reads one raw file. name is the blob key or file path and only
// feeds the data key.
func Parse(name string, r io.Reader, catalogue Catalogue) (Experiment, error) {
	key := DataKey(name)
	raw, err := io.ReadAll(r)
	if err != nil {
		return Experiment{}, ParseError{Key: key, Err: err}
	}
	header, metaLines, first := scanHeader(raw)

	procName := ""
	if m := procedurePattern.FindStringSubmatch(first); m != nil {
		parts := strings.Split(m[1], ".")
		procName = parts[len(parts)-1]
	}
	proc, err := catalogue.Lookup(procName)
	if err != nil {
		return Experiment{}, ParseError{Key: key, Line: 1, Err: err}
	}

	exp := Experiment{
		Key:       key,
		Procedure: procName,
		Props:     datasetapi.Row{},
		Units:     map[string]string{},
	}
	for k, v := range headerValues(metaLines) {
		kind, ok := proc.Kind(k)
		if !ok {
			return Experiment{}, ParseError{Key: key, Err: fmt.Errorf("%w %s: %q", ErrUnknownKey, procName, k)}
		}
		value, unit, err := ParseValue(kind, v)
		if err != nil {
			return Experiment{}, ParseError{Key: key, Err: fmt.Errorf("%s: %w", k, err)}
		}
		exp.Props[k] = value
		if unit != "" {
			exp.Units[k] = unit
		}
	}
	exp.Props[cnp.ColDataKey] = key
	exp.Props[cnp.ColProcedureType] = procName

	data, err := parseBody(raw, header, proc)
	if err != nil {
		return Experiment{}, ParseError{Key: key, Line: header + 1, Err: err}
	}
	exp.Data = data
	return exp, nil
}

// scanHeader counts comment lines, collects the tab-indented metadata lines
// and returns the first line.
func scanHeader(raw []byte) (comments int, meta []string, first string) {
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for i := 0; sc.Scan(); i++ {
		line := strings.TrimRight(sc.Text(), "\r")
		if i == 0 {
			first = strings.TrimSpace(line)
		}
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			comments++
		}
		// TrimSpace eats the tab itself, so check before trimming.
		if body, ok := strings.CutPrefix(strings.TrimLeft(line, " "), "#\t"); ok {
			meta = append(meta, strings.TrimSpace(body))
		}
	}
	return comments, meta, first
}

// headerValues splits "Key: value" lines. The first Information line also
// accepts "Key:" with an empty value, recorded as "None"; other lines
// without ": " are ignored.
func headerValues(lines []string) map[string]string {
	out := make(map[string]string, len(lines))
	infoSeen := false
	for _, line := range lines {
		if strings.HasPrefix(line, "Information") {
			if infoSeen {
				continue
			}
			infoSeen = true
			k, v, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			v = strings.TrimSpace(v)
			if v == "" {
				v = "None"
			}
			out[strings.TrimSpace(k)] = v
			continue
		}
		if k, v, ok := strings.Cut(line, ": "); ok {
			out[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return out
}

func parseBody(raw []byte, skip int, proc Procedure) (datasetapi.Table, error) {
	body := raw
	for i := 0; i < skip; i++ {
		nl := bytes.IndexByte(body, '\n')
		if nl < 0 {
			return datasetapi.Table{}, errors.New("missing column header")
		}
		body = body[nl+1:]
	}
	rd := csv.NewReader(bytes.NewReader(body))
	rd.FieldsPerRecord = -1
	rd.TrimLeadingSpace = true
	names, err := rd.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return datasetapi.Table{}, errors.New("missing column header")
		}
		return datasetapi.Table{}, err
	}
	schema := make([]datasetapi.Column, len(names))
	for i, n := range names {
		n = strings.TrimSpace(n)
		names[i] = n
		typ := datasetapi.TypeFloat
		if kind, ok := proc.Data[n]; ok {
			typ = ColumnType(kind)
		}
		schema[i] = datasetapi.Column{Name: n, Type: typ, Unit: unitFromName(n)}
	}

	t := datasetapi.Table{Schema: schema}
	for {
		rec, err := rd.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return datasetapi.Table{}, err
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		row := make(datasetapi.Row, len(schema))
		for i, col := range schema {
			if i >= len(rec) {
				break
			}
			row[col.Name] = dataCell(col.Type, strings.TrimSpace(rec[i]))
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// dataCell converts one body cell. Float cells that do not parse become NaN
// so a single bad sample does not reject the file.
func dataCell(typ, s string) any {
	switch typ {
	case datasetapi.TypeFloat:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	case datasetapi.TypeInt:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil
		}
		return n
	case datasetapi.TypeBool:
		return s == "True"
	}
	return s
}

// unitFromName pulls "V" out of "Vg (V)".
func unitFromName(name string) string {
	open := strings.LastIndex(name, "(")
	if open < 0 || !strings.HasSuffix(name, ")") {
		return ""
	}
	return name[open+1 : len(name)-1]
}
