package ingest

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"nanolab/pkg/datasetapi"
)

//go:embed procedures.yml
var builtinCatalogue []byte

// Value kinds understood by the catalogue.
const (
	KindFloat       = "float"         // leading number, trailing unit dropped
	KindFloatNoUnit = "float_no_unit" // bare number
	KindInt         = "int"
	KindBool        = "bool" // "True" is true, anything else false
	KindString      = "str"
	KindDatetime    = "datetime" // unix seconds, fractional allowed
)

// Procedure describes the header keys and data columns of one acquisition procedure.
type Procedure struct {
	Parameters map[string]string `yaml:"Parameters"`
	Metadata   map[string]string `yaml:"Metadata"`
	Data       map[string]string `yaml:"Data"`
}

// Kind returns the value kind of a header key, searching parameters then metadata.
func (p Procedure) Kind(key string) (string, bool) {
	if k, ok := p.Parameters[key]; ok {
		return k, true
	}
	k, ok := p.Metadata[key]
	return k, ok
}

// Catalogue maps procedure names to their definitions.
type Catalogue map[string]Procedure

// ErrUnknownProcedure is returned for procedures absent from the catalogue.
var ErrUnknownProcedure = errors.New("ingest: unknown procedure")

// Lookup returns the named procedure.
func (c Catalogue) Lookup(name string) (Procedure, error) {
	p, ok := c[name]
	if !ok {
		return Procedure{}, fmt.Errorf("%w %q", ErrUnknownProcedure, name)
	}
	return p, nil
}

// Names lists the procedures in alphabetical order.
func (c Catalogue) Names() []string {
	out := make([]string, 0, len(c))
	for name := range c {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ParseCatalogue reads a YAML document with a top-level "procedures" mapping.
func ParseCatalogue(r io.Reader) (Catalogue, error) {
	var doc struct {
		Procedures Catalogue `yaml:"procedures"`
	}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse procedures: %w", err)
	}
	if len(doc.Procedures) == 0 {
		return nil, errors.New("parse procedures: no procedures defined")
	}
	for name, p := range doc.Procedures {
		for _, section := range []map[string]string{p.Parameters, p.Metadata, p.Data} {
			for key, kind := range section {
				if !validKind(kind) {
					return nil, fmt.Errorf("parse procedures: %s.%s: unknown kind %q", name, key, kind)
				}
			}
		}
	}
	return doc.Procedures, nil
}

// LoadCatalogue reads the catalogue at path, or the built-in one when path is empty.
func LoadCatalogue(path string) (Catalogue, error) {
	if path == "" {
		return ParseCatalogue(strings.NewReader(string(builtinCatalogue)))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return ParseCatalogue(f)
}

func validKind(kind string) bool {
	switch kind {
	case KindFloat, KindFloatNoUnit, KindInt, KindBool, KindString, KindDatetime:
		return true
	}
	return false
}

// ColumnType maps a value kind onto a table column type.
func ColumnType(kind string) string {
	switch kind {
	case KindFloat, KindFloatNoUnit:
		return datasetapi.TypeFloat
	case KindInt:
		return datasetapi.TypeInt
	case KindBool:
		return datasetapi.TypeBool
	case KindDatetime:
		return datasetapi.TypeTime
	}
	return datasetapi.TypeString
}

// ParseValue converts a raw header value according to kind. For KindFloat
// the returned unit holds whatever followed the number.
func ParseValue(kind, raw string) (value any, unit string, err error) {
	raw = strings.TrimSpace(raw)
	switch kind {
	case KindFloat:
		num, rest, _ := strings.Cut(raw, " ")
		f, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return nil, "", err
		}
		return f, strings.TrimSpace(rest), nil
	case KindFloatNoUnit:
		f, err := strconv.ParseFloat(raw, 64)
		return f, "", err
	case KindInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		return n, "", err
	case KindBool:
		return raw == "True", "", nil
	case KindString:
		return raw, "", nil
	case KindDatetime:
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid unix timestamp %q: %w", raw, err)
		}
		whole := int64(secs)
		return time.Unix(whole, int64((secs-float64(whole))*1e9)).UTC(), "", nil
	}
	return nil, "", fmt.Errorf("unhandled kind %q", kind)
}
