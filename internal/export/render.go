package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"nanolab/pkg/datasetapi"
)

// SheetName is the worksheet holding the table in XLSX artifacts.
const SheetName = "data"

type rendered struct {
	Format      datasetapi.Format
	ContentType string
	Extension   string
	Payload     []byte
}

// ParseFormat validates a format name.
func ParseFormat(name string) (datasetapi.Format, error) {
	switch f := datasetapi.Format(name); f {
	case datasetapi.FormatJSON, datasetapi.FormatCSV, datasetapi.FormatXLSX:
		return f, nil
	}
	return "", fmt.Errorf("unsupported export format %q", name)
}

// Render encodes t in format.
func Render(format datasetapi.Format, t datasetapi.Table) ([]byte, error) {
	r, err := materialize(format, t)
	if err != nil {
		return nil, err
	}
	return r.Payload, nil
}

func materialize(format datasetapi.Format, t datasetapi.Table) (rendered, error) {
	switch format {
	case datasetapi.FormatJSON:
		payload, err := json.Marshal(t)
		if err != nil {
			return rendered{}, fmt.Errorf("marshal json: %w", err)
		}
		return rendered{Format: format, ContentType: "application/json", Extension: "json", Payload: payload}, nil
	case datasetapi.FormatCSV:
		payload, err := buildCSV(t)
		if err != nil {
			return rendered{}, err
		}
		return rendered{Format: format, ContentType: "text/csv", Extension: "csv", Payload: payload}, nil
	case datasetapi.FormatXLSX:
		payload, err := buildXLSX(t)
		if err != nil {
			return rendered{}, err
		}
		return rendered{
			Format:      format,
			ContentType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
			Extension:   "xlsx",
			Payload:     payload,
		}, nil
	}
	return rendered{}, fmt.Errorf("unsupported export format %s", format)
}

func buildCSV(t datasetapi.Table) ([]byte, error) {
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)
	if err := writer.Write(t.ColumnNames()); err != nil {
		return nil, err
	}
	for _, row := range t.Rows {
		record := make([]string, len(t.Schema))
		for i, column := range t.Schema {
			record[i] = formatValue(row[column.Name])
		}
		if err := writer.Write(record); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func buildXLSX(t datasetapi.Table) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		return nil, fmt.Errorf("name sheet: %w", err)
	}
	header := make([]any, len(t.Schema))
	for i, c := range t.Schema {
		header[i] = c.Name
	}
	if err := f.SetSheetRow(SheetName, "A1", &header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	for r, row := range t.Rows {
		cells := make([]any, len(t.Schema))
		for i, c := range t.Schema {
			cells[i] = xlsxValue(row[c.Name])
		}
		origin, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(SheetName, origin, &cells); err != nil {
			return nil, fmt.Errorf("write row %d: %w", r, err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("encode xlsx: %w", err)
	}
	return buf.Bytes(), nil
}

// formatValue renders one cell for text formats; missing cells are empty.
func formatValue(v any) string {
	if datasetapi.Missing(v) {
		return ""
	}
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if math.IsInf(x, 0) {
			return ""
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprint(v)
}

func xlsxValue(v any) any {
	if datasetapi.Missing(v) {
		return nil
	}
	if x, ok := v.(float64); ok && math.IsInf(x, 0) {
		return nil
	}
	return v
}
