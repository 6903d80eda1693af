package ingest

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"nanolab/internal/blob"
)

func testCatalogue(t *testing.T) Catalogue {
	t.Helper()
	c, err := LoadCatalogue("")
	require.NoError(t, err)
	return c
}

// rawFile renders a measurement file the way the acquisition software writes it.
func rawFile(procedure string, start float64, header map[string]string, columns []string, rows ...[]float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#Procedure: <laser_setup.procedures.%s.%s>\n", procedure, procedure)
	b.WriteString("#Parameters:\n")
	for k, v := range header {
		fmt.Fprintf(&b, "#\t%s: %s\n", k, v)
	}
	b.WriteString("#Metadata:\n")
	fmt.Fprintf(&b, "#\tStart time: %v\n", start)
	b.WriteString("#Data:\n")
	b.WriteString(strings.Join(columns, ",") + "\n")
	for _, r := range rows {
		cells := make([]string, len(r))
		for i, v := range r {
			cells[i] = fmt.Sprint(v)
		}
		b.WriteString(strings.Join(cells, ",") + "\n")
	}
	return b.String()
}

func vvgFile(start, current float64) string {
	return rawFile("VVg", start,
		map[string]string{"Chip number": "7", "Drain-Source current": fmt.Sprintf("%v A", current), "Information": ""},
		[]string{"Time (s)", "Vg (V)", "VDS (V)"},
		[]float64{0, -1, 2}, []float64{1, 0, 1}, []float64{2, 1, 2})
}

func stressFile(start, vg float64) string {
	return rawFile("Stress", start,
		map[string]string{"VG": fmt.Sprintf("%v V", vg), "Drain-Source current": "1e-06 A"},
		[]string{"Time (s)", "VDS (V)", "VG (V)"},
		[]float64{0, 1, vg})
}

func putAll(t *testing.T, store blob.Store, files map[string]string) {
	t.Helper()
	for key, body := range files {
		_, err := store.Put(context.Background(), key, bytes.NewBufferString(body), blob.PutOptions{ContentType: "text/csv"})
		require.NoError(t, err)
	}
}
