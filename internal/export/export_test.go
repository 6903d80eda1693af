package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"nanolab/internal/blob"
	"nanolab/pkg/datasetapi"
)

func afterStress() datasetapi.Table {
	schema := []datasetapi.Column{
		{Name: "data_key", Type: datasetapi.TypeString},
		{Name: "Start time", Type: datasetapi.TypeTime},
		{Name: "VG", Type: datasetapi.TypeFloat, Unit: "V"},
		{Name: "delta_CNP_gate_voltage_forward", Type: datasetapi.TypeFloat, Unit: "V"},
	}
	return datasetapi.NewTable(schema,
		datasetapi.Row{"data_key": "d/VVg_1", "Start time": time.Unix(100, 0).UTC(), "VG": 5.0, "delta_CNP_gate_voltage_forward": math.NaN()},
		datasetapi.Row{"data_key": "d/VVg_2", "Start time": time.Unix(300, 0).UTC(), "VG": 5.0, "delta_CNP_gate_voltage_forward": -0.25},
	)
}

func TestRenderCSV(t *testing.T) {
	payload, err := Render(datasetapi.FormatCSV, afterStress())
	require.NoError(t, err)
	records, err := csv.NewReader(bytes.NewReader(payload)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"data_key", "Start time", "VG", "delta_CNP_gate_voltage_forward"}, records[0])
	assert.Equal(t, []string{"d/VVg_1", "1970-01-01T00:01:40Z", "5", ""}, records[1])
	assert.Equal(t, "-0.25", records[2][3])
}

func TestRenderJSONRoundTrips(t *testing.T) {
	payload, err := Render(datasetapi.FormatJSON, afterStress())
	require.NoError(t, err)
	var back datasetapi.Table
	require.NoError(t, json.Unmarshal(payload, &back))
	require.Equal(t, 2, back.Len())
	v, ok := back.Rows[0].Float("delta_CNP_gate_voltage_forward")
	assert.False(t, ok)
	assert.True(t, math.IsNaN(v))
}

func TestRenderXLSX(t *testing.T) {
	payload, err := Render(datasetapi.FormatXLSX, afterStress())
	require.NoError(t, err)
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	rows, err := f.GetRows(SheetName)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "delta_CNP_gate_voltage_forward", rows[0][3])
	assert.Equal(t, "d/VVg_2", rows[2][0])
	assert.Equal(t, "-0.25", rows[2][3])
	assert.Len(t, rows[1], 3, "missing trailing cell stays empty")
}

func TestParseFormat(t *testing.T) {
	for _, name := range []string{"json", "csv", "xlsx"} {
		_, err := ParseFormat(name)
		assert.NoError(t, err)
	}
	_, err := ParseFormat("parquet")
	assert.Error(t, err)
	_, err = Render("parquet", afterStress())
	assert.Error(t, err)
}

func TestWorkerStoresArtifacts(t *testing.T) {
	store := blob.NewMemory()
	w := NewWorker(store, WithPrefix("exports"), WithWorkers(2))
	w.Start()
	t.Cleanup(func() { _ = w.Stop(context.Background()) })

	rec, err := w.Enqueue(context.Background(), Input{
		Name:    "CHIP1A/after_stress",
		Table:   afterStress(),
		Formats: []datasetapi.Format{datasetapi.FormatCSV, datasetapi.FormatXLSX, datasetapi.FormatCSV},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, rec.Status)
	assert.Equal(t, []datasetapi.Format{datasetapi.FormatCSV, datasetapi.FormatXLSX}, rec.Formats)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := w.Wait(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, done.Status)
	require.Len(t, done.Artifacts, 2)
	require.NotNil(t, done.CompletedAt)

	csvArtifact := done.Artifacts[0]
	assert.True(t, strings.HasPrefix(csvArtifact.Key, "exports/CHIP1A/after_stress/"))
	assert.True(t, strings.HasSuffix(csvArtifact.Key, ".csv"))
	info, err := store.Head(context.Background(), csvArtifact.Key)
	require.NoError(t, err)
	assert.Equal(t, "text/csv", info.ContentType)
	assert.Equal(t, rec.ID, info.Metadata["export-id"])
	assert.Equal(t, "2", info.Metadata["rows"])
	assert.Equal(t, info.Size, csvArtifact.SizeBytes)

	listed, err := store.List(context.Background(), "exports/CHIP1A/")
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func TestWorkerRejectsBadInput(t *testing.T) {
	w := NewWorker(blob.NewMemory())
	_, err := w.Enqueue(context.Background(), Input{Table: afterStress()})
	assert.Error(t, err)
	_, err = w.Enqueue(context.Background(), Input{Name: "s/x", Formats: []datasetapi.Format{"pdf"}})
	assert.Error(t, err)

	_, err = w.Wait(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownExport)
	_, ok := w.Get("missing")
	assert.False(t, ok)
}

func TestWorkerQueueFull(t *testing.T) {
	w := NewWorker(blob.NewMemory(), WithQueueSize(1))
	_, err := w.Enqueue(context.Background(), Input{Name: "s/a"})
	require.NoError(t, err)
	_, err = w.Enqueue(context.Background(), Input{Name: "s/b"})
	assert.ErrorIs(t, err, ErrQueueFull)
}

type refusingStore struct{ blob.Store }

func (refusingStore) Put(context.Context, string, io.Reader, blob.PutOptions) (blob.Info, error) {
	return blob.Info{}, errors.New("bucket is read-only")
}

func TestWorkerStoreFailure(t *testing.T) {
	w := NewWorker(refusingStore{blob.NewMemory()})
	w.Start()
	t.Cleanup(func() { _ = w.Stop(context.Background()) })

	rec, err := w.Enqueue(context.Background(), Input{Name: "s/after_stress", Table: afterStress()})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := w.Wait(ctx, rec.ID)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Contains(t, done.Error, "bucket is read-only")
	assert.Empty(t, done.Artifacts)
}
