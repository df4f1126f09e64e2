package export

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/source"

	"github.com/banshee-data/battery.report/internal/battery"
	"github.com/banshee-data/battery.report/internal/db"
)

// bytesFile is a read-only ParquetFile over an encoded export.
type bytesFile struct {
	*bytes.Reader
	data []byte
}

func newBytesFile(data []byte) *bytesFile {
	return &bytesFile{Reader: bytes.NewReader(data), data: data}
}

func (f *bytesFile) Open(string) (source.ParquetFile, error)   { return newBytesFile(f.data), nil }
func (f *bytesFile) Create(string) (source.ParquetFile, error) { return nil, errors.New("read only") }
func (f *bytesFile) Write([]byte) (int, error)                 { return 0, errors.New("read only") }
func (f *bytesFile) Close() error                              { return nil }

func decode(t *testing.T, data []byte) []ReadingRecord {
	t.Helper()
	pr, err := reader.NewParquetReader(newBytesFile(data), new(ReadingRecord), 1)
	require.NoError(t, err)
	defer pr.ReadStop()

	rows := make([]ReadingRecord, int(pr.GetNumRows()))
	require.NoError(t, pr.Read(&rows))
	return rows
}

var t0 = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

func sampleReadings() []battery.Reading {
	return []battery.Reading{
		{ID: "r1", BatteryID: "B1", Timestamp: t0, VoltageV: 12.6, CurrentA: -5, PowerW: -63, SOCKalman: 99.99, SOHPct: 100, EffectiveCapacityAh: 40, CycleCount: 0},
		{ID: "r2", BatteryID: "B1", Timestamp: t0.Add(30 * time.Second), VoltageV: 12.5, CurrentA: -5, PowerW: -62.5, EstimatedAh: 0.0417, SOCKalman: 99.88, SOHPct: 99.99, EffectiveCapacityAh: 39.99, CycleCount: 3, SOHEKFPct: 98.5, CapacityEKFAh: 39.4},
	}
}

func TestEncodeReadingsRoundTrip(t *testing.T) {
	data, err := EncodeReadings(sampleReadings(), "snappy")
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(data, []byte("PAR1")))
	require.True(t, bytes.HasSuffix(data, []byte("PAR1")))

	rows := decode(t, data)
	require.Len(t, rows, 2)
	assert.Equal(t, "r2", rows[1].ReadingID)
	assert.Equal(t, "B1", rows[1].BatteryID)
	assert.Equal(t, t0.Add(30*time.Second).UnixMilli(), rows[1].Timestamp)
	assert.Equal(t, -62.5, rows[1].PowerW)
	assert.Equal(t, int32(3), rows[1].CycleCount)
	assert.Equal(t, 39.4, rows[1].CapacityEKFAh)
}

func TestEncodeReadingsCompression(t *testing.T) {
	for _, c := range []string{"", "gzip", "none"} {
		data, err := EncodeReadings(sampleReadings(), c)
		require.NoError(t, err, "compression %q", c)
		assert.Len(t, decode(t, data), 2)
	}

	_, err := EncodeReadings(sampleReadings(), "lzma")
	assert.Error(t, err)
}

func TestWriteFileFromDatabase(t *testing.T) {
	ctx := context.Background()
	database := db.NewTestDB(t)

	for i, r := range sampleReadings() {
		rawID, err := database.EnqueueRawSample(ctx, battery.RawSample{BatteryID: r.BatteryID, Timestamp: r.Timestamp, VoltageV: r.VoltageV, CurrentA: r.CurrentA})
		require.NoError(t, err)
		r.ID = ""
		cfg := battery.NewConfig("B1", 40)
		cfg.LastTimestamp = r.Timestamp
		require.NoError(t, database.CommitSample(ctx, &battery.Commit{RawID: rawID, Reading: r, Battery: cfg}), "reading %d", i)
	}

	path := filepath.Join(t.TempDir(), "b1.parquet")
	n, err := WriteFile(ctx, database, db.ReadingQuery{BatteryID: "B1"}, path, "snappy")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	rows := decode(t, data)
	require.Len(t, rows, 2)
	assert.Equal(t, t0.UnixMilli(), rows[0].Timestamp)
	assert.NotEmpty(t, rows[0].ReadingID)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file is cleaned up")
}

type failingSource struct{}

func (failingSource) Readings(context.Context, db.ReadingQuery) ([]battery.Reading, error) {
	return nil, errors.New("no such table")
}

func TestWriteFileKeepsExistingOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.parquet")
	require.NoError(t, os.WriteFile(path, []byte("previous"), 0o644))

	_, err := WriteFile(context.Background(), failingSource{}, db.ReadingQuery{}, path, "")
	require.Error(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "previous", string(data))
}
