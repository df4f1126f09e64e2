// Package export writes the processed-reading feed as Parquet for
// downstream forecasting jobs.
package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/banshee-data/battery.report/internal/battery"
	"github.com/banshee-data/battery.report/internal/db"
)

// ReadingRecord is the Parquet row layout of a processed reading.
type ReadingRecord struct {
	ReadingID           string  `parquet:"name=reading_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	BatteryID           string  `parquet:"name=battery_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp           int64   `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	VoltageV            float64 `parquet:"name=voltage_v, type=DOUBLE"`
	CurrentA            float64 `parquet:"name=current_a, type=DOUBLE"`
	PowerW              float64 `parquet:"name=power_w, type=DOUBLE"`
	EstimatedAh         float64 `parquet:"name=estimated_ah, type=DOUBLE"`
	SOCOCV              float64 `parquet:"name=soc_ocv, type=DOUBLE"`
	SOCCoulomb          float64 `parquet:"name=soc_coulomb, type=DOUBLE"`
	SOCKalman           float64 `parquet:"name=soc_kalman, type=DOUBLE"`
	SOHPct              float64 `parquet:"name=soh_pct, type=DOUBLE"`
	EffectiveCapacityAh float64 `parquet:"name=effective_capacity_ah, type=DOUBLE"`
	CycleCount          int32   `parquet:"name=cycle_count, type=INT32"`
	SOHEKFPct           float64 `parquet:"name=soh_ekf_pct, type=DOUBLE"`
	CapacityEKFAh       float64 `parquet:"name=capacity_ekf_ah, type=DOUBLE"`
}

// Source provides readings to export.
type Source interface {
	Readings(ctx context.Context, q db.ReadingQuery) ([]battery.Reading, error)
}

func recordFromReading(r battery.Reading) ReadingRecord {
	return ReadingRecord{
		ReadingID:           r.ID,
		BatteryID:           r.BatteryID,
		Timestamp:           r.Timestamp.UnixMilli(),
		VoltageV:            r.VoltageV,
		CurrentA:            r.CurrentA,
		PowerW:              r.PowerW,
		EstimatedAh:         r.EstimatedAh,
		SOCOCV:              r.SOCOCV,
		SOCCoulomb:          r.SOCCoulomb,
		SOCKalman:           r.SOCKalman,
		SOHPct:              r.SOHPct,
		EffectiveCapacityAh: r.EffectiveCapacityAh,
		CycleCount:          int32(r.CycleCount),
		SOHEKFPct:           r.SOHEKFPct,
		CapacityEKFAh:       r.CapacityEKFAh,
	}
}

type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, fmt.Errorf("read not supported") }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

func compressionCodec(name string) (parquet.CompressionCodec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "snappy":
		return parquet.CompressionCodec_SNAPPY, nil
	case "gzip":
		return parquet.CompressionCodec_GZIP, nil
	case "none", "uncompressed":
		return parquet.CompressionCodec_UNCOMPRESSED, nil
	default:
		return 0, fmt.Errorf("unsupported parquet compression %q", name)
	}
}

// EncodeReadings renders readings as a Parquet file in memory.
// Compression is snappy (default), gzip or none.
func EncodeReadings(readings []battery.Reading, compression string) ([]byte, error) {
	codec, err := compressionCodec(compression)
	if err != nil {
		return nil, err
	}

	mem := newMemFile()
	pw, err := writer.NewParquetWriter(mem, new(ReadingRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("new parquet writer: %w", err)
	}
	pw.CompressionType = codec

	for _, r := range readings {
		if err := pw.Write(recordFromReading(r)); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write reading %s: %w", r.ID, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize readings parquet: %w", err)
	}
	return mem.Bytes(), nil
}

// WriteReadings queries src and writes the result to w. It returns the
// number of rows written.
func WriteReadings(ctx context.Context, src Source, q db.ReadingQuery, w io.Writer, compression string) (int, error) {
	readings, err := src.Readings(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("query readings: %w", err)
	}
	data, err := EncodeReadings(readings, compression)
	if err != nil {
		return 0, err
	}
	if _, err := w.Write(data); err != nil {
		return 0, fmt.Errorf("write parquet: %w", err)
	}
	return len(readings), nil
}

// WriteFile exports to path, replacing any existing file only once the
// export is complete.
func WriteFile(ctx context.Context, src Source, q db.ReadingQuery, path, compression string) (int, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := WriteReadings(ctx, src, q, tmp, compression)
	if err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("rename export: %w", err)
	}
	return n, nil
}
