package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/battery.report/internal/battery"
)

// EnqueueRawSample appends a sample to the inbound queue and returns its
// queue identity. Non-finite readings are stored as NULL so the pipeline
// can recognise and drop them.
func (db *DB) EnqueueRawSample(ctx context.Context, s battery.RawSample) (int64, error) {
	received := s.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO raw_samples (battery_id, timestamp_ms, voltage_v, current_a, received_at_ms)
		VALUES (?, ?, ?, ?, ?)`,
		s.BatteryID, toMillis(s.Timestamp), nullableFloat(s.VoltageV), nullableFloat(s.CurrentA), received.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert raw sample: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("raw sample id: %w", err)
	}
	return id, nil
}

// OldestRawSample returns the globally oldest unconsumed sample, ordered by
// timestamp then queue identity. It returns nil, nil when the queue is empty.
func (db *DB) OldestRawSample(ctx context.Context) (*battery.RawSample, error) {
	var (
		s                battery.RawSample
		tsMs, receivedMs int64
		voltage, current sql.NullFloat64
	)
	err := db.QueryRowContext(ctx, `
		SELECT raw_id, battery_id, timestamp_ms, voltage_v, current_a, received_at_ms
		FROM raw_samples
		ORDER BY timestamp_ms ASC, raw_id ASC
		LIMIT 1`,
	).Scan(&s.ID, &s.BatteryID, &tsMs, &voltage, &current, &receivedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select oldest raw sample: %w", err)
	}
	s.Timestamp = fromMillis(tsMs)
	s.ReceivedAt = fromMillis(receivedMs)
	s.VoltageV = floatOrNaN(voltage)
	s.CurrentA = floatOrNaN(current)
	return &s, nil
}

// DeleteRawSample removes a consumed sample. Deleting a missing sample is
// not an error.
func (db *DB) DeleteRawSample(ctx context.Context, id int64) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM raw_samples WHERE raw_id = ?`, id); err != nil {
		return fmt.Errorf("delete raw sample %d: %w", id, err)
	}
	return nil
}

// CountRawSamples returns the queue depth.
func (db *DB) CountRawSamples(ctx context.Context) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM raw_samples`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count raw samples: %w", err)
	}
	return n, nil
}

func nullableFloat(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func floatOrNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
