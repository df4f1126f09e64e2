package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/battery.report/internal/battery"
)

const readingColumns = `
	reading_id, raw_id, battery_id, timestamp_ms, voltage_v, current_a, power_w,
	estimated_ah, soc_ocv, soc_coulomb, soc_kalman, soh_pct, effective_capacity_ah,
	cycle_count, soh_ekf_pct, capacity_ekf_ah, used_measurement`

func scanReading(row rowScanner) (battery.Reading, error) {
	var (
		r    battery.Reading
		tsMs int64
		used int
	)
	err := row.Scan(
		&r.ID, &r.RawID, &r.BatteryID, &tsMs, &r.VoltageV, &r.CurrentA, &r.PowerW,
		&r.EstimatedAh, &r.SOCOCV, &r.SOCCoulomb, &r.SOCKalman, &r.SOHPct, &r.EffectiveCapacityAh,
		&r.CycleCount, &r.SOHEKFPct, &r.CapacityEKFAh, &used,
	)
	if err != nil {
		return battery.Reading{}, err
	}
	r.Timestamp = fromMillis(tsMs)
	r.UsedMeasurement = used != 0
	return r, nil
}

// ReadingQuery filters processed readings. Zero values mean no filter.
type ReadingQuery struct {
	BatteryID string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Readings returns processed readings matching q in ascending time order.
func (db *DB) Readings(ctx context.Context, q ReadingQuery) ([]battery.Reading, error) {
	var (
		where []string
		args  []any
	)
	if q.BatteryID != "" {
		where = append(where, "battery_id = ?")
		args = append(args, q.BatteryID)
	}
	if !q.Since.IsZero() {
		where = append(where, "timestamp_ms >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	if !q.Until.IsZero() {
		where = append(where, "timestamp_ms < ?")
		args = append(args, q.Until.UnixMilli())
	}
	query := `SELECT ` + readingColumns + ` FROM processed_readings`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY timestamp_ms ASC, raw_id ASC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	return db.queryReadings(ctx, query, args...)
}

// RecentReadings returns the latest limit readings for a battery, ordered
// by time ascending. This is the read-only feed for forecasting consumers.
func (db *DB) RecentReadings(ctx context.Context, batteryID string, limit int) ([]battery.Reading, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT * FROM (
		SELECT ` + readingColumns + ` FROM processed_readings
		WHERE battery_id = ?
		ORDER BY timestamp_ms DESC, raw_id DESC
		LIMIT ?
	) ORDER BY timestamp_ms ASC, raw_id ASC`
	return db.queryReadings(ctx, query, batteryID, limit)
}

// CountReadings returns the number of processed readings for a battery, or
// for all batteries when batteryID is empty.
func (db *DB) CountReadings(ctx context.Context, batteryID string) (int, error) {
	query := `SELECT COUNT(*) FROM processed_readings`
	var args []any
	if batteryID != "" {
		query += ` WHERE battery_id = ?`
		args = append(args, batteryID)
	}
	var n int
	if err := db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count readings: %w", err)
	}
	return n, nil
}

func (db *DB) queryReadings(ctx context.Context, query string, args ...any) ([]battery.Reading, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select readings: %w", err)
	}
	defer rows.Close()

	var out []battery.Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
