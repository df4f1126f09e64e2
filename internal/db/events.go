package db

import (
	"context"
	"fmt"

	"github.com/banshee-data/battery.report/internal/battery"
)

// ListEvents returns the most recent events, newest first. An empty
// batteryID lists events for every battery.
func (db *DB) ListEvents(ctx context.Context, batteryID string, limit int) ([]battery.Event, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `SELECT event_id, battery_id, timestamp_ms, event_type, message FROM battery_events`
	var args []any
	if batteryID != "" {
		query += ` WHERE battery_id = ?`
		args = append(args, batteryID)
	}
	query += ` ORDER BY timestamp_ms DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select events: %w", err)
	}
	defer rows.Close()

	var out []battery.Event
	for rows.Next() {
		var (
			e    battery.Event
			tsMs int64
			typ  string
		)
		if err := rows.Scan(&e.ID, &e.BatteryID, &tsMs, &typ, &e.Message); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Timestamp = fromMillis(tsMs)
		e.Type = battery.EventType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}
