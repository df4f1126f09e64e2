package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/battery.report/internal/battery"
	"github.com/banshee-data/battery.report/internal/monitoring"
)

// CommitSample writes the processed reading, the updated battery aggregate
// and any events for one raw sample in a single transaction. It returns
// battery.ErrAlreadyCommitted when the raw sample already has a reading and
// battery.ErrConfigChanged when the stored rated capacity no longer matches
// c.Battery; nothing is written in either case.
// Generated reading and event IDs are written back into c.
func (db *DB) CommitSample(ctx context.Context, c *battery.Commit) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			monitoring.Logf("warning: failed to rollback transaction: %v", err)
		}
	}()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM processed_readings WHERE raw_id = ?`, c.RawID).Scan(&exists)
	if err == nil {
		return fmt.Errorf("raw sample %d: %w", c.RawID, battery.ErrAlreadyCommitted)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check raw sample %d: %w", c.RawID, err)
	}

	if err := upsertBattery(ctx, tx, c.Battery); err != nil {
		return err
	}

	r := &c.Reading
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.RawID = c.RawID
	_, err = tx.ExecContext(ctx, `
		INSERT INTO processed_readings (`+readingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RawID, r.BatteryID, toMillis(r.Timestamp), r.VoltageV, r.CurrentA, r.PowerW,
		r.EstimatedAh, r.SOCOCV, r.SOCCoulomb, r.SOCKalman, r.SOHPct, r.EffectiveCapacityAh,
		r.CycleCount, r.SOHEKFPct, r.CapacityEKFAh, boolToInt(r.UsedMeasurement),
	)
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}

	for i := range c.Events {
		e := &c.Events[i]
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO battery_events (event_id, raw_id, battery_id, timestamp_ms, event_type, message)
			VALUES (?, ?, ?, ?, ?, ?)`,
			e.ID, c.RawID, e.BatteryID, toMillis(e.Timestamp), string(e.Type), e.Message,
		)
		if err != nil {
			return fmt.Errorf("insert %s event: %w", e.Type, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit raw sample %d: %w", c.RawID, err)
	}
	return nil
}

// upsertBattery writes the model-owned aggregate fields. Rated capacity and
// the user override columns are only written when the row is created, and
// an existing row is only updated while its rated capacity still matches b.
func upsertBattery(ctx context.Context, tx *sql.Tx, b battery.Config) error {
	now := time.Now().UnixMilli()
	var last sql.NullInt64
	if !b.LastTimestamp.IsZero() {
		last = sql.NullInt64{Int64: b.LastTimestamp.UnixMilli(), Valid: true}
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO batteries (
			battery_id, rated_ah, effective_capacity_ah, soh_pct, total_discharged_ah,
			discharge_cycle_ah, cycle_count, last_timestamp_ms,
			user_override_soh, user_set_soh_pct, user_soh_weight,
			created_at_ms, updated_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (battery_id) DO UPDATE SET
			effective_capacity_ah = excluded.effective_capacity_ah,
			soh_pct = excluded.soh_pct,
			total_discharged_ah = excluded.total_discharged_ah,
			discharge_cycle_ah = excluded.discharge_cycle_ah,
			cycle_count = excluded.cycle_count,
			last_timestamp_ms = excluded.last_timestamp_ms,
			updated_at_ms = excluded.updated_at_ms
		WHERE batteries.rated_ah = excluded.rated_ah`,
		b.BatteryID, b.RatedAh, b.EffectiveCapacityAh, b.SOHPct, b.TotalDischargedAh,
		b.DischargeCycleAh, b.CycleCount, last,
		boolToInt(b.UserOverrideSOH), b.UserSetSOHPct, b.UserSOHWeight,
		now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert battery %s: %w", b.BatteryID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("upsert battery %s: %w", b.BatteryID, err)
	}
	if n == 0 {
		return fmt.Errorf("battery %s: %w", b.BatteryID, battery.ErrConfigChanged)
	}
	return nil
}
