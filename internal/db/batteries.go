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

const batteryColumns = `
	battery_id, rated_ah, effective_capacity_ah, soh_pct, total_discharged_ah,
	discharge_cycle_ah, cycle_count, last_timestamp_ms,
	user_override_soh, user_set_soh_pct, user_soh_weight`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBattery(row rowScanner) (battery.Config, error) {
	var (
		c        battery.Config
		lastMs   sql.NullInt64
		override int
	)
	err := row.Scan(
		&c.BatteryID, &c.RatedAh, &c.EffectiveCapacityAh, &c.SOHPct, &c.TotalDischargedAh,
		&c.DischargeCycleAh, &c.CycleCount, &lastMs,
		&override, &c.UserSetSOHPct, &c.UserSOHWeight,
	)
	if err != nil {
		return battery.Config{}, err
	}
	if lastMs.Valid {
		c.LastTimestamp = fromMillis(lastMs.Int64)
	}
	c.UserOverrideSOH = override != 0
	return c, nil
}

// GetBattery returns the aggregate for id or ErrBatteryNotFound.
func (db *DB) GetBattery(ctx context.Context, id string) (battery.Config, error) {
	c, err := scanBattery(db.QueryRowContext(ctx,
		`SELECT `+batteryColumns+` FROM batteries WHERE battery_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return battery.Config{}, fmt.Errorf("%w: %s", ErrBatteryNotFound, id)
	}
	if err != nil {
		return battery.Config{}, fmt.Errorf("select battery %s: %w", id, err)
	}
	return c, nil
}

// EnsureBattery returns the aggregate for id, creating it with
// defaultRatedAh when the battery has never been seen.
func (db *DB) EnsureBattery(ctx context.Context, id string, defaultRatedAh float64) (battery.Config, error) {
	fresh := battery.NewConfig(id, defaultRatedAh)
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO batteries (
			battery_id, rated_ah, effective_capacity_ah, soh_pct,
			user_soh_weight, created_at_ms, updated_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		fresh.BatteryID, fresh.RatedAh, fresh.EffectiveCapacityAh, fresh.SOHPct,
		fresh.UserSOHWeight, now, now,
	)
	if err != nil {
		return battery.Config{}, fmt.Errorf("insert battery %s: %w", id, err)
	}
	return db.GetBattery(ctx, id)
}

// ListBatteries returns all aggregates ordered by identity.
func (db *DB) ListBatteries(ctx context.Context) ([]battery.Config, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+batteryColumns+` FROM batteries ORDER BY battery_id`)
	if err != nil {
		return nil, fmt.Errorf("select batteries: %w", err)
	}
	defer rows.Close()

	var out []battery.Config
	for rows.Next() {
		c, err := scanBattery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan battery: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UserConfig carries the externally managed battery settings. Nil fields
// are left unchanged.
type UserConfig struct {
	RatedAh         *float64
	UserOverrideSOH *bool
	UserSetSOHPct   *float64
	UserSOHWeight   *float64
}

// SetBatteryUserConfig applies cfg to battery id, creating the battery
// first if needed. Changing the rated capacity rescales the effective
// capacity so the stored SOH is preserved.
func (db *DB) SetBatteryUserConfig(ctx context.Context, id string, defaultRatedAh float64, cfg UserConfig) (battery.Config, error) {
	if cfg.RatedAh != nil && !(*cfg.RatedAh > 0) {
		return battery.Config{}, fmt.Errorf("rated_Ah must be positive, got %v", *cfg.RatedAh)
	}
	if cfg.UserSetSOHPct != nil && (math.IsNaN(*cfg.UserSetSOHPct) || *cfg.UserSetSOHPct < 0 || *cfg.UserSetSOHPct > 120) {
		return battery.Config{}, fmt.Errorf("user_set_soh_pct must be within [0,120], got %v", *cfg.UserSetSOHPct)
	}
	if cfg.UserSOHWeight != nil && (math.IsNaN(*cfg.UserSOHWeight) || *cfg.UserSOHWeight < 0 || *cfg.UserSOHWeight > 1) {
		return battery.Config{}, fmt.Errorf("user_soh_weight must be within [0,1], got %v", *cfg.UserSOHWeight)
	}

	current, err := db.EnsureBattery(ctx, id, defaultRatedAh)
	if err != nil {
		return battery.Config{}, err
	}

	next := current
	if cfg.RatedAh != nil && *cfg.RatedAh != current.RatedAh {
		next.RatedAh = *cfg.RatedAh
		next.EffectiveCapacityAh = next.RatedAh * current.SOHPct / 100
	}
	if cfg.UserOverrideSOH != nil {
		next.UserOverrideSOH = *cfg.UserOverrideSOH
	}
	if cfg.UserSetSOHPct != nil {
		next.UserSetSOHPct = *cfg.UserSetSOHPct
	}
	if cfg.UserSOHWeight != nil {
		next.UserSOHWeight = *cfg.UserSOHWeight
	}

	_, err = db.ExecContext(ctx, `
		UPDATE batteries SET
			rated_ah = ?, effective_capacity_ah = ?,
			user_override_soh = ?, user_set_soh_pct = ?, user_soh_weight = ?,
			updated_at_ms = ?
		WHERE battery_id = ?`,
		next.RatedAh, next.EffectiveCapacityAh,
		boolToInt(next.UserOverrideSOH), next.UserSetSOHPct, next.UserSOHWeight,
		time.Now().UnixMilli(), id,
	)
	if err != nil {
		return battery.Config{}, fmt.Errorf("update battery %s: %w", id, err)
	}
	return next, nil
}
