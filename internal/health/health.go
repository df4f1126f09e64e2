// Package health implements the capacity fade and discharge cycle model.
// Apply is a pure function: the caller persists the returned State.
package health

import (
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/battery.report/internal/battery"
	"github.com/banshee-data/battery.report/internal/config"
)

// cycleEpsilonAh absorbs summation error so that discharging exactly the
// rated capacity in many small steps still completes a cycle.
const cycleEpsilonAh = 1e-9

// Tunables configures the degradation model.
type Tunables struct {
	LossAhPerDischargedAh  float64
	LossAhPerDischargeHour float64
	DischargeThresholdA    float64 // current below this is discharging
	MinSOHPct              float64 // effective capacity floor, % of rated
	MaxSOHPct              float64 // effective capacity ceiling, % of rated
	SOHWarnPct             float64
	SOHCriticalPct         float64
}

// DefaultTunables returns the built-in degradation tunables.
func DefaultTunables() Tunables {
	return TunablesFromTuning(config.EmptyTuningConfig())
}

// TunablesFromTuning builds Tunables from a loaded TuningConfig.
func TunablesFromTuning(cfg *config.TuningConfig) Tunables {
	return Tunables{
		LossAhPerDischargedAh:  cfg.GetLossAhPerDischargedAh(),
		LossAhPerDischargeHour: cfg.GetLossAhPerDischargeHour(),
		DischargeThresholdA:    cfg.GetDischargeThresholdA(),
		MinSOHPct:              cfg.GetMinSOHPct(),
		MaxSOHPct:              cfg.GetMaxSOHPct(),
		SOHWarnPct:             cfg.GetSOHWarnPct(),
		SOHCriticalPct:         cfg.GetSOHCriticalPct(),
	}
}

// State is the persisted part of the model, carried between samples.
type State struct {
	RatedAh             float64
	EffectiveCapacityAh float64
	SOHPct              float64
	TotalDischargedAh   float64
	DischargeCycleAh    float64
	CycleCount          int
	LastTimestamp       time.Time // zero when no sample has been applied yet
}

// StateFromConfig extracts the model state from a battery aggregate.
func StateFromConfig(cfg battery.Config) State {
	return State{
		RatedAh:             cfg.RatedAh,
		EffectiveCapacityAh: cfg.EffectiveCapacityAh,
		SOHPct:              cfg.SOHPct,
		TotalDischargedAh:   cfg.TotalDischargedAh,
		DischargeCycleAh:    cfg.DischargeCycleAh,
		CycleCount:          cfg.CycleCount,
		LastTimestamp:       cfg.LastTimestamp,
	}
}

// ApplyTo copies the model state onto a battery aggregate, leaving the
// externally managed fields alone.
func (s State) ApplyTo(cfg battery.Config) battery.Config {
	cfg.RatedAh = s.RatedAh
	cfg.EffectiveCapacityAh = s.EffectiveCapacityAh
	cfg.SOHPct = s.SOHPct
	cfg.TotalDischargedAh = s.TotalDischargedAh
	cfg.DischargeCycleAh = s.DischargeCycleAh
	cfg.CycleCount = s.CycleCount
	cfg.LastTimestamp = s.LastTimestamp
	return cfg
}

// Sample is the part of a reading the model consumes.
type Sample struct {
	BatteryID string
	Timestamp time.Time
	CurrentA  float64 // positive while charging
}

// Derived carries per-step values used by the processed reading.
type Derived struct {
	DtS                  float64
	DischargedAhThisStep float64
	IsDischarging        bool
	CyclesCompleted      int
}

// Apply advances the model by one sample.
func Apply(prior State, s Sample, tun Tunables) (State, Derived, []battery.Event) {
	next := prior
	rated := prior.RatedAh
	var events []battery.Event

	dt := 1.0
	if !prior.LastTimestamp.IsZero() {
		dt = math.Max(1, s.Timestamp.Sub(prior.LastTimestamp).Seconds())
	}
	d := Derived{DtS: dt, IsDischarging: s.CurrentA < tun.DischargeThresholdA}
	if d.IsDischarging {
		d.DischargedAhThisStep = math.Abs(s.CurrentA) * dt / 3600
	}

	next.TotalDischargedAh += d.DischargedAhThisStep
	next.DischargeCycleAh += d.DischargedAhThisStep

	if rated > 0 && next.DischargeCycleAh+cycleEpsilonAh >= rated {
		completed := int(math.Floor((next.DischargeCycleAh + cycleEpsilonAh) / rated))
		next.CycleCount += completed
		next.DischargeCycleAh = math.Max(0, next.DischargeCycleAh-float64(completed)*rated)
		d.CyclesCompleted = completed
		events = append(events, battery.Event{
			BatteryID: s.BatteryID,
			Timestamp: s.Timestamp,
			Type:      battery.EventCycleCompleted,
			Message:   fmt.Sprintf("Completed %d cycle(s). Total cycles: %d", completed, next.CycleCount),
		})
	}

	eff := next.EffectiveCapacityAh
	if d.IsDischarging && d.DischargedAhThisStep > 0 {
		hours := dt / 3600
		eff -= d.DischargedAhThisStep*tun.LossAhPerDischargedAh + hours*tun.LossAhPerDischargeHour
	}
	if rated > 0 {
		eff = clamp(eff, rated*tun.MinSOHPct/100, rated*tun.MaxSOHPct/100)
		next.SOHPct = clamp(100*eff/rated, 0, 120)
	}
	next.EffectiveCapacityAh = eff
	next.LastTimestamp = s.Timestamp

	prevSOH := prior.SOHPct
	if crossedBelow(prevSOH, next.SOHPct, tun.SOHWarnPct) {
		events = append(events, sohEvent(s, battery.EventSOHWarn, tun.SOHWarnPct, next.SOHPct))
	}
	if crossedBelow(prevSOH, next.SOHPct, tun.SOHCriticalPct) {
		events = append(events, sohEvent(s, battery.EventSOHCritical, tun.SOHCriticalPct, next.SOHPct))
	}

	return next, d, events
}

func crossedBelow(prev, now, threshold float64) bool {
	return prev >= threshold && now < threshold
}

func sohEvent(s Sample, typ battery.EventType, threshold, now float64) battery.Event {
	return battery.Event{
		BatteryID: s.BatteryID,
		Timestamp: s.Timestamp,
		Type:      typ,
		Message:   fmt.Sprintf("SoH dropped below %g%% (now %.1f%%)", threshold, now),
	}
}

// BlendUserSOH returns the externally reported SOH. With the user override
// enabled it mixes the user's value in with weight UserSOHWeight.
func BlendUserSOH(cfg battery.Config, modelSOH float64) float64 {
	if !cfg.UserOverrideSOH {
		return modelSOH
	}
	w := clamp(cfg.UserSOHWeight, 0, 1)
	return w*cfg.UserSetSOHPct + (1-w)*modelSOH
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
