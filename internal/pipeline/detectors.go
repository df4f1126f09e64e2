package pipeline

import (
	"fmt"
	"time"

	"github.com/banshee-data/battery.report/internal/battery"
)

// Mode is the charge direction of a battery.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeCharging
	ModeDischarging
	ModeIdle
)

func (m Mode) String() string {
	switch m {
	case ModeCharging:
		return "charging"
	case ModeDischarging:
		return "discharging"
	case ModeIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// EventType maps a mode to the event logged when the battery enters it.
func (m Mode) EventType() battery.EventType {
	switch m {
	case ModeCharging:
		return battery.EventCharging
	case ModeDischarging:
		return battery.EventDischarging
	default:
		return battery.EventIdle
	}
}

// ClassifyMode classifies a signed current. Anything within ±eps is idle.
func ClassifyMode(currentA, eps float64) Mode {
	switch {
	case currentA > eps:
		return ModeCharging
	case currentA < -eps:
		return ModeDischarging
	default:
		return ModeIdle
	}
}

// ModeTracker emits an event whenever the classified mode changes,
// including the first classification.
type ModeTracker struct {
	Epsilon float64
	mode    Mode
}

// Mode returns the last classified mode.
func (t *ModeTracker) Mode() Mode { return t.mode }

// Observe classifies currentA and returns an event on a mode edge.
func (t *ModeTracker) Observe(batteryID string, currentA float64, ts time.Time) (battery.Event, bool) {
	mode := ClassifyMode(currentA, t.Epsilon)
	prev := t.mode
	if mode == prev {
		return battery.Event{}, false
	}
	t.mode = mode

	var msg string
	if prev == ModeUnknown {
		switch mode {
		case ModeCharging:
			msg = fmt.Sprintf("Battery %s charging (%.2fA)", batteryID, currentA)
		case ModeDischarging:
			msg = fmt.Sprintf("Battery %s discharging (%.2fA)", batteryID, currentA)
		default:
			msg = fmt.Sprintf("Battery %s idle (%.2fA)", batteryID, currentA)
		}
	} else {
		switch mode {
		case ModeCharging:
			msg = fmt.Sprintf("Battery %s started charging (%.2fA)", batteryID, currentA)
		case ModeDischarging:
			msg = fmt.Sprintf("Battery %s started discharging (%.2fA)", batteryID, currentA)
		default:
			msg = fmt.Sprintf("Battery %s is idle (%.2fA)", batteryID, currentA)
		}
	}
	return battery.Event{BatteryID: batteryID, Timestamp: ts, Type: mode.EventType(), Message: msg}, true
}

// LowSOCDetector raises LOW_SOC when SOC falls to ThresholdPct and
// SOC_RECOVERED when it climbs back above. After an alarm a new LOW_SOC is
// only armed once SOC reaches ThresholdPct + RearmPct.
type LowSOCDetector struct {
	ThresholdPct float64
	RearmPct     float64

	low      bool
	disarmed bool
}

// Low reports whether the detector is currently in the low state.
func (d *LowSOCDetector) Low() bool { return d.low }

// Observe feeds one SOC value and returns an event on an edge.
func (d *LowSOCDetector) Observe(batteryID string, socPct float64, ts time.Time) (battery.Event, bool) {
	if d.disarmed && socPct >= d.ThresholdPct+d.RearmPct {
		d.disarmed = false
	}

	isLow := socPct <= d.ThresholdPct
	switch {
	case isLow && !d.low && !d.disarmed:
		d.low = true
		d.disarmed = true
		return battery.Event{
			BatteryID: batteryID,
			Timestamp: ts,
			Type:      battery.EventLowSOC,
			Message:   fmt.Sprintf("Battery %s low SOC: %.1f%%", batteryID, socPct),
		}, true
	case !isLow && d.low:
		d.low = false
		if d.RearmPct <= 0 {
			d.disarmed = false
		}
		return battery.Event{
			BatteryID: batteryID,
			Timestamp: ts,
			Type:      battery.EventSOCRecovered,
			Message:   fmt.Sprintf("Battery %s SOC recovered: %.1f%%", batteryID, socPct),
		}, true
	}
	return battery.Event{}, false
}
