package pipeline

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/banshee-data/battery.report/internal/battery"
)

// ErrMalformedSample marks a raw sample that cannot be processed.
var ErrMalformedSample = errors.New("malformed raw sample")

// Sample is a raw sample after sanitization. All fields are usable.
type Sample struct {
	RawID     int64
	BatteryID string
	Timestamp time.Time
	VoltageV  float64
	CurrentA  float64
}

// Sanitize is the single place raw input is validated. Non-finite voltage
// or current is rejected with ErrMalformedSample. A missing timestamp is
// replaced by now and a blank battery ID by defaultID.
func Sanitize(raw battery.RawSample, defaultID string, now time.Time) (Sample, error) {
	if !finite(raw.VoltageV) {
		return Sample{}, fmt.Errorf("%w: raw_id=%d voltage=%v", ErrMalformedSample, raw.ID, raw.VoltageV)
	}
	if !finite(raw.CurrentA) {
		return Sample{}, fmt.Errorf("%w: raw_id=%d current=%v", ErrMalformedSample, raw.ID, raw.CurrentA)
	}

	id := strings.TrimSpace(raw.BatteryID)
	if id == "" {
		id = defaultID
	}
	if id == "" {
		id = battery.DefaultID
	}

	ts := raw.Timestamp
	if ts.IsZero() || ts.Unix() <= 0 {
		ts = now
	}

	return Sample{
		RawID:     raw.ID,
		BatteryID: id,
		Timestamp: ts.UTC(),
		VoltageV:  raw.VoltageV,
		CurrentA:  raw.CurrentA,
	}, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
