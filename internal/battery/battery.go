// Package battery holds the domain records shared by the estimation core,
// the pipeline and the storage layer.
package battery

import (
	"errors"
	"fmt"
	"time"
)

// DefaultID is used for samples that arrive without a battery identity.
const DefaultID = "BATT_DEFAULT"

// ErrAlreadyCommitted is returned by a store when a raw sample has already
// produced a processed reading.
var ErrAlreadyCommitted = errors.New("raw sample already committed")

// ErrConfigChanged is returned by a store when the battery's rated
// capacity changed after the aggregate being committed was read. The
// sample must be recomputed against the fresh aggregate.
var ErrConfigChanged = errors.New("battery config changed since read")

// RawSample is one unconsumed sensor reading from the inbound queue.
// ID is the queue identity used to delete the sample after it is processed.
type RawSample struct {
	ID         int64
	BatteryID  string
	Timestamp  time.Time
	VoltageV   float64
	CurrentA   float64
	ReceivedAt time.Time
}

// Config is the persisted battery aggregate. SOHPct is always derived from
// EffectiveCapacityAh and RatedAh.
type Config struct {
	BatteryID           string
	RatedAh             float64
	EffectiveCapacityAh float64
	SOHPct              float64
	TotalDischargedAh   float64
	DischargeCycleAh    float64
	CycleCount          int
	LastTimestamp       time.Time

	// Externally managed override fields; the core only reads them.
	UserOverrideSOH bool
	UserSetSOHPct   float64
	UserSOHWeight   float64
}

// NewConfig returns the aggregate for a battery seen for the first time.
func NewConfig(id string, ratedAh float64) Config {
	return Config{
		BatteryID:           id,
		RatedAh:             ratedAh,
		EffectiveCapacityAh: ratedAh,
		SOHPct:              100,
		UserSetSOHPct:       100,
		UserSOHWeight:       0.5,
	}
}

// Reading is the processed record written once per consumed RawSample.
type Reading struct {
	ID                  string
	RawID               int64
	BatteryID           string
	Timestamp           time.Time
	VoltageV            float64
	CurrentA            float64
	PowerW              float64
	EstimatedAh         float64
	SOCOCV              float64
	SOCCoulomb          float64
	SOCKalman           float64
	SOHPct              float64
	EffectiveCapacityAh float64
	CycleCount          int

	SOHEKFPct       float64
	CapacityEKFAh   float64
	UsedMeasurement bool
}

// EventType classifies lifecycle events.
type EventType string

const (
	EventConnected      EventType = "CONNECTED"
	EventCharging       EventType = "CHARGING"
	EventDischarging    EventType = "DISCHARGING"
	EventIdle           EventType = "IDLE"
	EventLowSOC         EventType = "LOW_SOC"
	EventSOCRecovered   EventType = "SOC_RECOVERED"
	EventSOHWarn        EventType = "SOH_WARN"
	EventSOHCritical    EventType = "SOH_CRITICAL"
	EventCycleCompleted EventType = "CYCLE_COMPLETED"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventConnected, EventCharging, EventDischarging, EventIdle,
		EventLowSOC, EventSOCRecovered, EventSOHWarn, EventSOHCritical,
		EventCycleCompleted:
		return true
	}
	return false
}

// Event is an append-only lifecycle record, written only on transitions.
type Event struct {
	ID        string
	BatteryID string
	Timestamp time.Time
	Type      EventType
	Message   string
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s [%s] %s", e.Timestamp.UTC().Format(time.RFC3339), e.BatteryID, e.Type, e.Message)
}

// Commit groups everything produced by one processed sample. The storage
// layer writes it atomically and keys idempotence on RawID.
type Commit struct {
	RawID   int64
	Reading Reading
	Battery Config
	Events  []Event
}
