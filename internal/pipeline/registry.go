package pipeline

import (
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/battery.report/internal/estimate"
)

// Runtime is the in-memory estimator state for one battery. It lives only
// for the process lifetime; the persisted aggregate is the battery row.
type Runtime struct {
	BatteryID     string
	LastTimestamp time.Time
	LastSOCPct    float64

	SOC *estimate.SOCFilter
	SOH *estimate.SOHFilter

	Mode   ModeTracker
	LowSOC LowSOCDetector
}

func (r *Runtime) clone() *Runtime {
	c := *r
	c.SOC = r.SOC.Clone()
	c.SOH = r.SOH.Clone()
	return &c
}

// RuntimeSnapshot is a read-only view of a battery's runtime state.
type RuntimeSnapshot struct {
	BatteryID     string
	LastTimestamp time.Time
	SOCPct        float64
	SOCCovariance float64
	CapacityAh    float64
	Mode          Mode
	LowSOC        bool
}

// Registry holds per-battery runtime state. Only the pipeline mutates it;
// the lock makes Snapshot safe from other goroutines.
type Registry struct {
	mu       sync.RWMutex
	runtimes map[string]*Runtime
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{runtimes: make(map[string]*Runtime)}
}

// lookup returns a private copy of the runtime for id, or nil.
func (r *Registry) lookup(id string) *Runtime {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.runtimes[id]
	if !ok {
		return nil
	}
	return rt.clone()
}

func (r *Registry) put(rt *Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runtimes[rt.BatteryID] = rt
}

// Len returns the number of batteries seen in this process.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runtimes)
}

// Snapshot returns the state of every known battery ordered by ID.
func (r *Registry) Snapshot() []RuntimeSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RuntimeSnapshot, 0, len(r.runtimes))
	for _, rt := range r.runtimes {
		out = append(out, RuntimeSnapshot{
			BatteryID:     rt.BatteryID,
			LastTimestamp: rt.LastTimestamp,
			SOCPct:        rt.SOC.SOC(),
			SOCCovariance: rt.SOC.Covariance(),
			CapacityAh:    rt.SOH.CapacityAh(),
			Mode:          rt.Mode.Mode(),
			LowSOC:        rt.LowSOC.Low(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatteryID < out[j].BatteryID })
	return out
}
