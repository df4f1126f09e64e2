package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/battery.report/internal/battery"
	"github.com/banshee-data/battery.report/internal/estimate"
	"github.com/banshee-data/battery.report/internal/health"
	"github.com/banshee-data/battery.report/internal/monitoring"
	"github.com/banshee-data/battery.report/internal/timeutil"
)

// ErrStorageUnavailable is returned by Run and Drain once storage has
// failed MaxConsecutiveFailures ticks in a row.
var ErrStorageUnavailable = errors.New("storage unavailable")

// maxConfigRetries bounds how often one sample is recomputed because its
// battery was reconfigured between resolve and commit.
const maxConfigRetries = 3

// Store is the persistence the pipeline consumes from and commits to.
type Store interface {
	// OldestRawSample returns the head of the queue, or nil when empty.
	OldestRawSample(ctx context.Context) (*battery.RawSample, error)
	DeleteRawSample(ctx context.Context, id int64) error
	EnsureBattery(ctx context.Context, id string, defaultRatedAh float64) (battery.Config, error)
	// CommitSample writes reading, battery and events atomically. It returns
	// an error wrapping battery.ErrAlreadyCommitted if the raw sample was
	// already processed.
	CommitSample(ctx context.Context, c *battery.Commit) error
}

// Stats summarizes pipeline activity since start.
type Stats struct {
	Processed           int
	Dropped             int // malformed samples deleted unprocessed
	Duplicates          int // samples found already committed
	ConsecutiveFailures int
	LastTickAt          time.Time
	LastError           string
}

// Pipeline consumes raw samples one per tick and turns each into a
// processed reading, an updated battery aggregate and events.
type Pipeline struct {
	store    Store
	registry *Registry
	clock    timeutil.Clock
	cfg      Config
	log      *logrus.Entry

	mu    sync.Mutex
	stats Stats
}

// New builds a pipeline. A nil registry or clock gets a fresh registry and
// the real clock.
func New(store Store, registry *Registry, clock timeutil.Clock, cfg Config) *Pipeline {
	if registry == nil {
		registry = NewRegistry()
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Pipeline{
		store:    store,
		registry: registry,
		clock:    clock,
		cfg:      cfg,
		log:      monitoring.WithComponent("pipeline"),
	}
}

// Registry returns the registry the pipeline writes to.
func (p *Pipeline) Registry() *Registry { return p.registry }

// Stats returns a copy of the current counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Run polls the queue every PollInterval until ctx is cancelled. It returns
// nil on cancellation and ErrStorageUnavailable when storage keeps failing.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	p.log.WithField("interval", p.cfg.PollInterval).Info("pipeline started")

	for {
		select {
		case <-ctx.Done():
			p.log.Info("pipeline stopped")
			return nil
		case <-ticker.C():
			if _, err := p.step(ctx); err != nil {
				return err
			}
		}
	}
}

// Drain processes samples back to back until the queue is empty and
// returns how many samples were consumed.
func (p *Pipeline) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		advanced, err := p.step(ctx)
		if err != nil {
			return n, err
		}
		if !advanced {
			if p.Stats().ConsecutiveFailures == 0 {
				return n, nil
			}
			continue
		}
		n++
	}
}

// step runs one tick and applies the consecutive-failure policy.
func (p *Pipeline) step(ctx context.Context) (bool, error) {
	advanced, err := p.Tick(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.LastTickAt = p.clock.Now()
	if err == nil {
		p.stats.ConsecutiveFailures = 0
		return advanced, nil
	}

	p.stats.ConsecutiveFailures++
	p.stats.LastError = err.Error()
	p.log.WithError(err).WithField("consecutive_failures", p.stats.ConsecutiveFailures).Error("tick failed")
	if limit := p.cfg.MaxConsecutiveFailures; limit > 0 && p.stats.ConsecutiveFailures >= limit {
		return advanced, fmt.Errorf("%w: %d consecutive failures: %w", ErrStorageUnavailable, p.stats.ConsecutiveFailures, err)
	}
	return advanced, nil
}

// Tick processes at most one raw sample. It reports whether the queue
// head was consumed. Once a sample is fetched the rest of the tick ignores
// cancellation so a sample is never half processed.
func (p *Pipeline) Tick(ctx context.Context) (bool, error) {
	raw, err := p.store.OldestRawSample(ctx)
	if err != nil {
		return false, fmt.Errorf("fetch raw sample: %w", err)
	}
	if raw == nil {
		return false, nil
	}
	ctx = context.WithoutCancel(ctx)
	log := p.log.WithField("raw_id", raw.ID)

	sample, err := Sanitize(*raw, p.cfg.DefaultBatteryID, p.clock.Now())
	if err != nil {
		log.WithError(err).Warn("dropping malformed sample")
		if err := p.store.DeleteRawSample(ctx, raw.ID); err != nil {
			return false, fmt.Errorf("delete malformed raw sample %d: %w", raw.ID, err)
		}
		p.count(func(s *Stats) { s.Dropped++ })
		return true, nil
	}

	var (
		commit *battery.Commit
		rt     *Runtime
	)
	for attempt := 1; ; attempt++ {
		cfg, err := p.store.EnsureBattery(ctx, sample.BatteryID, p.cfg.DefaultRatedAh)
		if err != nil {
			return false, fmt.Errorf("resolve battery %s: %w", sample.BatteryID, err)
		}
		commit, rt = p.process(sample, cfg)
		err = p.store.CommitSample(ctx, commit)
		if errors.Is(err, battery.ErrConfigChanged) && attempt < maxConfigRetries {
			log.WithField("battery_id", sample.BatteryID).Info("battery config changed during processing, recomputing")
			continue
		}
		if errors.Is(err, battery.ErrAlreadyCommitted) {
			log.Warn("raw sample already committed, deleting without reprocessing")
			if err := p.store.DeleteRawSample(ctx, raw.ID); err != nil {
				return false, fmt.Errorf("delete committed raw sample %d: %w", raw.ID, err)
			}
			p.count(func(s *Stats) { s.Duplicates++ })
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("commit raw sample %d: %w", raw.ID, err)
		}
		break
	}
	p.registry.put(rt)

	if err := p.store.DeleteRawSample(ctx, raw.ID); err != nil {
		// The next tick sees ErrAlreadyCommitted and retries the delete.
		return false, fmt.Errorf("delete raw sample %d: %w", raw.ID, err)
	}
	p.count(func(s *Stats) { s.Processed++ })

	log.WithFields(logrus.Fields{
		"battery_id": sample.BatteryID,
		"soc_kalman": commit.Reading.SOCKalman,
		"soh_pct":    commit.Reading.SOHPct,
		"events":     len(commit.Events),
	}).Debug("sample processed")
	return true, nil
}

func (p *Pipeline) count(f func(*Stats)) {
	p.mu.Lock()
	f(&p.stats)
	p.mu.Unlock()
}

// process computes everything derived from one sample on a private copy of
// the battery's runtime. The caller publishes the runtime after commit.
func (p *Pipeline) process(s Sample, cfg battery.Config) (*battery.Commit, *Runtime) {
	var events []battery.Event

	rt := p.registry.lookup(s.BatteryID)
	if rt == nil {
		rt = p.newRuntime(cfg)
		events = append(events, battery.Event{
			BatteryID: s.BatteryID,
			Timestamp: s.Timestamp,
			Type:      battery.EventConnected,
			Message:   fmt.Sprintf("Battery %s started sending data", s.BatteryID),
		})
	} else if rt.SOH.RatedAh() != cfg.RatedAh {
		rt.SOH = estimate.NewSOHFilter(p.cfg.SOH, cfg.RatedAh, sohSeedAh(cfg))
	}

	dt := 1.0
	if !rt.LastTimestamp.IsZero() {
		dt = math.Max(estimate.MinDtSeconds, s.Timestamp.Sub(rt.LastTimestamp).Seconds())
	}
	capAh := cfg.EffectiveCapacityAh
	if capAh <= 0 {
		capAh = cfg.RatedAh
	}

	socOCV := p.cfg.SOC.Curve.SOC(s.VoltageV)
	socCoulomb := estimate.CoulombSOC(rt.LastSOCPct, s.CurrentA, dt, capAh)
	socRes := rt.SOC.Update(s.VoltageV, s.CurrentA, dt, capAh)
	sohRes := rt.SOH.Update(socOCV, s.CurrentA, dt)

	next, derived, healthEvents := health.Apply(
		health.StateFromConfig(cfg),
		health.Sample{BatteryID: s.BatteryID, Timestamp: s.Timestamp, CurrentA: s.CurrentA},
		p.cfg.Health,
	)
	updated := next.ApplyTo(cfg)

	if ev, ok := rt.Mode.Observe(s.BatteryID, s.CurrentA, s.Timestamp); ok {
		events = append(events, ev)
	}
	if ev, ok := rt.LowSOC.Observe(s.BatteryID, socRes.SOC, s.Timestamp); ok {
		events = append(events, ev)
	}
	events = append(events, healthEvents...)

	rt.LastTimestamp = s.Timestamp
	rt.LastSOCPct = socRes.SOC

	reading := battery.Reading{
		RawID:               s.RawID,
		BatteryID:           s.BatteryID,
		Timestamp:           s.Timestamp,
		VoltageV:            s.VoltageV,
		CurrentA:            s.CurrentA,
		PowerW:              s.VoltageV * s.CurrentA,
		EstimatedAh:         derived.DischargedAhThisStep,
		SOCOCV:              socOCV,
		SOCCoulomb:          socCoulomb,
		SOCKalman:           socRes.SOC,
		SOHPct:              health.BlendUserSOH(updated, next.SOHPct),
		EffectiveCapacityAh: next.EffectiveCapacityAh,
		CycleCount:          next.CycleCount,
		SOHEKFPct:           sohRes.SOHPct,
		CapacityEKFAh:       sohRes.CapacityAh,
		UsedMeasurement:     socRes.UsedMeasurement,
	}

	return &battery.Commit{
		RawID:   s.RawID,
		Reading: reading,
		Battery: updated,
		Events:  events,
	}, rt
}

func (p *Pipeline) newRuntime(cfg battery.Config) *Runtime {
	return &Runtime{
		BatteryID:  cfg.BatteryID,
		LastSOCPct: p.cfg.InitialSOCPct,
		SOC:        estimate.NewSOCFilter(p.cfg.SOC, p.cfg.InitialSOCPct),
		SOH:        estimate.NewSOHFilter(p.cfg.SOH, cfg.RatedAh, sohSeedAh(cfg)),
		Mode:       ModeTracker{Epsilon: p.cfg.ModeEpsilonA},
		LowSOC:     LowSOCDetector{ThresholdPct: p.cfg.LowSOCPct, RearmPct: p.cfg.LowSOCRearmPct},
	}
}

// sohSeedAh is the capacity the SOH filter starts from: the user's SOH when
// overridden, otherwise the persisted effective capacity.
func sohSeedAh(cfg battery.Config) float64 {
	if cfg.UserOverrideSOH {
		return cfg.UserSetSOHPct * cfg.RatedAh / 100
	}
	return cfg.EffectiveCapacityAh
}
