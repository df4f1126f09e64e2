package estimate

import (
	"math"

	"github.com/banshee-data/battery.report/internal/config"
)

// minCapacityFloorAh is the absolute lower bound on the capacity estimate.
const minCapacityFloorAh = 0.1

// SOHConfig holds the tunables of the capacity filter.
type SOHConfig struct {
	InitialCovariance float64 // P at construction (Ah²)
	ProcessNoise      float64 // capacity random walk per second (Ah²/s)
	WindowSize        int
	MinWindowSamples  int
	InitialR          float64
	RFloor            float64
	CovarianceFloor   float64
	MinDeltaAh        float64 // |ΔAh| below which the capacity is not observable
	FloorPct          float64 // lower clamp on capacity as percent of rated
}

// DefaultSOHConfig returns the built-in capacity filter configuration.
func DefaultSOHConfig() SOHConfig {
	return SOHConfigFromTuning(config.EmptyTuningConfig())
}

// SOHConfigFromTuning builds a SOHConfig from a loaded TuningConfig.
func SOHConfigFromTuning(cfg *config.TuningConfig) SOHConfig {
	return SOHConfig{
		InitialCovariance: cfg.GetSOHInitialCovariance(),
		ProcessNoise:      cfg.GetSOHProcessNoise(),
		WindowSize:        cfg.GetInnovationWindow(),
		MinWindowSamples:  cfg.GetInnovationMinSamples(),
		InitialR:          cfg.GetSOHRInitial(),
		RFloor:            cfg.GetRFloor(),
		CovarianceFloor:   cfg.GetCovarianceFloor(),
		MinDeltaAh:        cfg.GetSOHMinDeltaAh(),
		FloorPct:          cfg.GetMinSOHPct(),
	}
}

// SOHResult is the output of one capacity filter step.
type SOHResult struct {
	CapacityAh float64
	SOHPct     float64 // 100 × CapacityAh / rated
	K          float64
	P          float64
	R          float64
	Updated    bool // false when the step carried no capacity information
}

// SOHFilter is a scalar extended Kalman filter on effective capacity. The
// measurement is OCV-derived SOC, predicted by coulomb counting from the
// previous measurement with the current capacity estimate.
type SOHFilter struct {
	cfg     SOHConfig
	ratedAh float64
	c       float64
	p       float64
	lastZ   float64
	hasZ    bool
	window  innovationWindow
}

// NewSOHFilter returns a filter for a battery with the given rated capacity,
// seeded at initialAh.
func NewSOHFilter(cfg SOHConfig, ratedAh, initialAh float64) *SOHFilter {
	ratedAh = floorCapacity(ratedAh)
	f := &SOHFilter{
		cfg:     cfg,
		ratedAh: ratedAh,
		p:       math.Max(cfg.InitialCovariance, cfg.CovarianceFloor),
		window:  newInnovationWindow(cfg.WindowSize, cfg.MinWindowSamples, cfg.InitialR, cfg.RFloor),
	}
	if !isFinite(initialAh) || initialAh <= 0 {
		initialAh = ratedAh
	}
	f.c = clamp(initialAh, f.floorAh(), ratedAh)
	return f
}

func (f *SOHFilter) floorAh() float64 {
	return math.Max(minCapacityFloorAh, f.cfg.FloorPct*f.ratedAh/100)
}

// CapacityAh returns the current capacity estimate.
func (f *SOHFilter) CapacityAh() float64 { return f.c }

// RatedAh returns the rated capacity the filter was built for.
func (f *SOHFilter) RatedAh() float64 { return f.ratedAh }

// Clone returns an independent copy of the filter state.
func (f *SOHFilter) Clone() *SOHFilter {
	c := *f
	c.window = f.window.clone()
	return &c
}

func (f *SOHFilter) result(k, r float64, updated bool) SOHResult {
	return SOHResult{
		CapacityAh: f.c,
		SOHPct:     100 * f.c / f.ratedAh,
		K:          k,
		P:          f.p,
		R:          r,
		Updated:    updated,
	}
}

// Update runs one step with OCV-derived SOC z (percent), signed current and
// the elapsed time in seconds.
func (f *SOHFilter) Update(z, currentA, dtS float64) SOHResult {
	dtS = floorDt(dtS)
	socPrev := z
	if f.hasZ {
		socPrev = f.lastZ
	}
	f.lastZ = z
	f.hasZ = true

	f.p += f.cfg.ProcessNoise * dtS

	deltaAh := currentA * dtS / 3600
	if math.Abs(deltaAh) < f.cfg.MinDeltaAh {
		// H ≈ 0: the capacity is unobservable this step.
		return f.result(0, 0, false)
	}

	cPrior := f.c
	socPred := socPrev + 100*deltaAh/cPrior
	nu := z - socPred
	f.window.push(nu)
	r := f.window.r()

	h := -100 * deltaAh / (cPrior * cPrior)
	s := h*h*f.p + r
	k := f.p * h / s

	f.c = clamp(cPrior+k*nu, f.floorAh(), f.ratedAh)
	f.p = math.Max((1-k*h)*f.p, f.cfg.CovarianceFloor)

	return f.result(k, r, true)
}
