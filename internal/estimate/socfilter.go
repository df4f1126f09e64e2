package estimate

import (
	"math"

	"github.com/banshee-data/battery.report/internal/config"
)

// SOCConfig holds the tunables of the SOC filter.
type SOCConfig struct {
	Curve             OCVCurve
	InitialCovariance float64 // P at construction (%²)
	ProcessNoise      float64 // base Q per second (%²/s)
	ProcessNoisePerA  float64 // extra Q per second per amp of |current|
	RestCurrentA      float64 // OCV is trusted only below this |current|
	PlausibleMinV     float64 // OCV is trusted only inside [PlausibleMinV, PlausibleMaxV]
	PlausibleMaxV     float64
	WindowSize        int
	MinWindowSamples  int
	InitialR          float64 // R used until the window holds MinWindowSamples
	RFloor            float64
	CovarianceFloor   float64
}

// DefaultSOCConfig returns the built-in SOC filter configuration.
func DefaultSOCConfig() SOCConfig {
	return SOCConfigFromTuning(config.EmptyTuningConfig())
}

// SOCConfigFromTuning builds a SOCConfig from a loaded TuningConfig.
func SOCConfigFromTuning(cfg *config.TuningConfig) SOCConfig {
	return SOCConfig{
		Curve:             OCVCurve{EmptyV: cfg.GetOCVEmptyV(), FullV: cfg.GetOCVFullV()},
		InitialCovariance: cfg.GetSOCInitialCovariance(),
		ProcessNoise:      cfg.GetSOCProcessNoise(),
		ProcessNoisePerA:  cfg.GetSOCProcessNoisePerAmp(),
		RestCurrentA:      cfg.GetSOCRestCurrentA(),
		PlausibleMinV:     cfg.GetOCVPlausibleMinV(),
		PlausibleMaxV:     cfg.GetOCVPlausibleMaxV(),
		WindowSize:        cfg.GetInnovationWindow(),
		MinWindowSamples:  cfg.GetInnovationMinSamples(),
		InitialR:          cfg.GetSOCRInitial(),
		RFloor:            cfg.GetRFloor(),
		CovarianceFloor:   cfg.GetCovarianceFloor(),
	}
}

// SOCResult is the output of one SOC filter step.
type SOCResult struct {
	SOC             float64 // posterior estimate (%)
	P               float64 // posterior covariance
	K               float64 // gain; 0 when the measurement was gated out
	R               float64 // measurement noise used; 0 when gated out
	Z               float64 // OCV measurement (%), computed even when gated out
	Innovation      float64
	UsedMeasurement bool
	DtS             float64 // integration step after flooring
}

// SOCFilter is a one-state adaptive Kalman filter on SOC. It is not safe for
// concurrent use; each battery owns one instance.
type SOCFilter struct {
	cfg    SOCConfig
	x      float64
	p      float64
	window innovationWindow
}

// NewSOCFilter returns a filter seeded at initialSOC percent.
func NewSOCFilter(cfg SOCConfig, initialSOC float64) *SOCFilter {
	if !isFinite(initialSOC) {
		initialSOC = 100
	}
	return &SOCFilter{
		cfg:    cfg,
		x:      clamp(initialSOC, 0, 100),
		p:      math.Max(cfg.InitialCovariance, cfg.CovarianceFloor),
		window: newInnovationWindow(cfg.WindowSize, cfg.MinWindowSamples, cfg.InitialR, cfg.RFloor),
	}
}

// SOC returns the current estimate in percent.
func (f *SOCFilter) SOC() float64 { return f.x }

// Covariance returns the current error covariance.
func (f *SOCFilter) Covariance() float64 { return f.p }

// Clone returns an independent copy of the filter state.
func (f *SOCFilter) Clone() *SOCFilter {
	c := *f
	c.window = f.window.clone()
	return &c
}

// gate reports whether an OCV reading is trustworthy for this sample.
func (f *SOCFilter) gate(voltageV, currentA float64) bool {
	return math.Abs(currentA) < f.cfg.RestCurrentA &&
		voltageV >= f.cfg.PlausibleMinV && voltageV <= f.cfg.PlausibleMaxV
}

// Update runs one predict/update cycle. currentA is positive while charging,
// dtS is the time since the previous sample and capacityAh the capacity used
// for coulomb counting.
func (f *SOCFilter) Update(voltageV, currentA, dtS, capacityAh float64) SOCResult {
	dtS = floorDt(dtS)

	// Predict.
	xPrior := CoulombSOC(f.x, currentA, dtS, capacityAh)
	q := f.cfg.ProcessNoise + f.cfg.ProcessNoisePerA*math.Abs(currentA)
	pPrior := f.p + q*dtS

	res := SOCResult{Z: f.cfg.Curve.SOC(voltageV), DtS: dtS}
	if !f.gate(voltageV, currentA) {
		f.x = xPrior
		f.p = pPrior
		res.SOC = f.x
		res.P = f.p
		return res
	}

	// Update.
	nu := res.Z - xPrior
	f.window.push(nu)
	r := f.window.r()
	k := pPrior / (pPrior + r)

	f.x = clamp(xPrior+k*nu, 0, 100)
	f.p = math.Max((1-k)*pPrior, f.cfg.CovarianceFloor)

	res.SOC = f.x
	res.P = f.p
	res.K = k
	res.R = r
	res.Innovation = nu
	res.UsedMeasurement = true
	return res
}
