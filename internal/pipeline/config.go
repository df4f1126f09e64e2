package pipeline

import (
	"time"

	"github.com/banshee-data/battery.report/internal/config"
	"github.com/banshee-data/battery.report/internal/estimate"
	"github.com/banshee-data/battery.report/internal/health"
)

// Config holds everything the pipeline needs per tick.
type Config struct {
	PollInterval           time.Duration
	MaxConsecutiveFailures int

	DefaultRatedAh   float64 // rated capacity for lazily created batteries
	DefaultBatteryID string
	InitialSOCPct    float64

	ModeEpsilonA   float64
	LowSOCPct      float64
	LowSOCRearmPct float64

	SOC    estimate.SOCConfig
	SOH    estimate.SOHConfig
	Health health.Tunables
}

// DefaultConfig returns the pipeline configuration with all defaults applied.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyTuningConfig())
}

// ConfigFromTuning derives the pipeline configuration from a tuning config.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		PollInterval:           cfg.GetPollInterval(),
		MaxConsecutiveFailures: cfg.GetMaxConsecutiveFailures(),
		DefaultRatedAh:         cfg.GetDefaultRatedAh(),
		DefaultBatteryID:       cfg.GetDefaultBatteryID(),
		InitialSOCPct:          cfg.GetInitialSOCPct(),
		ModeEpsilonA:           cfg.GetModeEpsilonA(),
		LowSOCPct:              cfg.GetLowSOCPct(),
		LowSOCRearmPct:         cfg.GetLowSOCRearmPct(),
		SOC:                    estimate.SOCConfigFromTuning(cfg),
		SOH:                    estimate.SOHConfigFromTuning(cfg),
		Health:                 health.TunablesFromTuning(cfg),
	}
}
