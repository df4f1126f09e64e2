package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig holds every estimator, degradation and loop tunable.
// All fields are optional; the Get* methods fall back to the built-in
// defaults so partial files are safe.
type TuningConfig struct {
	// OCV calibration
	OCVEmptyV *float64 `json:"ocv_empty_v,omitempty" yaml:"ocv_empty_v,omitempty"`
	OCVFullV  *float64 `json:"ocv_full_v,omitempty" yaml:"ocv_full_v,omitempty"`

	// New battery defaults
	DefaultRatedAh   *float64 `json:"default_rated_ah,omitempty" yaml:"default_rated_ah,omitempty"`
	DefaultBatteryID *string  `json:"default_battery_id,omitempty" yaml:"default_battery_id,omitempty"`
	InitialSOCPct    *float64 `json:"initial_soc_pct,omitempty" yaml:"initial_soc_pct,omitempty"`

	// SOC filter
	SOCInitialCovariance  *float64 `json:"soc_initial_covariance,omitempty" yaml:"soc_initial_covariance,omitempty"`
	SOCProcessNoise       *float64 `json:"soc_process_noise,omitempty" yaml:"soc_process_noise,omitempty"`
	SOCProcessNoisePerAmp *float64 `json:"soc_process_noise_per_amp,omitempty" yaml:"soc_process_noise_per_amp,omitempty"`
	SOCRestCurrentA       *float64 `json:"soc_rest_current_a,omitempty" yaml:"soc_rest_current_a,omitempty"`
	OCVPlausibleMinV      *float64 `json:"ocv_plausible_min_v,omitempty" yaml:"ocv_plausible_min_v,omitempty"`
	OCVPlausibleMaxV      *float64 `json:"ocv_plausible_max_v,omitempty" yaml:"ocv_plausible_max_v,omitempty"`
	SOCRInitial           *float64 `json:"soc_r_initial,omitempty" yaml:"soc_r_initial,omitempty"`

	// Shared innovation window
	InnovationWindow     *int     `json:"innovation_window,omitempty" yaml:"innovation_window,omitempty"`
	InnovationMinSamples *int     `json:"innovation_min_samples,omitempty" yaml:"innovation_min_samples,omitempty"`
	RFloor               *float64 `json:"r_floor,omitempty" yaml:"r_floor,omitempty"`
	CovarianceFloor      *float64 `json:"covariance_floor,omitempty" yaml:"covariance_floor,omitempty"`

	// SOH filter
	SOHInitialCovariance *float64 `json:"soh_initial_covariance,omitempty" yaml:"soh_initial_covariance,omitempty"`
	SOHProcessNoise      *float64 `json:"soh_process_noise,omitempty" yaml:"soh_process_noise,omitempty"`
	SOHRInitial          *float64 `json:"soh_r_initial,omitempty" yaml:"soh_r_initial,omitempty"`
	SOHMinDeltaAh        *float64 `json:"soh_min_delta_ah,omitempty" yaml:"soh_min_delta_ah,omitempty"`

	// Degradation and cycle model
	LossAhPerDischargedAh  *float64 `json:"loss_ah_per_discharged_ah,omitempty" yaml:"loss_ah_per_discharged_ah,omitempty"`
	LossAhPerDischargeHour *float64 `json:"loss_ah_per_discharge_hour,omitempty" yaml:"loss_ah_per_discharge_hour,omitempty"`
	DischargeThresholdA    *float64 `json:"discharge_threshold_a,omitempty" yaml:"discharge_threshold_a,omitempty"`
	MinSOHPct              *float64 `json:"min_soh_pct,omitempty" yaml:"min_soh_pct,omitempty"`
	MaxSOHPct              *float64 `json:"max_soh_pct,omitempty" yaml:"max_soh_pct,omitempty"`
	SOHWarnPct             *float64 `json:"soh_warn_pct,omitempty" yaml:"soh_warn_pct,omitempty"`
	SOHCriticalPct         *float64 `json:"soh_critical_pct,omitempty" yaml:"soh_critical_pct,omitempty"`

	// Event detection
	ModeEpsilonA   *float64 `json:"mode_epsilon_a,omitempty" yaml:"mode_epsilon_a,omitempty"`
	LowSOCPct      *float64 `json:"low_soc_pct,omitempty" yaml:"low_soc_pct,omitempty"`
	LowSOCRearmPct *float64 `json:"low_soc_rearm_pct,omitempty" yaml:"low_soc_rearm_pct,omitempty"`

	// Polling loop
	PollInterval           *string `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"` // duration string like "1.5s"
	MaxConsecutiveFailures *int    `json:"max_consecutive_failures,omitempty" yaml:"max_consecutive_failures,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON or YAML file.
// Fields omitted from the file keep their defaults.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath,
// searching the current directory and its parents. Panics if the file is missing.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are usable.
func (c *TuningConfig) Validate() error {
	if c.OCVEmptyV != nil || c.OCVFullV != nil {
		if c.GetOCVFullV() <= c.GetOCVEmptyV() {
			return fmt.Errorf("ocv_full_v (%f) must be greater than ocv_empty_v (%f)", c.GetOCVFullV(), c.GetOCVEmptyV())
		}
	}
	if c.DefaultRatedAh != nil && *c.DefaultRatedAh <= 0 {
		return fmt.Errorf("default_rated_ah must be positive, got %f", *c.DefaultRatedAh)
	}
	if c.InitialSOCPct != nil && (*c.InitialSOCPct < 0 || *c.InitialSOCPct > 100) {
		return fmt.Errorf("initial_soc_pct must be between 0 and 100, got %f", *c.InitialSOCPct)
	}
	if c.InnovationWindow != nil && *c.InnovationWindow < 2 {
		return fmt.Errorf("innovation_window must be at least 2, got %d", *c.InnovationWindow)
	}
	if c.InnovationMinSamples != nil && *c.InnovationMinSamples < 2 {
		return fmt.Errorf("innovation_min_samples must be at least 2, got %d", *c.InnovationMinSamples)
	}
	if c.GetInnovationMinSamples() > c.GetInnovationWindow() {
		return fmt.Errorf("innovation_min_samples (%d) exceeds innovation_window (%d)", c.GetInnovationMinSamples(), c.GetInnovationWindow())
	}
	if c.RFloor != nil && *c.RFloor <= 0 {
		return fmt.Errorf("r_floor must be positive, got %g", *c.RFloor)
	}
	if c.CovarianceFloor != nil && *c.CovarianceFloor <= 0 {
		return fmt.Errorf("covariance_floor must be positive, got %g", *c.CovarianceFloor)
	}
	if c.OCVPlausibleMinV != nil || c.OCVPlausibleMaxV != nil {
		if c.GetOCVPlausibleMaxV() <= c.GetOCVPlausibleMinV() {
			return fmt.Errorf("ocv_plausible_max_v must be greater than ocv_plausible_min_v")
		}
	}
	if c.MinSOHPct != nil || c.MaxSOHPct != nil {
		if c.GetMinSOHPct() < 0 || c.GetMaxSOHPct() > 120 || c.GetMinSOHPct() > c.GetMaxSOHPct() {
			return fmt.Errorf("invalid soh range [%f, %f]", c.GetMinSOHPct(), c.GetMaxSOHPct())
		}
	}
	if c.LowSOCPct != nil && (*c.LowSOCPct < 0 || *c.LowSOCPct > 100) {
		return fmt.Errorf("low_soc_pct must be between 0 and 100, got %f", *c.LowSOCPct)
	}
	if c.LowSOCRearmPct != nil && *c.LowSOCRearmPct < 0 {
		return fmt.Errorf("low_soc_rearm_pct must be non-negative, got %f", *c.LowSOCRearmPct)
	}
	if c.ModeEpsilonA != nil && *c.ModeEpsilonA < 0 {
		return fmt.Errorf("mode_epsilon_a must be non-negative, got %f", *c.ModeEpsilonA)
	}
	if c.PollInterval != nil && *c.PollInterval != "" {
		d, err := time.ParseDuration(*c.PollInterval)
		if err != nil {
			return fmt.Errorf("invalid poll_interval '%s': %w", *c.PollInterval, err)
		}
		if d <= 0 {
			return fmt.Errorf("poll_interval must be positive, got %s", d)
		}
	}
	if c.MaxConsecutiveFailures != nil && *c.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("max_consecutive_failures must be at least 1, got %d", *c.MaxConsecutiveFailures)
	}
	return nil
}

// Warnings reports settings that are valid but can never take effect.
func (c *TuningConfig) Warnings() []string {
	var out []string
	// Effective capacity is clamped at min_soh_pct and thresholds fire on
	// SOH strictly below them.
	if c.GetSOHCriticalPct() <= c.GetMinSOHPct() {
		out = append(out, fmt.Sprintf("soh_critical_pct (%g) is not above min_soh_pct (%g): SOH_CRITICAL can never fire", c.GetSOHCriticalPct(), c.GetMinSOHPct()))
	}
	if c.GetSOHWarnPct() <= c.GetMinSOHPct() {
		out = append(out, fmt.Sprintf("soh_warn_pct (%g) is not above min_soh_pct (%g): SOH_WARN can never fire", c.GetSOHWarnPct(), c.GetMinSOHPct()))
	}
	return out
}

func getFloat(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func getInt(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// GetOCVEmptyV returns the voltage mapped to 0% SOC.
func (c *TuningConfig) GetOCVEmptyV() float64 { return getFloat(c.OCVEmptyV, 11.8) }

// GetOCVFullV returns the voltage mapped to 100% SOC.
func (c *TuningConfig) GetOCVFullV() float64 { return getFloat(c.OCVFullV, 12.6) }

// GetDefaultRatedAh returns the rated capacity given to newly seen batteries.
func (c *TuningConfig) GetDefaultRatedAh() float64 { return getFloat(c.DefaultRatedAh, 40) }

// GetDefaultBatteryID returns the identity assigned to samples without one.
func (c *TuningConfig) GetDefaultBatteryID() string {
	if c.DefaultBatteryID == nil || *c.DefaultBatteryID == "" {
		return "BATT_DEFAULT"
	}
	return *c.DefaultBatteryID
}

// GetInitialSOCPct returns the SOC a fresh runtime state starts from.
func (c *TuningConfig) GetInitialSOCPct() float64 { return getFloat(c.InitialSOCPct, 100) }

func (c *TuningConfig) GetSOCInitialCovariance() float64 {
	return getFloat(c.SOCInitialCovariance, 1)
}

// GetSOCProcessNoise returns the base process noise per second.
func (c *TuningConfig) GetSOCProcessNoise() float64 { return getFloat(c.SOCProcessNoise, 1e-6) }

// GetSOCProcessNoisePerAmp returns the additional process noise per second per amp of |current|.
func (c *TuningConfig) GetSOCProcessNoisePerAmp() float64 {
	return getFloat(c.SOCProcessNoisePerAmp, 1e-6)
}

// GetSOCRestCurrentA returns the |current| below which OCV is trusted.
func (c *TuningConfig) GetSOCRestCurrentA() float64 { return getFloat(c.SOCRestCurrentA, 0.2) }

func (c *TuningConfig) GetOCVPlausibleMinV() float64 { return getFloat(c.OCVPlausibleMinV, 10.5) }

func (c *TuningConfig) GetOCVPlausibleMaxV() float64 { return getFloat(c.OCVPlausibleMaxV, 13.5) }

func (c *TuningConfig) GetSOCRInitial() float64 { return getFloat(c.SOCRInitial, 0.5) }

// GetInnovationWindow returns the sliding window length shared by both filters.
func (c *TuningConfig) GetInnovationWindow() int { return getInt(c.InnovationWindow, 30) }

// GetInnovationMinSamples returns how many innovations are needed before the
// window variance replaces the initial R.
func (c *TuningConfig) GetInnovationMinSamples() int { return getInt(c.InnovationMinSamples, 3) }

func (c *TuningConfig) GetRFloor() float64 { return getFloat(c.RFloor, 1e-4) }

func (c *TuningConfig) GetCovarianceFloor() float64 { return getFloat(c.CovarianceFloor, 1e-9) }

func (c *TuningConfig) GetSOHInitialCovariance() float64 {
	return getFloat(c.SOHInitialCovariance, 1)
}

func (c *TuningConfig) GetSOHProcessNoise() float64 { return getFloat(c.SOHProcessNoise, 1e-6) }

func (c *TuningConfig) GetSOHRInitial() float64 { return getFloat(c.SOHRInitial, 1.0) }

// GetSOHMinDeltaAh returns the |ΔAh| below which the capacity update is skipped.
func (c *TuningConfig) GetSOHMinDeltaAh() float64 { return getFloat(c.SOHMinDeltaAh, 1e-12) }

func (c *TuningConfig) GetLossAhPerDischargedAh() float64 {
	return getFloat(c.LossAhPerDischargedAh, 0.0004)
}

func (c *TuningConfig) GetLossAhPerDischargeHour() float64 {
	return getFloat(c.LossAhPerDischargeHour, 0.00001)
}

// GetDischargeThresholdA returns the current below which a battery counts as discharging.
func (c *TuningConfig) GetDischargeThresholdA() float64 {
	return getFloat(c.DischargeThresholdA, -0.05)
}

func (c *TuningConfig) GetMinSOHPct() float64 { return getFloat(c.MinSOHPct, 70) }

func (c *TuningConfig) GetMaxSOHPct() float64 { return getFloat(c.MaxSOHPct, 100) }

func (c *TuningConfig) GetSOHWarnPct() float64 { return getFloat(c.SOHWarnPct, 80) }

func (c *TuningConfig) GetSOHCriticalPct() float64 { return getFloat(c.SOHCriticalPct, 70) }

func (c *TuningConfig) GetModeEpsilonA() float64 { return getFloat(c.ModeEpsilonA, 0.05) }

func (c *TuningConfig) GetLowSOCPct() float64 { return getFloat(c.LowSOCPct, 20) }

// GetLowSOCRearmPct returns how far above the low threshold SOC must climb
// before another LOW_SOC can fire.
func (c *TuningConfig) GetLowSOCRearmPct() float64 { return getFloat(c.LowSOCRearmPct, 5) }

// GetPollInterval parses and returns the PollInterval as a time.Duration.
func (c *TuningConfig) GetPollInterval() time.Duration {
	if c.PollInterval == nil || *c.PollInterval == "" {
		return 1500 * time.Millisecond
	}
	d, err := time.ParseDuration(*c.PollInterval)
	if err != nil || d <= 0 {
		return 1500 * time.Millisecond
	}
	return d
}

func (c *TuningConfig) GetMaxConsecutiveFailures() int {
	return getInt(c.MaxConsecutiveFailures, 5)
}
