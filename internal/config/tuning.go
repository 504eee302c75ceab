package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Koutacode/tracklog-pwa/internal/monitoring"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// Tuning holds the detector and signal-fusion thresholds. All values were
// tuned empirically against recorded drives; none of them should be treated
// as optimal, only as working defaults. Fields omitted from the JSON file
// retain their defaults, so partial configs are safe.
type Tuning struct {
	// Expressway entry detection
	EntrySpeedKmh   *float64 `json:"entry_speed_kmh,omitempty"`
	EntryHold       *string  `json:"entry_hold,omitempty"` // duration string like "45s"
	AccelLookback   *string  `json:"accel_lookback,omitempty"`
	AutoCooldown    *string  `json:"auto_cooldown,omitempty"`
	StrongAccelMps2 *float64 `json:"strong_accel_mps2,omitempty"`
	StrongDecelMps2 *float64 `json:"strong_decel_mps2,omitempty"` // magnitude, applied negatively

	// Expressway exit detection
	ExitSpeedKmh    *float64 `json:"exit_speed_kmh,omitempty"`
	ExitHold        *string  `json:"exit_hold,omitempty"`
	LowSpeedKmh     *float64 `json:"low_speed_kmh,omitempty"`
	PromptCooldown  *string  `json:"prompt_cooldown,omitempty"`
	ResumeMarginKmh *float64 `json:"resume_margin_kmh,omitempty"`
	ResumeHold      *string  `json:"resume_hold,omitempty"`

	// Fix acceptance per tracking mode
	PrecisionAccuracyCeilingM  *float64 `json:"precision_accuracy_ceiling_m,omitempty"`
	PrecisionMinIntervalSec    *float64 `json:"precision_min_interval_sec,omitempty"`
	PrecisionMinDisplacementM  *float64 `json:"precision_min_displacement_m,omitempty"`
	BatteryAccuracyCeilingM    *float64 `json:"battery_accuracy_ceiling_m,omitempty"`
	BatteryMinIntervalSec      *float64 `json:"battery_min_interval_sec,omitempty"`
	BatteryMinDisplacementM    *float64 `json:"battery_min_displacement_m,omitempty"`

	// Speed fusion and smoothing
	SensorGoodAccuracyM  *float64 `json:"sensor_good_accuracy_m,omitempty"`
	SensorPoorAccuracyM  *float64 `json:"sensor_poor_accuracy_m,omitempty"`
	DisagreementKmh      *float64 `json:"disagreement_kmh,omitempty"`
	DisagreementCap      *float64 `json:"disagreement_sensor_weight_cap,omitempty"`
	SmoothingAlphaGood   *float64 `json:"smoothing_alpha_good,omitempty"`
	SmoothingAlphaPoor   *float64 `json:"smoothing_alpha_poor,omitempty"`
	GlitchJumpM          *float64 `json:"glitch_jump_m,omitempty"`
	GlitchSpeedKmh       *float64 `json:"glitch_speed_kmh,omitempty"`
	AccelMinDtSec        *float64 `json:"accel_min_dt_sec,omitempty"`
	AccelMaxDtSec        *float64 `json:"accel_max_dt_sec,omitempty"`
}

// LoadTuning loads a Tuning from a JSON file.
func LoadTuning(path string) (*Tuning, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Tuning{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadTuningOrDefault loads the tuning file at path, falling back to
// all-defaults when the file is missing or malformed. A corrupted threshold
// payload must never prevent startup; the Get* accessors supply documented
// defaults for every field.
func LoadTuningOrDefault(path string) *Tuning {
	cfg, err := LoadTuning(path)
	if err != nil {
		monitoring.Logf("Tuning config unusable (%v); using defaults", err)
		return &Tuning{}
	}
	return cfg
}

// Validate checks that the configuration values are valid.
func (c *Tuning) Validate() error {
	for name, v := range map[string]*float64{
		"entry_speed_kmh": c.EntrySpeedKmh,
		"exit_speed_kmh":  c.ExitSpeedKmh,
		"low_speed_kmh":   c.LowSpeedKmh,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be non-negative, got %f", name, *v)
		}
	}
	if c.EntrySpeedKmh != nil && c.ExitSpeedKmh != nil && *c.ExitSpeedKmh >= *c.EntrySpeedKmh {
		return fmt.Errorf("exit_speed_kmh (%f) must be below entry_speed_kmh (%f) for hysteresis",
			*c.ExitSpeedKmh, *c.EntrySpeedKmh)
	}
	if c.DisagreementCap != nil && (*c.DisagreementCap < 0 || *c.DisagreementCap > 1) {
		return fmt.Errorf("disagreement_sensor_weight_cap must be between 0 and 1, got %f", *c.DisagreementCap)
	}
	for name, v := range map[string]*string{
		"entry_hold":      c.EntryHold,
		"accel_lookback":  c.AccelLookback,
		"auto_cooldown":   c.AutoCooldown,
		"exit_hold":       c.ExitHold,
		"prompt_cooldown": c.PromptCooldown,
		"resume_hold":     c.ResumeHold,
	} {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
		}
	}
	return nil
}

func (c *Tuning) duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetEntrySpeedKmh returns the entry speed threshold or the default.
func (c *Tuning) GetEntrySpeedKmh() float64 {
	if c.EntrySpeedKmh == nil {
		return 72.0
	}
	return *c.EntrySpeedKmh
}

// GetEntryHold returns how long entry speed must be sustained.
func (c *Tuning) GetEntryHold() time.Duration {
	return c.duration(c.EntryHold, 45*time.Second)
}

// GetAccelLookback returns the window within which a strong acceleration must
// have occurred for an automatic entry.
func (c *Tuning) GetAccelLookback() time.Duration {
	return c.duration(c.AccelLookback, 120*time.Second)
}

// GetAutoCooldown returns the minimum gap between automatic detector actions.
func (c *Tuning) GetAutoCooldown() time.Duration {
	return c.duration(c.AutoCooldown, 300*time.Second)
}

// GetStrongAccelMps2 returns the strong-acceleration threshold.
func (c *Tuning) GetStrongAccelMps2() float64 {
	if c.StrongAccelMps2 == nil {
		return 0.8
	}
	return *c.StrongAccelMps2
}

// GetStrongDecelMps2 returns the strong-deceleration magnitude threshold.
func (c *Tuning) GetStrongDecelMps2() float64 {
	if c.StrongDecelMps2 == nil {
		return 1.2
	}
	return *c.StrongDecelMps2
}

// GetExitSpeedKmh returns the exit speed threshold or the default.
func (c *Tuning) GetExitSpeedKmh() float64 {
	if c.ExitSpeedKmh == nil {
		return 45.0
	}
	return *c.ExitSpeedKmh
}

// GetExitHold returns how long exit speed must be sustained before prompting.
func (c *Tuning) GetExitHold() time.Duration {
	return c.duration(c.ExitHold, 60*time.Second)
}

// GetLowSpeedKmh returns the very-low speed that qualifies an exit even
// without a recent strong deceleration.
func (c *Tuning) GetLowSpeedKmh() float64 {
	if c.LowSpeedKmh == nil {
		return 20.0
	}
	return *c.LowSpeedKmh
}

// GetPromptCooldown returns the minimum gap between exit prompts.
func (c *Tuning) GetPromptCooldown() time.Duration {
	return c.duration(c.PromptCooldown, 180*time.Second)
}

// GetResumeMarginKmh returns the margin above the exit threshold speed must
// recover to after a "keep" decision.
func (c *Tuning) GetResumeMarginKmh() float64 {
	if c.ResumeMarginKmh == nil {
		return 10.0
	}
	return *c.ResumeMarginKmh
}

// GetResumeHold returns how long recovered speed must hold after "keep".
func (c *Tuning) GetResumeHold() time.Duration {
	return c.duration(c.ResumeHold, 30*time.Second)
}

// GetPrecisionAccuracyCeilingM returns the precision-mode accuracy ceiling.
func (c *Tuning) GetPrecisionAccuracyCeilingM() float64 {
	if c.PrecisionAccuracyCeilingM == nil {
		return 25.0
	}
	return *c.PrecisionAccuracyCeilingM
}

// GetPrecisionMinIntervalSec returns the precision-mode debounce interval.
func (c *Tuning) GetPrecisionMinIntervalSec() float64 {
	if c.PrecisionMinIntervalSec == nil {
		return 1.0
	}
	return *c.PrecisionMinIntervalSec
}

// GetPrecisionMinDisplacementM returns the precision-mode debounce displacement.
func (c *Tuning) GetPrecisionMinDisplacementM() float64 {
	if c.PrecisionMinDisplacementM == nil {
		return 3.0
	}
	return *c.PrecisionMinDisplacementM
}

// GetBatteryAccuracyCeilingM returns the battery-mode accuracy ceiling.
func (c *Tuning) GetBatteryAccuracyCeilingM() float64 {
	if c.BatteryAccuracyCeilingM == nil {
		return 50.0
	}
	return *c.BatteryAccuracyCeilingM
}

// GetBatteryMinIntervalSec returns the battery-mode debounce interval.
func (c *Tuning) GetBatteryMinIntervalSec() float64 {
	if c.BatteryMinIntervalSec == nil {
		return 5.0
	}
	return *c.BatteryMinIntervalSec
}

// GetBatteryMinDisplacementM returns the battery-mode debounce displacement.
func (c *Tuning) GetBatteryMinDisplacementM() float64 {
	if c.BatteryMinDisplacementM == nil {
		return 10.0
	}
	return *c.BatteryMinDisplacementM
}

// GetSensorGoodAccuracyM returns the accuracy at or under which the sensor
// speed gets its maximum fusion weight.
func (c *Tuning) GetSensorGoodAccuracyM() float64 {
	if c.SensorGoodAccuracyM == nil {
		return 12.0
	}
	return *c.SensorGoodAccuracyM
}

// GetSensorPoorAccuracyM returns the accuracy at or over which the sensor
// speed gets its minimum fusion weight.
func (c *Tuning) GetSensorPoorAccuracyM() float64 {
	if c.SensorPoorAccuracyM == nil {
		return 40.0
	}
	return *c.SensorPoorAccuracyM
}

// GetDisagreementKmh returns the sensor/inferred disagreement above which the
// sensor weight is capped.
func (c *Tuning) GetDisagreementKmh() float64 {
	if c.DisagreementKmh == nil {
		return 24.0
	}
	return *c.DisagreementKmh
}

// GetDisagreementCap returns the sensor weight cap under large disagreement.
func (c *Tuning) GetDisagreementCap() float64 {
	if c.DisagreementCap == nil {
		return 0.35
	}
	return *c.DisagreementCap
}

// GetSmoothingAlphaGood returns the EMA coefficient at good accuracy.
func (c *Tuning) GetSmoothingAlphaGood() float64 {
	if c.SmoothingAlphaGood == nil {
		return 0.45
	}
	return *c.SmoothingAlphaGood
}

// GetSmoothingAlphaPoor returns the EMA coefficient at poor accuracy.
func (c *Tuning) GetSmoothingAlphaPoor() float64 {
	if c.SmoothingAlphaPoor == nil {
		return 0.2
	}
	return *c.SmoothingAlphaPoor
}

// GetGlitchJumpM returns the displacement above which a fix is checked for a
// physically implausible jump.
func (c *Tuning) GetGlitchJumpM() float64 {
	if c.GlitchJumpM == nil {
		return 500.0
	}
	return *c.GlitchJumpM
}

// GetGlitchSpeedKmh returns the derived speed above which a large jump is
// rejected as a GPS glitch.
func (c *Tuning) GetGlitchSpeedKmh() float64 {
	if c.GlitchSpeedKmh == nil {
		return 220.0
	}
	return *c.GlitchSpeedKmh
}

// GetAccelMinDtSec returns the minimum plausible dt for deriving acceleration.
func (c *Tuning) GetAccelMinDtSec() float64 {
	if c.AccelMinDtSec == nil {
		return 1.0
	}
	return *c.AccelMinDtSec
}

// GetAccelMaxDtSec returns the maximum plausible dt for deriving acceleration.
func (c *Tuning) GetAccelMaxDtSec() float64 {
	if c.AccelMaxDtSec == nil {
		return 20.0
	}
	return *c.AccelMaxDtSec
}
