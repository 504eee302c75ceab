// Package signal turns a raw stream of location fixes into a filtered,
// fused, smoothed speed signal with derived acceleration. One Processor
// serves one trip; fixes are processed sequentially under a lock so
// overlapping provider callbacks cannot interleave fusion state.
package signal

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/Koutacode/tracklog-pwa/internal/config"
	"github.com/Koutacode/tracklog-pwa/internal/geo"
	"github.com/Koutacode/tracklog-pwa/internal/units"
)

// Source identifies which watcher produced a fix. Foreground and background
// watchers run at uncoordinated cadences, so switching between them resets
// all fusion state rather than blending the two streams.
type Source string

const (
	SourceForeground Source = "foreground"
	SourceBackground Source = "background"
)

// Mode selects the fix-acceptance profile.
type Mode string

const (
	// ModePrecision uses tight accuracy and debounce thresholds for active
	// tracking with the app in use.
	ModePrecision Mode = "precision"
	// ModeBattery loosens thresholds for long background tracking.
	ModeBattery Mode = "battery"
)

// Fix is one raw location reading from the provider.
type Fix struct {
	Lat            float64   `json:"lat"`
	Lng            float64   `json:"lng"`
	AccuracyM      *float64  `json:"accuracyM,omitempty"`
	SensorSpeedKmh *float64  `json:"sensorSpeedKmh,omitempty"`
	HeadingDeg     *float64  `json:"headingDeg,omitempty"`
	At             time.Time `json:"at"`
	Source         Source    `json:"source"`
}

// Reject explains why a fix was not accepted.
type Reject string

const (
	RejectAccuracy Reject = "accuracy above mode ceiling"
	RejectDebounce Reject = "below minimum interval and displacement"
	RejectGlitch   Reject = "implausible jump"
	RejectStale    Reject = "fix not newer than last accepted"
)

// Sample is the processed output for one accepted fix.
type Sample struct {
	Fix              Fix
	InferredSpeedKmh float64
	FusedSpeedKmh    float64
	SmoothedSpeedKmh float64
	SensorWeight     float64
	// AccelMps2 is nil when the elapsed time since the previous accepted fix
	// was outside the plausible window.
	AccelMps2 *float64
}

// AccelEvent records a strong acceleration with the fix location where it
// occurred, kept as the candidate expressway entry point.
type AccelEvent struct {
	At   time.Time
	Lat  float64
	Lng  float64
	Mps2 float64
}

// windowSample retains enough of a processed fix for windowed statistics.
type windowSample struct {
	at  time.Time
	kmh float64
}

// maxWindow bounds the retained sample history.
const maxWindow = 256

// Processor filters and fuses one trip's fix stream.
type Processor struct {
	cfg *config.Tuning

	mu   sync.Mutex
	mode Mode

	last          *Sample // last accepted fix, nil right after a reset
	lastSource    Source
	strongAccel   *AccelEvent
	strongDecelAt time.Time
	window        []windowSample
}

func NewProcessor(cfg *config.Tuning, mode Mode) *Processor {
	if cfg == nil {
		cfg = &config.Tuning{}
	}
	if mode == "" {
		mode = ModePrecision
	}
	return &Processor{cfg: cfg, mode: mode}
}

// Mode returns the active acceptance mode.
func (p *Processor) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// SetMode switches the acceptance profile. A change flushes all fusion state
// so samples gathered under the old cadence are never blended with the new.
func (p *Processor) SetMode(m Mode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m == p.mode {
		return
	}
	p.mode = m
	p.resetLocked()
}

// Reset discards all fusion and acceleration state.
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
}

func (p *Processor) resetLocked() {
	p.last = nil
	p.strongAccel = nil
	p.strongDecelAt = time.Time{}
	p.window = p.window[:0]
}

func (p *Processor) ceilings() (accuracyM, minIntervalSec, minDisplacementM float64) {
	if p.mode == ModeBattery {
		return p.cfg.GetBatteryAccuracyCeilingM(),
			p.cfg.GetBatteryMinIntervalSec(),
			p.cfg.GetBatteryMinDisplacementM()
	}
	return p.cfg.GetPrecisionAccuracyCeilingM(),
		p.cfg.GetPrecisionMinIntervalSec(),
		p.cfg.GetPrecisionMinDisplacementM()
}

// accuracyOf returns the fix accuracy, assuming the mode ceiling when the
// provider reported none.
func (p *Processor) accuracyOf(f Fix) float64 {
	if f.AccuracyM != nil {
		return *f.AccuracyM
	}
	ceiling, _, _ := p.ceilings()
	return ceiling
}

// Process runs one fix through acceptance, fusion, and smoothing. It returns
// the processed sample, or a non-empty Reject when the fix was dropped.
// Rejected fixes leave all state untouched, except that a source switch
// resets state before the new fix is considered.
func (p *Processor) Process(f Fix) (*Sample, Reject) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.last != nil && f.Source != p.lastSource {
		// Foreground and background watchers are mutually exclusive; treat
		// the switch as a fresh stream.
		p.resetLocked()
	}

	ceiling, minInterval, minDisplacement := p.ceilings()
	if f.AccuracyM != nil && *f.AccuracyM > ceiling {
		return nil, RejectAccuracy
	}

	var (
		inferred     float64
		displacement float64
		elapsed      float64
	)
	if p.last != nil {
		if !f.At.After(p.last.Fix.At) {
			return nil, RejectStale
		}
		elapsed = f.At.Sub(p.last.Fix.At).Seconds()
		displacement = geo.DistanceM(p.last.Fix.Lat, p.last.Fix.Lng, f.Lat, f.Lng)
		inferred = geo.SpeedKmh(p.last.Fix.Lat, p.last.Fix.Lng, f.Lat, f.Lng, elapsed)

		if displacement > p.cfg.GetGlitchJumpM() && inferred > p.cfg.GetGlitchSpeedKmh() {
			return nil, RejectGlitch
		}
		if elapsed < minInterval && displacement < minDisplacement {
			return nil, RejectDebounce
		}
	}

	accuracy := p.accuracyOf(f)
	fused, weight := p.fuse(f.SensorSpeedKmh, inferred, accuracy, p.last == nil)

	smoothed := fused
	if p.last != nil {
		alpha := p.smoothingAlpha(accuracy)
		smoothed = alpha*fused + (1-alpha)*p.last.SmoothedSpeedKmh
	}

	s := &Sample{
		Fix:              f,
		InferredSpeedKmh: inferred,
		FusedSpeedKmh:    fused,
		SmoothedSpeedKmh: smoothed,
		SensorWeight:     weight,
	}

	if p.last != nil && elapsed >= p.cfg.GetAccelMinDtSec() && elapsed <= p.cfg.GetAccelMaxDtSec() {
		accel := units.KmhToMps(smoothed-p.last.SmoothedSpeedKmh) / elapsed
		s.AccelMps2 = &accel
		if accel >= p.cfg.GetStrongAccelMps2() {
			p.strongAccel = &AccelEvent{At: f.At, Lat: f.Lat, Lng: f.Lng, Mps2: accel}
		}
		if accel <= -p.cfg.GetStrongDecelMps2() {
			p.strongDecelAt = f.At
		}
	}

	p.last = s
	p.lastSource = f.Source
	p.window = append(p.window, windowSample{at: f.At, kmh: smoothed})
	if len(p.window) > maxWindow {
		p.window = p.window[len(p.window)-maxWindow:]
	}
	return s, ""
}

// fuse blends the sensor and inferred speeds by accuracy-dependent weight.
// first is true when there is no previous fix, so no inferred speed exists
// and the sensor value (or zero) stands alone.
func (p *Processor) fuse(sensorKmh *float64, inferredKmh, accuracyM float64, first bool) (kmh, weight float64) {
	if sensorKmh == nil {
		return inferredKmh, 0
	}
	if first {
		return *sensorKmh, 1
	}

	good := p.cfg.GetSensorGoodAccuracyM()
	poor := p.cfg.GetSensorPoorAccuracyM()
	weight = interpolate(accuracyM, good, poor, sensorWeightGood, sensorWeightPoor)

	disagreement := *sensorKmh - inferredKmh
	if disagreement < 0 {
		disagreement = -disagreement
	}
	if disagreement >= p.cfg.GetDisagreementKmh() {
		// One of the two readings is likely wrong; trust the displacement.
		if maxW := p.cfg.GetDisagreementCap(); weight > maxW {
			weight = maxW
		}
	}
	return weight**sensorKmh + (1-weight)*inferredKmh, weight
}

// Sensor fusion weight extremes at good and poor accuracy.
const (
	sensorWeightGood = 0.85
	sensorWeightPoor = 0.25
)

// smoothingAlpha returns the EMA coefficient for the fix accuracy: tighter
// accuracy gets a more responsive (larger) alpha.
func (p *Processor) smoothingAlpha(accuracyM float64) float64 {
	return interpolate(accuracyM,
		p.cfg.GetSensorGoodAccuracyM(), p.cfg.GetSensorPoorAccuracyM(),
		p.cfg.GetSmoothingAlphaGood(), p.cfg.GetSmoothingAlphaPoor())
}

// interpolate maps v linearly from [lo, hi] onto [atLo, atHi], clamped.
func interpolate(v, lo, hi, atLo, atHi float64) float64 {
	if v <= lo {
		return atLo
	}
	if v >= hi {
		return atHi
	}
	frac := (v - lo) / (hi - lo)
	return atLo + frac*(atHi-atLo)
}

// Last returns the most recent accepted sample, or nil after a reset.
func (p *Processor) Last() *Sample {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// LastStrongAccel returns the most recent strong-acceleration event.
func (p *Processor) LastStrongAccel() (AccelEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.strongAccel == nil {
		return AccelEvent{}, false
	}
	return *p.strongAccel, true
}

// LastStrongDecel returns when the most recent strong deceleration occurred.
func (p *Processor) LastStrongDecel() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.strongDecelAt, !p.strongDecelAt.IsZero()
}

// ClearAccelMemory drops the remembered strong acceleration so a stale spike
// cannot trigger an entry long after the speed fell away.
func (p *Processor) ClearAccelMemory() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.strongAccel = nil
}

// WindowStats returns the mean and standard deviation of the smoothed speed
// over accepted fixes within the trailing window d, ending at the last
// accepted fix. n is the number of samples considered.
func (p *Processor) WindowStats(d time.Duration) (mean, stddev float64, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.window) == 0 {
		return 0, 0, 0
	}
	cutoff := p.window[len(p.window)-1].at.Add(-d)
	var speeds []float64
	for i := range p.window {
		if !p.window[i].at.Before(cutoff) {
			speeds = append(speeds, p.window[i].kmh)
		}
	}
	if len(speeds) == 0 {
		return 0, 0, 0
	}
	mean = stat.Mean(speeds, nil)
	if len(speeds) > 1 {
		stddev = stat.StdDev(speeds, nil)
	}
	return mean, stddev, len(speeds)
}
