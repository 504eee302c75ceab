package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Koutacode/tracklog-pwa/internal/config"
)

var trace0 = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func f64(v float64) *float64 { return &v }

// fixAt builds a fix n seconds into the trace, moved north so that the
// inferred speed is roughly kmh. 1 degree of latitude is ~111.19 km.
func fixAt(lat float64, sec int, sensorKmh *float64, accuracyM float64) Fix {
	return Fix{
		Lat:            lat,
		Lng:            139.7,
		AccuracyM:      f64(accuracyM),
		SensorSpeedKmh: sensorKmh,
		At:             trace0.Add(time.Duration(sec) * time.Second),
		Source:         SourceForeground,
	}
}

// latStep returns the latitude delta covering kmh for dtSec seconds.
func latStep(kmh float64, dtSec float64) float64 {
	return kmh / 3600 * dtSec / 111.19
}

func TestProcessRejectsPoorAccuracy(t *testing.T) {
	p := NewProcessor(&config.Tuning{}, ModePrecision)

	_, reject := p.Process(fixAt(35.0, 0, f64(60), 80))
	assert.Equal(t, RejectAccuracy, reject)

	// Battery mode has a looser ceiling; 40 m passes there but not in
	// precision mode (ceiling 25 m).
	_, reject = p.Process(fixAt(35.0, 0, f64(60), 40))
	assert.Equal(t, RejectAccuracy, reject)

	p = NewProcessor(&config.Tuning{}, ModeBattery)
	s, reject := p.Process(fixAt(35.0, 0, f64(60), 40))
	assert.Empty(t, reject)
	require.NotNil(t, s)
}

func TestProcessDebounce(t *testing.T) {
	cfg := &config.Tuning{
		PrecisionMinIntervalSec:   f64(5),
		PrecisionMinDisplacementM: f64(10),
	}
	p := NewProcessor(cfg, ModePrecision)

	_, reject := p.Process(fixAt(35.0, 0, f64(0), 5))
	require.Empty(t, reject)

	// 2 s later, barely moved: both minimums unmet.
	_, reject = p.Process(fixAt(35.00001, 2, f64(0), 5))
	assert.Equal(t, RejectDebounce, reject)

	// Same elapsed time but a real displacement is accepted.
	_, reject = p.Process(fixAt(35.001, 2, f64(0), 5))
	assert.Empty(t, reject)
}

func TestProcessRejectsStaleTimestamp(t *testing.T) {
	p := NewProcessor(&config.Tuning{}, ModePrecision)

	_, reject := p.Process(fixAt(35.0, 10, f64(30), 5))
	require.Empty(t, reject)

	_, reject = p.Process(fixAt(35.001, 10, f64(30), 5))
	assert.Equal(t, RejectStale, reject)

	_, reject = p.Process(fixAt(35.001, 5, f64(30), 5))
	assert.Equal(t, RejectStale, reject)
}

func TestProcessGlitchRejection(t *testing.T) {
	p := NewProcessor(&config.Tuning{}, ModePrecision)

	s, reject := p.Process(fixAt(35.0, 0, f64(60), 5))
	require.Empty(t, reject)
	require.NotNil(t, s)

	// A 2 km jump in 5 s implies ~1440 km/h: a GPS glitch, not motion.
	_, reject = p.Process(fixAt(35.018, 5, f64(60), 5))
	assert.Equal(t, RejectGlitch, reject)

	// State is untouched; the next plausible fix fuses against the original.
	s2, reject := p.Process(fixAt(35.0+latStep(60, 10), 10, f64(60), 5))
	require.Empty(t, reject)
	assert.InDelta(t, 60, s2.InferredSpeedKmh, 2.0)
}

func TestInferredSpeedFromDisplacement(t *testing.T) {
	p := NewProcessor(&config.Tuning{}, ModePrecision)

	_, reject := p.Process(fixAt(35.0, 0, nil, 5))
	require.Empty(t, reject)

	s, reject := p.Process(fixAt(35.0+latStep(72, 10), 10, nil, 5))
	require.Empty(t, reject)
	assert.InDelta(t, 72, s.InferredSpeedKmh, 1.5)
	// No sensor speed: fused speed is the inferred one, weight zero.
	assert.Equal(t, s.InferredSpeedKmh, s.FusedSpeedKmh)
	assert.Zero(t, s.SensorWeight)
}

func TestFusionWeightsByAccuracy(t *testing.T) {
	p := NewProcessor(&config.Tuning{}, ModePrecision)

	// Good accuracy: sensor dominates.
	_, reject := p.Process(fixAt(35.0, 0, f64(60), 5))
	require.Empty(t, reject)
	s, reject := p.Process(fixAt(35.0+latStep(60, 10), 10, f64(70), 5))
	require.Empty(t, reject)
	assert.Equal(t, sensorWeightGood, s.SensorWeight)

	// Poor accuracy (battery mode to pass the ceiling): sensor is dampened.
	p = NewProcessor(&config.Tuning{}, ModeBattery)
	_, reject = p.Process(fixAt(35.0, 0, f64(60), 45))
	require.Empty(t, reject)
	s, reject = p.Process(fixAt(35.0+latStep(60, 10), 10, f64(70), 45))
	require.Empty(t, reject)
	assert.Equal(t, sensorWeightPoor, s.SensorWeight)
}

func TestFusionDisagreementCapsSensorWeight(t *testing.T) {
	p := NewProcessor(&config.Tuning{}, ModePrecision)

	_, reject := p.Process(fixAt(35.0, 0, f64(60), 5))
	require.Empty(t, reject)

	// Displacement says ~60 km/h, sensor claims 120: one of them is wrong,
	// so the sensor weight is capped low.
	s, reject := p.Process(fixAt(35.0+latStep(60, 10), 10, f64(120), 5))
	require.Empty(t, reject)
	cfg := &config.Tuning{}
	assert.LessOrEqual(t, s.SensorWeight, cfg.GetDisagreementCap())
	assert.Less(t, s.FusedSpeedKmh, 90.0, "fused speed must lean toward the inferred value")
}

func TestSmoothingRespondsFasterAtGoodAccuracy(t *testing.T) {
	run := func(accuracyM float64, mode Mode) float64 {
		p := NewProcessor(&config.Tuning{}, mode)
		_, reject := p.Process(fixAt(35.0, 0, f64(0), accuracyM))
		require.Empty(t, reject)
		lat := 35.0
		var last *Sample
		for i := 1; i <= 3; i++ {
			lat += latStep(80, 10)
			s, reject := p.Process(fixAt(lat, i*10, f64(80), accuracyM))
			require.Empty(t, reject)
			last = s
		}
		return last.SmoothedSpeedKmh
	}

	good := run(5, ModePrecision)
	poor := run(45, ModeBattery)
	assert.Greater(t, good, poor, "tight accuracy must converge toward the new speed faster")
}

func TestAccelerationAndStrongEventMemory(t *testing.T) {
	p := NewProcessor(&config.Tuning{}, ModePrecision)

	// Accelerate 0 -> 100 km/h over consecutive 5 s fixes.
	speeds := []float64{0, 30, 60, 90, 100}
	lat := 35.0
	for i, kmh := range speeds {
		if i > 0 {
			lat += latStep((speeds[i-1]+kmh)/2, 5)
		}
		_, reject := p.Process(fixAt(lat, i*5, f64(kmh), 5))
		require.Empty(t, reject)
	}

	accel, ok := p.LastStrongAccel()
	require.True(t, ok, "a strong acceleration must have been recorded")
	assert.Greater(t, accel.Mps2, 0.8)
	assert.InDelta(t, lat, accel.Lat, 0.05, "the event keeps its fix location")

	_, ok = p.LastStrongDecel()
	assert.False(t, ok)

	// Brake to a stop 5 s later: no displacement, sensor reads zero.
	_, reject := p.Process(fixAt(lat, 25, f64(0), 5))
	require.Empty(t, reject)

	at, ok := p.LastStrongDecel()
	require.True(t, ok)
	assert.Equal(t, trace0.Add(25*time.Second), at)

	p.ClearAccelMemory()
	_, ok = p.LastStrongAccel()
	assert.False(t, ok)
}

func TestAccelerationSkippedOutsidePlausibleDt(t *testing.T) {
	p := NewProcessor(&config.Tuning{}, ModePrecision)

	_, reject := p.Process(fixAt(35.0, 0, f64(0), 5))
	require.Empty(t, reject)

	// 60 s between fixes: too long to attribute the speed change to a
	// single acceleration.
	s, reject := p.Process(fixAt(35.0+latStep(50, 60), 60, f64(100), 5))
	require.Empty(t, reject)
	assert.Nil(t, s.AccelMps2)
}

func TestSourceSwitchResetsState(t *testing.T) {
	p := NewProcessor(&config.Tuning{}, ModePrecision)

	_, reject := p.Process(fixAt(35.0, 0, f64(80), 5))
	require.Empty(t, reject)

	bg := fixAt(35.1, 10, f64(80), 5)
	bg.Source = SourceBackground
	s, reject := p.Process(bg)
	require.Empty(t, reject)
	// First fix of a fresh stream: no inferred speed, sensor stands alone.
	assert.Zero(t, s.InferredSpeedKmh)
	assert.Equal(t, 80.0, s.FusedSpeedKmh)
}

func TestSetModeResets(t *testing.T) {
	p := NewProcessor(&config.Tuning{}, ModePrecision)

	_, reject := p.Process(fixAt(35.0, 0, f64(80), 5))
	require.Empty(t, reject)
	require.NotNil(t, p.Last())

	p.SetMode(ModeBattery)
	assert.Nil(t, p.Last())
	assert.Equal(t, ModeBattery, p.Mode())

	// Setting the same mode again must not reset.
	_, reject = p.Process(fixAt(35.0, 10, f64(80), 5))
	require.Empty(t, reject)
	p.SetMode(ModeBattery)
	assert.NotNil(t, p.Last())
}

func TestWindowStats(t *testing.T) {
	p := NewProcessor(&config.Tuning{}, ModePrecision)

	lat := 35.0
	for i := 0; i < 6; i++ {
		_, reject := p.Process(fixAt(lat, i*10, f64(60), 5))
		require.Empty(t, reject)
		lat += latStep(60, 10)
	}

	mean, stddev, n := p.WindowStats(time.Minute)
	assert.Equal(t, 6, n)
	assert.InDelta(t, 60, mean, 5.0)
	assert.Less(t, stddev, 10.0)

	// A narrow window only sees the tail.
	_, _, n = p.WindowStats(15 * time.Second)
	assert.Equal(t, 2, n)

	p.Reset()
	_, _, n = p.WindowStats(time.Minute)
	assert.Zero(t, n)
}
