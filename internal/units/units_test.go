package units

import (
	"testing"
	"time"
)

func TestSpeedConversionRoundTrip(t *testing.T) {
	cases := []float64{0, 1, 20, 72.5, 120}
	for _, kmh := range cases {
		got := MpsToKmh(KmhToMps(kmh))
		if diff := got - kmh; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("round trip of %v km/h gave %v", kmh, got)
		}
	}
}

func TestKmhToMps(t *testing.T) {
	if got := KmhToMps(36); got != 10 {
		t.Errorf("KmhToMps(36) = %v, want 10", got)
	}
}

func TestCivilDateUsesJST(t *testing.T) {
	// 2024-03-10 23:30 UTC is already 2024-03-11 08:30 in JST.
	utc := time.Date(2024, 3, 10, 23, 30, 0, 0, time.UTC)
	if got := CivilDate(utc); got != "2024-03-11" {
		t.Errorf("CivilDate(%v) = %q, want 2024-03-11", utc, got)
	}
}

func TestAppLocationFixed(t *testing.T) {
	loc := AppLocation()
	if loc == nil {
		t.Fatal("AppLocation returned nil")
	}
	_, offset := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).In(loc).Zone()
	if offset != 9*60*60 {
		t.Errorf("JST offset = %d, want %d", offset, 9*60*60)
	}
}
