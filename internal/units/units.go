// Package units provides shared speed conversions and civil-day helpers.
package units

// Conversion factors between the two speed units used in the codebase.
// Location fixes report sensor speed in km/h; acceleration is derived in m/s^2.
const (
	KmhPerMps = 3.6
	MpsPerKmh = 1.0 / 3.6
)

// KmhToMps converts a speed from km/h to m/s.
func KmhToMps(kmh float64) float64 {
	return kmh * MpsPerKmh
}

// MpsToKmh converts a speed from m/s to km/h.
func MpsToKmh(mps float64) float64 {
	return mps * KmhPerMps
}
