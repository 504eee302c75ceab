// Package geo provides great-circle distance helpers for location fixes.
package geo

import "math"

// earthRadiusM is the mean Earth radius in metres.
const earthRadiusM = 6371000.0

// DistanceM returns the haversine (great-circle) distance in metres between
// two WGS84 coordinates.
func DistanceM(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// SpeedKmh returns the average speed in km/h implied by covering the
// great-circle distance between two points in the given elapsed seconds.
// Returns 0 when elapsed is not positive.
func SpeedKmh(lat1, lng1, lat2, lng2, elapsedSec float64) float64 {
	if elapsedSec <= 0 {
		return 0
	}
	return DistanceM(lat1, lng1, lat2, lng2) / elapsedSec * 3.6
}
