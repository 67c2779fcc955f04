// Package geo holds the great-circle math shared by the motion estimator and
// the geofence tracker.
package geo

import (
	"github.com/golang/geo/s2"
)

// EarthRadiusMeters is the mean Earth radius used for every distance we report.
const EarthRadiusMeters = 6371000.0

// DistanceMeters returns the haversine distance between two WGS-84 points given
// in degrees. Out-of-range input is not rejected here; callers validate at
// ingestion with ValidCoordinate.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lon1)
	p2 := s2.LatLngFromDegrees(lat2, lon2)
	return p1.Distance(p2).Radians() * EarthRadiusMeters
}

// ValidCoordinate reports whether lat is in [-90, 90] and lon in [-180, 180].
// NaN fails both checks.
func ValidCoordinate(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
