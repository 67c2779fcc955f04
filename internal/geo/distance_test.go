package geo

import (
	"math"
	"testing"
)

func TestDistanceMeters_Symmetric(t *testing.T) {
	points := [][2]float64{
		{0, 0},
		{51.5074, -0.1278},
		{40.7128, -74.0060},
		{-33.8688, 151.2093},
		{89.9, 179.9},
		{-89.9, -179.9},
	}

	for _, a := range points {
		for _, b := range points {
			ab := DistanceMeters(a[0], a[1], b[0], b[1])
			ba := DistanceMeters(b[0], b[1], a[0], a[1])
			if math.Abs(ab-ba) > 1e-6 {
				t.Errorf("distance(%v,%v) = %f, reverse = %f", a, b, ab, ba)
			}
		}
	}
}

func TestDistanceMeters_SamePointIsZero(t *testing.T) {
	for _, p := range [][2]float64{{0, 0}, {12.34, 56.78}, {-45, 170}} {
		if d := DistanceMeters(p[0], p[1], p[0], p[1]); d > 1e-9 {
			t.Errorf("distance(%v,%v) = %f, want 0", p, p, d)
		}
	}
}

func TestDistanceMeters_KnownDistances(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		want                   float64
		tolerance              float64
	}{
		{
			name: "one degree of latitude",
			lat1: 0, lon1: 0, lat2: 1, lon2: 0,
			want:      111194.93,
			tolerance: 1,
		},
		{
			name: "london to paris",
			lat1: 51.5074, lon1: -0.1278, lat2: 48.8566, lon2: 2.3522,
			want:      343556,
			tolerance: 1000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DistanceMeters(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			if math.Abs(got-tt.want) > tt.tolerance {
				t.Errorf("DistanceMeters = %f, want %f ± %f", got, tt.want, tt.tolerance)
			}
		})
	}
}

func TestValidCoordinate(t *testing.T) {
	tests := []struct {
		lat, lon float64
		want     bool
	}{
		{0, 0, true},
		{90, 180, true},
		{-90, -180, true},
		{90.0001, 0, false},
		{0, -180.5, false},
		{math.NaN(), 0, false},
		{0, math.NaN(), false},
	}
	for _, tt := range tests {
		if got := ValidCoordinate(tt.lat, tt.lon); got != tt.want {
			t.Errorf("ValidCoordinate(%v, %v) = %v, want %v", tt.lat, tt.lon, got, tt.want)
		}
	}
}
