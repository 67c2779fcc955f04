package motion

import (
	"fmt"
	"strings"
)

const (
	KmhToMph = 0.621371
	MphToKmh = 1 / KmhToMph
)

// Unit is the speed unit rules and notifications are expressed in.
type Unit string

const (
	Kmh Unit = "kmh"
	Mph Unit = "mph"
)

// ParseUnit accepts "kmh", "km/h", "mph"; empty means km/h.
func ParseUnit(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "kmh", "km/h", "kph":
		return Kmh, nil
	case "mph":
		return Mph, nil
	}
	return "", fmt.Errorf("unknown speed unit %q", s)
}

// FromKmh converts a km/h speed into u.
func (u Unit) FromKmh(v float64) float64 {
	if u == Mph {
		return v * KmhToMph
	}
	return v
}

func (u Unit) Suffix() string {
	if u == Mph {
		return "mph"
	}
	return "km/h"
}
