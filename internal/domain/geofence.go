package domain

import "time"

type GeofenceEventKind string

const (
	GeofenceEnter GeofenceEventKind = "enter"
	GeofenceExit  GeofenceEventKind = "exit"
)

// Geofence is a circular zone. DeviceID nil means it applies to every device.
type Geofence struct {
	ID           int64
	Name         string
	Latitude     float64
	Longitude    float64
	RadiusMeters float64
	DeviceID     *int64
	AlertOnEnter bool
	AlertOnExit  bool
	Active       bool
	CreatedAt    time.Time
}

// GeofenceEvent is one recorded boundary crossing. The most recently recorded
// event for a (device, geofence) pair is the only source of membership state,
// so CreatedAt is server time at insert; CapturedAt is the fix's own time.
type GeofenceEvent struct {
	ID             int64
	GeofenceID     int64
	DeviceID       int64
	Kind           GeofenceEventKind
	Latitude       float64
	Longitude      float64
	DistanceMeters float64
	CapturedAt     time.Time
	CreatedAt      time.Time
}
