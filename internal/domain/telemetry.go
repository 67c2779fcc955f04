package domain

import "time"

// PingMessage is one accepted heartbeat from a device, as handed to the pipeline.
type PingMessage struct {
	ReceivedAt time.Time

	DeviceID   int64
	DeviceUUID string

	Battery     *int
	FreeStorage *float64
	Note        string

	HasLocation bool
	Latitude    float64
	Longitude   float64
	Accuracy    *float64
	Provider    string
	// CapturedAt is the device-side fix time; falls back to ReceivedAt.
	CapturedAt time.Time

	RawPayload []byte
}

// Sample returns the location sample carried by the ping, if any.
func (m *PingMessage) Sample() (LocationSample, bool) {
	if !m.HasLocation {
		return LocationSample{}, false
	}
	at := m.CapturedAt
	if at.IsZero() {
		at = m.ReceivedAt
	}
	return LocationSample{
		DeviceID:   m.DeviceID,
		Latitude:   m.Latitude,
		Longitude:  m.Longitude,
		Accuracy:   m.Accuracy,
		Provider:   m.Provider,
		CapturedAt: at,
	}, true
}

// LocationSample is an append-only GPS fix for a device.
type LocationSample struct {
	DeviceID   int64
	Latitude   float64
	Longitude  float64
	Accuracy   *float64
	Provider   string
	CapturedAt time.Time
}

// Device is the registry view the core reads. It is never written by evaluation.
type Device struct {
	ID          int64
	UUID        string
	OwnerName   string
	DisplayName string

	ConsentGiven bool
	Revoked      bool
	LastSeen     *time.Time

	BatteryLevel     *int
	FreeStorageBytes *float64
}

// Monitored reports whether global rules apply to the device.
func (d *Device) Monitored() bool {
	return d.ConsentGiven && !d.Revoked
}

// Label is the human name used in notifications.
func (d *Device) Label() string {
	switch {
	case d.DisplayName != "" && d.OwnerName != "":
		return d.OwnerName + " (" + d.DisplayName + ")"
	case d.DisplayName != "":
		return d.DisplayName
	case d.OwnerName != "":
		return d.OwnerName
	default:
		return d.UUID
	}
}
