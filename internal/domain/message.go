package domain

import "time"

// MessageKind tags a notification with what produced it.
type MessageKind string

const (
	KindGeofence    MessageKind = "geofence"
	KindCustomAlert MessageKind = "custom_alert"
	KindLowBattery  MessageKind = "low_battery"
	KindOffline     MessageKind = "offline"
)

// Message is what a notification channel delivers.
type Message struct {
	Kind    MessageKind
	Subject string
	Body    string
}

// AlertBroadcast is published for live dashboards whenever a geofence event
// is recorded or a rule fires.
type AlertBroadcast struct {
	ID         string      `json:"id"`
	Kind       MessageKind `json:"kind"`
	DeviceID   int64       `json:"device_id"`
	RuleID     *int64      `json:"rule_id,omitempty"`
	GeofenceID *int64      `json:"geofence_id,omitempty"`
	Subject    string      `json:"subject"`
	Body       string      `json:"body"`
	At         time.Time   `json:"at"`
}

// EmailNotification is one row of the outgoing email outbox.
type EmailNotification struct {
	ID        int64
	To        string
	Subject   string
	Body      string
	Kind      MessageKind
	DeviceID  *int64
	CreatedAt time.Time
	SentAt    *time.Time
	FailedAt  *time.Time
	Error     string
}
