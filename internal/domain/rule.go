package domain

import (
	"time"

	"phone-monitor/alerting/internal/condition"
)

// Channel names a notification sink.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelTelegram Channel = "telegram"
	ChannelDiscord  Channel = "discord"
)

// Channels lists every known channel in delivery order.
var Channels = []Channel{ChannelEmail, ChannelTelegram, ChannelDiscord}

// ParseChannel returns the channel for name, or false if it is not one we deliver to.
func ParseChannel(name string) (Channel, bool) {
	for _, c := range Channels {
		if string(c) == name {
			return c, true
		}
	}
	return "", false
}

// AlertRule is a user-defined condition tree with delivery actions and a cooldown.
type AlertRule struct {
	ID              int64
	Name            string
	DeviceID        *int64
	RuleType        string
	Conditions      condition.Tree
	Actions         []Channel
	Cooldown        time.Duration
	LastTriggeredAt *time.Time
	Enabled         bool
}

// CoolingDown reports whether the rule fired too recently to fire at now.
func (r *AlertRule) CoolingDown(now time.Time) bool {
	if r.LastTriggeredAt == nil {
		return false
	}
	return now.Before(r.LastTriggeredAt.Add(r.Cooldown))
}

// AlertTrigger is the audit row written once per firing per device.
type AlertTrigger struct {
	ID           int64
	RuleID       int64
	DeviceID     int64
	Reason       string
	ActionsTaken map[Channel]bool
	TriggeredAt  time.Time
}
