// Package devicealert raises the built-in device health alerts: low battery
// on ingestion and the periodic offline sweep.
package devicealert

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"phone-monitor/alerting/internal/domain"
	"phone-monitor/alerting/internal/logging"
)

// OfflineWindow is the width of the last-seen band a sweep looks at. A device
// falls into it once as it crosses the offline threshold.
const OfflineWindow = time.Hour

// Dedup suppresses repeats of the same alert kind for a device.
type Dedup interface {
	ClaimAlert(ctx context.Context, deviceID int64, kind domain.MessageKind, ttl time.Duration) (bool, error)
	ReleaseAlert(ctx context.Context, deviceID int64, kind domain.MessageKind) error
}

type Sink interface {
	Deliver(ctx context.Context, channel domain.Channel, device *domain.Device, msg domain.Message) bool
}

type Broadcaster interface {
	BroadcastAlert(ctx context.Context, a domain.AlertBroadcast) error
}

// OfflineSource lists non-revoked devices last seen in [from, to).
type OfflineSource interface {
	DevicesLastSeenBetween(ctx context.Context, from, to time.Time) ([]domain.Device, error)
}

type Config struct {
	Channels            []domain.Channel
	LowBatteryThreshold int
	LowBatteryDedup     time.Duration
	OfflineAfter        time.Duration
}

type Alerter struct {
	dedup    Dedup
	sink     Sink
	bus      Broadcaster
	cfg      Config
	location *time.Location
}

func New(dedup Dedup, sink Sink, bus Broadcaster, cfg Config, loc *time.Location) *Alerter {
	if loc == nil {
		loc = time.UTC
	}
	return &Alerter{dedup: dedup, sink: sink, bus: bus, cfg: cfg, location: loc}
}

// CheckBattery alerts when battery is under the threshold. It reports whether
// an alert went out.
func (a *Alerter) CheckBattery(ctx context.Context, device *domain.Device, battery int, now time.Time) bool {
	if battery >= a.cfg.LowBatteryThreshold {
		return false
	}
	msg := domain.Message{
		Kind:    domain.KindLowBattery,
		Subject: fmt.Sprintf("Low battery: %s", device.Label()),
		Body: fmt.Sprintf("Low Battery Alert\n\nDevice: %s\nBattery: %d%%\nTime: %s\n",
			device.Label(), battery, now.In(a.location).Format("2006-01-02 15:04:05")),
	}
	return a.raise(ctx, device, msg, a.cfg.LowBatteryDedup, now)
}

// SweepOffline alerts once for every device whose last ping lies in
// [now-OfflineAfter-OfflineWindow, now-OfflineAfter). It returns how many
// alerts went out.
func (a *Alerter) SweepOffline(ctx context.Context, src OfflineSource, now time.Time) (int, error) {
	to := now.Add(-a.cfg.OfflineAfter)
	from := to.Add(-OfflineWindow)

	devices, err := src.DevicesLastSeenBetween(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("list offline devices: %w", err)
	}

	sent := 0
	for i := range devices {
		d := &devices[i]
		if d.LastSeen == nil {
			continue
		}
		hours := math.Round(now.Sub(*d.LastSeen).Hours()*10) / 10
		msg := domain.Message{
			Kind:    domain.KindOffline,
			Subject: fmt.Sprintf("Device offline: %s", d.Label()),
			Body:    offlineBody(d, hours, a.location),
		}
		if a.raise(ctx, d, msg, 2*OfflineWindow, now) {
			sent++
		}
	}
	return sent, nil
}

func offlineBody(d *domain.Device, hours float64, loc *time.Location) string {
	var b strings.Builder
	b.WriteString("Device Offline Alert\n\n")
	fmt.Fprintf(&b, "Device: %s\n", d.Label())
	fmt.Fprintf(&b, "Offline for: %.1f hours\n", hours)
	fmt.Fprintf(&b, "Last seen: %s\n", d.LastSeen.In(loc).Format("2006-01-02 15:04:05"))
	if d.BatteryLevel != nil {
		fmt.Fprintf(&b, "Battery: %d%%\n", *d.BatteryLevel)
	}
	return b.String()
}

// raise claims the dedup key, delivers on every channel and releases the key
// again if nothing was delivered so the next check retries.
func (a *Alerter) raise(ctx context.Context, device *domain.Device, msg domain.Message, ttl time.Duration, now time.Time) bool {
	log := logging.Ctx(ctx).With().Int64("device_id", device.ID).Str("kind", string(msg.Kind)).Logger()

	if a.dedup != nil {
		claimed, err := a.dedup.ClaimAlert(ctx, device.ID, msg.Kind, ttl)
		if err != nil {
			log.Warn().Err(err).Msg("alert dedup check failed, skipping")
			return false
		}
		if !claimed {
			return false
		}
	}

	delivered := 0
	for _, ch := range a.cfg.Channels {
		if a.sink.Deliver(ctx, ch, device, msg) {
			delivered++
		}
	}
	if delivered == 0 && len(a.cfg.Channels) > 0 {
		log.Warn().Msg("alert not delivered on any channel")
		if a.dedup != nil {
			if err := a.dedup.ReleaseAlert(ctx, device.ID, msg.Kind); err != nil {
				log.Warn().Err(err).Msg("alert dedup release failed")
			}
		}
		return false
	}

	if a.bus != nil {
		err := a.bus.BroadcastAlert(ctx, domain.AlertBroadcast{
			ID:       uuid.NewString(),
			Kind:     msg.Kind,
			DeviceID: device.ID,
			Subject:  msg.Subject,
			Body:     msg.Body,
			At:       now,
		})
		if err != nil {
			log.Warn().Err(err).Msg("alert broadcast failed")
		}
	}
	log.Info().Int("channels", delivered).Msg("device alert sent")
	return true
}
