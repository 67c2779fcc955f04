package pipeline

import (
	"context"
	"time"

	"phone-monitor/alerting/internal/domain"
	"phone-monitor/alerting/internal/logging"
)

// GeofenceEvaluator checks one fix against the device's geofences.
type GeofenceEvaluator interface {
	Evaluate(ctx context.Context, device *domain.Device, lat, lon float64, at time.Time) ([]domain.GeofenceEvent, error)
}

type BatteryChecker interface {
	CheckBattery(ctx context.Context, device *domain.Device, battery int, now time.Time) bool
}

type DeviceLookup interface {
	GetDevice(ctx context.Context, id int64) (*domain.Device, error)
}

// GeofenceWorker runs the per-ping alert checks: geofence transitions for the
// fix and the low-battery alert.
type GeofenceWorker struct {
	ch      <-chan *domain.PingMessage
	devices DeviceLookup
	tracker GeofenceEvaluator
	battery BatteryChecker
	timeout time.Duration
}

func NewGeofenceWorker(
	ch <-chan *domain.PingMessage,
	devices DeviceLookup,
	tracker GeofenceEvaluator,
	battery BatteryChecker,
) *GeofenceWorker {
	return &GeofenceWorker{
		ch:      ch,
		devices: devices,
		tracker: tracker,
		battery: battery,
		timeout: 30 * time.Second,
	}
}

func (w *GeofenceWorker) Run(ctx context.Context) {
	for {
		select {
		case msg, ok := <-w.ch:
			if !ok {
				return
			}
			w.handle(ctx, msg)

		case <-ctx.Done():
			return
		}
	}
}

func (w *GeofenceWorker) handle(parent context.Context, msg *domain.PingMessage) {
	// In-flight checks finish even while shutting down.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), w.timeout)
	defer cancel()
	ctx = logging.WithCorrelationID(ctx, logging.NewCorrelationID())
	log := logging.Ctx(ctx)

	device, err := w.devices.GetDevice(ctx, msg.DeviceID)
	if err != nil {
		log.Warn().Err(err).Int64("device_id", msg.DeviceID).Msg("device lookup failed")
		return
	}
	if device == nil {
		return
	}

	if msg.HasLocation && w.tracker != nil {
		s, _ := msg.Sample()
		if _, err := w.tracker.Evaluate(ctx, device, s.Latitude, s.Longitude, s.CapturedAt); err != nil {
			log.Warn().Err(err).Int64("device_id", device.ID).Msg("geofence evaluation had failures")
		}
	}

	if msg.Battery != nil && w.battery != nil {
		w.battery.CheckBattery(ctx, device, *msg.Battery, msg.ReceivedAt)
	}
}
