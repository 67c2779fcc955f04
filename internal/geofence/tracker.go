// Package geofence detects enter/exit transitions of devices against circular
// zones. Membership is never stored; it is derived from the kind of the last
// recorded event for the (device, geofence) pair.
package geofence

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"phone-monitor/alerting/internal/domain"
	"phone-monitor/alerting/internal/geo"
	"phone-monitor/alerting/internal/logging"
	"phone-monitor/alerting/internal/metrics"
)

// Store is the geofence persistence the tracker needs. LastEvent returns
// nil, nil when the pair has no history.
type Store interface {
	ListApplicableGeofences(ctx context.Context, deviceID int64) ([]domain.Geofence, error)
	LastEvent(ctx context.Context, deviceID, geofenceID int64) (*domain.GeofenceEvent, error)
	RecordEvent(ctx context.Context, ev *domain.GeofenceEvent) error
}

// Sink delivers a message on one channel and reports success.
type Sink interface {
	Deliver(ctx context.Context, channel domain.Channel, device *domain.Device, msg domain.Message) bool
}

// Broadcaster publishes recorded events to live subscribers.
type Broadcaster interface {
	BroadcastAlert(ctx context.Context, a domain.AlertBroadcast) error
}

// WasInside derives membership from the most recent event.
func WasInside(last *domain.GeofenceEvent) bool {
	return last != nil && last.Kind == domain.GeofenceEnter
}

// Decide returns the event kind to record for a device at distance meters from
// the fence center, or false when nothing should be recorded. The radius is
// inclusive.
func Decide(g domain.Geofence, distance float64, wasInside bool) (domain.GeofenceEventKind, bool) {
	isInside := distance <= g.RadiusMeters
	switch {
	case isInside && !wasInside && g.AlertOnEnter:
		return domain.GeofenceEnter, true
	case !isInside && wasInside && g.AlertOnExit:
		return domain.GeofenceExit, true
	}
	return "", false
}

type Tracker struct {
	store    Store
	locker   Locker
	sink     Sink
	channels []domain.Channel
	bus      Broadcaster
	clock    func() time.Time
}

type Option func(*Tracker)

// WithBroadcaster publishes every recorded event.
func WithBroadcaster(b Broadcaster) Option {
	return func(t *Tracker) { t.bus = b }
}

// WithClock overrides the recording time stamped on events.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) { t.clock = clock }
}

// NewTracker builds a tracker. A nil locker falls back to an in-process
// KeyedMutex; channels lists where transition notifications go.
func NewTracker(store Store, locker Locker, sink Sink, channels []domain.Channel, opts ...Option) *Tracker {
	if locker == nil {
		locker = NewKeyedMutex()
	}
	t := &Tracker{
		store:    store,
		locker:   locker,
		sink:     sink,
		channels: channels,
		clock:    time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Evaluate checks a new coordinate against every geofence that applies to the
// device and returns the transitions it recorded. A failure on one geofence is
// logged and joined into the returned error without stopping the others.
func (t *Tracker) Evaluate(ctx context.Context, device *domain.Device, lat, lon float64, at time.Time) ([]domain.GeofenceEvent, error) {
	if !geo.ValidCoordinate(lat, lon) {
		return nil, fmt.Errorf("invalid coordinate %f,%f", lat, lon)
	}

	fences, err := t.store.ListApplicableGeofences(ctx, device.ID)
	if err != nil {
		return nil, fmt.Errorf("list geofences for device %d: %w", device.ID, err)
	}

	var events []domain.GeofenceEvent
	var errs []error
	for i := range fences {
		g := &fences[i]
		if !g.Active {
			continue
		}
		ev, err := t.check(ctx, device.ID, g, lat, lon, at)
		if err != nil {
			metrics.GeofenceFailures.Inc()
			logging.Ctx(ctx).Error().Err(err).
				Int64("device_id", device.ID).
				Int64("geofence_id", g.ID).
				Msg("geofence check failed")
			errs = append(errs, err)
			continue
		}
		if ev == nil {
			continue
		}
		metrics.GeofenceEvents.WithLabelValues(string(ev.Kind)).Inc()
		events = append(events, *ev)
		t.notify(ctx, device, g, ev)
	}
	return events, errors.Join(errs...)
}

// check runs lookup, decision and insert under the pair lock so concurrent
// pings cannot both record the same transition.
func (t *Tracker) check(ctx context.Context, deviceID int64, g *domain.Geofence, lat, lon float64, at time.Time) (*domain.GeofenceEvent, error) {
	distance := geo.DistanceMeters(lat, lon, g.Latitude, g.Longitude)

	unlock, err := t.locker.Lock(ctx, LockKey(deviceID, g.ID))
	if err != nil {
		return nil, fmt.Errorf("lock geofence %d: %w", g.ID, err)
	}
	defer unlock()

	last, err := t.store.LastEvent(ctx, deviceID, g.ID)
	if err != nil {
		return nil, fmt.Errorf("last event for geofence %d: %w", g.ID, err)
	}

	kind, ok := Decide(*g, distance, WasInside(last))
	if !ok {
		return nil, nil
	}

	ev := &domain.GeofenceEvent{
		GeofenceID:     g.ID,
		DeviceID:       deviceID,
		Kind:           kind,
		Latitude:       lat,
		Longitude:      lon,
		DistanceMeters: math.Round(distance),
		CapturedAt:     at,
		CreatedAt:      t.clock(),
	}
	if err := t.store.RecordEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("record %s event for geofence %d: %w", kind, g.ID, err)
	}
	return ev, nil
}

// notify runs after the event is persisted; delivery failures are logged only.
func (t *Tracker) notify(ctx context.Context, device *domain.Device, g *domain.Geofence, ev *domain.GeofenceEvent) {
	msg := TransitionMessage(device, g, ev.Kind, ev.CreatedAt)
	if t.sink != nil {
		for _, ch := range t.channels {
			if !t.sink.Deliver(ctx, ch, device, msg) {
				logging.Ctx(ctx).Warn().
					Int64("device_id", device.ID).
					Int64("geofence_id", g.ID).
					Str("channel", string(ch)).
					Msg("geofence notification not delivered")
			}
		}
	}
	if t.bus != nil {
		gid := g.ID
		err := t.bus.BroadcastAlert(ctx, domain.AlertBroadcast{
			ID:         uuid.NewString(),
			Kind:       domain.KindGeofence,
			DeviceID:   device.ID,
			GeofenceID: &gid,
			Subject:    msg.Subject,
			Body:       msg.Body,
			At:         ev.CreatedAt,
		})
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Int64("device_id", device.ID).Msg("geofence broadcast failed")
		}
	}
}

// TransitionMessage renders the notification for one transition.
func TransitionMessage(device *domain.Device, g *domain.Geofence, kind domain.GeofenceEventKind, at time.Time) domain.Message {
	action := "entered"
	if kind == domain.GeofenceExit {
		action = "left"
	}
	name := device.Label()
	return domain.Message{
		Kind:    domain.KindGeofence,
		Subject: fmt.Sprintf("%s %s %s", name, action, g.Name),
		Body: fmt.Sprintf("Device %s has %s the geofence '%s' at %s",
			name, action, g.Name, at.Format("2006-01-02 15:04:05")),
	}
}
