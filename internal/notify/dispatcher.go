// Package notify delivers alert messages over email, Telegram and Discord.
package notify

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"phone-monitor/alerting/internal/domain"
	"phone-monitor/alerting/internal/logging"
	"phone-monitor/alerting/internal/metrics"
)

// Notifier sends a message on one channel.
type Notifier interface {
	Channel() domain.Channel
	Enabled() bool
	Send(ctx context.Context, device *domain.Device, msg domain.Message) error
}

type BreakerConfig struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold uint32
	// OpenTimeout is how long an open breaker rejects calls before probing.
	OpenTimeout time.Duration
}

type guarded struct {
	n  Notifier
	cb *gobreaker.CircuitBreaker[struct{}]
}

// Dispatcher fans a delivery out to the notifier for a channel, bounding each
// call with a timeout and a per-channel circuit breaker.
type Dispatcher struct {
	channels map[domain.Channel]*guarded
	timeout  time.Duration
}

func NewDispatcher(timeout time.Duration, breaker BreakerConfig, notifiers ...Notifier) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if breaker.FailureThreshold == 0 {
		breaker.FailureThreshold = 5
	}
	if breaker.OpenTimeout <= 0 {
		breaker.OpenTimeout = time.Minute
	}

	d := &Dispatcher{channels: make(map[domain.Channel]*guarded), timeout: timeout}
	for _, n := range notifiers {
		threshold := breaker.FailureThreshold
		cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        string(n.Channel()),
			MaxRequests: 1,
			Timeout:     breaker.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Warn().Str("channel", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("notification circuit breaker state change")
			},
		})
		d.channels[n.Channel()] = &guarded{n: n, cb: cb}
	}
	return d
}

// Deliver sends msg on channel and reports whether it was accepted. It never
// returns an error; failures are logged and counted.
func (d *Dispatcher) Deliver(ctx context.Context, channel domain.Channel, device *domain.Device, msg domain.Message) bool {
	g, ok := d.channels[channel]
	if !ok || !g.n.Enabled() {
		metrics.Deliveries.WithLabelValues(string(channel), "disabled").Inc()
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	_, err := g.cb.Execute(func() (struct{}, error) {
		return struct{}{}, g.n.Send(ctx, device, msg)
	})
	if err != nil {
		result := "failed"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			result = "breaker_open"
		}
		metrics.Deliveries.WithLabelValues(string(channel), result).Inc()
		logging.Ctx(ctx).Warn().Err(err).
			Str("channel", string(channel)).
			Int64("device_id", deviceID(device)).
			Msg("notification failed")
		return false
	}
	metrics.Deliveries.WithLabelValues(string(channel), "ok").Inc()
	return true
}

// BreakerState reports the breaker state for a channel, for health output.
func (d *Dispatcher) BreakerState(channel domain.Channel) string {
	g, ok := d.channels[channel]
	if !ok {
		return "absent"
	}
	return g.cb.State().String()
}

func deviceID(d *domain.Device) int64 {
	if d == nil {
		return 0
	}
	return d.ID
}
