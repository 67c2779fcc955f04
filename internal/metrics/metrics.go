package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PingsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_pings_received_total",
		Help: "Accepted device pings.",
	})
	PingsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monitor_pings_rejected_total",
		Help: "Rejected device pings by reason.",
	}, []string{"reason"})

	LocationWriteSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_location_write_success_total",
		Help: "Location samples persisted.",
	})
	LocationWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_location_write_failures_total",
		Help: "Location samples lost after retry.",
	})

	// ChannelDrops counts messages dropped because a pipeline stage was full.
	ChannelDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monitor_channel_drops_total",
		Help: "Pipeline messages dropped on a full stage channel.",
	}, []string{"stage"})

	GeofenceEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monitor_geofence_events_total",
		Help: "Recorded geofence transitions.",
	}, []string{"kind"})
	GeofenceFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_geofence_failures_total",
		Help: "Geofence checks that failed on a store or lock error.",
	})

	RuleEvaluations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_rule_evaluations_total",
		Help: "Rule/device condition evaluations.",
	})
	RuleFirings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_rule_firings_total",
		Help: "Rules that fired and advanced their cooldown.",
	})
	CooldownConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_rule_cooldown_conflicts_total",
		Help: "Firings lost to a concurrent evaluator advancing the cooldown first.",
	})
	TickFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monitor_tick_failures_total",
		Help: "Per-rule and per-device failures swallowed during ticks.",
	})
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "monitor_tick_duration_seconds",
		Help:    "Wall time of one scheduler tick.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monitor_notifications_total",
		Help: "Notification attempts by channel and result.",
	}, []string{"channel", "result"})
)

// Handler serves the Prometheus exposition.
func Handler() http.Handler {
	return promhttp.Handler()
}
