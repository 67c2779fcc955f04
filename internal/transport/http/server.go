// Package http exposes device ingestion, the admin API, metrics and the
// live alert stream.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"phone-monitor/alerting/internal/metrics"
	"phone-monitor/alerting/internal/motion"
)

var validate = validator.New()

type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Auth     Authenticator
	Devices  DeviceRegistry
	Pipeline Pipeline
	Admin    AdminStore
	// Stream serves GET /ws; nil leaves the route out.
	Stream       http.HandlerFunc
	Health       []HealthChecker
	AdminAPIKey  string
	PingInterval time.Duration
	Now          func() time.Time

	// Samples backs the device motion read; nil leaves the route out.
	Samples   SampleSource
	Estimator motion.Estimator
	SpeedUnit motion.Unit
}

type Server struct {
	devices  DeviceRegistry
	pipeline Pipeline
	admin    AdminStore
	health   []HealthChecker
	now      func() time.Time

	samples   SampleSource
	estimator motion.Estimator
	unit      motion.Unit
}

// NewRouter wires every route. Pings are rate limited per client IP before
// the API key is checked.
func NewRouter(d Deps) http.Handler {
	s := &Server{
		devices:  d.Devices,
		pipeline: d.Pipeline,
		admin:    d.Admin,
		health:   d.Health,
		now:      d.Now,

		samples:   d.Samples,
		estimator: motion.New(d.Estimator.MaxSegmentGap, d.Estimator.Staleness),
		unit:      d.SpeedUnit,
	}
	if s.now == nil {
		s.now = time.Now
	}
	interval := d.PingInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	pingLimit := httprate.Limit(1, interval,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			metrics.PingsRejected.WithLabelValues("rate_limited").Inc()
			writeError(w, http.StatusTooManyRequests, "Too many requests. Please wait.")
		}),
	)
	r.With(pingLimit, NewAuthMiddleware(d.Auth).Wrap).Post("/api/ping", s.handlePing)

	admin := NewAdminMiddleware(d.AdminAPIKey)
	if d.Stream != nil {
		r.With(admin.Wrap).Get("/ws", d.Stream)
	}
	r.Route("/api/admin", func(r chi.Router) {
		r.Use(admin.Wrap)
		r.Get("/geofences", s.listGeofences)
		r.Post("/geofences", s.createGeofence)
		r.Delete("/geofences/{id}", s.deleteGeofence)
		r.Get("/rules", s.listRules)
		r.Post("/rules", s.createRule)
		r.Put("/rules/{id}", s.updateRule)
		r.Delete("/rules/{id}", s.deleteRule)
		r.Get("/triggers", s.listTriggers)
		if s.samples != nil {
			r.Get("/devices/{id}/motion", s.deviceMotion)
		}
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, h := range s.health {
		if err := h.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return "invalid request: " + strings.Join(parts, ", ")
}
