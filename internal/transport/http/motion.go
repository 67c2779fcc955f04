package http

import (
	"context"
	"math"
	"net/http"
	"time"

	"phone-monitor/alerting/internal/motion"
)

const (
	defaultMotionWindow = 15 * time.Minute
	maxMotionWindow     = 24 * time.Hour
)

// SampleSource reads location history newest first.
type SampleSource interface {
	RecentSamples(ctx context.Context, deviceID int64, since time.Time) ([]motion.Sample, error)
}

type motionResponse struct {
	DeviceID     int64    `json:"device_id"`
	Unit         string   `json:"unit"`
	Window       string   `json:"window"`
	Samples      int      `json:"samples"`
	Speed        *float64 `json:"speed"`
	AverageSpeed *float64 `json:"average_speed"`
	Segments     int      `json:"segments"`
}

// deviceMotion reports the current speed and the mean speed over ?window=
// (a Go duration, default 15m). A speed that cannot be derived is null.
func (s *Server) deviceMotion(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	window := defaultMotionWindow
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 || d > maxMotionWindow {
			writeError(w, http.StatusBadRequest, "window must be a duration between 0 and 24h")
			return
		}
		window = d
	}

	now := s.now()
	since := now.Add(-max(window, s.estimator.Staleness))
	samples, err := s.samples.RecentSamples(r.Context(), id, since)
	if err != nil {
		s.internalError(w, r, err, "read samples failed")
		return
	}

	resp := motionResponse{
		DeviceID: id,
		Unit:     s.unit.Suffix(),
		Window:   window.String(),
		Samples:  len(samples),
	}
	if v, ok := s.estimator.InstantaneousSpeed(samples, now); ok {
		resp.Speed = s.inUnit(v)
	}
	if v, n, ok := s.estimator.AverageSpeed(samples, now, window); ok {
		resp.AverageSpeed = s.inUnit(v)
		resp.Segments = n
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) inUnit(kmh float64) *float64 {
	v := math.Round(s.unit.FromKmh(kmh)*100) / 100
	return &v
}
