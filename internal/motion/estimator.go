// Package motion derives device speed from consecutive location samples.
// All speeds are km/h; conversion to other units happens at the caller.
package motion

import (
	"time"

	"phone-monitor/alerting/internal/geo"
)

const (
	DefaultMaxSegmentGap = 15 * time.Minute
	DefaultStaleness     = time.Hour
)

// Sample is one GPS fix as read back from location history.
type Sample struct {
	Latitude   float64
	Longitude  float64
	CapturedAt time.Time
}

// Estimator computes speeds from samples ordered most-recent-first.
type Estimator struct {
	// MaxSegmentGap is the longest interval between two samples that still
	// yields a speed.
	MaxSegmentGap time.Duration
	// Staleness bounds the age of the newest sample for instantaneous speed.
	Staleness time.Duration
}

// New returns an estimator, substituting defaults for non-positive values.
func New(maxSegmentGap, staleness time.Duration) Estimator {
	if maxSegmentGap <= 0 {
		maxSegmentGap = DefaultMaxSegmentGap
	}
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	return Estimator{MaxSegmentGap: maxSegmentGap, Staleness: staleness}
}

// InstantaneousSpeed returns the speed between the two most recent usable
// samples. It reports false when there are fewer than two, when the newest is
// older than Staleness, or when their gap is zero or above MaxSegmentGap.
func (e Estimator) InstantaneousSpeed(samples []Sample, now time.Time) (float64, bool) {
	valid := usable(samples, 2)
	if len(valid) < 2 {
		return 0, false
	}
	latest, prev := valid[0], valid[1]
	if now.Sub(latest.CapturedAt) > e.staleness() {
		return 0, false
	}
	return e.segmentSpeed(latest, prev)
}

// AverageSpeed returns the mean of per-segment speeds over samples captured
// within window before now, together with the number of contributing
// segments. Segments with a gap above MaxSegmentGap are skipped.
func (e Estimator) AverageSpeed(samples []Sample, now time.Time, window time.Duration) (float64, int, bool) {
	cutoff := now.Add(-window)
	var inWindow []Sample
	for _, s := range usable(samples, 0) {
		if s.CapturedAt.Before(cutoff) || s.CapturedAt.After(now) {
			continue
		}
		inWindow = append(inWindow, s)
	}

	var total float64
	var segments int
	for i := 0; i+1 < len(inWindow); i++ {
		v, ok := e.segmentSpeed(inWindow[i], inWindow[i+1])
		if !ok {
			continue
		}
		total += v
		segments++
	}
	if segments == 0 {
		return 0, 0, false
	}
	return total / float64(segments), segments, true
}

func (e Estimator) segmentSpeed(newer, older Sample) (float64, bool) {
	gap := newer.CapturedAt.Sub(older.CapturedAt)
	if gap <= 0 || gap > e.maxGap() {
		return 0, false
	}
	meters := geo.DistanceMeters(older.Latitude, older.Longitude, newer.Latitude, newer.Longitude)
	return (meters / 1000) / gap.Hours(), true
}

func (e Estimator) maxGap() time.Duration {
	if e.MaxSegmentGap <= 0 {
		return DefaultMaxSegmentGap
	}
	return e.MaxSegmentGap
}

func (e Estimator) staleness() time.Duration {
	if e.Staleness <= 0 {
		return DefaultStaleness
	}
	return e.Staleness
}

// usable drops samples with missing timestamps or invalid coordinates. A
// positive limit stops after that many usable samples.
func usable(samples []Sample, limit int) []Sample {
	out := make([]Sample, 0, len(samples))
	for _, s := range samples {
		if s.CapturedAt.IsZero() || !geo.ValidCoordinate(s.Latitude, s.Longitude) {
			continue
		}
		out = append(out, s)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
