package condition

import (
	"math"
	"time"

	"phone-monitor/alerting/internal/motion"
)

const bytesPerGB = 1073741824

// Snapshot is the telemetry a condition is evaluated against. Pointer fields
// are nil when the device has not reported the value; comparisons on an
// unavailable field are always false.
type Snapshot struct {
	Now      time.Time
	Location *time.Location

	BatteryLevel     *int
	FreeStorageBytes *float64
	LastSeen         *time.Time
	// SpeedKmh is the instantaneous speed, nil when no trustworthy pair of
	// samples exists.
	SpeedKmh *float64
	Unit     motion.Unit
}

func (s Snapshot) localNow() time.Time {
	if s.Location == nil {
		return s.Now.UTC()
	}
	return s.Now.In(s.Location)
}

// Field is one of the derivable telemetry values a rule may compare.
type Field int

const (
	FieldBatteryLevel Field = iota + 1
	FieldStorageFreeGB
	FieldOfflineHours
	FieldOfflineMinutes
	FieldSpeed
	FieldSpeedKmh
	FieldSpeedMph
	FieldIsCharging
	FieldHourOfDay
	FieldDayOfWeek
)

type fieldSpec struct {
	name    string
	label   string
	resolve func(Snapshot) (float64, bool)
}

var fieldSpecs = map[Field]fieldSpec{
	FieldBatteryLevel: {"battery_level", "Battery level", func(s Snapshot) (float64, bool) {
		if s.BatteryLevel == nil {
			return 0, false
		}
		return float64(*s.BatteryLevel), true
	}},
	FieldStorageFreeGB: {"storage_free_gb", "Free storage (GB)", func(s Snapshot) (float64, bool) {
		if s.FreeStorageBytes == nil {
			return 0, false
		}
		return round2(*s.FreeStorageBytes / bytesPerGB), true
	}},
	FieldOfflineHours: {"offline_hours", "Offline hours", func(s Snapshot) (float64, bool) {
		if s.LastSeen == nil {
			return 0, false
		}
		return s.Now.Sub(*s.LastSeen).Hours(), true
	}},
	FieldOfflineMinutes: {"offline_minutes", "Offline minutes", func(s Snapshot) (float64, bool) {
		if s.LastSeen == nil {
			return 0, false
		}
		return s.Now.Sub(*s.LastSeen).Minutes(), true
	}},
	FieldSpeed: {"speed", "Speed", func(s Snapshot) (float64, bool) {
		if s.SpeedKmh == nil {
			return 0, false
		}
		return round2(s.Unit.FromKmh(*s.SpeedKmh)), true
	}},
	FieldSpeedKmh: {"speed_kmh", "Speed (km/h)", func(s Snapshot) (float64, bool) {
		if s.SpeedKmh == nil {
			return 0, false
		}
		return *s.SpeedKmh, true
	}},
	FieldSpeedMph: {"speed_mph", "Speed (mph)", func(s Snapshot) (float64, bool) {
		if s.SpeedKmh == nil {
			return 0, false
		}
		return round2(*s.SpeedKmh * motion.KmhToMph), true
	}},
	// Devices do not report charging state yet, so this always reads 0.
	FieldIsCharging: {"is_charging", "Is charging", func(Snapshot) (float64, bool) {
		return 0, true
	}},
	FieldHourOfDay: {"hour_of_day", "Hour of day", func(s Snapshot) (float64, bool) {
		return float64(s.localNow().Hour()), true
	}},
	FieldDayOfWeek: {"day_of_week", "Day of week", func(s Snapshot) (float64, bool) {
		wd := s.localNow().Weekday()
		if wd == time.Sunday {
			return 7, true
		}
		return float64(wd), true
	}},
}

var fieldsByName = func() map[string]Field {
	m := make(map[string]Field, len(fieldSpecs))
	for f, spec := range fieldSpecs {
		m[spec.name] = f
	}
	return m
}()

// ParseField maps a stored field name to its Field.
func ParseField(name string) (Field, bool) {
	f, ok := fieldsByName[name]
	return f, ok
}

// Fields returns every known field in declaration order.
func Fields() []Field {
	out := make([]Field, 0, len(fieldSpecs))
	for f := FieldBatteryLevel; f <= FieldDayOfWeek; f++ {
		out = append(out, f)
	}
	return out
}

func (f Field) String() string {
	if spec, ok := fieldSpecs[f]; ok {
		return spec.name
	}
	return "unknown"
}

// Label is the human form used in alert reasons.
func (f Field) Label() string {
	if spec, ok := fieldSpecs[f]; ok {
		return spec.label
	}
	return "Unknown field"
}

// Resolve derives the field's value from s. The second result is false when
// the value is unavailable.
func (f Field) Resolve(s Snapshot) (float64, bool) {
	spec, ok := fieldSpecs[f]
	if !ok {
		return 0, false
	}
	v, ok := spec.resolve(s)
	if !ok || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
