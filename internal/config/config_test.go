package config

import (
	"testing"
	"time"

	"phone-monitor/alerting/internal/domain"
	"phone-monitor/alerting/internal/motion"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPPort != "8001" {
		t.Errorf("HTTPPort = %q", cfg.HTTPPort)
	}
	if cfg.MaxSegmentGap != 15*time.Minute || cfg.LocationStaleness != time.Hour {
		t.Errorf("motion thresholds = %v / %v", cfg.MaxSegmentGap, cfg.LocationStaleness)
	}
	if cfg.SpeedUnit != motion.Kmh {
		t.Errorf("SpeedUnit = %q", cfg.SpeedUnit)
	}
	if len(cfg.GeofenceChannels) != 1 || cfg.GeofenceChannels[0] != domain.ChannelEmail {
		t.Errorf("GeofenceChannels = %v", cfg.GeofenceChannels)
	}
	if cfg.LowBatteryThreshold != 15 || cfg.OfflineAfter != 24*time.Hour {
		t.Errorf("alert thresholds = %d / %v", cfg.LowBatteryThreshold, cfg.OfflineAfter)
	}
	if cfg.ValidAPIKeys != nil {
		t.Errorf("ValidAPIKeys = %v, want none", cfg.ValidAPIKeys)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("SPEED_UNIT", "mph")
	t.Setenv("MAX_SEGMENT_GAP", "10m")
	t.Setenv("LOCATION_STALENESS", "1800")
	t.Setenv("GEOFENCE_CHANNELS", "email, discord")
	t.Setenv("VALID_API_KEYS", "a, b,,c")
	t.Setenv("TIMEZONE", "Europe/London")
	t.Setenv("USE_REDIS_LOCKS", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SpeedUnit != motion.Mph {
		t.Errorf("SpeedUnit = %q", cfg.SpeedUnit)
	}
	if cfg.MaxSegmentGap != 10*time.Minute || cfg.LocationStaleness != 30*time.Minute {
		t.Errorf("motion thresholds = %v / %v", cfg.MaxSegmentGap, cfg.LocationStaleness)
	}
	if len(cfg.GeofenceChannels) != 2 || cfg.GeofenceChannels[1] != domain.ChannelDiscord {
		t.Errorf("GeofenceChannels = %v", cfg.GeofenceChannels)
	}
	if len(cfg.ValidAPIKeys) != 3 {
		t.Errorf("ValidAPIKeys = %v", cfg.ValidAPIKeys)
	}
	if cfg.Location.String() != "Europe/London" {
		t.Errorf("Location = %v", cfg.Location)
	}
	if cfg.UseRedisLocks {
		t.Error("UseRedisLocks should be false")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"SPEED_UNIT", "knots"},
		{"TIMEZONE", "Mars/Olympus"},
		{"GEOFENCE_CHANNELS", "pager"},
		{"RULE_WORKERS", "0"},
		{"LOW_BATTERY_THRESHOLD", "150"},
		{"NOTIFY_TIMEOUT", "10m"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load with %s=%s succeeded", tt.key, tt.value)
			}
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("X_DUR", "garbage")
	if got := getEnvDuration("X_DUR", time.Second); got != time.Second {
		t.Errorf("got %v, want fallback", got)
	}
}

func TestPostgresURL(t *testing.T) {
	c := &Config{DBUser: "u", DBPassword: "p@ss", DBHost: "h", DBPort: "5432", DBName: "db", DBSSLMode: "disable", DBMaxConns: 7}
	if got := c.DatabaseURL(); got != "postgres://u:p%40ss@h:5432/db?sslmode=disable" {
		t.Errorf("DatabaseURL = %q", got)
	}
	if got := c.PostgresURL(); got != "postgres://u:p%40ss@h:5432/db?sslmode=disable&pool_max_conns=7" {
		t.Errorf("PostgresURL = %q", got)
	}
}
