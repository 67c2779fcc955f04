package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"phone-monitor/alerting/internal/domain"
	"phone-monitor/alerting/internal/motion"
)

type Config struct {
	// HTTP
	HTTPPort string

	// Postgres
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBMaxConns int32

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Pipeline channels
	LocationChannelSize int
	StateChannelSize    int
	GeofenceChannelSize int

	// Location batch writer tuning
	LocationBatchSize       int
	LocationFlushIntervalMS int

	// Worker counts
	LocationWriterWorkers int
	StateWriterWorkers    int
	GeofenceWorkers       int

	// Auth
	AuthCacheTTLSeconds int
	ValidAPIKeys        []string
	AdminAPIKey         string
	// PingInterval is the minimum spacing of pings from one client IP.
	PingInterval time.Duration

	// Motion
	MaxSegmentGap     time.Duration
	LocationStaleness time.Duration
	SpeedUnit         motion.Unit

	// Rule scheduler
	RuleInterval  time.Duration
	TickTimeout   time.Duration
	RuleWorkers   int
	NotifyTimeout time.Duration
	Location      *time.Location

	// Alerts
	AdminEmail          string
	GeofenceChannels    []domain.Channel
	LowBatteryThreshold int
	LowBatteryDedup     time.Duration
	OfflineAfter        time.Duration
	UseRedisLocks       bool

	// SMTP
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPSecure   string
	SMTPFrom     string
	SMTPFromName string

	// Chat
	TelegramBotToken  string
	TelegramChatID    string
	DiscordWebhookURL string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment, seeded from a .env file
// when one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	unit, err := motion.ParseUnit(getEnv("SPEED_UNIT", "kmh"))
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(getEnv("TIMEZONE", "UTC"))
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}
	channels, err := parseChannels(getEnvList("GEOFENCE_CHANNELS", []string{"email"}))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPPort:                getEnv("HTTP_PORT", "8001"),
		DBHost:                  getEnv("DB_HOST", "localhost"),
		DBPort:                  getEnv("DB_PORT", "5432"),
		DBUser:                  getEnv("DB_USER", "monitor_user"),
		DBPassword:              getEnv("DB_PASSWORD", "monitor_password"),
		DBName:                  getEnv("DB_NAME", "phone_monitor"),
		DBSSLMode:               getEnv("DB_SSLMODE", "disable"),
		DBMaxConns:              int32(getEnvInt("DB_MAX_CONNS", 15)),
		RedisAddr:               getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:           getEnv("REDIS_PASSWORD", ""),
		RedisDB:                 getEnvInt("REDIS_DB", 0),
		LocationChannelSize:     getEnvInt("LOCATION_CHANNEL_SIZE", 10000),
		StateChannelSize:        getEnvInt("STATE_CHANNEL_SIZE", 10000),
		GeofenceChannelSize:     getEnvInt("GEOFENCE_CHANNEL_SIZE", 5000),
		LocationBatchSize:       getEnvInt("LOCATION_BATCH_SIZE", 500),
		LocationFlushIntervalMS: getEnvInt("LOCATION_FLUSH_INTERVAL_MS", 100),
		LocationWriterWorkers:   getEnvInt("LOCATION_WRITER_WORKERS", 4),
		StateWriterWorkers:      getEnvInt("STATE_WRITER_WORKERS", 2),
		GeofenceWorkers:         getEnvInt("GEOFENCE_WORKERS", 2),
		AuthCacheTTLSeconds:     getEnvInt("AUTH_CACHE_TTL_SECONDS", 300),
		ValidAPIKeys:            getEnvList("VALID_API_KEYS", nil),
		AdminAPIKey:             getEnv("ADMIN_API_KEY", ""),
		PingInterval:            getEnvDuration("PING_INTERVAL", 10*time.Second),
		MaxSegmentGap:           getEnvDuration("MAX_SEGMENT_GAP", motion.DefaultMaxSegmentGap),
		LocationStaleness:       getEnvDuration("LOCATION_STALENESS", motion.DefaultStaleness),
		SpeedUnit:               unit,
		RuleInterval:            getEnvDuration("RULE_INTERVAL", 5*time.Minute),
		TickTimeout:             getEnvDuration("TICK_TIMEOUT", 2*time.Minute),
		RuleWorkers:             getEnvInt("RULE_WORKERS", 4),
		NotifyTimeout:           getEnvDuration("NOTIFY_TIMEOUT", 10*time.Second),
		Location:                loc,
		AdminEmail:              getEnv("ADMIN_EMAIL", "admin@localhost"),
		GeofenceChannels:        channels,
		LowBatteryThreshold:     getEnvInt("LOW_BATTERY_THRESHOLD", 15),
		LowBatteryDedup:         getEnvDuration("LOW_BATTERY_DEDUP", time.Hour),
		OfflineAfter:            getEnvDuration("OFFLINE_AFTER", 24*time.Hour),
		UseRedisLocks:           getEnvBool("USE_REDIS_LOCKS", true),
		SMTPHost:                getEnv("SMTP_HOST", ""),
		SMTPPort:                getEnvInt("SMTP_PORT", 465),
		SMTPUsername:            getEnv("SMTP_USERNAME", ""),
		SMTPPassword:            getEnv("SMTP_PASSWORD", ""),
		SMTPSecure:              strings.ToLower(getEnv("SMTP_SECURE", "ssl")),
		SMTPFrom:                getEnv("SMTP_FROM_EMAIL", getEnv("ADMIN_EMAIL", "noreply@localhost")),
		SMTPFromName:            getEnv("SMTP_FROM_NAME", "PhoneMonitor"),
		TelegramBotToken:        getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:          getEnv("TELEGRAM_CHAT_ID", ""),
		DiscordWebhookURL:       getEnv("DISCORD_WEBHOOK_URL", ""),
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		LogFormat:               getEnv("LOG_FORMAT", "json"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.MaxSegmentGap <= 0:
		return fmt.Errorf("MAX_SEGMENT_GAP must be positive")
	case c.LocationStaleness <= 0:
		return fmt.Errorf("LOCATION_STALENESS must be positive")
	case c.RuleInterval <= 0:
		return fmt.Errorf("RULE_INTERVAL must be positive")
	case c.TickTimeout <= 0:
		return fmt.Errorf("TICK_TIMEOUT must be positive")
	case c.NotifyTimeout <= 0 || c.NotifyTimeout > c.TickTimeout:
		return fmt.Errorf("NOTIFY_TIMEOUT must be positive and no longer than TICK_TIMEOUT")
	case c.RuleWorkers < 1:
		return fmt.Errorf("RULE_WORKERS must be at least 1")
	case c.LowBatteryThreshold < 0 || c.LowBatteryThreshold > 100:
		return fmt.Errorf("LOW_BATTERY_THRESHOLD must be within 0..100")
	case c.OfflineAfter <= 0:
		return fmt.Errorf("OFFLINE_AFTER must be positive")
	case c.LocationBatchSize < 1:
		return fmt.Errorf("LOCATION_BATCH_SIZE must be at least 1")
	}
	return nil
}

// DatabaseURL is the plain connection string, understood by pgx and by the
// migration driver.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		url.QueryEscape(c.DBUser),
		url.QueryEscape(c.DBPassword),
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

// PostgresURL is the pgx pool connection string.
func (c *Config) PostgresURL() string {
	return fmt.Sprintf("%s&pool_max_conns=%d", c.DatabaseURL(), c.DBMaxConns)
}

func parseChannels(names []string) ([]domain.Channel, error) {
	out := make([]domain.Channel, 0, len(names))
	for _, n := range names {
		ch, ok := domain.ParseChannel(n)
		if !ok {
			return nil, fmt.Errorf("unknown notification channel %q", n)
		}
		out = append(out, ch)
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("90s", "15m") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
