package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr              string
	StoreDriver             string
	DatabaseURL             string
	RedisAddr               string
	SchedulerMode           string
	TickQueueName           string
	ScheduleKeyPrefix       string
	DispatchPoll            time.Duration
	CallbackTarget          string
	CORSAllowedOrigins      []string
	AdminAPIKey             string
	InternalAPIKey          string
	ReportTokenSecret       string
	ReportTokenTTL          time.Duration
	RateLimitRequestsPerSec float64
	RateLimitBurst          int
	LogLevel                string
	LogFormat               string

	Sentry        SentryConfig
	Notifications NotificationConfig
	Archive       ArchiveConfig
	Thresholds    Thresholds
	Intervals     IntervalPolicy
}

type SentryConfig struct {
	APIBase           string
	AuthToken         string
	OrgSlug           string
	AndroidProjectID  string
	IOSProjectID      string
	Environment       string
	RequestsPerSecond float64
	MetricTimeout     time.Duration
}

func (c SentryConfig) Enabled() bool {
	return strings.TrimSpace(c.AuthToken) != "" && strings.TrimSpace(c.OrgSlug) != ""
}

type NotificationConfig struct {
	WebhookURL        string
	DashboardURL      string
	NATSURL           string
	NATSSubjectPrefix string
}

type ArchiveConfig struct {
	S3Region      string
	S3Endpoint    string
	S3AccessKey   string
	S3SecretKey   string
	S3Bucket      string
	Prefix        string
	RetentionDays int
}

func (c ArchiveConfig) Enabled() bool {
	return strings.TrimSpace(c.S3Bucket) != ""
}

type Thresholds struct {
	EventsCritical  int     `yaml:"eventsCritical"`
	UsersCritical   int     `yaml:"usersCritical"`
	SurgeMultiplier float64 `yaml:"surgeMultiplier"`
	SurgeMinEvents  int     `yaml:"surgeMinEvents"`
	SurgeLookback   int     `yaml:"surgeLookback"`
}

type IntervalPolicy struct {
	DefaultMinutes int `yaml:"defaultMinutes"`
	MinMinutes     int `yaml:"minMinutes"`
	MinTestMinutes int `yaml:"minTestMinutes"`
	MaxMinutes     int `yaml:"maxMinutes"`
	DefaultDays    int `yaml:"defaultDays"`
	MaxDays        int `yaml:"maxDays"`
}

type fileOverlay struct {
	Thresholds *Thresholds     `yaml:"thresholds"`
	Intervals  *IntervalPolicy `yaml:"intervals"`
}

func Load() (Config, error) {
	_ = godotenv.Load()

	port := envOrDefault("MONITOR_PORT", "8080")

	cfg := Config{
		ListenAddr:              ":" + port,
		StoreDriver:             strings.ToLower(envOrDefault("STORE_DRIVER", "postgres")),
		DatabaseURL:             databaseURL(),
		RedisAddr:               redisAddr(),
		SchedulerMode:           strings.ToLower(envOrDefault("SCHEDULER_MODE", "redis")),
		TickQueueName:           envOrDefault("TICK_QUEUE_NAME", "monitor-ticks"),
		ScheduleKeyPrefix:       envOrDefault("SCHEDULE_KEY_PREFIX", "releasewatch"),
		DispatchPoll:            envOrDefaultDuration("DISPATCH_POLL_SECONDS", 15*time.Second),
		CallbackTarget:          envOrDefault("TICK_CALLBACK_TARGET", "queue://monitor-ticks"),
		CORSAllowedOrigins:      parseCSV(envOrDefault("CORS_ALLOWED_ORIGINS", "*")),
		AdminAPIKey:             os.Getenv("ADMIN_API_KEY"),
		InternalAPIKey:          os.Getenv("INTERNAL_API_KEY"),
		ReportTokenSecret:       reportTokenSecret(),
		ReportTokenTTL:          envOrDefaultDuration("REPORT_TOKEN_TTL_SECONDS", 15*time.Minute),
		RateLimitRequestsPerSec: envOrDefaultFloat("RATE_LIMIT_REQUESTS_PER_SEC", 25),
		RateLimitBurst:          envOrDefaultInt("RATE_LIMIT_BURST", 50),
		LogLevel:                envOrDefault("LOG_LEVEL", "info"),
		LogFormat:               envOrDefault("LOG_FORMAT", "json"),
		Sentry: SentryConfig{
			APIBase:           strings.TrimRight(envOrDefault("SENTRY_API_BASE", "https://sentry.io/api/0"), "/"),
			AuthToken:         os.Getenv("SENTRY_AUTH_TOKEN"),
			OrgSlug:           os.Getenv("SENTRY_ORG_SLUG"),
			AndroidProjectID:  os.Getenv("SENTRY_ANDROID_PROJECT_ID"),
			IOSProjectID:      os.Getenv("SENTRY_IOS_PROJECT_ID"),
			Environment:       envOrDefault("SENTRY_ENVIRONMENT", "production"),
			RequestsPerSecond: envOrDefaultFloat("SENTRY_REQUESTS_PER_SEC", 2),
			MetricTimeout:     envOrDefaultDuration("METRIC_TIMEOUT_SECONDS", 30*time.Second),
		},
		Notifications: NotificationConfig{
			WebhookURL:        os.Getenv("SLACK_MONITORING_WEBHOOK_URL"),
			DashboardURL:      os.Getenv("SENTRY_DASHBOARD_URL"),
			NATSURL:           os.Getenv("NATS_URL"),
			NATSSubjectPrefix: envOrDefault("NATS_SUBJECT_PREFIX", "releasewatch.alerts"),
		},
		Archive: ArchiveConfig{
			S3Region:      envOrDefault("S3_REGION", "us-east-1"),
			S3Endpoint:    os.Getenv("S3_ENDPOINT"),
			S3AccessKey:   envOrDefault("S3_ACCESS_KEY", ""),
			S3SecretKey:   envOrDefault("S3_SECRET_KEY", ""),
			S3Bucket:      envOrDefault("S3_BUCKET", ""),
			Prefix:        envOrDefault("ARCHIVE_PREFIX", "monitor-history"),
			RetentionDays: envOrDefaultInt("ARCHIVE_RETENTION_DAYS", 0),
		},
		Thresholds: Thresholds{
			EventsCritical:  envOrDefaultInt("EVENTS_CRITICAL_THRESHOLD", 100),
			UsersCritical:   envOrDefaultInt("USERS_CRITICAL_THRESHOLD", 50),
			SurgeMultiplier: envOrDefaultFloat("SURGE_MULTIPLIER", 2.0),
			SurgeMinEvents:  envOrDefaultInt("SURGE_MIN_EVENTS", 20),
			SurgeLookback:   envOrDefaultInt("SURGE_LOOKBACK", 6),
		},
		Intervals: IntervalPolicy{
			DefaultMinutes: envOrDefaultInt("DEFAULT_INTERVAL_MINUTES", 60),
			MinMinutes:     envOrDefaultInt("MIN_INTERVAL_MINUTES", 30),
			MinTestMinutes: envOrDefaultInt("MIN_TEST_INTERVAL_MINUTES", 1),
			MaxMinutes:     envOrDefaultInt("MAX_INTERVAL_MINUTES", 1440),
			DefaultDays:    envOrDefaultInt("DEFAULT_MONITOR_DAYS", 7),
			MaxDays:        envOrDefaultInt("MAX_MONITOR_DAYS", 30),
		},
	}

	if path := strings.TrimSpace(os.Getenv("MONITOR_CONFIG_FILE")); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

// applyFile overlays thresholds and interval policy from a YAML file. A
// missing file is ignored; an unreadable or malformed one is an error.
func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	overlay := fileOverlay{}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if overlay.Thresholds != nil {
		cfg.Thresholds = mergeThresholds(cfg.Thresholds, *overlay.Thresholds)
	}
	if overlay.Intervals != nil {
		cfg.Intervals = mergeIntervals(cfg.Intervals, *overlay.Intervals)
	}
	return nil
}

func mergeThresholds(base, overlay Thresholds) Thresholds {
	if overlay.EventsCritical != 0 {
		base.EventsCritical = overlay.EventsCritical
	}
	if overlay.UsersCritical != 0 {
		base.UsersCritical = overlay.UsersCritical
	}
	if overlay.SurgeMultiplier != 0 {
		base.SurgeMultiplier = overlay.SurgeMultiplier
	}
	if overlay.SurgeMinEvents != 0 {
		base.SurgeMinEvents = overlay.SurgeMinEvents
	}
	if overlay.SurgeLookback != 0 {
		base.SurgeLookback = overlay.SurgeLookback
	}
	return base
}

func mergeIntervals(base, overlay IntervalPolicy) IntervalPolicy {
	if overlay.DefaultMinutes != 0 {
		base.DefaultMinutes = overlay.DefaultMinutes
	}
	if overlay.MinMinutes != 0 {
		base.MinMinutes = overlay.MinMinutes
	}
	if overlay.MinTestMinutes != 0 {
		base.MinTestMinutes = overlay.MinTestMinutes
	}
	if overlay.MaxMinutes != 0 {
		base.MaxMinutes = overlay.MaxMinutes
	}
	if overlay.DefaultDays != 0 {
		base.DefaultDays = overlay.DefaultDays
	}
	if overlay.MaxDays != 0 {
		base.MaxDays = overlay.MaxDays
	}
	return base
}

func reportTokenSecret() string {
	if value := strings.TrimSpace(os.Getenv("REPORT_TOKEN_SECRET")); value != "" {
		return value
	}
	if value := strings.TrimSpace(os.Getenv("INTERNAL_API_KEY")); value != "" {
		return value
	}
	return ""
}

func databaseURL() string {
	if value := os.Getenv("DATABASE_URL"); value != "" {
		return value
	}

	host := envOrDefault("POSTGRES_HOST", "localhost")
	port := envOrDefault("POSTGRES_PORT", "5432")
	user := envOrDefault("POSTGRES_USER", "releasewatch")
	password := envOrDefault("POSTGRES_PASSWORD", "releasewatch")
	database := envOrDefault("POSTGRES_DB", "releasewatch")

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, database)
}

func redisAddr() string {
	host := envOrDefault("REDIS_HOST", "localhost")
	port := envOrDefault("REDIS_PORT", "6379")
	return fmt.Sprintf("%s:%s", host, port)
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseCSV(value string) []string {
	values := strings.Split(value, ",")
	result := make([]string, 0, len(values))
	for _, item := range values {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		result = append(result, trimmed)
	}

	if len(result) == 0 {
		return []string{"*"}
	}
	return result
}

func envOrDefaultInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// envOrDefaultDuration reads a whole number of seconds.
func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	seconds := envOrDefaultInt(key, -1)
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}
