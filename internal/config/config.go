package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds all configuration for the genwatch daemon and CLI.
type Config struct {
	Server   ServerConfig
	Remote   RemoteConfig
	Poller   PollerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Webhook  WebhookConfig
	Archive  ArchiveConfig
	History  HistoryConfig
}

type ServerConfig struct {
	Port     int
	Env      string
	LogLevel slog.Level
}

// RemoteConfig points at the generation service being watched.
type RemoteConfig struct {
	BaseURL         string
	ArtifactBaseURL string
	Timeout         time.Duration
}

type PollerConfig struct {
	Interval time.Duration
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL         string
	SnapshotTTL time.Duration
}

type AuthConfig struct {
	APIKeyHash        string
	RequestsPerMinute int
}

type WebhookConfig struct {
	URL        string
	Timeout    time.Duration
	MaxRetries int
}

type ArchiveConfig struct {
	Dir            string
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	S3PathStyle    bool
	ThumbnailWidth int
	MaxBytes       int64
}

// Enabled reports whether completed artifacts should be archived at all.
func (a ArchiveConfig) Enabled() bool {
	return a.Dir != "" || a.S3Bucket != ""
}

type HistoryConfig struct {
	SyncSchedule string
	PageSize     int
}

// Load reads configuration from environment variables and returns a validated Config.
// Only the remote base URL is required; every backing service is optional and
// its feature is disabled when left unset.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:     envInt("GENWATCH_PORT", 8080),
			Env:      envString("GENWATCH_ENV", "development"),
			LogLevel: envLevel("GENWATCH_LOG_LEVEL", slog.LevelInfo),
		},
		Remote: RemoteConfig{
			BaseURL:         strings.TrimRight(envString("GENWATCH_API_BASE_URL", "http://localhost:8000/api/v1"), "/"),
			ArtifactBaseURL: os.Getenv("GENWATCH_ARTIFACT_BASE_URL"),
			Timeout:         envDuration("GENWATCH_API_TIMEOUT", 10*time.Second),
		},
		Poller: PollerConfig{
			Interval: envDuration("GENWATCH_POLL_INTERVAL", 3*time.Second),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:         os.Getenv("REDIS_URL"),
			SnapshotTTL: envDuration("GENWATCH_SNAPSHOT_TTL", 30*time.Minute),
		},
		Auth: AuthConfig{
			APIKeyHash:        os.Getenv("GENWATCH_API_KEY_HASH"),
			RequestsPerMinute: envInt("GENWATCH_RATE_LIMIT_PER_MINUTE", 60),
		},
		Webhook: WebhookConfig{
			URL:        os.Getenv("GENWATCH_WEBHOOK_URL"),
			Timeout:    envDuration("GENWATCH_WEBHOOK_TIMEOUT", 10*time.Second),
			MaxRetries: envInt("GENWATCH_WEBHOOK_MAX_RETRIES", 3),
		},
		Archive: ArchiveConfig{
			Dir:            os.Getenv("GENWATCH_ARCHIVE_DIR"),
			S3Bucket:       os.Getenv("GENWATCH_ARCHIVE_S3_BUCKET"),
			S3Region:       envString("GENWATCH_ARCHIVE_S3_REGION", "us-east-1"),
			S3Endpoint:     os.Getenv("GENWATCH_ARCHIVE_S3_ENDPOINT"),
			S3PathStyle:    envBool("GENWATCH_ARCHIVE_S3_PATH_STYLE", false),
			ThumbnailWidth: envInt("GENWATCH_THUMBNAIL_WIDTH", 256),
			MaxBytes:       int64(envInt("GENWATCH_ARCHIVE_MAX_BYTES", 25*1024*1024)),
		},
		History: HistoryConfig{
			SyncSchedule: os.Getenv("GENWATCH_HISTORY_SYNC_SCHEDULE"),
			PageSize:     envInt("GENWATCH_HISTORY_PAGE_SIZE", 50),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if !isHTTPURL(c.Remote.BaseURL) {
		return fmt.Errorf("GENWATCH_API_BASE_URL must start with http:// or https://, got %q", c.Remote.BaseURL)
	}
	if c.Remote.ArtifactBaseURL != "" && !isHTTPURL(c.Remote.ArtifactBaseURL) {
		return fmt.Errorf("GENWATCH_ARTIFACT_BASE_URL must start with http:// or https://, got %q", c.Remote.ArtifactBaseURL)
	}
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("GENWATCH_API_TIMEOUT must be positive")
	}

	if c.Poller.Interval < 100*time.Millisecond {
		return fmt.Errorf("GENWATCH_POLL_INTERVAL must be at least 100ms, got %s", c.Poller.Interval)
	}

	if c.Webhook.URL != "" && !isHTTPURL(c.Webhook.URL) {
		return fmt.Errorf("GENWATCH_WEBHOOK_URL must start with http:// or https://, got %q", c.Webhook.URL)
	}
	if c.Webhook.MaxRetries < 0 {
		return fmt.Errorf("GENWATCH_WEBHOOK_MAX_RETRIES must not be negative")
	}

	if c.History.SyncSchedule != "" {
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when GENWATCH_HISTORY_SYNC_SCHEDULE is set")
		}
		if _, err := cron.ParseStandard(c.History.SyncSchedule); err != nil {
			return fmt.Errorf("GENWATCH_HISTORY_SYNC_SCHEDULE is not a valid cron expression: %w", err)
		}
	}
	if c.History.PageSize <= 0 || c.History.PageSize > 100 {
		return fmt.Errorf("GENWATCH_HISTORY_PAGE_SIZE must be between 1 and 100, got %d", c.History.PageSize)
	}

	if c.Auth.RequestsPerMinute <= 0 {
		return fmt.Errorf("GENWATCH_RATE_LIMIT_PER_MINUTE must be positive")
	}

	return nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envLevel(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		return defaultVal
	}
	return lvl
}
