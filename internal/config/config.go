// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/sessionkeeper/internal/codec"
)

// Supported storage backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendFile     = "file"
	BackendS3       = "s3"
	BackendMemory   = "memory"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	Backend        string
	Codec          string
	DBPath         string
	PostgresDSN    string
	SessionDir     string
	S3             S3Config
	LogLevel       string
	LogFormat      string
	MetricsEnabled bool
	Retry          RetryConfig
}

// S3Config locates the object-store backend.
type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// RetryConfig controls how the session manager retries unavailable storage.
type RetryConfig struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Backend:     strings.ToLower(getEnv("SESSION_BACKEND", BackendSQLite)),
		Codec:       strings.ToLower(getEnv("SESSION_CODEC", "json")),
		DBPath:      getEnv("DB_PATH", "./data/sessions.db"),
		PostgresDSN: getEnv("POSTGRES_DSN", ""),
		SessionDir:  getEnv("SESSION_DIR", "./data/sessions"),
		S3: S3Config{
			Bucket:    getEnv("S3_BUCKET", ""),
			Prefix:    getEnv("S3_PREFIX", "sessions"),
			Region:    getEnv("S3_REGION", "us-east-1"),
			Endpoint:  getEnv("S3_ENDPOINT", ""),
			PathStyle: getEnvBool("S3_PATH_STYLE", false),
		},
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:      strings.ToLower(getEnv("LOG_FORMAT", "json")),
		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),
		Retry: RetryConfig{
			Attempts:  getEnvInt("STORE_RETRY_ATTEMPTS", 3),
			BaseDelay: getEnvDuration("STORE_RETRY_BASE_DELAY", 100*time.Millisecond),
			MaxDelay:  getEnvDuration("STORE_RETRY_MAX_DELAY", 2*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if _, err := codec.ByName(c.Codec); err != nil {
		return fmt.Errorf("SESSION_CODEC: %w", err)
	}

	switch c.Backend {
	case BackendSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for the postgres backend")
		}
	case BackendFile:
		if c.SessionDir == "" {
			return fmt.Errorf("SESSION_DIR cannot be empty")
		}
	case BackendS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for the s3 backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown SESSION_BACKEND %q", c.Backend)
	}

	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	if c.Retry.Attempts <= 0 {
		return fmt.Errorf("STORE_RETRY_ATTEMPTS must be > 0")
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("STORE_RETRY_MAX_DELAY must be >= STORE_RETRY_BASE_DELAY >= 0")
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}

// NewLogger builds the process logger described by the configuration.
func (c *Config) NewLogger() *slog.Logger {
	level, err := c.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
