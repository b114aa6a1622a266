package config

import (
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"
)

// unsetEnv clears key for the duration of the test.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("Unsetenv(%s) error = %v", key, err)
	}
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "SESSION_BACKEND", "SESSION_CODEC", "DB_PATH", "S3_PREFIX",
		"LOG_LEVEL", "LOG_FORMAT", "METRICS_ENABLED",
		"STORE_RETRY_ATTEMPTS", "STORE_RETRY_BASE_DELAY", "STORE_RETRY_MAX_DELAY",
	} {
		unsetEnv(t, key)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Backend != BackendSQLite {
		t.Errorf("Backend = %q, want sqlite", cfg.Backend)
	}
	if cfg.S3.Prefix != "sessions" {
		t.Errorf("S3.Prefix = %q, want sessions", cfg.S3.Prefix)
	}
	if !cfg.MetricsEnabled {
		t.Error("MetricsEnabled = false, want true")
	}
	if cfg.Retry.Attempts != 3 {
		t.Errorf("Retry.Attempts = %d, want 3", cfg.Retry.Attempts)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SESSION_BACKEND", "S3")
	t.Setenv("SESSION_CODEC", "yaml")
	t.Setenv("S3_BUCKET", "agent-sessions")
	t.Setenv("S3_PATH_STYLE", "yes")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("STORE_RETRY_ATTEMPTS", "5")
	t.Setenv("STORE_RETRY_BASE_DELAY", "50ms")
	t.Setenv("STORE_RETRY_MAX_DELAY", "1s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Backend != BackendS3 || cfg.S3.Bucket != "agent-sessions" || !cfg.S3.PathStyle {
		t.Errorf("unexpected S3 config: backend=%q %+v", cfg.Backend, cfg.S3)
	}
	if cfg.Codec != "yaml" {
		t.Errorf("Codec = %q, want yaml", cfg.Codec)
	}
	level, err := cfg.SlogLevel()
	if err != nil || level != slog.LevelDebug {
		t.Errorf("SlogLevel() = %v, %v; want DEBUG", level, err)
	}
	if cfg.Retry.Attempts != 5 || cfg.Retry.BaseDelay != 50*time.Millisecond || cfg.Retry.MaxDelay != time.Second {
		t.Errorf("Retry = %+v", cfg.Retry)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Port:      "8080",
			Backend:   BackendSQLite,
			Codec:     "json",
			DBPath:    "sessions.db",
			LogLevel:  "info",
			LogFormat: "json",
			Retry:     RetryConfig{Attempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Second},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"memory", func(c *Config) { c.Backend = BackendMemory }, ""},
		{"empty port", func(c *Config) { c.Port = "" }, "PORT"},
		{"unknown backend", func(c *Config) { c.Backend = "redis" }, "SESSION_BACKEND"},
		{"unknown codec", func(c *Config) { c.Codec = "toml" }, "SESSION_CODEC"},
		{"sqlite without path", func(c *Config) { c.DBPath = "" }, "DB_PATH"},
		{"postgres without dsn", func(c *Config) { c.Backend = BackendPostgres }, "POSTGRES_DSN"},
		{"file without dir", func(c *Config) { c.Backend = BackendFile }, "SESSION_DIR"},
		{"s3 without bucket", func(c *Config) { c.Backend = BackendS3 }, "S3_BUCKET"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "LOG_LEVEL"},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
		{"no attempts", func(c *Config) { c.Retry.Attempts = 0 }, "STORE_RETRY_ATTEMPTS"},
		{"inverted delays", func(c *Config) { c.Retry.MaxDelay = 0 }, "STORE_RETRY_MAX_DELAY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}
