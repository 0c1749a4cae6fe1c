// Package config loads optiqd configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full optiqd configuration. Zero values select the
// documented defaults; environment variables win over file values.
type Config struct {
	Listen      string `yaml:"listen"`
	DatabaseURL string `yaml:"database_url"`
	Migrate     bool   `yaml:"migrate"`
	MigrateDir  string `yaml:"migrate_dir"`
	RedisURL    string `yaml:"redis_url"`

	Workers        int `yaml:"workers"`
	QueueSize      int `yaml:"queue_size"`
	SyncTimeoutSec int `yaml:"sync_timeout_sec"`

	RateRPS   float64 `yaml:"rate_rps"`
	RateBurst int     `yaml:"rate_burst"`

	CallbackMaxAttempts  int `yaml:"callback_max_attempts"`
	TravelRetryAttempts  int `yaml:"travel_retry_attempts"`
	TravelRetryBackoffMs int `yaml:"travel_retry_backoff_ms"`

	Verbose bool `yaml:"verbose"`
}

// Default returns the configuration used when no file and no env are present.
func Default() *Config {
	return &Config{
		Listen:               ":8080",
		Migrate:              true,
		MigrateDir:           "db/migrations",
		Workers:              4,
		QueueSize:            64,
		SyncTimeoutSec:       30,
		RateRPS:              20,
		RateBurst:            40,
		CallbackMaxAttempts:  10,
		TravelRetryAttempts:  3,
		TravelRetryBackoffMs: 100,
	}
}

// Load reads the YAML file at path when it exists, then applies env
// overrides. A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PORT"); v != "" {
		c.Listen = ":" + v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("DB_MIGRATE"); v != "" {
		c.Migrate = v != "false" && v != "0"
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	c.Workers = getEnvInt("WORKERS", c.Workers)
	c.QueueSize = getEnvInt("QUEUE_SIZE", c.QueueSize)
	c.SyncTimeoutSec = getEnvInt("SYNC_TIMEOUT_SEC", c.SyncTimeoutSec)
	c.RateRPS = getEnvFloat("RATE_RPS", c.RateRPS)
	c.RateBurst = getEnvInt("RATE_BURST", c.RateBurst)
	c.CallbackMaxAttempts = getEnvInt("CALLBACK_MAX_ATTEMPTS", c.CallbackMaxAttempts)
	c.TravelRetryAttempts = getEnvInt("TRAVEL_RETRY_ATTEMPTS", c.TravelRetryAttempts)
	c.TravelRetryBackoffMs = getEnvInt("TRAVEL_RETRY_BACKOFF_MS", c.TravelRetryBackoffMs)
	if v := os.Getenv("VERBOSE"); v == "true" || v == "1" {
		c.Verbose = true
	}
}

// SyncTimeout is the deadline applied to synchronous solve requests.
func (c *Config) SyncTimeout() time.Duration {
	return time.Duration(c.SyncTimeoutSec) * time.Second
}

// TravelRetryBackoff is the base delay between travel provider retries.
func (c *Config) TravelRetryBackoff() time.Duration {
	return time.Duration(c.TravelRetryBackoffMs) * time.Millisecond
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
