// Package config loads and validates the orchestrator configuration from
// YAML. Durations are written as strings ("30s", "5m") and parsed where the
// values are consumed; Load layers the file over Default so partial files
// work.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// LoggerConfig controls log output.
type LoggerConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
}

// TasksConfig sizes the task manager.
type TasksConfig struct {
	MaxConcurrent  int    `yaml:"maxConcurrent" validate:"min=0"`
	MaxTracked     int    `yaml:"maxTracked" validate:"min=0"`
	AcquireTimeout string `yaml:"acquireTimeout" validate:"duration"`
	StaleAfter     string `yaml:"staleAfter" validate:"duration"`
}

// BatchConfig sizes the batch coordinator.
type BatchConfig struct {
	MaxConcurrent int    `yaml:"maxConcurrent" validate:"min=0"`
	Retention     string `yaml:"retention" validate:"duration"`
}

// RateLimitConfig sets the per-caller request budgets.
type RateLimitConfig struct {
	PerMinute       int    `yaml:"perMinute" validate:"min=0"`
	PerHour         int    `yaml:"perHour" validate:"min=0"`
	CleanupInterval string `yaml:"cleanupInterval" validate:"duration"`
}

// RetryConfig is the default backoff profile for protected calls.
type RetryConfig struct {
	MaxAttempts int     `yaml:"maxAttempts" validate:"min=0"`
	BaseDelay   string  `yaml:"baseDelay" validate:"duration"`
	Multiplier  float64 `yaml:"multiplier" validate:"min=0"`
	MaxDelay    string  `yaml:"maxDelay" validate:"duration"`
	Jitter      bool    `yaml:"jitter"`
}

// EventsConfig sizes the progress event channels.
type EventsConfig struct {
	MaxChannels  int    `yaml:"maxChannels" validate:"min=0"`
	QueueSize    int    `yaml:"queueSize" validate:"min=0"`
	PollInterval string `yaml:"pollInterval" validate:"duration"`
	IdleTimeout  string `yaml:"idleTimeout" validate:"duration"`
}

// BreakerConfig declares one named circuit breaker.
type BreakerConfig struct {
	Name             string `yaml:"name" validate:"required"`
	FailureThreshold uint32 `yaml:"failureThreshold"`
	SuccessThreshold uint32 `yaml:"successThreshold"`
	Timeout          string `yaml:"timeout" validate:"duration"`
}

// WebhooksConfig declares the notification endpoint registered at startup.
// URL is mandatory once enabled.
type WebhooksConfig struct {
	Enabled    bool     `yaml:"enabled"`
	URL        string   `yaml:"url" validate:"required_if=Enabled true,omitempty,url"`
	Secret     string   `yaml:"secret"`
	Events     []string `yaml:"events"`
	Timeout    string   `yaml:"timeout" validate:"duration"`
	RetryCount int      `yaml:"retryCount" validate:"min=0"`
}

// Config is the root of the YAML file.
type Config struct {
	Logger          LoggerConfig    `yaml:"logger"`
	Tasks           TasksConfig     `yaml:"tasks"`
	Batch           BatchConfig     `yaml:"batch"`
	RateLimit       RateLimitConfig `yaml:"rateLimit"`
	Retry           RetryConfig     `yaml:"retry"`
	Events          EventsConfig    `yaml:"events"`
	Breakers        []BreakerConfig `yaml:"breakers" validate:"omitempty,dive"`
	Webhooks        WebhooksConfig  `yaml:"webhooks"`
	JanitorInterval string          `yaml:"janitorInterval" validate:"duration"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Logger:    LoggerConfig{Level: "info"},
		Tasks:     TasksConfig{MaxConcurrent: 3, MaxTracked: 100, AcquireTimeout: "5m", StaleAfter: "1h"},
		Batch:     BatchConfig{MaxConcurrent: 2, Retention: "24h"},
		RateLimit: RateLimitConfig{PerMinute: 10, PerHour: 100, CleanupInterval: "60s"},
		Retry:     RetryConfig{MaxAttempts: 3, BaseDelay: "1s", Multiplier: 2, MaxDelay: "60s", Jitter: true},
		Events:    EventsConfig{MaxChannels: 1000, QueueSize: 256, PollInterval: "30s", IdleTimeout: "300s"},
		Webhooks: WebhooksConfig{
			Events:     []string{"task.completed", "task.failed"},
			Timeout:    "30s",
			RetryCount: 3,
		},
		JanitorInterval: "60s",
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result.
func Load(path string) (*Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints. Duration strings must parse with
// time.ParseDuration when set.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.RegisterValidation("duration", validDuration); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func validDuration(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" {
		return true
	}
	_, err := time.ParseDuration(s)
	return err == nil
}

// Duration parses a config duration string, falling back to def when the
// string is empty or malformed. Validate has already rejected malformed
// values on the Load path.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
