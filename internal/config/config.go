package config

import (
	"fmt"
	"time"
)

// Config is the root aigate configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Provider       ProviderConfig       `yaml:"provider"`
	Governor       GovernorConfig       `yaml:"governor"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
	Cache          CacheConfig          `yaml:"cache"`
	Logging        LoggingConfig        `yaml:"logging"`
}

// ServerConfig defines the HTTP listener settings.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	MetricsPath  string        `yaml:"metrics_path"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ProviderConfig configures the upstream AI provider.
type ProviderConfig struct {
	Name         string            `yaml:"name"`          // "openai", "anthropic", "gemini"
	Model        string            `yaml:"model"`         // default model
	ModelMapping map[string]string `yaml:"model_mapping"` // client model → provider model
	APIKey       string            `yaml:"api_key"`       // env var reference: ${OPENAI_API_KEY}
	BaseURL      string            `yaml:"base_url"`      // override provider base URL
	OrgID        string            `yaml:"org_id"`        // OpenAI: organization
	Timeout      time.Duration     `yaml:"timeout"`       // per-request timeout (default 60s)
	MaxTokens    int               `yaml:"max_tokens"`    // enforce cap (overrides client if larger)
	Temperature  *float64          `yaml:"temperature"`   // override (nil = use client value)
	MaxBodySize  int64             `yaml:"max_body_size"` // max request body read (default 10MB)
	PassHeaders  []string          `yaml:"pass_headers"`  // client→provider header forwarding
}

// GovernorConfig defines request pacing settings.
type GovernorConfig struct {
	MinInterval       time.Duration `yaml:"min_interval"`         // spacing between calls (default 500ms)
	MaxCallsPerMinute int           `yaml:"max_calls_per_minute"` // fixed 60s window quota (default 30)
	CallTimeout       time.Duration `yaml:"call_timeout"`         // per-call timeout, 0 = none
	QueueSize         int           `yaml:"queue_size"`           // max queued calls, 0 = unbounded
}

// CircuitBreakerConfig defines circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold  int           `yaml:"failure_threshold"`   // failures to open (default 5)
	RecoveryTime      time.Duration `yaml:"recovery_time"`       // open → half-open cooldown (default 30s)
	HalfOpenSuccesses int           `yaml:"half_open_successes"` // successes to close (default 2)
}

// RetryConfig defines retry settings for transient provider failures.
type RetryConfig struct {
	MaxRetries         int           `yaml:"max_retries"`          // attempts per call (default 3)
	RateLimitBackoff   time.Duration `yaml:"rate_limit_backoff"`   // base backoff after 429 (default 2s)
	ServerErrorBackoff time.Duration `yaml:"server_error_backoff"` // base backoff after 5xx (default 1s)
}

// CacheConfig defines response caching settings.
type CacheConfig struct {
	Enabled  bool          `yaml:"enabled"`
	MaxSize  int           `yaml:"max_size"`  // entries (default 50)
	TTL      time.Duration `yaml:"ttl"`       // fresh window (default 10m)
	StaleTTL time.Duration `yaml:"stale_ttl"` // extended stale window (default 30m)
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level    string            `yaml:"level"`
	Format   string            `yaml:"format"` // "json" (default) or "console"
	Output   string            `yaml:"output"` // "stdout" (default), "stderr", or a file path
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`    // gzip rotated files
}

// DefaultConfig returns a Config with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			MetricsPath:  "/metrics",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
		},
		Provider: ProviderConfig{
			Name:        "openai",
			Timeout:     60 * time.Second,
			MaxBodySize: 10 * 1024 * 1024,
		},
		Governor: GovernorConfig{
			MinInterval:       500 * time.Millisecond,
			MaxCallsPerMinute: 30,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:  5,
			RecoveryTime:      30 * time.Second,
			HalfOpenSuccesses: 2,
		},
		Retry: RetryConfig{
			MaxRetries:         3,
			RateLimitBackoff:   2 * time.Second,
			ServerErrorBackoff: time.Second,
		},
		Cache: CacheConfig{
			Enabled:  true,
			MaxSize:  50,
			TTL:      10 * time.Minute,
			StaleTTL: 30 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

var validProviders = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"gemini":    true,
}

// Validate checks the configuration for errors that would otherwise only
// surface at request time.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1-65535, got %d", c.Server.Port)
	}
	if !validProviders[c.Provider.Name] {
		return fmt.Errorf("provider.name must be one of openai, anthropic, gemini; got %q", c.Provider.Name)
	}
	if c.Provider.APIKey == "" {
		return fmt.Errorf("provider.api_key is required")
	}
	if c.Governor.MinInterval < 0 {
		return fmt.Errorf("governor.min_interval must not be negative")
	}
	if c.Governor.MaxCallsPerMinute <= 0 {
		return fmt.Errorf("governor.max_calls_per_minute must be positive, got %d", c.Governor.MaxCallsPerMinute)
	}
	if c.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be positive, got %d", c.CircuitBreaker.FailureThreshold)
	}
	if c.CircuitBreaker.HalfOpenSuccesses <= 0 {
		return fmt.Errorf("circuit_breaker.half_open_successes must be positive, got %d", c.CircuitBreaker.HalfOpenSuccesses)
	}
	if c.Retry.MaxRetries <= 0 {
		return fmt.Errorf("retry.max_retries must be positive, got %d", c.Retry.MaxRetries)
	}
	if c.Cache.Enabled {
		if c.Cache.MaxSize <= 0 {
			return fmt.Errorf("cache.max_size must be positive, got %d", c.Cache.MaxSize)
		}
		if c.Cache.StaleTTL < c.Cache.TTL {
			return fmt.Errorf("cache.stale_ttl (%s) must not be shorter than cache.ttl (%s)", c.Cache.StaleTTL, c.Cache.TTL)
		}
	}
	return nil
}
