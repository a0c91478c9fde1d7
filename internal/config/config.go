// Package config loads and validates all runtime configuration for the
// comfort gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. A .env file, when present, is loaded
// into the process environment first.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example DASHSCOPE_API_KEY becomes
// dashscope_api_key in YAML.
//
// DASHSCOPE_API_KEY is not required to start. Without it every comfort
// request is answered with a 500 until the key is configured.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Rate-limit store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	Upstream UpstreamConfig

	RateLimit RateLimitConfig

	// Redis holds the connection URL for the Redis-backed rate limiter.
	// Required only when RateLimit.Store is "redis".
	Redis RedisConfig

	// CORSOrigins lists allowed browser origins. ["*"] allows any.
	CORSOrigins []string
}

// UpstreamConfig describes the chat-completion endpoint.
type UpstreamConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration

	// BreakerThreshold is the number of upstream failures within
	// BreakerWindow that opens the circuit. 0 disables the breaker.
	BreakerThreshold int
	BreakerWindow    time.Duration
	BreakerCooldown  time.Duration
}

type RateLimitConfig struct {
	// Store is "memory" (single instance) or "redis" (shared).
	Store string

	Window time.Duration

	Max int

	// SweepInterval controls how often the memory store evicts ended windows.
	SweepInterval time.Duration
}

type RedisConfig struct {
	URL string
}

func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("DASHSCOPE_BASE_URL", "https://dashscope.aliyuncs.com/compatible-mode/v1")
	v.SetDefault("UPSTREAM_MODEL", "qwen-plus")
	v.SetDefault("UPSTREAM_TEMPERATURE", 0.6)
	v.SetDefault("UPSTREAM_MAX_TOKENS", 400)
	v.SetDefault("UPSTREAM_TIMEOUT", "12s")
	v.SetDefault("UPSTREAM_BREAKER_THRESHOLD", 0)
	v.SetDefault("UPSTREAM_BREAKER_WINDOW", "60s")
	v.SetDefault("UPSTREAM_BREAKER_COOLDOWN", "30s")

	v.SetDefault("RATE_LIMIT_STORE", StoreMemory)
	v.SetDefault("RATE_LIMIT_WINDOW", "60s")
	v.SetDefault("RATE_LIMIT_MAX", 30)
	v.SetDefault("RATE_LIMIT_SWEEP_INTERVAL", "5m")

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Upstream: UpstreamConfig{
			APIKey:      strings.TrimSpace(v.GetString("DASHSCOPE_API_KEY")),
			BaseURL:     v.GetString("DASHSCOPE_BASE_URL"),
			Model:       v.GetString("UPSTREAM_MODEL"),
			Temperature: v.GetFloat64("UPSTREAM_TEMPERATURE"),
			MaxTokens:   v.GetInt("UPSTREAM_MAX_TOKENS"),
			Timeout:     v.GetDuration("UPSTREAM_TIMEOUT"),

			BreakerThreshold: v.GetInt("UPSTREAM_BREAKER_THRESHOLD"),
			BreakerWindow:    v.GetDuration("UPSTREAM_BREAKER_WINDOW"),
			BreakerCooldown:  v.GetDuration("UPSTREAM_BREAKER_COOLDOWN"),
		},

		RateLimit: RateLimitConfig{
			Store:         strings.ToLower(v.GetString("RATE_LIMIT_STORE")),
			Window:        v.GetDuration("RATE_LIMIT_WINDOW"),
			Max:           v.GetInt("RATE_LIMIT_MAX"),
			SweepInterval: v.GetDuration("RATE_LIMIT_SWEEP_INTERVAL"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	switch c.RateLimit.Store {
	case StoreMemory, StoreRedis:
	default:
		return fmt.Errorf(
			"config: invalid RATE_LIMIT_STORE %q; must be one of: memory, redis",
			c.RateLimit.Store,
		)
	}

	if c.RateLimit.Store == StoreRedis && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when RATE_LIMIT_STORE=redis; " +
				"set RATE_LIMIT_STORE=memory to use the in-process limiter",
		)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be within 1-65535, got %d", c.Port)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_WINDOW must be a positive duration")
	}
	if c.RateLimit.Max < 1 {
		return fmt.Errorf("config: RATE_LIMIT_MAX must be ≥ 1, got %d", c.RateLimit.Max)
	}
	if c.RateLimit.SweepInterval <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_SWEEP_INTERVAL must be a positive duration")
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("config: UPSTREAM_TIMEOUT must be a positive duration")
	}
	if c.Upstream.MaxTokens < 1 {
		return fmt.Errorf("config: UPSTREAM_MAX_TOKENS must be ≥ 1, got %d", c.Upstream.MaxTokens)
	}
	if c.Upstream.Temperature < 0 || c.Upstream.Temperature > 2 {
		return fmt.Errorf("config: UPSTREAM_TEMPERATURE must be within 0-2, got %g", c.Upstream.Temperature)
	}

	if c.Upstream.BreakerThreshold < 0 {
		return fmt.Errorf("config: UPSTREAM_BREAKER_THRESHOLD must be ≥ 0, got %d", c.Upstream.BreakerThreshold)
	}
	if c.Upstream.BreakerThreshold > 0 && (c.Upstream.BreakerWindow <= 0 || c.Upstream.BreakerCooldown <= 0) {
		return fmt.Errorf("config: UPSTREAM_BREAKER_WINDOW and UPSTREAM_BREAKER_COOLDOWN must be positive durations")
	}

	return nil
}

// HasUpstreamKey reports whether the upstream credential is configured.
func (c *Config) HasUpstreamKey() bool {
	return c.Upstream.APIKey != ""
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
