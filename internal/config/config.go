// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Provide New() to build a Config with defaults.
// - Load layers a YAML file and environment variables on top.
// - Validation failures wrap ErrInvalidConfig.
package config

import (
	"fmt"
	"time"
)

// Backend names accepted by the store, feed and guard selectors.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendNATS     = "nats"
	BackendRedis    = "redis"
)

// DevJWTSecret is the default signing secret. Deployments override it.
const DevJWTSecret = "icebreaker-dev-secret"

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	// LogFormat is text or json.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// Store selects the data store: memory or postgres.
	Store       string `koanf:"store"`
	PostgresDSN string `koanf:"postgres_dsn"`

	// Feed selects the change feed: memory or nats.
	Feed              string `koanf:"feed"`
	NATSURL           string `koanf:"nats_url"`
	NATSSubjectPrefix string `koanf:"nats_subject_prefix"`
	// FeedBuffer bounds each subscriber's pending rows.
	FeedBuffer int `koanf:"feed_buffer"`

	// Guard selects the match-evaluation guard: memory or redis.
	Guard     string `koanf:"guard"`
	RedisAddr string `koanf:"redis_addr"`
	GuardSize int    `koanf:"guard_size"`
	GuardTTLS int    `koanf:"guard_ttl_s"`

	// JWTSecret signs device identity tokens (HS256).
	JWTSecret string `koanf:"jwt_secret"`

	// RateLimitRPS and RateLimitBurst throttle writes per user.
	RateLimitRPS   float64 `koanf:"rate_limit_rps"`
	RateLimitBurst int     `koanf:"rate_limit_burst"`

	// MaxAdvanceRetries bounds re-read/recompute after a stale write.
	MaxAdvanceRetries int `koanf:"max_advance_retries"`

	// MatchSelection inserts a voting phase after each level.
	MatchSelection bool `koanf:"match_selection"`
	// RequireAllAnswered gates advancing on every active participant answering.
	RequireAllAnswered bool `koanf:"require_all_answered"`

	// TimeUnitMS is the length of one auto-advance time unit.
	TimeUnitMS int `koanf:"time_unit_ms"`

	// Questions overrides the built-in question bank per level.
	Questions map[string][]string `koanf:"questions"`
}

// New creates a Config with defaults.
func New() *Config {
	return &Config{
		LogLevel:           "info",
		LogFormat:          "text",
		Addr:               ":9080",
		Store:              BackendMemory,
		Feed:               BackendMemory,
		NATSSubjectPrefix:  "icebreaker",
		FeedBuffer:         64,
		Guard:              BackendMemory,
		GuardSize:          10_000,
		GuardTTLS:          24 * 60 * 60,
		JWTSecret:          DevJWTSecret,
		RateLimitRPS:       5,
		RateLimitBurst:     10,
		MaxAdvanceRetries:  3,
		MatchSelection:     true,
		RequireAllAnswered: false,
		TimeUnitMS:         1000,
	}
}

// TimeUnit returns the auto-advance time unit as a duration.
func (c *Config) TimeUnit() time.Duration {
	return time.Duration(c.TimeUnitMS) * time.Millisecond
}

// GuardTTL returns how long the shared guard remembers an evaluation.
func (c *Config) GuardTTL() time.Duration {
	return time.Duration(c.GuardTTLS) * time.Second
}

// Validate checks the configuration for inconsistent values.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.Store != BackendMemory && c.Store != BackendPostgres:
		return fmt.Errorf("%w: unknown store %q", ErrInvalidConfig, c.Store)
	case c.Store == BackendPostgres && c.PostgresDSN == "":
		return fmt.Errorf("%w: postgres_dsn is required for the postgres store", ErrInvalidConfig)
	case c.Feed != BackendMemory && c.Feed != BackendNATS:
		return fmt.Errorf("%w: unknown feed %q", ErrInvalidConfig, c.Feed)
	case c.Feed == BackendNATS && c.NATSURL == "":
		return fmt.Errorf("%w: nats_url is required for the nats feed", ErrInvalidConfig)
	case c.Guard != BackendMemory && c.Guard != BackendRedis:
		return fmt.Errorf("%w: unknown guard %q", ErrInvalidConfig, c.Guard)
	case c.Guard == BackendRedis && c.RedisAddr == "":
		return fmt.Errorf("%w: redis_addr is required for the redis guard", ErrInvalidConfig)
	case c.JWTSecret == "":
		return fmt.Errorf("%w: jwt_secret must not be empty", ErrInvalidConfig)
	case c.FeedBuffer <= 0:
		return fmt.Errorf("%w: feed_buffer must be positive", ErrInvalidConfig)
	case c.MaxAdvanceRetries < 0:
		return fmt.Errorf("%w: max_advance_retries must not be negative", ErrInvalidConfig)
	case c.TimeUnitMS <= 0:
		return fmt.Errorf("%w: time_unit_ms must be positive", ErrInvalidConfig)
	case c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0:
		return fmt.Errorf("%w: rate limit must be positive", ErrInvalidConfig)
	}
	for level, qs := range c.Questions {
		if len(qs) == 0 {
			return fmt.Errorf("%w: level %q has no questions", ErrInvalidConfig, level)
		}
	}
	return nil
}
