// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	CacheBackendSQLite = "sqlite"
	CacheBackendRedis  = "redis"

	minJWTSecretLen = 32
)

// Config is the service configuration.
type Config struct {
	Port         string `env:"PORT" envDefault:"8080"`
	DatabasePath string `env:"DATABASE_PATH" envDefault:"course-progress.db"`

	CacheBackend string `env:"CACHE_BACKEND" envDefault:"sqlite"`
	RedisAddr    string `env:"REDIS_ADDR"`

	LMSAPIURL     string        `env:"LMS_API_URL" envDefault:"http://127.0.0.1:8000/api"`
	LMSAPITimeout time.Duration `env:"LMS_API_TIMEOUT" envDefault:"10s"`

	// How long a session is reused before enrollment and chapters are
	// fetched again, and how long an unused session is kept in memory.
	SessionRefresh     time.Duration `env:"SESSION_REFRESH" envDefault:"30s"`
	SessionIdleTimeout time.Duration `env:"SESSION_IDLE_TIMEOUT" envDefault:"30m"`

	JWTSecret string        `env:"JWT_SECRET"`
	TokenTTL  time.Duration `env:"TOKEN_TTL" envDefault:"24h"`

	// Secure cookies by default; disable only for local development.
	CookieSecure bool `env:"COOKIE_SECURE" envDefault:"true"`

	RateLimitPerSecond float64 `env:"RATE_LIMIT_PER_SECOND" envDefault:"5"`
	RateLimitBurst     float64 `env:"RATE_LIMIT_BURST" envDefault:"20"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates the configuration.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET environment variable is required")
	}
	if len(c.JWTSecret) < minJWTSecretLen {
		return fmt.Errorf("JWT_SECRET must be at least %d characters for HMAC-SHA256 security", minJWTSecretLen)
	}
	switch c.CacheBackend {
	case CacheBackendSQLite:
		if c.DatabasePath == "" {
			return errors.New("DATABASE_PATH must not be empty")
		}
	case CacheBackendRedis:
		if c.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required when CACHE_BACKEND is redis")
		}
	default:
		return fmt.Errorf("unknown CACHE_BACKEND %q", c.CacheBackend)
	}
	if c.LMSAPIURL == "" {
		return errors.New("LMS_API_URL must not be empty")
	}
	if c.LMSAPITimeout <= 0 {
		return errors.New("LMS_API_TIMEOUT must be positive")
	}
	if c.SessionRefresh <= 0 || c.SessionIdleTimeout <= 0 {
		return errors.New("SESSION_REFRESH and SESSION_IDLE_TIMEOUT must be positive")
	}
	if c.TokenTTL <= 0 {
		return errors.New("TOKEN_TTL must be positive")
	}
	if c.RateLimitPerSecond <= 0 || c.RateLimitBurst < 1 {
		return errors.New("RATE_LIMIT_PER_SECOND must be positive and RATE_LIMIT_BURST at least 1")
	}
	return nil
}
