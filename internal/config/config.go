// Package config loads runtime settings from TESSERA_* environment variables.
package config

import (
	"errors"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "TESSERA"

// Config holds runtime configuration for the API process.
type Config struct {
	Env             string        `envconfig:"ENV" default:"development"`
	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":8080"`
	GRPCAddr        string        `envconfig:"GRPC_ADDR" default:":9090"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"15s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	MaxBodyBytes    int64         `envconfig:"MAX_BODY_BYTES" default:"1048576"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// PGDSN selects the Postgres store; empty keeps everything in memory.
	PGDSN       string `envconfig:"PG_DSN"`
	AutoMigrate bool   `envconfig:"AUTO_MIGRATE" default:"false"`

	// RedisAddr moves preferences and refresh state to Redis when set.
	RedisAddr      string `envconfig:"REDIS_ADDR"`
	RedisPassword  string `envconfig:"REDIS_PASSWORD"`
	RedisDB        int    `envconfig:"REDIS_DB" default:"0"`
	RedisKeyPrefix string `envconfig:"REDIS_KEY_PREFIX" default:"tessera"`

	Issuer        string        `envconfig:"TOKEN_ISSUER" default:"tessera"`
	AccessSecret  string        `envconfig:"ACCESS_SECRET" required:"true"`
	RefreshSecret string        `envconfig:"REFRESH_SECRET"`
	PreAuthSecret string        `envconfig:"PREAUTH_SECRET" required:"true"`
	PreAuthTTL    time.Duration `envconfig:"PREAUTH_TTL" default:"5m"`
	AccessTTL     time.Duration `envconfig:"ACCESS_TTL" default:"15m"`
	RefreshTTL    time.Duration `envconfig:"REFRESH_TTL" default:"336h"`

	ScopeToActiveRole bool `envconfig:"SCOPE_TO_ACTIVE_ROLE" default:"false"`

	RateBurst       int     `envconfig:"RATE_BURST" default:"100"`
	RatePerSecond   float64 `envconfig:"RATE_PER_SECOND" default:"50"`
	LoginRateBurst  int     `envconfig:"LOGIN_RATE_BURST" default:"5"`
	LoginRatePerSec float64 `envconfig:"LOGIN_RATE_PER_SECOND" default:"0.2"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings envconfig cannot express.
func (c *Config) Validate() error {
	if c.AccessSecret == "" || c.PreAuthSecret == "" {
		return errors.New("access and pre-auth secrets must be provided")
	}
	if c.PreAuthSecret == c.AccessSecret || (c.RefreshSecret != "" && c.PreAuthSecret == c.RefreshSecret) {
		return errors.New("pre-auth secret must differ from session secrets")
	}
	if !(c.PreAuthTTL < c.AccessTTL && c.AccessTTL < c.RefreshTTL) {
		return errors.New("token lifetimes must satisfy pre-auth < access < refresh")
	}
	if c.RateBurst <= 0 || c.LoginRateBurst <= 0 {
		return errors.New("rate limit bursts must be positive")
	}
	return nil
}

// IsProduction returns true when the service runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.Env == "production"
}
