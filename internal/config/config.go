package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"reliefhub.org/internal/collab"
)

// Config is the process configuration, read from RELIEFHUB_* environment variables.
type Config struct {
	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	GRPCAddr     string        `env:"GRPC_ADDR" envDefault:":9090"`
	PGDSN        string        `env:"PG_DSN"`
	AuthSecret   string        `env:"AUTH_SECRET"`
	TokenTTL     time.Duration `env:"TOKEN_TTL" envDefault:"15m"`
	RateBurst    int           `env:"RATE_BURST" envDefault:"40"`
	RatePerSec   int           `env:"RATE_PER_SEC" envDefault:"20"`
	MaxBodyBytes int64         `env:"MAX_BODY_BYTES" envDefault:"1048576"`
	Version      string        `env:"VERSION" envDefault:"dev"`
	Commit       string        `env:"COMMIT" envDefault:"unknown"`

	Session SessionConfig `envPrefix:"SESSION_"`
}

// SessionConfig holds the live channel parameters advertised on join.
type SessionConfig struct {
	MaxParticipants    int           `env:"MAX_PARTICIPANTS" envDefault:"50"`
	RealTimeSync       bool          `env:"REAL_TIME_SYNC" envDefault:"true"`
	ConflictResolution bool          `env:"CONFLICT_RESOLUTION" envDefault:"true"`
	AutoSave           bool          `env:"AUTO_SAVE" envDefault:"true"`
	AutoSaveInterval   time.Duration `env:"AUTO_SAVE_INTERVAL" envDefault:"30s"`
}

// Defaults converts the session settings for the engine.
func (c SessionConfig) Defaults() collab.SessionDefaults {
	return collab.SessionDefaults{
		MaxParticipants:         c.MaxParticipants,
		RealTimeSync:            c.RealTimeSync,
		ConflictResolution:      c.ConflictResolution,
		AutoSave:                c.AutoSave,
		AutoSaveIntervalSeconds: int(c.AutoSaveInterval / time.Second),
	}
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Prefix: "RELIEFHUB_"})
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.AuthSecret == "" {
		errs = append(errs, errors.New("RELIEFHUB_AUTH_SECRET is required"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("token ttl must be > 0"))
	}
	if c.RateBurst <= 0 || c.RatePerSec <= 0 {
		errs = append(errs, errors.New("rate limit burst and rate must be > 0"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("max body bytes must be > 0"))
	}
	if c.Session.MaxParticipants <= 0 {
		errs = append(errs, errors.New("session max participants must be > 0"))
	}
	if c.Session.AutoSave && c.Session.AutoSaveInterval < time.Second {
		errs = append(errs, errors.New("auto-save interval must be at least 1s"))
	}
	return errors.Join(errs...)
}
