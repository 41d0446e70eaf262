// Package config loads and validates service configuration from env and an
// optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN; empty runs the service on in-memory stores.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// AuthSecret signs access tokens (HS256). Required.
	AuthSecret string `mapstructure:"AUTH_SECRET"`
	// AccessTTL is the access token lifetime (e.g. "15m").
	AccessTTL time.Duration `mapstructure:"ACCESS_TTL"`
	// RefreshTTL is the refresh token lifetime (e.g. "336h").
	RefreshTTL time.Duration `mapstructure:"REFRESH_TTL"`
	// SessionTTL is the session lifetime (e.g. "720h").
	SessionTTL time.Duration `mapstructure:"SESSION_TTL"`
	// BcryptCost is the bcrypt cost factor (4-31).
	BcryptCost int `mapstructure:"BCRYPT_COST"`
	// EdgeBurst and EdgePerSecond tune the in-process per-IP token bucket.
	EdgeBurst     int `mapstructure:"EDGE_BURST"`
	EdgePerSecond int `mapstructure:"EDGE_PER_SECOND"`
}

// Load reads .env (if present), then builds and validates Config from the
// environment. Env vars carry the TASKVAULT_ prefix (TASKVAULT_HTTP_ADDR and
// so on); .env keys are unprefixed. Missing .env is ignored; env vars
// override .env values.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore missing .env (e.g. in CI)

	v.SetEnvPrefix("TASKVAULT")
	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("AUTH_SECRET", "")
	v.SetDefault("ACCESS_TTL", "15m")
	v.SetDefault("REFRESH_TTL", "336h")
	v.SetDefault("SESSION_TTL", "720h")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("EDGE_BURST", 20)
	v.SetDefault("EDGE_PER_SECOND", 10)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.AuthSecret == "" {
		return nil, errors.New("config: AUTH_SECRET must be set")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 || cfg.SessionTTL <= 0 {
		return nil, errors.New("config: token lifetimes must be positive")
	}
	if cfg.AccessTTL >= cfg.RefreshTTL {
		return nil, errors.New("config: ACCESS_TTL must be shorter than REFRESH_TTL")
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, fmt.Errorf("config: BCRYPT_COST %d out of range", cfg.BcryptCost)
	}
	if cfg.EdgeBurst <= 0 || cfg.EdgePerSecond <= 0 {
		return nil, errors.New("config: edge limiter settings must be positive")
	}
	return &cfg, nil
}
