// Package config loads application configuration from a YAML file and
// BIWATCH_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment variable read by Load.
// Nested keys are separated by a double underscore: BIWATCH_DATABASE__URL.
const EnvPrefix = "BIWATCH_"

// Config is the root application configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Database     DatabaseConfig     `koanf:"database"`
	Log          LogConfig          `koanf:"log"`
	JWT          JWTConfig          `koanf:"jwt"`
	CORS         CORSConfig         `koanf:"cors"`
	Activity     ActivityConfig     `koanf:"activity"`
	Realtime     RealtimeConfig     `koanf:"realtime"`
	Exposure     ExposureConfig     `koanf:"exposure"`
	SessionCache SessionCacheConfig `koanf:"session_cache"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port" validate:"required"`
	MetricsPort       string        `koanf:"metrics_port" validate:"required"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	RequestTimeout    time.Duration `koanf:"request_timeout" validate:"gt=0"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig contains PostgreSQL settings.
type DatabaseConfig struct {
	URL             string        `koanf:"url" validate:"required"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"gte=1"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout" validate:"gt=0"`
	ConnectAttempts int           `koanf:"connect_attempts" validate:"gte=1"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

// JWTConfig contains access token validation settings.
type JWTConfig struct {
	SecretKey string        `koanf:"secret_key" validate:"required,min=16"`
	Issuer    string        `koanf:"issuer"`
	Leeway    time.Duration `koanf:"leeway"`
}

// CORSConfig contains CORS settings.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// ActivityConfig contains activity log settings.
type ActivityConfig struct {
	WriteTimeout time.Duration `koanf:"write_timeout" validate:"gt=0"`
}

// RealtimeConfig contains change listener and reconciliation settings.
type RealtimeConfig struct {
	Enabled          bool          `koanf:"enabled"`
	ReconcileTimeout time.Duration `koanf:"reconcile_timeout" validate:"gt=0"`
	InitialBackoff   time.Duration `koanf:"initial_backoff" validate:"gt=0"`
	MaxBackoff       time.Duration `koanf:"max_backoff" validate:"gtefield=InitialBackoff"`
}

// ExposureConfig contains exposure report settings.
type ExposureConfig struct {
	CollaboratorTimeout time.Duration `koanf:"collaborator_timeout" validate:"gt=0"`
	RatePerSecond       float64       `koanf:"rate_per_second" validate:"gte=0"`
	RateBurst           int           `koanf:"rate_burst" validate:"gte=1"`
}

// SessionCacheConfig contains resolution checklist snapshot storage settings.
type SessionCacheConfig struct {
	InMemory bool          `koanf:"in_memory"`
	Path     string        `koanf:"path" validate:"required_if=InMemory false"`
	TTL      time.Duration `koanf:"ttl" validate:"gt=0"`
}

// Default returns the configuration used for keys absent from every source.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
			RequestTimeout:    60 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  60 * time.Second,
			ConnectAttempts: 5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		JWT: JWTConfig{
			Issuer: "biwatch",
			Leeway: 30 * time.Second,
		},
		Activity: ActivityConfig{
			WriteTimeout: 5 * time.Second,
		},
		Realtime: RealtimeConfig{
			Enabled:          true,
			ReconcileTimeout: 10 * time.Second,
			InitialBackoff:   500 * time.Millisecond,
			MaxBackoff:       30 * time.Second,
		},
		Exposure: ExposureConfig{
			CollaboratorTimeout: 30 * time.Second,
			RatePerSecond:       1,
			RateBurst:           5,
		},
		SessionCache: SessionCacheConfig{
			InMemory: true,
			TTL:      12 * time.Hour,
		},
	}
}

// Load reads configuration from path (optional, may be empty) and the
// environment, applied over Default, and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
			return nil, fmt.Errorf("config file %s not found", path)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// envKey maps BIWATCH_DATABASE__MAX_OPEN_CONNS to database.max_open_conns.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}
