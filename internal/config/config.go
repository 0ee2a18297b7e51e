package config

import (
	"encoding/base64"
	"fmt"
	"slices"
	"strings"

	"github.com/caarlos0/env/v11"
)

const (
	BusMemory   = "memory"
	BusRedis    = "redis"
	BusPostgres = "postgres"
)

type Config struct {
	ServerAddr           string   `env:"GATEWAY_ADDR" envDefault:":8000"`
	SigningSecret        string   `env:"GATEWAY_SIGNING_KEY"`
	AllowedOrigins       []string `env:"GATEWAY_ALLOWED_ORIGINS" envSeparator:","`
	BusDriver            string   `env:"GATEWAY_BUS_DRIVER" envDefault:"memory"`
	RedisURL             string   `env:"GATEWAY_REDIS_URL" envDefault:"redis://localhost:6379/0"`
	DatabaseDSN          string   `env:"GATEWAY_DATABASE_DSN"`
	BusChannel           string   `env:"GATEWAY_BUS_CHANNEL" envDefault:"crm_events"`
	InternalAPIKey       string   `env:"GATEWAY_INTERNAL_API_KEY"`
	AllowSessionFallback bool     `env:"GATEWAY_ALLOW_SESSION_FALLBACK" envDefault:"true"`
	AuthorizeJoins       bool     `env:"GATEWAY_AUTHORIZE_JOINS" envDefault:"false"`

	// SigningKey is SigningSecret decoded by Validate.
	SigningKey []byte
}

// FromEnv reads the configuration from the process environment.
func FromEnv() (*Config, error) {
	return parse(env.Options{})
}

// FromMap reads the configuration from vars instead of the process environment.
func FromMap(vars map[string]string) (*Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return &cfg, nil
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

// Validate checks the configuration and decodes the signing key. It must be
// called after any flag overrides are applied.
func (c *Config) Validate() error {
	if c.ServerAddr == "" {
		return fmt.Errorf("server address cannot be empty")
	}

	key, err := decodeSigningSecret(c.SigningSecret)
	if err != nil {
		return fmt.Errorf("decode signing secret: %w", err)
	}
	c.SigningKey = key

	if c.BusChannel == "" {
		return fmt.Errorf("bus channel cannot be empty")
	}

	switch c.BusDriver {
	case BusMemory:
	case BusRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("redis url cannot be empty with the redis bus")
		}
	case BusPostgres:
		if c.DatabaseDSN == "" {
			return fmt.Errorf("database DSN cannot be empty with the postgres bus")
		}
	default:
		return fmt.Errorf("unknown bus driver %q", c.BusDriver)
	}

	if c.AuthorizeJoins && c.DatabaseDSN == "" {
		return fmt.Errorf("database DSN cannot be empty when joins are authorized")
	}

	c.AllowedOrigins = slices.DeleteFunc(c.AllowedOrigins, func(o string) bool {
		return strings.TrimSpace(o) == ""
	})
	return nil
}

// Warnings lists accepted settings that weaken tenant isolation.
func (c *Config) Warnings() []string {
	var warnings []string

	if !c.AuthorizeJoins {
		msg := "conversation joins are not authorized: a client can join any conversation whose id it knows"
		if c.DatabaseDSN != "" {
			msg += "; set GATEWAY_AUTHORIZE_JOINS=true to check joins against the database"
		}
		warnings = append(warnings, msg)
	}

	if c.AllowSessionFallback {
		warnings = append(warnings, "unsigned session tokens are accepted")
	}

	return warnings
}
