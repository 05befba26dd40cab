// Package config loads gateway settings from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all runtime settings for the lesson-sync gateway.
type Config struct {
	HTTP      HTTPConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	WebSocket WebSocketConfig
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
}

type HTTPConfig struct {
	Addr            string        `env:"HTTP_ADDR" envDefault:":8443"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

type DatabaseConfig struct {
	Path    string        `env:"DB_PATH" envDefault:"./lessonsync.db"`
	Timeout time.Duration `env:"DB_TIMEOUT" envDefault:"30s"`
}

// RedisConfig selects the cross-instance fan-out broker. An empty Addr keeps
// broadcasts in-process, which is correct for a single gateway instance.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

type AuthConfig struct {
	JWTSecret string `env:"JWT_SECRET"`
}

type WebSocketConfig struct {
	PingInterval     time.Duration `env:"WS_PING_INTERVAL" envDefault:"30s"`
	PongWait         time.Duration `env:"WS_PONG_WAIT" envDefault:"60s"`
	WriteTimeout     time.Duration `env:"WS_WRITE_TIMEOUT" envDefault:"5s"`
	HandshakeTimeout time.Duration `env:"WS_HANDSHAKE_TIMEOUT" envDefault:"10s"`
}

// Load parses configuration from environment variables with the LESSONSYNC_
// prefix and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "LESSONSYNC_"}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validation errors.
var (
	ErrMissingJWTSecret = errors.New("LESSONSYNC_JWT_SECRET is required")
	ErrMissingDBPath    = errors.New("database path cannot be empty")
	ErrInvalidHeartbeat = errors.New("pong wait must exceed ping interval")
	ErrInvalidTimeout   = errors.New("timeouts must be positive")
)

// Validate checks cross-field constraints before components are wired.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return ErrMissingJWTSecret
	}
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}
	if c.WebSocket.PongWait <= c.WebSocket.PingInterval {
		return ErrInvalidHeartbeat
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return ErrInvalidTimeout
	}
	return nil
}
