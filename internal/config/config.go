// Package config provides application configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration.
type Config struct {
	Port          string        `env:"PORT" envDefault:"8080"`
	FrontendURL   string        `env:"FRONTEND_URL"`
	DBPath        string        `env:"DB_PATH" envDefault:"./data/viewer.db"`
	LogLevel      string        `env:"LOG_LEVEL" envDefault:"info"`
	RemoteBaseURL string        `env:"REMOTE_BASE_URL" envDefault:"https://animation-server.onrender.com"`
	RemoteTimeout time.Duration `env:"REMOTE_TIMEOUT" envDefault:"30s"`

	Session    SessionConfig    `envPrefix:"SESSION_"`
	Credential CredentialConfig `envPrefix:"TOKEN_"`
	Upload     UploadConfig     `envPrefix:"UPLOAD_"`
}

// SessionConfig controls polling and expiration of the active session.
type SessionConfig struct {
	TTL               time.Duration `env:"TTL" envDefault:"23h"`
	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	CountdownInterval time.Duration `env:"COUNTDOWN_INTERVAL" envDefault:"1s"`
}

// CredentialConfig controls scheduled and reactive access token refresh.
type CredentialConfig struct {
	RefreshInterval     time.Duration `env:"REFRESH_INTERVAL" envDefault:"50m"`
	MaxReactiveAttempts int           `env:"MAX_REACTIVE_ATTEMPTS" envDefault:"3"`
	SettleDelay         time.Duration `env:"SETTLE_DELAY" envDefault:"1500ms"`
}

// UploadConfig limits the upload proxy.
type UploadConfig struct {
	MaxBytes      int64   `env:"MAX_BYTES" envDefault:"104857600"`
	RatePerSecond float64 `env:"RATE_PER_SECOND" envDefault:"1"`
	Burst         int     `env:"BURST" envDefault:"3"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.RemoteBaseURL == "" {
		return fmt.Errorf("REMOTE_BASE_URL cannot be empty")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.Session.PollInterval <= 0 {
		return fmt.Errorf("SESSION_POLL_INTERVAL must be > 0")
	}
	if c.Session.CountdownInterval <= 0 {
		return fmt.Errorf("SESSION_COUNTDOWN_INTERVAL must be > 0")
	}
	if c.Credential.RefreshInterval <= 0 {
		return fmt.Errorf("TOKEN_REFRESH_INTERVAL must be > 0")
	}
	if c.Credential.MaxReactiveAttempts <= 0 {
		return fmt.Errorf("TOKEN_MAX_REACTIVE_ATTEMPTS must be > 0")
	}
	if c.Credential.SettleDelay < 0 {
		return fmt.Errorf("TOKEN_SETTLE_DELAY cannot be negative")
	}
	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("UPLOAD_MAX_BYTES must be > 0")
	}
	if c.Upload.RatePerSecond <= 0 || c.Upload.Burst <= 0 {
		return fmt.Errorf("UPLOAD_RATE_PER_SECOND and UPLOAD_BURST must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the UI.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{strings.TrimRight(c.FrontendURL, "/")}
}
