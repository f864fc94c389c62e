// Package config loads server settings from HUDDLE_* environment variables.
// Command-line flags in main override whatever is loaded here.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full server configuration.
type Config struct {
	Addr    string `env:"HUDDLE_ADDR" envDefault:":8080"`
	WTAddr  string `env:"HUDDLE_WT_ADDR"`
	TLSCert string `env:"HUDDLE_TLS_CERT"`
	TLSKey  string `env:"HUDDLE_TLS_KEY"`

	// Store is a sqlite path, postgres:// DSN, or redis:// URL.
	Store string `env:"HUDDLE_STORE" envDefault:"huddle.db"`

	JWTSecret string `env:"HUDDLE_JWT_SECRET"`
	JWTIssuer string `env:"HUDDLE_JWT_ISSUER" envDefault:"huddle"`

	HistoryLimit    int     `env:"HUDDLE_HISTORY_LIMIT" envDefault:"50"`
	QueueSize       int     `env:"HUDDLE_QUEUE_SIZE" envDefault:"256"`
	MaxMessageRunes int     `env:"HUDDLE_MAX_MESSAGE_RUNES" envDefault:"4000"`
	RateLimit       float64 `env:"HUDDLE_RATE_LIMIT" envDefault:"10"`
	RateBurst       int     `env:"HUDDLE_RATE_BURST" envDefault:"20"`

	MetricsInterval time.Duration `env:"HUDDLE_METRICS_INTERVAL" envDefault:"30s"`
	Debug           bool          `env:"HUDDLE_DEBUG"`
	AllowedOrigins  []string      `env:"HUDDLE_ALLOWED_ORIGINS" envSeparator:","`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// joinEvents is the user_list and joined notices a joiner receives ahead of
// history replay.
const joinEvents = 2

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("config: listen address is required")
	}
	if strings.TrimSpace(c.Store) == "" {
		return fmt.Errorf("config: store is required")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("config: history limit must be positive, got %d", c.HistoryLimit)
	}
	if c.QueueSize <= c.HistoryLimit+joinEvents {
		return fmt.Errorf("config: queue size %d must exceed history limit %d plus %d join events", c.QueueSize, c.HistoryLimit, joinEvents)
	}
	if c.MaxMessageRunes <= 0 {
		return fmt.Errorf("config: max message runes must be positive, got %d", c.MaxMessageRunes)
	}
	if c.RateLimit <= 0 || c.RateBurst <= 0 {
		return fmt.Errorf("config: rate limit and burst must be positive")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("config: tls cert and key must be set together")
	}
	return nil
}
