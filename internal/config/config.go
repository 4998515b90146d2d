package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr           string `env:"WS_ADDR" envDefault:":3002"`
	MaxConnections int    `env:"WS_MAX_CONNECTIONS" envDefault:"5000"`

	// Upstream market-data feed (NATS)
	FeedURL     string `env:"FEED_URL" envDefault:"nats://localhost:4222"`
	FeedSubject string `env:"FEED_SUBJECT" envDefault:"market.token.>"`

	// Broadcast significance thresholds
	//
	// Price moves below PriceDeltaBps (basis points, relative to the previous
	// price) are treated as jitter and not broadcast, unless the record has
	// been quiet longer than MaxQuietInterval.
	PriceDeltaBps    float64       `env:"PRICE_DELTA_BPS" envDefault:"1.0"`
	MaxQuietInterval time.Duration `env:"MAX_QUIET_INTERVAL" envDefault:"30s"`

	// Coalescing window: upstream updates to the same symbol arriving within
	// this window are merged into one outbound message per subscriber.
	CoalesceWindow time.Duration `env:"COALESCE_WINDOW" envDefault:"50ms"`

	// Per-client inbound message rate limit
	MessageRatePerSec float64 `env:"WS_MESSAGE_RATE" envDefault:"10"`
	MessageBurst      int     `env:"WS_MESSAGE_BURST" envDefault:"100"`

	// Connection admission rate limiting (DoS protection)
	ConnectionRateLimitEnabled bool    `env:"WS_CONN_RATE_LIMIT_ENABLED" envDefault:"true"`
	ConnRateLimitIPBurst       int     `env:"WS_CONN_RATE_LIMIT_IP_BURST" envDefault:"10"`
	ConnRateLimitIPRate        float64 `env:"WS_CONN_RATE_LIMIT_IP_RATE" envDefault:"1.0"`
	ConnRateLimitGlobalBurst   int     `env:"WS_CONN_RATE_LIMIT_GLOBAL_BURST" envDefault:"300"`
	ConnRateLimitGlobalRate    float64 `env:"WS_CONN_RATE_LIMIT_GLOBAL_RATE" envDefault:"50.0"`

	// Auth. Empty secret disables auth entirely; every channel is public.
	AuthSecret string `env:"WS_AUTH_SECRET" envDefault:""`

	// Graceful shutdown drain period
	DrainGrace time.Duration `env:"WS_DRAIN_GRACE" envDefault:"30s"`

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"10s"`
	HTTPWriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"10s"`
	HTTPIdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// LoadConfig reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
//
// Optional logger parameter for structured logging. If nil, logs to stdout.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	// .env file is a development convenience; production uses env vars directly
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("WS_ADDR is required")
	}
	if c.FeedURL == "" {
		return fmt.Errorf("FEED_URL is required")
	}
	if c.FeedSubject == "" {
		return fmt.Errorf("FEED_SUBJECT is required")
	}

	if c.MaxConnections < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.PriceDeltaBps < 0 {
		return fmt.Errorf("PRICE_DELTA_BPS must be >= 0, got %.2f", c.PriceDeltaBps)
	}
	if c.CoalesceWindow <= 0 {
		return fmt.Errorf("COALESCE_WINDOW must be > 0, got %s", c.CoalesceWindow)
	}
	if c.MessageRatePerSec <= 0 {
		return fmt.Errorf("WS_MESSAGE_RATE must be > 0, got %.1f", c.MessageRatePerSec)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// Print logs configuration for debugging (human-readable format)
// For production, use LogConfig() with structured logging
func (c *Config) Print() {
	fmt.Println("=== Server Configuration ===")
	fmt.Printf("Environment:     %s\n", c.Environment)
	fmt.Printf("Address:         %s\n", c.Addr)
	fmt.Printf("Feed URL:        %s\n", c.FeedURL)
	fmt.Printf("Feed Subject:    %s\n", c.FeedSubject)
	fmt.Printf("Max Connections: %d\n", c.MaxConnections)
	fmt.Println("\n=== Broadcast ===")
	fmt.Printf("Price Delta:     %.1f bps\n", c.PriceDeltaBps)
	fmt.Printf("Quiet Interval:  %s\n", c.MaxQuietInterval)
	fmt.Printf("Coalesce Window: %s\n", c.CoalesceWindow)
	fmt.Println("\n=== Rate Limits ===")
	fmt.Printf("Messages:        %.1f/sec (burst %d)\n", c.MessageRatePerSec, c.MessageBurst)
	fmt.Printf("Connections:     enabled=%t\n", c.ConnectionRateLimitEnabled)
	fmt.Println("\n=== Logging ===")
	fmt.Printf("Level:           %s\n", c.LogLevel)
	fmt.Printf("Format:          %s\n", c.LogFormat)
	fmt.Println("============================")
}

// LogConfig logs configuration using structured logging (Loki-compatible)
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("feed_url", c.FeedURL).
		Str("feed_subject", c.FeedSubject).
		Int("max_connections", c.MaxConnections).
		Float64("price_delta_bps", c.PriceDeltaBps).
		Dur("max_quiet_interval", c.MaxQuietInterval).
		Dur("coalesce_window", c.CoalesceWindow).
		Float64("message_rate", c.MessageRatePerSec).
		Bool("conn_rate_limit", c.ConnectionRateLimitEnabled).
		Bool("auth_enabled", c.AuthSecret != "").
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
