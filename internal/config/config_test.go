package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Addr:              ":3002",
		MaxConnections:    5000,
		FeedURL:           "nats://localhost:4222",
		FeedSubject:       "market.token.>",
		PriceDeltaBps:     1.0,
		MaxQuietInterval:  30 * time.Second,
		CoalesceWindow:    50 * time.Millisecond,
		MessageRatePerSec: 10,
		MessageBurst:      100,
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

func TestValidateAccepts(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Addr = "" }},
		{"empty feed URL", func(c *Config) { c.FeedURL = "" }},
		{"empty feed subject", func(c *Config) { c.FeedSubject = "" }},
		{"zero max connections", func(c *Config) { c.MaxConnections = 0 }},
		{"negative price delta", func(c *Config) { c.PriceDeltaBps = -1 }},
		{"zero coalesce window", func(c *Config) { c.CoalesceWindow = 0 }},
		{"zero message rate", func(c *Config) { c.MessageRatePerSec = 0 }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate() = nil, want error")
			}
		})
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Addr != ":3002" {
		t.Errorf("Addr = %q, want :3002", cfg.Addr)
	}
	if cfg.FeedSubject != "market.token.>" {
		t.Errorf("FeedSubject = %q, want market.token.>", cfg.FeedSubject)
	}
	if cfg.PriceDeltaBps != 1.0 {
		t.Errorf("PriceDeltaBps = %v, want 1.0", cfg.PriceDeltaBps)
	}
	if cfg.CoalesceWindow != 50*time.Millisecond {
		t.Errorf("CoalesceWindow = %v, want 50ms", cfg.CoalesceWindow)
	}
	if cfg.AuthSecret != "" {
		t.Errorf("AuthSecret = %q, want empty (auth disabled by default)", cfg.AuthSecret)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("WS_ADDR", ":9999")
	t.Setenv("PRICE_DELTA_BPS", "5.5")
	t.Setenv("WS_CONN_RATE_LIMIT_ENABLED", "false")

	cfg, err := LoadConfig(nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Addr != ":9999" {
		t.Errorf("Addr = %q, want :9999", cfg.Addr)
	}
	if cfg.PriceDeltaBps != 5.5 {
		t.Errorf("PriceDeltaBps = %v, want 5.5", cfg.PriceDeltaBps)
	}
	if cfg.ConnectionRateLimitEnabled {
		t.Error("ConnectionRateLimitEnabled = true, want false")
	}
}
