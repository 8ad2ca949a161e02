package config

import (
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("YTARCHIVER_YTDLP_PATH", "/opt/bin/yt-dlp")
	t.Setenv("YTARCHIVER_POLL_INTERVAL", "5m")
	t.Setenv("YTARCHIVER_BATCH_SIZE", "10")
	t.Setenv("YTARCHIVER_LISTING_RPS", "0.5")
	t.Setenv("YTARCHIVER_LISTEN_ADDR", ":9999")
	t.Setenv("YTARCHIVER_API_KEY", "test-key")

	cfg := DefaultConfig()
	cfg.loadFromEnv()

	if cfg.YtdlpPath != "/opt/bin/yt-dlp" {
		t.Errorf("YtdlpPath = %q", cfg.YtdlpPath)
	}
	if cfg.PollInterval != 5*time.Minute {
		t.Errorf("PollInterval = %v", cfg.PollInterval)
	}
	if cfg.BatchSize != 10 {
		t.Errorf("BatchSize = %d", cfg.BatchSize)
	}
	if cfg.ListingRPS != 0.5 {
		t.Errorf("ListingRPS = %v", cfg.ListingRPS)
	}
	if cfg.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.APIKey != "test-key" {
		t.Errorf("APIKey = %q", cfg.APIKey)
	}
}

func TestEnvIgnoresMalformedValues(t *testing.T) {
	t.Setenv("YTARCHIVER_POLL_INTERVAL", "not-a-duration")
	t.Setenv("YTARCHIVER_BATCH_SIZE", "lots")

	cfg := DefaultConfig()
	cfg.loadFromEnv()

	if cfg.PollInterval != 15*time.Minute {
		t.Errorf("PollInterval = %v, want default", cfg.PollInterval)
	}
	if cfg.BatchSize != 5 {
		t.Errorf("BatchSize = %d, want default", cfg.BatchSize)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }},
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }},
		{"zero listing rps", func(c *Config) { c.ListingRPS = 0 }},
		{"empty watchlist path", func(c *Config) { c.WatchlistPath = "" }},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }},
		{"multiplier below one", func(c *Config) { c.BackoffMultiplier = 0.5 }},
		{"zero ytdlp timeout", func(c *Config) { c.YtdlpTimeout = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
