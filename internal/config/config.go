// Package config manages application configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// yt-dlp settings
	YtdlpPath    string        `json:"ytdlp_path"`
	YtdlpTimeout time.Duration `json:"ytdlp_timeout"`

	// Archive layout
	OutputDir     string `json:"output_dir"`
	LogDir        string `json:"log_dir"`
	WatchlistPath string `json:"watchlist_path"`

	// Watch daemon settings
	PollInterval time.Duration `json:"poll_interval"`
	BatchSize    int           `json:"batch_size"`
	ListingRPS   float64       `json:"listing_rps"`

	// Web server settings
	ListenAddr string `json:"listen_addr"`

	// APIKey enables the Data API lister when set. Empty uses yt-dlp
	// for channel listing.
	APIKey string `json:"api_key"`

	// Retry settings
	MaxRetries        int           `json:"max_retries"`
	InitialBackoff    time.Duration `json:"initial_backoff"`
	MaxBackoff        time.Duration `json:"max_backoff"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
}

// DefaultConfig returns configuration with safe defaults.
func DefaultConfig() *Config {
	return &Config{
		YtdlpPath:         "yt-dlp",
		YtdlpTimeout:      2 * time.Hour,
		OutputDir:         "yt",
		LogDir:            "logs",
		WatchlistPath:     "watchlist.json",
		PollInterval:      15 * time.Minute,
		BatchSize:         5,
		ListingRPS:        1.0,
		ListenAddr:        ":8076",
		MaxRetries:        3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Load loads configuration from environment variables, config file, and
// applies defaults. Priority: env vars > config file > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.loadFromFile(); err != nil {
		// Config file is optional
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFromFile attempts to load config from ytarchiver.json in the current
// directory or the user config directory.
func (c *Config) loadFromFile() error {
	paths := []string{
		"ytarchiver.json",
		filepath.Join(os.Getenv("HOME"), ".config", "ytarchiver", "ytarchiver.json"),
	}

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}

		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		return nil
	}

	return os.ErrNotExist
}

// loadFromEnv overrides config with environment variables.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("YTARCHIVER_YTDLP_PATH"); v != "" {
		c.YtdlpPath = v
	}
	if v := os.Getenv("YTARCHIVER_YTDLP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.YtdlpTimeout = d
		}
	}
	if v := os.Getenv("YTARCHIVER_OUTPUT_DIR"); v != "" {
		c.OutputDir = v
	}
	if v := os.Getenv("YTARCHIVER_LOG_DIR"); v != "" {
		c.LogDir = v
	}
	if v := os.Getenv("YTARCHIVER_WATCHLIST"); v != "" {
		c.WatchlistPath = v
	}
	if v := os.Getenv("YTARCHIVER_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.PollInterval = d
		}
	}
	if v := os.Getenv("YTARCHIVER_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BatchSize = n
		}
	}
	if v := os.Getenv("YTARCHIVER_LISTING_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.ListingRPS = f
		}
	}
	if v := os.Getenv("YTARCHIVER_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("YTARCHIVER_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("YTARCHIVER_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxRetries = n
		}
	}
	if v := os.Getenv("YTARCHIVER_INITIAL_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.InitialBackoff = d
		}
	}
	if v := os.Getenv("YTARCHIVER_MAX_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.MaxBackoff = d
		}
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.YtdlpTimeout <= 0 {
		return fmt.Errorf("ytdlp_timeout must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if c.ListingRPS <= 0 {
		return fmt.Errorf("listing_rps must be positive")
	}
	if c.WatchlistPath == "" {
		return fmt.Errorf("watchlist_path must not be empty")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative")
	}
	if c.InitialBackoff <= 0 {
		return fmt.Errorf("initial_backoff must be positive")
	}
	if c.MaxBackoff <= 0 {
		return fmt.Errorf("max_backoff must be positive")
	}
	if c.BackoffMultiplier < 1.0 {
		return fmt.Errorf("backoff_multiplier must be >= 1.0")
	}
	return nil
}
