package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sethvargo/go-envconfig"
)

// Config holds the daemon configuration, read from a TOML file and then
// overlaid with QW_* environment variables.
type Config struct {
	Listen           string `toml:"listen" env:"QW_LISTEN"`
	DataDir          string `toml:"data_dir" env:"QW_DATA_DIR"`
	JWTSecret        string `toml:"jwt_secret" env:"QW_JWT_SECRET"`
	TokenTTLHours    int    `toml:"token_ttl_hours" env:"QW_TOKEN_TTL_HOURS"`
	AnnounceSeconds  int    `toml:"announce_seconds" env:"QW_ANNOUNCE_SECONDS"`
	RateLimitPerSec  int    `toml:"rate_limit_per_sec" env:"QW_RATE_LIMIT_PER_SEC"`
	WriteBufferDepth int    `toml:"write_buffer_depth" env:"QW_WRITE_BUFFER_DEPTH"`
}

// Load reads config from path (missing file means defaults), applies
// environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := envconfig.Process(context.Background(), &cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":5001"
	}
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".quietwire")
		} else {
			c.DataDir = ".quietwire"
		}
	}
	if c.TokenTTLHours <= 0 {
		c.TokenTTLHours = 24
	}
	if c.AnnounceSeconds <= 0 {
		c.AnnounceSeconds = 10
	}
	if c.RateLimitPerSec <= 0 {
		c.RateLimitPerSec = 20
	}
	if c.WriteBufferDepth <= 0 {
		c.WriteBufferDepth = 64
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("jwt_secret is required (set in config.toml or QW_JWT_SECRET)")
	}
	return nil
}

// DBPath returns the SQLite database location under the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "quietwire.db")
}

// LogPath returns the daemon log file location.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "quietwired.log")
}

// AnnounceInterval returns the presence re-announcement period.
func (c *Config) AnnounceInterval() time.Duration {
	return time.Duration(c.AnnounceSeconds) * time.Second
}

// TokenTTL returns the lifetime of issued bearer tokens.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLHours) * time.Hour
}
