// Package config loads and watches the agent's YAML configuration.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/querydeck/internal/otel"
)

// Config is the on-disk configuration at <home>/config.yaml.
type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AgentSecret is exchanged for session tokens at POST /api/session.
	// Empty disables the gateway entirely rather than running open.
	AgentSecret string `yaml:"agent_secret"`

	// AllowOrigins lists Origin headers accepted for browser websocket
	// connections. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	SessionTTLMinutes int `yaml:"session_ttl_minutes"`
	SessionCacheSize  int `yaml:"session_cache_size"`

	// HistoryRetentionDays bounds how long query history is kept before the
	// vacuum task purges it.
	HistoryRetentionDays int `yaml:"history_retention_days"`

	// VacuumSchedule is a 5-field cron expression for the recurring vacuum.
	VacuumSchedule string `yaml:"vacuum_schedule"`

	// ConnectionHistoryCap is how many history rows an on-demand cleanup
	// keeps per connection.
	ConnectionHistoryCap int `yaml:"connection_history_cap"`

	// QueryMaxRows caps materialized result sets.
	QueryMaxRows int `yaml:"query_max_rows"`

	Otel otel.Config `yaml:"otel"`
}

func DefaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".querydeck")
}

func defaults(homeDir string) Config {
	return Config{
		HomeDir:              homeDir,
		BindAddr:             "127.0.0.1:7433",
		LogLevel:             "info",
		SessionTTLMinutes:    720,
		SessionCacheSize:     64,
		HistoryRetentionDays: 30,
		VacuumSchedule:       "0 3 * * *",
		ConnectionHistoryCap: 200,
		QueryMaxRows:         10000,
	}
}

// Load reads <homeDir>/config.yaml, applying defaults for missing fields.
// A missing file is not an error; defaults are returned.
func Load(homeDir string) (*Config, error) {
	if homeDir == "" {
		homeDir = DefaultHomeDir()
	}
	cfg := defaults(homeDir)

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.HomeDir = homeDir
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("bind_addr must not be empty")
	}
	if c.HistoryRetentionDays < 1 {
		return fmt.Errorf("history_retention_days must be at least 1, got %d", c.HistoryRetentionDays)
	}
	if c.ConnectionHistoryCap < 0 {
		return fmt.Errorf("connection_history_cap must not be negative")
	}
	return nil
}

// Save writes the config back to <home>/config.yaml.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.HomeDir, 0o755); err != nil {
		return fmt.Errorf("create home dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path := filepath.Join(c.HomeDir, "config.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// SessionTTL returns the session lifetime as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}

// HistoryRetention returns the history retention window as a duration.
func (c *Config) HistoryRetention() time.Duration {
	return time.Duration(c.HistoryRetentionDays) * 24 * time.Hour
}

// Fingerprint hashes the serialized config, letting clients detect that a
// reload changed something without exposing the contents.
func (c *Config) Fingerprint() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return strconv.FormatUint(h.Sum64(), 16)
}
