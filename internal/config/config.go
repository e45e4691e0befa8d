// Package config loads and validates the TOML configuration file.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// SyncConfig controls the refresh cycle and cache retention.
type SyncConfig struct {
	IntervalMinutes      int `toml:"interval_minutes"`
	PastDays             int `toml:"past_days"`
	FutureDays           int `toml:"future_days"`
	RetentionDays        int `toml:"retention_days"`
	CleanupIntervalHours int `toml:"cleanup_interval_hours"`
	MaxEventsPerCalendar int `toml:"max_events_per_calendar"`
}

// AccountConfig registers one calendar account. Provider-specific
// fields are flat; only the ones matching Provider are consulted.
type AccountConfig struct {
	ID          string   `toml:"id"`
	Provider    string   `toml:"provider"`
	DisplayName string   `toml:"display_name"`
	Enabled     bool     `toml:"enabled"`
	CalendarIDs []string `toml:"calendar_ids"`

	// Google
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	TokenFile    string `toml:"token_file"`

	// CalDAV
	ServerURL string `toml:"server_url"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
}

// BasicAuthConfig enables HTTP basic auth on the API (except /health).
type BasicAuthConfig struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// WebConfig holds HTTP-layer settings.
type WebConfig struct {
	BasicAuth *BasicAuthConfig `toml:"basic_auth"`
}

// Config is the top-level application configuration.
type Config struct {
	Listen   string          `toml:"listen"`
	DBPath   string          `toml:"db_path"`
	LogLevel string          `toml:"log_level"`
	Sync     SyncConfig      `toml:"sync"`
	Web      WebConfig       `toml:"web"`
	Accounts []AccountConfig `toml:"accounts"`
}

// Default returns the built-in configuration used when the file omits
// a value.
func Default() *Config {
	return &Config{
		Listen:   "127.0.0.1:8080",
		DBPath:   "calhub.db",
		LogLevel: "info",
		Sync: SyncConfig{
			IntervalMinutes:      15,
			PastDays:             30,
			FutureDays:           90,
			RetentionDays:        90,
			CleanupIntervalHours: 24,
			MaxEventsPerCalendar: 1000,
		},
	}
}

// Load reads the TOML file at path, fills in defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize fills zero values with defaults so partial configs behave.
func (c *Config) Normalize() {
	def := Default()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.DBPath == "" {
		c.DBPath = def.DBPath
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.Sync.IntervalMinutes == 0 {
		c.Sync.IntervalMinutes = def.Sync.IntervalMinutes
	}
	if c.Sync.PastDays == 0 {
		c.Sync.PastDays = def.Sync.PastDays
	}
	if c.Sync.FutureDays == 0 {
		c.Sync.FutureDays = def.Sync.FutureDays
	}
	if c.Sync.RetentionDays == 0 {
		c.Sync.RetentionDays = def.Sync.RetentionDays
	}
	if c.Sync.CleanupIntervalHours == 0 {
		c.Sync.CleanupIntervalHours = def.Sync.CleanupIntervalHours
	}
	if c.Sync.MaxEventsPerCalendar == 0 {
		c.Sync.MaxEventsPerCalendar = def.Sync.MaxEventsPerCalendar
	}
	for i := range c.Accounts {
		if c.Accounts[i].ID == "" {
			c.Accounts[i].ID = c.Accounts[i].deriveID()
		}
		if c.Accounts[i].DisplayName == "" {
			c.Accounts[i].DisplayName = c.Accounts[i].ID
		}
	}
}

// deriveID builds an identifier from the fields that name the account
// at its provider. It must be stable across restarts: cached rows are
// keyed by account id, so a fresh id on every load would orphan the
// previous run's data.
func (a AccountConfig) deriveID() string {
	h := sha256.Sum256([]byte(a.Provider + "|" + a.ServerURL + "|" + a.Username + "|" + a.ClientID + "|" + a.TokenFile))
	return a.Provider + "-" + hex.EncodeToString(h[:6])
}

// Validate rejects configurations the orchestrator cannot run with.
// A validation failure is fatal at startup.
func (c *Config) Validate() error {
	if c.Sync.IntervalMinutes < 1 {
		return fmt.Errorf("config: sync.interval_minutes must be positive, got %d", c.Sync.IntervalMinutes)
	}
	if c.Sync.PastDays < 0 || c.Sync.FutureDays < 0 {
		return fmt.Errorf("config: sync window days must not be negative")
	}
	if c.Sync.RetentionDays < 1 {
		return fmt.Errorf("config: sync.retention_days must be positive, got %d", c.Sync.RetentionDays)
	}
	if c.Sync.CleanupIntervalHours < 1 {
		return fmt.Errorf("config: sync.cleanup_interval_hours must be positive, got %d", c.Sync.CleanupIntervalHours)
	}
	if c.Sync.MaxEventsPerCalendar < 1 {
		return fmt.Errorf("config: sync.max_events_per_calendar must be positive, got %d", c.Sync.MaxEventsPerCalendar)
	}

	seen := make(map[string]bool, len(c.Accounts))
	for _, acc := range c.Accounts {
		if seen[acc.ID] {
			return fmt.Errorf("config: duplicate account id %q", acc.ID)
		}
		seen[acc.ID] = true

		switch acc.Provider {
		case "google":
			if acc.ClientID == "" || acc.ClientSecret == "" {
				return fmt.Errorf("config: google account %q needs client_id and client_secret", acc.ID)
			}
		case "caldav":
			if acc.ServerURL == "" {
				return fmt.Errorf("config: caldav account %q needs server_url", acc.ID)
			}
		default:
			return fmt.Errorf("config: account %q has unsupported provider %q", acc.ID, acc.Provider)
		}
	}
	return nil
}
