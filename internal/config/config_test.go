package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "calhub.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen != "127.0.0.1:8080" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.Sync.IntervalMinutes != 15 {
		t.Errorf("IntervalMinutes = %d, want 15", cfg.Sync.IntervalMinutes)
	}
	if cfg.Sync.PastDays != 30 || cfg.Sync.FutureDays != 90 {
		t.Errorf("window = %d/%d, want 30/90", cfg.Sync.PastDays, cfg.Sync.FutureDays)
	}
	if cfg.Sync.RetentionDays != 90 {
		t.Errorf("RetentionDays = %d, want 90", cfg.Sync.RetentionDays)
	}
	if cfg.Sync.MaxEventsPerCalendar != 1000 {
		t.Errorf("MaxEventsPerCalendar = %d, want 1000", cfg.Sync.MaxEventsPerCalendar)
	}
}

func TestLoadParsesAccounts(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
listen = "0.0.0.0:9000"

[sync]
interval_minutes = 5

[[accounts]]
provider = "caldav"
display_name = "Family iCloud"
enabled = true
server_url = "https://caldav.icloud.com/"
username = "user@example.com"
password = "app-password"
calendar_ids = ["home", "school"]
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen != "0.0.0.0:9000" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.Sync.IntervalMinutes != 5 {
		t.Errorf("IntervalMinutes = %d, want 5", cfg.Sync.IntervalMinutes)
	}
	if len(cfg.Accounts) != 1 {
		t.Fatalf("accounts = %d, want 1", len(cfg.Accounts))
	}

	acc := cfg.Accounts[0]
	if acc.ID == "" {
		t.Error("missing account id should be generated")
	}
	if acc.Provider != "caldav" || acc.DisplayName != "Family iCloud" {
		t.Errorf("account = %+v", acc)
	}
	if len(acc.CalendarIDs) != 2 {
		t.Errorf("calendar allowlist = %v", acc.CalendarIDs)
	}
}

func TestAccountIDStableAcrossLoads(t *testing.T) {
	body := `
[[accounts]]
provider = "caldav"
enabled = true
server_url = "https://caldav.example.com/"
username = "user@example.com"
password = "app-password"

[[accounts]]
provider = "google"
enabled = true
client_id = "client"
client_secret = "secret"
token_file = "token.json"
`
	path := writeConfig(t, body)

	first, err := Load(path)
	if err != nil {
		t.Fatalf("first Load: %v", err)
	}
	second, err := Load(path)
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}

	// Cached rows are keyed by account id; a restart must key the
	// same account identically or the previous run's data is orphaned.
	for i := range first.Accounts {
		if first.Accounts[i].ID == "" {
			t.Fatalf("account %d id not generated", i)
		}
		if first.Accounts[i].ID != second.Accounts[i].ID {
			t.Errorf("account %d id changed between loads: %q vs %q",
				i, first.Accounts[i].ID, second.Accounts[i].ID)
		}
	}
	if first.Accounts[0].ID == first.Accounts[1].ID {
		t.Error("distinct accounts derived the same id")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{
			name:    "negative interval",
			mutate:  func(c *Config) { c.Sync.IntervalMinutes = -1 },
			wantSub: "interval_minutes",
		},
		{
			name:    "negative window",
			mutate:  func(c *Config) { c.Sync.PastDays = -5 },
			wantSub: "window days",
		},
		{
			name:    "zero retention",
			mutate:  func(c *Config) { c.Sync.RetentionDays = -1 },
			wantSub: "retention_days",
		},
		{
			name: "unknown provider",
			mutate: func(c *Config) {
				c.Accounts = []AccountConfig{{ID: "x", Provider: "exchange"}}
			},
			wantSub: "unsupported provider",
		},
		{
			name: "google without client secret",
			mutate: func(c *Config) {
				c.Accounts = []AccountConfig{{ID: "g", Provider: "google", ClientID: "id"}}
			},
			wantSub: "client_id and client_secret",
		},
		{
			name: "caldav without server url",
			mutate: func(c *Config) {
				c.Accounts = []AccountConfig{{ID: "c", Provider: "caldav"}}
			},
			wantSub: "server_url",
		},
		{
			name: "duplicate account ids",
			mutate: func(c *Config) {
				c.Accounts = []AccountConfig{
					{ID: "dup", Provider: "caldav", ServerURL: "https://x"},
					{ID: "dup", Provider: "caldav", ServerURL: "https://y"},
				}
			},
			wantSub: "duplicate account id",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate passed, want error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("Load of missing file succeeded")
	}
}
