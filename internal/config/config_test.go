package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/querydeck/internal/config"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:7433" {
		t.Fatalf("bind addr = %s", cfg.BindAddr)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log level = %s", cfg.LogLevel)
	}
	if cfg.SessionTTLMinutes != 720 || cfg.HistoryRetentionDays != 30 {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.VacuumSchedule != "0 3 * * *" {
		t.Fatalf("vacuum schedule = %s", cfg.VacuumSchedule)
	}
	if cfg.HomeDir != home {
		t.Fatalf("home dir = %s", cfg.HomeDir)
	}
}

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "bind_addr: 127.0.0.1:9000\nlog_level: debug\nhistory_retention_days: 7\nallow_origins:\n  - http://localhost:5173\n")

	cfg, err := config.Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:9000" || cfg.LogLevel != "debug" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.HistoryRetentionDays != 7 {
		t.Fatalf("retention = %d", cfg.HistoryRetentionDays)
	}
	if len(cfg.AllowOrigins) != 1 || cfg.AllowOrigins[0] != "http://localhost:5173" {
		t.Fatalf("allow origins = %v", cfg.AllowOrigins)
	}
	// Unset fields keep their defaults.
	if cfg.SessionTTLMinutes != 720 {
		t.Fatalf("session ttl = %d", cfg.SessionTTLMinutes)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"malformed yaml", "bind_addr: [unterminated\n"},
		{"empty bind addr", `bind_addr: ""` + "\n"},
		{"zero retention", "history_retention_days: 0\n"},
		{"negative history cap", "connection_history_cap: -1\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			home := t.TempDir()
			writeConfig(t, home, tc.body)
			if _, err := config.Load(home); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.LogLevel = "debug"
	cfg.QueryMaxRows = 500
	if err := cfg.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	reloaded, err := config.Load(home)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.LogLevel != "debug" || reloaded.QueryMaxRows != 500 {
		t.Fatalf("round trip lost fields: %+v", reloaded)
	}
}

func TestDurations(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SessionTTL() != 12*time.Hour {
		t.Fatalf("session ttl = %v", cfg.SessionTTL())
	}
	if cfg.HistoryRetention() != 30*24*time.Hour {
		t.Fatalf("history retention = %v", cfg.HistoryRetention())
	}
}

func TestFingerprint_TracksChanges(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	before := cfg.Fingerprint()
	if before == "" {
		t.Fatal("empty fingerprint")
	}
	if again := cfg.Fingerprint(); again != before {
		t.Fatalf("fingerprint unstable: %s != %s", again, before)
	}
	cfg.LogLevel = "debug"
	if after := cfg.Fingerprint(); after == before {
		t.Fatal("fingerprint unchanged after edit")
	}
}
