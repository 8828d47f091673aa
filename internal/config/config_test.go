package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != "127.0.0.1:8880" || cfg.StoreDSN != "memory://" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Sync.CalendarID != "primary" || cfg.Sync.WindowPastDays != 30 || cfg.Sync.WindowFutureDays != 90 {
		t.Fatalf("sync defaults not applied: %+v", cfg.Sync)
	}
	if cfg.Sync.ChannelTTLHours != 168 || cfg.Sync.CleanupCron != "@hourly" {
		t.Fatalf("channel defaults not applied: %+v", cfg.Sync)
	}
}

func TestLoadPartialFileNormalizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := `
listen: ":9000"
sync:
  window_past_days: 7
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":9000" {
		t.Fatalf("file value lost: %q", cfg.Listen)
	}
	if cfg.Sync.WindowPastDays != 7 || cfg.Sync.WindowFutureDays != 90 {
		t.Fatalf("partial sync config not normalized: %+v", cfg.Sync)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CALSYNC_STORE_DSN", "postgres://calsync@localhost/calsync")
	t.Setenv("CALSYNC_GOOGLE_CLIENT_SECRET", "hunter2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StoreDSN != "postgres://calsync@localhost/calsync" {
		t.Fatalf("env override lost: %q", cfg.StoreDSN)
	}
	if cfg.Google.ClientSecret != "hunter2" {
		t.Fatalf("secret override lost")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen: [unclosed"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}
