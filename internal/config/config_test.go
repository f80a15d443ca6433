package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/agentfs/internal/config"
)

func TestLoadDefaultsWhenNoConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("HOME", home)
	t.Setenv("AGENTFS_HOME", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:18790" {
		t.Fatalf("listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log_level = %q", cfg.LogLevel)
	}
	if cfg.ClaimTTL() != time.Hour {
		t.Fatalf("claim ttl = %v", cfg.ClaimTTL())
	}
	if cfg.RetentionLogDays != 0 {
		t.Fatalf("retention_log_days = %d, want 0 (pruning is opt-in)", cfg.RetentionLogDays)
	}
	if cfg.HomeDir != filepath.Join(home, ".agentfs") {
		t.Fatalf("home = %q", cfg.HomeDir)
	}
	if cfg.ResolvedDBPath() != filepath.Join(cfg.HomeDir, "agentfs.db") {
		t.Fatalf("db path = %q", cfg.ResolvedDBPath())
	}
}

func TestLoadFromAgentfsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("AGENTFS_HOME", home)
	yaml := "listen_addr: 0.0.0.0:9999\nclaim_ttl_minutes: 15\nlog_level: debug\nallow_origins:\n  - https://dash.example.com\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:9999" {
		t.Fatalf("listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.ClaimTTLMinutes != 15 {
		t.Fatalf("claim_ttl_minutes = %d", cfg.ClaimTTLMinutes)
	}
	if len(cfg.AllowOrigins) != 1 || cfg.AllowOrigins[0] != "https://dash.example.com" {
		t.Fatalf("allow_origins = %v", cfg.AllowOrigins)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("AGENTFS_HOME", home)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("listen_addr: 127.0.0.1:1111\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("AGENTFS_LISTEN_ADDR", "127.0.0.1:2222")
	t.Setenv("AGENTFS_AUTH_TOKEN", "hunter2hunter2hunter2")
	t.Setenv("AGENTFS_ALLOW_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:2222" {
		t.Fatalf("env override lost: listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.AuthToken != "hunter2hunter2hunter2" {
		t.Fatalf("auth_token = %q", cfg.AuthToken)
	}
	if len(cfg.AllowOrigins) != 2 {
		t.Fatalf("allow_origins = %v", cfg.AllowOrigins)
	}
}

func TestNormalizeClampsBadValues(t *testing.T) {
	home := t.TempDir()
	t.Setenv("AGENTFS_HOME", home)
	yaml := "claim_ttl_minutes: -5\nscheduler_interval_seconds: 0\nrate_limit:\n  requests_per_minute: 100\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ClaimTTLMinutes != 0 {
		t.Fatalf("claim_ttl_minutes = %d, want clamped to 0", cfg.ClaimTTLMinutes)
	}
	if cfg.SchedulerIntervalSeconds != 30 {
		t.Fatalf("scheduler_interval_seconds = %d, want default 30", cfg.SchedulerIntervalSeconds)
	}
	if cfg.RateLimit.Burst != 100 {
		t.Fatalf("burst = %d, want defaulted to rpm", cfg.RateLimit.Burst)
	}
}

func TestFingerprintStable(t *testing.T) {
	home := t.TempDir()
	t.Setenv("AGENTFS_HOME", home)

	a, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("fingerprints differ for identical config")
	}

	b.ListenAddr = "127.0.0.1:3333"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("fingerprint did not change with listen_addr")
	}
}
