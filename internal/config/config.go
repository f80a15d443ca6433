// Package config loads daemon configuration from ~/.agentfs/config.yaml
// with AGENTFS_* environment overrides. Missing file is not an error: every
// field has a usable default so `agentfs serve` works on a fresh machine.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// OTelConfig controls trace and metric export.
type OTelConfig struct {
	// Enabled turns the OpenTelemetry SDK on. Off by default; the daemon
	// is frequently run on laptops with no collector nearby.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP/HTTP collector address, host:port.
	Endpoint string `yaml:"endpoint"`

	// Insecure disables TLS to the collector.
	Insecure bool `yaml:"insecure"`

	// StdoutTraces dumps spans to stdout instead of OTLP. Debug aid.
	StdoutTraces bool `yaml:"stdout_traces"`

	// SampleRatio is the head sampling ratio in [0,1]. 0 means 1.0.
	SampleRatio float64 `yaml:"sample_ratio"`
}

// RateLimitConfig bounds per-client request rates on the HTTP API.
type RateLimitConfig struct {
	// RequestsPerMinute per client key. 0 disables limiting.
	RequestsPerMinute int `yaml:"requests_per_minute"`

	// Burst is the token bucket size. Defaults to RequestsPerMinute.
	Burst int `yaml:"burst"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// ListenAddr is the HTTP API bind address.
	ListenAddr string `yaml:"listen_addr"`

	// DBPath overrides the sqlite database location. Empty uses
	// <home>/agentfs.db.
	DBPath string `yaml:"db_path"`

	// AuthToken, when set, requires Bearer auth on every /api/v1 route.
	// Empty means open access, which is only sane on loopback.
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins lists Origin headers accepted for browser websocket
	// connections. Empty means local-only (no browser Origin required).
	AllowOrigins []string `yaml:"allow_origins"`

	LogLevel string `yaml:"log_level"`

	// ClaimTTLMinutes: in_progress tasks older than this are swept back
	// to blocked as failed claims. 0 disables the sweep.
	ClaimTTLMinutes int `yaml:"claim_ttl_minutes"`

	// SchedulerIntervalSeconds is the tick for firing due schedules and
	// sweeping stale claims.
	SchedulerIntervalSeconds int `yaml:"scheduler_interval_seconds"`

	// RetentionLogDays prunes audit rows older than this many days.
	// 0 (the default) keeps everything; deleting audit history is an
	// explicit operator choice.
	RetentionLogDays int `yaml:"retention_log_days"`

	// SeedDir holds YAML seed files applied by `agentfs seed`. Relative
	// paths resolve against HomeDir.
	SeedDir string `yaml:"seed_dir"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	OTel      OTelConfig      `yaml:"otel"`
}

// ClaimTTL returns the stale-claim cutoff as a duration.
func (c Config) ClaimTTL() time.Duration {
	return time.Duration(c.ClaimTTLMinutes) * time.Minute
}

// SchedulerInterval returns the scheduler tick as a duration.
func (c Config) SchedulerInterval() time.Duration {
	return time.Duration(c.SchedulerIntervalSeconds) * time.Second
}

// ResolvedDBPath returns the effective sqlite path.
func (c Config) ResolvedDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.HomeDir, "agentfs.db")
}

// ResolvedSeedDir returns the effective seed directory.
func (c Config) ResolvedSeedDir() string {
	if filepath.IsAbs(c.SeedDir) {
		return c.SeedDir
	}
	return filepath.Join(c.HomeDir, c.SeedDir)
}

// Fingerprint returns a stable hash of the active config, logged at startup
// and after hot reloads so operators can tell which config a daemon runs.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "listen=%s|db=%s|log=%s|ttl=%d|tick=%d|origins=%v|rpm=%d",
		c.ListenAddr, c.ResolvedDBPath(), c.LogLevel, c.ClaimTTLMinutes,
		c.SchedulerIntervalSeconds, c.AllowOrigins, c.RateLimit.RequestsPerMinute)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// HomeDir returns the agentfs home, honoring the AGENTFS_HOME override.
func HomeDir() string {
	if override := os.Getenv("AGENTFS_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentfs")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the agentfs home, applies environment
// overrides, and fills defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create agentfs home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		ListenAddr:               "127.0.0.1:18790",
		LogLevel:                 "info",
		ClaimTTLMinutes:          60,
		SchedulerIntervalSeconds: 30,
		SeedDir:                  "seeds",
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 600,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AGENTFS_LISTEN_ADDR"); raw != "" {
		cfg.ListenAddr = raw
	}
	if raw := os.Getenv("AGENTFS_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("AGENTFS_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("AGENTFS_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AGENTFS_CLAIM_TTL_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.ClaimTTLMinutes = v
		}
	}
	if raw := os.Getenv("AGENTFS_SCHEDULER_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			cfg.SchedulerIntervalSeconds = v
		}
	}
	if raw := os.Getenv("AGENTFS_ALLOW_ORIGINS"); raw != "" {
		parts := strings.Split(raw, ",")
		cfg.AllowOrigins = cfg.AllowOrigins[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cfg.AllowOrigins = append(cfg.AllowOrigins, p)
			}
		}
	}
	if raw := os.Getenv("AGENTFS_OTEL_ENDPOINT"); raw != "" {
		cfg.OTel.Enabled = true
		cfg.OTel.Endpoint = raw
	}
}

func normalize(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ClaimTTLMinutes < 0 {
		cfg.ClaimTTLMinutes = 0
	}
	if cfg.SchedulerIntervalSeconds <= 0 {
		cfg.SchedulerIntervalSeconds = 30
	}
	if strings.TrimSpace(cfg.SeedDir) == "" {
		cfg.SeedDir = "seeds"
	}
	if cfg.RateLimit.RequestsPerMinute < 0 {
		cfg.RateLimit.RequestsPerMinute = 0
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = cfg.RateLimit.RequestsPerMinute
	}
	if cfg.OTel.SampleRatio <= 0 || cfg.OTel.SampleRatio > 1 {
		cfg.OTel.SampleRatio = 1.0
	}
}
