package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
orchestrator:
  max_concurrent_applications: 6
  min_delay: 5s
  max_delay: 10s
  daily_reset_cron: "30 6 * * *"
  timezone: UTC
session:
  driver: cloud
  max_sessions: 8
  max_requests_per_session: 40
  warm: 2
  cloud:
    ws_url: wss://browser.example.com
    api_key: cloud-key
retry:
  max_retries_per_job: 5
  base_delay: 2s
breaker:
  scope: global
  half_open: false
platforms:
  lever:
    daily_quota: 40
    weight: 2
    rps: 0.5
    burst: 1
  greenhouse:
    daily_quota: 25
    weight: 1
discovery:
  enabled: true
  listings:
    - platform: lever
      url: https://jobs.lever.co/acme
      link_pattern: "^https://jobs\\.lever\\.co/acme/[0-9a-f-]+$"
      max_pages: 3
events:
  driver: kafka
  brokers: ["kafka-1:9092", "kafka-2:9092"]
storage:
  driver: postgres
  postgres_dsn: postgres://apply@localhost/apply
logging:
  development: false
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Orchestrator.MaxConcurrentApplications != 6 {
		t.Fatalf("expected 6 workers, got %d", cfg.Orchestrator.MaxConcurrentApplications)
	}
	if cfg.Orchestrator.MinDelay != 5*time.Second || cfg.Orchestrator.MaxDelay != 10*time.Second {
		t.Fatalf("expected delay overrides, got %v..%v", cfg.Orchestrator.MinDelay, cfg.Orchestrator.MaxDelay)
	}
	if cfg.Session.Driver != "cloud" || cfg.Session.Cloud.APIKey != "cloud-key" {
		t.Fatalf("expected cloud session config: %+v", cfg.Session)
	}
	if cfg.Breaker.Scope != "global" || cfg.Breaker.HalfOpen {
		t.Fatalf("expected literal global breaker: %+v", cfg.Breaker)
	}
	if got := cfg.PlatformNames(); len(got) != 2 || got[0] != "greenhouse" || got[1] != "lever" {
		t.Fatalf("expected sorted platform names, got %v", got)
	}
	if p := cfg.Platforms["lever"]; p.DailyQuota != 40 || p.Weight != 2 || p.RPS != 0.5 {
		t.Fatalf("expected lever overrides: %+v", p)
	}
	if len(cfg.Discovery.Listings) != 1 || cfg.Discovery.Listings[0].MaxPages != 3 {
		t.Fatalf("expected one listing: %+v", cfg.Discovery.Listings)
	}
	if len(cfg.Events.Brokers) != 2 {
		t.Fatalf("expected two brokers, got %v", cfg.Events.Brokers)
	}
	loc, err := cfg.Location()
	if err != nil || loc != time.UTC {
		t.Fatalf("expected UTC location, got %v (%v)", loc, err)
	}
	// Untouched keys keep their defaults.
	if cfg.Retry.JitterMax != 10*time.Second || cfg.Discovery.Retention != 7*24*time.Hour {
		t.Fatalf("expected defaults to survive: retry=%+v discovery=%+v", cfg.Retry, cfg.Discovery)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("APPLY_ORCHESTRATOR_MAX_CONCURRENT_APPLICATIONS", "9")
	t.Setenv("APPLY_STORAGE_DRIVER", "memory")

	path := writeConfig(t, `
platforms:
  lever:
    daily_quota: 10
    weight: 1
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Orchestrator.MaxConcurrentApplications != 9 {
		t.Fatalf("expected env override to 9, got %d", cfg.Orchestrator.MaxConcurrentApplications)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("expected memory storage, got %q", cfg.Storage.Driver)
	}
}

func TestLoadRequiresPlatforms(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, "server:\n  port: 9000\n"))
	if err == nil || !strings.Contains(err.Error(), "platforms") {
		t.Fatalf("expected platforms error, got %v", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func defaultConfig(t *testing.T) Config {
	t.Helper()
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		t.Fatalf("unmarshal defaults: %v", err)
	}
	cfg.Platforms = map[string]PlatformConfig{"lever": {DailyQuota: 10, Weight: 1}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	return cfg
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := defaultConfig(t)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no workers", func(c *Config) { c.Orchestrator.MaxConcurrentApplications = 0 }, "orchestrator.max_concurrent_applications"},
		{"inverted delays", func(c *Config) { c.Orchestrator.MinDelay = time.Minute; c.Orchestrator.MaxDelay = time.Second }, "orchestrator.min_delay"},
		{"bad timezone", func(c *Config) { c.Orchestrator.Timezone = "Mars/Olympus" }, "orchestrator.timezone"},
		{"unknown session driver", func(c *Config) { c.Session.Driver = "docker" }, "session.driver"},
		{"cloud without key", func(c *Config) { c.Session.Driver = "cloud" }, "session.cloud.api_key"},
		{"warm over max", func(c *Config) { c.Session.Warm = 10 }, "session.warm"},
		{"breaker scope", func(c *Config) { c.Breaker.Scope = "platform" }, "breaker.scope"},
		{"zero weight", func(c *Config) { c.Platforms = map[string]PlatformConfig{"lever": {DailyQuota: 1}} }, "platforms.lever.weight"},
		{"ema alpha", func(c *Config) { c.Balancer.EMAAlpha = 2 }, "balancer.ema_alpha"},
		{"discovery without sources", func(c *Config) { c.Discovery.Enabled = true }, "discovery"},
		{"proxy without endpoints", func(c *Config) { c.Proxy.Enabled = true }, "proxy"},
		{"captcha without providers", func(c *Config) { c.Captcha.Enabled = true }, "captcha.providers"},
		{"redis without addr", func(c *Config) { c.SessionState.Driver = "redis" }, "session_state.redis_addr"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.postgres_dsn"},
		{"gcs without bucket", func(c *Config) { c.Artifacts.Driver = "gcs" }, "artifacts.gcs_bucket"},
		{"pubsub without project", func(c *Config) { c.Events.Driver = "pubsub" }, "events.project_id"},
		{"kafka without brokers", func(c *Config) { c.Events.Driver = "kafka" }, "events.brokers"},
		{"server port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			c.Platforms = map[string]PlatformConfig{"lever": {DailyQuota: 10, Weight: 1}}
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
