// Package config loads and validates orchestrator configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/apply-orchestrator/internal/discovery"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Orchestrator OrchestratorConfig        `mapstructure:"orchestrator"`
	Session      SessionConfig             `mapstructure:"session"`
	Retry        RetryConfig               `mapstructure:"retry"`
	Breaker      BreakerConfig             `mapstructure:"breaker"`
	Platforms    map[string]PlatformConfig `mapstructure:"platforms"`
	Balancer     BalancerConfig            `mapstructure:"balancer"`
	Discovery    DiscoveryConfig           `mapstructure:"discovery"`
	Proxy        ProxyConfig               `mapstructure:"proxy"`
	Captcha      CaptchaConfig             `mapstructure:"captcha"`
	SessionState SessionStateConfig        `mapstructure:"session_state"`
	Storage      StorageConfig             `mapstructure:"storage"`
	Artifacts    ArtifactsConfig           `mapstructure:"artifacts"`
	Events       EventsConfig              `mapstructure:"events"`
	Server       ServerConfig              `mapstructure:"server"`
	Logging      LoggingConfig             `mapstructure:"logging"`
	Telemetry    TelemetryConfig           `mapstructure:"telemetry"`
	Stats        StatsConfig               `mapstructure:"stats"`
}

// OrchestratorConfig controls the worker pool and its pacing.
type OrchestratorConfig struct {
	MaxConcurrentApplications int           `mapstructure:"max_concurrent_applications"`
	MinDelay                  time.Duration `mapstructure:"min_delay"`
	MaxDelay                  time.Duration `mapstructure:"max_delay"`
	MaxDailyFailures          int           `mapstructure:"max_daily_failures"`
	FailureCooldown           time.Duration `mapstructure:"failure_cooldown"`
	IdleBackoff               time.Duration `mapstructure:"idle_backoff"`
	QuotaBackoff              time.Duration `mapstructure:"quota_backoff"`
	JobTimeout                time.Duration `mapstructure:"job_timeout"`
	DrainTimeout              time.Duration `mapstructure:"drain_timeout"`
	DailyResetCron            string        `mapstructure:"daily_reset_cron"`
	Timezone                  string        `mapstructure:"timezone"`
}

// SessionConfig sizes the browser pool and picks the launcher.
type SessionConfig struct {
	Driver                string             `mapstructure:"driver"`
	MaxSessions           int                `mapstructure:"max_sessions"`
	MaxRequestsPerSession int                `mapstructure:"max_requests_per_session"`
	IdleTimeout           time.Duration      `mapstructure:"idle_timeout"`
	AcquireTimeout        time.Duration      `mapstructure:"acquire_timeout"`
	Warm                  int                `mapstructure:"warm"`
	Headless              bool               `mapstructure:"headless"`
	UserAgent             string             `mapstructure:"user_agent"`
	ExecPath              string             `mapstructure:"exec_path"`
	NavigationTimeout     time.Duration      `mapstructure:"navigation_timeout"`
	Screenshot            bool               `mapstructure:"screenshot"`
	Cloud                 CloudSessionConfig `mapstructure:"cloud"`
}

// CloudSessionConfig points at a browser-as-a-service endpoint.
type CloudSessionConfig struct {
	WSURL     string `mapstructure:"ws_url"`
	APIKey    string `mapstructure:"api_key"`
	ProjectID string `mapstructure:"project_id"`
}

// RetryConfig drives per-job retries and backoff.
type RetryConfig struct {
	MaxRetriesPerJob int           `mapstructure:"max_retries_per_job"`
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	JitterMax        time.Duration `mapstructure:"jitter_max"`
	RateLimitFactor  float64       `mapstructure:"rate_limit_factor"`
}

// BreakerConfig configures circuit breakers.
type BreakerConfig struct {
	Scope            string        `mapstructure:"scope"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	HalfOpen         bool          `mapstructure:"half_open"`
}

// PlatformConfig is the quota and pacing of one platform.
type PlatformConfig struct {
	DailyQuota int     `mapstructure:"daily_quota"`
	Weight     float64 `mapstructure:"weight"`
	RPS        float64 `mapstructure:"rps"`
	Burst      int     `mapstructure:"burst"`
}

// BalancerConfig tunes success-rate tracking.
type BalancerConfig struct {
	EMAAlpha        float64 `mapstructure:"ema_alpha"`
	SuccessFeedback bool    `mapstructure:"success_feedback"`
	FeedbackFloor   float64 `mapstructure:"feedback_floor"`
	MinSamples      int     `mapstructure:"min_samples"`
	Seed            uint64  `mapstructure:"seed"`
}

// DiscoveryConfig schedules job discovery and stale-job eviction.
type DiscoveryConfig struct {
	Enabled       bool                `mapstructure:"enabled"`
	Interval      time.Duration       `mapstructure:"interval"`
	SweepInterval time.Duration       `mapstructure:"sweep_interval"`
	Retention     time.Duration       `mapstructure:"retention"`
	SeedFile      string              `mapstructure:"seed_file"`
	UserAgent     string              `mapstructure:"user_agent"`
	RespectRobots bool                `mapstructure:"respect_robots"`
	Listings      []discovery.Listing `mapstructure:"listings"`
}

// ProxyConfig lists outbound proxies.
type ProxyConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	File         string        `mapstructure:"file"`
	Endpoints    []string      `mapstructure:"endpoints"`
	BlacklistTTL time.Duration `mapstructure:"blacklist_ttl"`
	MaxFailures  int           `mapstructure:"max_failures"`
}

// CaptchaConfig orders solving providers.
type CaptchaConfig struct {
	Enabled   bool                    `mapstructure:"enabled"`
	Providers []CaptchaProviderConfig `mapstructure:"providers"`
}

// CaptchaProviderConfig configures one solving service.
type CaptchaProviderConfig struct {
	Name         string        `mapstructure:"name"`
	APIKey       string        `mapstructure:"api_key"`
	BaseURL      string        `mapstructure:"base_url"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxPolls     int           `mapstructure:"max_polls"`
}

// SessionStateConfig selects where platform auth state lives.
type SessionStateConfig struct {
	Driver    string        `mapstructure:"driver"`
	RedisAddr string        `mapstructure:"redis_addr"`
	Prefix    string        `mapstructure:"prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// StorageConfig selects the job store.
type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	MaxConns    int32  `mapstructure:"max_conns"`
}

// ArtifactsConfig selects where executor artifacts are written.
type ArtifactsConfig struct {
	Driver    string `mapstructure:"driver"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// EventsConfig selects the outcome event bus.
type EventsConfig struct {
	Driver          string   `mapstructure:"driver"`
	ProjectID       string   `mapstructure:"project_id"`
	Topic           string   `mapstructure:"topic"`
	DeadLetterTopic string   `mapstructure:"dead_letter_topic"`
	Brokers         []string `mapstructure:"brokers"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig names the traced service.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
}

// StatsConfig sets the reporter cadence.
type StatsConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// Load builds a Config from disk/environment. An empty path searches ./config.yaml,
// /etc/apply-orchestrator and $HOME/.apply-orchestrator.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("APPLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		// Without an explicit path, look in the usual places and fall back to
		// defaults and environment variables.
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/apply-orchestrator/")
		v.AddConfigPath("$HOME/.apply-orchestrator")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("orchestrator.max_concurrent_applications", 3)
	v.SetDefault("orchestrator.min_delay", 30*time.Second)
	v.SetDefault("orchestrator.max_delay", 90*time.Second)
	v.SetDefault("orchestrator.max_daily_failures", 50)
	v.SetDefault("orchestrator.failure_cooldown", time.Hour)
	v.SetDefault("orchestrator.idle_backoff", time.Minute)
	v.SetDefault("orchestrator.quota_backoff", 5*time.Minute)
	v.SetDefault("orchestrator.job_timeout", 5*time.Minute)
	v.SetDefault("orchestrator.drain_timeout", 30*time.Second)
	v.SetDefault("orchestrator.daily_reset_cron", "0 0 * * *")
	v.SetDefault("orchestrator.timezone", "Local")

	v.SetDefault("session.driver", "local")
	v.SetDefault("session.max_sessions", 3)
	v.SetDefault("session.max_requests_per_session", 25)
	v.SetDefault("session.idle_timeout", 10*time.Minute)
	v.SetDefault("session.acquire_timeout", 30*time.Second)
	v.SetDefault("session.warm", 1)
	v.SetDefault("session.headless", true)
	v.SetDefault("session.navigation_timeout", 45*time.Second)
	v.SetDefault("session.screenshot", true)

	v.SetDefault("retry.max_retries_per_job", 3)
	v.SetDefault("retry.base_delay", 30*time.Second)
	v.SetDefault("retry.max_delay", 30*time.Minute)
	v.SetDefault("retry.jitter_max", 10*time.Second)
	v.SetDefault("retry.rate_limit_factor", 4.0)

	v.SetDefault("breaker.scope", "category")
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout", 5*time.Minute)
	v.SetDefault("breaker.half_open", true)

	v.SetDefault("balancer.ema_alpha", 0.1)
	v.SetDefault("balancer.success_feedback", false)
	v.SetDefault("balancer.feedback_floor", 0.5)
	v.SetDefault("balancer.min_samples", 20)

	v.SetDefault("discovery.enabled", false)
	v.SetDefault("discovery.interval", 30*time.Minute)
	v.SetDefault("discovery.sweep_interval", time.Hour)
	v.SetDefault("discovery.retention", 7*24*time.Hour)
	v.SetDefault("discovery.user_agent", "apply-orchestrator/0.1")
	v.SetDefault("discovery.respect_robots", true)

	v.SetDefault("proxy.enabled", false)
	v.SetDefault("proxy.blacklist_ttl", 30*time.Minute)
	v.SetDefault("proxy.max_failures", 3)

	v.SetDefault("captcha.enabled", false)

	v.SetDefault("session_state.driver", "memory")
	v.SetDefault("session_state.prefix", "apply:session:")
	v.SetDefault("session_state.ttl", 24*time.Hour)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite_path", "apply.db")
	v.SetDefault("storage.max_conns", 4)

	v.SetDefault("artifacts.driver", "none")
	v.SetDefault("artifacts.base_dir", "artifacts")
	v.SetDefault("artifacts.prefix", "artifacts")

	v.SetDefault("events.driver", "none")
	v.SetDefault("events.topic", "apply.outcomes")
	v.SetDefault("events.dead_letter_topic", "apply.dead-letters")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)

	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")

	v.SetDefault("telemetry.service_name", "apply-orchestrator")
	v.SetDefault("stats.interval", time.Minute)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	o := c.Orchestrator
	if o.MaxConcurrentApplications <= 0 {
		add("orchestrator.max_concurrent_applications must be > 0")
	}
	if o.MinDelay < 0 || o.MaxDelay < o.MinDelay {
		add("orchestrator.min_delay must be >= 0 and <= orchestrator.max_delay")
	}
	if o.MaxDailyFailures < 0 {
		add("orchestrator.max_daily_failures must be >= 0")
	}
	if o.JobTimeout <= 0 {
		add("orchestrator.job_timeout must be > 0")
	}
	if _, err := c.Location(); err != nil {
		add("orchestrator.timezone: %v", err)
	}

	s := c.Session
	switch s.Driver {
	case "local":
	case "cloud":
		if s.Cloud.APIKey == "" {
			add("session.cloud.api_key must be set when session.driver is cloud")
		}
	default:
		add("session.driver must be local or cloud, got %q", s.Driver)
	}
	if s.MaxSessions <= 0 {
		add("session.max_sessions must be > 0")
	}
	if s.MaxRequestsPerSession <= 0 {
		add("session.max_requests_per_session must be > 0")
	}
	if s.Warm > s.MaxSessions {
		add("session.warm must be <= session.max_sessions")
	}

	if c.Retry.MaxRetriesPerJob < 0 {
		add("retry.max_retries_per_job must be >= 0")
	}
	switch c.Breaker.Scope {
	case "category", "global":
	default:
		add("breaker.scope must be category or global, got %q", c.Breaker.Scope)
	}
	if c.Breaker.FailureThreshold <= 0 {
		add("breaker.failure_threshold must be > 0")
	}
	if c.Breaker.ResetTimeout <= 0 {
		add("breaker.reset_timeout must be > 0")
	}

	if len(c.Platforms) == 0 {
		add("platforms must define at least one platform")
	}
	for _, name := range c.PlatformNames() {
		p := c.Platforms[name]
		if p.DailyQuota < 0 {
			add("platforms.%s.daily_quota must be >= 0", name)
		}
		if p.Weight <= 0 {
			add("platforms.%s.weight must be > 0", name)
		}
	}
	if a := c.Balancer.EMAAlpha; a <= 0 || a > 1 {
		add("balancer.ema_alpha must be in (0, 1]")
	}

	if c.Discovery.Enabled && c.Discovery.SeedFile == "" && len(c.Discovery.Listings) == 0 {
		add("discovery needs a seed_file or listings when enabled")
	}
	if c.Proxy.Enabled && c.Proxy.File == "" && len(c.Proxy.Endpoints) == 0 {
		add("proxy needs a file or endpoints when enabled")
	}
	if c.Captcha.Enabled && len(c.Captcha.Providers) == 0 {
		add("captcha.providers must be set when captcha is enabled")
	}

	switch c.SessionState.Driver {
	case "memory":
	case "redis":
		if c.SessionState.RedisAddr == "" {
			add("session_state.redis_addr must be set when session_state.driver is redis")
		}
	default:
		add("session_state.driver must be memory or redis, got %q", c.SessionState.Driver)
	}

	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			add("storage.sqlite_path must be set when storage.driver is sqlite")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			add("storage.postgres_dsn must be set when storage.driver is postgres")
		}
	default:
		add("storage.driver must be memory, sqlite or postgres, got %q", c.Storage.Driver)
	}

	switch c.Artifacts.Driver {
	case "none":
	case "local":
		if c.Artifacts.BaseDir == "" {
			add("artifacts.base_dir must be set when artifacts.driver is local")
		}
	case "gcs":
		if c.Artifacts.GCSBucket == "" {
			add("artifacts.gcs_bucket must be set when artifacts.driver is gcs")
		}
	default:
		add("artifacts.driver must be none, local or gcs, got %q", c.Artifacts.Driver)
	}

	switch c.Events.Driver {
	case "none", "memory":
	case "pubsub":
		if c.Events.ProjectID == "" {
			add("events.project_id must be set when events.driver is pubsub")
		}
	case "kafka":
		if len(c.Events.Brokers) == 0 {
			add("events.brokers must be set when events.driver is kafka")
		}
	default:
		add("events.driver must be none, memory, pubsub or kafka, got %q", c.Events.Driver)
	}

	if c.Server.Enabled && c.Server.Port <= 0 {
		add("server.port must be > 0")
	}
	if c.Stats.Interval <= 0 {
		add("stats.interval must be > 0")
	}
	return errors.Join(errs...)
}

// Location resolves orchestrator.timezone.
func (c Config) Location() (*time.Location, error) {
	switch c.Orchestrator.Timezone {
	case "", "Local":
		return time.Local, nil
	default:
		loc, err := time.LoadLocation(c.Orchestrator.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone: %w", err)
		}
		return loc, nil
	}
}

// PlatformNames returns configured platform names in sorted order.
func (c Config) PlatformNames() []string {
	names := make([]string, 0, len(c.Platforms))
	for name := range c.Platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
