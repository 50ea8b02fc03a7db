// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Probe     ProbeConfig     `mapstructure:"probe"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Bypass    BypassConfig    `mapstructure:"bypass"`
	Planner   PlannerConfig   `mapstructure:"planner"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SchedulerConfig paces the probe loop.
type SchedulerConfig struct {
	IntervalSeconds      int `mapstructure:"interval_seconds"`
	JitterSeconds        int `mapstructure:"jitter_seconds"`
	ProbeTimeoutSeconds  int `mapstructure:"probe_timeout_seconds"`
	TargetPauseSeconds   int `mapstructure:"target_pause_seconds"`
	StaleCheckingMinutes int `mapstructure:"stale_checking_minutes"`
}

// ProbeConfig governs the classification pipeline.
type ProbeConfig struct {
	NavTimeoutSeconds     int `mapstructure:"nav_timeout_seconds"`
	PassiveTimeoutSeconds int `mapstructure:"passive_timeout_seconds"`
	FallbackPathLimit     int `mapstructure:"fallback_path_limit"`
}

// BrowserConfig configures the headless browser driver.
type BrowserConfig struct {
	MaxParallel int    `mapstructure:"max_parallel"`
	UserAgent   string `mapstructure:"user_agent"`
}

// BypassConfig points at the anti-bot challenge solver. Empty endpoint
// disables the capability.
type BypassConfig struct {
	Endpoint       string `mapstructure:"endpoint"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxSolveMs     int    `mapstructure:"max_solve_ms"`
}

// PlannerConfig points at the language-model planning service. Empty API key
// disables the capability.
type PlannerConfig struct {
	Endpoint       string `mapstructure:"endpoint"`
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	Persona        string `mapstructure:"persona"`
}

// StorageConfig selects the target store backend.
type StorageConfig struct {
	// Backend is "memory" or "postgres".
	Backend string `mapstructure:"backend"`
	DSN     string `mapstructure:"dsn"`
	Table   string `mapstructure:"table"`
}

// SnapshotConfig selects where probe page snapshots are archived.
type SnapshotConfig struct {
	// Backend is "none", "memory", "local" or "gcs".
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DiscoveryConfig controls the candidate feed poller. Empty feed URL
// disables it.
type DiscoveryConfig struct {
	FeedURL         string   `mapstructure:"feed_url"`
	IntervalSeconds int      `mapstructure:"interval_seconds"`
	JitterSeconds   int      `mapstructure:"jitter_seconds"`
	Keywords        []string `mapstructure:"keywords"`
	DenylistDomains []string `mapstructure:"denylist_domains"`
}

// PubSubConfig holds metadata for publish-subscribe notifications. Empty
// topic disables the sink.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SENTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("scheduler.interval_seconds", 600)
	v.SetDefault("scheduler.jitter_seconds", 300)
	v.SetDefault("scheduler.probe_timeout_seconds", 300)
	v.SetDefault("scheduler.target_pause_seconds", 10)
	v.SetDefault("scheduler.stale_checking_minutes", 10)
	v.SetDefault("probe.nav_timeout_seconds", 20)
	v.SetDefault("probe.passive_timeout_seconds", 5)
	v.SetDefault("probe.fallback_path_limit", 4)
	v.SetDefault("browser.max_parallel", 2)
	v.SetDefault("bypass.timeout_seconds", 90)
	v.SetDefault("bypass.max_solve_ms", 60000)
	v.SetDefault("planner.endpoint", "https://api.openai.com/v1/chat/completions")
	v.SetDefault("planner.model", "gpt-4o-mini")
	v.SetDefault("planner.timeout_seconds", 60)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.table", "targets")
	v.SetDefault("snapshot.backend", "none")
	v.SetDefault("snapshot.prefix", "pages")
	v.SetDefault("discovery.interval_seconds", 900)
	v.SetDefault("discovery.jitter_seconds", 300)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.IntervalSeconds <= 0 {
		return fmt.Errorf("scheduler.interval_seconds must be > 0")
	}
	if c.Scheduler.JitterSeconds < 0 || c.Scheduler.JitterSeconds >= c.Scheduler.IntervalSeconds {
		return fmt.Errorf("scheduler.jitter_seconds must be in [0, interval)")
	}
	if c.Scheduler.ProbeTimeoutSeconds <= 0 {
		return fmt.Errorf("scheduler.probe_timeout_seconds must be > 0")
	}
	if c.Browser.MaxParallel <= 0 {
		return fmt.Errorf("browser.max_parallel must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Snapshot.Backend {
	case "none", "memory":
	case "local":
		if c.Snapshot.BaseDir == "" {
			return fmt.Errorf("snapshot.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Snapshot.GCSBucket == "" {
			return fmt.Errorf("snapshot.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown snapshot backend %q", c.Snapshot.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when a topic is configured")
	}
	return nil
}

// SchedulerInterval returns the probe loop base interval.
func (c Config) SchedulerInterval() time.Duration {
	return time.Duration(c.Scheduler.IntervalSeconds) * time.Second
}

// SchedulerJitter returns the probe loop jitter half-width.
func (c Config) SchedulerJitter() time.Duration {
	return time.Duration(c.Scheduler.JitterSeconds) * time.Second
}

// ProbeTimeout returns the hard probe deadline.
func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Scheduler.ProbeTimeoutSeconds) * time.Second
}
