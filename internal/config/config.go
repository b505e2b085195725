// Package config loads dashboard configuration from defaults, an optional
// YAML file and DASHBOARD_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fruitsalade/dashboard/internal/refresh"
	"github.com/fruitsalade/dashboard/pkg/retry"
)

// EnvPrefix prefixes every environment variable, e.g.
// DASHBOARD_REFRESH_MIN_INTERVAL for refresh.min_interval.
const EnvPrefix = "DASHBOARD"

// Config holds all dashboard configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Upstream automation service
	UpstreamURL       string
	AuthToken         string
	RequestTimeout    time.Duration
	WatchEvents       bool
	HealthCheckPeriod time.Duration // 0 disables

	// Tree
	MaxConcurrentFetches int

	Refresh RefreshConfig
	Retry   RetryConfig
}

// RefreshConfig configures the refresh orchestrator.
type RefreshConfig struct {
	Mode        refresh.Mode
	MinInterval time.Duration
	FloorDelay  time.Duration
	Interval    time.Duration // periodic trigger, 0 disables
}

// RetryConfig configures retries of upstream requests.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// Policy returns the retry policy described by c.
func (c RetryConfig) Policy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxRetries = c.MaxRetries
	p.InitialDelay = c.InitialDelay
	p.MaxDelay = c.MaxDelay
	p.Multiplier = c.Multiplier
	return p
}

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	def := retry.DefaultPolicy()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("upstream_url", "http://localhost:3000")
	v.SetDefault("auth_token", "")
	v.SetDefault("request_timeout", 30*time.Second)
	v.SetDefault("watch_events", true)
	v.SetDefault("health_check_period", 30*time.Second)
	v.SetDefault("tree.max_concurrent_fetches", 8)
	v.SetDefault("refresh.mode", "throttled")
	v.SetDefault("refresh.min_interval", refresh.DefaultMinInterval)
	v.SetDefault("refresh.floor_delay", refresh.DefaultFloorDelay)
	v.SetDefault("refresh.interval", time.Duration(0))
	v.SetDefault("retry.max_retries", def.MaxRetries)
	v.SetDefault("retry.initial_delay", def.InitialDelay)
	v.SetDefault("retry.max_delay", def.MaxDelay)
	v.SetDefault("retry.multiplier", def.Multiplier)
}

// New returns a viper instance with defaults and environment binding. If
// configFile is empty, $HOME/.config/dashboard/config.yaml is read when it
// exists; an explicit configFile must exist.
func New(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
		return v, nil
	}

	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "dashboard"))
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Load reads and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	mode, err := refresh.ParseMode(v.GetString("refresh.mode"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddr:           v.GetString("listen_addr"),
		MetricsAddr:          v.GetString("metrics_addr"),
		LogLevel:             v.GetString("log_level"),
		LogFormat:            v.GetString("log_format"),
		UpstreamURL:          strings.TrimRight(v.GetString("upstream_url"), "/"),
		AuthToken:            v.GetString("auth_token"),
		RequestTimeout:       v.GetDuration("request_timeout"),
		WatchEvents:          v.GetBool("watch_events"),
		HealthCheckPeriod:    v.GetDuration("health_check_period"),
		MaxConcurrentFetches: v.GetInt("tree.max_concurrent_fetches"),
		Refresh: RefreshConfig{
			Mode:        mode,
			MinInterval: v.GetDuration("refresh.min_interval"),
			FloorDelay:  v.GetDuration("refresh.floor_delay"),
			Interval:    v.GetDuration("refresh.interval"),
		},
		Retry: RetryConfig{
			MaxRetries:   v.GetInt("retry.max_retries"),
			InitialDelay: v.GetDuration("retry.initial_delay"),
			MaxDelay:     v.GetDuration("retry.max_delay"),
			Multiplier:   v.GetFloat64("retry.multiplier"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and the upstream URL.
func (c *Config) Validate() error {
	if c.UpstreamURL == "" {
		return fmt.Errorf("upstream_url is required")
	}
	u, err := url.Parse(c.UpstreamURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("upstream_url %q must be an http(s) URL", c.UpstreamURL)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log_format must be json or console, got %q", c.LogFormat)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if c.HealthCheckPeriod < 0 {
		return fmt.Errorf("health_check_period must not be negative")
	}
	if c.MaxConcurrentFetches <= 0 {
		return fmt.Errorf("tree.max_concurrent_fetches must be positive")
	}
	if c.Refresh.MinInterval <= 0 {
		return fmt.Errorf("refresh.min_interval must be positive")
	}
	if c.Refresh.FloorDelay <= 0 {
		return fmt.Errorf("refresh.floor_delay must be positive")
	}
	if c.Refresh.Interval < 0 {
		return fmt.Errorf("refresh.interval must not be negative")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.Retry.InitialDelay <= 0 {
		return fmt.Errorf("retry.initial_delay must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		return fmt.Errorf("retry.max_delay must be at least retry.initial_delay")
	}
	if c.Retry.Multiplier <= 1 {
		return fmt.Errorf("retry.multiplier must be greater than 1")
	}
	return nil
}
