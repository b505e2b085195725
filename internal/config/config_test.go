package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/dashboard/internal/refresh"
)

func newViper(t *testing.T) *viper.Viper {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	v, err := New("")
	require.NoError(t, err)
	return v
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(newViper(t))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, "http://localhost:3000", cfg.UpstreamURL)
	assert.True(t, cfg.WatchEvents)
	assert.Equal(t, refresh.ModeThrottled, cfg.Refresh.Mode)
	assert.Equal(t, 2*time.Second, cfg.Refresh.MinInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.Refresh.FloorDelay)
	assert.Zero(t, cfg.Refresh.Interval)

	p := cfg.Retry.Policy()
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, time.Second, p.InitialDelay)
	assert.Equal(t, 10*time.Second, p.MaxDelay)
	assert.Equal(t, 2.0, p.Multiplier)
}

func TestLoadEnvironment(t *testing.T) {
	v := newViper(t)
	t.Setenv("DASHBOARD_UPSTREAM_URL", "https://agents.internal:8443/")
	t.Setenv("DASHBOARD_REFRESH_MODE", "immediate")
	t.Setenv("DASHBOARD_REFRESH_MIN_INTERVAL", "5s")
	t.Setenv("DASHBOARD_RETRY_MAX_RETRIES", "0")
	t.Setenv("DASHBOARD_WATCH_EVENTS", "false")

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "https://agents.internal:8443", cfg.UpstreamURL)
	assert.Equal(t, refresh.ModeImmediate, cfg.Refresh.Mode)
	assert.Equal(t, 5*time.Second, cfg.Refresh.MinInterval)
	assert.Equal(t, 0, cfg.Retry.MaxRetries)
	assert.False(t, cfg.WatchEvents)
}

func TestLoadConfigFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "dashboard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
upstream_url: http://127.0.0.1:4000
log_format: console
refresh:
  min_interval: 3s
  floor_delay: 250ms
retry:
  initial_delay: 500ms
  max_delay: 4s
`), 0o644))

	v, err := New(path)
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "http://127.0.0.1:4000", cfg.UpstreamURL)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, 3*time.Second, cfg.Refresh.MinInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.Refresh.FloorDelay)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.InitialDelay)
	assert.Equal(t, 4*time.Second, cfg.Retry.MaxDelay)
}

func TestMissingExplicitConfigFile(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		key   string
		value any
	}{
		{"upstream_url", ""},
		{"upstream_url", "ftp://example.com"},
		{"log_format", "xml"},
		{"request_timeout", "0s"},
		{"refresh.mode", "eager"},
		{"refresh.min_interval", "0s"},
		{"refresh.floor_delay", "-1s"},
		{"refresh.floor_delay", "0s"},
		{"retry.max_retries", -1},
		{"retry.initial_delay", "0s"},
		{"retry.max_delay", "10ms"},
		{"retry.multiplier", 1.0},
		{"tree.max_concurrent_fetches", 0},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			v := newViper(t)
			v.Set(tt.key, tt.value)
			_, err := Load(v)
			assert.Error(t, err)
		})
	}
}
