//go:build integration

package integration_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/dantte-lp/agentmon/internal/config"
)

// writeConfigFile marshals cfg to YAML in a temp directory and returns
// the file path.
func writeConfigFile(t *testing.T, cfg map[string]any) string {
	t.Helper()
	raw, err := yaml.Marshal(cfg)
	require.NoError(t, err, "marshal config fixture")
	path := filepath.Join(t.TempDir(), "agentmon.yaml")
	require.NoError(t, os.WriteFile(path, raw, 0o644), "write config fixture")
	return path
}

// -------------------------------------------------------------------------
// TestConfigFileLoad — YAML file through the real loader
// -------------------------------------------------------------------------

// TestConfigFileLoad round-trips a config file the way an operator would
// deploy one: marshalled to YAML on disk and read back through Load,
// with unnamed fields inheriting defaults.
func TestConfigFileLoad(t *testing.T) {
	path := writeConfigFile(t, map[string]any{
		"port":               45678,
		"timeout":            "90s",
		"long_running":       "30m",
		"refresh":            "2s",
		"request_timeout":    "4s",
		"max_stream_retries": 7,
		"notifications":      false,
		"log": map[string]any{
			"level":  "debug",
			"format": "json",
		},
		"metrics": map[string]any{
			"addr": "127.0.0.1:9200",
			"path": "/metrics",
		},
	})

	cfg, err := config.Load(path)
	require.NoError(t, err, "load config")

	require.Equal(t, 45678, cfg.Port)
	require.Equal(t, 90*time.Second, cfg.StaleTimeout)
	require.Equal(t, 30*time.Minute, cfg.LongRunning)
	require.Equal(t, 2*time.Second, cfg.Refresh)
	require.Equal(t, 4*time.Second, cfg.RequestTimeout)
	require.Equal(t, 7, cfg.MaxStreamRetries)
	require.False(t, cfg.Notifications)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "json", cfg.Log.Format)
	require.Equal(t, "127.0.0.1:9200", cfg.Metrics.Addr)
}

// TestConfigFilePartial verifies that a file naming only some fields
// leaves the rest at their defaults.
func TestConfigFilePartial(t *testing.T) {
	path := writeConfigFile(t, map[string]any{
		"port": 50123,
	})

	cfg, err := config.Load(path)
	require.NoError(t, err, "load config")

	def := config.DefaultConfig()
	require.Equal(t, 50123, cfg.Port)
	require.Equal(t, def.StaleTimeout, cfg.StaleTimeout)
	require.Equal(t, def.Refresh, cfg.Refresh)
	require.Equal(t, def.Log.Format, cfg.Log.Format)
	require.Equal(t, def.Metrics.Addr, cfg.Metrics.Addr)
}

// -------------------------------------------------------------------------
// TestConfigEnvOverridesFile — environment beats the file layer
// -------------------------------------------------------------------------

// TestConfigEnvOverridesFile layers MONITOR_* variables over a config
// file. Environment values win where set, the file fills the next tier,
// and MONITOR_DEBUG outranks even an explicit MONITOR_LOG_LEVEL.
func TestConfigEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, map[string]any{
		"port":    45678,
		"refresh": "2s",
		"log": map[string]any{
			"level":  "warn",
			"format": "json",
		},
	})

	t.Setenv("MONITOR_PORT", "50000")
	t.Setenv("MONITOR_TIMEOUT", "45")
	t.Setenv("MONITOR_LOG_LEVEL", "error")
	t.Setenv("MONITOR_DEBUG", "1")

	cfg, err := config.Load(path)
	require.NoError(t, err, "load config")

	require.Equal(t, 50000, cfg.Port)
	require.Equal(t, 45*time.Second, cfg.StaleTimeout)
	require.Equal(t, "debug", cfg.Log.Level)

	// File values survive where the environment is silent.
	require.Equal(t, 2*time.Second, cfg.Refresh)
	require.Equal(t, "json", cfg.Log.Format)
}
