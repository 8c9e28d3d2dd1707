// Package config manages agentmon daemon configuration using koanf/v2.
//
// Configuration layers, lowest to highest precedence: built-in defaults,
// an optional YAML file, and MONITOR_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete agentmon configuration.
type Config struct {
	// Port is the UDP discovery port announcements arrive on.
	Port int `koanf:"port"`

	// StaleTimeout is how long a server may go without announcing
	// itself before the sweeper removes it.
	StaleTimeout time.Duration `koanf:"timeout"`

	// LongRunning is the session age past which an active session is
	// reported as long-running.
	LongRunning time.Duration `koanf:"long_running"`

	// Refresh is the interval between periodic session snapshots per
	// server.
	Refresh time.Duration `koanf:"refresh"`

	// RequestTimeout bounds each backend HTTP request. The event
	// stream is exempt.
	RequestTimeout time.Duration `koanf:"request_timeout"`

	// MaxStreamRetries is the number of consecutive reconnect attempts
	// before an event stream is marked failed.
	MaxStreamRetries int `koanf:"max_stream_retries"`

	// Notifications enables the daemon's notification presenter.
	Notifications bool `koanf:"notifications"`

	Log     LogConfig     `koanf:"log"`
	Metrics MetricsConfig `koanf:"metrics"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "text", "json", or "console".
	Format string `koanf:"format"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint
	// (e.g., ":9100"). Empty disables the metrics server.
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
//
// The discovery port and the 120 s stale timeout match what announcing
// backends expect; the 10 minute long-running threshold and 5 s refresh
// interval are the conventional aggregator settings.
func DefaultConfig() *Config {
	return &Config{
		Port:             41234,
		StaleTimeout:     120 * time.Second,
		LongRunning:      10 * time.Minute,
		Refresh:          5 * time.Second,
		RequestTimeout:   10 * time.Second,
		MaxStreamRetries: 10,
		Notifications:    true,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envVarKeys maps the published MONITOR_* environment variables onto
// configuration keys. Variables not in this table are ignored.
var envVarKeys = map[string]string{
	"MONITOR_PORT":          "port",
	"MONITOR_TIMEOUT":       "timeout",
	"MONITOR_LONG_RUNNING":  "long_running",
	"MONITOR_REFRESH":       "refresh",
	"MONITOR_NOTIFICATIONS": "notifications",
	"MONITOR_LOG_LEVEL":     "log.level",
	"MONITOR_LOG_FORMAT":    "log.format",
	"MONITOR_METRICS_ADDR":  "metrics.addr",
	"MONITOR_METRICS_PATH":  "metrics.path",
}

// envPrefix filters the environment scan to agentmon variables.
const envPrefix = "MONITOR_"

// Load reads configuration from an optional YAML file at path, overlays
// environment variable overrides (MONITOR_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults. An empty path skips
// the file layer; a named file that cannot be read or parsed is an
// error.
//
// Environment variable mapping:
//
//	MONITOR_PORT           -> port                (integer, 1..65535)
//	MONITOR_TIMEOUT        -> timeout             (whole seconds)
//	MONITOR_LONG_RUNNING   -> long_running        (whole minutes)
//	MONITOR_REFRESH        -> refresh             (whole seconds)
//	MONITOR_NOTIFICATIONS  -> notifications       ("0" disables)
//	MONITOR_LOG_LEVEL      -> log.level
//	MONITOR_LOG_FORMAT     -> log.format
//	MONITOR_METRICS_ADDR   -> metrics.addr
//	MONITOR_METRICS_PATH   -> metrics.path
//	MONITOR_DEBUG          -> log.level=debug when set to "1"
//
// Numeric variables that fail to parse or are non-positive are silently
// discarded so the layered default survives.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults, when one is named.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	// Load environment variable overrides on top of YAML.
	if err := k.Load(env.ProviderWithValue(envPrefix, ".", envValueMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	// MONITOR_DEBUG outranks MONITOR_LOG_LEVEL and the file layer.
	if os.Getenv("MONITOR_DEBUG") == "1" {
		if err := k.Set("log.level", "debug"); err != nil {
			return nil, fmt.Errorf("set debug log level: %w", err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envValueMapper translates one MONITOR_* variable into a configuration
// key and value. Returning an empty key drops the variable, which is how
// invalid numerics fall back to the layered default.
func envValueMapper(name, value string) (string, any) {
	key, ok := envVarKeys[name]
	if !ok {
		return "", nil
	}

	switch key {
	case "port":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 || n > 65535 {
			return "", nil
		}
		return key, n
	case "timeout", "refresh":
		d, ok := wholeUnits(value, time.Second)
		if !ok {
			return "", nil
		}
		return key, d.String()
	case "long_running":
		d, ok := wholeUnits(value, time.Minute)
		if !ok {
			return "", nil
		}
		return key, d.String()
	case "notifications":
		return key, value != "0"
	default:
		return key, value
	}
}

// wholeUnits parses value as a positive whole number of unit.
func wholeUnits(value string, unit time.Duration) (time.Duration, bool) {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0, false
	}
	return time.Duration(n) * unit, true
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"port":               defaults.Port,
		"timeout":            defaults.StaleTimeout.String(),
		"long_running":       defaults.LongRunning.String(),
		"refresh":            defaults.Refresh.String(),
		"request_timeout":    defaults.RequestTimeout.String(),
		"max_stream_retries": defaults.MaxStreamRetries,
		"notifications":      defaults.Notifications,
		"log.level":          defaults.Log.Level,
		"log.format":         defaults.Log.Format,
		"metrics.addr":       defaults.Metrics.Addr,
		"metrics.path":       defaults.Metrics.Path,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidPort indicates the discovery port is out of range.
	ErrInvalidPort = errors.New("port must be between 1 and 65535")

	// ErrInvalidTimeout indicates a non-positive stale timeout.
	ErrInvalidTimeout = errors.New("timeout must be > 0")

	// ErrInvalidLongRunning indicates a non-positive long-running threshold.
	ErrInvalidLongRunning = errors.New("long_running must be > 0")

	// ErrInvalidRefresh indicates a non-positive snapshot refresh interval.
	ErrInvalidRefresh = errors.New("refresh must be > 0")

	// ErrInvalidRequestTimeout indicates a non-positive HTTP request timeout.
	ErrInvalidRequestTimeout = errors.New("request_timeout must be > 0")

	// ErrInvalidStreamRetries indicates a negative reconnect budget.
	ErrInvalidStreamRetries = errors.New("max_stream_retries must be >= 0")

	// ErrInvalidLogFormat indicates an unrecognized log output format.
	ErrInvalidLogFormat = errors.New(`log.format must be "text", "json", or "console"`)

	// ErrEmptyMetricsPath indicates a metrics server without an endpoint path.
	ErrEmptyMetricsPath = errors.New("metrics.path must not be empty when metrics.addr is set")
)

// ValidLogFormats lists the recognized log format strings.
var ValidLogFormats = map[string]bool{
	"text":    true,
	"json":    true,
	"console": true,
}

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("%w: got %d", ErrInvalidPort, cfg.Port)
	}

	if cfg.StaleTimeout <= 0 {
		return ErrInvalidTimeout
	}

	if cfg.LongRunning <= 0 {
		return ErrInvalidLongRunning
	}

	if cfg.Refresh <= 0 {
		return ErrInvalidRefresh
	}

	if cfg.RequestTimeout <= 0 {
		return ErrInvalidRequestTimeout
	}

	if cfg.MaxStreamRetries < 0 {
		return ErrInvalidStreamRetries
	}

	if !ValidLogFormats[strings.ToLower(cfg.Log.Format)] {
		return fmt.Errorf("%w: got %q", ErrInvalidLogFormat, cfg.Log.Format)
	}

	if cfg.Metrics.Addr != "" && cfg.Metrics.Path == "" {
		return ErrEmptyMetricsPath
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
