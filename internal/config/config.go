// Package config loads the settings of the example extension binary from a
// YAML file and OSQUERY_EXT_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the extension settings. Flags passed by osqueryd are applied
// on top by the binary.
type Config struct {
	Socket         string        `yaml:"socket"`
	Timeout        time.Duration `yaml:"timeout"`
	Interval       time.Duration `yaml:"interval"`
	ConnectRetries int           `yaml:"connect_retries"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	MaxFrameSize   int           `yaml:"max_frame_size"`

	// Transport is "framed" or "unframed"; stock osqueryd builds use the
	// unframed layout.
	Transport string `yaml:"transport"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// MetricsAddr enables the Prometheus endpoint when set.
	MetricsAddr string `yaml:"metrics_addr"`

	// ConfigSource is the YAML file served by the yaml_config plugin.
	ConfigSource string `yaml:"config_source"`
}

// Default returns the settings used when nothing else is given.
func Default() *Config {
	return &Config{
		Socket:         "/var/osquery/osquery.em",
		Timeout:        3 * time.Second,
		Interval:       3 * time.Second,
		ConnectRetries: 5,
		MaxFrameSize:   16 * 1024 * 1024,
		Transport:      "framed",
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// Load reads defaults, then the YAML file at path (skipped when empty), then
// environment overrides. The result is not validated: callers apply their
// own overrides first and then call Validate.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Socket = getEnv("OSQUERY_EXT_SOCKET", c.Socket)
	c.Timeout = getEnvDuration("OSQUERY_EXT_TIMEOUT", c.Timeout)
	c.Interval = getEnvDuration("OSQUERY_EXT_INTERVAL", c.Interval)
	c.ConnectRetries = getEnvInt("OSQUERY_EXT_CONNECT_RETRIES", c.ConnectRetries)
	c.CallTimeout = getEnvDuration("OSQUERY_EXT_CALL_TIMEOUT", c.CallTimeout)
	c.MaxFrameSize = getEnvInt("OSQUERY_EXT_MAX_FRAME_SIZE", c.MaxFrameSize)
	c.Transport = getEnv("OSQUERY_EXT_TRANSPORT", c.Transport)
	c.LogLevel = getEnv("OSQUERY_EXT_LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("OSQUERY_EXT_LOG_FORMAT", c.LogFormat)
	c.MetricsAddr = getEnv("OSQUERY_EXT_METRICS_ADDR", c.MetricsAddr)
	c.ConfigSource = getEnv("OSQUERY_EXT_CONFIG_SOURCE", c.ConfigSource)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Socket == "" {
		return fmt.Errorf("socket path is required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", c.Interval)
	}
	if c.ConnectRetries < 0 {
		return fmt.Errorf("connect_retries must not be negative")
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("call_timeout must not be negative")
	}
	if c.MaxFrameSize <= 0 {
		return fmt.Errorf("max_frame_size must be positive")
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	switch strings.ToLower(c.Transport) {
	case "framed", "unframed":
	default:
		return fmt.Errorf("transport must be framed or unframed, got %q", c.Transport)
	}
	return nil
}

// getEnv returns an environment variable or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default. Bare
// integers are seconds, the unit osqueryd uses for its extension flags.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
