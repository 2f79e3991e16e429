package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "extension.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
socket: /tmp/osquery.em
timeout: 5s
interval: 1500ms
connect_retries: 2
log_level: debug
log_format: json
metrics_addr: 127.0.0.1:9102
config_source: /etc/osquery/ext.yaml
transport: unframed
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/osquery.em", cfg.Socket)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.Interval)
	assert.Equal(t, 2, cfg.ConnectRetries)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "127.0.0.1:9102", cfg.MetricsAddr)
	assert.Equal(t, "/etc/osquery/ext.yaml", cfg.ConfigSource)
	assert.Equal(t, "unframed", cfg.Transport)
	assert.Equal(t, Default().MaxFrameSize, cfg.MaxFrameSize)
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := Load(writeFile(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_UnknownField(t *testing.T) {
	_, err := Load(writeFile(t, "sockt: /tmp/x\n"))
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("OSQUERY_EXT_SOCKET", "/run/osquery.em")
	t.Setenv("OSQUERY_EXT_TIMEOUT", "7")
	t.Setenv("OSQUERY_EXT_INTERVAL", "250ms")
	t.Setenv("OSQUERY_EXT_CONNECT_RETRIES", "not a number")
	t.Setenv("OSQUERY_EXT_LOG_FORMAT", "json")
	t.Setenv("OSQUERY_EXT_TRANSPORT", "unframed")

	cfg, err := Load(writeFile(t, "socket: /tmp/file.em\n"))
	require.NoError(t, err)
	assert.Equal(t, "/run/osquery.em", cfg.Socket)
	assert.Equal(t, 7*time.Second, cfg.Timeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Interval)
	assert.Equal(t, Default().ConnectRetries, cfg.ConnectRetries)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "unframed", cfg.Transport)
}

func TestLoad_LeavesValidationToCaller(t *testing.T) {
	t.Setenv("OSQUERY_EXT_TIMEOUT", "0")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Zero(t, cfg.Timeout)
	assert.Error(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty socket", func(c *Config) { c.Socket = "" }},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }},
		{"negative interval", func(c *Config) { c.Interval = -time.Second }},
		{"negative retries", func(c *Config) { c.ConnectRetries = -1 }},
		{"negative call timeout", func(c *Config) { c.CallTimeout = -1 }},
		{"zero frame size", func(c *Config) { c.MaxFrameSize = 0 }},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }},
		{"bad transport", func(c *Config) { c.Transport = "http" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Default()
	cfg.LogLevel = "warn"
	cfg.LogFormat = "json"

	logger, err := cfg.NewLogger(&buf)
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())

	logger.Info("hidden")
	logger.WithField("ext_uuid", 3).Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"ext_uuid":3`)

	cfg.LogLevel = "loud"
	_, err = cfg.NewLogger(&buf)
	assert.Error(t, err)
}
