package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roboricindustries/raycon-realtime/pkg/debounce"
	"github.com/roboricindustries/raycon-realtime/pkg/realtime"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func validConfig() *Config {
	cfg := Default()
	cfg.Transport.URL = "wss://crm.example.com/realtime"
	cfg.API.BaseURL = "https://crm.example.com/api"
	cfg.Session.Token = "tok"
	return cfg
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeConfig(t, `
transport:
  kind: amqp
  url: amqp://broker:5672/
  username: agent
debounce:
  window: 200ms
  policy: fixed
reconnect:
  backoff: exponential
  max_attempts: 8
api:
  base_url: https://crm.example.com/api
session:
  token: from-file
`)
	t.Setenv("RECONNECT_MAX_ATTEMPTS", "2")
	t.Setenv("SESSION_TOKEN", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "amqp", cfg.Transport.Kind)
	require.Equal(t, "agent", cfg.Transport.Username)
	require.Equal(t, 200*time.Millisecond, cfg.Debounce.Window)
	require.Equal(t, time.Second, cfg.Debounce.BulkWindow, "defaults survive a partial file")
	require.Equal(t, 2, cfg.Reconnect.MaxAttempts, "env wins over file")
	require.Equal(t, "from-env", cfg.Session.Token)
	require.Equal(t, "lead", cfg.Session.TrackedKind)

	b := cfg.Reconnect.BackoffPolicy()
	require.Equal(t, realtime.BackoffExponential, b.Kind)
	require.Equal(t, 2*time.Second, b.Delay)
	require.Equal(t, debounce.Windows{Short: 200 * time.Millisecond, Bulk: time.Second, Presence: 300 * time.Millisecond}, cfg.Debounce.Windows())
}

func TestLoad_EnvOnly(t *testing.T) {
	t.Setenv("REALTIME_URL", "wss://crm.example.com/realtime")
	t.Setenv("API_BASE_URL", "https://crm.example.com/api")
	t.Setenv("SESSION_TOKEN", "tok")
	t.Setenv("DEBOUNCE_BULK_WINDOW", "2s")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "ws", cfg.Transport.Kind)
	require.Equal(t, 2*time.Second, cfg.Debounce.BulkWindow)
	require.Equal(t, 5, cfg.Reconnect.MaxAttempts)
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "transport:\n  kind: ws\n  flavour: spicy\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown transport", func(c *Config) { c.Transport.Kind = "carrier-pigeon" }},
		{"missing url", func(c *Config) { c.Transport.URL = "" }},
		{"zero window", func(c *Config) { c.Debounce.PresenceWindow = 0 }},
		{"bad policy", func(c *Config) { c.Debounce.Policy = "leaky" }},
		{"zero attempts", func(c *Config) { c.Reconnect.MaxAttempts = 0 }},
		{"zero delay", func(c *Config) { c.Reconnect.Delay = 0 }},
		{"bad backoff", func(c *Config) { c.Reconnect.Backoff = "linear" }},
		{"cap below delay", func(c *Config) { c.Reconnect.MaxDelay = time.Second }},
		{"jitter out of range", func(c *Config) { c.Reconnect.JitterPercent = 150 }},
		{"missing api", func(c *Config) { c.API.BaseURL = "" }},
		{"negative retries", func(c *Config) { c.API.SnapshotRetries = -1 }},
		{"missing token", func(c *Config) { c.Session.Token = "" }},
		{"bad level", func(c *Config) { c.Logger.Level = "chatty" }},
		{"bad format", func(c *Config) { c.Logger.Format = "xml" }},
		{"telemetry without name", func(c *Config) { c.Telemetry.Enabled = true; c.Telemetry.ServiceName = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	LoggerConfig{Level: "warn", Format: "text"}.NewLogger(&buf).Info("hidden")
	require.Empty(t, buf.String())

	LoggerConfig{Level: "debug", Format: "json"}.NewLogger(&buf).Debug("shown", "k", "v")
	require.True(t, strings.HasPrefix(buf.String(), "{"))
	require.Contains(t, buf.String(), `"k":"v"`)
}
