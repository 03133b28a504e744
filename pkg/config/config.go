package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/roboricindustries/raycon-realtime/pkg/debounce"
	"github.com/roboricindustries/raycon-realtime/pkg/realtime"
)

// Config represents the application configuration
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Debounce  DebounceConfig  `yaml:"debounce"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	API       APIConfig       `yaml:"api"`
	Session   SessionConfig   `yaml:"session"`
	Logger    LoggerConfig    `yaml:"logger"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// TransportConfig selects and addresses the push channel
type TransportConfig struct {
	Kind          string `yaml:"kind" envconfig:"REALTIME_TRANSPORT"`
	URL           string `yaml:"url" envconfig:"REALTIME_URL"`
	Exchange      string `yaml:"exchange" envconfig:"REALTIME_AMQP_EXCHANGE"`
	Username      string `yaml:"username" envconfig:"REALTIME_AMQP_USERNAME"`
	SubjectPrefix string `yaml:"subject_prefix" envconfig:"REALTIME_NATS_SUBJECT_PREFIX"`
}

// DebounceConfig holds the per-class coalescing windows
type DebounceConfig struct {
	Window         time.Duration `yaml:"window" envconfig:"DEBOUNCE_WINDOW"`
	BulkWindow     time.Duration `yaml:"bulk_window" envconfig:"DEBOUNCE_BULK_WINDOW"`
	PresenceWindow time.Duration `yaml:"presence_window" envconfig:"DEBOUNCE_PRESENCE_WINDOW"`
	Policy         string        `yaml:"policy" envconfig:"DEBOUNCE_POLICY"` // sliding or fixed
}

// ReconnectConfig bounds the connection manager's retry loop
type ReconnectConfig struct {
	MaxAttempts   int           `yaml:"max_attempts" envconfig:"RECONNECT_MAX_ATTEMPTS"`
	Delay         time.Duration `yaml:"delay" envconfig:"RECONNECT_DELAY"`
	Backoff       string        `yaml:"backoff" envconfig:"RECONNECT_BACKOFF"` // fixed or exponential
	MaxDelay      time.Duration `yaml:"max_delay" envconfig:"RECONNECT_MAX_DELAY"`
	JitterPercent int           `yaml:"jitter_percent" envconfig:"RECONNECT_JITTER_PERCENT"`
}

// APIConfig addresses the CRM REST API
type APIConfig struct {
	BaseURL         string        `yaml:"base_url" envconfig:"API_BASE_URL"`
	Timeout         time.Duration `yaml:"timeout" envconfig:"API_TIMEOUT"`
	SnapshotRetries int           `yaml:"snapshot_retries" envconfig:"API_SNAPSHOT_RETRIES"`
}

// SessionConfig identifies the signed-in user
type SessionConfig struct {
	TrackedKind string `yaml:"tracked_kind" envconfig:"SESSION_TRACKED_KIND"`
	UserID      string `yaml:"user_id" envconfig:"SESSION_USER_ID"`
	Token       string `yaml:"token" envconfig:"SESSION_TOKEN"`
}

// LoggerConfig represents logger configuration
type LoggerConfig struct {
	Level  string `yaml:"level" envconfig:"LOG_LEVEL"`
	Format string `yaml:"format" envconfig:"LOG_FORMAT"` // json or text
}

// TelemetryConfig controls OpenTelemetry trace and metric export
type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled" envconfig:"OTEL_ENABLED"`
	ServiceName    string        `yaml:"service_name" envconfig:"OTEL_SERVICE_NAME"`
	Endpoint       string        `yaml:"endpoint" envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ExportInterval time.Duration `yaml:"export_interval" envconfig:"OTEL_METRIC_EXPORT_INTERVAL"`
}

// Default returns the configuration used when neither file nor environment set a value.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{Kind: "ws"},
		Debounce: DebounceConfig{
			Window:         debounce.DefaultWindows.Short,
			BulkWindow:     debounce.DefaultWindows.Bulk,
			PresenceWindow: debounce.DefaultWindows.Presence,
			Policy:         "sliding",
		},
		Reconnect: ReconnectConfig{
			MaxAttempts: realtime.DefaultMaxAttempts,
			Delay:       realtime.DefaultRetryDelay,
			Backoff:     "fixed",
			MaxDelay:    realtime.DefaultMaxDelay,
		},
		API: APIConfig{
			Timeout:         10 * time.Second,
			SnapshotRetries: 3,
		},
		Session:   SessionConfig{TrackedKind: "lead"},
		Logger:    LoggerConfig{Level: "info", Format: "json"},
		Telemetry: TelemetryConfig{ServiceName: "realtime-sync", ExportInterval: 15 * time.Second},
	}
}

// Load layers defaults, then the YAML file if given, then environment variables.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := loadFromFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// no default tags, so unset variables leave file values alone
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true) // Strict parsing

	if err := decoder.Decode(cfg); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case "ws", "nats", "amqp":
	default:
		return fmt.Errorf("unknown transport kind %q", c.Transport.Kind)
	}
	if c.Transport.URL == "" {
		return fmt.Errorf("transport url is required")
	}

	if c.Debounce.Window <= 0 || c.Debounce.BulkWindow <= 0 || c.Debounce.PresenceWindow <= 0 {
		return fmt.Errorf("debounce windows must be positive")
	}
	if _, err := debounce.ParsePolicy(c.Debounce.Policy); err != nil {
		return err
	}

	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("reconnect max_attempts must be positive: %d", c.Reconnect.MaxAttempts)
	}
	if c.Reconnect.Delay <= 0 {
		return fmt.Errorf("reconnect delay must be positive")
	}
	if _, err := realtime.ParseBackoffKind(c.Reconnect.Backoff); err != nil {
		return err
	}
	if c.Reconnect.MaxDelay < c.Reconnect.Delay {
		return fmt.Errorf("reconnect max_delay %s is below delay %s", c.Reconnect.MaxDelay, c.Reconnect.Delay)
	}
	if c.Reconnect.JitterPercent < 0 || c.Reconnect.JitterPercent > 100 {
		return fmt.Errorf("reconnect jitter_percent out of range: %d", c.Reconnect.JitterPercent)
	}

	if c.API.BaseURL == "" {
		return fmt.Errorf("api base_url is required")
	}
	if c.API.SnapshotRetries < 0 {
		return fmt.Errorf("api snapshot_retries must not be negative")
	}

	if c.Session.Token == "" {
		return fmt.Errorf("session token is required")
	}

	if _, err := parseLevel(c.Logger.Level); err != nil {
		return err
	}
	if f := strings.ToLower(c.Logger.Format); f != "json" && f != "text" {
		return fmt.Errorf("unknown log format %q", c.Logger.Format)
	}

	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry service_name is required when telemetry is enabled")
	}
	return nil
}

func (c DebounceConfig) Windows() debounce.Windows {
	return debounce.Windows{Short: c.Window, Bulk: c.BulkWindow, Presence: c.PresenceWindow}
}

func (c ReconnectConfig) BackoffPolicy() realtime.Backoff {
	kind, _ := realtime.ParseBackoffKind(c.Backoff)
	return realtime.Backoff{Kind: kind, Delay: c.Delay, MaxDelay: c.MaxDelay, JitterPercent: c.JitterPercent}
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// NewLogger builds the slog handler described by c.
func (c LoggerConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
