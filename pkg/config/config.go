// Package config loads the log bridge configuration from YAML files and
// HEADLESSLOGS_* environment variables.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/odvcencio/headlesslogs/pkg/errors"
)

const (
	// MinSecretLength is the minimum length of the session signing secret.
	MinSecretLength = 32
)

// Default configuration values exported for documentation and validation
const (
	DefaultBind                 = "127.0.0.1:4490"
	DefaultMaxConcurrentStreams = 256
	DefaultStreamOpenRate       = 5.0
	DefaultStreamOpenBurst      = 10
	DefaultShutdownTimeout      = 10 * time.Second
	DefaultWSPingInterval       = 30 * time.Second
	DefaultJanitorInterval      = 10 * time.Minute
	DefaultSessionTTL           = 24 * time.Hour
	DefaultAuthCodeTTL          = 5 * time.Minute
	DefaultIssuer               = "headlesslogs"
	DefaultQueryTimeout         = 5 * time.Second
	DefaultSupervisorAPIPath    = "/_supervisor/v1/ws"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "json"
	DefaultServiceName          = "headlesslogs"
	DefaultNATSURL              = "nats://127.0.0.1:4222"
	DefaultSubjectPrefix        = "headlesslogs"
)

var defaultHosts = []string{"github.com", "gitlab.com", "bitbucket.org"}

// Config represents the complete bridge configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	Storage    StorageConfig    `yaml:"storage"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Notify     NotifyConfig     `yaml:"notify"`

	// Hosts are the source-control hosts whose repositories can carry
	// delegated headless-log grants.
	Hosts []string `yaml:"hosts"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Bind                 string        `yaml:"bind"`
	AllowedOrigins       []string      `yaml:"allowed_origins"`
	PublicMetrics        bool          `yaml:"public_metrics"`
	MaxConcurrentStreams int           `yaml:"max_concurrent_streams"`
	StreamOpenRate       float64       `yaml:"stream_open_rate"` // per principal, per second
	StreamOpenBurst      int           `yaml:"stream_open_burst"`
	ShutdownTimeout      time.Duration `yaml:"shutdown_timeout"`
	WSPingInterval       time.Duration `yaml:"ws_ping_interval"`
	JanitorInterval      time.Duration `yaml:"janitor_interval"`
}

// AuthConfig controls session tokens and the CLI login flow.
type AuthConfig struct {
	Secret      string        `yaml:"secret"`
	Issuer      string        `yaml:"issuer"`
	SessionTTL  time.Duration `yaml:"session_ttl"`
	AuthCodeTTL time.Duration `yaml:"auth_code_ttl"`
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// SupervisorConfig controls calls into the in-workspace agent.
type SupervisorConfig struct {
	QueryTimeout time.Duration `yaml:"query_timeout"`
	APIPath      string        `yaml:"api_path"`
}

// LoggingConfig selects the log level and handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`

	// Output is "stdout" or a file path spans are appended to.
	Output string `yaml:"output"`
}

// NotifyConfig controls stream lifecycle event publishing.
type NotifyConfig struct {
	Enabled bool       `yaml:"enabled"`
	NATS    NATSConfig `yaml:"nats"`

	// SlackWebhookURL, when set, receives failed-stream alerts.
	SlackWebhookURL string `yaml:"slack_webhook_url"`
	SlackChannel    string `yaml:"slack_channel"`
}

// NATSConfig contains NATS connection settings.
type NATSConfig struct {
	URL            string        `yaml:"url"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Token          string        `yaml:"token"`
	SubjectPrefix  string        `yaml:"subject_prefix"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// DefaultConfig returns a configuration with every field at its default.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Bind:                 DefaultBind,
			MaxConcurrentStreams: DefaultMaxConcurrentStreams,
			StreamOpenRate:       DefaultStreamOpenRate,
			StreamOpenBurst:      DefaultStreamOpenBurst,
			ShutdownTimeout:      DefaultShutdownTimeout,
			WSPingInterval:       DefaultWSPingInterval,
			JanitorInterval:      DefaultJanitorInterval,
		},
		Auth: AuthConfig{
			Issuer:      DefaultIssuer,
			SessionTTL:  DefaultSessionTTL,
			AuthCodeTTL: DefaultAuthCodeTTL,
		},
		Storage: StorageConfig{
			Path: defaultStoragePath(),
		},
		Supervisor: SupervisorConfig{
			QueryTimeout: DefaultQueryTimeout,
			APIPath:      DefaultSupervisorAPIPath,
		},
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Tracing: TracingConfig{
			ServiceName: DefaultServiceName,
			Output:      "stdout",
		},
		Notify: NotifyConfig{
			NATS: NATSConfig{
				URL:            DefaultNATSURL,
				SubjectPrefix:  DefaultSubjectPrefix,
				ConnectTimeout: 5 * time.Second,
			},
		},
		Hosts: append([]string(nil), defaultHosts...),
	}
}

// Load loads configuration from ~/.headlesslogs/config.yaml (when present)
// and the environment.
func Load() (*Config, error) {
	cfg := DefaultConfig()
	configEnv := loadConfigEnvVars()

	if dir := configDir(); dir != "" {
		userConfigPath := filepath.Join(dir, "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeConfigLoad, "loading user config").
				WithContext("path", userConfigPath)
		}
	}

	applyEnvOverrides(cfg, configEnv)
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeConfigInvalid, "config validation")
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()
	configEnv := loadConfigEnvVars()

	if err := loadAndMerge(cfg, path); err != nil {
		code := apperrors.ErrCodeConfigParse
		if os.IsNotExist(err) {
			code = apperrors.ErrCodeConfigLoad
		}
		return nil, apperrors.Wrap(err, code, fmt.Sprintf("loading config from %s", path))
	}

	applyEnvOverrides(cfg, configEnv)
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeConfigInvalid, "config validation")
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides. configEnv holds
// values from ~/.headlesslogs/config.env and only fills the secret.
func applyEnvOverrides(cfg *Config, configEnv map[string]string) {
	if v := os.Getenv("HEADLESSLOGS_BIND"); v != "" {
		cfg.Server.Bind = v
	}
	if v, ok := envBool("HEADLESSLOGS_PUBLIC_METRICS"); ok {
		cfg.Server.PublicMetrics = v
	}
	if v := strings.TrimSpace(os.Getenv("HEADLESSLOGS_MAX_STREAMS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Server.MaxConcurrentStreams = n
		}
	}

	if v := os.Getenv("HEADLESSLOGS_AUTH_SECRET"); v != "" {
		cfg.Auth.Secret = v
	} else if cfg.Auth.Secret == "" {
		if v := configEnv["HEADLESSLOGS_AUTH_SECRET"]; v != "" {
			cfg.Auth.Secret = v
		}
	}
	if v := strings.TrimSpace(os.Getenv("HEADLESSLOGS_SESSION_TTL")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Auth.SessionTTL = d
		}
	}

	if v := os.Getenv("HEADLESSLOGS_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}

	if v := strings.TrimSpace(os.Getenv("HEADLESSLOGS_SUPERVISOR_QUERY_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Supervisor.QueryTimeout = d
		}
	}

	if v := os.Getenv("HEADLESSLOGS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("HEADLESSLOGS_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	if v, ok := envBool("HEADLESSLOGS_TRACING_ENABLED"); ok {
		cfg.Tracing.Enabled = v
	}

	if v, ok := envBool("HEADLESSLOGS_NOTIFY_ENABLED"); ok {
		cfg.Notify.Enabled = v
	}
	if v := os.Getenv("HEADLESSLOGS_NATS_URL"); v != "" {
		cfg.Notify.NATS.URL = v
	}
	if v := os.Getenv("HEADLESSLOGS_NATS_TOKEN"); v != "" {
		cfg.Notify.NATS.Token = v
	}
	if v := os.Getenv("HEADLESSLOGS_SLACK_WEBHOOK_URL"); v != "" {
		cfg.Notify.SlackWebhookURL = v
	}

	if v := strings.TrimSpace(os.Getenv("HEADLESSLOGS_HOSTS")); v != "" {
		cfg.Hosts = splitList(v)
	}
}

func (c *Config) normalize() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Storage.Path = expandHomeDir(c.Storage.Path)

	hosts := make([]string, 0, len(c.Hosts))
	seen := make(map[string]bool, len(c.Hosts))
	for _, h := range c.Hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		hosts = append(hosts, h)
	}
	c.Hosts = hosts
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Bind) == "" {
		return fmt.Errorf("server.bind cannot be empty")
	}
	if _, _, err := net.SplitHostPort(c.Server.Bind); err != nil {
		return fmt.Errorf("server.bind %q: %w", c.Server.Bind, err)
	}
	if c.Server.MaxConcurrentStreams < 0 {
		return fmt.Errorf("server.max_concurrent_streams must be >= 0, got %d", c.Server.MaxConcurrentStreams)
	}
	if c.Server.StreamOpenRate < 0 {
		return fmt.Errorf("server.stream_open_rate must be >= 0, got %f", c.Server.StreamOpenRate)
	}
	if c.Server.StreamOpenRate > 0 && c.Server.StreamOpenBurst < 1 {
		return fmt.Errorf("server.stream_open_burst must be >= 1 when a rate is set")
	}

	if c.Auth.Secret != "" && len(c.Auth.Secret) < MinSecretLength {
		return fmt.Errorf("auth.secret must be at least %d characters", MinSecretLength)
	}
	if c.Auth.SessionTTL <= 0 {
		return fmt.Errorf("auth.session_ttl must be positive")
	}
	if c.Auth.AuthCodeTTL <= 0 {
		return fmt.Errorf("auth.auth_code_ttl must be positive")
	}

	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path cannot be empty")
	}

	if c.Supervisor.QueryTimeout <= 0 {
		return fmt.Errorf("supervisor.query_timeout must be positive")
	}
	if !strings.HasPrefix(c.Supervisor.APIPath, "/") {
		return fmt.Errorf("supervisor.api_path must start with /, got %q", c.Supervisor.APIPath)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn or error)", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Notify.Enabled && strings.TrimSpace(c.Notify.NATS.URL) == "" {
		return fmt.Errorf("notify.nats.url is required when notify is enabled")
	}
	return nil
}

// ValidationWarnings returns non-fatal warnings about the configuration.
func (c *Config) ValidationWarnings() []string {
	var warnings []string
	if c.Auth.Secret == "" {
		warnings = append(warnings, "auth.secret is empty: the server cannot issue or verify sessions")
	}
	if !isLoopbackBindAddress(c.Server.Bind) && c.Server.PublicMetrics {
		warnings = append(warnings, fmt.Sprintf("server.public_metrics exposes /metrics on non-loopback bind %s", c.Server.Bind))
	}
	if len(c.Hosts) == 0 {
		warnings = append(warnings, "no hosts configured: only workspace owners can read headless logs")
	}
	return warnings
}

func envBool(key string) (bool, bool) {
	val := os.Getenv(key)
	if val == "" {
		return false, false
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func isLoopbackBindAddress(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return false
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func loadConfigEnvVars() map[string]string {
	dir := configDir()
	if dir == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.env"))
	if err != nil {
		return nil
	}

	vars := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		vars[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	return vars
}
