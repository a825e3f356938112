package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Forward  ForwardConfig  `yaml:"forward"`
	Queue    QueueConfig    `yaml:"queue"`
	Store    StoreConfig    `yaml:"store"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	// IntakeWaitTimeout bounds how long the intake handler waits for a
	// notification's resolution before answering 202.
	IntakeWaitTimeout Duration `yaml:"intake_wait_timeout"`
}

// AuthConfig contains intake authentication settings.
type AuthConfig struct {
	// APIKey protects the intake endpoint. Empty disables auth (the push
	// subscription endpoint may be protected at the network layer instead).
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// UpstreamConfig contains token-provider and change-source settings.
type UpstreamConfig struct {
	Mailbox      string   `yaml:"mailbox"`
	BaseURL      string   `yaml:"base_url"`
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"-"` // env-only, never in YAML
	RefreshToken string   `yaml:"-"` // env-only, never in YAML
	CallTimeout  Duration `yaml:"call_timeout"`
}

// ForwardConfig contains forward-sink settings.
type ForwardConfig struct {
	URL         string   `yaml:"url"`
	CallTimeout Duration `yaml:"call_timeout"`
	// RequiredTags is the qualification predicate: an item is forwarded
	// only if it currently carries every listed tag. Empty forwards all
	// added items.
	RequiredTags []string `yaml:"required_tags"`
}

// QueueConfig contains notification queue settings.
type QueueConfig struct {
	// MaxLength bounds the queue; 0 means unbounded.
	MaxLength int `yaml:"max_length"`
}

// StoreConfig contains cursor store settings.
type StoreConfig struct {
	// Path to the SQLite cursor database. Empty disables persistence;
	// cold start then derives the baseline from the change source.
	Path string `yaml:"path"`
}

// ArchiveConfig contains delivery-archive (S3-compatible) settings.
// An empty bucket disables archiving.
type ArchiveConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"-"` // env-only, never in YAML
	SecretKey string `yaml:"-"` // env-only, never in YAML
	UseSSL    *bool  `yaml:"use_ssl"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("MAILRELAY_CONFIG_PATH", "config/mailrelay.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              8080,
			ReadTimeout:       Duration(30 * time.Second),
			WriteTimeout:      Duration(30 * time.Second),
			ShutdownTimeout:   Duration(15 * time.Second),
			IntakeWaitTimeout: Duration(20 * time.Second),
		},
		Upstream: UpstreamConfig{
			CallTimeout: Duration(10 * time.Second),
		},
		Forward: ForwardConfig{
			CallTimeout: Duration(10 * time.Second),
		},
		Queue: QueueConfig{
			MaxLength: 1024,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("MAILRELAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("MAILRELAY_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = Duration(d)
		}
	}
	if v := os.Getenv("MAILRELAY_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("MAILRELAY_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}
	if v := os.Getenv("MAILRELAY_INTAKE_WAIT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.IntakeWaitTimeout = Duration(d)
		}
	}

	// Auth
	if v := os.Getenv("MAILRELAY_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Upstream
	if v := os.Getenv("MAILRELAY_MAILBOX"); v != "" {
		cfg.Upstream.Mailbox = v
	}
	if v := os.Getenv("MAILRELAY_UPSTREAM_BASE_URL"); v != "" {
		cfg.Upstream.BaseURL = v
	}
	if v := os.Getenv("MAILRELAY_TOKEN_URL"); v != "" {
		cfg.Upstream.TokenURL = v
	}
	if v := os.Getenv("MAILRELAY_CLIENT_ID"); v != "" {
		cfg.Upstream.ClientID = v
	}
	if v := os.Getenv("MAILRELAY_CLIENT_SECRET"); v != "" {
		cfg.Upstream.ClientSecret = v
	}
	if v := os.Getenv("MAILRELAY_REFRESH_TOKEN"); v != "" {
		cfg.Upstream.RefreshToken = v
	}
	if v := os.Getenv("MAILRELAY_UPSTREAM_CALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Upstream.CallTimeout = Duration(d)
		}
	}

	// Forward
	if v := os.Getenv("MAILRELAY_FORWARD_URL"); v != "" {
		cfg.Forward.URL = v
	}
	if v := os.Getenv("MAILRELAY_FORWARD_CALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Forward.CallTimeout = Duration(d)
		}
	}
	if v := os.Getenv("MAILRELAY_REQUIRED_TAGS"); v != "" {
		tags := strings.Split(v, ",")
		out := tags[:0]
		for _, t := range tags {
			if t = strings.TrimSpace(t); t != "" {
				out = append(out, t)
			}
		}
		cfg.Forward.RequiredTags = out
	}

	// Queue
	if v := os.Getenv("MAILRELAY_QUEUE_MAX_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxLength = n
		}
	}

	// Store
	if v := os.Getenv("MAILRELAY_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}

	// Archive
	if v := os.Getenv("MAILRELAY_ARCHIVE_ENDPOINT"); v != "" {
		cfg.Archive.Endpoint = v
	}
	if v := os.Getenv("MAILRELAY_ARCHIVE_REGION"); v != "" {
		cfg.Archive.Region = v
	}
	if v := os.Getenv("MAILRELAY_ARCHIVE_BUCKET"); v != "" {
		cfg.Archive.Bucket = v
	}
	if v := os.Getenv("MAILRELAY_ARCHIVE_ACCESS_KEY"); v != "" {
		cfg.Archive.AccessKey = v
	}
	if v := os.Getenv("MAILRELAY_ARCHIVE_SECRET_KEY"); v != "" {
		cfg.Archive.SecretKey = v
	}

	// Log
	if v := os.Getenv("MAILRELAY_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("MAILRELAY_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks the configuration for invalid values.
func (c *Config) validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.IntakeWaitTimeout <= 0 {
		errs = append(errs, errors.New("server.intake_wait_timeout must be positive"))
	}
	if c.Upstream.Mailbox == "" {
		errs = append(errs, errors.New("upstream.mailbox is required"))
	}
	if err := validateURL("upstream.base_url", c.Upstream.BaseURL); err != nil {
		errs = append(errs, err)
	}
	if err := validateURL("upstream.token_url", c.Upstream.TokenURL); err != nil {
		errs = append(errs, err)
	}
	if c.Upstream.ClientID == "" {
		errs = append(errs, errors.New("upstream.client_id is required"))
	}
	if c.Upstream.CallTimeout <= 0 {
		errs = append(errs, errors.New("upstream.call_timeout must be positive"))
	}
	if err := validateURL("forward.url", c.Forward.URL); err != nil {
		errs = append(errs, err)
	}
	if c.Forward.CallTimeout <= 0 {
		errs = append(errs, errors.New("forward.call_timeout must be positive"))
	}
	if c.Queue.MaxLength < 0 {
		errs = append(errs, fmt.Errorf("queue.max_length must not be negative, got %d", c.Queue.MaxLength))
	}
	if c.Archive.Bucket != "" && c.Archive.Endpoint == "" {
		errs = append(errs, errors.New("archive.endpoint is required when archive.bucket is set"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level))
	}

	return errors.Join(errs...)
}

func validateURL(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(value)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", field, value)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
