package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fieldsync/internal/priority"
)

// Config models fieldsync.yml.
type Config struct {
	Server struct {
		Addr        string   `yaml:"addr"`
		BasePath    string   `yaml:"base_path"`
		CORSOrigins []string `yaml:"cors_origins"`
		Compress    bool     `yaml:"compress"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret       string `yaml:"jwt_secret"`
		AllowUserHeader bool   `yaml:"allow_user_header"`
	} `yaml:"auth"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Sweeper  struct {
		Enabled    bool          `yaml:"enabled"`
		Interval   time.Duration `yaml:"interval"`
		StaleAfter time.Duration `yaml:"stale_after"`
	} `yaml:"sweeper"`
	Journal struct {
		Enabled     bool     `yaml:"enabled"`
		Scope       string   `yaml:"scope"`
		EntityTypes []string `yaml:"entity_types"`
	} `yaml:"journal"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Logging  struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// DispatchConfig bounds handler invocation and retry.
type DispatchConfig struct {
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	Parallelism    int           `yaml:"parallelism"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	MaxBatchItems  int           `yaml:"max_batch_items"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fsync config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("server.base_path must start with /")
	}
	for _, o := range c.Server.CORSOrigins {
		if strings.TrimSpace(o) == "" {
			return fmt.Errorf("server.cors_origins contains an empty origin")
		}
	}
	d := c.Dispatch
	if d.HandlerTimeout <= 0 {
		return fmt.Errorf("dispatch.handler_timeout must be positive")
	}
	if d.Parallelism < 1 {
		return fmt.Errorf("dispatch.parallelism must be at least 1")
	}
	if d.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be at least 1")
	}
	if d.BackoffBase <= 0 || d.BackoffMax < d.BackoffBase {
		return fmt.Errorf("dispatch.backoff_base must be positive and not exceed dispatch.backoff_max")
	}
	if d.MaxBatchItems < 1 {
		return fmt.Errorf("dispatch.max_batch_items must be at least 1")
	}
	if c.Sweeper.Enabled {
		if c.Sweeper.Interval <= 0 {
			return fmt.Errorf("sweeper.interval must be positive")
		}
		if c.Sweeper.StaleAfter <= d.HandlerTimeout {
			return fmt.Errorf("sweeper.stale_after must exceed dispatch.handler_timeout")
		}
	}
	switch c.Journal.Scope {
	case "user", "global":
	default:
		return fmt.Errorf("journal.scope must be user or global")
	}
	for _, t := range c.Journal.EntityTypes {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("journal.entity_types contains an empty type")
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}
	return nil
}

// ParseLevel maps a config level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", level)
}

// JournalTypes returns the normalized entity types served by the built-in journal.
func (c *Config) JournalTypes() []string {
	types := c.Journal.EntityTypes
	if len(types) == 0 {
		types = priority.KnownTypes()
	}
	out := make([]string, 0, len(types))
	seen := map[string]bool{}
	for _, t := range types {
		n := priority.Normalize(t)
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fieldsync.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1
  # browser clients; "*" allows any origin
  cors_origins: []
  # gzip responses for clients sending Accept-Encoding: gzip
  compress: true

auth:
  # prefer FIELDSYNC_JWT_SECRET over committing a secret here
  jwt_secret: ""
  allow_user_header: false

dispatch:
  handler_timeout: 30s
  parallelism: 1
  max_attempts: 5
  backoff_base: 1m
  backoff_max: 1h
  max_batch_items: 500

sweeper:
  enabled: true
  interval: 1m
  stale_after: 5m

journal:
  enabled: true
  scope: user
  entity_types: []

webhooks: []

logging:
  level: info
  format: text
`
