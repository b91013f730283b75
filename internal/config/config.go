// Package config loads the runtime configuration used by serve and mcp.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/callwarden/internal/model"
	"github.com/ppiankov/callwarden/internal/redact"
)

// Session backend names.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config is the runtime configuration.
type Config struct {
	// Bundle is the contract bundle path or a built-in template name
	// prefixed with "template:".
	Bundle        string `yaml:"bundle"`
	Environment   string `yaml:"environment"`
	Listen        string `yaml:"listen"`
	MetricsListen string `yaml:"metrics_listen"`
	// Watch reloads the bundle when its file changes.
	Watch bool `yaml:"watch"`

	Session SessionConfig `yaml:"session"`
	Audit   AuditConfig   `yaml:"audit"`
	Redact  redact.Config `yaml:"redact"`
	Auth    AuthConfig    `yaml:"auth"`
	Tracing TracingConfig `yaml:"tracing"`

	// Tools classifies tools by side effect, on top of the defaults.
	Tools map[string]model.SideEffect `yaml:"tools"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// SessionConfig selects and configures the session counter store.
type SessionConfig struct {
	Backend string `yaml:"backend"`

	SQLitePath      string        `yaml:"sqlite_path"`
	IdleTTL         time.Duration `yaml:"idle_ttl"`
	CleanupSchedule string        `yaml:"cleanup_schedule"`

	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	RedisPrefix   string        `yaml:"redis_prefix"`
	RedisTTL      time.Duration `yaml:"redis_ttl"`
}

// AuditConfig lists the sinks audit events are written to.
type AuditConfig struct {
	Console   bool           `yaml:"console"`
	File      string         `yaml:"file"`
	Webhook   *WebhookConfig `yaml:"webhook"`
	QueueSize int            `yaml:"queue_size"`
}

// WebhookConfig configures the HTTP audit sink.
type WebhookConfig struct {
	URL           string            `yaml:"url"`
	Headers       map[string]string `yaml:"headers"`
	MaxAttempts   int               `yaml:"max_attempts"`
	RatePerSecond float64           `yaml:"rate_per_second"`
	Burst         int               `yaml:"burst"`
}

// AuthConfig configures principal extraction from bearer JWTs.
type AuthConfig struct {
	// JWTSecretEnv names the environment variable holding the HMAC key.
	JWTSecretEnv string `yaml:"jwt_secret_env"`
	Issuer       string `yaml:"issuer"`
	Audience     string `yaml:"audience"`
	// Required rejects calls without a valid token.
	Required bool `yaml:"required"`
}

// TracingConfig configures span sampling.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sample_rate"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Listen:        "127.0.0.1:7443",
		MetricsListen: "127.0.0.1:9464",
		Session:       SessionConfig{Backend: BackendMemory},
		Audit:         AuditConfig{Console: true, QueueSize: 1024},
		Tracing:       TracingConfig{SampleRate: 1},
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

// DefaultPath returns ~/.callwarden/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".callwarden", "config.yaml")
}

// Load reads the config at path. If path is empty it tries the
// CALLWARDEN_CONFIG env var, then ~/.callwarden/config.yaml, and falls
// back to Default when neither exists. An explicit path must exist.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = os.Getenv("CALLWARDEN_CONFIG")
		explicit = path != ""
	}
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	switch c.Session.Backend {
	case "", BackendMemory:
	case BackendSQLite:
		if c.Session.SQLitePath == "" {
			errs = append(errs, errors.New("session.sqlite_path is required for the sqlite backend"))
		}
	case BackendRedis:
		if c.Session.RedisAddr == "" {
			errs = append(errs, errors.New("session.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("session.backend %q: want memory, sqlite or redis", c.Session.Backend))
	}
	if c.Audit.Webhook != nil && c.Audit.Webhook.URL == "" {
		errs = append(errs, errors.New("audit.webhook.url is required"))
	}
	if c.Audit.QueueSize < 0 {
		errs = append(errs, errors.New("audit.queue_size must not be negative"))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_rate %v: want 0..1", c.Tracing.SampleRate))
	}
	for tool, se := range c.Tools {
		if !se.Valid() {
			errs = append(errs, fmt.Errorf("tools.%s: unknown side effect %q", tool, se))
		}
	}
	if c.Auth.Required && c.Auth.JWTSecretEnv == "" {
		errs = append(errs, errors.New("auth.required needs auth.jwt_secret_env"))
	}
	if err := c.Redact.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("redact: %w", err))
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q: want text or json", c.LogFormat))
	}
	return errors.Join(errs...)
}

// JWTSecret returns the HMAC key named by auth.jwt_secret_env, or nil.
func (c *Config) JWTSecret() []byte {
	if c.Auth.JWTSecretEnv == "" {
		return nil
	}
	v := os.Getenv(c.Auth.JWTSecretEnv)
	if v == "" {
		return nil
	}
	return []byte(v)
}
