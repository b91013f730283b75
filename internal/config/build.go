package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ppiankov/callwarden/internal/audit"
	"github.com/ppiankov/callwarden/internal/contract"
	"github.com/ppiankov/callwarden/internal/model"
	"github.com/ppiankov/callwarden/internal/redact"
	"github.com/ppiankov/callwarden/internal/session"
)

// TemplatePrefix marks a built-in bundle in Config.Bundle.
const TemplatePrefix = "template:"

// LoadBundle compiles the configured bundle.
func (c *Config) LoadBundle() (*contract.Bundle, error) {
	if c.Bundle == "" {
		return nil, fmt.Errorf("no bundle configured")
	}
	return LoadBundle(c.Bundle)
}

// LoadBundle compiles a bundle file, or a built-in template when ref is
// "template:<name>".
func LoadBundle(ref string) (*contract.Bundle, error) {
	if name, ok := strings.CutPrefix(ref, TemplatePrefix); ok {
		return contract.LoadTemplate(name)
	}
	return contract.CompileFile(ref)
}

// BundleFile returns the bundle path to watch, or "" for templates.
func (c *Config) BundleFile() string {
	if strings.HasPrefix(c.Bundle, TemplatePrefix) {
		return ""
	}
	return c.Bundle
}

// OpenBackend opens the configured session store.
func (c *Config) OpenBackend(logger *slog.Logger) (session.Backend, error) {
	s := c.Session
	switch s.Backend {
	case "", BackendMemory:
		return session.NewMemoryBackend(), nil
	case BackendSQLite:
		return session.NewSQLiteBackend(session.SQLiteConfig{
			Path:            s.SQLitePath,
			IdleTTL:         s.IdleTTL,
			CleanupSchedule: s.CleanupSchedule,
			Logger:          logger,
		})
	case BackendRedis:
		return session.NewRedisBackend(session.RedisConfig{
			Addr:     s.RedisAddr,
			Password: s.RedisPassword,
			DB:       s.RedisDB,
			Prefix:   s.RedisPrefix,
			TTL:      s.RedisTTL,
		}), nil
	}
	return nil, fmt.Errorf("unknown session backend %q", s.Backend)
}

// Redactor builds the redactor for audit events.
func (c *Config) Redactor() (*redact.Redactor, error) {
	return redact.New(&c.Redact)
}

// OpenSink opens every configured audit sink. With none configured the
// console sink on stderr is used.
func (c *Config) OpenSink(logger *slog.Logger) (audit.Sink, error) {
	var sinks audit.MultiSink
	if c.Audit.File != "" {
		f, err := audit.OpenFile(c.Audit.File)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, f)
	}
	if w := c.Audit.Webhook; w != nil {
		hook, err := audit.NewWebhookSink(audit.WebhookConfig{
			URL:           w.URL,
			Headers:       w.Headers,
			MaxAttempts:   w.MaxAttempts,
			RatePerSecond: w.RatePerSecond,
			Burst:         w.Burst,
			Logger:        logger,
		})
		if err != nil {
			_ = sinks.Close()
			return nil, err
		}
		sinks = append(sinks, hook)
	}
	if c.Audit.Console || len(sinks) == 0 {
		sinks = append(sinks, audit.NewConsoleSink(os.Stderr))
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sinks, nil
}

// ToolRegistry returns the defaults overlaid with the configured tools.
func (c *Config) ToolRegistry() *model.ToolRegistry {
	r := model.NewToolRegistry()
	for tool, se := range c.Tools {
		r.Register(tool, se)
	}
	r.RegisterDefaults()
	return r
}

// Logger builds a slog logger from log_level and log_format.
func (c *Config) Logger() *slog.Logger {
	return NewLogger(os.Stderr, c.LogLevel, c.LogFormat)
}
