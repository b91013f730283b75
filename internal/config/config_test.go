package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/callwarden/internal/audit"
	"github.com/ppiankov/callwarden/internal/model"
	"github.com/ppiankov/callwarden/internal/session"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
bundle: template:file-agent
environment: staging
session:
  backend: sqlite
  sqlite_path: /tmp/sessions.db
  idle_ttl: 30m
  cleanup_schedule: "@every 5m"
audit:
  file: /tmp/audit.jsonl
  webhook:
    url: https://example.com/hook
    rate_per_second: 5
redact:
  extra_keys: [x_session]
tools:
  deploy: irreversible
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "template:file-agent", cfg.Bundle)
	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, BackendSQLite, cfg.Session.Backend)
	assert.Equal(t, 30*time.Minute, cfg.Session.IdleTTL)
	assert.Equal(t, "https://example.com/hook", cfg.Audit.Webhook.URL)
	assert.Equal(t, []string{"x_session"}, cfg.Redact.ExtraKeys)
	assert.Equal(t, model.SideEffectIrreversible, cfg.Tools["deploy"])
	// Unset keys keep their defaults.
	assert.Equal(t, "127.0.0.1:7443", cfg.Listen)
	assert.Equal(t, 1024, cfg.Audit.QueueSize)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err, "an explicit path must exist")

	t.Setenv("CALLWARDEN_CONFIG", "")
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromEnv(t *testing.T) {
	path := writeConfig(t, "environment: prod\n")
	t.Setenv("CALLWARDEN_CONFIG", path)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.Environment)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	path := writeConfig(t, `
session: {backend: redis}
audit: {webhook: {headers: {a: b}}, queue_size: -1}
tracing: {sample_rate: 2}
tools: {deploy: dangerous}
auth: {required: true}
redact:
  extra_patterns:
    - {name: broken, regex: "[unclosed"}
log_format: xml
`)
	_, err := Load(path)
	require.Error(t, err)
	for _, want := range []string{
		"redis_addr is required",
		"audit.webhook.url is required",
		"queue_size must not be negative",
		"sample_rate",
		`unknown side effect "dangerous"`,
		"jwt_secret_env",
		"redact:",
		"log_format",
	} {
		assert.ErrorContains(t, err, want)
	}
}

func TestParseError(t *testing.T) {
	_, err := Load(writeConfig(t, "session: [\n"))
	assert.ErrorContains(t, err, "parse config")
}

func TestLoadBundle(t *testing.T) {
	cfg := Default()
	_, err := cfg.LoadBundle()
	require.Error(t, err)

	cfg.Bundle = TemplatePrefix + "research-agent"
	b, err := cfg.LoadBundle()
	require.NoError(t, err)
	assert.Equal(t, "research-agent", b.Name)
	assert.Empty(t, cfg.BundleFile())

	cfg.Bundle = "/etc/callwarden/bundle.yaml"
	assert.Equal(t, "/etc/callwarden/bundle.yaml", cfg.BundleFile())
}

func TestOpenBackend(t *testing.T) {
	cfg := Default()
	be, err := cfg.OpenBackend(nil)
	require.NoError(t, err)
	assert.IsType(t, &session.MemoryBackend{}, be)

	cfg.Session = SessionConfig{Backend: BackendSQLite, SQLitePath: filepath.Join(t.TempDir(), "s.db")}
	be, err = cfg.OpenBackend(nil)
	require.NoError(t, err)
	assert.IsType(t, &session.SQLiteBackend{}, be)
	require.NoError(t, be.Close())

	cfg.Session = SessionConfig{Backend: BackendRedis, RedisAddr: "127.0.0.1:0"}
	be, err = cfg.OpenBackend(nil)
	require.NoError(t, err)
	assert.IsType(t, &session.RedisBackend{}, be)
	_ = be.Close()

	cfg.Session.Backend = "etcd"
	_, err = cfg.OpenBackend(nil)
	assert.Error(t, err)
}

func TestOpenSink(t *testing.T) {
	cfg := Default()
	cfg.Audit.Console = false
	sink, err := cfg.OpenSink(nil)
	require.NoError(t, err)
	assert.IsType(t, &audit.ConsoleSink{}, sink, "console is the fallback")

	cfg.Audit.File = filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err = cfg.OpenSink(nil)
	require.NoError(t, err)
	assert.IsType(t, &audit.FileSink{}, sink)
	require.NoError(t, sink.Close())

	cfg.Audit.Console = true
	sink, err = cfg.OpenSink(nil)
	require.NoError(t, err)
	multi, ok := sink.(audit.MultiSink)
	require.True(t, ok)
	assert.Len(t, multi, 2)
	require.NoError(t, sink.Close())
}

func TestToolRegistryOverlay(t *testing.T) {
	cfg := Default()
	cfg.Tools = map[string]model.SideEffect{"Bash": model.SideEffectRead, "deploy": model.SideEffectWrite}
	r := cfg.ToolRegistry()
	assert.Equal(t, model.SideEffectRead, r.SideEffect("Bash"), "configured tools win over defaults")
	assert.Equal(t, model.SideEffectWrite, r.SideEffect("deploy"))
	assert.Equal(t, model.SideEffectWrite, r.SideEffect("Edit"))
}

func TestJWTSecret(t *testing.T) {
	cfg := Default()
	assert.Nil(t, cfg.JWTSecret())
	cfg.Auth.JWTSecretEnv = "CALLWARDEN_TEST_SECRET"
	t.Setenv("CALLWARDEN_TEST_SECRET", "s3cret")
	assert.Equal(t, []byte("s3cret"), cfg.JWTSecret())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, "debug", "json").Debug("hello", "k", 1)
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	buf.Reset()
	NewLogger(&buf, "bogus", "text").Debug("hidden")
	assert.Empty(t, buf.String(), "unknown level falls back to info")
}
