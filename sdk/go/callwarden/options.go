package callwarden

import (
	"io"
	"log/slog"
)

// Option configures a Guard at creation time.
type Option func(*guardConfig)

type guardConfig struct {
	bundlePath  string
	bundleYAML  []byte
	template    string
	sessionID   string
	environment string
	principal   *Principal
	auditFile   string
	auditWriter io.Writer
	sqlitePath  string
	tools       map[string]SideEffect
	onWarning   func(Call, []string)
	logger      *slog.Logger
}

// WithBundleFile loads the contract bundle from a YAML file.
func WithBundleFile(path string) Option {
	return func(c *guardConfig) { c.bundlePath = path }
}

// WithBundle compiles the contract bundle from YAML bytes.
func WithBundle(src []byte) Option {
	return func(c *guardConfig) { c.bundleYAML = src }
}

// WithTemplate uses a built-in bundle (e.g., "file-agent").
func WithTemplate(name string) Option {
	return func(c *guardConfig) { c.template = name }
}

// WithSession sets the default session ID for calls that carry none.
func WithSession(id string) Option {
	return func(c *guardConfig) { c.sessionID = id }
}

// WithEnvironment sets the default environment (e.g., "production").
func WithEnvironment(env string) Option {
	return func(c *guardConfig) { c.environment = env }
}

// WithPrincipal sets the default principal for calls that carry none.
func WithPrincipal(p Principal) Option {
	return func(c *guardConfig) { c.principal = &p }
}

// WithAuditFile appends hash-chained audit events to path.
func WithAuditFile(path string) Option {
	return func(c *guardConfig) { c.auditFile = path }
}

// WithAuditWriter writes audit events as JSON lines to w. Writes happen in
// the background; w is only safe to read after Close.
func WithAuditWriter(w io.Writer) Option {
	return func(c *guardConfig) { c.auditWriter = w }
}

// WithSQLiteSessions keeps session counters in a SQLite file so limits
// survive restarts. Default: in memory.
func WithSQLiteSessions(path string) Option {
	return func(c *guardConfig) { c.sqlitePath = path }
}

// WithSideEffect classifies a tool.
func WithSideEffect(tool string, se SideEffect) Option {
	return func(c *guardConfig) {
		if c.tools == nil {
			c.tools = make(map[string]SideEffect)
		}
		c.tools[tool] = se
	}
}

// WithWarningHandler is called with the postcondition warnings of every
// wrapped call that produced any.
func WithWarningHandler(fn func(Call, []string)) Option {
	return func(c *guardConfig) { c.onWarning = fn }
}

// WithLogger sets the logger for diagnostics. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *guardConfig) { c.logger = l }
}
