package callwarden

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ppiankov/callwarden/internal/audit"
	"github.com/ppiankov/callwarden/internal/config"
	"github.com/ppiankov/callwarden/internal/contract"
	"github.com/ppiankov/callwarden/internal/model"
	"github.com/ppiankov/callwarden/internal/pipeline"
	"github.com/ppiankov/callwarden/internal/session"
)

// ToolFunc is the function signature that Wrap guards.
type ToolFunc func(ctx context.Context, call Call) (any, error)

// Guard holds the governance pipeline for in-process enforcement.
// Safe for concurrent tool calls.
type Guard struct {
	cfg     guardConfig
	pipe    *pipeline.Pipeline
	backend session.Backend
	emitter *audit.AsyncEmitter

	closeOnce sync.Once
	closeErr  error
}

// New creates a Guard with the given options. Exactly one bundle source
// is required.
func New(opts ...Option) (*Guard, error) {
	cfg := guardConfig{sessionID: "default"}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	b, err := loadBundle(cfg)
	if err != nil {
		return nil, fmt.Errorf("callwarden: %w", err)
	}

	g := &Guard{cfg: cfg}
	if cfg.sqlitePath != "" {
		g.backend, err = session.NewSQLiteBackend(session.SQLiteConfig{Path: cfg.sqlitePath, Logger: cfg.logger})
		if err != nil {
			return nil, fmt.Errorf("callwarden: open session store: %w", err)
		}
	} else {
		g.backend = session.NewMemoryBackend()
	}

	var sinks audit.MultiSink
	if cfg.auditFile != "" {
		f, err := audit.OpenFile(cfg.auditFile)
		if err != nil {
			_ = g.backend.Close()
			return nil, fmt.Errorf("callwarden: open audit log: %w", err)
		}
		sinks = append(sinks, f)
	}
	if cfg.auditWriter != nil {
		sinks = append(sinks, audit.NewConsoleSink(cfg.auditWriter))
	}

	tools := model.NewToolRegistry()
	for tool, se := range cfg.tools {
		tools.Register(tool, model.SideEffect(se))
	}
	tools.RegisterDefaults()

	popts := []pipeline.Option{
		pipeline.WithBackend(g.backend),
		pipeline.WithToolRegistry(tools),
		pipeline.WithLogger(cfg.logger),
	}
	if len(sinks) > 0 {
		// Audit writes happen off the call path; Close drains them.
		g.emitter = audit.NewAsyncEmitter(sinks, audit.WithLogger(cfg.logger))
		popts = append(popts, pipeline.WithEmitter(g.emitter))
	}
	g.pipe, err = pipeline.New(b, popts...)
	if err != nil {
		_ = g.Close(context.Background())
		return nil, fmt.Errorf("callwarden: %w", err)
	}
	return g, nil
}

func loadBundle(cfg guardConfig) (*contract.Bundle, error) {
	sources := 0
	for _, set := range []bool{cfg.bundlePath != "", cfg.bundleYAML != nil, cfg.template != ""} {
		if set {
			sources++
		}
	}
	switch {
	case sources == 0:
		return nil, errors.New("no bundle: use WithBundleFile, WithBundle or WithTemplate")
	case sources > 1:
		return nil, errors.New("more than one bundle source configured")
	case cfg.bundlePath != "":
		return contract.CompileFile(cfg.bundlePath)
	case cfg.template != "":
		return contract.LoadTemplate(cfg.template)
	}
	return contract.Compile(cfg.bundleYAML)
}

// Wrap returns a new ToolFunc that governs every call to fn. A denied call
// returns a *DeniedError without calling fn. Tool errors pass through.
func (g *Guard) Wrap(fn ToolFunc) ToolFunc {
	return func(ctx context.Context, call Call) (any, error) {
		res, out, err := g.Run(ctx, call, fn)
		if err != nil {
			return nil, err
		}
		if !res.Allowed() {
			return nil, &DeniedError{Call: call, Source: res.Source, DecidedBy: res.DecidedBy, Reason: res.Reason}
		}
		return out, nil
	}
}

// Run governs one call and reports the decision alongside the tool's own
// result. err is the tool error, or an error for a call that could not be
// evaluated; a denial is reported through Result only.
func (g *Guard) Run(ctx context.Context, call Call, fn ToolFunc) (Result, any, error) {
	mc := g.toModelCall(call)
	outcome, err := g.pipe.Run(ctx, mc, func(ctx context.Context, _ *model.Envelope) (any, error) {
		return fn(ctx, call)
	})
	if err != nil {
		return Result{}, nil, err
	}
	res := toResult(outcome.Decision, outcome.Warnings, outcome.Event.PolicyVersion)
	if len(res.Warnings) > 0 && g.cfg.onWarning != nil {
		g.cfg.onWarning(call, res.Warnings)
	}
	return res, outcome.Result, outcome.Err
}

// Check evaluates a call against the bundle and the current session without
// executing anything. Output, when non-nil, is checked by postconditions.
func (g *Guard) Check(ctx context.Context, call Call, output *string) (Result, error) {
	cr, err := g.pipe.Check(ctx, g.toModelCall(call), output)
	if err != nil {
		return Result{}, err
	}
	return toResult(cr.Evaluation.Decision, cr.Evaluation.Warnings, cr.Evaluation.PolicyVersion), nil
}

// Reload recompiles the bundle file and swaps it in. Calls in flight finish
// under the bundle they started with.
func (g *Guard) Reload() error {
	if g.cfg.bundlePath == "" {
		return errors.New("callwarden: reload needs WithBundleFile")
	}
	b, err := config.LoadBundle(g.cfg.bundlePath)
	if err != nil {
		return fmt.Errorf("callwarden: %w", err)
	}
	g.pipe.SetBundle(b)
	return nil
}

// PolicyVersion is the SHA-256 of the active bundle.
func (g *Guard) PolicyVersion() string {
	return g.pipe.Bundle().Version
}

// SessionCounts reports executions and attempts recorded for a session.
func (g *Guard) SessionCounts(ctx context.Context, sessionID string) (executions, attempts int, err error) {
	snap, err := g.backend.Snapshot(ctx, sessionID)
	if err != nil {
		return 0, 0, err
	}
	return snap.Executions, snap.Attempts, nil
}

// Close waits for queued audit events to be written, or for ctx to end,
// then releases the audit sinks and the session store. Later calls return
// the first result.
func (g *Guard) Close(ctx context.Context) error {
	g.closeOnce.Do(func() {
		var errs []error
		if g.emitter != nil {
			errs = append(errs, g.emitter.Close(ctx))
		}
		if g.backend != nil {
			errs = append(errs, g.backend.Close())
		}
		g.closeErr = errors.Join(errs...)
	})
	return g.closeErr
}
