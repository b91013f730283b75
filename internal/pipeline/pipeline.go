// Package pipeline governs tool calls: attempt limits, before-hooks,
// preconditions, session limits, execution, postconditions, after-hooks
// and exactly one audit event per call.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ppiankov/callwarden/internal/audit"
	"github.com/ppiankov/callwarden/internal/contract"
	"github.com/ppiankov/callwarden/internal/model"
	"github.com/ppiankov/callwarden/internal/session"
)

// ToolFunc executes a tool. It should honour ctx.
type ToolFunc func(ctx context.Context, env *model.Envelope) (any, error)

// Observer is told about every call. Observe returns the context the call
// runs under and a function receiving the final audit event.
type Observer interface {
	Observe(ctx context.Context, env *model.Envelope) (context.Context, func(ev *audit.Event))
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithBackend sets the session counter store. Default: in-memory.
func WithBackend(b session.Backend) Option {
	return func(p *Pipeline) { p.backend = b }
}

// WithHooks sets the hook registry.
func WithHooks(r *Registry) Option {
	return func(p *Pipeline) { p.hooks = r }
}

// WithEmitter sets where audit events go. Default: nowhere.
func WithEmitter(e audit.Emitter) Option {
	return func(p *Pipeline) { p.emitter = e }
}

// WithToolRegistry sets the side-effect classification of tools.
func WithToolRegistry(r *model.ToolRegistry) Option {
	return func(p *Pipeline) { p.tools = r }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithObserver attaches tracing and metrics.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observer = o }
}

// Pipeline evaluates calls against the active bundle. Safe for concurrent
// use; the bundle can be swapped while calls are in flight.
type Pipeline struct {
	bundle   atomic.Pointer[contract.Bundle]
	backend  session.Backend
	hooks    *Registry
	emitter  audit.Emitter
	tools    *model.ToolRegistry
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
}

// New creates a pipeline governed by b.
func New(b *contract.Bundle, opts ...Option) (*Pipeline, error) {
	if b == nil {
		return nil, errors.New("pipeline: bundle is required")
	}
	p := &Pipeline{now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	if p.backend == nil {
		p.backend = session.NewMemoryBackend()
	}
	if p.hooks == nil {
		p.hooks = NewRegistry()
	}
	if p.tools == nil {
		p.tools = model.NewToolRegistry()
		p.tools.RegisterDefaults()
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.bundle.Store(b)
	return p, nil
}

// SetBundle atomically replaces the active bundle. Calls already past
// PreExecute finish under the bundle they started with.
func (p *Pipeline) SetBundle(b *contract.Bundle) {
	if b == nil {
		return
	}
	old := p.bundle.Swap(b)
	p.logger.Info("bundle activated", "name", b.Name, "version", b.Version, "previous", old.Version)
}

// Bundle returns the active bundle.
func (p *Pipeline) Bundle() *contract.Bundle {
	return p.bundle.Load()
}

// Hooks returns the hook registry.
func (p *Pipeline) Hooks() *Registry {
	return p.hooks
}

// Backend returns the session store.
func (p *Pipeline) Backend() session.Backend {
	return p.backend
}

// Tools returns the tool registry.
func (p *Pipeline) Tools() *model.ToolRegistry {
	return p.tools
}

// Pending is a call that has been through the gates. Allowed calls must
// be completed with PostExecute; denied calls are already complete.
type Pending struct {
	env    *model.Envelope
	bundle *contract.Bundle
	eval   *Evaluation
	start  time.Time
	finish func(*audit.Event)

	once    sync.Once
	outcome *Outcome
}

// Envelope returns the call snapshot.
func (pd *Pending) Envelope() *model.Envelope { return pd.env }

// Decision returns the pre-execution verdict.
func (pd *Pending) Decision() Decision { return pd.eval.Decision }

// Allowed reports whether the tool may run.
func (pd *Pending) Allowed() bool { return !pd.eval.Decision.Denied() }

// PolicyVersion is the version of the bundle the call was gated with.
func (pd *Pending) PolicyVersion() string { return pd.eval.PolicyVersion }

// Outcome returns the final outcome, or nil while the call is running.
func (pd *Pending) Outcome() *Outcome { return pd.outcome }

// Outcome is the final result of a governed call.
type Outcome struct {
	Effect   model.Decision
	Decision Decision
	Result   any
	Err      error
	Executed bool
	Warnings []string
	Event    *audit.Event
}

// Verdict returns the caller-facing verdict.
func (o *Outcome) Verdict() model.Verdict { return o.Decision.Verdict }

// PreExecute runs steps 1 to 4. The returned error is only for calls that
// cannot be enveloped; a denial is reported through Pending.Decision.
func (p *Pipeline) PreExecute(ctx context.Context, call model.Call) (*Pending, error) {
	env, err := model.NewEnvelope(call, p.tools)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	pd := &Pending{env: env, bundle: p.bundle.Load(), start: p.now(), finish: func(*audit.Event) {}}
	if p.observer != nil {
		ctx, pd.finish = p.observer.Observe(ctx, env)
	}

	pd.eval = gate(ctx, gateInput{
		bundle:  pd.bundle,
		env:     env,
		counter: p.backend,
		hooks:   p.hooks.beforeHooks(env),
		logger:  p.logger,
	})

	if !pd.Allowed() {
		postconditions(pd.bundle, env, nil, pd.eval)
		p.complete(pd, nil, nil, false)
		p.logger.Debug("call denied",
			"tool", env.Tool(), "session_id", env.SessionID(),
			"source", pd.eval.Decision.Source, "decided_by", pd.eval.Decision.DecidedBy)
	}
	return pd, nil
}

// PostExecute runs steps 6 to 8 for an allowed call. It settles the
// execution reservation, so a failed tool never counts as an execution.
// Calling it again, or on a denied call, returns the existing outcome.
func (p *Pipeline) PostExecute(ctx context.Context, pd *Pending, result any, toolErr error) *Outcome {
	if !pd.Allowed() {
		return pd.outcome
	}
	pd.once.Do(func() {
		env := pd.env
		// Settling must survive a cancelled call context.
		settleCtx := context.WithoutCancel(ctx)
		if pd.eval.Reserved {
			var err error
			if toolErr == nil {
				err = p.backend.Commit(settleCtx, env.SessionID(), env.Tool())
			} else {
				err = p.backend.Release(settleCtx, env.SessionID(), env.Tool())
			}
			if err != nil {
				p.logger.Error("session settle failed", "session_id", env.SessionID(), "tool", env.Tool(), "error", err)
			}
		}
		if toolErr == nil {
			pd.eval.Executions++
		}

		var output *string
		if toolErr == nil {
			s := Stringify(result)
			output = &s
		}
		postconditions(pd.bundle, env, output, pd.eval)

		for _, h := range p.hooks.afterHooks(env) {
			p.runAfterHook(ctx, h, env, result, toolErr)
		}
		p.completeLocked(pd, result, toolErr, true)
	})
	return pd.outcome
}

// Run governs one call end to end. A tool that panics, returns an error or
// outlives ctx counts as a failed execution.
func (p *Pipeline) Run(ctx context.Context, call model.Call, fn ToolFunc) (*Outcome, error) {
	pd, err := p.PreExecute(ctx, call)
	if err != nil {
		return nil, err
	}
	if !pd.Allowed() {
		return pd.outcome, nil
	}
	result, toolErr := invoke(ctx, fn, pd.env)
	return p.PostExecute(ctx, pd, result, toolErr), nil
}

// CheckResult is a dry-run evaluation.
type CheckResult struct {
	Effect     model.Decision
	Evaluation *Evaluation
}

// Check evaluates call against the active bundle and the current session
// counters without executing, emitting or changing any counter. Output,
// when set, is used for the postconditions.
func (p *Pipeline) Check(ctx context.Context, call model.Call, output *string) (*CheckResult, error) {
	env, err := model.NewEnvelope(call, p.tools)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	snap, err := p.backend.Snapshot(ctx, env.SessionID())
	if err != nil {
		return nil, fmt.Errorf("pipeline: session snapshot: %w", err)
	}
	ev := Evaluate(ctx, p.bundle.Load(), env, SnapshotCounter(snap), output)
	return &CheckResult{Effect: ev.Decision.Effect, Evaluation: ev}, nil
}

func (p *Pipeline) runAfterHook(ctx context.Context, h AfterHook, env *model.Envelope, result any, toolErr error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("after-hook panicked", "hook", h.Name, "tool", env.Tool(), "panic", r)
		}
	}()
	h.Fn(ctx, env, result, toolErr)
}

func (p *Pipeline) complete(pd *Pending, result any, toolErr error, executed bool) {
	pd.once.Do(func() { p.completeLocked(pd, result, toolErr, executed) })
}

func (p *Pipeline) completeLocked(pd *Pending, result any, toolErr error, executed bool) {
	ev := p.buildEvent(pd, toolErr, executed)
	if executed && toolErr == nil {
		s := Stringify(result)
		ev.Output = &s
	}
	pd.outcome = &Outcome{
		Effect:   pd.eval.Decision.Effect,
		Decision: pd.eval.Decision,
		Result:   result,
		Err:      toolErr,
		Executed: executed,
		Warnings: pd.eval.Warnings,
		Event:    ev,
	}
	if p.emitter != nil {
		p.emitter.Emit(ev)
	}
	pd.finish(ev)
}

func (p *Pipeline) buildEvent(pd *Pending, toolErr error, executed bool) *audit.Event {
	env, e := pd.env, pd.eval
	ev := &audit.Event{
		SchemaVersion:     audit.SchemaVersion,
		Timestamp:         env.Timestamp().Format(model.TimeFormat),
		CallID:            env.CallID(),
		SessionID:         env.SessionID(),
		Tool:              env.Tool(),
		SideEffect:        env.SideEffect(),
		Environment:       env.Environment(),
		Args:              env.Args(),
		Principal:         env.Principal(),
		Decision:          e.Decision.Effect,
		Source:            e.Decision.Source,
		DecidedBy:         e.Decision.DecidedBy,
		Reason:            e.Decision.Reason,
		Hooks:             e.Hooks,
		Contracts:         e.Contracts,
		Warnings:          e.Warnings,
		PolicyVersion:     e.PolicyVersion,
		PolicyError:       e.PolicyError,
		ToolExecuted:      executed,
		ToolSuccess:       executed && toolErr == nil,
		SessionAttempts:   e.Attempts,
		SessionExecutions: e.Executions,
		DurationMS:        float64(p.now().Sub(pd.start).Microseconds()) / 1000,
	}
	if toolErr != nil {
		ev.ToolError = toolErr.Error()
	}
	return ev
}

// invoke runs fn, turning a panic into an error and giving up when ctx is
// done. A tool that ignores ctx keeps running in the background.
func invoke(ctx context.Context, fn ToolFunc, env *model.Envelope) (any, error) {
	type ret struct {
		v   any
		err error
	}
	done := make(chan ret, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- ret{err: fmt.Errorf("tool %s panicked: %v", env.Tool(), r)}
			}
		}()
		v, err := fn(ctx, env)
		done <- ret{v, err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("tool %s: %w", env.Tool(), ctx.Err())
	}
}
