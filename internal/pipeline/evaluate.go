package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"

	"github.com/ppiankov/callwarden/internal/audit"
	"github.com/ppiankov/callwarden/internal/contract"
	"github.com/ppiankov/callwarden/internal/expr"
	"github.com/ppiankov/callwarden/internal/model"
	"github.com/ppiankov/callwarden/internal/session"
)

// Counter is the session accounting a call is evaluated against.
// Every session.Backend is a Counter.
type Counter interface {
	Attempt(ctx context.Context, sessionID string, max int) (session.Result, error)
	Reserve(ctx context.Context, sessionID, tool string, limits session.Limits) (session.Result, error)
}

// Decision is the pre-execution verdict of a call.
type Decision struct {
	// Effect is Denied when the call is blocked, CallWouldDeny when an
	// observe-mode gate failed, Allowed otherwise.
	Effect  model.Decision
	Verdict model.Verdict

	// Source and DecidedBy name the gate and the contract or hook that
	// failed first. Empty when nothing failed.
	Source      model.Source
	DecidedBy   string
	Reason      string
	PolicyError bool
}

// Denied reports whether the call must not execute.
func (d Decision) Denied() bool { return d.Effect == model.Denied }

// Evaluation is everything steps 1 to 4, and optionally the
// postconditions, learned about one call.
type Evaluation struct {
	Decision      Decision
	Contracts     []audit.ContractRecord
	Hooks         []audit.HookRecord
	Warnings      []string
	PolicyError   bool
	PolicyVersion string

	// Reserved is true when an execution slot was taken and must be
	// committed or released.
	Reserved bool

	// Attempts and Executions are the session counters after the gates ran.
	Attempts   int
	Executions int
}

// Evaluate runs the gates of b against env without hooks or execution,
// then the postconditions against output (nil when the tool did not run).
// Replay and dry runs use it with their own counters.
func Evaluate(ctx context.Context, b *contract.Bundle, env *model.Envelope, ctr Counter, output *string) *Evaluation {
	ev := gate(ctx, gateInput{bundle: b, env: env, counter: ctr})
	postconditions(b, env, output, ev)
	return ev
}

type gateInput struct {
	bundle  *contract.Bundle
	env     *model.Envelope
	counter Counter
	hooks   []BeforeHook
	logger  *slog.Logger
}

type gateState struct {
	in         gateInput
	ev         *Evaluation
	facts      expr.Facts
	denied     bool
	sessionIdx map[string]int
}

// gate runs steps 1 to 4 and stops at the first enforced deny.
func gate(ctx context.Context, in gateInput) *Evaluation {
	if in.logger == nil {
		in.logger = slog.Default()
	}
	s := &gateState{
		in:         in,
		facts:      expr.PreFacts(in.env),
		sessionIdx: make(map[string]int),
		ev: &Evaluation{
			Decision:      Decision{Effect: model.Allowed, Verdict: model.Pass()},
			PolicyVersion: in.bundle.Version,
		},
	}
	enforce, observe := splitSessionContracts(in.bundle)

	if s.attempts(ctx, enforce, observe); s.denied {
		return s.ev
	}
	if s.beforeHooks(ctx); s.denied {
		return s.ev
	}
	if s.preconditions(); s.denied {
		return s.ev
	}
	s.executions(ctx, enforce, observe)
	return s.ev
}

func (s *gateState) attempts(ctx context.Context, enforce, observe []*contract.Contract) {
	sid := s.in.env.SessionID()
	max := session.Merge(limitsOf(enforce)...).MaxAttempts
	res, err := s.in.counter.Attempt(ctx, sid, max)
	if err != nil {
		s.backendFailure(err, "attempt")
		return
	}
	s.ev.Attempts = res.Snapshot.Attempts
	s.ev.Executions = res.Snapshot.Executions
	if res.Allowed {
		s.ev.Attempts++
	}

	for _, c := range slices.Concat(enforce, observe) {
		if c.Limits.MaxAttempts <= 0 {
			continue
		}
		r := session.CheckAttempts(res.Snapshot, c.Limits.MaxAttempts)
		s.sessionRecord(c, r, model.SourceAttemptLimit)
		if s.denied {
			return
		}
	}
	if !res.Allowed && !s.denied {
		// The backend saw a later counter than this snapshot.
		s.deny(model.SourceAttemptLimit, "", res.Reason(), false)
	}
}

func (s *gateState) beforeHooks(ctx context.Context) {
	observe := s.in.bundle.DefaultMode == model.ModeObserve
	for _, h := range s.in.hooks {
		res := runBeforeHook(ctx, h, s.in.env, s.in.logger)
		s.ev.Hooks = append(s.ev.Hooks, audit.HookRecord{Name: h.Name, Denied: res.Deny, Reason: res.Reason})
		if !res.Deny {
			continue
		}
		if observe {
			s.wouldDeny(model.SourceHook, h.Name, res.Reason, false)
			continue
		}
		s.deny(model.SourceHook, h.Name, res.Reason, false)
		return
	}
}

func runBeforeHook(ctx context.Context, h BeforeHook, env *model.Envelope, logger *slog.Logger) (res HookResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("before-hook panicked", "hook", h.Name, "tool", env.Tool(), "panic", r, "stack", string(debug.Stack()))
			res = Deny(fmt.Sprintf("hook %s failed: %v", h.Name, r))
		}
	}()
	return h.Fn(ctx, env)
}

func (s *gateState) preconditions() {
	for _, c := range s.in.bundle.Preconditions(s.in.env.Tool()) {
		rec, failed := evalContract(c, s.facts)
		if rec.PolicyError {
			s.ev.PolicyError = true
		}
		if !failed {
			s.ev.Contracts = append(s.ev.Contracts, rec)
			continue
		}
		source := model.SourcePrecondition
		if rec.PolicyError {
			source = model.SourcePolicyError
		}
		if c.Observe() {
			rec.Decision = model.CallWouldDeny
			s.ev.Contracts = append(s.ev.Contracts, rec)
			s.wouldDeny(source, c.ID, rec.Message, rec.PolicyError)
			continue
		}
		rec.Decision = model.Denied
		s.ev.Contracts = append(s.ev.Contracts, rec)
		s.deny(source, c.ID, rec.Message, rec.PolicyError)
		return
	}
}

func (s *gateState) executions(ctx context.Context, enforce, observe []*contract.Contract) {
	env := s.in.env
	limits := session.Merge(limitsOf(enforce)...)
	res, err := s.in.counter.Reserve(ctx, env.SessionID(), env.Tool(), limits)
	if err != nil {
		s.backendFailure(err, "reserve")
		return
	}
	s.ev.Reserved = res.Allowed
	s.ev.Executions = res.Snapshot.Executions

	for _, c := range slices.Concat(enforce, observe) {
		l := session.Limits{MaxToolCalls: c.Limits.MaxToolCalls, MaxCallsPerTool: c.Limits.MaxCallsPerTool}
		if l.IsZero() {
			continue
		}
		r := session.CheckExecutions(res.Snapshot, env.Tool(), l)
		s.sessionRecord(c, r, model.SourceSessionContract)
		if s.denied {
			break
		}
	}
	if !res.Allowed && !s.denied {
		s.deny(model.SourceSessionContract, "", res.Reason(), false)
	}
}

// sessionRecord records one session contract's limit check and applies
// its mode. A contract is checked for attempts and for executions but
// keeps a single record, the failing one if either check failed.
func (s *gateState) sessionRecord(c *contract.Contract, r session.Result, source model.Source) {
	i, seen := s.sessionIdx[c.ID]
	if seen && r.Allowed {
		return
	}
	rec := baseRecord(c)
	if !r.Allowed {
		rec.Passed = false
		rec.Message = sessionMessage(c, r, s.facts)
		rec.Decision = model.Denied
		if c.Observe() {
			rec.Decision = model.CallWouldDeny
		}
	}
	if seen {
		s.ev.Contracts[i] = rec
	} else {
		s.sessionIdx[c.ID] = len(s.ev.Contracts)
		s.ev.Contracts = append(s.ev.Contracts, rec)
	}

	switch {
	case r.Allowed:
	case c.Observe():
		s.wouldDeny(source, c.ID, rec.Message, false)
	default:
		s.deny(source, c.ID, rec.Message, false)
	}
}

func sessionMessage(c *contract.Contract, r session.Result, f expr.Facts) string {
	msg := contract.RenderMessage(c.Then.Message, f)
	if msg == "" {
		return r.Reason()
	}
	return msg + " (" + r.Reason() + ")"
}

func (s *gateState) backendFailure(err error, op string) {
	s.in.logger.Error("session backend failed, denying call",
		"op", op, "session_id", s.in.env.SessionID(), "tool", s.in.env.Tool(), "error", err)
	reason := fmt.Sprintf("session backend unavailable: %v", err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		reason = fmt.Sprintf("call cancelled before execution: %v", err)
	}
	s.deny(model.SourceSessionContract, "", reason, false)
}

func (s *gateState) deny(source model.Source, by, reason string, policyErr bool) {
	s.denied = true
	s.ev.Decision = Decision{
		Effect:      model.Denied,
		Verdict:     model.Fail(reason, by),
		Source:      source,
		DecidedBy:   by,
		Reason:      reason,
		PolicyError: policyErr,
	}
}

// wouldDeny records the first observe-mode failure. Later ones are kept
// in the contract records only.
func (s *gateState) wouldDeny(source model.Source, by, reason string, policyErr bool) {
	if s.ev.Decision.Effect != model.Allowed {
		return
	}
	s.ev.Decision = Decision{
		Effect:      model.CallWouldDeny,
		Verdict:     model.Pass(),
		Source:      source,
		DecidedBy:   by,
		Reason:      reason,
		PolicyError: policyErr,
	}
}

// postconditions evaluates the post contracts of the call. A nil output
// leaves output.text missing. Failures become warnings, never denials.
func postconditions(b *contract.Bundle, env *model.Envelope, output *string, ev *Evaluation) {
	facts := expr.PreFacts(env)
	if output != nil {
		facts = expr.PostFacts(env, *output)
	}
	for _, c := range b.Postconditions(env.Tool()) {
		rec, failed := evalContract(c, facts)
		if rec.PolicyError {
			ev.PolicyError = true
		}
		if failed {
			rec.Decision = model.Warned
			ev.Warnings = append(ev.Warnings, warning(rec.Message, env.SideEffect()))
		}
		ev.Contracts = append(ev.Contracts, rec)
	}
}

func warning(msg string, se model.SideEffect) string {
	if se.Retryable() {
		return msg + " Consider retrying."
	}
	return msg + " Tool already executed, assess before proceeding."
}

// evalContract evaluates the when clause of a pre or post contract. A
// policy error forces the contract to fail.
func evalContract(c *contract.Contract, f expr.Facts) (audit.ContractRecord, bool) {
	rec := baseRecord(c)
	hit, err := expr.Evaluate(c.When, f)
	if err != nil {
		rec.Passed = false
		rec.PolicyError = true
		rec.Error = err.Error()
		rec.Message = contract.RenderMessage(c.Then.Message, f)
		return rec, true
	}
	if !hit {
		return rec, false
	}
	rec.Passed = false
	rec.Message = contract.RenderMessage(c.Then.Message, f)
	return rec, true
}

func baseRecord(c *contract.Contract) audit.ContractRecord {
	return audit.ContractRecord{
		ID:       c.ID,
		Type:     c.Type,
		Mode:     c.Mode,
		Passed:   true,
		Decision: model.Allowed,
		Effect:   c.Then.Effect,
		Tags:     c.Then.Tags,
		Metadata: c.Then.Metadata,
	}
}

func splitSessionContracts(b *contract.Bundle) (enforce, observe []*contract.Contract) {
	for _, c := range b.SessionContracts() {
		if c.Limits == nil {
			continue
		}
		if c.Observe() {
			observe = append(observe, c)
		} else {
			enforce = append(enforce, c)
		}
	}
	return enforce, observe
}

func limitsOf(cs []*contract.Contract) []session.Limits {
	out := make([]session.Limits, 0, len(cs))
	for _, c := range cs {
		out = append(out, session.Limits{
			MaxAttempts:     c.Limits.MaxAttempts,
			MaxToolCalls:    c.Limits.MaxToolCalls,
			MaxCallsPerTool: c.Limits.MaxCallsPerTool,
		})
	}
	return out
}
