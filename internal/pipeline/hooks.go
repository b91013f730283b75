package pipeline

import (
	"context"
	"errors"
	"path"
	"sync"

	"github.com/ppiankov/callwarden/internal/model"
)

// HookResult is what a before-hook decides.
type HookResult struct {
	Deny   bool
	Reason string
}

// Allow lets the call continue.
func Allow() HookResult { return HookResult{} }

// Deny blocks the call with a reason the agent can act on.
func Deny(reason string) HookResult { return HookResult{Deny: true, Reason: reason} }

// BeforeHook runs after the attempt-limit check and before any contract.
type BeforeHook struct {
	Name string
	// Tool is an exact name, a glob, or "*". Empty means every tool.
	Tool string
	// When, if set, must return true for the hook to run.
	When func(env *model.Envelope) bool
	Fn   func(ctx context.Context, env *model.Envelope) HookResult
}

// AfterHook observes an executed call. It cannot change the outcome.
type AfterHook struct {
	Name string
	Tool string
	When func(env *model.Envelope) bool
	Fn   func(ctx context.Context, env *model.Envelope, result any, toolErr error)
}

// Registry holds the hooks of one pipeline. Hooks run in registration
// order.
type Registry struct {
	mu     sync.RWMutex
	before []BeforeHook
	after  []AfterHook
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Before registers a before-hook.
func (r *Registry) Before(h BeforeHook) error {
	if h.Name == "" {
		return errors.New("pipeline: hook name is required")
	}
	if h.Fn == nil {
		return errors.New("pipeline: hook " + h.Name + " has no function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.before = append(r.before, h)
	return nil
}

// After registers an after-hook.
func (r *Registry) After(h AfterHook) error {
	if h.Name == "" {
		return errors.New("pipeline: hook name is required")
	}
	if h.Fn == nil {
		return errors.New("pipeline: hook " + h.Name + " has no function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.after = append(r.after, h)
	return nil
}

func (r *Registry) beforeHooks(env *model.Envelope) []BeforeHook {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []BeforeHook
	for _, h := range r.before {
		if hookApplies(h.Tool, h.When, env) {
			out = append(out, h)
		}
	}
	return out
}

func (r *Registry) afterHooks(env *model.Envelope) []AfterHook {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []AfterHook
	for _, h := range r.after {
		if hookApplies(h.Tool, h.When, env) {
			out = append(out, h)
		}
	}
	return out
}

func hookApplies(tool string, when func(*model.Envelope) bool, env *model.Envelope) bool {
	if tool != "" && tool != "*" && tool != env.Tool() {
		if ok, err := path.Match(tool, env.Tool()); err != nil || !ok {
			return false
		}
	}
	return when == nil || when(env)
}
