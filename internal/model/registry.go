package model

import "sync"

// ToolRegistry maps tool names to their side-effect classification.
// Safe for concurrent use. A nil registry classifies everything as pure.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]SideEffect
}

// NewToolRegistry returns an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]SideEffect)}
}

// Register sets the classification for a tool.
func (r *ToolRegistry) Register(tool string, se SideEffect) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool] = se
}

// SideEffect returns the classification for a tool, pure if unregistered.
func (r *ToolRegistry) SideEffect(tool string) SideEffect {
	if r == nil {
		return SideEffectPure
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if se, ok := r.tools[tool]; ok {
		return se
	}
	return SideEffectPure
}

// RegisterDefaults classifies common agent tools without overriding
// anything already registered.
func (r *ToolRegistry) RegisterDefaults() {
	defaults := map[string]SideEffect{
		"Read":  SideEffectPure,
		"Glob":  SideEffectPure,
		"Grep":  SideEffectPure,
		"Write": SideEffectWrite,
		"Edit":  SideEffectWrite,
		"Bash":  SideEffectIrreversible,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, se := range defaults {
		if _, ok := r.tools[name]; !ok {
			r.tools[name] = se
		}
	}
}
