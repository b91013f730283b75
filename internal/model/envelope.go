package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Call is what a caller presents to the pipeline.
type Call struct {
	Tool        string
	Args        map[string]any
	SessionID   string
	Environment string
	Principal   *Principal

	// SideEffect overrides the registry classification when set.
	SideEffect SideEffect

	// CallID and Timestamp are normally generated. Adapters that already
	// carry an identifier, and replay, may supply them.
	CallID    string
	Timestamp time.Time
}

// Envelope is the immutable snapshot of one call attempt. All fields are
// private; accessors hand out copies of anything mutable.
type Envelope struct {
	callID      string
	tool        string
	args        map[string]any
	sessionID   string
	environment string
	sideEffect  SideEffect
	principal   *Principal
	timestamp   time.Time
}

// NewEnvelope snapshots a call. Arguments are normalized and copied; the
// principal is cloned.
func NewEnvelope(call Call, registry *ToolRegistry) (*Envelope, error) {
	if call.Tool == "" {
		return nil, fmt.Errorf("envelope: tool name is required")
	}
	args, err := NormalizeArgs(call.Args)
	if err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}

	se := call.SideEffect
	if se == "" {
		se = registry.SideEffect(call.Tool)
	}
	if !se.Valid() {
		return nil, fmt.Errorf("envelope: unknown side effect %q", se)
	}

	principal := call.Principal.Clone()
	if principal != nil && principal.Claims != nil {
		claims, err := NormalizeArgs(principal.Claims)
		if err != nil {
			return nil, fmt.Errorf("envelope: principal claims: %w", err)
		}
		principal.Claims = claims
	}

	id := call.CallID
	if id == "" {
		id = uuid.NewString()
	}
	ts := call.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return &Envelope{
		callID:      id,
		tool:        call.Tool,
		args:        args,
		sessionID:   call.SessionID,
		environment: call.Environment,
		sideEffect:  se,
		principal:   principal,
		timestamp:   ts.UTC(),
	}, nil
}

func (e *Envelope) CallID() string         { return e.callID }
func (e *Envelope) Tool() string           { return e.tool }
func (e *Envelope) SessionID() string      { return e.sessionID }
func (e *Envelope) Environment() string    { return e.environment }
func (e *Envelope) SideEffect() SideEffect { return e.sideEffect }
func (e *Envelope) Timestamp() time.Time   { return e.timestamp }

// Args returns a deep copy of the normalized arguments.
func (e *Envelope) Args() map[string]any {
	return CloneValue(e.args).(map[string]any)
}

// Principal returns a copy of the attached principal, or nil.
func (e *Envelope) Principal() *Principal {
	return e.principal.Clone()
}

// Arg walks a key path into the arguments without copying.
func (e *Envelope) Arg(path ...string) (any, bool) {
	var cur any = e.args
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// PrincipalField resolves principal.<name>.
func (e *Envelope) PrincipalField(name string) (any, bool) {
	return e.principal.Field(name)
}

// Claim resolves principal.claims.<key>.
func (e *Envelope) Claim(key string) (any, bool) {
	return e.principal.Claim(key)
}

// BashCommand returns the command argument of a Bash call.
func (e *Envelope) BashCommand() (string, bool) {
	if e.tool != "Bash" {
		return "", false
	}
	v, ok := e.args["command"].(string)
	return v, ok
}

// ToMap serializes the envelope for audit and logging.
func (e *Envelope) ToMap() map[string]any {
	m := map[string]any{
		"call_id":     e.callID,
		"tool":        e.tool,
		"args":        e.Args(),
		"timestamp":   e.timestamp.Format(TimeFormat),
		"session_id":  e.sessionID,
		"side_effect": string(e.sideEffect),
		"environment": e.environment,
	}
	if e.principal != nil {
		m["principal"] = e.principal.Clone()
	}
	return m
}
