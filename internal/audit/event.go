package audit

import (
	"github.com/ppiankov/callwarden/internal/model"
	"github.com/ppiankov/callwarden/internal/redact"
)

// SchemaVersion identifies the event layout.
const SchemaVersion = "callwarden.audit/v1"

// ContractRecord is the outcome of one contract for one call.
type ContractRecord struct {
	ID          string             `json:"id"`
	Type        model.ContractType `json:"type"`
	Mode        model.Mode         `json:"mode"`
	Passed      bool               `json:"passed"`
	Decision    model.Decision     `json:"decision"`
	Effect      model.Effect       `json:"effect,omitempty"`
	Message     string             `json:"message,omitempty"`
	Tags        []string           `json:"tags,omitempty"`
	Metadata    map[string]any     `json:"metadata,omitempty"`
	PolicyError bool               `json:"policy_error,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// HookRecord is the outcome of one before-hook.
type HookRecord struct {
	Name   string `json:"name"`
	Denied bool   `json:"denied"`
	Reason string `json:"reason,omitempty"`
}

// Event is the single audit record emitted for a call. Redaction happens
// when the event is written, never when it is built.
type Event struct {
	SchemaVersion string           `json:"schema_version"`
	Timestamp     string           `json:"ts"`
	CallID        string           `json:"call_id"`
	SessionID     string           `json:"session_id,omitempty"`
	Tool          string           `json:"tool"`
	SideEffect    model.SideEffect `json:"side_effect,omitempty"`
	Environment   string           `json:"environment,omitempty"`
	Args          map[string]any   `json:"args,omitempty"`
	Principal     *model.Principal `json:"principal,omitempty"`

	Decision  model.Decision   `json:"decision"`
	Source    model.Source     `json:"source,omitempty"`
	DecidedBy string           `json:"decided_by,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Hooks     []HookRecord     `json:"hooks,omitempty"`
	Contracts []ContractRecord `json:"contracts,omitempty"`
	Warnings  []string         `json:"warnings,omitempty"`

	PolicyVersion string `json:"policy_version"`
	PolicyError   bool   `json:"policy_error"`

	ToolExecuted bool    `json:"tool_executed"`
	ToolSuccess  bool    `json:"tool_success"`
	ToolError    string  `json:"tool_error,omitempty"`
	Output       *string `json:"output,omitempty"`

	SessionAttempts   int     `json:"session_attempts"`
	SessionExecutions int     `json:"session_executions"`
	DurationMS        float64 `json:"duration_ms"`

	PrevHash string `json:"prev_hash,omitempty"`
}

// Tags returns the tags of every failed contract, deduplicated in order.
func (e *Event) Tags() []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range e.Contracts {
		if c.Passed {
			continue
		}
		for _, t := range c.Tags {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

// Redact returns a copy of ev safe to persist. Arguments, claims, output,
// errors and rendered messages all pass through r.
func Redact(ev *Event, r *redact.Redactor) *Event {
	out := *ev
	out.Args = r.Map(ev.Args)
	if ev.Principal != nil {
		p := ev.Principal.Clone()
		p.Claims = r.Map(p.Claims)
		out.Principal = p
	}
	if ev.Output != nil {
		s := r.String(*ev.Output)
		out.Output = &s
	}
	out.ToolError = r.String(ev.ToolError)
	out.Reason = r.String(ev.Reason)
	if ev.Warnings != nil {
		out.Warnings = make([]string, len(ev.Warnings))
		for i, w := range ev.Warnings {
			out.Warnings[i] = r.String(w)
		}
	}
	if ev.Hooks != nil {
		out.Hooks = make([]HookRecord, len(ev.Hooks))
		for i, h := range ev.Hooks {
			h.Reason = r.String(h.Reason)
			out.Hooks[i] = h
		}
	}
	if ev.Contracts != nil {
		out.Contracts = make([]ContractRecord, len(ev.Contracts))
		for i, c := range ev.Contracts {
			c.Message = r.String(c.Message)
			c.Error = r.String(c.Error)
			c.Metadata = r.Map(c.Metadata)
			out.Contracts[i] = c
		}
	}
	return &out
}
