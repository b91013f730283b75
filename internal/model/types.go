package model

import "maps"

// TimeFormat is the timestamp layout used in audit records.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// SideEffect classifies what kind of real-world impact a tool call has.
type SideEffect string

const (
	SideEffectPure         SideEffect = "pure"
	SideEffectRead         SideEffect = "read"
	SideEffectWrite        SideEffect = "write"
	SideEffectIrreversible SideEffect = "irreversible"
)

// Valid reports whether s is a known side-effect class.
func (s SideEffect) Valid() bool {
	switch s {
	case SideEffectPure, SideEffectRead, SideEffectWrite, SideEffectIrreversible:
		return true
	}
	return false
}

// Retryable reports whether re-running the tool is harmless.
func (s SideEffect) Retryable() bool {
	return s == SideEffectPure || s == SideEffectRead
}

// ContractType is the kind of a governance rule.
type ContractType string

const (
	ContractPre     ContractType = "pre"
	ContractPost    ContractType = "post"
	ContractSession ContractType = "session"
)

// Mode controls whether a would-be deny blocks the call.
type Mode string

const (
	ModeEnforce Mode = "enforce"
	ModeObserve Mode = "observe"
)

// Effect is the action a contract requests when its condition holds.
type Effect string

const (
	EffectDeny Effect = "deny"
	EffectWarn Effect = "warn"
)

// FailEffect returns the only effect allowed for a contract type.
func FailEffect(t ContractType) Effect {
	if t == ContractPost {
		return EffectWarn
	}
	return EffectDeny
}

// Decision is the effect recorded on an audit event.
type Decision string

const (
	Allowed       Decision = "ALLOWED"
	Denied        Decision = "DENIED"
	CallWouldDeny Decision = "CALL_WOULD_DENY"
	Warned        Decision = "WARNED"
)

// Source names the gate that produced a pre-execution decision.
type Source string

const (
	SourceAttemptLimit    Source = "attempt_limit"
	SourceHook            Source = "hook"
	SourcePrecondition    Source = "precondition"
	SourceSessionContract Source = "session_contract"
	SourcePostcondition   Source = "postcondition"
	SourcePolicyError     Source = "policy_error"
)

// Verdict is the pass/fail result of one rule evaluation.
type Verdict struct {
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
	RuleID  string `json:"rule_id,omitempty"`
}

// Pass returns a passing verdict.
func Pass() Verdict {
	return Verdict{Passed: true}
}

// Fail returns a failing verdict with an actionable message.
func Fail(message, ruleID string) Verdict {
	return Verdict{Message: message, RuleID: ruleID}
}

// Principal is the identity context attached to a call.
type Principal struct {
	UserID    string         `json:"user_id,omitempty"`
	ServiceID string         `json:"service_id,omitempty"`
	OrgID     string         `json:"org_id,omitempty"`
	Role      string         `json:"role,omitempty"`
	TicketRef string         `json:"ticket_ref,omitempty"`
	Claims    map[string]any `json:"claims,omitempty"`
}

// Field returns a named principal attribute. Empty strings count as absent.
func (p *Principal) Field(name string) (any, bool) {
	if p == nil {
		return nil, false
	}
	var v string
	switch name {
	case "user_id":
		v = p.UserID
	case "service_id":
		v = p.ServiceID
	case "org_id":
		v = p.OrgID
	case "role":
		v = p.Role
	case "ticket_ref":
		v = p.TicketRef
	default:
		return nil, false
	}
	if v == "" {
		return nil, false
	}
	return v, true
}

// Claim returns a single claim value.
func (p *Principal) Claim(key string) (any, bool) {
	if p == nil || p.Claims == nil {
		return nil, false
	}
	v, ok := p.Claims[key]
	return v, ok
}

// Clone returns a copy with its own claims map.
func (p *Principal) Clone() *Principal {
	if p == nil {
		return nil
	}
	c := *p
	if p.Claims != nil {
		c.Claims = maps.Clone(p.Claims)
	}
	return &c
}
