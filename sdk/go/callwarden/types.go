package callwarden

import (
	"fmt"

	"github.com/ppiankov/callwarden/internal/model"
	"github.com/ppiankov/callwarden/internal/pipeline"
)

// Decision is the effect of a governed call.
type Decision string

const (
	Allowed       Decision = Decision(model.Allowed)
	Denied        Decision = Decision(model.Denied)
	CallWouldDeny Decision = Decision(model.CallWouldDeny)
)

// SideEffect classifies what a tool does to the world.
type SideEffect string

const (
	Pure         SideEffect = SideEffect(model.SideEffectPure)
	Read         SideEffect = SideEffect(model.SideEffectRead)
	Write        SideEffect = SideEffect(model.SideEffectWrite)
	Irreversible SideEffect = SideEffect(model.SideEffectIrreversible)
)

// Principal identifies who a call acts for.
type Principal struct {
	UserID    string
	ServiceID string
	OrgID     string
	Role      string
	TicketRef string
	Claims    map[string]any
}

// Call describes one tool invocation. Empty session, environment and
// principal fall back to the Guard defaults.
type Call struct {
	Tool        string
	Args        map[string]any
	SessionID   string
	Environment string
	Principal   *Principal
	SideEffect  SideEffect
}

// Result is a governance decision.
type Result struct {
	Decision      Decision
	Source        string // gate that failed first: precondition, session_contract, ...
	DecidedBy     string // contract or hook id
	Reason        string
	Warnings      []string
	PolicyError   bool
	PolicyVersion string
}

// Allowed returns true if the tool may run.
func (r Result) Allowed() bool {
	return r.Decision != Denied
}

// DeniedError is returned when a contract or hook blocks a call.
type DeniedError struct {
	Call      Call
	Source    string
	DecidedBy string
	Reason    string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("callwarden denied %s (%s): %s", e.Call.Tool, e.DecidedBy, e.Reason)
}

// toModelCall maps an SDK Call to a pipeline call, applying defaults.
func (g *Guard) toModelCall(c Call) model.Call {
	mc := model.Call{
		Tool:        c.Tool,
		Args:        c.Args,
		SessionID:   c.SessionID,
		Environment: c.Environment,
		SideEffect:  model.SideEffect(c.SideEffect),
	}
	if mc.SessionID == "" {
		mc.SessionID = g.cfg.sessionID
	}
	if mc.Environment == "" {
		mc.Environment = g.cfg.environment
	}
	p := c.Principal
	if p == nil {
		p = g.cfg.principal
	}
	if p != nil {
		mc.Principal = &model.Principal{
			UserID:    p.UserID,
			ServiceID: p.ServiceID,
			OrgID:     p.OrgID,
			Role:      p.Role,
			TicketRef: p.TicketRef,
			Claims:    p.Claims,
		}
	}
	return mc
}

func toResult(d pipeline.Decision, warnings []string, policyVersion string) Result {
	return Result{
		Decision:      Decision(d.Effect),
		Source:        string(d.Source),
		DecidedBy:     d.DecidedBy,
		Reason:        d.Reason,
		Warnings:      warnings,
		PolicyError:   d.PolicyError,
		PolicyVersion: policyVersion,
	}
}
