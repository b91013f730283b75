// Package replay re-evaluates recorded audit events against a bundle
// without executing anything.
package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/ppiankov/callwarden/internal/audit"
	"github.com/ppiankov/callwarden/internal/contract"
	"github.com/ppiankov/callwarden/internal/model"
	"github.com/ppiankov/callwarden/internal/pipeline"
	"github.com/ppiankov/callwarden/internal/session"
)

// ReplayFile compiles the bundle at bundlePath and replays the JSONL
// audit log at logPath against it.
func ReplayFile(ctx context.Context, bundlePath, logPath string) (*Result, error) {
	b, err := contract.CompileFile(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("load bundle: %w", err)
	}
	log, err := audit.ReadEvents(logPath)
	if err != nil {
		return nil, err
	}
	r, err := Replay(ctx, b, log.Events)
	if err != nil {
		return nil, err
	}
	r.BundlePath = bundlePath
	r.Skipped += log.Skipped
	return r, nil
}

// Replay evaluates each event, in order, against b. Session counters are
// rebuilt from scratch as the events are replayed: a call the new bundle
// allows counts as an execution unless the log recorded that the tool
// failed.
func Replay(ctx context.Context, b *contract.Bundle, events []audit.Event) (*Result, error) {
	counters := session.NewMemoryBackend()
	defer counters.Close()

	result := &Result{PolicyVersion: b.Version, Entries: []Entry{}, Changes: []Entry{}}
	for i := range events {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ev := &events[i]
		env, err := envelope(ev)
		if err != nil {
			result.Skipped++
			continue
		}
		result.TotalEvents++

		eval := pipeline.Evaluate(ctx, b, env, counters, ev.Output)
		if eval.Reserved {
			if ev.ToolExecuted && !ev.ToolSuccess {
				err = counters.Release(ctx, env.SessionID(), env.Tool())
			} else {
				err = counters.Commit(ctx, env.SessionID(), env.Tool())
			}
			if err != nil {
				return nil, fmt.Errorf("replay session counters: %w", err)
			}
		}

		entry := Entry{
			Index:        i,
			Timestamp:    ev.Timestamp,
			CallID:       ev.CallID,
			SessionID:    ev.SessionID,
			Tool:         ev.Tool,
			OldEffect:    ev.Decision,
			NewEffect:    eval.Decision.Effect,
			OldDecidedBy: ev.DecidedBy,
			NewDecidedBy: eval.Decision.DecidedBy,
			OldReason:    ev.Reason,
			NewReason:    eval.Decision.Reason,
			NewSource:    eval.Decision.Source,
			NewWarnings:  eval.Warnings,
			PolicyError:  eval.PolicyError,
		}
		entry.Changed = verdictChanged(entry)
		result.Entries = append(result.Entries, entry)
		if !entry.Changed {
			continue
		}
		result.Changes = append(result.Changes, entry)
		result.ChangedEvents++
		if isPermissive(entry.OldEffect) && isRestrictive(entry.NewEffect) {
			result.NewlyDenied++
		}
		if isRestrictive(entry.OldEffect) && isPermissive(entry.NewEffect) {
			result.NewlyAllowed++
		}
	}
	return result, nil
}

// envelope rebuilds the call recorded in ev. Arguments and claims are as
// persisted, so redacted values stay redacted.
func envelope(ev *audit.Event) (*model.Envelope, error) {
	call := model.Call{
		Tool:        ev.Tool,
		Args:        ev.Args,
		SessionID:   ev.SessionID,
		Environment: ev.Environment,
		Principal:   ev.Principal,
		SideEffect:  ev.SideEffect,
		CallID:      ev.CallID,
	}
	if ts, err := time.Parse(model.TimeFormat, ev.Timestamp); err == nil {
		call.Timestamp = ts
	}
	return model.NewEnvelope(call, nil)
}

// verdictChanged reports a different effect, or the same denial (or
// would-deny) now decided by a different rule.
func verdictChanged(e Entry) bool {
	if e.OldEffect != e.NewEffect {
		return true
	}
	switch e.NewEffect {
	case model.Denied, model.CallWouldDeny:
		return e.OldDecidedBy != e.NewDecidedBy
	}
	return false
}

// isPermissive returns true for effects that let the tool run.
func isPermissive(d model.Decision) bool {
	switch d {
	case model.Allowed, model.CallWouldDeny, model.Warned:
		return true
	default:
		return false
	}
}

// isRestrictive returns true for effects that block the tool.
func isRestrictive(d model.Decision) bool {
	return d == model.Denied
}
