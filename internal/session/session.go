// Package session tracks per-session attempt and execution counters.
//
// Every backend serializes check-and-increment per session id, so two
// concurrent calls in one session cannot both pass a boundary. Executions
// are reserved before the tool runs and committed or released afterwards;
// in-flight reservations count toward the execution limits.
package session

import (
	"context"
	"fmt"
	"maps"
)

// Limit names used in Result.Limit.
const (
	LimitAttempts     = "max_attempts"
	LimitToolCalls    = "max_tool_calls"
	LimitCallsPerTool = "max_calls_per_tool"
)

// Limits bounds one session. Zero means unlimited.
type Limits struct {
	MaxAttempts     int
	MaxToolCalls    int
	MaxCallsPerTool map[string]int
}

// IsZero reports whether no limit is set.
func (l Limits) IsZero() bool {
	return l.MaxAttempts <= 0 && l.MaxToolCalls <= 0 && len(l.MaxCallsPerTool) == 0
}

// Snapshot is a point-in-time copy of one session's counters.
type Snapshot struct {
	Attempts       int            `json:"attempts"`
	Executions     int            `json:"executions"`
	InFlight       int            `json:"in_flight"`
	ToolExecutions map[string]int `json:"tool_executions,omitempty"`
	ToolInFlight   map[string]int `json:"tool_in_flight,omitempty"`
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	s.ToolExecutions = maps.Clone(s.ToolExecutions)
	s.ToolInFlight = maps.Clone(s.ToolInFlight)
	return s
}

// Result is the outcome of an attempt or reservation. Snapshot holds the
// counters as they were before the operation.
type Result struct {
	Allowed  bool
	Limit    string
	Count    int
	Max      int
	Snapshot Snapshot
}

// Reason renders a denied result for audit records and messages.
func (r Result) Reason() string {
	if r.Allowed {
		return ""
	}
	return fmt.Sprintf("session limit exceeded: %s %d/%d", r.Limit, r.Count, r.Max)
}

// Backend stores session counters. Implementations must be safe for
// concurrent use and must not hold a session lock across tool execution.
type Backend interface {
	// Attempt denies without incrementing when the attempt counter has
	// reached max (0 means unlimited); otherwise it increments the counter.
	Attempt(ctx context.Context, sessionID string, max int) (Result, error)
	// Reserve checks execution limits for tool, counting in-flight
	// reservations, and reserves one execution slot when within limits.
	Reserve(ctx context.Context, sessionID, tool string, limits Limits) (Result, error)
	// Commit converts a reservation into a completed execution.
	Commit(ctx context.Context, sessionID, tool string) error
	// Release drops a reservation without counting an execution.
	Release(ctx context.Context, sessionID, tool string) error
	Snapshot(ctx context.Context, sessionID string) (Snapshot, error)
	Close() error
}

// CheckAttempts tests the attempt counter in s against max.
func CheckAttempts(s Snapshot, max int) Result {
	if max > 0 && s.Attempts >= max {
		return Result{Limit: LimitAttempts, Count: s.Attempts, Max: max, Snapshot: s}
	}
	return Result{Allowed: true, Snapshot: s}
}

// CheckExecutions tests execution limits for tool in s, counting in-flight
// reservations as executions.
func CheckExecutions(s Snapshot, tool string, l Limits) Result {
	if total := s.Executions + s.InFlight; l.MaxToolCalls > 0 && total >= l.MaxToolCalls {
		return Result{Limit: LimitToolCalls, Count: total, Max: l.MaxToolCalls, Snapshot: s}
	}
	if max, ok := l.MaxCallsPerTool[tool]; ok && max > 0 {
		if n := s.ToolExecutions[tool] + s.ToolInFlight[tool]; n >= max {
			return Result{Limit: LimitCallsPerTool, Count: n, Max: max, Snapshot: s}
		}
	}
	return Result{Allowed: true, Snapshot: s}
}

// Merge combines limits taking the strictest value of each.
func Merge(ls ...Limits) Limits {
	var out Limits
	for _, l := range ls {
		out.MaxAttempts = minPositive(out.MaxAttempts, l.MaxAttempts)
		out.MaxToolCalls = minPositive(out.MaxToolCalls, l.MaxToolCalls)
		for tool, n := range l.MaxCallsPerTool {
			if out.MaxCallsPerTool == nil {
				out.MaxCallsPerTool = make(map[string]int)
			}
			out.MaxCallsPerTool[tool] = minPositive(out.MaxCallsPerTool[tool], n)
		}
	}
	return out
}

func minPositive(a, b int) int {
	switch {
	case a <= 0:
		return b
	case b <= 0:
		return a
	default:
		return min(a, b)
	}
}
