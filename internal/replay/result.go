package replay

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ppiankov/callwarden/internal/model"
)

// Entry is one replayed event.
type Entry struct {
	Index        int            `json:"index"`
	Timestamp    string         `json:"ts"`
	CallID       string         `json:"call_id"`
	SessionID    string         `json:"session_id,omitempty"`
	Tool         string         `json:"tool"`
	OldEffect    model.Decision `json:"old_effect"`
	NewEffect    model.Decision `json:"new_effect"`
	OldDecidedBy string         `json:"old_decided_by,omitempty"`
	NewDecidedBy string         `json:"new_decided_by,omitempty"`
	OldReason    string         `json:"old_reason,omitempty"`
	NewReason    string         `json:"new_reason,omitempty"`
	NewSource    model.Source   `json:"new_source,omitempty"`
	NewWarnings  []string       `json:"new_warnings,omitempty"`
	PolicyError  bool           `json:"policy_error,omitempty"`
	Changed      bool           `json:"changed"`
}

// Result holds the complete replay output.
type Result struct {
	BundlePath    string  `json:"bundle_path,omitempty"`
	PolicyVersion string  `json:"policy_version"`
	TotalEvents   int     `json:"total_events"`
	ChangedEvents int     `json:"changed_events"`
	NewlyDenied   int     `json:"newly_denied"`
	NewlyAllowed  int     `json:"newly_allowed"`
	Skipped       int     `json:"skipped,omitempty"`
	Entries       []Entry `json:"entries"`
	Changes       []Entry `json:"changes"`
}

// FormatText renders the replay result as human-readable text.
func FormatText(r *Result) string {
	var b strings.Builder

	version := r.PolicyVersion
	if len(version) > 12 {
		version = version[:12]
	}
	fmt.Fprintf(&b, "Replaying %s (%s) against %d recorded events...\n", r.BundlePath, version, r.TotalEvents)

	if len(r.Changes) == 0 {
		b.WriteString("\nNo changes detected.\n")
		return b.String()
	}

	b.WriteString("\n")
	for _, e := range r.Changes {
		ts := e.Timestamp
		if len(ts) >= 19 {
			ts = ts[11:19]
		}
		by := e.NewDecidedBy
		switch {
		case by == "":
			by = e.OldDecidedBy
		case e.OldDecidedBy != "" && e.OldDecidedBy != by:
			by = e.OldDecidedBy + " → " + by
		}
		fmt.Fprintf(&b, "  CHANGED  %s  %-16s %s → %s", ts, truncate(e.Tool, 16), e.OldEffect, e.NewEffect)
		if by != "" {
			fmt.Fprintf(&b, "  (%s)", by)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "\n%d of %d events changed.", r.ChangedEvents, r.TotalEvents)
	if r.NewlyDenied > 0 || r.NewlyAllowed > 0 {
		fmt.Fprintf(&b, " %d newly denied, %d newly allowed.", r.NewlyDenied, r.NewlyAllowed)
	}
	b.WriteString("\n")
	return b.String()
}

// FormatJSON renders the replay result as JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal replay result: %w", err)
	}
	return string(data), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
