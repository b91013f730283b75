package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/callwarden/internal/model"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders events as a human-readable text timeline.
func FormatTimeline(events []Event, summary Summary) string {
	if len(events) == 0 {
		return "No events found.\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Events: %d | %s–%s UTC\n",
		len(events), formatDateRange(events[0].Timestamp), formatTimeOnly(events[len(events)-1].Timestamp))
	b.WriteString(separator + "\n")

	for _, e := range events {
		by := e.DecidedBy
		if by == "" && len(e.Warnings) > 0 {
			by = fmt.Sprintf("%d warning(s)", len(e.Warnings))
		}
		tag := ""
		if e.PolicyError {
			tag = "  [policy-error]"
		}
		fmt.Fprintf(&b, "%-10s %-16s %-20s %-12s %s%s\n",
			formatTimeOnly(e.Timestamp), e.Decision, truncate(e.Tool, 20), truncate(e.SessionID, 12), truncate(by, 40), tag)
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(summary))
	return b.String()
}

// FormatJSON renders a log as indented JSON.
func FormatJSON(l *Log) (string, error) {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal audit log: %w", err)
	}
	return string(data), nil
}

func formatDateRange(ts string) string {
	t, err := time.Parse(model.TimeFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatTimeOnly(ts string) string {
	t, err := time.Parse(model.TimeFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("15:04:05")
}

func formatSummary(s Summary) string {
	parts := []string{}
	if s.Allowed > 0 {
		parts = append(parts, fmt.Sprintf("%d allowed", s.Allowed))
	}
	if s.Denied > 0 {
		parts = append(parts, fmt.Sprintf("%d denied", s.Denied))
	}
	if s.WouldDeny > 0 {
		parts = append(parts, fmt.Sprintf("%d would-deny", s.WouldDeny))
	}
	if s.Warned > 0 {
		parts = append(parts, fmt.Sprintf("%d warned", s.Warned))
	}
	line := "Summary: " + strings.Join(parts, ", ")
	if s.PolicyErrors > 0 {
		line += fmt.Sprintf(" | %d policy error(s)", s.PolicyErrors)
	}
	return line + "\n"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
