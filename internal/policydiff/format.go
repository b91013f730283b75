package policydiff

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatText renders the diff result as human-readable text.
func FormatText(r *DiffResult) string {
	if !r.HasChanges {
		return fmt.Sprintf("Contract diff: %s → %s\n\nNo changes detected.\n", r.OldPath, r.NewPath)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Contract diff: %s → %s\n", r.OldPath, r.NewPath)

	if len(r.Changes) > 0 {
		b.WriteString("\n")
		for _, c := range r.Changes {
			writeChange(&b, "  ", 24, c)
		}
	}

	if len(r.Added)+len(r.Removed)+len(r.Changed) > 0 {
		b.WriteString("\n  Contracts:\n")
		for _, id := range r.Added {
			fmt.Fprintf(&b, "    + %s\n", id)
		}
		for _, id := range r.Removed {
			fmt.Fprintf(&b, "    - %s\n", id)
		}
		for _, cc := range r.Changed {
			fmt.Fprintf(&b, "    ~ %s (%s)\n", cc.ID, strings.Join(cc.Fields, ", "))
			for _, d := range cc.Details {
				writeChange(&b, "        ", 0, d)
			}
		}
	}

	fmt.Fprintf(&b, "\n%d added, %d removed, %d changed.\n", len(r.Added), len(r.Removed), len(r.Changed))
	return b.String()
}

func writeChange(b *strings.Builder, indent string, width int, c Change) {
	if width > 0 {
		fmt.Fprintf(b, "%s%-*s %s → %s", indent, width, c.Field+":", c.Old, c.New)
	} else {
		fmt.Fprintf(b, "%s%s: %s → %s", indent, c.Field, c.Old, c.New)
	}
	if c.Comment != "" {
		fmt.Fprintf(b, "  (%s)", c.Comment)
	}
	b.WriteString("\n")
}

// FormatJSON renders the diff result as JSON.
func FormatJSON(r *DiffResult) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal diff result: %w", err)
	}
	return string(data), nil
}
