// Package policydiff compares two contract bundles.
package policydiff

import (
	"bytes"
	"fmt"
	"slices"
	"strconv"

	"github.com/ppiankov/callwarden/internal/contract"
	"github.com/ppiankov/callwarden/internal/model"
)

// Fields compared per contract, in report order.
var Fields = []string{"type", "enabled", "mode", "tool", "when", "effect", "message", "tags", "metadata", "limits"}

// Change is a scalar change, either bundle-level or inside a contract.
type Change struct {
	Field   string `json:"field"`
	Old     string `json:"old"`
	New     string `json:"new"`
	Comment string `json:"comment,omitempty"`
}

// ContractChange describes a contract present in both bundles whose
// canonical form differs.
type ContractChange struct {
	ID      string   `json:"id"`
	Fields  []string `json:"fields"`
	Details []Change `json:"details,omitempty"`
}

// DiffResult holds the comparison of two bundles. Added and Removed keep
// the order of the bundle they come from.
type DiffResult struct {
	OldPath    string           `json:"old_path"`
	NewPath    string           `json:"new_path"`
	OldVersion string           `json:"old_version"`
	NewVersion string           `json:"new_version"`
	Changes    []Change         `json:"changes"`
	Added      []string         `json:"added"`
	Removed    []string         `json:"removed"`
	Changed    []ContractChange `json:"changed"`
	HasChanges bool             `json:"has_changes"`
}

// Diff compares old and new by contract id. Two contracts are the same
// when their canonical JSON matches field by field, so reordering the
// children of all/any or repeating a tag is not a change.
func Diff(old, new *contract.Bundle) (*DiffResult, error) {
	r := &DiffResult{
		OldVersion: old.Version,
		NewVersion: new.Version,
		Changes:    []Change{},
		Added:      []string{},
		Removed:    []string{},
		Changed:    []ContractChange{},
	}

	if old.DefaultMode != new.DefaultMode {
		r.Changes = append(r.Changes, Change{
			Field:   "defaults.mode",
			Old:     string(old.DefaultMode),
			New:     string(new.DefaultMode),
			Comment: modeComment(old.DefaultMode, new.DefaultMode),
		})
	}
	if old.Name != new.Name {
		r.Changes = append(r.Changes, Change{Field: "metadata.name", Old: old.Name, New: new.Name})
	}

	for _, nc := range new.Contracts {
		oc, ok := old.Contract(nc.ID)
		if !ok {
			r.Added = append(r.Added, nc.ID)
			continue
		}
		cc, err := diffContract(oc, nc)
		if err != nil {
			return nil, err
		}
		if cc != nil {
			r.Changed = append(r.Changed, *cc)
		}
	}
	for _, oc := range old.Contracts {
		if _, ok := new.Contract(oc.ID); !ok {
			r.Removed = append(r.Removed, oc.ID)
		}
	}

	r.HasChanges = len(r.Changes) > 0 || len(r.Added) > 0 || len(r.Removed) > 0 || len(r.Changed) > 0
	return r, nil
}

func diffContract(old, new *contract.Contract) (*ContractChange, error) {
	of, err := contract.CanonicalFields(old)
	if err != nil {
		return nil, fmt.Errorf("contract %s: %w", old.ID, err)
	}
	nf, err := contract.CanonicalFields(new)
	if err != nil {
		return nil, fmt.Errorf("contract %s: %w", new.ID, err)
	}

	cc := &ContractChange{ID: new.ID}
	for _, f := range Fields {
		if !bytes.Equal(of[f], nf[f]) {
			cc.Fields = append(cc.Fields, f)
		}
	}
	if len(cc.Fields) == 0 {
		return nil, nil
	}

	if old.Mode != new.Mode {
		cc.Details = append(cc.Details, Change{
			Field: "mode", Old: string(old.Mode), New: string(new.Mode),
			Comment: modeComment(old.Mode, new.Mode),
		})
	}
	if old.Enabled != new.Enabled {
		comment := "looser"
		if new.Enabled {
			comment = "stricter"
		}
		cc.Details = append(cc.Details, Change{
			Field: "enabled", Old: strconv.FormatBool(old.Enabled), New: strconv.FormatBool(new.Enabled),
			Comment: comment,
		})
	}
	if old.Tool != new.Tool {
		cc.Details = append(cc.Details, Change{Field: "tool", Old: old.Tool, New: new.Tool})
	}
	diffLimits(cc, old.Limits, new.Limits)
	return cc, nil
}

func diffLimits(cc *ContractChange, old, new *contract.Limits) {
	if old == nil {
		old = &contract.Limits{}
	}
	if new == nil {
		new = &contract.Limits{}
	}
	diffLimit(cc, "limits.max_tool_calls", old.MaxToolCalls, new.MaxToolCalls)
	diffLimit(cc, "limits.max_attempts", old.MaxAttempts, new.MaxAttempts)

	for _, tool := range unionKeys(old.MaxCallsPerTool, new.MaxCallsPerTool) {
		diffLimit(cc, "limits.max_calls_per_tool."+tool, old.MaxCallsPerTool[tool], new.MaxCallsPerTool[tool])
	}
}

// diffLimit records a numeric limit change. Lower is stricter; zero means
// unlimited.
func diffLimit(cc *ContractChange, field string, old, new int) {
	if old == new {
		return
	}
	cc.Details = append(cc.Details, Change{
		Field:   field,
		Old:     limitString(old),
		New:     limitString(new),
		Comment: limitComment(old, new),
	})
}

func limitString(n int) string {
	if n <= 0 {
		return "unlimited"
	}
	return strconv.Itoa(n)
}

func limitComment(old, new int) string {
	switch {
	case old <= 0:
		return "stricter"
	case new <= 0:
		return "looser"
	case new < old:
		return "stricter"
	default:
		return "looser"
	}
}

func modeComment(old, new model.Mode) string {
	if new == model.ModeEnforce && old == model.ModeObserve {
		return "stricter"
	}
	return "looser"
}

func unionKeys(a, b map[string]int) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, m := range []map[string]int{a, b} {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	slices.Sort(out)
	return out
}
