package contract

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"sort"

	"github.com/gowebpki/jcs"

	"github.com/ppiankov/callwarden/internal/expr"
)

// CanonicalFields returns each structural field of c as RFC 8785 canonical
// JSON. The children of all/any are sorted and tags are treated as a set,
// so reordering either does not change the encoding.
func CanonicalFields(c *Contract) (map[string][]byte, error) {
	fields := map[string]any{
		"type":    string(c.Type),
		"enabled": c.Enabled,
		"mode":    string(c.Mode),
		"tool":    c.Tool,
		"effect":  string(c.Then.Effect),
		"message": c.Then.Message,
		"tags":    sortedTags(c.Then.Tags),
	}
	if c.When != nil {
		w, err := canonicalExpr(c.When)
		if err != nil {
			return nil, err
		}
		fields["when"] = w
	}
	if c.Limits != nil {
		fields["limits"] = limitsMap(c.Limits)
	}
	if len(c.Then.Metadata) > 0 {
		fields["metadata"] = c.Then.Metadata
	}

	out := make(map[string][]byte, len(fields))
	for k, v := range fields {
		b, err := CanonicalJSON(v)
		if err != nil {
			return nil, fmt.Errorf("canonicalize %s.%s: %w", c.ID, k, err)
		}
		out[k] = b
	}
	return out, nil
}

// Fingerprint is the SHA-256 of the whole canonical contract.
func Fingerprint(c *Contract) (string, error) {
	fields, err := CanonicalFields(c)
	if err != nil {
		return "", err
	}
	doc := make(map[string]json.RawMessage, len(fields)+1)
	for k, v := range fields {
		doc[k] = v
	}
	id, _ := json.Marshal(c.ID)
	doc["id"] = id
	b, err := CanonicalJSON(doc)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalJSON marshals v and transforms it with JCS.
func CanonicalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(b)
}

func canonicalExpr(e expr.Expr) (any, error) {
	switch n := e.(type) {
	case *expr.And:
		return canonicalChildren("all", n.Children)
	case *expr.Or:
		return canonicalChildren("any", n.Children)
	case *expr.Not:
		child, err := canonicalExpr(n.Child)
		if err != nil {
			return nil, err
		}
		return map[string]any{"not": child}, nil
	default:
		return e.Map(), nil
	}
}

func canonicalChildren(key string, children []expr.Expr) (any, error) {
	encoded := make([]json.RawMessage, len(children))
	for i, c := range children {
		v, err := canonicalExpr(c)
		if err != nil {
			return nil, err
		}
		b, err := CanonicalJSON(v)
		if err != nil {
			return nil, err
		}
		encoded[i] = b
	}
	sort.Slice(encoded, func(i, j int) bool { return bytes.Compare(encoded[i], encoded[j]) < 0 })
	return map[string]any{key: encoded}, nil
}

func sortedTags(tags []string) []string {
	out := slices.Clone(tags)
	if out == nil {
		out = []string{}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func limitsMap(l *Limits) map[string]any {
	m := map[string]any{}
	if l.MaxToolCalls > 0 {
		m["max_tool_calls"] = l.MaxToolCalls
	}
	if l.MaxAttempts > 0 {
		m["max_attempts"] = l.MaxAttempts
	}
	if len(l.MaxCallsPerTool) > 0 {
		m["max_calls_per_tool"] = l.MaxCallsPerTool
	}
	return m
}
