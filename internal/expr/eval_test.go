package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/callwarden/internal/model"
)

func envelope(t *testing.T, call model.Call) *model.Envelope {
	t.Helper()
	if call.Tool == "" {
		call.Tool = "read_file"
	}
	env, err := model.NewEnvelope(call, nil)
	require.NoError(t, err)
	return env
}

func leaf(t *testing.T, selector string, op Operator, value any) *Leaf {
	t.Helper()
	l, err := NewLeaf(selector, op, value)
	require.NoError(t, err)
	return l
}

func eval(t *testing.T, e Expr, f Facts) bool {
	t.Helper()
	ok, err := Evaluate(e, f)
	require.NoError(t, err)
	return ok
}

func TestSelectors(t *testing.T) {
	env := envelope(t, model.Call{
		Tool:        "deploy",
		Environment: "staging",
		Args: map[string]any{
			"path":   "/etc/passwd",
			"config": map[string]any{"timeout": 30, "deep": map[string]any{"c": "x"}},
		},
		Principal: &model.Principal{
			UserID:    "alice",
			Role:      "admin",
			TicketRef: "JIRA-123",
			Claims:    map[string]any{"department": "platform"},
		},
	})
	f := PreFacts(env)

	cases := []struct {
		selector string
		value    any
	}{
		{"environment", "staging"},
		{"tool.name", "deploy"},
		{"args.path", "/etc/passwd"},
		{"args.config.timeout", 30},
		{"args.config.deep.c", "x"},
		{"principal.user_id", "alice"},
		{"principal.role", "admin"},
		{"principal.ticket_ref", "JIRA-123"},
		{"principal.claims.department", "platform"},
	}
	for _, tc := range cases {
		t.Run(tc.selector, func(t *testing.T) {
			assert.True(t, eval(t, leaf(t, tc.selector, OpEquals, tc.value), f))
		})
	}
}

func TestOutputText(t *testing.T) {
	env := envelope(t, model.Call{})
	l := leaf(t, "output.text", OpContains, "secret")

	assert.True(t, eval(t, l, PostFacts(env, "the secret is out")))
	assert.False(t, eval(t, l, PreFacts(env)), "output.text is missing before execution")
}

func TestMissingPathsEvaluateFalse(t *testing.T) {
	env := envelope(t, model.Call{Args: map[string]any{"config": map[string]any{}, "flat": "x"}})
	f := PreFacts(env)

	for _, sel := range []string{
		"args.nonexistent",
		"args.config.timeout",
		"args.flat.deeper",
		"principal.role",
		"principal.claims.team",
		"principal.unknown",
		"unknown.selector",
		"environment",
	} {
		for _, op := range []Operator{OpEquals, OpNotEquals, OpNotIn, OpGt, OpContains} {
			var v any = "x"
			switch op {
			case OpNotIn:
				v = []any{"x"}
			case OpGt:
				v = 1
			}
			ok, err := Evaluate(leaf(t, sel, op, v), f)
			assert.NoError(t, err, "%s %s", sel, op)
			assert.False(t, ok, "%s %s", sel, op)
		}
	}
}

func TestExists(t *testing.T) {
	present := PreFacts(envelope(t, model.Call{Args: map[string]any{"path": "/tmp/file", "empty": nil}}))

	assert.True(t, eval(t, leaf(t, "args.path", OpExists, true), present))
	assert.False(t, eval(t, leaf(t, "args.path", OpExists, false), present))
	assert.False(t, eval(t, leaf(t, "args.other", OpExists, true), present))
	assert.True(t, eval(t, leaf(t, "args.other", OpExists, false), present))
	assert.False(t, eval(t, leaf(t, "args.empty", OpExists, true), present), "null counts as absent")
	assert.True(t, eval(t, leaf(t, "principal.role", OpExists, false), present))
}

func TestEqualityAndMembership(t *testing.T) {
	f := PreFacts(envelope(t, model.Call{
		Environment: "staging",
		Args:        map[string]any{"path": ".env", "count": 42, "dry_run": true},
		Principal:   &model.Principal{Role: "sre"},
	}))

	assert.True(t, eval(t, leaf(t, "args.path", OpEquals, ".env"), f))
	assert.False(t, eval(t, leaf(t, "args.path", OpEquals, ".secret"), f))
	assert.True(t, eval(t, leaf(t, "args.count", OpEquals, 42), f))
	assert.True(t, eval(t, leaf(t, "args.count", OpEquals, 42.0), f))
	assert.False(t, eval(t, leaf(t, "args.count", OpEquals, "42"), f), "no string/number coercion")
	assert.True(t, eval(t, leaf(t, "args.dry_run", OpEquals, true), f))
	assert.True(t, eval(t, leaf(t, "environment", OpNotEquals, "production"), f))
	assert.False(t, eval(t, leaf(t, "environment", OpNotEquals, "staging"), f))

	assert.True(t, eval(t, leaf(t, "principal.role", OpIn, []string{"sre", "admin"}), f))
	assert.False(t, eval(t, leaf(t, "principal.role", OpIn, []string{"admin"}), f))
	assert.True(t, eval(t, leaf(t, "principal.role", OpNotIn, []string{"admin"}), f))
	assert.False(t, eval(t, leaf(t, "principal.role", OpNotIn, []string{"sre", "admin"}), f))
}

func TestStringOperators(t *testing.T) {
	f := PreFacts(envelope(t, model.Call{Args: map[string]any{
		"path":    "/home/user/.env.local",
		"command": "rm -rf /tmp",
		"tags":    []any{"prod", "db"},
	}}))

	assert.True(t, eval(t, leaf(t, "args.path", OpContains, ".env"), f))
	assert.False(t, eval(t, leaf(t, "args.path", OpContains, ".secret"), f))
	assert.True(t, eval(t, leaf(t, "args.path", OpContainsAny, []string{".secret", ".env"}), f))
	assert.False(t, eval(t, leaf(t, "args.path", OpContainsAny, []string{".secret", ".pem"}), f))
	assert.True(t, eval(t, leaf(t, "args.path", OpStartsWith, "/home"), f))
	assert.True(t, eval(t, leaf(t, "args.path", OpEndsWith, ".local"), f))
	assert.True(t, eval(t, leaf(t, "args.command", OpMatches, `\brm\s+(-rf?|--recursive)\b`), f))
	assert.False(t, eval(t, leaf(t, "args.command", OpMatches, `\bmkfs\b`), f))
	assert.True(t, eval(t, leaf(t, "args.command", OpMatchesAny, []string{`\bmkfs\b`, `\brm\b`}), f))

	assert.True(t, eval(t, leaf(t, "args.tags", OpContains, "prod"), f), "contains on a list checks membership")
	assert.True(t, eval(t, leaf(t, "args.tags", OpContainsAny, []string{"x", "db"}), f))
}

func TestNumericOperators(t *testing.T) {
	f := PreFacts(envelope(t, model.Call{Args: map[string]any{"count": 10, "score": 3.14}}))

	assert.True(t, eval(t, leaf(t, "args.count", OpGt, 5), f))
	assert.False(t, eval(t, leaf(t, "args.count", OpGt, 10), f))
	assert.True(t, eval(t, leaf(t, "args.count", OpGte, 10), f))
	assert.True(t, eval(t, leaf(t, "args.count", OpLt, 15), f))
	assert.False(t, eval(t, leaf(t, "args.count", OpLt, 10), f))
	assert.True(t, eval(t, leaf(t, "args.count", OpLte, 10), f))
	assert.True(t, eval(t, leaf(t, "args.score", OpGt, 3.0), f))
}

func TestTypeMismatchIsPolicyError(t *testing.T) {
	f := PreFacts(envelope(t, model.Call{Args: map[string]any{"count": 42, "name": "alice", "flag": true}}))

	cases := []*Leaf{
		leaf(t, "args.count", OpContains, "4"),
		leaf(t, "args.count", OpStartsWith, "4"),
		leaf(t, "args.count", OpMatches, `\d+`),
		leaf(t, "args.name", OpGt, 5),
		leaf(t, "args.flag", OpLt, 1),
	}
	for _, l := range cases {
		ok, err := Evaluate(l, f)
		var perr *PolicyError
		require.ErrorAs(t, err, &perr, l.String())
		assert.Contains(t, perr.Message, "type mismatch")
		assert.False(t, ok)
	}
}

func TestPolicyErrorPropagates(t *testing.T) {
	f := PreFacts(envelope(t, model.Call{Args: map[string]any{"count": "not_a_number"}}))
	bad := leaf(t, "args.count", OpGt, 5)
	truthy := leaf(t, "tool.name", OpEquals, "read_file")

	all, _ := NewAnd(truthy, bad)
	anyOf, _ := NewOr(leaf(t, "tool.name", OpEquals, "other"), bad)
	not, _ := NewNot(bad)

	for name, e := range map[string]Expr{"all": all, "any": anyOf, "not": not} {
		_, err := Evaluate(e, f)
		var perr *PolicyError
		assert.ErrorAs(t, err, &perr, name)
	}
}

func TestShortCircuit(t *testing.T) {
	f := PreFacts(envelope(t, model.Call{Args: map[string]any{"count": "not_a_number"}}))
	bad := leaf(t, "args.count", OpGt, 5)

	// all stops at the first false, so the bad leaf is never reached.
	all, _ := NewAnd(leaf(t, "tool.name", OpEquals, "other"), bad)
	ok, err := Evaluate(all, f)
	assert.NoError(t, err)
	assert.False(t, ok)

	// any stops at the first true.
	anyOf, _ := NewOr(leaf(t, "tool.name", OpEquals, "read_file"), bad)
	ok, err = Evaluate(anyOf, f)
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestNestedBoolean(t *testing.T) {
	expr := func(t *testing.T) Expr {
		not, _ := NewNot(leaf(t, "principal.role", OpIn, []string{"senior_engineer", "sre", "admin"}))
		all, _ := NewAnd(leaf(t, "environment", OpEquals, "production"), not)
		return all
	}(t)

	junior := PreFacts(envelope(t, model.Call{Environment: "production", Principal: &model.Principal{Role: "junior"}}))
	sre := PreFacts(envelope(t, model.Call{Environment: "production", Principal: &model.Principal{Role: "sre"}}))

	assert.True(t, eval(t, expr, junior))
	assert.False(t, eval(t, expr, sre))
}

func TestNewLeafValidation(t *testing.T) {
	bad := []struct {
		op    Operator
		value any
	}{
		{OpExists, "yes"},
		{OpIn, "not-a-list"},
		{OpIn, []any{}},
		{OpMatches, "(unclosed"},
		{OpMatchesAny, []any{"ok", "[bad"}},
		{OpMatchesAny, []any{1}},
		{OpGt, "five"},
		{OpContains, 3},
		{OpEquals, []any{"x"}},
		{Operator("near"), "x"},
	}
	for _, tc := range bad {
		_, err := NewLeaf("args.x", tc.op, tc.value)
		assert.Error(t, err, "%s %v", tc.op, tc.value)
	}

	_, err := NewAnd()
	assert.Error(t, err)
	_, err = NewOr()
	assert.Error(t, err)
	_, err = NewNot(nil)
	assert.Error(t, err)
}

func TestHasSelector(t *testing.T) {
	not, _ := NewNot(leaf(t, "output.text", OpContains, "x"))
	all, _ := NewAnd(leaf(t, "args.path", OpExists, true), not)

	assert.True(t, HasSelector(all, "output.text"))
	assert.False(t, HasSelector(all, "environment"))
}

func TestValidSelector(t *testing.T) {
	for _, s := range []string{"environment", "tool.name", "output.text", "args.path", "args.a.b", "principal.role", "principal.claims.team"} {
		assert.True(t, ValidSelector(s), s)
	}
	for _, s := range []string{"args.", "args..x", "principal.name", "principal.claims.", "tool", "output.json", "request.model"} {
		assert.False(t, ValidSelector(s), s)
	}
}

func TestMapRendersBundleForm(t *testing.T) {
	all, _ := NewAnd(leaf(t, "args.path", OpContains, ".env"))
	assert.Equal(t, map[string]any{
		"all": []any{map[string]any{"args.path": map[string]any{"contains": ".env"}}},
	}, all.Map())
}
