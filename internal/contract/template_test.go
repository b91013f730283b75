package contract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/callwarden/internal/expr"
	"github.com/ppiankov/callwarden/internal/model"
)

func factsFor(t *testing.T, args map[string]any) expr.Facts {
	t.Helper()
	env, err := model.NewEnvelope(model.Call{Tool: "read_file", Args: args, Environment: "prod"}, nil)
	require.NoError(t, err)
	return expr.PreFacts(env)
}

func TestRenderMessage(t *testing.T) {
	f := factsFor(t, map[string]any{"path": "/app/.env", "count": 3, "tags": []any{"a", "b"}})

	assert.Equal(t, "Sensitive file /app/.env denied.", RenderMessage("Sensitive file {args.path} denied.", f))
	assert.Equal(t, "read_file in prod", RenderMessage("{tool.name} in {environment}", f))
	assert.Equal(t, "count=3", RenderMessage("count={args.count}", f))
	assert.Equal(t, `tags=["a","b"]`, RenderMessage("tags={args.tags}", f))
}

func TestRenderMessageKeepsUnresolvedPlaceholders(t *testing.T) {
	f := factsFor(t, map[string]any{})
	assert.Equal(t, "missing {args.nope} here", RenderMessage("missing {args.nope} here", f))
	assert.Equal(t, "{principal.role}", RenderMessage("{principal.role}", f))
}

func TestRenderMessageCapsExpansion(t *testing.T) {
	f := factsFor(t, map[string]any{"blob": strings.Repeat("x", 1000)})
	out := RenderMessage("v={args.blob}", f)
	assert.Equal(t, 2+MaxExpansionLen, len(out))
	assert.True(t, strings.HasSuffix(out, "..."))
}

func TestRenderMessageCapsTotal(t *testing.T) {
	f := factsFor(t, map[string]any{"blob": strings.Repeat("y", 1000)})
	tmpl := strings.Repeat("{args.blob}", 4)
	out := RenderMessage(tmpl, f)
	assert.Equal(t, MaxMessageLen, len([]rune(out)))
	assert.True(t, strings.HasSuffix(out, "..."))
}

func TestValidateTemplate(t *testing.T) {
	for _, ok := range []string{
		"plain text",
		"File {args.path} blocked",
		"{tool.name} by {principal.user_id}",
		"{args.file-name}",
	} {
		assert.NoError(t, ValidateTemplate(ok), ok)
	}

	for tmpl, want := range map[string]string{
		"{args.path":             "unclosed",
		"args.path}":             "unmatched",
		"{a{b}}":                 "nested",
		"{}":                     "invalid placeholder",
		"{args..x}":              "invalid placeholder",
		"{args.x y}":             "invalid placeholder",
		strings.Repeat("m", 501): "max 500",
	} {
		err := ValidateTemplate(tmpl)
		require.Error(t, err, tmpl)
		assert.Contains(t, err.Error(), want)
	}
}
