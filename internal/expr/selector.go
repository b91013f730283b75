package expr

import (
	"strings"

	"github.com/ppiankov/callwarden/internal/model"
)

// Selector roots.
const (
	SelEnvironment = "environment"
	SelToolName    = "tool.name"
	SelOutputText  = "output.text"
)

var principalFields = map[string]struct{}{
	"user_id":    {},
	"service_id": {},
	"org_id":     {},
	"role":       {},
	"ticket_ref": {},
}

// Facts is everything an expression can observe about one call.
// Output is nil before the tool has run.
type Facts struct {
	Envelope *model.Envelope
	Output   *string
}

// PreFacts returns facts for evaluation before execution.
func PreFacts(env *model.Envelope) Facts {
	return Facts{Envelope: env}
}

// PostFacts returns facts carrying the stringified tool result.
func PostFacts(env *model.Envelope, output string) Facts {
	return Facts{Envelope: env, Output: &output}
}

// Resolve walks a dotted selector into the facts. A missing key at any
// level, a nil value, or an unknown selector all report ok=false.
func Resolve(selector string, f Facts) (any, bool) {
	if f.Envelope == nil {
		return nil, false
	}
	env := f.Envelope

	var (
		v  any
		ok bool
	)
	switch {
	case selector == SelEnvironment:
		v, ok = env.Environment(), env.Environment() != ""
	case selector == SelToolName:
		v, ok = env.Tool(), true
	case selector == SelOutputText:
		if f.Output != nil {
			v, ok = *f.Output, true
		}
	case strings.HasPrefix(selector, "args."):
		v, ok = env.Arg(strings.Split(strings.TrimPrefix(selector, "args."), ".")...)
	case strings.HasPrefix(selector, "principal.claims."):
		v, ok = env.Claim(strings.TrimPrefix(selector, "principal.claims."))
	case strings.HasPrefix(selector, "principal."):
		v, ok = env.PrincipalField(strings.TrimPrefix(selector, "principal."))
	}
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}
