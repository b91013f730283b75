package server

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ppiankov/callwarden/internal/audit"
	"github.com/ppiankov/callwarden/internal/model"
	"github.com/ppiankov/callwarden/internal/pipeline"
)

// callFromRequest reads a call from a request struct:
//
//	{tool, args, session_id, environment, side_effect, call_id, principal}
//
// The token principal wins; a body principal is accepted only when
// trustBody is set.
func callFromRequest(ctx context.Context, req *structpb.Struct, trustBody bool) (model.Call, error) {
	m := req.AsMap()
	call := model.Call{
		Tool:        stringField(m, "tool"),
		SessionID:   stringField(m, "session_id"),
		Environment: stringField(m, "environment"),
		SideEffect:  model.SideEffect(stringField(m, "side_effect")),
		CallID:      stringField(m, "call_id"),
	}
	if call.Tool == "" {
		return call, fmt.Errorf("tool is required")
	}
	switch args := m["args"].(type) {
	case nil:
	case map[string]any:
		call.Args = args
	default:
		return call, fmt.Errorf("args must be an object, got %T", args)
	}

	if p := principalFrom(ctx); p != nil {
		call.Principal = p
	} else if raw, ok := m["principal"].(map[string]any); ok && trustBody {
		p, err := decodePrincipal(raw)
		if err != nil {
			return call, err
		}
		call.Principal = p
	}
	return call, nil
}

func decodePrincipal(raw map[string]any) (*model.Principal, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("principal: %w", err)
	}
	var p model.Principal
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("principal: %w", err)
	}
	return &p, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func decisionFields(d pipeline.Decision) map[string]any {
	return map[string]any{
		"effect":       string(d.Effect),
		"allowed":      !d.Denied(),
		"source":       string(d.Source),
		"decided_by":   d.DecidedBy,
		"reason":       d.Reason,
		"policy_error": d.PolicyError,
	}
}

func contractList(rs []audit.ContractRecord) []any {
	out := make([]any, 0, len(rs))
	for _, r := range rs {
		out = append(out, map[string]any{
			"id":       r.ID,
			"type":     string(r.Type),
			"mode":     string(r.Mode),
			"passed":   r.Passed,
			"decision": string(r.Decision),
			"message":  r.Message,
		})
	}
	return out
}

func stringList(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func toStruct(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return s, nil
}
