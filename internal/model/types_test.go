package model

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func TestNewEnvelopeDefaults(t *testing.T) {
	reg := NewToolRegistry()
	reg.RegisterDefaults()

	env, err := NewEnvelope(Call{
		Tool:      "Bash",
		Args:      map[string]any{"command": "ls -la", "timeout": 30},
		SessionID: "sess-1",
	}, reg)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	if env.CallID() == "" {
		t.Error("expected generated call_id")
	}
	if env.SideEffect() != SideEffectIrreversible {
		t.Errorf("expected irreversible, got %s", env.SideEffect())
	}
	if env.Timestamp().Location() != time.UTC {
		t.Errorf("expected UTC timestamp, got %v", env.Timestamp().Location())
	}
	if v, _ := env.Arg("timeout"); v != float64(30) {
		t.Errorf("expected timeout widened to float64, got %T %v", v, v)
	}
	if cmd, ok := env.BashCommand(); !ok || cmd != "ls -la" {
		t.Errorf("expected bash command, got %q %v", cmd, ok)
	}
}

func TestNewEnvelopeRequiresTool(t *testing.T) {
	if _, err := NewEnvelope(Call{}, nil); err == nil {
		t.Fatal("expected error for empty tool")
	}
}

func TestEnvelopeIsImmutable(t *testing.T) {
	args := map[string]any{"config": map[string]any{"path": "/tmp"}}
	p := &Principal{Role: "sre", Claims: map[string]any{"team": "infra"}}

	env, err := NewEnvelope(Call{Tool: "read_file", Args: args, Principal: p}, nil)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	// Mutating the caller's data must not leak into the envelope.
	args["config"].(map[string]any)["path"] = "/etc"
	p.Claims["team"] = "other"

	if v, _ := env.Arg("config", "path"); v != "/tmp" {
		t.Errorf("envelope args changed: %v", v)
	}
	if v, _ := env.Claim("team"); v != "infra" {
		t.Errorf("envelope claims changed: %v", v)
	}

	// Mutating returned copies must not leak either.
	env.Args()["config"].(map[string]any)["path"] = "/root"
	env.Principal().Claims["team"] = "x"
	if v, _ := env.Arg("config", "path"); v != "/tmp" {
		t.Errorf("envelope args changed via accessor: %v", v)
	}
	if v, _ := env.Claim("team"); v != "infra" {
		t.Errorf("envelope claims changed via accessor: %v", v)
	}
}

func TestEnvelopeArgMissingPath(t *testing.T) {
	env, _ := NewEnvelope(Call{Tool: "t", Args: map[string]any{"a": "flat"}}, nil)

	if _, ok := env.Arg("missing"); ok {
		t.Error("expected missing key")
	}
	if _, ok := env.Arg("a", "b"); ok {
		t.Error("expected missing when walking into a string")
	}
}

func TestNormalizeValueVariants(t *testing.T) {
	type named string
	in := map[string]any{
		"s":      "x",
		"n":      int64(7),
		"u":      uint8(3),
		"f32":    float32(1.5),
		"num":    json.Number("2.5"),
		"b":      true,
		"nil":    nil,
		"list":   []string{"a", "b"},
		"nested": map[string]int{"k": 1},
		"named":  named("v"),
	}
	out, err := NormalizeArgs(in)
	if err != nil {
		t.Fatalf("NormalizeArgs: %v", err)
	}

	if out["n"] != float64(7) || out["u"] != float64(3) || out["f32"] != float64(1.5) || out["num"] != 2.5 {
		t.Errorf("numbers not widened: %#v", out)
	}
	if l, ok := out["list"].([]any); !ok || len(l) != 2 || l[0] != "a" {
		t.Errorf("list not normalized: %#v", out["list"])
	}
	if m, ok := out["nested"].(map[string]any); !ok || m["k"] != float64(1) {
		t.Errorf("map not normalized: %#v", out["nested"])
	}
	if out["named"] != "v" {
		t.Errorf("named string not normalized: %#v", out["named"])
	}
}

func TestNormalizeRejectsUnsupported(t *testing.T) {
	if _, err := NormalizeArgs(map[string]any{"ch": make(chan int)}); err == nil {
		t.Error("expected error for channel value")
	}
	if _, err := NormalizeArgs(map[string]any{"m": map[int]string{1: "a"}}); err == nil {
		t.Error("expected error for non-string map keys")
	}
}

type (
	port     int
	weight   float32
	flag     bool
	counter  uint16
	portList []port
)

func TestNormalizeNamedScalarKinds(t *testing.T) {
	out, err := NormalizeArgs(map[string]any{
		"port":    port(8080),
		"weight":  weight(0.5),
		"flag":    flag(true),
		"counter": counter(7),
		"ports":   portList{80, 443},
		"ptr":     func() *port { p := port(22); return &p }(),
	})
	if err != nil {
		t.Fatalf("NormalizeArgs: %v", err)
	}
	want := map[string]any{
		"port":    float64(8080),
		"weight":  float64(0.5),
		"flag":    true,
		"counter": float64(7),
		"ports":   []any{float64(80), float64(443)},
		"ptr":     float64(22),
	}
	for k, w := range want {
		if !reflect.DeepEqual(out[k], w) {
			t.Errorf("%s: got %#v (%T), want %#v", k, out[k], out[k], w)
		}
	}
}

func TestToolRegistry(t *testing.T) {
	reg := NewToolRegistry()
	reg.Register("Write", SideEffectIrreversible)
	reg.RegisterDefaults()

	if got := reg.SideEffect("Write"); got != SideEffectIrreversible {
		t.Errorf("defaults must not override explicit registration, got %s", got)
	}
	if got := reg.SideEffect("Read"); got != SideEffectPure {
		t.Errorf("expected Read=pure, got %s", got)
	}
	if got := reg.SideEffect("unknown"); got != SideEffectPure {
		t.Errorf("expected unknown=pure, got %s", got)
	}

	var nilReg *ToolRegistry
	if got := nilReg.SideEffect("Bash"); got != SideEffectPure {
		t.Errorf("nil registry should classify as pure, got %s", got)
	}
}

func TestPrincipalFields(t *testing.T) {
	p := &Principal{UserID: "alice", Role: "admin", Claims: map[string]any{"clearance": "high"}}

	if v, ok := p.Field("user_id"); !ok || v != "alice" {
		t.Errorf("user_id: %v %v", v, ok)
	}
	if _, ok := p.Field("ticket_ref"); ok {
		t.Error("empty ticket_ref should be absent")
	}
	if _, ok := p.Field("unknown"); ok {
		t.Error("unknown field should be absent")
	}
	if v, ok := p.Claim("clearance"); !ok || v != "high" {
		t.Errorf("claim: %v %v", v, ok)
	}

	var none *Principal
	if _, ok := none.Field("role"); ok {
		t.Error("nil principal should have no fields")
	}
}

func TestFailEffect(t *testing.T) {
	if FailEffect(ContractPre) != EffectDeny || FailEffect(ContractSession) != EffectDeny {
		t.Error("pre and session must fail with deny")
	}
	if FailEffect(ContractPost) != EffectWarn {
		t.Error("post must fail with warn")
	}
}
