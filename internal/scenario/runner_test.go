package scenario

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ppiankov/callwarden/internal/contract"
)

const testBundle = `apiVersion: callwarden/v1
kind: ContractBundle
metadata:
  name: scenario-test
contracts:
  - id: block-dotenv
    type: pre
    tool: read_file
    when:
      args.path:
        contains: .env
    then:
      effect: deny
      message: "Refusing to read {args.path}"
  - id: prod-deploys
    type: pre
    tool: deploy
    mode: observe
    when:
      all:
        - environment: {equals: production}
        - not:
            principal.role: {equals: admin}
    then:
      effect: deny
      message: "Only admins deploy to production"
  - id: key-in-output
    type: post
    tool: "*"
    when:
      output.text:
        contains: AKIA
    then:
      effect: warn
      message: "Output contains an AWS key"
  - id: two-calls
    type: session
    limits:
      max_tool_calls: 2
    then:
      effect: deny
      message: "Session limit reached"
`

func writeScenario(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func compile(t *testing.T) *contract.Bundle {
	t.Helper()
	b, err := contract.Compile([]byte(testBundle))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func strPtr(s string) *string { return &s }

func TestAllCasesPass(t *testing.T) {
	s := &Scenario{
		Name: "basic",
		Cases: []Case{
			{Call: Call{Tool: "read_file", Args: map[string]any{"path": "/app/.env"}}, Expect: "deny", DecidedBy: "block-dotenv"},
			{Call: Call{Tool: "read_file", Args: map[string]any{"path": "/app/main.go"}}, Expect: "allowed"},
		},
	}

	result, err := Run(context.Background(), s, compile(t))
	if err != nil {
		t.Fatal(err)
	}
	if result.Failed != 0 {
		t.Errorf("expected 0 failures, got %d: %+v", result.Failed, result.Cases)
	}
	if result.Passed != 2 {
		t.Errorf("expected 2 passed, got %d", result.Passed)
	}
	if result.Cases[0].Reason != "Refusing to read /app/.env" {
		t.Errorf("reason: got %q", result.Cases[0].Reason)
	}
}

func TestFailedAssertionDetected(t *testing.T) {
	s := &Scenario{
		Name: "wrong expectation",
		Cases: []Case{
			{Call: Call{Tool: "read_file", Args: map[string]any{"path": "/app/main.go"}}, Expect: "deny"},
			{Call: Call{Tool: "read_file", Args: map[string]any{"path": "/app/.env"}}, Expect: "deny", DecidedBy: "other-rule"},
		},
	}

	result, err := Run(context.Background(), s, compile(t))
	if err != nil {
		t.Fatal(err)
	}
	if result.Failed != 2 {
		t.Fatalf("expected 2 failures, got %d", result.Failed)
	}
	if result.Cases[0].Problem != "expected denied, got allowed" {
		t.Errorf("problem: got %q", result.Cases[0].Problem)
	}
	if !strings.Contains(result.Cases[1].Problem, "decided_by other-rule") {
		t.Errorf("problem: got %q", result.Cases[1].Problem)
	}
}

func TestSessionLimitsSpanCases(t *testing.T) {
	s := &Scenario{
		Name: "budget",
		Cases: []Case{
			{Call: Call{Tool: "list_dir"}, Expect: "allow"},
			{Call: Call{Tool: "list_dir", Fail: true}, Expect: "allow"},
			{Call: Call{Tool: "list_dir"}, Expect: "allow"},
			{Call: Call{Tool: "list_dir"}, Expect: "deny", DecidedBy: "two-calls"},
		},
	}

	result, err := Run(context.Background(), s, compile(t))
	if err != nil {
		t.Fatal(err)
	}
	if result.Failed != 0 {
		t.Errorf("failed tool call must not use the budget: %+v", result.Cases)
	}
}

func TestWarningsAndObserveMode(t *testing.T) {
	s := &Scenario{
		Name:        "observe",
		Environment: "production",
		Principal:   &Principal{Role: "dev"},
		Cases: []Case{
			{Call: Call{Tool: "deploy"}, Expect: "would_deny", DecidedBy: "prod-deploys"},
			{Call: Call{Tool: "deploy", Principal: &Principal{Role: "admin"}, Output: strPtr("AKIAXXXX")}, Expect: "allow", Warn: true},
		},
	}

	result, err := Run(context.Background(), s, compile(t))
	if err != nil {
		t.Fatal(err)
	}
	if result.Failed != 0 {
		t.Errorf("expected 0 failures, got %+v", result.Cases)
	}
	if len(result.Cases[1].Warnings) != 1 {
		t.Errorf("expected one warning, got %v", result.Cases[1].Warnings)
	}
}

func TestUnexpectedWarningFails(t *testing.T) {
	s := &Scenario{
		Name: "leak",
		Cases: []Case{
			{Call: Call{Tool: "read_file", Args: map[string]any{"path": "/a"}, Output: strPtr("AKIA")}, Expect: "allow"},
		},
	}
	result, err := Run(context.Background(), s, compile(t))
	if err != nil {
		t.Fatal(err)
	}
	if result.Failed != 1 || !strings.Contains(result.Cases[0].Problem, "unexpected warning") {
		t.Errorf("expected unexpected-warning failure, got %+v", result.Cases)
	}
}

func TestLoadAndRunFromFile(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "bundle.yaml", testBundle)
	path := writeScenario(t, dir, "test.yaml", `
name: "file test"
bundle: bundle.yaml
cases:
  - call: {tool: read_file, args: {path: /srv/.env.prod}}
    expect: deny
  - name: plain read
    call: {tool: read_file, args: {path: /srv/app.go}}
    expect: allow
`)

	result, err := LoadAndRun(context.Background(), path, "")
	if err != nil {
		t.Fatal(err)
	}
	if result.Failed != 0 {
		t.Errorf("expected 0 failures, got %+v", result.Cases)
	}
	if result.File != path {
		t.Errorf("expected file path set, got %q", result.File)
	}
	if result.Cases[1].Name != "plain read" {
		t.Errorf("case name: got %q", result.Cases[1].Name)
	}
}

func TestLoadAndRunBundleOverride(t *testing.T) {
	dir := t.TempDir()
	path := writeScenario(t, dir, "test.yaml", `
cases:
  - call: {tool: read_file, args: {path: /app/.env}}
    expect: deny
    decided_by: block-sensitive-reads
`)

	result, err := LoadAndRun(context.Background(), path, "template:file-agent")
	if err != nil {
		t.Fatal(err)
	}
	if result.Name != "test" {
		t.Errorf("name defaults to file name, got %q", result.Name)
	}
	if result.Failed != 0 {
		t.Errorf("expected 0 failures, got %+v", result.Cases)
	}

	if _, err := LoadAndRun(context.Background(), path, ""); err == nil {
		t.Error("expected error without any bundle")
	}
}

func TestInvalidScenario(t *testing.T) {
	dir := t.TempDir()
	for name, content := range map[string]string{
		"bad.yaml":       ":::not yaml\x00",
		"no-tool.yaml":   "cases:\n  - call: {args: {}}\n    expect: allow\n",
		"no-expect.yaml": "cases:\n  - call: {tool: t}\n",
	} {
		path := writeScenario(t, dir, name, content)
		if _, err := LoadAndRun(context.Background(), path, "template:file-agent"); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestFormatText(t *testing.T) {
	results := []*RunResult{
		{Name: "good", Total: 1, Passed: 1},
		{Name: "bad", Total: 2, Passed: 1, Failed: 1, Cases: []CaseResult{
			{Index: 1, Passed: true, Tool: "read_file"},
			{Index: 2, Tool: "deploy", Problem: "expected denied, got allowed"},
		}},
	}
	out := FormatText(results)
	for _, want := range []string{"Running 2 scenario files", "PASS  good (1/1)", "FAIL  bad (1/2)", "case 2: deploy", "2 of 3 cases passed. 1 of 2 scenarios failed."} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}
