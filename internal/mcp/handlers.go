package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/callwarden/internal/contract"
	"github.com/ppiankov/callwarden/internal/model"
	"github.com/ppiankov/callwarden/internal/pipeline"
)

// maxBody caps HTTP response bodies and command output returned to the agent.
const maxBody = 1 << 20

// --- Input/Output types ---

// Governance is the decision part of every governed tool output.
type Governance struct {
	Blocked   bool     `json:"blocked,omitempty"`
	Effect    string   `json:"effect"`
	Source    string   `json:"source,omitempty"`
	DecidedBy string   `json:"decided_by,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
	CallID    string   `json:"call_id"`
}

// ExecInput defines parameters for the callwarden_exec tool.
type ExecInput struct {
	Command string   `json:"command" jsonschema:"command to execute"`
	Args    []string `json:"args,omitempty" jsonschema:"command arguments"`
	Dir     string   `json:"dir,omitempty" jsonschema:"working directory"`
}

// ExecOutput contains the result of command execution or deny details.
type ExecOutput struct {
	Governance
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int    `json:"exit_code"`
}

// HTTPInput defines parameters for the callwarden_http tool.
type HTTPInput struct {
	Method  string            `json:"method" jsonschema:"HTTP method (GET/POST/PUT/DELETE)"`
	URL     string            `json:"url" jsonschema:"request URL"`
	Headers map[string]string `json:"headers,omitempty" jsonschema:"request headers"`
	Body    string            `json:"body,omitempty" jsonschema:"request body"`
}

// HTTPOutput contains the HTTP response or deny details.
type HTTPOutput struct {
	Governance
	Status  int               `json:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// CheckInput defines parameters for the callwarden_check tool.
type CheckInput struct {
	Tool        string         `json:"tool" jsonschema:"tool name as contracts see it"`
	Args        map[string]any `json:"args,omitempty" jsonschema:"tool arguments"`
	Output      *string        `json:"output,omitempty" jsonschema:"tool output to evaluate postconditions against"`
	Environment string         `json:"environment,omitempty" jsonschema:"environment override"`
	SideEffect  string         `json:"side_effect,omitempty" jsonschema:"pure, read, write or irreversible"`
}

// CheckOutput contains the dry-run decision.
type CheckOutput struct {
	Effect        string           `json:"effect"`
	Source        string           `json:"source,omitempty"`
	DecidedBy     string           `json:"decided_by,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	Warnings      []string         `json:"warnings,omitempty"`
	PolicyVersion string           `json:"policy_version"`
	Contracts     []ContractResult `json:"contracts"`
}

// ContractResult is one evaluated contract.
type ContractResult struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Decision string `json:"decision"`
	Message  string `json:"message,omitempty"`
}

// ValidateInput defines parameters for the callwarden_validate tool.
type ValidateInput struct {
	Bundle string `json:"bundle,omitempty" jsonschema:"bundle YAML source"`
	Path   string `json:"path,omitempty" jsonschema:"bundle file path, used when bundle is empty"`
}

// ValidateOutput lists the problems of a bundle.
type ValidateOutput struct {
	Valid     bool               `json:"valid"`
	Name      string             `json:"name,omitempty"`
	Version   string             `json:"version,omitempty"`
	Contracts int                `json:"contracts"`
	Problems  []contract.Problem `json:"problems,omitempty"`
}

// --- Handlers ---

func (s *Server) handleExec(ctx context.Context, req *mcpsdk.CallToolRequest, input ExecInput) (*mcpsdk.CallToolResult, ExecOutput, error) {
	if input.Command == "" {
		return nil, ExecOutput{}, errors.New("command is required")
	}
	cmdline := strings.Join(append([]string{input.Command}, input.Args...), " ")
	args := map[string]any{"command": cmdline}
	if input.Dir != "" {
		args["dir"] = input.Dir
	}

	out, err := s.pipe.Run(ctx, s.call(ExecTool, args, ""), func(ctx context.Context, _ *model.Envelope) (any, error) {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.ExecTimeout)
		defer cancel()
		res := runCommand(ctx, input)
		return res, res.err
	})
	if err != nil {
		return nil, ExecOutput{}, err
	}

	eo := ExecOutput{Governance: governance(out)}
	if !out.Executed {
		return &mcpsdk.CallToolResult{IsError: true}, eo, nil
	}
	res, ok := out.Result.(execResult)
	if !ok {
		// timed out or panicked before producing a result
		eo.ExitCode = -1
		eo.Stderr = out.Err.Error()
		return &mcpsdk.CallToolResult{IsError: true}, eo, nil
	}
	eo.Stdout, eo.Stderr, eo.ExitCode = res.stdout, res.stderr, res.exitCode
	if res.err != nil && res.exitCode == 0 {
		eo.ExitCode = -1
		eo.Stderr = res.err.Error()
		return &mcpsdk.CallToolResult{IsError: true}, eo, nil
	}
	return nil, eo, nil
}

type execResult struct {
	stdout, stderr string
	exitCode       int
	err            error
}

// String is what postconditions see as output.text.
func (r execResult) String() string {
	if r.stderr == "" {
		return r.stdout
	}
	return r.stdout + "\n" + r.stderr
}

func runCommand(ctx context.Context, input ExecInput) execResult {
	cmd := exec.CommandContext(ctx, input.Command, input.Args...)
	cmd.Dir = input.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, n: maxBody}
	cmd.Stderr = &limitedWriter{w: &stderr, n: maxBody}

	err := cmd.Run()
	res := execResult{stdout: stdout.String(), stderr: stderr.String(), err: err}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.exitCode = exitErr.ExitCode()
	}
	return res
}

type limitedWriter struct {
	w io.Writer
	n int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.n <= 0 {
		return len(p), nil
	}
	keep := p
	if len(keep) > l.n {
		keep = keep[:l.n]
	}
	l.n -= len(keep)
	if _, err := l.w.Write(keep); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *Server) handleHTTP(ctx context.Context, req *mcpsdk.CallToolRequest, input HTTPInput) (*mcpsdk.CallToolResult, HTTPOutput, error) {
	if input.Method == "" {
		input.Method = http.MethodGet
	}
	input.Method = strings.ToUpper(input.Method)
	u, err := url.Parse(input.URL)
	if err != nil || u.Host == "" {
		return nil, HTTPOutput{}, fmt.Errorf("invalid url %q", input.URL)
	}

	headers := make(map[string]any, len(input.Headers))
	for k, v := range input.Headers {
		headers[strings.ToLower(k)] = v
	}
	args := map[string]any{
		"method":     input.Method,
		"url":        input.URL,
		"host":       u.Hostname(),
		"path":       u.Path,
		"headers":    headers,
		"body_bytes": len(input.Body),
	}

	out, err := s.pipe.Run(ctx, s.call(HTTPTool, args, httpSideEffect(input.Method)), func(ctx context.Context, _ *model.Envelope) (any, error) {
		return s.doHTTP(ctx, input)
	})
	if err != nil {
		return nil, HTTPOutput{}, err
	}
	ho := HTTPOutput{Governance: governance(out)}
	if !out.Executed {
		return &mcpsdk.CallToolResult{IsError: true}, ho, nil
	}
	if out.Err != nil {
		return nil, ho, out.Err
	}
	if r, ok := out.Result.(httpResult); ok {
		ho.Status, ho.Headers, ho.Body = r.status, r.headers, r.body
	}
	return nil, ho, nil
}

type httpResult struct {
	status  int
	headers map[string]string
	body    string
}

// String is what postconditions see as output.text.
func (r httpResult) String() string { return r.body }

func (s *Server) doHTTP(ctx context.Context, input HTTPInput) (any, error) {
	httpReq, err := http.NewRequestWithContext(ctx, input.Method, input.URL, strings.NewReader(input.Body))
	if err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	for k, v := range input.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := s.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	r := httpResult{status: resp.StatusCode, headers: make(map[string]string, len(resp.Header)), body: string(body)}
	for k, vv := range resp.Header {
		r.headers[k] = strings.Join(vv, ", ")
	}
	return r, nil
}

// httpSideEffect classifies safe methods as reads.
func httpSideEffect(method string) model.SideEffect {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return model.SideEffectRead
	}
	return model.SideEffectWrite
}

func (s *Server) handleCheck(ctx context.Context, req *mcpsdk.CallToolRequest, input CheckInput) (*mcpsdk.CallToolResult, CheckOutput, error) {
	if input.Tool == "" {
		return nil, CheckOutput{}, errors.New("tool is required")
	}
	call := s.call(input.Tool, input.Args, model.SideEffect(input.SideEffect))
	if input.Environment != "" {
		call.Environment = input.Environment
	}

	res, err := s.pipe.Check(ctx, call, input.Output)
	if err != nil {
		return nil, CheckOutput{}, err
	}
	ev := res.Evaluation
	out := CheckOutput{
		Effect:        string(res.Effect),
		Source:        string(ev.Decision.Source),
		DecidedBy:     ev.Decision.DecidedBy,
		Reason:        ev.Decision.Reason,
		Warnings:      ev.Warnings,
		PolicyVersion: ev.PolicyVersion,
		Contracts:     make([]ContractResult, 0, len(ev.Contracts)),
	}
	for _, c := range ev.Contracts {
		out.Contracts = append(out.Contracts, ContractResult{
			ID:       c.ID,
			Type:     string(c.Type),
			Decision: string(c.Decision),
			Message:  c.Message,
		})
	}
	return nil, out, nil
}

func (s *Server) handleValidate(ctx context.Context, req *mcpsdk.CallToolRequest, input ValidateInput) (*mcpsdk.CallToolResult, ValidateOutput, error) {
	var (
		b   *contract.Bundle
		err error
	)
	switch {
	case input.Bundle != "":
		b, err = contract.Compile([]byte(input.Bundle))
	case input.Path != "":
		b, err = contract.CompileFile(input.Path)
	default:
		return nil, ValidateOutput{}, errors.New("bundle or path is required")
	}
	if err == nil {
		return nil, ValidateOutput{Valid: true, Name: b.Name, Version: b.Version, Contracts: len(b.Contracts)}, nil
	}

	var (
		ve *contract.ValidationError
		pe *contract.ParseError
	)
	switch {
	case errors.As(err, &ve):
		return nil, ValidateOutput{Problems: ve.Problems}, nil
	case errors.As(err, &pe):
		return nil, ValidateOutput{Problems: []contract.Problem{{Line: pe.Line, Message: pe.Err.Error()}}}, nil
	}
	return nil, ValidateOutput{}, err
}

func governance(out *pipeline.Outcome) Governance {
	d := out.Decision
	g := Governance{
		Blocked:   !out.Executed,
		Effect:    string(out.Effect),
		Source:    string(d.Source),
		DecidedBy: d.DecidedBy,
		Reason:    d.Reason,
		Warnings:  out.Warnings,
	}
	if out.Event != nil {
		g.CallID = out.Event.CallID
	}
	return g
}
