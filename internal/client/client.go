// Package client calls a remote callwarden governance server.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ppiankov/callwarden/internal/model"
	"github.com/ppiankov/callwarden/internal/pipeline"
	"github.com/ppiankov/callwarden/internal/server"
)

// FailClosedID is the DecidedBy of decisions made because the server
// could not be reached.
const FailClosedID = "failclosed.unreachable"

// Option configures a Client.
type Option func(*Client)

// WithToken sends token as a bearer JWT on every call.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout bounds each RPC. Default 5s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// Client connects to a callwarden gRPC governance server.
type Client struct {
	conn    *grpc.ClientConn
	rpc     *server.Client
	token   string
	timeout time.Duration
}

// Decision is the server's verdict on a call.
type Decision struct {
	Effect        model.Decision
	Allowed       bool
	Source        model.Source
	DecidedBy     string
	Reason        string
	PolicyError   bool
	CallID        string
	PolicyVersion string
	Warnings      []string
}

// New creates a gRPC client for the given address.
// Fail-closed: if the server cannot be reached, PreExecute returns a denial.
func New(addr string, opts ...Option) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to governance server: %w", err)
	}
	c := &Client{conn: conn, rpc: server.NewClient(conn), timeout: 5 * time.Second}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// PreExecute asks the server whether call may run. An RPC failure is a
// denial, never an error; err is reserved for calls that cannot be encoded.
func (c *Client) PreExecute(ctx context.Context, call model.Call) (Decision, error) {
	req, err := callToStruct(call, nil)
	if err != nil {
		return Decision{}, err
	}
	ctx, cancel := c.rpcContext(ctx)
	defer cancel()

	resp, err := c.rpc.PreExecute(ctx, req)
	if err != nil {
		return failClosed(err), nil
	}
	return decisionFromStruct(resp), nil
}

// PostExecute reports the tool result of an allowed call and returns the
// postcondition warnings.
func (c *Client) PostExecute(ctx context.Context, callID string, result any, toolErr error) ([]string, error) {
	m := map[string]any{"call_id": callID}
	if toolErr != nil {
		m["error"] = toolErr.Error()
	} else {
		m["result"] = pipeline.Stringify(result)
	}
	req, err := structpb.NewStruct(m)
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.rpcContext(ctx)
	defer cancel()

	resp, err := c.rpc.PostExecute(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("post-execute %s: %w", callID, err)
	}
	return stringsField(resp.AsMap(), "warnings"), nil
}

// Check dry-runs call on the server. Unlike PreExecute it returns RPC
// errors.
func (c *Client) Check(ctx context.Context, call model.Call, output *string) (Decision, error) {
	req, err := callToStruct(call, output)
	if err != nil {
		return Decision{}, err
	}
	ctx, cancel := c.rpcContext(ctx)
	defer cancel()

	resp, err := c.rpc.Check(ctx, req)
	if err != nil {
		return Decision{}, fmt.Errorf("check: %w", err)
	}
	return decisionFromStruct(resp), nil
}

// Run governs fn remotely: PreExecute, fn when allowed, PostExecute.
func (c *Client) Run(ctx context.Context, call model.Call, fn func(context.Context) (any, error)) (Decision, any, error) {
	d, err := c.PreExecute(ctx, call)
	if err != nil || !d.Allowed {
		return d, nil, err
	}
	result, toolErr := fn(ctx)
	warnings, err := c.PostExecute(ctx, d.CallID, result, toolErr)
	if err != nil {
		return d, result, err
	}
	d.Warnings = warnings
	return d, result, toolErr
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) rpcContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func failClosed(err error) Decision {
	return Decision{
		Effect:      model.Denied,
		Source:      model.SourcePolicyError,
		DecidedBy:   FailClosedID,
		Reason:      fmt.Sprintf("governance server unreachable: %v", err),
		PolicyError: true,
	}
}

// callToStruct encodes call through JSON so every arg type the pipeline
// accepts becomes a protobuf Value.
func callToStruct(call model.Call, output *string) (*structpb.Struct, error) {
	args := call.Args
	if args == nil {
		args = map[string]any{}
	}
	m := map[string]any{
		"tool":        call.Tool,
		"args":        args,
		"session_id":  call.SessionID,
		"environment": call.Environment,
		"side_effect": string(call.SideEffect),
		"call_id":     call.CallID,
	}
	if call.Principal != nil {
		m["principal"] = call.Principal
	}
	if output != nil {
		m["output"] = *output
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode call: %w", err)
	}
	var plain map[string]any
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil, fmt.Errorf("encode call: %w", err)
	}
	return structpb.NewStruct(plain)
}

func decisionFromStruct(s *structpb.Struct) Decision {
	m := s.AsMap()
	str := func(k string) string { v, _ := m[k].(string); return v }
	allowed, _ := m["allowed"].(bool)
	policyErr, _ := m["policy_error"].(bool)
	return Decision{
		Effect:        model.Decision(str("effect")),
		Allowed:       allowed,
		Source:        model.Source(str("source")),
		DecidedBy:     str("decided_by"),
		Reason:        str("reason"),
		PolicyError:   policyErr,
		CallID:        str("call_id"),
		PolicyVersion: str("policy_version"),
		Warnings:      stringsField(m, "warnings"),
	}
}

func stringsField(m map[string]any, key string) []string {
	list, _ := m[key].([]any)
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
