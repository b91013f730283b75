// Package server exposes the governance pipeline over gRPC so that tools
// executing in another process can be bracketed by PreExecute and
// PostExecute.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ppiankov/callwarden/internal/contract"
	"github.com/ppiankov/callwarden/internal/pipeline"
	"github.com/ppiankov/callwarden/internal/telemetry"
)

// DefaultPendingTTL bounds how long an allowed call may wait for PostExecute.
const DefaultPendingTTL = 10 * time.Minute

// ErrAbandoned completes calls whose PostExecute never arrived.
var ErrAbandoned = errors.New("call abandoned: no PostExecute before deadline")

// Config holds gRPC server configuration.
type Config struct {
	Listen string
	// BundlePath is recompiled by ReloadBundle. Empty disables reload.
	BundlePath string
	PendingTTL time.Duration

	// Validator extracts principals from bearer tokens. Without one the
	// request body may carry the principal.
	Validator    *JWTValidator
	AuthRequired bool

	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// Server implements callwarden.v1.Governance.
type Server struct {
	pipe   *pipeline.Pipeline
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingCall

	grpcServer *grpc.Server
	stopOnce   sync.Once
	done       chan struct{}
	now        func() time.Time
}

type pendingCall struct {
	pd      *pipeline.Pending
	created time.Time
}

// New creates a gRPC server around pipe.
func New(pipe *pipeline.Pipeline, cfg Config) (*Server, error) {
	if pipe == nil {
		return nil, errors.New("server: pipeline is required")
	}
	if cfg.AuthRequired && cfg.Validator == nil {
		return nil, errors.New("server: auth required but no JWT secret configured")
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = DefaultPendingTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		pipe:    pipe,
		cfg:     cfg,
		logger:  logger.With("component", "server"),
		pending: make(map[string]*pendingCall),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(
		logInterceptor(s.logger),
		authInterceptor(cfg.Validator, cfg.AuthRequired),
	))
	RegisterGovernanceServer(s.grpcServer, s)
	return s, nil
}

// Serve listens on the configured address. Blocks until stopped.
func (s *Server) Serve() error {
	lis, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	return s.ServeOn(lis)
}

// ServeOn serves on the given listener.
func (s *Server) ServeOn(lis net.Listener) error {
	s.logger.Info("governance server listening", "addr", lis.Addr().String())
	go s.reap()
	return s.grpcServer.Serve(lis)
}

// GracefulStop stops accepting calls and waits for in-flight RPCs.
func (s *Server) GracefulStop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.grpcServer.GracefulStop()
}

// Close completes every pending call as abandoned so each still gets its
// audit event and releases its reservation.
func (s *Server) Close() error {
	s.mu.Lock()
	calls := s.pending
	s.pending = make(map[string]*pendingCall)
	s.mu.Unlock()
	for _, pc := range calls {
		s.pipe.PostExecute(context.Background(), pc.pd, nil, ErrAbandoned)
	}
	return nil
}

// PreExecute implements the PreExecute RPC.
func (s *Server) PreExecute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	call, err := callFromRequest(ctx, req, s.cfg.Validator == nil)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if call.CallID != "" && s.isPending(call.CallID) {
		return nil, status.Errorf(codes.AlreadyExists, "call %s is already pending", call.CallID)
	}

	pd, err := s.pipe.PreExecute(ctx, call)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	callID := pd.Envelope().CallID()

	resp := decisionFields(pd.Decision())
	resp["call_id"] = callID
	resp["policy_version"] = pd.PolicyVersion()
	if pd.Allowed() {
		s.mu.Lock()
		s.pending[callID] = &pendingCall{pd: pd, created: s.now()}
		s.mu.Unlock()
	} else {
		resp["warnings"] = stringList(pd.Outcome().Warnings)
	}
	return toStruct(resp)
}

// PostExecute implements the PostExecute RPC:
//
//	{call_id, result, error}
//
// A non-empty error marks the tool as failed.
func (s *Server) PostExecute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	m := req.AsMap()
	callID := stringField(m, "call_id")
	if callID == "" {
		return nil, status.Error(codes.InvalidArgument, "call_id is required")
	}

	s.mu.Lock()
	pc, ok := s.pending[callID]
	delete(s.pending, callID)
	s.mu.Unlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no pending call %s", callID)
	}

	var toolErr error
	if msg := stringField(m, "error"); msg != "" {
		toolErr = errors.New(msg)
	}
	out := s.pipe.PostExecute(ctx, pc.pd, m["result"], toolErr)

	resp := decisionFields(out.Decision)
	resp["call_id"] = callID
	resp["executed"] = out.Executed
	resp["tool_success"] = out.Executed && out.Err == nil
	resp["warnings"] = stringList(out.Warnings)
	return toStruct(resp)
}

// Check implements the Check RPC. The optional output field is the text
// postconditions are evaluated against.
func (s *Server) Check(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	call, err := callFromRequest(ctx, req, s.cfg.Validator == nil)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	var output *string
	if v, ok := req.AsMap()["output"].(string); ok {
		output = &v
	}

	res, err := s.pipe.Check(ctx, call, output)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	resp := decisionFields(res.Evaluation.Decision)
	resp["effect"] = string(res.Effect)
	resp["policy_version"] = res.Evaluation.PolicyVersion
	resp["warnings"] = stringList(res.Evaluation.Warnings)
	resp["contracts"] = contractList(res.Evaluation.Contracts)
	return toStruct(resp)
}

// ReloadBundle recompiles the bundle file and swaps it in. A bundle that
// fails to compile leaves the active one in place.
func (s *Server) ReloadBundle() error {
	if s.cfg.BundlePath == "" {
		return errors.New("no bundle file to reload")
	}
	b, err := contract.CompileFile(s.cfg.BundlePath)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.Reload(err == nil)
	}
	if err != nil {
		return fmt.Errorf("failed to reload bundle: %w", err)
	}
	s.pipe.SetBundle(b)
	return nil
}

// PendingCount is the number of allowed calls awaiting PostExecute.
func (s *Server) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Server) isPending(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[callID]
	return ok
}

func (s *Server) reap() {
	interval := s.cfg.PendingTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.expire(s.now())
		}
	}
}

// expire abandons pending calls older than the TTL.
func (s *Server) expire(now time.Time) int {
	var stale []*pendingCall
	s.mu.Lock()
	for id, pc := range s.pending {
		if now.Sub(pc.created) >= s.cfg.PendingTTL {
			stale = append(stale, pc)
			delete(s.pending, id)
		}
	}
	s.mu.Unlock()

	for _, pc := range stale {
		env := pc.pd.Envelope()
		s.logger.Warn("abandoning pending call", "call_id", env.CallID(), "tool", env.Tool(), "session_id", env.SessionID())
		s.pipe.PostExecute(context.Background(), pc.pd, nil, ErrAbandoned)
	}
	return len(stale)
}

func logInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		if code != codes.OK {
			logger.Warn("rpc failed", "method", info.FullMethod, "code", code.String(), "error", err)
		} else {
			logger.Debug("rpc", "method", info.FullMethod, "elapsed", time.Since(start))
		}
		return resp, err
	}
}
