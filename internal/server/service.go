package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "callwarden.v1.Governance"

// Full method names.
const (
	MethodPreExecute  = "/" + ServiceName + "/PreExecute"
	MethodPostExecute = "/" + ServiceName + "/PostExecute"
	MethodCheck       = "/" + ServiceName + "/Check"
)

// GovernanceServer is the server side of callwarden.v1.Governance. Every
// message is a google.protobuf.Struct.
type GovernanceServer interface {
	PreExecute(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PostExecute(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Check(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterGovernanceServer registers srv on s.
func RegisterGovernanceServer(s grpc.ServiceRegistrar, srv GovernanceServer) {
	s.RegisterService(&governanceServiceDesc, srv)
}

var governanceServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GovernanceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PreExecute", Handler: unaryHandler(MethodPreExecute, GovernanceServer.PreExecute)},
		{MethodName: "PostExecute", Handler: unaryHandler(MethodPostExecute, GovernanceServer.PostExecute)},
		{MethodName: "Check", Handler: unaryHandler(MethodCheck, GovernanceServer.Check)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "callwarden/v1/governance.proto",
}

type unaryMethod func(GovernanceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, m unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return m(srv.(GovernanceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return m(srv.(GovernanceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Client calls a remote Governance service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// PreExecute asks whether a call may run.
func (c *Client) PreExecute(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodPreExecute, req, opts)
}

// PostExecute reports the outcome of an allowed call.
func (c *Client) PostExecute(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodPostExecute, req, opts)
}

// Check evaluates a call without side effects.
func (c *Client) Check(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodCheck, req, opts)
}

func (c *Client) invoke(ctx context.Context, method string, req *structpb.Struct, opts []grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
