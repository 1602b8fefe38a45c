package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "triage.tool_runtime.v1.ToolRuntime"

const (
	ListToolsFullMethod        = "/" + ServiceName + "/ListTools"
	InvokeFullMethod           = "/" + ServiceName + "/Invoke"
	StreamCompletionFullMethod = "/" + ServiceName + "/StreamCompletion"
)

// ToolRuntimeService is the server API. Messages are structpb.Struct
// documents described in the server implementation.
type ToolRuntimeService interface {
	ListTools(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Invoke(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StreamCompletion(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

// RegisterToolRuntimeService registers srv on s.
func RegisterToolRuntimeService(s grpc.ServiceRegistrar, srv ToolRuntimeService) {
	s.RegisterService(&ToolRuntimeServiceDesc, srv)
}

func listToolsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ToolRuntimeService).ListTools(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ListToolsFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ToolRuntimeService).ListTools(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ToolRuntimeService).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: InvokeFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ToolRuntimeService).Invoke(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func streamCompletionHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ToolRuntimeService).StreamCompletion(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// ToolRuntimeServiceDesc describes the ToolRuntime service.
var ToolRuntimeServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ToolRuntimeService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListTools", Handler: listToolsHandler},
		{MethodName: "Invoke", Handler: invokeHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamCompletion", Handler: streamCompletionHandler, ServerStreams: true},
	},
	Metadata: "tool_runtime/v1/tool_runtime.proto",
}

// Client calls a ToolRuntime server.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) ListTools(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ListToolsFullMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Invoke(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, InvokeFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) StreamCompletion(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &ToolRuntimeServiceDesc.Streams[0], StreamCompletionFullMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
