package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified name of the control service.
const ServiceName = "tetherd.v1.Tethering"

// TetheringServer is the server side of tetherd.v1.Tethering. Request and
// response bodies are google.protobuf.Struct documents with the same
// field names as the HTTP API.
type TetheringServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	AddDownstream(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	RemoveDownstream(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	SetPolicy(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

// unaryHandler adapts a typed method to grpc.MethodHandler.
func unaryHandler[Req any](name string, newReq func() *Req,
	call func(TetheringServer, context.Context, *Req) (any, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(TetheringServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(TetheringServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func newEmpty() *emptypb.Empty   { return new(emptypb.Empty) }
func newStruct() *structpb.Struct { return new(structpb.Struct) }

// serviceDesc describes tetherd.v1.Tethering for grpc.Server.RegisterService.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TetheringServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetStatus",
			Handler: unaryHandler("GetStatus", newEmpty,
				func(s TetheringServer, ctx context.Context, in *emptypb.Empty) (any, error) {
					return s.GetStatus(ctx, in)
				}),
		},
		{
			MethodName: "AddDownstream",
			Handler: unaryHandler("AddDownstream", newStruct,
				func(s TetheringServer, ctx context.Context, in *structpb.Struct) (any, error) {
					return s.AddDownstream(ctx, in)
				}),
		},
		{
			MethodName: "RemoveDownstream",
			Handler: unaryHandler("RemoveDownstream", newStruct,
				func(s TetheringServer, ctx context.Context, in *structpb.Struct) (any, error) {
					return s.RemoveDownstream(ctx, in)
				}),
		},
		{
			MethodName: "SetPolicy",
			Handler: unaryHandler("SetPolicy", newStruct,
				func(s TetheringServer, ctx context.Context, in *structpb.Struct) (any, error) {
					return s.SetPolicy(ctx, in)
				}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tetherd/v1/tethering.proto",
}

// RegisterTetheringServer registers srv on s.
func RegisterTetheringServer(s grpc.ServiceRegistrar, srv TetheringServer) {
	s.RegisterService(&serviceDesc, srv)
}
