// Package control is the local gRPC API of a running engine. The CLI uses it
// to query progress and peers and to cancel, accept or reject transfers.
//
// Messages are protobuf well-known types: requests and replies are
// structpb.Struct values holding the JSON form of the view types in this
// package, or emptypb.Empty.
package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "lanxfer.control.v1.Control"

const (
	methodProgress = "Progress"
	methodPeers    = "Peers"
	methodHistory  = "History"
	methodStats    = "Stats"
	methodCancel   = "Cancel"
	methodAccept   = "Accept"
	methodReject   = "Reject"
)

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

// ControlServer is the server side of the control service.
type ControlServer interface {
	Progress(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Peers(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	History(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Stats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Accept(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Reject(context.Context, *structpb.Struct) (*emptypb.Empty, error)
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(methodProgress, newEmpty, ControlServer.Progress),
		unary(methodPeers, newEmpty, ControlServer.Peers),
		unary(methodHistory, newStruct, ControlServer.History),
		unary(methodStats, newEmpty, ControlServer.Stats),
		unary(methodCancel, newStruct, ControlServer.Cancel),
		unary(methodAccept, newStruct, ControlServer.Accept),
		unary(methodReject, newStruct, ControlServer.Reject),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lanxfer/control.proto",
}

func newEmpty() *emptypb.Empty    { return &emptypb.Empty{} }
func newStruct() *structpb.Struct { return &structpb.Struct{} }

// unary builds the method descriptor for one request/reply call.
func unary[Req proto.Message, Resp proto.Message](
	name string,
	newReq func() Req,
	call func(ControlServer, context.Context, Req) (Resp, error),
) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			impl := srv.(ControlServer)
			if interceptor == nil {
				return call(impl, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(impl, ctx, req.(Req))
			})
		},
	}
}
