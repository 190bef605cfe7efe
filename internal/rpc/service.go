package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully-qualified gRPC service every unit serves.
const ServiceName = "stackflow.rpc.v1.Unit"

const callMethod = "/" + ServiceName + "/Call"

// UnitServer is the server API for the Unit service.
//
// A request is a Struct with the string fields "action", "url" and "body";
// the response is the action's single string result.
type UnitServer interface {
	Call(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error)
}

func callHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(UnitServer).Call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: callMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(UnitServer).Call(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// unitServiceDesc describes the Unit service without generated code; the
// messages are protobuf well-known types.
var unitServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*UnitServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Call",
			Handler:    callHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stackflow/rpc/v1/unit.proto",
}

// RegisterUnitServer attaches srv to a gRPC server.
func RegisterUnitServer(s grpc.ServiceRegistrar, srv UnitServer) {
	s.RegisterService(&unitServiceDesc, srv)
}

// newRequest packs an action call.
func newRequest(action, url, body string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"action": structpb.NewStringValue(action),
		"url":    structpb.NewStringValue(url),
		"body":   structpb.NewStringValue(body),
	}}
}

func field(req *structpb.Struct, name string) string {
	return req.GetFields()[name].GetStringValue()
}

// invoke performs the unary call on an established connection.
func invoke(ctx context.Context, cc grpc.ClientConnInterface, req *structpb.Struct) (*wrapperspb.StringValue, error) {
	out := new(wrapperspb.StringValue)
	if err := cc.Invoke(ctx, callMethod, req, out); err != nil {
		return nil, err
	}
	return out, nil
}
