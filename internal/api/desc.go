// Package api exposes the engine over gRPC. Requests and responses are
// protobuf Struct values so the service needs no generated code; the
// field names follow the REST backend's camelCase.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "multichat.v1.Engine"

// Method names.
const (
	MethodListAccounts   = "ListAccounts"
	MethodBeginLogin     = "BeginLogin"
	MethodSubmitCode     = "SubmitCode"
	MethodSubmitPassword = "SubmitPassword"
	MethodRemoveAccount  = "RemoveAccount"
	MethodSetActive      = "SetActive"
	MethodMuteAccount    = "MuteAccount"
	MethodListChats      = "ListChats"
	MethodListMessages   = "ListMessages"
	MethodLoadOlder      = "LoadOlder"
	MethodSendMessage    = "SendMessage"
	MethodRetrySend      = "RetrySend"
	MethodMarkRead       = "MarkRead"
	MethodMuteChat       = "MuteChat"
	MethodPinChat        = "PinChat"
	MethodRequestJoin    = "RequestJoin"
	MethodBadges         = "Badges"
	MethodWatch          = "Watch"
)

// FullMethod returns the invoke path of a method.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// EngineServer is implemented by Service. It exists for the
// descriptor's handler type check.
type EngineServer interface {
	Watch(req *structpb.Struct, stream grpc.ServerStream) error
}

type unaryFunc func(s *Service, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unary(name string, fn unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Service)
			if interceptor == nil {
				return fn(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// WatchStream describes the server-streaming Watch method.
var WatchStream = grpc.StreamDesc{
	StreamName:    MethodWatch,
	ServerStreams: true,
	Handler: func(srv any, stream grpc.ServerStream) error {
		in := new(structpb.Struct)
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		return srv.(EngineServer).Watch(in, stream)
	},
}

// ServiceDesc is registered with a grpc.Server by Register.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EngineServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodListAccounts, (*Service).listAccounts),
		unary(MethodBeginLogin, (*Service).beginLogin),
		unary(MethodSubmitCode, (*Service).submitCode),
		unary(MethodSubmitPassword, (*Service).submitPassword),
		unary(MethodRemoveAccount, (*Service).removeAccount),
		unary(MethodSetActive, (*Service).setActive),
		unary(MethodMuteAccount, (*Service).muteAccount),
		unary(MethodListChats, (*Service).listChats),
		unary(MethodListMessages, (*Service).listMessages),
		unary(MethodLoadOlder, (*Service).loadOlder),
		unary(MethodSendMessage, (*Service).sendMessage),
		unary(MethodRetrySend, (*Service).retrySend),
		unary(MethodMarkRead, (*Service).markRead),
		unary(MethodMuteChat, (*Service).muteChat),
		unary(MethodPinChat, (*Service).pinChat),
		unary(MethodRequestJoin, (*Service).requestJoin),
		unary(MethodBadges, (*Service).badges),
	},
	Streams:  []grpc.StreamDesc{WatchStream},
	Metadata: "multichat/v1/engine.proto",
}

// Register adds s to srv.
func Register(srv *grpc.Server, s *Service) {
	srv.RegisterService(&ServiceDesc, s)
}
