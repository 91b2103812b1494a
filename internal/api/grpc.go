package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "cqt.v1.Ledger"

// Full method names of the Ledger service.
const (
	MethodGetAccount       = "/" + ServiceName + "/GetAccount"
	MethodListPositions    = "/" + ServiceName + "/ListPositions"
	MethodSubmitOrder      = "/" + ServiceName + "/SubmitOrder"
	MethodCancelOrder      = "/" + ServiceName + "/CancelOrder"
	MethodGetStrategyState = "/" + ServiceName + "/GetStrategyState"
)

// LedgerServer is the server API for the cqt.v1.Ledger service. Messages are
// well-known protobuf types; decimals travel as strings.
type LedgerServer interface {
	GetAccount(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListPositions(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	SubmitOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelOrder(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	GetStrategyState(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

// RegisterLedgerServer registers srv on s.
func RegisterLedgerServer(s grpc.ServiceRegistrar, srv LedgerServer) {
	s.RegisterService(&LedgerServiceDesc, srv)
}

// LedgerServiceDesc is the grpc.ServiceDesc for the Ledger service.
var LedgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetAccount", Handler: getAccountHandler},
		{MethodName: "ListPositions", Handler: listPositionsHandler},
		{MethodName: "SubmitOrder", Handler: submitOrderHandler},
		{MethodName: "CancelOrder", Handler: cancelOrderHandler},
		{MethodName: "GetStrategyState", Handler: getStrategyStateHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cqt/v1/ledger.proto",
}

func getAccountHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).GetAccount(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodGetAccount}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LedgerServer).GetAccount(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func listPositionsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).ListPositions(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodListPositions}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LedgerServer).ListPositions(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func submitOrderHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).SubmitOrder(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodSubmitOrder}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LedgerServer).SubmitOrder(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func cancelOrderHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).CancelOrder(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodCancelOrder}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LedgerServer).CancelOrder(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func getStrategyStateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServer).GetStrategyState(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodGetStrategyState}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LedgerServer).GetStrategyState(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}
