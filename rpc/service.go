// Package rpc serves the board and candle history over gRPC.
//
// Messages are well-known types: requests and replies are
// google.protobuf.Struct carrying the same JSON shapes as the HTTP API,
// so the service needs no generated code.
package rpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "marketboard.v1.MarketBoard"

	fetchBarsMethod     = "/" + ServiceName + "/FetchBars"
	watchSnapshotMethod = "/" + ServiceName + "/WatchSnapshot"
)

// MarketBoardServer is the server API for the MarketBoard service.
type MarketBoardServer interface {
	// WatchSnapshot sends the current snapshot and then every change.
	WatchSnapshot(*emptypb.Empty, grpc.ServerStream) error
	// FetchBars returns a page of bars, oldest first.
	FetchBars(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the MarketBoard service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MarketBoardServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "FetchBars", Handler: fetchBarsHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchSnapshot", Handler: watchSnapshotHandler, ServerStreams: true},
	},
	Metadata: "marketboard/v1/marketboard.proto",
}

func fetchBarsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MarketBoardServer).FetchBars(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fetchBarsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MarketBoardServer).FetchBars(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func watchSnapshotHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(MarketBoardServer).WatchSnapshot(in, stream)
}

// toStruct converts v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := new(structpb.Struct)
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, err
	}
	return s, nil
}

// fromStruct decodes s into v through its JSON form.
func fromStruct(s *structpb.Struct, v any) error {
	b, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// barsRequest is the FetchBars request body.
type barsRequest struct {
	Market    string `json:"market"`
	Timeframe string `json:"timeframe"`
	Count     int    `json:"count"`
	// Before is RFC3339; empty asks for the newest bars.
	Before string `json:"before,omitempty"`
}
