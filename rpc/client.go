package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/yitech/marketboard/adapter"
	"github.com/yitech/marketboard/model/candle"
	"github.com/yitech/marketboard/model/market"
)

// Client is a MarketBoard client. It is also an adapter.CandleSource,
// so a remote server can back a local candle store.
type Client struct {
	cc grpc.ClientConnInterface
}

var _ adapter.CandleSource = (*Client)(nil)

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial opens a plaintext connection to addr.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	return grpc.NewClient(addr, opts...)
}

func (c *Client) FetchBars(ctx context.Context, mkt string, tf candle.Timeframe, count int, before *time.Time) ([]candle.Bar, error) {
	req := barsRequest{Market: mkt, Timeframe: tf.String(), Count: count}
	if before != nil {
		req.Before = before.UTC().Format(time.RFC3339)
	}
	in, err := toStruct(req)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode request: %w", err)
	}

	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fetchBarsMethod, in, out); err != nil {
		return nil, fromStatus(err)
	}
	var resp struct {
		Bars []candle.Bar `json:"bars"`
	}
	if err := fromStruct(out, &resp); err != nil {
		return nil, adapter.Malformed("rpc", err)
	}
	return resp.Bars, nil
}

// WatchSnapshot calls fn with every snapshot the server pushes until ctx
// is done or the stream breaks. It returns nil when the server ends the
// stream.
func (c *Client) WatchSnapshot(ctx context.Context, fn func(market.Snapshot)) error {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], watchSnapshotMethod)
	if err != nil {
		return fromStatus(err)
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return fromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		return fromStatus(err)
	}

	for {
		msg := new(structpb.Struct)
		err := stream.RecvMsg(msg)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fromStatus(err)
		}
		var snap market.Snapshot
		if err := fromStruct(msg, &snap); err != nil {
			return adapter.Malformed("rpc", err)
		}
		fn(snap)
	}
}
