package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/yitech/marketboard/adapter"
	"github.com/yitech/marketboard/model/candle"
	"github.com/yitech/marketboard/model/market"
)

// Board is the read side of the aggregator.
type Board interface {
	Snapshot() market.Snapshot
	Subscribe(handler func(market.Snapshot)) adapter.Token
}

// Server implements MarketBoardServer.
type Server struct {
	board   Board
	candles adapter.CandleSource
	logger  *slog.Logger
}

var _ MarketBoardServer = (*Server)(nil)

func NewServer(board Board, candles adapter.CandleSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{board: board, candles: candles, logger: logger.With("component", "grpc")}
}

// Register adds the service to g.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&ServiceDesc, s)
}

func (s *Server) WatchSnapshot(_ *emptypb.Empty, stream grpc.ServerStream) error {
	box := market.NewMailbox()
	token := s.board.Subscribe(box.Put)
	defer token.Unsubscribe()
	box.Put(s.board.Snapshot())

	s.logger.Info("snapshot watcher connected")
	defer s.logger.Info("snapshot watcher disconnected")

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap := <-box.C():
			msg, err := toStruct(snap)
			if err != nil {
				return status.Errorf(codes.Internal, "encode snapshot: %v", err)
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

func (s *Server) FetchBars(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req barsRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	if req.Market == "" {
		return nil, status.Error(codes.InvalidArgument, "market is required")
	}
	tf, err := candle.ParseTimeframe(req.Timeframe)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	var before *time.Time
	if req.Before != "" {
		t, err := time.Parse(time.RFC3339, req.Before)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "before: %v", err)
		}
		t = t.UTC()
		before = &t
	}

	bars, err := s.candles.FetchBars(ctx, req.Market, tf, req.Count, before)
	if err != nil {
		s.logger.Warn("fetch bars", "market", req.Market, "timeframe", tf.String(), "err", err)
		return nil, toStatus(err)
	}
	if bars == nil {
		bars = []candle.Bar{}
	}
	out, err := toStruct(map[string]any{"bars": bars})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode bars: %v", err)
	}
	return out, nil
}

// toStatus carries the source error taxonomy across the wire.
func toStatus(err error) error {
	switch {
	case errors.Is(err, adapter.ErrRejected):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, adapter.ErrMalformedResponse):
		return status.Error(codes.DataLoss, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
}

// fromStatus maps a status error back onto the source taxonomy.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return adapter.Unavailable("rpc", err)
	}
	switch st.Code() {
	case codes.InvalidArgument:
		return fmt.Errorf("rpc: %w: %s", adapter.ErrRejected, st.Message())
	case codes.DataLoss:
		return fmt.Errorf("rpc: %w: %s", adapter.ErrMalformedResponse, st.Message())
	case codes.Canceled:
		return fmt.Errorf("rpc: %w", context.Canceled)
	case codes.DeadlineExceeded:
		return fmt.Errorf("rpc: %w: %w", adapter.ErrSourceUnavailable, context.DeadlineExceeded)
	default:
		return fmt.Errorf("rpc: %w: %s", adapter.ErrSourceUnavailable, st.Message())
	}
}
