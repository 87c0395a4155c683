package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/yitech/marketboard/adapter"
	"github.com/yitech/marketboard/adapter/binance"
	"github.com/yitech/marketboard/adapter/bybit"
	"github.com/yitech/marketboard/adapter/erapi"
	"github.com/yitech/marketboard/adapter/okx"
	"github.com/yitech/marketboard/adapter/upbit"
	"github.com/yitech/marketboard/aggregator"
	"github.com/yitech/marketboard/config"
	"github.com/yitech/marketboard/logging"
	"github.com/yitech/marketboard/mirror"
	"github.com/yitech/marketboard/rpc"
	"github.com/yitech/marketboard/server"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	local := upbit.New(cfg.Upbit.BaseURL, cfg.Upbit.Quote)
	reference := newReference(ctx, cfg.Reference, cfg.Intervals.Reference.Std(), logger)

	agg := aggregator.New(aggregator.Config{
		ReferenceQuote: cfg.Reference.Quote,
		StableCoin:     cfg.StableCoin,
		SymbolMap:      cfg.Reference.SymbolMap,
		FallbackRate:   cfg.Rate.Fallback,
	}, reference.Symbol, logger)

	runners := agg.Pollers(aggregator.Sources{
		Catalog:   local,
		Tickers:   local,
		Reference: reference,
		Rate:      erapi.New(cfg.Rate.BaseURL, cfg.Rate.Base, cfg.Rate.Quote),
	}, aggregator.Intervals{
		Catalog:   cfg.Intervals.Catalog.Std(),
		Ticker:    cfg.Intervals.Ticker.Std(),
		Reference: cfg.Intervals.Reference.Std(),
		Rate:      cfg.Intervals.Rate.Std(),
	}, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	defer wg.Wait()
	for _, r := range runners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("poller started", "source", r.Name())
			r.Run(ctx)
		}()
	}

	if cfg.Mirror.Enabled {
		m, err := mirror.Connect(ctx, cfg.Mirror.Addr, cfg.Mirror.Password, cfg.Mirror.DB, cfg.Mirror.TTL.Std(), logger)
		if err != nil {
			// The mirror is an optional sink; the board runs without it.
			logger.Warn("mirror disabled", "err", err)
		} else {
			defer m.Close()
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.Run(ctx, agg)
			}()
		}
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	g := grpc.NewServer()
	rpc.NewServer(agg, local, logger).Register(g)
	grpcErr := make(chan error, 1)
	go func() {
		logger.Info("grpc listening", "addr", cfg.GRPCAddr)
		grpcErr <- g.Serve(lis)
	}()

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- server.New(agg, local, logger).Serve(ctx, cfg.HTTPAddr)
	}()

	httpDone := false
	select {
	case <-ctx.Done():
	case err = <-grpcErr:
	case err = <-httpErr:
		httpDone = true
	}
	cancel()
	g.GracefulStop()
	if !httpDone {
		if herr := <-httpErr; err == nil {
			err = herr
		}
	}
	if errors.Is(err, grpc.ErrServerStopped) {
		err = nil
	}
	return err
}

// newReference builds the configured reference price feed. The binance
// stream runs until ctx is done; pushes older than one poll interval
// are not served.
func newReference(ctx context.Context, cfg config.ReferenceConfig, interval time.Duration, logger *slog.Logger) adapter.ReferencePriceFeed {
	switch cfg.Exchange {
	case "bybit":
		return bybit.New(cfg.BaseURL, logger)
	case "okx":
		return okx.New(cfg.BaseURL, logger)
	}
	rest := binance.New(cfg.BaseURL, logger)
	if cfg.Mode != "stream" {
		return rest
	}
	stream := binance.NewStream(rest, cfg.StreamURL, interval)
	stream.Start(ctx)
	return stream
}
