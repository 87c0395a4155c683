// Package server exposes the board and candle history over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yitech/marketboard/adapter"
	"github.com/yitech/marketboard/model/market"
)

const (
	DefaultTimeout      = 15 * time.Second
	DefaultTimeframe    = "minutes/1"
	ServiceName         = "marketboard"
	ServiceVersion      = "1.0.0"
	RequestIDContextKey = "request_id"
	RequestIDHeaderKey  = "X-Request-ID"
)

// Board is the read side of the aggregator.
type Board interface {
	Snapshot() market.Snapshot
	Lookup(id string) (market.UnifiedRecord, bool)
	Subscribe(handler func(market.Snapshot)) adapter.Token
}

// Handler serves the HTTP API.
type Handler struct {
	board   Board
	candles adapter.CandleSource
	logger  *slog.Logger
}

func New(board Board, candles adapter.CandleSource, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		board:   board,
		candles: candles,
		logger:  logger.With("component", "http"),
	}
}

// Routes builds the gin engine with middleware and every route.
func (h *Handler) Routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(requestIDMiddleware())
	router.Use(loggerMiddleware(h.logger))
	router.Use(gin.CustomRecovery(h.recover))
	router.Use(corsMiddleware())

	router.GET("/health", h.Health)

	v1 := router.Group("/v1")
	v1.GET("/markets", h.ListMarkets)
	v1.GET("/markets/:market", h.GetMarket)
	v1.GET("/markets/:market/candles", h.GetCandles)
	v1.GET("/stream", h.Stream)

	return router
}

// Serve runs the API on addr until ctx is done, then shuts down gracefully.
func (h *Handler) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("http listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
