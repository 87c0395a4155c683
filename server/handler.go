package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yitech/marketboard/adapter"
	"github.com/yitech/marketboard/model/candle"
	"github.com/yitech/marketboard/model/market"
)

// Health handles GET /health. It reports the board's state but always
// answers 200 so orchestration does not restart a server whose upstream
// is down.
func (h *Handler) Health(c *gin.Context) {
	snap := h.board.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"status":    "OK",
		"service":   ServiceName,
		"version":   ServiceVersion,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"loading":   snap.Loading,
		"error":     snap.Err,
		"stale":     snap.Stale,
		"markets":   len(snap.Records),
	})
}

// ListMarkets handles GET /v1/markets?sort=&order=.
func (h *Handler) ListMarkets(c *gin.Context) {
	field, order, err := market.ParseSort(c.Query("sort"), c.Query("order"))
	if err != nil {
		h.handleError(c, err, http.StatusBadRequest, err.Error())
		return
	}
	snap := h.board.Snapshot()
	snap.Records = market.Sort(snap.Records, field, order)
	c.JSON(http.StatusOK, snap)
}

// GetMarket handles GET /v1/markets/:market.
func (h *Handler) GetMarket(c *gin.Context) {
	id := strings.ToUpper(c.Param("market"))
	if rec, ok := h.board.Lookup(id); ok {
		c.JSON(http.StatusOK, rec)
		return
	}
	if h.board.Snapshot().Loading {
		c.JSON(http.StatusServiceUnavailable, gin.H{"loading": true})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "unknown market " + id})
}

// GetCandles handles GET /v1/markets/:market/candles?timeframe=&count=&to=.
func (h *Handler) GetCandles(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), DefaultTimeout)
	defer cancel()

	id := strings.ToUpper(c.Param("market"))
	tf, count, before, err := parseCandleQuery(c)
	if err != nil {
		h.handleError(c, err, http.StatusBadRequest, err.Error())
		return
	}

	bars, err := h.candles.FetchBars(ctx, id, tf, count, before)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, adapter.ErrRejected) {
			status = http.StatusBadRequest
		}
		h.handleError(c, err, status, adapter.Classify(err).String())
		return
	}
	if bars == nil {
		bars = []candle.Bar{}
	}
	c.JSON(http.StatusOK, gin.H{
		"market":    id,
		"timeframe": tf.String(),
		"bars":      bars,
	})
}

func parseCandleQuery(c *gin.Context) (candle.Timeframe, int, *time.Time, error) {
	tf, err := candle.ParseTimeframe(c.DefaultQuery("timeframe", DefaultTimeframe))
	if err != nil {
		return tf, 0, nil, err
	}

	count := adapter.MaxBars
	if raw := c.Query("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > adapter.MaxBars {
			return tf, 0, nil, fmt.Errorf("count must be between 1 and %d", adapter.MaxBars)
		}
		count = n
	}

	var before *time.Time
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return tf, 0, nil, fmt.Errorf("to must be RFC3339: %w", err)
		}
		t = t.UTC()
		before = &t
	}
	return tf, count, before, nil
}

func (h *Handler) handleError(c *gin.Context, err error, statusCode int, userMessage string) {
	requestID := c.GetString(RequestIDContextKey)
	h.logger.Warn("api error",
		slog.String("request_id", requestID),
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("err", err.Error()),
		slog.Int("status_code", statusCode),
	)
	c.JSON(statusCode, gin.H{
		"error":      userMessage,
		"request_id": requestID,
	})
}
