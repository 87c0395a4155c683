package binance

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/yitech/marketboard/adapter"
)

// DefaultBaseURL is Binance's spot REST root.
const DefaultBaseURL = "https://api.binance.com"

// Adapter is the Binance reference-price adapter (REST polling).
type Adapter struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

var _ adapter.ReferencePriceFeed = (*Adapter)(nil)

func New(baseURL string, logger *slog.Logger) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger.With("source", "binance"),
	}
}

// FetchAll returns the last price of every spot symbol. Failures are
// logged and yield an empty map.
func (a *Adapter) FetchAll(ctx context.Context) map[string]float64 {
	prices, err := fetchPrices(ctx, a.httpClient, a.baseURL)
	if err != nil {
		a.logger.Warn("reference prices unavailable", "err", err)
		return map[string]float64{}
	}
	return prices
}

// Symbol joins base and quote the Binance way: BTC + USDT → BTCUSDT.
func (a *Adapter) Symbol(base, quote string) string {
	return base + quote
}
