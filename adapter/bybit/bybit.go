package bybit

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/yitech/marketboard/adapter"
)

// DefaultBaseURL is Bybit's V5 REST root.
const DefaultBaseURL = "https://api.bybit.com"

// Adapter is the Bybit reference-price adapter.
type Adapter struct {
	httpClient *http.Client
	baseURL    string
	category   string // "spot" | "linear" | "inverse"
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
		category:   "spot",
		logger:     logger.With("source", "bybit"),
	}
}

// FetchAll returns last prices for every symbol in the category.
func (a *Adapter) FetchAll(ctx context.Context) map[string]float64 {
	prices, err := fetchTickers(ctx, a.httpClient, a.baseURL, a.category)
	if err != nil {
		a.logger.Warn("reference prices unavailable", "err", err)
		return map[string]float64{}
	}
	return prices
}

// Symbol joins base and quote: BTC + USDT → BTCUSDT.
func (a *Adapter) Symbol(base, quote string) string {
	return base + quote
}
