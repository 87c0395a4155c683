package okx

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/yitech/marketboard/adapter"
)

// DefaultBaseURL is OKX's REST root.
const DefaultBaseURL = "https://www.okx.com"

// Adapter is the OKX reference-price adapter. OKX names instruments
// with a dash, so the same asset is "BTC-USDT" here.
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
		logger:     logger.With("source", "okx"),
	}
}

func (a *Adapter) FetchAll(ctx context.Context) map[string]float64 {
	prices, err := fetchTickers(ctx, a.httpClient, a.baseURL)
	if err != nil {
		a.logger.Warn("reference prices unavailable", "err", err)
		return map[string]float64{}
	}
	return prices
}

// Symbol joins base and quote: BTC + USDT → BTC-USDT.
func (a *Adapter) Symbol(base, quote string) string {
	return base + "-" + quote
}
