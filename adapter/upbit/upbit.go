package upbit

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/yitech/marketboard/adapter"
	"github.com/yitech/marketboard/model/candle"
	"github.com/yitech/marketboard/model/market"
)

// DefaultBaseURL is Upbit's public REST root.
const DefaultBaseURL = "https://api.upbit.com"

// Adapter is the local-market adapter. It serves the instrument catalog,
// batched tickers and candle pages.
type Adapter struct {
	httpClient *http.Client
	baseURL    string
	quote      string // catalog filter, e.g. "KRW"
}

var (
	_ adapter.CatalogSource = (*Adapter)(nil)
	_ adapter.TickerFeed    = (*Adapter)(nil)
	_ adapter.CandleSource  = (*Adapter)(nil)
)

// New returns an adapter rooted at baseURL (DefaultBaseURL when empty)
// whose catalog is limited to markets quoted in quote ("" keeps all).
func New(baseURL, quote string) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		quote:      quote,
	}
}

// FetchAll returns every listed instrument quoted in the adapter's quote.
func (a *Adapter) FetchAll(ctx context.Context) ([]market.Instrument, error) {
	all, err := fetchMarkets(ctx, a.httpClient, a.baseURL)
	if err != nil {
		return nil, err
	}
	if a.quote == "" {
		return all, nil
	}
	prefix := a.quote + "-"
	out := all[:0]
	for _, m := range all {
		if strings.HasPrefix(m.ID, prefix) {
			out = append(out, m)
		}
	}
	return out, nil
}

// Fetch returns tickers for ids in a single comma-joined request.
func (a *Adapter) Fetch(ctx context.Context, ids []string) ([]market.Ticker, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return fetchTickers(ctx, a.httpClient, a.baseURL, ids)
}

// FetchBars returns up to count bars, oldest first.
func (a *Adapter) FetchBars(ctx context.Context, mkt string, tf candle.Timeframe, count int, before *time.Time) ([]candle.Bar, error) {
	return fetchCandles(ctx, a.httpClient, a.baseURL, mkt, tf, count, before)
}
