package adapter

import (
	"context"
	"time"

	"github.com/yitech/marketboard/model/candle"
	"github.com/yitech/marketboard/model/market"
)

// CatalogSource lists the tradable instruments of the local exchange.
type CatalogSource interface {
	FetchAll(ctx context.Context) ([]market.Instrument, error)
}

// TickerFeed returns current tickers for a batch of instrument ids.
type TickerFeed interface {
	Fetch(ctx context.Context, ids []string) ([]market.Ticker, error)
}

// ReferencePriceFeed returns prices on the reference (foreign) market,
// keyed by that market's own symbols. It fails open: on any error the
// returned map is empty and the failure is only logged.
type ReferencePriceFeed interface {
	FetchAll(ctx context.Context) map[string]float64

	// Symbol builds the reference market's symbol for base/quote.
	Symbol(base, quote string) string
}

// RateSource returns local-currency units per one reference quote unit.
type RateSource interface {
	Fetch(ctx context.Context) (float64, error)
}

// MaxBars is the largest page a CandleSource serves in one call.
const MaxBars = 200

// CandleSource returns up to count bars for market/tf, oldest first.
// A nil before returns the most recent bars; otherwise only bars whose
// canonical time is strictly before *before.
type CandleSource interface {
	FetchBars(ctx context.Context, market string, tf candle.Timeframe, count int, before *time.Time) ([]candle.Bar, error)
}

// Token cancels one subscription.
type Token interface {
	Unsubscribe()
}

// TokenFunc adapts a plain function to Token.
type TokenFunc func()

func (f TokenFunc) Unsubscribe() { f() }
