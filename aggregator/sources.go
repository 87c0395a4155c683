package aggregator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/yitech/marketboard/adapter"
	"github.com/yitech/marketboard/model/market"
	"github.com/yitech/marketboard/poller"
)

// Sources are the four inputs of the join.
type Sources struct {
	Catalog   adapter.CatalogSource
	Tickers   adapter.TickerFeed
	Reference adapter.ReferencePriceFeed // optional
	Rate      adapter.RateSource         // optional
}

// Intervals are the independent refresh periods of each source.
type Intervals struct {
	Catalog   time.Duration
	Ticker    time.Duration
	Reference time.Duration
	Rate      time.Duration
}

// Runner is a scheduled source.
type Runner interface {
	Name() string
	Run(ctx context.Context)
}

// errNoReference marks an empty reference table. The feed fails open,
// so emptiness is the only failure signal it gives.
var errNoReference = errors.New("reference feed returned no prices")

// Pollers builds one poller per configured source, each feeding its
// result or failure into a, plus a health runner that marks sources
// stale once they go unrefreshed past their interval. Run each returned
// Runner in its own goroutine.
func (a *Aggregator) Pollers(src Sources, iv Intervals, logger *slog.Logger) []Runner {
	if logger == nil {
		logger = slog.Default()
	}

	catalog := poller.New("catalog", iv.Catalog, src.Catalog.FetchAll,
		poller.OnResult(a.UpdateCatalog),
		poller.OnError[[]market.Instrument](a.CatalogFailed),
		poller.WithLogger[[]market.Instrument](logger))
	a.watch(catalog.Name(), true, catalog.Status)

	tickers := poller.New("ticker", iv.Ticker, func(ctx context.Context) ([]market.Ticker, error) {
		ids := a.InstrumentIDs()
		if len(ids) == 0 {
			return nil, poller.ErrSkip
		}
		return src.Tickers.Fetch(ctx, ids)
	},
		poller.OnResult(a.UpdateTickers),
		poller.OnError[[]market.Ticker](a.TickerFailed),
		poller.WithLogger[[]market.Ticker](logger))
	a.watch(tickers.Name(), true, tickers.Status)

	runners := []Runner{catalog, tickers}
	every := min(iv.Catalog, iv.Ticker)

	if src.Reference != nil {
		reference := poller.New("reference", iv.Reference, func(ctx context.Context) (map[string]float64, error) {
			prices := src.Reference.FetchAll(ctx)
			if len(prices) == 0 {
				return nil, errNoReference
			}
			return prices, nil
		},
			poller.OnResult(a.UpdateReference),
			poller.OnError[map[string]float64](a.ReferenceFailed),
			poller.WithLogger[map[string]float64](logger))
		a.watch(reference.Name(), false, reference.Status)
		runners = append(runners, reference)
		every = min(every, iv.Reference)
	}

	if src.Rate != nil {
		rate := poller.New("rate", iv.Rate, src.Rate.Fetch,
			poller.OnResult(a.UpdateRate),
			poller.OnError[float64](a.RateFailed),
			poller.WithLogger[float64](logger))
		a.watch(rate.Name(), false, rate.Status)
		runners = append(runners, rate)
		every = min(every, iv.Rate)
	}

	return append(runners, &healthCheck{agg: a, every: every})
}

// healthCheck re-evaluates source freshness on a timer. A source that
// stops answering produces no input of its own.
type healthCheck struct {
	agg   *Aggregator
	every time.Duration
}

func (h *healthCheck) Name() string { return "health" }

func (h *healthCheck) Run(ctx context.Context) {
	if h.every <= 0 {
		h.every = time.Second
	}
	ticker := time.NewTicker(h.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.agg.Refresh()
		}
	}
}
