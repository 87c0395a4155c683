package aggregator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/yitech/marketboard/adapter"
	"github.com/yitech/marketboard/model/market"
)

func testConfig() Config {
	return Config{
		ReferenceQuote: "USDT",
		StableCoin:     "USDT",
		SymbolMap:      map[string]string{"BTT": "BTTC"},
	}
}

func instruments(ids ...string) []market.Instrument {
	out := make([]market.Instrument, 0, len(ids))
	for _, id := range ids {
		out = append(out, market.Instrument{ID: id, LocalName: "ko-" + id, EnglishName: "en-" + id})
	}
	return out
}

func TestLoadingUntilCatalogAndTicker(t *testing.T) {
	a := New(testConfig(), nil, nil)
	assert.True(t, a.Snapshot().Loading)

	a.UpdateTickers([]market.Ticker{{Market: "KRW-BTC", TradePrice: 100}})
	snap := a.Snapshot()
	assert.True(t, snap.Loading)
	assert.Empty(t, snap.Records)

	a.UpdateCatalog(instruments("KRW-BTC"))
	snap = a.Snapshot()
	assert.False(t, snap.Loading)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, "ko-KRW-BTC", snap.Records[0].LocalName)
}

func TestSpreadComputation(t *testing.T) {
	a := New(testConfig(), nil, nil)
	a.UpdateCatalog(instruments("KRW-BTC"))
	a.UpdateReference(map[string]float64{"BTCUSDT": 0.07})
	a.UpdateRate(1350)
	a.UpdateTickers([]market.Ticker{{Market: "KRW-BTC", TradePrice: 100}})

	r, ok := a.Lookup("KRW-BTC")
	require.True(t, ok)
	require.True(t, r.HasSpread)
	assert.InDelta(t, 94.5, r.ReferencePrice*a.Snapshot().Rate, 1e-9)
	assert.InDelta(t, (100/94.5-1)*100, r.SpreadPercent, 1e-9)
	assert.InDelta(t, 5.82, r.SpreadPercent, 0.01)
	assert.InDelta(t, 100.0/1350, r.ConvertedPrice, 1e-12)
	assert.Equal(t, "BTCUSDT", r.ReferenceSymbol)
}

func TestStableCoinSpreadNeedsNoReference(t *testing.T) {
	a := New(testConfig(), nil, nil)
	a.UpdateCatalog(instruments("KRW-USDT"))
	a.UpdateRate(1350)
	a.UpdateTickers([]market.Ticker{{Market: "KRW-USDT", TradePrice: 1340}})

	r, ok := a.Lookup("KRW-USDT")
	require.True(t, ok)
	require.True(t, r.HasSpread)
	assert.InDelta(t, -0.74, r.SpreadPercent, 0.01)
	assert.Equal(t, 1.0, r.ReferencePrice)
}

func TestMissingReferenceLeavesSpreadAbsent(t *testing.T) {
	a := New(testConfig(), nil, nil)
	a.UpdateCatalog(instruments("KRW-ETH"))
	a.UpdateRate(1350)
	a.UpdateTickers([]market.Ticker{{Market: "KRW-ETH", TradePrice: 3_000_000}})

	r, _ := a.Lookup("KRW-ETH")
	assert.False(t, r.HasReference)
	assert.False(t, r.HasSpread)
	assert.True(t, r.HasConverted)
}

func TestSymbolRemapping(t *testing.T) {
	a := New(testConfig(), func(base, quote string) string { return base + "-" + quote }, nil)
	a.UpdateCatalog(instruments("KRW-BTT", "KRW-XRP"))
	a.UpdateReference(map[string]float64{"BTTC-USDT": 0.000001, "XRP-USDT": 0.5})
	a.UpdateRate(1000)
	a.UpdateTickers([]market.Ticker{{Market: "KRW-BTT", TradePrice: 0.001}, {Market: "KRW-XRP", TradePrice: 500}})

	btt, _ := a.Lookup("KRW-BTT")
	assert.Equal(t, "BTTC-USDT", btt.ReferenceSymbol)
	assert.True(t, btt.HasSpread)

	xrp, _ := a.Lookup("KRW-XRP")
	assert.Equal(t, "XRP-USDT", xrp.ReferenceSymbol)
	assert.InDelta(t, 0.0, xrp.SpreadPercent, 1e-9)
}

func TestFallbackRate(t *testing.T) {
	cfg := testConfig()
	cfg.FallbackRate = 1350
	a := New(cfg, nil, nil)
	a.UpdateCatalog(instruments("KRW-USDT"))
	a.UpdateTickers([]market.Ticker{{Market: "KRW-USDT", TradePrice: 1350}})

	snap := a.Snapshot()
	assert.Equal(t, "fallback", snap.RateSource)
	assert.True(t, snap.Records[0].HasSpread)

	a.UpdateRate(1400)
	assert.Equal(t, "live", a.Snapshot().RateSource)

	// A failing rate keeps the last live value and flags it stale.
	a.RateFailed(errors.New("down"))
	snap = a.Snapshot()
	assert.Equal(t, 1400.0, snap.Rate)
	assert.Contains(t, snap.Stale, "rate")
	assert.Equal(t, market.KindNone, snap.Err)
}

func TestNoRateMeansNoDerivedValues(t *testing.T) {
	a := New(testConfig(), nil, nil)
	a.UpdateCatalog(instruments("KRW-BTC"))
	a.UpdateReference(map[string]float64{"BTCUSDT": 0.07})
	a.UpdateTickers([]market.Ticker{{Market: "KRW-BTC", TradePrice: 100}})

	r, _ := a.Lookup("KRW-BTC")
	assert.True(t, r.HasReference)
	assert.False(t, r.HasSpread)
	assert.False(t, r.HasConverted)
}

func TestCatalogTwoTickerOne(t *testing.T) {
	a := New(testConfig(), nil, nil)
	a.UpdateCatalog(instruments("KRW-BTC", "KRW-ETH"))
	a.UpdateTickers([]market.Ticker{{Market: "KRW-BTC", TradePrice: 100}})

	snap := a.Snapshot()
	assert.Len(t, snap.Records, 1)
	assert.False(t, snap.Loading)
	assert.Equal(t, market.KindNone, snap.Err)
}

func TestDefaultOrderByTradeValue(t *testing.T) {
	a := New(testConfig(), nil, nil)
	a.UpdateCatalog(instruments("KRW-A", "KRW-B", "KRW-C"))
	a.UpdateTickers([]market.Ticker{
		{Market: "KRW-A", AccTradePrice24h: 10},
		{Market: "KRW-B", AccTradePrice24h: 30},
		{Market: "KRW-C", AccTradePrice24h: 20},
	})

	var got []string
	for _, r := range a.Snapshot().Records {
		got = append(got, r.Market)
	}
	assert.Equal(t, []string{"KRW-B", "KRW-C", "KRW-A"}, got)
}

func TestTickerFailureKeepsLastSnapshot(t *testing.T) {
	a := New(testConfig(), nil, nil)
	a.UpdateCatalog(instruments("KRW-BTC"))
	a.UpdateTickers([]market.Ticker{{Market: "KRW-BTC", TradePrice: 100}})

	a.TickerFailed(adapter.Unavailable("upbit", errors.New("timeout")))
	snap := a.Snapshot()
	assert.Equal(t, market.KindSourceUnavailable, snap.Err)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, 100.0, snap.Records[0].TradePrice)

	a.UpdateTickers([]market.Ticker{{Market: "KRW-BTC", TradePrice: 101}})
	assert.Equal(t, market.KindNone, a.Snapshot().Err)
}

func TestRejectedTickerIsConfigurationError(t *testing.T) {
	a := New(testConfig(), nil, nil)
	a.TickerFailed(fmt.Errorf("upbit: %w", adapter.ErrRejected))
	snap := a.Snapshot()
	assert.True(t, snap.Loading)
	assert.Equal(t, market.KindConfiguration, snap.Err)
}

func TestReferenceFailureIsNotSnapshotError(t *testing.T) {
	a := New(testConfig(), nil, nil)
	a.UpdateCatalog(instruments("KRW-BTC"))
	a.UpdateReference(map[string]float64{"BTCUSDT": 0.07})
	a.UpdateRate(1350)
	a.UpdateTickers([]market.Ticker{{Market: "KRW-BTC", TradePrice: 100}})

	a.ReferenceFailed(errors.New("binance down"))
	snap := a.Snapshot()
	assert.Equal(t, market.KindNone, snap.Err)
	assert.Contains(t, snap.Stale, "reference")
	assert.True(t, snap.Records[0].HasSpread, "last reference prices are still used")
}

func TestSpreadRecomputedEachPass(t *testing.T) {
	a := New(testConfig(), nil, nil)
	a.UpdateCatalog(instruments("KRW-BTC"))
	a.UpdateReference(map[string]float64{"BTCUSDT": 0.07})
	a.UpdateRate(1350)

	for _, p := range []float64{90, 110, 100} {
		a.UpdateTickers([]market.Ticker{{Market: "KRW-BTC", TradePrice: p}})
	}
	r, _ := a.Lookup("KRW-BTC")
	assert.Equal(t, SpreadPercent(100, 0.07, 1350), r.SpreadPercent)
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	a := New(testConfig(), nil, nil)
	var got []market.Snapshot
	tok := a.Subscribe(func(s market.Snapshot) { got = append(got, s) })

	a.UpdateCatalog(instruments("KRW-BTC"))
	a.UpdateTickers([]market.Ticker{{Market: "KRW-BTC"}})
	require.Len(t, got, 2)
	assert.False(t, got[1].Loading)

	tok.Unsubscribe()
	a.UpdateRate(1)
	assert.Len(t, got, 2)
}

// ── pollers ──────────────────────────────────────────────────────────────────

type mockCatalog struct{ mock.Mock }

func (m *mockCatalog) FetchAll(ctx context.Context) ([]market.Instrument, error) {
	args := m.Called(ctx)
	return args.Get(0).([]market.Instrument), args.Error(1)
}

type mockTickers struct{ mock.Mock }

func (m *mockTickers) Fetch(ctx context.Context, ids []string) ([]market.Ticker, error) {
	args := m.Called(ctx, ids)
	return args.Get(0).([]market.Ticker), args.Error(1)
}

type staticReference map[string]float64

func (s staticReference) FetchAll(context.Context) map[string]float64 { return s }
func (s staticReference) Symbol(base, quote string) string            { return base + quote }

type pollable interface {
	Poll(ctx context.Context) bool
}

func TestPollersFeedAggregator(t *testing.T) {
	catalog := &mockCatalog{}
	catalog.On("FetchAll", mock.Anything).Return(instruments("KRW-BTC", "KRW-ETH"), nil)
	tickers := &mockTickers{}
	tickers.On("Fetch", mock.Anything, []string{"KRW-BTC", "KRW-ETH"}).
		Return([]market.Ticker{{Market: "KRW-BTC", TradePrice: 100}}, nil)

	a := New(testConfig(), nil, nil)
	runners := a.Pollers(Sources{
		Catalog:   catalog,
		Tickers:   tickers,
		Reference: staticReference{},
	}, Intervals{Catalog: time.Hour, Ticker: time.Second, Reference: time.Second}, nil)
	require.Len(t, runners, 4)
	assert.Equal(t, "health", runners[3].Name())

	ctx := context.Background()
	tickerPoll := runners[1].(pollable)
	assert.False(t, tickerPoll.Poll(ctx), "ticker skips until the catalog is known")
	tickers.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)

	require.True(t, runners[0].(pollable).Poll(ctx))
	require.True(t, tickerPoll.Poll(ctx))
	assert.Len(t, a.Snapshot().Records, 1)

	// An empty reference table counts as a failure, not as "no prices".
	assert.False(t, runners[2].(pollable).Poll(ctx))
	assert.Contains(t, a.Snapshot().Stale, "reference")

	catalog.AssertExpectations(t)
	tickers.AssertExpectations(t)
}

type catalogFunc func(context.Context) ([]market.Instrument, error)

func (f catalogFunc) FetchAll(ctx context.Context) ([]market.Instrument, error) { return f(ctx) }

type tickersFunc func(context.Context, []string) ([]market.Ticker, error)

func (f tickersFunc) Fetch(ctx context.Context, ids []string) ([]market.Ticker, error) {
	return f(ctx, ids)
}

type referenceFunc func(context.Context) map[string]float64

func (f referenceFunc) FetchAll(ctx context.Context) map[string]float64 { return f(ctx) }
func (f referenceFunc) Symbol(base, quote string) string               { return base + quote }

func TestSilentSourcesTurnStale(t *testing.T) {
	var tickerCalls, referenceCalls atomic.Int32
	catalog := catalogFunc(func(context.Context) ([]market.Instrument, error) {
		return instruments("KRW-BTC"), nil
	})
	// After one answer each source hangs: no success and no failure.
	tickers := tickersFunc(func(ctx context.Context, _ []string) ([]market.Ticker, error) {
		if tickerCalls.Add(1) == 1 {
			return []market.Ticker{{Market: "KRW-BTC", TradePrice: 100}}, nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	reference := referenceFunc(func(ctx context.Context) map[string]float64 {
		if referenceCalls.Add(1) == 1 {
			return map[string]float64{"BTCUSDT": 0.07}
		}
		<-ctx.Done()
		return nil
	})

	a := New(testConfig(), nil, nil)
	runners := a.Pollers(Sources{Catalog: catalog, Tickers: tickers, Reference: reference},
		Intervals{Catalog: time.Hour, Ticker: 10 * time.Millisecond, Reference: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	for _, r := range runners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Run(ctx)
		}()
	}

	require.Eventually(t, func() bool {
		snap := a.Snapshot()
		return !snap.Loading && snap.Err == market.KindStaleData && slices.Contains(snap.Stale, "reference")
	}, 2*time.Second, 10*time.Millisecond)

	snap := a.Snapshot()
	require.Len(t, snap.Records, 1)
	assert.True(t, snap.Records[0].HasReference, "stale values are still served")
	assert.NotContains(t, snap.Stale, "rate")
}

func TestRefreshPublishesOnlyOnChange(t *testing.T) {
	a := New(testConfig(), nil, nil)
	var n int
	a.Subscribe(func(market.Snapshot) { n++ })

	a.Refresh()
	assert.Zero(t, n)
}

func TestSubscribersSeeSnapshotsInOrder(t *testing.T) {
	a := New(testConfig(), nil, nil)
	entered := make(chan struct{})
	gate := make(chan struct{})
	var mu sync.Mutex
	var rates []float64
	a.Subscribe(func(s market.Snapshot) {
		if s.Rate == 1 {
			close(entered)
			<-gate
		}
		mu.Lock()
		rates = append(rates, s.Rate)
		mu.Unlock()
	})

	first := make(chan struct{})
	go func() {
		a.UpdateRate(1)
		close(first)
	}()
	<-entered

	second := make(chan struct{})
	go func() {
		a.UpdateRate(2)
		close(second)
	}()
	close(gate)
	<-first
	<-second

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []float64{1, 2}, rates)
}
