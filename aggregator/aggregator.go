package aggregator

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/yitech/marketboard/adapter"
	"github.com/yitech/marketboard/model/market"
	"github.com/yitech/marketboard/poller"
)

// Config holds the join parameters.
type Config struct {
	// ReferenceQuote is the reference market's quote asset, e.g. "USDT".
	ReferenceQuote string
	// StableCoin is the local asset pegged to the rate's quote currency.
	// Its reference price is 1 by definition.
	StableCoin string
	// SymbolMap maps local base assets to reference base assets where the
	// two markets use different tickers. Unmapped assets map to themselves.
	SymbolMap map[string]string
	// FallbackRate is used until the rate source first succeeds.
	// Zero means no fallback: converted price and spread stay absent.
	FallbackRate float64
}

// SymbolFunc builds a reference-market symbol from base and quote.
type SymbolFunc func(base, quote string) string

// Aggregator joins the catalog, ticker, reference-price and rate sources
// into one Snapshot. Every input change rebuilds the snapshot from
// scratch; derived values are never updated incrementally.
type Aggregator struct {
	cfg    Config
	symbol SymbolFunc
	logger *slog.Logger
	now    func() time.Time

	// pub is held from computing a snapshot until its handlers return,
	// so subscribers see snapshots in the order they were built.
	pub sync.Mutex
	mu  sync.Mutex

	catalog    map[string]market.Instrument
	catalogIDs []string
	catalogOK  bool
	catalogErr error

	tickers   []market.Ticker
	tickersOK bool
	tickerErr error

	reference      map[string]float64
	referenceStale bool

	rate      float64
	hasRate   bool
	rateStale bool

	// health reports each polled source's freshness.
	health []health

	snap market.Snapshot

	handlers map[uint64]func(market.Snapshot)
	nextID   uint64
}

// health is one polled source as seen by the staleness check.
type health struct {
	name      string
	mandatory bool
	status    func() poller.Status
}

// aggregatorToken cancels a single handler registration.
type aggregatorToken struct {
	id  uint64
	agg *Aggregator
}

func (t *aggregatorToken) Unsubscribe() {
	t.agg.mu.Lock()
	delete(t.agg.handlers, t.id)
	t.agg.mu.Unlock()
}

// New creates an Aggregator. symbol names reference-market symbols;
// nil concatenates base and quote.
func New(cfg Config, symbol SymbolFunc, logger *slog.Logger) *Aggregator {
	if symbol == nil {
		symbol = func(base, quote string) string { return base + quote }
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Aggregator{
		cfg:       cfg,
		symbol:    symbol,
		logger:    logger.With("component", "aggregator"),
		now:       time.Now,
		catalog:   make(map[string]market.Instrument),
		reference: make(map[string]float64),
		handlers:  make(map[uint64]func(market.Snapshot)),
	}
	a.snap = a.compute()
	return a
}

// Snapshot returns the current snapshot. It is shared: do not mutate.
func (a *Aggregator) Snapshot() market.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snap
}

// Lookup returns the record for one market id.
func (a *Aggregator) Lookup(id string) (market.UnifiedRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.snap.Records {
		if r.Market == id {
			return r, true
		}
	}
	return market.UnifiedRecord{}, false
}

// InstrumentIDs lists the catalog's market ids in sorted order.
func (a *Aggregator) InstrumentIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.catalogIDs)
}

// Subscribe registers handler to receive every new snapshot. Handlers
// run one snapshot at a time and must not feed inputs back into a.
func (a *Aggregator) Subscribe(handler func(market.Snapshot)) adapter.Token {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.handlers[id] = handler
	a.mu.Unlock()
	return &aggregatorToken{id: id, agg: a}
}

// ── inputs ───────────────────────────────────────────────────────────────────

func (a *Aggregator) UpdateCatalog(instruments []market.Instrument) {
	a.update(func() {
		a.catalog = make(map[string]market.Instrument, len(instruments))
		a.catalogIDs = make([]string, 0, len(instruments))
		for _, in := range instruments {
			if _, dup := a.catalog[in.ID]; !dup {
				a.catalogIDs = append(a.catalogIDs, in.ID)
			}
			a.catalog[in.ID] = in
		}
		slices.Sort(a.catalogIDs)
		a.catalogOK = true
		a.catalogErr = nil
	})
}

func (a *Aggregator) CatalogFailed(err error) {
	a.update(func() { a.catalogErr = err })
}

// UpdateTickers replaces the whole ticker set.
func (a *Aggregator) UpdateTickers(tickers []market.Ticker) {
	a.update(func() {
		a.tickers = slices.Clone(tickers)
		a.tickersOK = true
		a.tickerErr = nil
	})
}

func (a *Aggregator) TickerFailed(err error) {
	a.update(func() { a.tickerErr = err })
}

func (a *Aggregator) UpdateReference(prices map[string]float64) {
	a.update(func() {
		a.reference = prices
		a.referenceStale = false
	})
}

func (a *Aggregator) ReferenceFailed(error) {
	a.update(func() { a.referenceStale = true })
}

func (a *Aggregator) UpdateRate(rate float64) {
	if rate <= 0 {
		a.RateFailed(nil)
		return
	}
	a.update(func() {
		a.rate = rate
		a.hasRate = true
		a.rateStale = false
	})
}

func (a *Aggregator) RateFailed(error) {
	a.update(func() { a.rateStale = true })
}

// Refresh re-evaluates source freshness and publishes a new snapshot
// if a source went stale or recovered since the last one.
func (a *Aggregator) Refresh() {
	a.publish(func() bool {
		next := a.compute()
		if next.Err == a.snap.Err && slices.Equal(next.Stale, a.snap.Stale) {
			return false
		}
		a.snap = next
		return true
	})
}

// watch registers a polled source for the staleness check.
func (a *Aggregator) watch(name string, mandatory bool, status func() poller.Status) {
	a.mu.Lock()
	a.health = append(a.health, health{name: name, mandatory: mandatory, status: status})
	a.mu.Unlock()
}

// update applies mutate and publishes the rebuilt snapshot.
func (a *Aggregator) update(mutate func()) {
	a.publish(func() bool {
		mutate()
		a.snap = a.compute()
		return true
	})
}

// publish runs step under the state lock and, when it reports a new
// snapshot, notifies subscribers outside that lock.
func (a *Aggregator) publish(step func() bool) {
	a.pub.Lock()
	defer a.pub.Unlock()

	a.mu.Lock()
	changed := step()
	snap := a.snap
	hs := a.snapshotHandlers()
	a.mu.Unlock()

	if !changed {
		return
	}
	for _, h := range hs {
		h(snap)
	}
}

// snapshotHandlers returns a copy of the handler slice (called under lock).
func (a *Aggregator) snapshotHandlers() []func(market.Snapshot) {
	hs := make([]func(market.Snapshot), 0, len(a.handlers))
	for _, h := range a.handlers {
		hs = append(hs, h)
	}
	return hs
}

// ── join ─────────────────────────────────────────────────────────────────────

// compute builds a fresh snapshot from the current inputs (called under lock).
func (a *Aggregator) compute() market.Snapshot {
	snap := market.Snapshot{
		Records:   []market.UnifiedRecord{},
		Loading:   !a.catalogOK || !a.tickersOK,
		UpdatedAt: a.now(),
	}

	switch {
	case a.tickerErr != nil:
		snap.Err = adapter.Classify(a.tickerErr)
	case a.catalogErr != nil:
		snap.Err = adapter.Classify(a.catalogErr)
	}

	rate, rateSource := a.currentRate()
	snap.Rate, snap.RateSource = rate, rateSource
	if a.referenceStale {
		snap.Stale = append(snap.Stale, "reference")
	}
	if a.rateStale {
		snap.Stale = append(snap.Stale, "rate")
	}
	for _, h := range a.health {
		if !h.status().Stale {
			continue
		}
		if h.mandatory {
			if snap.Err == market.KindNone {
				snap.Err = market.KindStaleData
			}
			continue
		}
		if !slices.Contains(snap.Stale, h.name) {
			snap.Stale = append(snap.Stale, h.name)
		}
	}

	if snap.Loading {
		return snap
	}

	snap.Records = make([]market.UnifiedRecord, 0, len(a.tickers))
	for _, t := range a.tickers {
		snap.Records = append(snap.Records, a.join(t, rate))
	}

	// Default order: 24h trade value, largest first.
	slices.SortStableFunc(snap.Records, func(x, y market.UnifiedRecord) int {
		if c := cmp.Compare(y.AccTradePrice24h, x.AccTradePrice24h); c != 0 {
			return c
		}
		return cmp.Compare(x.Market, y.Market)
	})
	return snap
}

// currentRate returns the live rate, else the fallback.
func (a *Aggregator) currentRate() (float64, string) {
	switch {
	case a.hasRate:
		return a.rate, "live"
	case a.cfg.FallbackRate > 0:
		return a.cfg.FallbackRate, "fallback"
	default:
		return 0, ""
	}
}

func (a *Aggregator) join(t market.Ticker, rate float64) market.UnifiedRecord {
	r := market.UnifiedRecord{Ticker: t}
	if in, ok := a.catalog[t.Market]; ok {
		r.LocalName = in.LocalName
		r.EnglishName = in.EnglishName
	}

	if rate > 0 {
		r.ConvertedPrice = t.TradePrice / rate
		r.HasConverted = true
	}

	base := market.Base(t.Market)
	if a.cfg.StableCoin != "" && base == a.cfg.StableCoin {
		r.ReferencePrice, r.HasReference = 1, true
		if rate > 0 {
			r.SpreadPercent, r.HasSpread = StableSpreadPercent(t.TradePrice, rate), true
		}
		return r
	}

	if mapped, ok := a.cfg.SymbolMap[base]; ok {
		base = mapped
	}
	r.ReferenceSymbol = a.symbol(base, a.cfg.ReferenceQuote)
	if price, ok := a.reference[r.ReferenceSymbol]; ok && price > 0 {
		r.ReferencePrice, r.HasReference = price, true
		if rate > 0 {
			r.SpreadPercent, r.HasSpread = SpreadPercent(t.TradePrice, price, rate), true
		}
	}
	return r
}

// SpreadPercent is the premium of the local price over the reference
// price converted at rate, in percent.
func SpreadPercent(tradePrice, referencePrice, rate float64) float64 {
	return (tradePrice/(referencePrice*rate) - 1) * 100
}

// StableSpreadPercent is SpreadPercent with a reference price of 1.
func StableSpreadPercent(tradePrice, rate float64) float64 {
	return (tradePrice/rate - 1) * 100
}
