// Package chart tracks the one timeline a consumer is looking at and
// keeps its newest bars fresh.
package chart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yitech/marketboard/adapter"
	"github.com/yitech/marketboard/candlestore"
	"github.com/yitech/marketboard/model/candle"
	"github.com/yitech/marketboard/poller"
)

// ErrSuperseded is returned when a newer selection was made before this
// one ran.
var ErrSuperseded = errors.New("chart: selection superseded")

// Options configures a Session.
type Options struct {
	// LiveInterval is the live tail refresh period.
	LiveInterval time.Duration
	// LiveCount is how many of the newest bars each refresh fetches.
	LiveCount int
	Logger    *slog.Logger
}

// Session owns the selected market and timeframe. Selecting another key
// discards the previous timeline; no bars are reused across keys.
type Session struct {
	store    *candlestore.Store
	source   adapter.CandleSource
	interval time.Duration
	count    int
	logger   *slog.Logger

	// wanted is the sequence number of the newest Intend call.
	wanted atomic.Uint64

	mu     sync.Mutex
	key    candlestore.Key
	active bool
	stop   context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a session over store. source serves the live tail and is
// usually the same source the store was built with.
func New(store *candlestore.Store, source adapter.CandleSource, opts Options) *Session {
	if opts.LiveInterval <= 0 {
		opts.LiveInterval = 3 * time.Second
	}
	if opts.LiveCount <= 0 {
		opts.LiveCount = 2
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Session{
		store:    store,
		source:   source,
		interval: opts.LiveInterval,
		count:    min(opts.LiveCount, adapter.MaxBars),
		logger:   opts.Logger.With("component", "chart"),
	}
}

// Timeframes is the fixed set a session can select.
func Timeframes() []candle.Timeframe { return candle.Timeframes() }

// Store returns the underlying candle store.
func (s *Session) Store() *candlestore.Store { return s.store }

// Key returns the selected key, if any.
func (s *Session) Key() (candlestore.Key, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key, s.active
}

// Intent is a selection stamped in the order it was made.
type Intent struct {
	s      *Session
	seq    uint64
	market string
	tf     candle.Timeframe
}

// Intend records market/tf as the newest wanted selection without
// performing it. Call it where the order of user choices is known and
// Apply the result anywhere.
func (s *Session) Intend(market string, tf candle.Timeframe) Intent {
	return Intent{s: s, seq: s.wanted.Add(1), market: market, tf: tf}
}

// Apply performs the selection unless a newer Intent exists, in which
// case it returns ErrSuperseded and leaves the session alone.
func (in Intent) Apply(ctx context.Context) (candlestore.Key, error) {
	return in.s.selectSeq(ctx, in.seq, in.market, in.tf)
}

// Select switches to market/tf: the previous live tail stops, a
// different previous timeline is discarded, the newest page is loaded
// and a live tail poller is started.
//
// A failed load is returned but the live tail still runs; its first
// success loads the timeline.
func (s *Session) Select(ctx context.Context, market string, tf candle.Timeframe) (candlestore.Key, error) {
	return s.Intend(market, tf).Apply(ctx)
}

func (s *Session) selectSeq(ctx context.Context, seq uint64, market string, tf candle.Timeframe) (candlestore.Key, error) {
	if !tf.Valid() {
		return candlestore.Key{}, fmt.Errorf("chart: select %s: %w", tf, adapter.ErrRejected)
	}
	key := candlestore.Key{Market: market, Timeframe: tf}

	s.mu.Lock()
	defer s.mu.Unlock()
	if seq < s.wanted.Load() {
		return key, ErrSuperseded
	}
	if s.active && s.key == key {
		return key, nil
	}
	prev, hadPrev := s.key, s.active
	s.stopLocked()
	if hadPrev {
		s.store.Discard(prev)
	}
	s.key, s.active = key, true

	s.logger.Info("selected", "market", market, "timeframe", tf.String())
	err := s.store.Load(ctx, key)
	if err != nil {
		s.logger.Warn("initial load failed", "market", market, "timeframe", tf.String(), "err", err)
	}
	s.startLocked(key)
	return key, err
}

func (s *Session) startLocked(key candlestore.Key) {
	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel

	p := poller.New("live:"+key.String(), s.interval,
		func(ctx context.Context) ([]candle.Bar, error) {
			return s.source.FetchBars(ctx, key.Market, key.Timeframe, s.count, nil)
		},
		poller.OnResult(func(bars []candle.Bar) { s.store.MergeLive(key, bars) }),
		poller.WithLogger[[]candle.Bar](s.logger),
	)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		p.Run(ctx)
	}()
}

func (s *Session) stopLocked() {
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
	s.wg.Wait()
}

// Close stops the live tail and discards the selected timeline.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	if s.active {
		s.store.Discard(s.key)
		s.active = false
	}
}
