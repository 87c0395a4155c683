// Package candlestore keeps one ordered, de-duplicated bar timeline per
// market and timeframe, fed by live tail updates and backfill pages.
package candlestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/yitech/marketboard/adapter"
	"github.com/yitech/marketboard/model/candle"
)

var (
	// ErrNotLoaded is returned by Backfill on an EMPTY timeline.
	ErrNotLoaded = errors.New("candlestore: timeline not loaded")
	// ErrBackfillInFlight is returned when a backfill is already running.
	ErrBackfillInFlight = errors.New("candlestore: backfill in flight")
	// ErrReset means the timeline was reloaded or discarded while a
	// fetch was outstanding; its result was dropped.
	ErrReset = errors.New("candlestore: timeline reset during fetch")
)

// State is the lifecycle state of one timeline.
type State int

const (
	Empty State = iota
	Loaded
	Backfilling
)

func (s State) String() string {
	switch s {
	case Empty:
		return "EMPTY"
	case Loaded:
		return "LOADED"
	case Backfilling:
		return "BACKFILLING"
	default:
		return "UNKNOWN"
	}
}

// Key identifies a timeline.
type Key struct {
	Market    string
	Timeframe candle.Timeframe
}

func (k Key) String() string { return k.Market + ":" + k.Timeframe.String() }

// Timeline is an immutable copy of a timeline's bars, strictly
// increasing by open time.
type Timeline struct {
	Key   Key
	State State
	Bars  []candle.Bar
}

// Oldest returns the first bar.
func (t Timeline) Oldest() (candle.Bar, bool) {
	if len(t.Bars) == 0 {
		return candle.Bar{}, false
	}
	return t.Bars[0], true
}

// Newest returns the last bar.
func (t Timeline) Newest() (candle.Bar, bool) {
	if len(t.Bars) == 0 {
		return candle.Bar{}, false
	}
	return t.Bars[len(t.Bars)-1], true
}

// EventKind tells subscribers what changed.
type EventKind int

const (
	// EventLoaded: first bars of a fresh timeline (initial load or reload).
	EventLoaded EventKind = iota
	// EventLive: a live tail batch was merged.
	EventLive
	// EventBackfilled: a backfill page was merged (Added may be zero).
	EventBackfilled
	// EventBackfillFailed: the backfill fetch failed; bars are untouched.
	EventBackfillFailed
	// EventDiscarded: the timeline was dropped; no further events follow.
	EventDiscarded
)

func (k EventKind) String() string {
	switch k {
	case EventLoaded:
		return "loaded"
	case EventLive:
		return "live"
	case EventBackfilled:
		return "backfilled"
	case EventBackfillFailed:
		return "backfill_failed"
	case EventDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers after every change.
type Event struct {
	Kind EventKind
	// Timeline is the state after the change.
	Timeline Timeline
	// Added counts bars whose open time was not present before.
	Added int
	// InPlace is set on EventLive when the newest incoming bar updated the
	// still-forming last bar instead of advancing to a new one.
	InPlace bool
	// Drained counts live batches that were queued behind a backfill.
	Drained int
	Err     error
}

// Store owns every timeline. Timelines are independent; operations on
// different keys never block each other beyond a map lookup.
type Store struct {
	source   adapter.CandleSource
	pageSize int
	logger   *slog.Logger

	mu        sync.Mutex
	timelines map[Key]*timeline
}

// timeline is the mutable state behind one Key.
type timeline struct {
	key Key

	mu    sync.Mutex
	state State
	bars  []candle.Bar
	// gen changes on every reload or discard so a fetch that started
	// before can tell its result is obsolete.
	gen uint64
	// queued holds live batches that arrived while BACKFILLING.
	queued [][]candle.Bar

	handlers map[uint64]func(Event)
	nextID   uint64
}

// New returns a store reading from source. pageSize bounds every fetch
// and is clamped to adapter.MaxBars.
func New(source adapter.CandleSource, pageSize int, logger *slog.Logger) *Store {
	if pageSize <= 0 || pageSize > adapter.MaxBars {
		pageSize = adapter.MaxBars
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		source:    source,
		pageSize:  pageSize,
		logger:    logger.With("component", "candlestore"),
		timelines: make(map[Key]*timeline),
	}
}

func (s *Store) get(key Key) *timeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	tl, ok := s.timelines[key]
	if !ok {
		tl = &timeline{key: key, handlers: make(map[uint64]func(Event))}
		s.timelines[key] = tl
	}
	return tl
}

// Current returns a copy of the timeline for key.
func (s *Store) Current(key Key) Timeline {
	s.mu.Lock()
	tl, ok := s.timelines[key]
	s.mu.Unlock()
	if !ok {
		return Timeline{Key: key, State: Empty}
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.snapshot()
}

// Subscribe registers handler for events on key. Handlers run outside
// the store's locks, in the goroutine that made the change.
func (s *Store) Subscribe(key Key, handler func(Event)) adapter.Token {
	tl := s.get(key)
	tl.mu.Lock()
	id := tl.nextID
	tl.nextID++
	tl.handlers[id] = handler
	tl.mu.Unlock()

	return adapter.TokenFunc(func() {
		tl.mu.Lock()
		delete(tl.handlers, id)
		tl.mu.Unlock()
	})
}

// Load fetches the newest page for key and replaces the timeline with
// it. Any backfill in flight is abandoned. On error the timeline is left
// as it was.
func (s *Store) Load(ctx context.Context, key Key) error {
	bars, err := s.source.FetchBars(ctx, key.Market, key.Timeframe, s.pageSize, nil)
	if err != nil {
		return fmt.Errorf("candlestore: load %s: %w", key, err)
	}

	tl := s.get(key)
	tl.mu.Lock()
	tl.gen++
	tl.bars = Merge(nil, bars)
	tl.queued = nil
	tl.state = Loaded
	ev := Event{Kind: EventLoaded, Timeline: tl.snapshot(), Added: len(tl.bars)}
	hs := tl.snapshotHandlers()
	tl.mu.Unlock()

	s.logger.Debug("timeline loaded", "key", key.String(), "count", len(ev.Timeline.Bars))
	publish(hs, ev)
	return nil
}

// MergeLive merges a batch of recent bars. While a backfill is in
// flight the batch is queued and applied right after the backfill merge.
func (s *Store) MergeLive(key Key, bars []candle.Bar) {
	if len(bars) == 0 {
		return
	}
	tl := s.get(key)
	tl.mu.Lock()

	if tl.state == Backfilling {
		tl.queued = append(tl.queued, slices.Clone(bars))
		tl.mu.Unlock()
		return
	}

	ev := Event{Kind: EventLive}
	if tl.state == Empty {
		ev.Kind = EventLoaded
		tl.state = Loaded
	}
	ev.Added, ev.InPlace = tl.mergeLive(bars)
	ev.Timeline = tl.snapshot()
	hs := tl.snapshotHandlers()
	tl.mu.Unlock()

	publish(hs, ev)
}

// MergeBackfill merges a page of older bars. Bars whose open time is
// already present are dropped first; an all-duplicate page leaves the
// timeline untouched. If the timeline was BACKFILLING it returns to
// LOADED and queued live batches are applied.
func (s *Store) MergeBackfill(key Key, older []candle.Bar) int {
	tl := s.get(key)
	tl.mu.Lock()
	ev := tl.mergeBackfill(older)
	hs := tl.snapshotHandlers()
	tl.mu.Unlock()

	publish(hs, ev)
	return ev.Added
}

// Backfill fetches up to count bars older than the timeline's oldest bar
// and merges them. At most one backfill runs per timeline; a second
// call while one is in flight returns ErrBackfillInFlight and does
// nothing. beforeMerge, if set, runs after a successful fetch and just
// before the merge is applied.
//
// On fetch failure the bars are untouched, the timeline returns to
// LOADED and an EventBackfillFailed is published.
func (s *Store) Backfill(ctx context.Context, key Key, count int, beforeMerge func()) (int, error) {
	tl := s.get(key)

	tl.mu.Lock()
	switch {
	case tl.state == Backfilling:
		tl.mu.Unlock()
		return 0, ErrBackfillInFlight
	case tl.state == Empty || len(tl.bars) == 0:
		tl.mu.Unlock()
		return 0, ErrNotLoaded
	}
	gen := tl.gen
	before := time.UnixMilli(tl.bars[0].OpenTime).UTC()
	tl.state = Backfilling
	tl.mu.Unlock()

	if count <= 0 || count > s.pageSize {
		count = s.pageSize
	}
	s.logger.Debug("backfill started", "key", key.String(), "before", before, "count", count)

	page, err := s.source.FetchBars(ctx, key.Market, key.Timeframe, count, &before)
	if err != nil {
		tl.mu.Lock()
		if tl.gen != gen {
			tl.mu.Unlock()
			return 0, ErrReset
		}
		ev := tl.finishBackfill()
		ev.Kind = EventBackfillFailed
		ev.Err = err
		ev.Timeline = tl.snapshot()
		hs := tl.snapshotHandlers()
		tl.mu.Unlock()

		s.logger.Warn("backfill failed", "key", key.String(), "err", err)
		publish(hs, ev)
		return 0, fmt.Errorf("candlestore: backfill %s: %w", key, err)
	}

	if beforeMerge != nil {
		beforeMerge()
	}

	tl.mu.Lock()
	if tl.gen != gen {
		tl.mu.Unlock()
		return 0, ErrReset
	}
	ev := tl.mergeBackfill(page)
	hs := tl.snapshotHandlers()
	tl.mu.Unlock()

	s.logger.Debug("backfill merged", "key", key.String(), "added", ev.Added, "drained", ev.Drained)
	publish(hs, ev)
	return ev.Added, nil
}

// Discard drops the timeline for key together with its subscribers.
// They receive one final EventDiscarded.
func (s *Store) Discard(key Key) {
	s.mu.Lock()
	tl, ok := s.timelines[key]
	delete(s.timelines, key)
	s.mu.Unlock()
	if !ok {
		return
	}

	tl.mu.Lock()
	tl.gen++
	tl.state = Empty
	tl.bars = nil
	tl.queued = nil
	hs := tl.snapshotHandlers()
	clear(tl.handlers)
	ev := Event{Kind: EventDiscarded, Timeline: tl.snapshot()}
	tl.mu.Unlock()

	publish(hs, ev)
}

// ── internal ─────────────────────────────────────────────────────────────────

// mergeLive merges bars and reports how many new keys appeared and
// whether the newest incoming bar landed on the existing last bar
// (called under lock).
func (tl *timeline) mergeLive(bars []candle.Bar) (added int, inPlace bool) {
	var newest int64
	for _, b := range bars {
		newest = max(newest, b.OpenTime)
	}
	if n := len(tl.bars); n > 0 {
		inPlace = tl.bars[n-1].OpenTime == newest
	}
	before := len(tl.bars)
	tl.bars = Merge(tl.bars, bars)
	return len(tl.bars) - before, inPlace
}

// mergeBackfill applies an older page and finishes any backfill in
// flight (called under lock).
func (tl *timeline) mergeBackfill(older []candle.Bar) Event {
	fresh := unseen(tl.bars, older)
	added := 0
	if len(fresh) > 0 {
		before := len(tl.bars)
		tl.bars = Merge(tl.bars, fresh)
		added = len(tl.bars) - before
	}

	var ev Event
	if tl.state == Backfilling {
		ev = tl.finishBackfill()
	} else if tl.state == Empty && len(tl.bars) > 0 {
		tl.state = Loaded
	}
	ev.Kind = EventBackfilled
	ev.Added = added
	ev.Timeline = tl.snapshot()
	return ev
}

// finishBackfill returns to LOADED and applies queued live batches in
// arrival order (called under lock).
func (tl *timeline) finishBackfill() Event {
	tl.state = Loaded
	ev := Event{Drained: len(tl.queued)}
	for _, batch := range tl.queued {
		tl.mergeLive(batch)
	}
	tl.queued = nil
	return ev
}

func (tl *timeline) snapshot() Timeline {
	return Timeline{Key: tl.key, State: tl.state, Bars: slices.Clone(tl.bars)}
}

// snapshotHandlers returns a copy of the handler slice (called under lock).
func (tl *timeline) snapshotHandlers() []func(Event) {
	hs := make([]func(Event), 0, len(tl.handlers))
	for _, h := range tl.handlers {
		hs = append(hs, h)
	}
	return hs
}

func publish(hs []func(Event), ev Event) {
	for _, h := range hs {
		h(ev)
	}
}
