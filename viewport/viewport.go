// Package viewport drives backfill from a chart's visible range and keeps
// the user's view fixed in real time while older bars are prepended.
package viewport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/yitech/marketboard/adapter"
	"github.com/yitech/marketboard/candlestore"
)

// ErrNotReady is returned by a Renderer that has not yet applied the
// latest data and cannot honour a time range.
var ErrNotReady = errors.New("viewport: renderer not ready")

// LogicalRange is the visible span in bar indexes; 0 is the oldest bar.
// Fractional values are allowed.
type LogicalRange struct {
	From float64
	To   float64
}

// TimeRange is the visible span in real time.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Renderer is the chart surface the controller steers.
type Renderer interface {
	VisibleTimeRange() (TimeRange, bool)
	SetVisibleTimeRange(TimeRange) error
	FitContent()
}

// Store is the part of candlestore.Store the controller needs.
type Store interface {
	Backfill(ctx context.Context, key candlestore.Key, count int, beforeMerge func()) (int, error)
	Subscribe(key candlestore.Key, handler func(candlestore.Event)) adapter.Token
}

type Options struct {
	// Tolerance is how close to index 0 From must be to trigger a backfill.
	Tolerance float64
	// Count is the backfill page size.
	Count int
	// RetryDelay is the wait before the single retry of a rejected restore.
	RetryDelay time.Duration
	// Defer runs fn on the renderer's next scheduling opportunity.
	// Defaults to a zero-delay timer.
	Defer  func(fn func())
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Tolerance <= 0 {
		o.Tolerance = 10
	}
	if o.Count <= 0 || o.Count > adapter.MaxBars {
		o.Count = adapter.MaxBars
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 50 * time.Millisecond
	}
	if o.Defer == nil {
		o.Defer = func(fn func()) { time.AfterFunc(0, fn) }
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Controller binds one timeline to one renderer.
type Controller struct {
	store    Store
	key      candlestore.Key
	renderer Renderer
	opts     Options
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	token  adapter.Token
	wg     sync.WaitGroup

	mu sync.Mutex
	// armed is cleared by a trigger and set again once the range leaves
	// the boundary zone, so one scroll to the edge fetches one page.
	armed    bool
	inFlight bool
	closed   bool
}

// New subscribes a controller to key's events on store.
func New(store Store, key candlestore.Key, renderer Renderer, opts Options) *Controller {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		store:    store,
		key:      key,
		renderer: renderer,
		opts:     opts,
		logger:   opts.Logger.With("component", "viewport", "market", key.Market, "timeframe", key.Timeframe.String()),
		ctx:      ctx,
		cancel:   cancel,
		armed:    true,
	}
	c.token = store.Subscribe(key, c.onEvent)
	return c
}

// OnVisibleRangeChanged must be called on every viewport movement.
func (c *Controller) OnVisibleRangeChanged(r LogicalRange) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if r.From > c.opts.Tolerance {
		c.armed = true
		c.mu.Unlock()
		return
	}
	if !c.armed || c.inFlight {
		c.mu.Unlock()
		return
	}
	c.armed = false
	c.inFlight = true
	c.wg.Add(1)
	c.mu.Unlock()

	go c.backfill()
}

func (c *Controller) backfill() {
	defer c.wg.Done()

	var (
		captured TimeRange
		ok       bool
	)
	added, err := c.store.Backfill(c.ctx, c.key, c.opts.Count, func() {
		captured, ok = c.renderer.VisibleTimeRange()
	})

	c.mu.Lock()
	c.inFlight = false
	closed := c.closed
	c.mu.Unlock()

	switch {
	case err != nil:
		c.logger.Debug("backfill not applied", "err", err)
		c.rearm()
		return
	case closed || added == 0 || !ok:
		return
	}
	c.opts.Defer(func() { c.restore(captured) })
}

// restore puts the captured span back, retrying once if the renderer
// has not caught up with the merge yet. An abandoned restore leaves the
// view at the old edge, so the trigger is armed again.
func (c *Controller) restore(tr TimeRange) {
	if c.isClosed() {
		return
	}
	err := c.renderer.SetVisibleTimeRange(tr)
	if err == nil {
		return
	}
	if !errors.Is(err, ErrNotReady) {
		c.logger.Warn("restore visible range", "err", err)
		c.rearm()
		return
	}
	time.AfterFunc(c.opts.RetryDelay, func() {
		if c.isClosed() {
			return
		}
		if err := c.renderer.SetVisibleTimeRange(tr); err != nil {
			c.logger.Debug("restore visible range abandoned", "err", err)
			c.rearm()
		}
	})
}

func (c *Controller) rearm() {
	c.mu.Lock()
	c.armed = true
	c.mu.Unlock()
}

func (c *Controller) onEvent(ev candlestore.Event) {
	switch ev.Kind {
	case candlestore.EventLoaded:
		c.mu.Lock()
		c.armed = true
		c.mu.Unlock()
		c.renderer.FitContent()
	case candlestore.EventDiscarded:
		c.shutdown()
	}
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Controller) shutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.cancel()
	return true
}

// Close stops the controller and unsubscribes it. A backfill in flight
// is cancelled.
func (c *Controller) Close() {
	if c.shutdown() {
		c.token.Unsubscribe()
	}
}
