// Package poller runs one source on its own timer and keeps its last
// successful result.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrSkip tells the poller that the fetch had nothing to do yet, e.g.
// the ticker feed before the catalog is known. It is neither a success
// nor a failure.
var ErrSkip = errors.New("poller: skip")

// Status describes the health of a poller's value.
type Status struct {
	HasValue bool
	Updated  time.Time
	LastErr  error
	// Stale is true when the value is being served past its refresh
	// interval: the latest poll failed, or nothing succeeded for
	// staleAfter intervals.
	Stale bool
}

// Poller fetches T every interval.
//
// Polls may overlap when a fetch outlives the interval. Each poll is
// numbered when issued and a success is applied only if no newer poll
// has already succeeded, so a slow poll can never roll the value back.
type Poller[T any] struct {
	name     string
	interval time.Duration
	fetch    func(context.Context) (T, error)
	onResult func(T)
	onError  func(error)
	logger   *slog.Logger
	now      func() time.Time

	// deliver orders callbacks: a result reaches onResult only while it
	// is still the newest applied one.
	deliver sync.Mutex

	mu       sync.Mutex
	issued   uint64
	applied  uint64
	value    T
	hasValue bool
	updated  time.Time
	lastErr  error
}

// Option configures a Poller.
type Option[T any] func(*Poller[T])

// OnResult is called with applied successes, one at a time and in
// poll order. A success overtaken by a newer one before delivery is not
// delivered.
func OnResult[T any](fn func(T)) Option[T] {
	return func(p *Poller[T]) { p.onResult = fn }
}

// OnError is called with every failed poll.
func OnError[T any](fn func(error)) Option[T] {
	return func(p *Poller[T]) { p.onError = fn }
}

// WithLogger sets the logger; slog.Default() otherwise.
func WithLogger[T any](l *slog.Logger) Option[T] {
	return func(p *Poller[T]) { p.logger = l }
}

// staleAfter is how many missed intervals turn a value stale.
const staleAfter = 3

func New[T any](name string, interval time.Duration, fetch func(context.Context) (T, error), opts ...Option[T]) *Poller[T] {
	p := &Poller[T]{
		name:     name,
		interval: interval,
		fetch:    fetch,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	p.logger = p.logger.With("source", name)
	return p
}

// Name is the source name given to New.
func (p *Poller[T]) Name() string { return p.name }

// Run polls immediately and then every interval until ctx is done.
// Each poll runs in its own goroutine so a slow fetch does not delay
// the schedule.
func (p *Poller[T]) Run(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()

	tick := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Poll(ctx)
		}()
	}

	tick()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}

// Poll performs one fetch and applies its outcome.
// It reports whether a new value was applied.
func (p *Poller[T]) Poll(ctx context.Context) bool {
	p.mu.Lock()
	p.issued++
	seq := p.issued
	p.mu.Unlock()

	v, err := p.fetch(ctx)
	if errors.Is(err, ErrSkip) {
		return false
	}
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		p.deliver.Lock()
		defer p.deliver.Unlock()
		p.mu.Lock()
		if seq <= p.applied {
			// A newer poll already succeeded.
			p.mu.Unlock()
			return false
		}
		p.lastErr = err
		p.mu.Unlock()
		p.logger.Warn("poll failed", "err", err)
		if p.onError != nil {
			p.onError(err)
		}
		return false
	}

	p.mu.Lock()
	if applied := p.applied; seq <= applied {
		p.mu.Unlock()
		p.logger.Debug("dropping superseded result", "seq", seq, "applied", applied)
		return false
	}
	p.applied = seq
	p.value = v
	p.hasValue = true
	p.updated = p.now()
	p.lastErr = nil
	p.mu.Unlock()

	p.deliver.Lock()
	defer p.deliver.Unlock()
	p.mu.Lock()
	current := seq == p.applied
	p.mu.Unlock()
	if current && p.onResult != nil {
		p.onResult(v)
	}
	return true
}

// Latest returns the last applied value and whether there is one.
func (p *Poller[T]) Latest() (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.hasValue
}

// Status reports the poller's current health.
func (p *Poller[T]) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Status{
		HasValue: p.hasValue,
		Updated:  p.updated,
		LastErr:  p.lastErr,
	}
	if p.hasValue {
		s.Stale = p.lastErr != nil || p.now().Sub(p.updated) > staleAfter*p.interval
	}
	return s
}
