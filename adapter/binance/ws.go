package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/yitech/marketboard/adapter"
)

// DefaultStreamURL carries every symbol's rolling mini ticker, once per second.
const DefaultStreamURL = "wss://stream.binance.com:9443/ws/!miniTicker@arr"

// DefaultMaxAge is how long pushed prices are served without a newer push.
const DefaultMaxAge = 10 * time.Second

// Stream is a ReferencePriceFeed backed by the all-market mini ticker
// websocket. FetchAll serves the pushed prices while they are younger
// than maxAge and falls back to the REST adapter otherwise.
type Stream struct {
	rest   *Adapter
	url    string
	maxAge time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	prices  map[string]float64
	updated time.Time
}

var _ adapter.ReferencePriceFeed = (*Stream)(nil)

func NewStream(rest *Adapter, url string, maxAge time.Duration) *Stream {
	if url == "" {
		url = DefaultStreamURL
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Stream{rest: rest, url: url, maxAge: maxAge, now: time.Now, prices: make(map[string]float64)}
}

// FetchAll returns a copy of the streamed price table, or the REST table
// when the stream has not pushed within maxAge.
func (s *Stream) FetchAll(ctx context.Context) map[string]float64 {
	s.mu.RLock()
	fresh := len(s.prices) > 0 && s.now().Sub(s.updated) <= s.maxAge
	var out map[string]float64
	if fresh {
		out = maps.Clone(s.prices)
	}
	s.mu.RUnlock()
	if fresh {
		return out
	}
	return s.rest.FetchAll(ctx)
}

func (s *Stream) Symbol(base, quote string) string { return s.rest.Symbol(base, quote) }

// Start runs the websocket session until the token is cancelled,
// reconnecting with doubling backoff on error.
func (s *Stream) Start(ctx context.Context) adapter.Token {
	ctx, cancel := context.WithCancel(ctx)
	logger := s.rest.logger

	go func() {
		backoff := time.Second
		for {
			if ctx.Err() != nil {
				return
			}
			if err := s.connectAndRead(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("stream disconnected", "err", err, "retry_in", backoff)
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return
				}
				if backoff < 30*time.Second {
					backoff *= 2
				}
			} else {
				backoff = time.Second
			}
		}
	}()

	return adapter.TokenFunc(cancel)
}

// connectAndRead maintains a single websocket session.
func (s *Stream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		update, err := parseMiniTickers(msg)
		if err != nil {
			s.rest.logger.Warn("stream parse error", "err", err)
			continue
		}
		s.mu.Lock()
		maps.Copy(s.prices, update)
		s.updated = s.now()
		s.mu.Unlock()
	}
}

// miniTicker is one entry of the !miniTicker@arr payload.
type miniTicker struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
}

func parseMiniTickers(msg []byte) (map[string]float64, error) {
	var rows []miniTicker
	if err := json.Unmarshal(msg, &rows); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(rows))
	for _, r := range rows {
		if r.EventType != "24hrMiniTicker" {
			continue
		}
		p, err := decimal.NewFromString(r.Close)
		if err != nil {
			continue
		}
		out[r.Symbol] = p.InexactFloat64()
	}
	return out, nil
}
