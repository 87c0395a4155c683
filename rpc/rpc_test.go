package rpc

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/yitech/marketboard/adapter"
	"github.com/yitech/marketboard/model/candle"
	"github.com/yitech/marketboard/model/market"
)

type fakeBoard struct {
	mu       sync.Mutex
	snap     market.Snapshot
	handlers map[int]func(market.Snapshot)
	next     int
}

func (b *fakeBoard) Snapshot() market.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snap
}

func (b *fakeBoard) Subscribe(h func(market.Snapshot)) adapter.Token {
	b.mu.Lock()
	if b.handlers == nil {
		b.handlers = make(map[int]func(market.Snapshot))
	}
	id := b.next
	b.next++
	b.handlers[id] = h
	b.mu.Unlock()
	return adapter.TokenFunc(func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	})
}

func (b *fakeBoard) publish(s market.Snapshot) {
	b.mu.Lock()
	b.snap = s
	hs := make([]func(market.Snapshot), 0, len(b.handlers))
	for _, h := range b.handlers {
		hs = append(hs, h)
	}
	b.mu.Unlock()
	for _, h := range hs {
		h(s)
	}
}

func (b *fakeBoard) subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}

type MockCandles struct {
	mock.Mock
}

func (m *MockCandles) FetchBars(ctx context.Context, market string, tf candle.Timeframe, count int, before *time.Time) ([]candle.Bar, error) {
	args := m.Called(ctx, market, tf, count, before)
	bars, _ := args.Get(0).([]candle.Bar)
	return bars, args.Error(1)
}

func startServer(t *testing.T, board Board, candles adapter.CandleSource) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	g := grpc.NewServer()
	NewServer(board, candles, nil).Register(g)
	go g.Serve(lis)
	t.Cleanup(g.Stop)

	conn, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn)
}

var minute15 = candle.Timeframe{Kind: candle.Minutes, Unit: 15}

func TestFetchBarsRoundTrip(t *testing.T) {
	before := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	bars := []candle.Bar{
		{Market: "KRW-BTC", OpenTime: before.Add(-30 * time.Minute).UnixMilli(), Open: 1, High: 2, Low: 0.5, Close: 1.5, AccTradeVolume: 12.25},
		{Market: "KRW-BTC", OpenTime: before.Add(-15 * time.Minute).UnixMilli(), Open: 1.5, High: 3, Low: 1, Close: 2.75},
	}
	src := &MockCandles{}
	src.On("FetchBars", mock.Anything, "KRW-BTC", minute15, 2,
		mock.MatchedBy(func(b *time.Time) bool { return b != nil && b.Equal(before) }),
	).Return(bars, nil).Once()

	c := startServer(t, &fakeBoard{}, src)
	got, err := c.FetchBars(context.Background(), "KRW-BTC", minute15, 2, &before)
	require.NoError(t, err)
	assert.Equal(t, bars, got)
	src.AssertExpectations(t)
}

func TestFetchBarsNewest(t *testing.T) {
	src := &MockCandles{}
	src.On("FetchBars", mock.Anything, "KRW-ETH", candle.Timeframe{Kind: candle.Days, Unit: 1}, 200, (*time.Time)(nil)).
		Return(nil, nil).Once()

	c := startServer(t, &fakeBoard{}, src)
	got, err := c.FetchBars(context.Background(), "KRW-ETH", candle.Timeframe{Kind: candle.Days, Unit: 1}, 200, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	src.AssertExpectations(t)
}

func TestFetchBarsErrorsKeepTaxonomy(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unavailable", adapter.Unavailable("upbit", assert.AnError), adapter.ErrSourceUnavailable},
		{"malformed", adapter.Malformed("upbit", assert.AnError), adapter.ErrMalformedResponse},
		{"rejected", adapter.ErrRejected, adapter.ErrRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &MockCandles{}
			src.On("FetchBars", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, tt.err)
			c := startServer(t, &fakeBoard{}, src)

			_, err := c.FetchBars(context.Background(), "KRW-BTC", minute15, 10, nil)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFetchBarsRejectsBadTimeframe(t *testing.T) {
	c := startServer(t, &fakeBoard{}, &MockCandles{})
	_, err := c.FetchBars(context.Background(), "KRW-BTC", candle.Timeframe{Kind: candle.Minutes, Unit: 7}, 10, nil)
	assert.ErrorIs(t, err, adapter.ErrRejected)
}

func TestWatchSnapshot(t *testing.T) {
	board := &fakeBoard{snap: market.Snapshot{Loading: true}}
	c := startServer(t, board, &MockCandles{})

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan market.Snapshot, 8)
	done := make(chan error, 1)
	go func() { done <- c.WatchSnapshot(ctx, func(s market.Snapshot) { got <- s }) }()

	first := <-got
	assert.True(t, first.Loading)

	require.Eventually(t, func() bool { return board.subscribers() == 1 }, time.Second, 5*time.Millisecond)
	board.publish(market.Snapshot{
		Records: []market.UnifiedRecord{{
			Ticker:        market.Ticker{Market: "KRW-BTC", TradePrice: 100, Timestamp: 1_700_000_000_123},
			SpreadPercent: 5.82,
			HasSpread:     true,
		}},
		Err:        market.KindSourceUnavailable,
		Stale:      []string{"reference"},
		Rate:       1350,
		RateSource: "fallback",
	})

	var next market.Snapshot
	select {
	case next = <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot pushed")
	}
	require.Len(t, next.Records, 1)
	assert.Equal(t, "KRW-BTC", next.Records[0].Market)
	assert.Equal(t, int64(1_700_000_000_123), next.Records[0].Timestamp)
	assert.Equal(t, 5.82, next.Records[0].SpreadPercent)
	assert.Equal(t, market.KindSourceUnavailable, next.Err)
	assert.Equal(t, []string{"reference"}, next.Stale)
	assert.Equal(t, "fallback", next.RateSource)

	cancel()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
	assert.Eventually(t, func() bool { return board.subscribers() == 0 }, time.Second, 5*time.Millisecond)
}
