package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchAllParsesPrices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, pricePath, r.URL.Path)
		w.Write([]byte(`[{"symbol":"BTCUSDT","price":"0.07000000"},{"symbol":"BAD","price":"n/a"}]`))
	}))
	defer srv.Close()

	got := New(srv.URL, nil).FetchAll(context.Background())
	assert.Equal(t, map[string]float64{"BTCUSDT": 0.07}, got)
}

func TestFetchAllFailsOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	got := New(srv.URL, nil).FetchAll(context.Background())
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestSymbol(t *testing.T) {
	assert.Equal(t, "BTTCUSDT", New("", nil).Symbol("BTTC", "USDT"))
}

func TestStreamServesPushedPrices(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ws := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(
			`[{"e":"24hrMiniTicker","s":"ETHUSDT","c":"2500.5"},{"e":"other","s":"X","c":"1"}]`))
		// Hold the session open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer ws.Close()

	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer rest.Close()

	s := NewStream(New(rest.URL, nil), "ws"+strings.TrimPrefix(ws.URL, "http"), 0)
	tok := s.Start(context.Background())
	defer tok.Unsubscribe()

	require.Eventually(t, func() bool {
		return s.FetchAll(context.Background())["ETHUSDT"] == 2500.5
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotContains(t, s.FetchAll(context.Background()), "X")
}

func TestStreamFallsBackToREST(t *testing.T) {
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"symbol":"BTCUSDT","price":"1"}]`))
	}))
	defer rest.Close()

	s := NewStream(New(rest.URL, nil), "", 0)
	assert.Equal(t, 1.0, s.FetchAll(context.Background())["BTCUSDT"])
}

func TestStreamPricesExpireWhenPushesStop(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var sessions atomic.Int32
	ws := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sessions.Add(1) > 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`[{"e":"24hrMiniTicker","s":"ETHUSDT","c":"2500.5"}]`))
		conn.Close()
	}))
	defer ws.Close()

	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer rest.Close()

	var skew atomic.Int64
	s := NewStream(New(rest.URL, nil), "ws"+strings.TrimPrefix(ws.URL, "http"), 5*time.Second)
	s.now = func() time.Time { return time.Now().Add(time.Duration(skew.Load())) }
	tok := s.Start(context.Background())
	defer tok.Unsubscribe()

	require.Eventually(t, func() bool {
		return s.FetchAll(context.Background())["ETHUSDT"] == 2500.5
	}, 2*time.Second, 10*time.Millisecond)

	skew.Store(int64(time.Minute))
	assert.Empty(t, s.FetchAll(context.Background()), "an old push is not served as current")
}
