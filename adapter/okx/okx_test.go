package okx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFetchAllKeysByInstID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "SPOT", r.URL.Query().Get("instType"))
		w.Write([]byte(`{"code":"0","data":[{"instId":"BTC-USDT","last":"0.07"}]}`))
	}))
	defer srv.Close()

	a := New(srv.URL, nil)
	got := a.FetchAll(context.Background())
	assert.Equal(t, 0.07, got[a.Symbol("BTC", "USDT")])
}

func TestFetchAllFailsOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"50011","msg":"too many requests"}`))
	}))
	defer srv.Close()

	assert.Empty(t, New(srv.URL, nil).FetchAll(context.Background()))
}
