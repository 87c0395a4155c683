package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"

	"github.com/yitech/marketboard/adapter"
)

const tickersPath = "/v5/market/tickers"

// fetchTickers requests every ticker of category in one call.
func fetchTickers(ctx context.Context, client *http.Client, baseURL, category string) (map[string]float64, error) {
	u, err := url.Parse(baseURL + tickersPath)
	if err != nil {
		return nil, fmt.Errorf("bybit: parse url: %w", err)
	}
	q := u.Query()
	q.Set("category", category)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("bybit: build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, adapter.Unavailable("bybit", err)
	}
	defer resp.Body.Close()

	if err := adapter.CheckStatus("bybit", resp); err != nil {
		return nil, err
	}

	// Bybit V5 envelope
	var envelope struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				Symbol    string `json:"symbol"`
				LastPrice string `json:"lastPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, adapter.Malformed("bybit", fmt.Errorf("decode response: %w", err))
	}
	if envelope.RetCode != 0 {
		return nil, fmt.Errorf("bybit: %w: api error %d: %s", adapter.ErrRejected, envelope.RetCode, envelope.RetMsg)
	}

	out := make(map[string]float64, len(envelope.Result.List))
	for _, t := range envelope.Result.List {
		p, err := decimal.NewFromString(t.LastPrice)
		if err != nil {
			continue
		}
		out[t.Symbol] = p.InexactFloat64()
	}
	return out, nil
}
