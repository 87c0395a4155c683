package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"

	"github.com/yitech/marketboard/adapter"
)

const tickersPath = "/api/v5/market/tickers"

// fetchTickers requests every spot ticker in one call.
func fetchTickers(ctx context.Context, client *http.Client, baseURL string) (map[string]float64, error) {
	u, err := url.Parse(baseURL + tickersPath)
	if err != nil {
		return nil, fmt.Errorf("okx: parse url: %w", err)
	}
	q := u.Query()
	q.Set("instType", "SPOT")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("okx: build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, adapter.Unavailable("okx", err)
	}
	defer resp.Body.Close()

	if err := adapter.CheckStatus("okx", resp); err != nil {
		return nil, err
	}

	// OKX envelope
	var envelope struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
		Data []struct {
			InstID string `json:"instId"`
			Last   string `json:"last"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, adapter.Malformed("okx", fmt.Errorf("decode response: %w", err))
	}
	if envelope.Code != "0" {
		return nil, fmt.Errorf("okx: %w: api error %s: %s", adapter.ErrRejected, envelope.Code, envelope.Msg)
	}

	out := make(map[string]float64, len(envelope.Data))
	for _, t := range envelope.Data {
		p, err := decimal.NewFromString(t.Last)
		if err != nil {
			continue
		}
		out[t.InstID] = p.InexactFloat64()
	}
	return out, nil
}
