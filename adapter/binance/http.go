package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/yitech/marketboard/adapter"
)

const pricePath = "/api/v3/ticker/price"

// fetchPrices requests the last price of every symbol in one call.
func fetchPrices(ctx context.Context, client *http.Client, baseURL string) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+pricePath, nil)
	if err != nil {
		return nil, fmt.Errorf("binance: build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, adapter.Unavailable("binance", err)
	}
	defer resp.Body.Close()

	if err := adapter.CheckStatus("binance", resp); err != nil {
		return nil, err
	}

	var rows []struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, adapter.Malformed("binance", fmt.Errorf("decode response: %w", err))
	}

	out := make(map[string]float64, len(rows))
	for _, r := range rows {
		p, err := decimal.NewFromString(r.Price)
		if err != nil {
			// One bad row does not poison the rest of the table.
			continue
		}
		out[r.Symbol] = p.InexactFloat64()
	}
	return out, nil
}
