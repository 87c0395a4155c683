// Package erapi reads currency conversion rates from open.er-api.com.
package erapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/yitech/marketboard/adapter"
)

// DefaultBaseURL serves the keyless v6 endpoint.
const DefaultBaseURL = "https://open.er-api.com"

// Adapter returns how many units of Quote one unit of Base buys.
// With Base "USD" and Quote "KRW" that is KRW per USD, which is the
// convention the aggregator expects.
type Adapter struct {
	httpClient *http.Client
	baseURL    string
	Base       string
	Quote      string
}

var _ adapter.RateSource = (*Adapter)(nil)

func New(baseURL, base, quote string) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		Base:       base,
		Quote:      quote,
	}
}

func (a *Adapter) Fetch(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v6/latest/"+a.Base, nil)
	if err != nil {
		return 0, fmt.Errorf("erapi: build request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, adapter.Unavailable("erapi", err)
	}
	defer resp.Body.Close()

	if err := adapter.CheckStatus("erapi", resp); err != nil {
		return 0, err
	}

	var body struct {
		Result    string             `json:"result"`
		ErrorType string             `json:"error-type"`
		Rates     map[string]float64 `json:"rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, adapter.Malformed("erapi", fmt.Errorf("decode response: %w", err))
	}
	if body.Result != "success" {
		return 0, fmt.Errorf("erapi: %w: %s", adapter.ErrRejected, body.ErrorType)
	}

	rate, ok := body.Rates[a.Quote]
	if !ok || rate <= 0 {
		return 0, adapter.Malformed("erapi", fmt.Errorf("no positive rate for %s", a.Quote))
	}
	return rate, nil
}
