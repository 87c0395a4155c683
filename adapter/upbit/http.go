package upbit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/yitech/marketboard/adapter"
	"github.com/yitech/marketboard/model/candle"
	"github.com/yitech/marketboard/model/market"
)

const (
	marketsPath = "/v1/market/all"
	tickerPath  = "/v1/ticker"
	candlesPath = "/v1/candles/"

	// toLayout is the `to` cursor format; always sent in UTC.
	toLayout = "2006-01-02T15:04:05Z"
)

// getJSON performs a GET and decodes the body into out.
func getJSON(ctx context.Context, client *http.Client, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("upbit: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return adapter.Unavailable("upbit", err)
	}
	defer resp.Body.Close()

	if err := adapter.CheckStatus("upbit", resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return adapter.Malformed("upbit", fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func fetchMarkets(ctx context.Context, client *http.Client, baseURL string) ([]market.Instrument, error) {
	var rows []market.Instrument
	if err := getJSON(ctx, client, baseURL+marketsPath+"?isDetails=false", &rows); err != nil {
		return nil, err
	}
	for i, r := range rows {
		if r.ID == "" {
			return nil, adapter.Malformed("upbit", fmt.Errorf("market[%d] has no id", i))
		}
	}
	return rows, nil
}

func fetchTickers(ctx context.Context, client *http.Client, baseURL string, ids []string) ([]market.Ticker, error) {
	q := url.Values{}
	q.Set("markets", strings.Join(ids, ","))

	var rows []market.Ticker
	if err := getJSON(ctx, client, baseURL+tickerPath+"?"+q.Encode(), &rows); err != nil {
		return nil, err
	}
	for i, r := range rows {
		if r.Market == "" {
			return nil, adapter.Malformed("upbit", fmt.Errorf("ticker[%d] has no market", i))
		}
	}
	return rows, nil
}

// candlePath maps a timeframe to its endpoint suffix.
func candlePath(tf candle.Timeframe) (string, error) {
	if !tf.Valid() {
		return "", fmt.Errorf("upbit: %w: unsupported timeframe %s", adapter.ErrRejected, tf)
	}
	switch tf.Kind {
	case candle.Minutes:
		return "minutes/" + strconv.Itoa(tf.Unit), nil
	case candle.Days:
		return "days", nil
	default:
		return "weeks", nil
	}
}

// upbitCandle is the wire format shared by every candle endpoint.
type upbitCandle struct {
	Market               string  `json:"market"`
	CandleDateTimeUTC    string  `json:"candle_date_time_utc"`
	CandleDateTimeKST    string  `json:"candle_date_time_kst"` // unused; never a key
	OpeningPrice         float64 `json:"opening_price"`
	HighPrice            float64 `json:"high_price"`
	LowPrice             float64 `json:"low_price"`
	TradePrice           float64 `json:"trade_price"`
	Timestamp            int64   `json:"timestamp"`
	CandleAccTradePrice  float64 `json:"candle_acc_trade_price"`
	CandleAccTradeVolume float64 `json:"candle_acc_trade_volume"`
}

// fetchCandles requests one page of bars. Upbit returns newest-first;
// the result is reversed to chronological order.
func fetchCandles(ctx context.Context, client *http.Client, baseURL, mkt string, tf candle.Timeframe, count int, before *time.Time) ([]candle.Bar, error) {
	path, err := candlePath(tf)
	if err != nil {
		return nil, err
	}
	count = min(max(count, 1), adapter.MaxBars)

	q := url.Values{}
	q.Set("market", mkt)
	q.Set("count", strconv.Itoa(count))
	if before != nil {
		q.Set("to", before.UTC().Format(toLayout))
	}

	var rows []upbitCandle
	if err := getJSON(ctx, client, baseURL+candlesPath+path+"?"+q.Encode(), &rows); err != nil {
		return nil, err
	}

	bars, err := parseCandles(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

// parseCandles converts wire rows into bars keyed by the UTC start time.
func parseCandles(rows []upbitCandle) ([]candle.Bar, error) {
	out := make([]candle.Bar, 0, len(rows))
	for i, r := range rows {
		openTime, err := candle.CanonicalTime(r.CandleDateTimeUTC)
		if err != nil {
			return nil, adapter.Malformed("upbit", fmt.Errorf("candle[%d]: %w", i, err))
		}
		out = append(out, candle.Bar{
			Market:         r.Market,
			OpenTime:       openTime,
			Open:           r.OpeningPrice,
			High:           r.HighPrice,
			Low:            r.LowPrice,
			Close:          r.TradePrice,
			AccTradePrice:  r.CandleAccTradePrice,
			AccTradeVolume: r.CandleAccTradeVolume,
			Timestamp:      r.Timestamp,
		})
	}
	return out, nil
}
