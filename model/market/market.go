package market

import (
	"fmt"
	"strings"
	"time"
)

// Instrument is a tradable market on the local exchange plus its display
// metadata. ID is exchange-qualified, e.g. "KRW-BTC".
type Instrument struct {
	ID          string `json:"market"`
	LocalName   string `json:"korean_name"`
	EnglishName string `json:"english_name"`
}

// Base returns the asset part of an exchange-qualified id ("KRW-BTC" → "BTC").
func Base(id string) string {
	if i := strings.IndexByte(id, '-'); i >= 0 {
		return id[i+1:]
	}
	return id
}

// Change is the direction of the move against the previous close.
type Change string

const (
	Rise Change = "RISE"
	Fall Change = "FALL"
	Even Change = "EVEN"
)

// Ticker is one instrument's current trade state as reported by the
// local exchange. A newer Ticker replaces the prior one entirely.
type Ticker struct {
	Market            string  `json:"market"`
	TradePrice        float64 `json:"trade_price"`
	OpeningPrice      float64 `json:"opening_price"`
	HighPrice         float64 `json:"high_price"`
	LowPrice          float64 `json:"low_price"`
	PrevClosingPrice  float64 `json:"prev_closing_price"`
	Change            Change  `json:"change"`
	SignedChangePrice float64 `json:"signed_change_price"`
	SignedChangeRate  float64 `json:"signed_change_rate"`
	AccTradePrice24h  float64 `json:"acc_trade_price_24h"`
	AccTradeVolume24h float64 `json:"acc_trade_volume_24h"`
	TradeTimestamp    int64   `json:"trade_timestamp"`
	Timestamp         int64   `json:"timestamp"`
}

// UnifiedRecord joins an instrument, its ticker and the reference market.
//
// Optional values carry a Has* flag instead of a pointer so a Snapshot
// can be shared between readers without aliasing.
type UnifiedRecord struct {
	Ticker

	LocalName   string `json:"korean_name"`
	EnglishName string `json:"english_name"`

	ReferenceSymbol string  `json:"reference_symbol,omitempty"`
	ReferencePrice  float64 `json:"reference_price,omitempty"`
	HasReference    bool    `json:"has_reference"`

	ConvertedPrice float64 `json:"converted_price,omitempty"`
	HasConverted   bool    `json:"has_converted"`

	SpreadPercent float64 `json:"spread_percent,omitempty"`
	HasSpread     bool    `json:"has_spread"`
}

// ErrorKind classifies the health of a snapshot for its consumers.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindSourceUnavailable
	KindMalformedResponse
	KindStaleData
	KindConfiguration
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return ""
	case KindSourceUnavailable:
		return "source_unavailable"
	case KindMalformedResponse:
		return "malformed_response"
	case KindStaleData:
		return "stale_data"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind by name.
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ErrorKind) UnmarshalText(b []byte) error {
	for c := KindNone; c <= KindConfiguration; c++ {
		if c.String() == string(b) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("market: unknown error kind %q", b)
}

// Snapshot is the Aggregator's current view. Readers must not mutate it.
type Snapshot struct {
	Records []UnifiedRecord `json:"records"`
	Loading bool            `json:"loading"`
	// Err is set when a mandatory source (catalog, ticker) is failing.
	// Records still hold the last good join in that case.
	Err ErrorKind `json:"error,omitempty"`
	// Stale names optional sources currently served from a past value.
	Stale      []string  `json:"stale,omitempty"`
	Rate       float64   `json:"rate"`
	RateSource string    `json:"rate_source"`
	UpdatedAt  time.Time `json:"updated_at"`
}
