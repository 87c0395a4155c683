package candle

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Bar is one OHLC observation for a market/timeframe.
//
// OpenTime is the canonical timestamp: the bar's interval start in UTC
// Unix milliseconds. It is the only identity key; two bars with the same
// OpenTime are the same bar.
type Bar struct {
	Market         string  `json:"market"`
	OpenTime       int64   `json:"open_time"`
	Open           float64 `json:"open"`
	High           float64 `json:"high"`
	Low            float64 `json:"low"`
	Close          float64 `json:"close"`
	AccTradePrice  float64 `json:"acc_trade_price"`
	AccTradeVolume float64 `json:"acc_trade_volume"`
	// Timestamp is the source's time of the last tick folded into the bar.
	Timestamp int64 `json:"timestamp"`
}

// Time returns the canonical open time as a UTC time.Time.
func (b Bar) Time() time.Time {
	return time.UnixMilli(b.OpenTime).UTC()
}

// utcLayout is the zone-less layout sources use for UTC bar starts.
const utcLayout = "2006-01-02T15:04:05"

// CanonicalTime parses a UTC-denominated bar start into canonical
// milliseconds. Strings without a zone are read as UTC, never local time.
func CanonicalTime(s string) (int64, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC().UnixMilli(), nil
	}
	t, err := time.ParseInLocation(utcLayout, s, time.UTC)
	if err != nil {
		return 0, fmt.Errorf("candle: canonical time %q: %w", s, err)
	}
	return t.UnixMilli(), nil
}

// Kind is the granularity family of a timeframe.
type Kind string

const (
	Minutes Kind = "minutes"
	Days    Kind = "days"
	Weeks   Kind = "weeks"
)

// MinuteUnits is the fixed set of sub-day unit magnitudes.
var MinuteUnits = []int{1, 3, 5, 10, 15, 30, 60, 240}

// Timeframe selects a bar granularity. Unit is only meaningful for Minutes.
type Timeframe struct {
	Kind Kind
	Unit int
}

// Timeframes lists every supported timeframe, finest first.
func Timeframes() []Timeframe {
	out := make([]Timeframe, 0, len(MinuteUnits)+2)
	for _, u := range MinuteUnits {
		out = append(out, Timeframe{Kind: Minutes, Unit: u})
	}
	return append(out, Timeframe{Kind: Days, Unit: 1}, Timeframe{Kind: Weeks, Unit: 1})
}

// Valid reports whether tf belongs to the supported set.
func (tf Timeframe) Valid() bool {
	switch tf.Kind {
	case Minutes:
		for _, u := range MinuteUnits {
			if u == tf.Unit {
				return true
			}
		}
		return false
	case Days, Weeks:
		return tf.Unit == 1
	default:
		return false
	}
}

// String renders tf as "minutes/15", "days" or "weeks".
func (tf Timeframe) String() string {
	if tf.Kind == Minutes {
		return string(Minutes) + "/" + strconv.Itoa(tf.Unit)
	}
	return string(tf.Kind)
}

// Duration is the nominal length of one bar.
func (tf Timeframe) Duration() time.Duration {
	switch tf.Kind {
	case Minutes:
		return time.Duration(tf.Unit) * time.Minute
	case Days:
		return 24 * time.Hour
	case Weeks:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// ParseTimeframe accepts the String form as well as the short
// notation used by most exchanges: 1m, 15m, 1h, 4h, 1d, 1w.
func ParseTimeframe(s string) (Timeframe, error) {
	s = strings.TrimSpace(s)
	var tf Timeframe

	switch {
	case s == string(Days) || s == "1d" || s == "D":
		tf = Timeframe{Kind: Days, Unit: 1}
	case s == string(Weeks) || s == "1w" || s == "W":
		tf = Timeframe{Kind: Weeks, Unit: 1}
	case strings.HasPrefix(s, string(Minutes)+"/"):
		n, err := strconv.Atoi(strings.TrimPrefix(s, string(Minutes)+"/"))
		if err != nil {
			return Timeframe{}, fmt.Errorf("candle: timeframe %q: %w", s, err)
		}
		tf = Timeframe{Kind: Minutes, Unit: n}
	case len(s) >= 2 && (s[len(s)-1] == 'm' || s[len(s)-1] == 'h'):
		n, err := strconv.Atoi(s[:len(s)-1])
		if err != nil {
			return Timeframe{}, fmt.Errorf("candle: timeframe %q: %w", s, err)
		}
		if s[len(s)-1] == 'h' {
			n *= 60
		}
		tf = Timeframe{Kind: Minutes, Unit: n}
	default:
		return Timeframe{}, fmt.Errorf("candle: unknown timeframe %q", s)
	}

	if !tf.Valid() {
		return Timeframe{}, fmt.Errorf("candle: unsupported timeframe %q", s)
	}
	return tf, nil
}
