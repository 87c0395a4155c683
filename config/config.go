// Package config loads the server configuration from a JSON file and
// environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Duration is a time.Duration written as "3s" or "1h" in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"3s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type UpbitConfig struct {
	BaseURL string `json:"base_url"`
	// Quote is the local quote market; only "<Quote>-*" instruments are listed.
	Quote string `json:"quote"`
}

type ReferenceConfig struct {
	// Exchange is binance, bybit or okx.
	Exchange string `json:"exchange"`
	// Mode is poll (REST every interval) or stream (binance websocket).
	Mode string `json:"mode"`
	// BaseURL overrides the exchange's public REST endpoint.
	BaseURL   string `json:"base_url"`
	StreamURL string `json:"stream_url"`
	Quote     string `json:"quote"`
	// SymbolMap renames local bases whose reference symbol differs.
	SymbolMap map[string]string `json:"symbol_map"`
}

type RateConfig struct {
	BaseURL  string  `json:"base_url"`
	Base     string  `json:"base"`
	Quote    string  `json:"quote"`
	Fallback float64 `json:"fallback"`
}

type IntervalConfig struct {
	Catalog   Duration `json:"catalog"`
	Ticker    Duration `json:"ticker"`
	Reference Duration `json:"reference"`
	Rate      Duration `json:"rate"`
	Live      Duration `json:"live"`
}

type ChartConfig struct {
	PageSize   int      `json:"page_size"`
	LiveCount  int      `json:"live_count"`
	Tolerance  float64  `json:"tolerance"`
	RetryDelay Duration `json:"retry_delay"`
}

type MirrorConfig struct {
	Enabled  bool     `json:"enabled"`
	Addr     string   `json:"addr"`
	Password string   `json:"password"`
	DB       int      `json:"db"`
	TTL      Duration `json:"ttl"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

type Config struct {
	HTTPAddr   string          `json:"http_addr"`
	GRPCAddr   string          `json:"grpc_addr"`
	StableCoin string          `json:"stable_coin"`
	Upbit      UpbitConfig     `json:"upbit"`
	Reference  ReferenceConfig `json:"reference"`
	Rate       RateConfig      `json:"rate"`
	Intervals  IntervalConfig  `json:"intervals"`
	Chart      ChartConfig     `json:"chart"`
	Mirror     MirrorConfig    `json:"mirror"`
	Log        LogConfig       `json:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr:   ":8080",
		GRPCAddr:   ":50051",
		StableCoin: "USDT",
		Upbit: UpbitConfig{
			BaseURL: "https://api.upbit.com",
			Quote:   "KRW",
		},
		Reference: ReferenceConfig{
			Exchange:  "binance",
			Mode:      "poll",
			StreamURL: "wss://stream.binance.com:9443/ws/!miniTicker@arr",
			Quote:     "USDT",
			SymbolMap: map[string]string{"BTT": "BTTC"},
		},
		Rate: RateConfig{
			BaseURL:  "https://open.er-api.com",
			Base:     "USD",
			Quote:    "KRW",
			Fallback: 1350,
		},
		Intervals: IntervalConfig{
			Catalog:   Duration(time.Hour),
			Ticker:    Duration(3 * time.Second),
			Reference: Duration(3 * time.Second),
			Rate:      Duration(60 * time.Second),
			Live:      Duration(3 * time.Second),
		},
		Chart: ChartConfig{
			PageSize:   200,
			LiveCount:  2,
			Tolerance:  10,
			RetryDelay: Duration(50 * time.Millisecond),
		},
		Mirror: MirrorConfig{
			Addr: "localhost:6379",
			TTL:  Duration(60 * time.Second),
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path on top of Default, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: %w", err)
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.GRPCAddr = getEnv("GRPC_ADDR", c.GRPCAddr)
	c.Upbit.BaseURL = getEnv("UPBIT_URL", c.Upbit.BaseURL)
	c.Reference.Exchange = getEnv("REFERENCE_EXCHANGE", c.Reference.Exchange)
	c.Reference.Mode = getEnv("REFERENCE_MODE", c.Reference.Mode)
	c.Reference.BaseURL = getEnv("REFERENCE_URL", c.Reference.BaseURL)
	c.Rate.Fallback = getEnvFloat("FALLBACK_RATE", c.Rate.Fallback)
	c.Intervals.Ticker = Duration(getEnvDuration("TICKER_INTERVAL", c.Intervals.Ticker.Std()))
	c.Intervals.Reference = Duration(getEnvDuration("REFERENCE_INTERVAL", c.Intervals.Reference.Std()))
	c.Mirror.Enabled = getEnvBool("MIRROR_ENABLED", c.Mirror.Enabled)
	c.Mirror.Addr = getEnv("REDIS_ADDR", c.Mirror.Addr)
	c.Mirror.DB = getEnvInt("REDIS_DB", c.Mirror.DB)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
}

// Validate rejects configurations the server can never run with.
func (c Config) Validate() error {
	var errs []error
	if c.Upbit.Quote == "" {
		errs = append(errs, errors.New("upbit.quote is empty"))
	}
	switch c.Reference.Exchange {
	case "binance", "bybit", "okx":
	default:
		errs = append(errs, fmt.Errorf("reference.exchange %q: want binance, bybit or okx", c.Reference.Exchange))
	}
	switch c.Reference.Mode {
	case "poll":
	case "stream":
		if c.Reference.Exchange != "binance" {
			errs = append(errs, fmt.Errorf("reference.mode stream is only available for binance"))
		}
	default:
		errs = append(errs, fmt.Errorf("reference.mode %q: want poll or stream", c.Reference.Mode))
	}
	if c.Rate.Fallback < 0 {
		errs = append(errs, errors.New("rate.fallback is negative"))
	}
	for name, d := range map[string]Duration{
		"catalog":   c.Intervals.Catalog,
		"ticker":    c.Intervals.Ticker,
		"reference": c.Intervals.Reference,
		"rate":      c.Intervals.Rate,
		"live":      c.Intervals.Live,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("intervals.%s must be positive", name))
		}
	}
	if c.Chart.PageSize < 1 || c.Chart.PageSize > 200 {
		errs = append(errs, fmt.Errorf("chart.page_size %d: want 1..200", c.Chart.PageSize))
	}
	if c.Mirror.Enabled && c.Mirror.Addr == "" {
		errs = append(errs, errors.New("mirror.addr is empty"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
