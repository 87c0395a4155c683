package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "KRW", cfg.Upbit.Quote)
	assert.Equal(t, 1350.0, cfg.Rate.Fallback)
	assert.Equal(t, time.Hour, cfg.Intervals.Catalog.Std())
	assert.Equal(t, map[string]string{"BTT": "BTTC"}, cfg.Reference.SymbolMap)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `{
		"http_addr": ":9090",
		"reference": {"exchange": "okx", "symbol_map": {"FOO": "FOO2"}},
		"intervals": {"ticker": "500ms"},
		"mirror": {"enabled": true, "ttl": "2m"}
	}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "okx", cfg.Reference.Exchange)
	assert.Equal(t, "poll", cfg.Reference.Mode, "unset fields keep defaults")
	assert.Equal(t, 500*time.Millisecond, cfg.Intervals.Ticker.Std())
	assert.Equal(t, 3*time.Second, cfg.Intervals.Reference.Std())
	assert.Equal(t, 2*time.Minute, cfg.Mirror.TTL.Std())
	assert.Equal(t, "FOO2", cfg.Reference.SymbolMap["FOO"])
	assert.Equal(t, "BTTC", cfg.Reference.SymbolMap["BTT"])
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":7070")
	t.Setenv("FALLBACK_RATE", "1400.5")
	t.Setenv("TICKER_INTERVAL", "1s")
	t.Setenv("MIRROR_ENABLED", "true")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.HTTPAddr)
	assert.Equal(t, 1400.5, cfg.Rate.Fallback)
	assert.Equal(t, time.Second, cfg.Intervals.Ticker.Std())
	assert.True(t, cfg.Mirror.Enabled)
	assert.Equal(t, 0, cfg.Mirror.DB)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown exchange", func(c *Config) { c.Reference.Exchange = "kraken" }},
		{"stream needs binance", func(c *Config) { c.Reference.Exchange, c.Reference.Mode = "bybit", "stream" }},
		{"unknown mode", func(c *Config) { c.Reference.Mode = "push" }},
		{"zero interval", func(c *Config) { c.Intervals.Rate = 0 }},
		{"page too large", func(c *Config) { c.Chart.PageSize = 500 }},
		{"negative fallback", func(c *Config) { c.Rate.Fallback = -1 }},
		{"empty quote", func(c *Config) { c.Upbit.Quote = "" }},
		{"mirror without addr", func(c *Config) { c.Mirror.Enabled, c.Mirror.Addr = true, "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, `{"intervals": {"ticker": 3}}`))
	assert.Error(t, err)

	_, err = Load(writeFile(t, `{"reference": {"exchange": "kraken"}}`))
	assert.ErrorContains(t, err, "kraken")
}
