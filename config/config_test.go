package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func decEqual(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "want %s got %s", want, got.String())
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ModePaper, cfg.Mode)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, []string{"ETH"}, cfg.Strategy.Symbols)
	assert.Equal(t, time.Second, cfg.Strategy.QuoteUpdateFrequency)
	assert.True(t, cfg.Strategy.PostOnly)
	assert.Equal(t, 5, cfg.Risk.MaxOpenPositions)

	sc, err := cfg.StrategyConfig()
	require.NoError(t, err)
	decEqual(t, "0.1", sc.BaseSize)
	decEqual(t, "0.6", sc.ConfidenceThreshold)
	decEqual(t, "0.01", sc.DefaultSpec.TickSize)

	rc, err := cfg.RiskConfig()
	require.NoError(t, err)
	decEqual(t, "10000", rc.InitialCapital)
	decEqual(t, "500", rc.Limits.MaxDailyLoss)
	assert.Equal(t, 4*time.Hour, rc.Limits.PositionTimeout)
	assert.Nil(t, rc.Clock)

	pc, err := cfg.PaperConfig()
	require.NoError(t, err)
	decEqual(t, "0.0001", pc.MakerRebateRate)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeFile(t, "config.yaml", `
mode: paper
logging:
  format: console
strategy:
  symbols: [eth, btc]
  base_size: 0.2
  quote_update_frequency: 500ms
  symbol_specs:
    BTC:
      tick_size: 1
risk:
  max_daily_loss: "250"
  correlated_symbols: [btc, eth]
signals:
  weights:
    flow: 0.4
`)
	t.Setenv("MM_STRATEGY_BASE_SIZE", "0.3")
	t.Setenv("MM_MARKET_DATA_MAX_RECONNECTS", "3")
	t.Setenv("MM_METRICS_ADDR", "127.0.0.1:9100")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, []string{"ETH", "BTC"}, cfg.Strategy.Symbols)
	assert.Equal(t, 500*time.Millisecond, cfg.Strategy.QuoteUpdateFrequency)
	assert.Equal(t, "0.3", cfg.Strategy.BaseSize, "env beats file")
	assert.Equal(t, 3, cfg.MarketData.MaxReconnects)
	assert.Equal(t, "127.0.0.1:9100", cfg.Metrics.Addr)
	assert.InDelta(t, 0.4, cfg.Signals.Weights.Flow, 1e-9)
	assert.InDelta(t, 0.5, cfg.Signals.Weights.Imbalance, 1e-9)
	assert.Equal(t, []string{"BTC", "ETH"}, cfg.Risk.CorrelatedSymbols)

	sc, err := cfg.StrategyConfig()
	require.NoError(t, err)
	decEqual(t, "0.3", sc.BaseSize)
	decEqual(t, "1", sc.Spec("BTC").TickSize)
	decEqual(t, "0.001", sc.Spec("BTC").LotSize)
	decEqual(t, "0.01", sc.Spec("ETH").TickSize)

	rc, err := cfg.RiskConfig()
	require.NoError(t, err)
	decEqual(t, "250", rc.Limits.MaxDailyLoss)

	md := cfg.MarketDataConfig()
	assert.Equal(t, []string{"ETH", "BTC"}, md.Symbols)
	assert.Equal(t, 3, md.MaxReconnects)
}

func TestLoad_EnvFile(t *testing.T) {
	envFile := writeFile(t, "test.env", "MM_LOGGING_LEVEL=debug\nMM_SIGNALS_BOOK_DEPTH=3\n")
	t.Cleanup(func() { _ = os.Unsetenv("MM_SIGNALS_BOOK_DEPTH") })
	t.Setenv("MM_LOGGING_LEVEL", "warn")

	cfg, err := Load("", envFile)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level, "process environment wins over the env file")
	assert.Equal(t, 3, cfg.Signals.BookDepth)
	assert.Equal(t, 3, cfg.SignalConfig().BookDepth)

	_, err = Load("", filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		yaml string
	}{
		{name: "unknown mode", env: map[string]string{"MM_MODE": "demo"}},
		{name: "live without key", env: map[string]string{"MM_MODE": "live"}},
		{name: "non numeric size", env: map[string]string{"MM_STRATEGY_BASE_SIZE": "lots"}},
		{name: "negative loss limit", env: map[string]string{"MM_RISK_MAX_DAILY_LOSS": "-5"}},
		{name: "threshold above one", env: map[string]string{"MM_STRATEGY_CONFIDENCE_THRESHOLD": "1.2"}},
		{name: "slow ema not slower", env: map[string]string{"MM_SIGNALS_EMA_SLOW_PERIOD": "12"}},
		{name: "bad metrics addr", env: map[string]string{"MM_METRICS_ADDR": "not an addr"}},
		{name: "bad vault address", env: map[string]string{"MM_EXCHANGE_VAULT_ADDRESS": "0x123"}},
		{name: "bad symbol spec", yaml: "strategy:\n  symbol_specs:\n    ETH:\n      tick_size: tiny\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.yaml != "" {
				path = writeFile(t, "config.yaml", tt.yaml)
			}
			_, err := Load(path)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestExchangeConfig(t *testing.T) {
	cfg := Default()
	cfg.Mode = ModeLive
	cfg.Exchange.PrivateKeyHex = "abc"
	cfg.Exchange.VaultAddress = "0x000000000000000000000000000000000000dEaD"
	require.NoError(t, cfg.Validate())

	ec := cfg.ExchangeConfig()
	assert.Equal(t, "abc", ec.PrivateKeyHex)
	assert.Equal(t, cfg.Exchange.BaseURL, ec.BaseURL)
	assert.Equal(t, cfg.Exchange.VaultAddress, ec.VaultAddress)
	assert.Equal(t, 100, ec.RateLimitRPS)
}
