package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
venues: [binance, binance-futures]
symbols: [BTC/USDT, ETH/USDT]
arbitrage:
  auto: true
  min_profit: 1.5
  trade_amount: 1000
  stop_loss_timeout_ms: 60000
poller:
  interval: 2s
exchanges:
  binance:
    api_key: key
    api_secret: secret
`

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(sampleConfig), 0o600))
	t.Setenv("ARBITER_ARBITRAGE_MAX_PROFIT", "250")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, []string{"binance", "binance-futures"}, cfg.Venues)
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, cfg.Symbols)
	assert.True(t, cfg.Arbitrage.Auto)
	assert.Equal(t, 1.5, cfg.Arbitrage.MinProfit)
	assert.Equal(t, 250.0, cfg.Arbitrage.MaxProfit)
	assert.Equal(t, 1000.0, cfg.Arbitrage.TradeAmount)
	assert.Equal(t, 0.001, cfg.Arbitrage.FeeRate)
	assert.Equal(t, SizingNet, cfg.Arbitrage.Sizing)
	assert.Equal(t, time.Minute, cfg.Arbitrage.StopLossTimeout())
	assert.Equal(t, 2*time.Second, cfg.Poller.Interval)
	assert.Equal(t, 60*time.Second, cfg.Supervisor.Interval)
	assert.Equal(t, "key", cfg.Exchanges["binance"].APIKey)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_EnvOnlyKeys(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log_level: debug\n"), 0o600))
	t.Setenv("ARBITER_VENUES", "gate,binance-futures")
	t.Setenv("ARBITER_SYMBOLS", "SOL/USDT")
	t.Setenv("ARBITER_EXCHANGES_BINANCE_FUTURES_API_KEY", "futures-key")
	t.Setenv("ARBITER_EXCHANGES_GATE_API_SECRET", "gate-secret")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, []string{"gate", "binance-futures"}, cfg.Venues)
	assert.Equal(t, []string{"SOL/USDT"}, cfg.Symbols)
	assert.Equal(t, "futures-key", cfg.Exchanges["binance-futures"].APIKey)
	assert.Equal(t, "gate-secret", cfg.Exchanges["gate"].APISecret)
	assert.NotContains(t, cfg.Exchanges, "kraken")
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Venues:     []string{"binance", "binance-futures"},
			Symbols:    []string{"BTC/USDT"},
			Arbitrage:  ArbitrageConfig{TradeAmount: 100, FeeRate: 0.001, Sizing: SizingNet, MinProfit: 1, MaxProfit: 10},
			Poller:     PollerConfig{Interval: time.Second},
			Supervisor: SupervisorConfig{Interval: time.Minute},
		}
	}

	t.Run("valid", func(t *testing.T) {
		cfg := valid()
		assert.NoError(t, cfg.Validate())
	})

	t.Run("no venues", func(t *testing.T) {
		cfg := valid()
		cfg.Venues = nil
		assert.ErrorIs(t, cfg.Validate(), ErrNoVenues)
	})

	t.Run("no symbols", func(t *testing.T) {
		cfg := valid()
		cfg.Symbols = nil
		assert.ErrorIs(t, cfg.Validate(), ErrNoSymbols)
	})

	t.Run("all symbols mode needs no list", func(t *testing.T) {
		cfg := valid()
		cfg.Symbols = nil
		cfg.AllSymbols = true
		assert.NoError(t, cfg.Validate())
	})

	t.Run("unknown sizing", func(t *testing.T) {
		cfg := valid()
		cfg.Arbitrage.Sizing = "half"
		assert.Error(t, cfg.Validate())
	})

	t.Run("inverted profit bounds", func(t *testing.T) {
		cfg := valid()
		cfg.Arbitrage.MinProfit = 20
		assert.Error(t, cfg.Validate())
	})
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", DBName: "arb"}
	assert.Equal(t, "postgres://u:p@db:5432/arb?sslmode=disable", d.DSN())
}
