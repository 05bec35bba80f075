package arbitrage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiter/internal/config"
	"arbiter/internal/exchange"
	"arbiter/internal/model"
)

func testArbitrageConfig() config.ArbitrageConfig {
	return config.ArbitrageConfig{
		MinVolume:         50,
		MinProfit:         0,
		MaxProfit:         1000,
		TradeAmount:       1000,
		FeeRate:           0.001,
		Sizing:            config.SizingNet,
		StopLossPercent:   2,
		StopLossTimeoutMS: 24 * 60 * 60 * 1000,
		ConvergenceRange:  0.1,
	}
}

func cacheOf(venues ...*fakeVenue) *PriceCache {
	cache := NewPriceCache()
	for _, v := range venues {
		for _, q := range v.quotes {
			cache.Set(v.desc.Name, q)
		}
	}
	return cache
}

func venueList(venues ...*fakeVenue) []exchange.Venue {
	out := make([]exchange.Venue, 0, len(venues))
	for _, v := range venues {
		out = append(out, v)
	}
	return out
}

func TestQuantity(t *testing.T) {
	cfg := testArbitrageConfig()
	assert.InDelta(t, 9.98004, Quantity(cfg, 100), 1e-5)

	cfg.Sizing = config.SizingGross
	assert.Equal(t, 10.0, Quantity(cfg, 100))
}

func TestScorer_SpotDerivativesExample(t *testing.T) {
	spot := newFakeVenue("binance", exchange.KindSpot).withQuote("BTC/USDT", 100, 50)
	deriv := newFakeVenue("binance-futures", exchange.KindDerivatives).withQuote("BTC/USDT", 110, 75)
	cfg := testArbitrageConfig()

	s := NewScorer(discardLogger(), cfg, venueList(spot, deriv), []string{"BTC/USDT"}, time.Second)
	opps := s.Score(context.Background(), cacheOf(spot, deriv))

	require.Len(t, opps, 1)
	opp := opps[0]
	assert.Equal(t, model.OpportunityArbitrage, opp.Type)
	assert.Equal(t, "binance", opp.BuyExchange)
	assert.Equal(t, "binance-futures", opp.SellExchange)
	assert.Equal(t, 100.0, opp.BuyPrice)
	assert.Equal(t, 110.0, opp.SellPrice)
	assert.InDelta(t, 9.98004, opp.Amount, 1e-5)
	assert.InDelta(t, 99.8004*0.998, opp.Profit, 1e-6)
	assert.InDelta(t, 99.6008, opp.Profit, 1e-4)
}

func TestScorer_InclusiveBounds(t *testing.T) {
	spot := newFakeVenue("kraken", exchange.KindSpot).withQuote("ETH/USDT", 100, 50)
	deriv := newFakeVenue("binance-futures", exchange.KindDerivatives).withQuote("ETH/USDT", 110, 50)
	venues := venueList(spot, deriv)
	cache := cacheOf(spot, deriv)

	cfg := testArbitrageConfig()
	profit := NetProfit(100, 110, Quantity(cfg, 100), cfg.FeeRate)

	t.Run("profit equal to both bounds qualifies", func(t *testing.T) {
		cfg := cfg
		cfg.MinProfit, cfg.MaxProfit = profit, profit
		opps := NewScorer(discardLogger(), cfg, venues, []string{"ETH/USDT"}, time.Second).Score(context.Background(), cache)
		assert.Len(t, opps, 1)
	})

	t.Run("profit below minimum", func(t *testing.T) {
		cfg := cfg
		cfg.MinProfit = profit + 0.01
		opps := NewScorer(discardLogger(), cfg, venues, []string{"ETH/USDT"}, time.Second).Score(context.Background(), cache)
		assert.Empty(t, opps)
	})

	t.Run("profit above maximum", func(t *testing.T) {
		cfg := cfg
		cfg.MaxProfit = profit - 0.01
		opps := NewScorer(discardLogger(), cfg, venues, []string{"ETH/USDT"}, time.Second).Score(context.Background(), cache)
		assert.Empty(t, opps)
	})

	t.Run("volume below minimum", func(t *testing.T) {
		cfg := cfg
		cfg.MinVolume = 50.0001
		opps := NewScorer(discardLogger(), cfg, venues, []string{"ETH/USDT"}, time.Second).Score(context.Background(), cache)
		assert.Empty(t, opps)
	})
}

func TestScorer_Liquidity(t *testing.T) {
	cfg := testArbitrageConfig()

	t.Run("thin spot bid", func(t *testing.T) {
		spot := newFakeVenue("binance", exchange.KindSpot).withQuote("BTC/USDT", 100, 50)
		deriv := newFakeVenue("binance-futures", exchange.KindDerivatives).withQuote("BTC/USDT", 110, 50)
		spot.book.BestBid.Size = 5

		opps := NewScorer(discardLogger(), cfg, venueList(spot, deriv), []string{"BTC/USDT"}, time.Second).
			Score(context.Background(), cacheOf(spot, deriv))
		assert.Empty(t, opps)
	})

	t.Run("thin derivatives ask", func(t *testing.T) {
		spot := newFakeVenue("binance", exchange.KindSpot).withQuote("BTC/USDT", 100, 50)
		deriv := newFakeVenue("binance-futures", exchange.KindDerivatives).withQuote("BTC/USDT", 110, 50)
		deriv.book.BestAsk.Size = 9.9

		opps := NewScorer(discardLogger(), cfg, venueList(spot, deriv), []string{"BTC/USDT"}, time.Second).
			Score(context.Background(), cacheOf(spot, deriv))
		assert.Empty(t, opps)
	})

	t.Run("depth checked against the venue minimum", func(t *testing.T) {
		spot := newFakeVenue("binance", exchange.KindSpot).withQuote("BTC/USDT", 100, 50)
		deriv := newFakeVenue("binance-futures", exchange.KindDerivatives).withQuote("BTC/USDT", 110, 50)
		spot.desc.MinNotional = 1500
		spot.book.BestBid.Size = 12

		s := NewScorer(discardLogger(), cfg, venueList(spot, deriv), []string{"BTC/USDT"}, time.Second)
		assert.Empty(t, s.Score(context.Background(), cacheOf(spot, deriv)), "12 covers 9.98 but not the 15 the venue requires")

		spot.book.BestBid.Size = 15
		opps := s.Score(context.Background(), cacheOf(spot, deriv))
		require.Len(t, opps, 1)
		assert.InDelta(t, 15.0, opps[0].Amount, 1e-9)
		assert.InDelta(t, NetProfit(100, 110, 15, cfg.FeeRate), opps[0].Profit, 1e-9)
	})

	t.Run("order book error", func(t *testing.T) {
		spot := newFakeVenue("binance", exchange.KindSpot).withQuote("BTC/USDT", 100, 50)
		deriv := newFakeVenue("binance-futures", exchange.KindDerivatives).withQuote("BTC/USDT", 110, 50)
		deriv.bookErr = errors.New("connection reset")

		opps := NewScorer(discardLogger(), cfg, venueList(spot, deriv), []string{"BTC/USDT"}, time.Second).
			Score(context.Background(), cacheOf(spot, deriv))
		assert.Empty(t, opps)
	})
}

func TestScorer_Idempotent(t *testing.T) {
	spotA := newFakeVenue("kraken", exchange.KindSpot).
		withQuote("BTC/USDT", 100, 60).
		withQuote("ETH/USDT", 20, 60)
	spotB := newFakeVenue("binance", exchange.KindSpot).
		withQuote("BTC/USDT", 101, 60).
		withQuote("ETH/USDT", 20.5, 60)
	deriv := newFakeVenue("binance-futures", exchange.KindDerivatives).
		withQuote("BTC/USDT", 108, 60).
		withQuote("ETH/USDT", 22, 60)

	cfg := testArbitrageConfig()
	s := NewScorer(discardLogger(), cfg, venueList(spotA, deriv, spotB), []string{"ETH/USDT", "BTC/USDT"}, time.Second)
	cache := cacheOf(spotA, spotB, deriv)

	first := s.Score(context.Background(), cache)
	second := s.Score(context.Background(), cache)
	require.Len(t, first, 4)
	assert.Equal(t, first, second)

	assert.Equal(t, "BTC/USDT", first[0].Symbol)
	assert.Equal(t, "binance", first[0].BuyExchange)
	assert.Equal(t, "BTC/USDT", first[1].Symbol)
	assert.Equal(t, "kraken", first[1].BuyExchange)
	assert.Equal(t, "ETH/USDT", first[2].Symbol)
}

func TestScorer_SkipsSameKindPairs(t *testing.T) {
	a := newFakeVenue("kraken", exchange.KindSpot).withQuote("BTC/USDT", 100, 60)
	b := newFakeVenue("binance", exchange.KindSpot).withQuote("BTC/USDT", 120, 60)

	opps := NewScorer(discardLogger(), testArbitrageConfig(), venueList(a, b), []string{"BTC/USDT"}, time.Second).
		Score(context.Background(), cacheOf(a, b))
	assert.Empty(t, opps)
	assert.Zero(t, a.bookCalls)
}

func TestScorer_MissingQuote(t *testing.T) {
	spot := newFakeVenue("binance", exchange.KindSpot).withQuote("BTC/USDT", 100, 60)
	deriv := newFakeVenue("binance-futures", exchange.KindDerivatives)

	opps := NewScorer(discardLogger(), testArbitrageConfig(), venueList(spot, deriv), []string{"BTC/USDT"}, time.Second).
		Score(context.Background(), cacheOf(spot, deriv))
	assert.Empty(t, opps)
}

func TestScorer_Convergence(t *testing.T) {
	spot := newFakeVenue("binance", exchange.KindSpot).withQuote("BTC/USDT", 110, 60)
	deriv := newFakeVenue("binance-futures", exchange.KindDerivatives).withQuote("BTC/USDT", 100, 60)
	venues := venueList(spot, deriv)
	cache := cacheOf(spot, deriv)

	cfg := testArbitrageConfig()
	opps := NewScorer(discardLogger(), cfg, venues, []string{"BTC/USDT"}, time.Second).Score(context.Background(), cache)
	assert.Empty(t, opps, "convergence signal is off without a divergence threshold")

	cfg.DivergenceThreshold = 5
	opps = NewScorer(discardLogger(), cfg, venues, []string{"BTC/USDT"}, time.Second).Score(context.Background(), cache)
	require.Len(t, opps, 1)
	assert.Equal(t, model.OpportunityConvergence, opps[0].Type)
	assert.Equal(t, "binance-futures", opps[0].BuyExchange, "lower price venue buys")
	assert.Equal(t, "binance", opps[0].SellExchange)
	assert.InDelta(t, 99.6008, opps[0].Profit, 1e-4)

	cfg.DivergenceThreshold = 10
	opps = NewScorer(discardLogger(), cfg, venues, []string{"BTC/USDT"}, time.Second).Score(context.Background(), cache)
	assert.Empty(t, opps, "gap must exceed the threshold")
}
