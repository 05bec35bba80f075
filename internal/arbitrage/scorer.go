package arbitrage

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"arbiter/internal/config"
	"arbiter/internal/exchange"
	"arbiter/internal/model"
)

// Quantity converts the configured trade notional into a base quantity at buyPrice.
// Net sizing reserves room for the taker fee of both legs; gross sizing does not.
func Quantity(cfg config.ArbitrageConfig, buyPrice float64) float64 {
	if cfg.Sizing == config.SizingGross {
		return cfg.TradeAmount / buyPrice
	}
	return cfg.TradeAmount / (1 + 2*cfg.FeeRate) / buyPrice
}

// NetProfit is the spread captured on qty after paying the taker fee on both legs.
func NetProfit(buyPrice, sellPrice, qty, feeRate float64) float64 {
	return (sellPrice - buyPrice) * qty * (1 - 2*feeRate)
}

// Scorer evaluates a cycle's prices for arbitrage and convergence opportunities.
type Scorer struct {
	logger      *slog.Logger
	cfg         config.ArbitrageConfig
	spot        []exchange.Venue
	derivatives []exchange.Venue
	symbols     []string
	timeout     time.Duration
}

// NewScorer splits venues by kind. Both groups are evaluated in name order.
func NewScorer(logger *slog.Logger, cfg config.ArbitrageConfig, venues []exchange.Venue, symbols []string, timeout time.Duration) *Scorer {
	s := &Scorer{
		logger:  logger.With("component", "scorer"),
		cfg:     cfg,
		symbols: append([]string(nil), symbols...),
		timeout: timeout,
	}
	for _, v := range venues {
		switch v.Descriptor().Kind {
		case exchange.KindSpot:
			s.spot = append(s.spot, v)
		case exchange.KindDerivatives:
			s.derivatives = append(s.derivatives, v)
		}
	}
	byName := func(vs []exchange.Venue) func(i, j int) bool {
		return func(i, j int) bool { return vs[i].Descriptor().Name < vs[j].Descriptor().Name }
	}
	sort.Slice(s.spot, byName(s.spot))
	sort.Slice(s.derivatives, byName(s.derivatives))
	sort.Strings(s.symbols)
	return s
}

type candidate struct {
	opp  model.Opportunity
	buy  exchange.Venue
	sell exchange.Venue
}

// Score returns every qualifying opportunity in the cache, ordered by symbol,
// spot venue and derivatives venue. It reads order books but changes nothing,
// so scoring an unchanged market twice yields the same result.
func (s *Scorer) Score(ctx context.Context, cache *PriceCache) []model.Opportunity {
	var candidates []candidate
	for _, symbol := range s.symbols {
		for _, spot := range s.spot {
			for _, deriv := range s.derivatives {
				if c, ok := s.evaluate(cache, symbol, spot, deriv); ok {
					candidates = append(candidates, c)
				}
			}
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	liquid := make([]bool, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			liquid[i] = s.hasLiquidity(gctx, c)
			return nil
		})
	}
	g.Wait()

	var out []model.Opportunity
	for i, c := range candidates {
		if liquid[i] {
			out = append(out, c.opp)
		}
	}
	return out
}

func (s *Scorer) evaluate(cache *PriceCache, symbol string, spot, deriv exchange.Venue) (candidate, bool) {
	spotName, derivName := spot.Descriptor().Name, deriv.Descriptor().Name
	sq, ok := cache.Get(spotName, symbol)
	if !ok {
		return candidate{}, false
	}
	dq, ok := cache.Get(derivName, symbol)
	if !ok {
		return candidate{}, false
	}
	if sq.BaseVolume < s.cfg.MinVolume || dq.BaseVolume < s.cfg.MinVolume {
		return candidate{}, false
	}

	if sq.Last < dq.Last {
		if c, ok := s.qualify(model.OpportunityArbitrage, symbol, spot, deriv, sq.Last, dq.Last); ok {
			return c, true
		}
	}

	if s.cfg.DivergenceThreshold > 0 && math.Abs(sq.Last-dq.Last) > s.cfg.DivergenceThreshold {
		if sq.Last <= dq.Last {
			return s.qualify(model.OpportunityConvergence, symbol, spot, deriv, sq.Last, dq.Last)
		}
		return s.qualify(model.OpportunityConvergence, symbol, deriv, spot, dq.Last, sq.Last)
	}
	return candidate{}, false
}

func (s *Scorer) qualify(typ model.OpportunityType, symbol string, buy, sell exchange.Venue, buyPrice, sellPrice float64) (candidate, bool) {
	qty := Quantity(s.cfg, buyPrice)
	qty = baseAmount(buy.Descriptor(), qty, buyPrice)
	qty = baseAmount(sell.Descriptor(), qty, sellPrice)
	profit := NetProfit(buyPrice, sellPrice, qty, s.cfg.FeeRate)
	if profit < s.cfg.MinProfit || profit > s.cfg.MaxProfit {
		return candidate{}, false
	}
	return candidate{
		opp: model.Opportunity{
			Type:         typ,
			BuyExchange:  buy.Descriptor().Name,
			SellExchange: sell.Descriptor().Name,
			Symbol:       symbol,
			BuyPrice:     buyPrice,
			SellPrice:    sellPrice,
			Amount:       qty,
			Profit:       profit,
		},
		buy:  buy,
		sell: sell,
	}, true
}

// hasLiquidity requires the top of book on both legs to cover the quantity:
// the bid on the buy venue and the ask on the sell venue.
func (s *Scorer) hasLiquidity(ctx context.Context, c candidate) bool {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	buyBook, err := c.buy.OrderBook(callCtx, c.opp.Symbol)
	if err != nil {
		s.logger.Warn("Failed to fetch order book", "venue", c.opp.BuyExchange, "symbol", c.opp.Symbol, "error", err)
		return false
	}
	sellBook, err := c.sell.OrderBook(callCtx, c.opp.Symbol)
	if err != nil {
		s.logger.Warn("Failed to fetch order book", "venue", c.opp.SellExchange, "symbol", c.opp.Symbol, "error", err)
		return false
	}

	if buyBook.BestBid.Size < c.opp.Amount || sellBook.BestAsk.Size < c.opp.Amount {
		s.logger.Info("Insufficient liquidity",
			"symbol", c.opp.Symbol,
			"buyExchange", c.opp.BuyExchange,
			"sellExchange", c.opp.SellExchange,
			"amount", c.opp.Amount,
			"bidSize", buyBook.BestBid.Size,
			"askSize", sellBook.BestAsk.Size,
		)
		return false
	}
	return true
}
