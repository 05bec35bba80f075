package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"arbiter/internal/config"
	"arbiter/internal/database"
	"arbiter/internal/exchange"
	"arbiter/internal/metrics"
	"arbiter/internal/model"
)

// Close reasons reported in logs and metrics.
const (
	ReasonStopLoss    = "stop_loss"
	ReasonTimeout     = "timeout"
	ReasonConvergence = "convergence"
)

// SupervisorResult summarises one supervisor cycle.
type SupervisorResult struct {
	Checked   int
	Triggered int
	Closed    int
	Failed    int
}

// Supervisor watches open positions and unwinds them on convergence, stop-loss or timeout.
type Supervisor struct {
	orderPlacer
	venues      map[string]exchange.Venue
	derivatives exchange.Venue
	cfg         config.ArbitrageConfig
	timeout     time.Duration
}

// NewSupervisor creates a supervisor. Positions are hedged against the first
// derivatives venue in venues.
func NewSupervisor(logger *slog.Logger, repo database.Repository, venues []exchange.Venue, cfg config.ArbitrageConfig,
	timeout time.Duration, m *metrics.Metrics) *Supervisor {
	s := &Supervisor{
		orderPlacer: orderPlacer{
			logger:  logger.With("component", "supervisor"),
			repo:    repo,
			metrics: m,
			now:     time.Now,
		},
		venues:  venuesByName(venues),
		cfg:     cfg,
		timeout: timeout,
	}
	for _, v := range venues {
		if v.Descriptor().Kind == exchange.KindDerivatives {
			s.derivatives = v
			break
		}
	}
	return s
}

// RunCycle checks every open position once. Failures on one position never
// stop the others; an error is returned only when positions cannot be listed.
func (s *Supervisor) RunCycle(ctx context.Context) (SupervisorResult, error) {
	var res SupervisorResult
	defer s.metrics.ObserveCycle("supervisor", s.now())

	positions, err := s.repo.ListOpenPositions(ctx)
	if err != nil {
		return res, fmt.Errorf("list open positions: %w", err)
	}
	s.metrics.PositionsOpen.Set(float64(len(positions)))

	for _, pos := range positions {
		if ctx.Err() != nil {
			break
		}
		res.Checked++

		reason, prices, ok := s.check(ctx, pos)
		if !ok || reason == "" {
			continue
		}
		res.Triggered++

		if err := s.unwind(ctx, pos, prices, reason); err != nil {
			res.Failed++
			continue
		}
		res.Closed++
	}

	if res.Triggered > 0 {
		s.logger.Info("Supervisor cycle finished",
			"checked", res.Checked, "triggered", res.Triggered, "closed", res.Closed, "failed", res.Failed)
	}
	return res, nil
}

// legPrices are the current prices of a position's two legs.
type legPrices struct {
	spot        float64
	derivatives float64
}

// check re-quotes both legs of pos and returns why it should be closed, if at all.
func (s *Supervisor) check(ctx context.Context, pos model.Position) (reason string, prices legPrices, ok bool) {
	if pos.Closed {
		return "", prices, false
	}
	spot, found := s.venues[pos.Exchange]
	if !found || spot.Descriptor().Kind != exchange.KindSpot {
		s.logger.Debug("Skipping position not held on a spot venue", "position", pos.ID, "venue", pos.Exchange)
		return "", prices, false
	}
	if s.derivatives == nil {
		s.logger.Warn("No derivatives venue configured", "position", pos.ID)
		return "", prices, false
	}

	spotQuote, err := s.quote(ctx, spot, pos.Symbol)
	if err != nil {
		s.logger.Warn("Failed to re-quote position", "position", pos.ID, "venue", pos.Exchange, "error", err)
		return "", prices, false
	}
	derivQuote, err := s.quote(ctx, s.derivatives, pos.Symbol)
	if err != nil {
		s.logger.Warn("Failed to re-quote position", "position", pos.ID,
			"venue", s.derivatives.Descriptor().Name, "error", err)
		return "", prices, false
	}

	switch {
	case spotQuote.Last <= pos.StopLossPrice:
		reason = ReasonStopLoss
	case s.now().Sub(pos.Timestamp) > s.cfg.StopLossTimeout():
		reason = ReasonTimeout
	case math.Abs(spotQuote.Last-derivQuote.Last) <= s.cfg.ConvergenceRange:
		reason = ReasonConvergence
	}
	return reason, legPrices{spot: spotQuote.Last, derivatives: derivQuote.Last}, true
}

func (s *Supervisor) quote(ctx context.Context, v exchange.Venue, symbol string) (exchange.Quote, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	q, err := v.Quote(callCtx, symbol)
	if err != nil {
		return exchange.Quote{}, err
	}
	if q.Last <= 0 || math.IsNaN(q.Last) {
		return exchange.Quote{}, exchange.ErrNoData
	}
	return q, nil
}

// errPartiallyUnwound marks a position whose spot leg was already sold by an
// earlier unwind. It is left for an operator.
var errPartiallyUnwound = errors.New("position partially unwound")

// unwind sells the held amount on the spot venue, buys it back on the
// derivatives venue and closes the position only when both legs succeed.
// Both legs use one quantity, raised to meet either venue's minimum notional.
func (s *Supervisor) unwind(ctx context.Context, pos model.Position, prices legPrices, reason string) error {
	spot := s.venues[pos.Exchange]
	spotPrice := prices.spot
	spotDesc, derivDesc := spot.Descriptor(), s.derivatives.Descriptor()

	sold, err := s.spotLegSold(ctx, pos)
	if err != nil {
		s.logger.Error("Failed to read position trades", "position", pos.ID, "error", err)
		return err
	}
	if sold {
		s.logger.Error("Position partially unwound, needs operator attention",
			"position", pos.ID, "symbol", pos.Symbol, "spotVenue", spotDesc.Name, "derivativesVenue", derivDesc.Name)
		return errPartiallyUnwound
	}

	s.logger.Info("Unwinding position", "position", pos.ID, "symbol", pos.Symbol, "reason", reason, "spotPrice", spotPrice)

	qty := baseAmount(spotDesc, pos.Amount, spotPrice)
	qty = baseAmount(derivDesc, qty, prices.derivatives)

	if _, err := s.place(ctx, pos.ID, spot, model.SideSell, pos.Symbol, qty, spotPrice, qty); err != nil {
		return err
	}

	if _, err := s.place(ctx, pos.ID, s.derivatives, model.SideBuy, pos.Symbol, qty, prices.derivatives,
		buyAmount(derivDesc, qty, prices.derivatives)); err != nil {
		s.logger.Error("Position partially unwound", "position", pos.ID, "venue", derivDesc.Name, "error", err)
		return err
	}

	closed, err := s.repo.UpdatePosition(context.WithoutCancel(ctx), pos.ID, func(p *model.Position) error {
		return p.Close(spotPrice, RealizedProfit(*p, spotPrice, s.cfg.FeeRate))
	})
	if err != nil {
		if errors.Is(err, model.ErrPositionClosed) {
			s.logger.Warn("Position was closed concurrently", "position", pos.ID)
		} else {
			s.logger.Error("Failed to close position", "position", pos.ID, "error", err)
		}
		return err
	}

	s.metrics.PositionCloses.WithLabelValues(reason).Inc()
	s.logger.Info("Closed position", "position", closed.ID, "reason", reason, "sellPrice", spotPrice, "profit", *closed.Profit)
	return nil
}

// spotLegSold reports whether a successful sell was already recorded for pos on
// its spot venue.
func (s *Supervisor) spotLegSold(ctx context.Context, pos model.Position) (bool, error) {
	success := true
	trades, err := s.repo.ListTrades(ctx, database.TradeFilter{
		PositionID: pos.ID,
		Exchange:   pos.Exchange,
		Success:    &success,
	})
	if err != nil {
		return false, fmt.Errorf("list trades of %s: %w", pos.ID, err)
	}
	for _, t := range trades {
		if t.Side == model.SideSell {
			return true, nil
		}
	}
	return false, nil
}

// RealizedProfit is the fee-adjusted result of exiting pos at exitPrice.
func RealizedProfit(pos model.Position, exitPrice, feeRate float64) float64 {
	return (exitPrice - pos.BuyPrice) * pos.Amount * (1 - 2*feeRate)
}
