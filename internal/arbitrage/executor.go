package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"arbiter/internal/config"
	"arbiter/internal/database"
	"arbiter/internal/exchange"
	"arbiter/internal/metrics"
	"arbiter/internal/model"
)

var (
	// ErrLegFailed is returned when an order leg is rejected or cannot be placed.
	ErrLegFailed = errors.New("order leg failed")
	// ErrUnknownVenue is returned when an opportunity names a venue that is not configured.
	ErrUnknownVenue = errors.New("unknown venue")
)

// Executor opens positions for opportunities.
type Executor struct {
	orderPlacer
	venues map[string]exchange.Venue
	cfg    config.ArbitrageConfig
}

// NewExecutor creates an executor that can trade on venues.
func NewExecutor(logger *slog.Logger, repo database.Repository, venues []exchange.Venue, cfg config.ArbitrageConfig, m *metrics.Metrics) *Executor {
	return &Executor{
		orderPlacer: orderPlacer{
			logger:  logger.With("component", "executor"),
			repo:    repo,
			metrics: m,
			now:     time.Now,
		},
		venues: venuesByName(venues),
		cfg:    cfg,
	}
}

func venuesByName(venues []exchange.Venue) map[string]exchange.Venue {
	m := make(map[string]exchange.Venue, len(venues))
	for _, v := range venues {
		m[v.Descriptor().Name] = v
	}
	return m
}

// baseAmount raises qty so that its value at price meets the venue minimum.
func baseAmount(d exchange.Descriptor, qty, price float64) float64 {
	if price > 0 && qty*price < d.MinNotional {
		return d.MinNotional / price
	}
	return qty
}

// buyAmount expresses a base quantity in the unit the venue expects for market buys.
func buyAmount(d exchange.Descriptor, qty, price float64) float64 {
	if d.Sizing == exchange.SizeByNotional {
		return math.Max(qty*price, d.MinNotional)
	}
	return baseAmount(d, qty, price)
}

// Execute creates a position for opp, then buys on the buy venue and, if that
// fills, sells on the sell venue. Every attempted leg is recorded as a trade.
// The position is left open; closing it is up to the Supervisor.
func (e *Executor) Execute(ctx context.Context, opp model.Opportunity) (model.Position, error) {
	buyVenue, ok := e.venues[opp.BuyExchange]
	if !ok {
		return model.Position{}, fmt.Errorf("%w: %s", ErrUnknownVenue, opp.BuyExchange)
	}
	sellVenue, ok := e.venues[opp.SellExchange]
	if !ok {
		return model.Position{}, fmt.Errorf("%w: %s", ErrUnknownVenue, opp.SellExchange)
	}
	buyDesc, sellDesc := buyVenue.Descriptor(), sellVenue.Descriptor()

	qty := baseAmount(buyDesc, opp.Amount, opp.BuyPrice)
	qty = baseAmount(sellDesc, qty, opp.SellPrice)

	pos := model.Position{
		ID:            uuid.NewString(),
		Symbol:        opp.Symbol,
		Exchange:      opp.BuyExchange,
		Amount:        qty,
		BuyPrice:      opp.BuyPrice,
		StopLossPrice: opp.BuyPrice * (1 - e.cfg.StopLossPercent/100),
		Timestamp:     e.now(),
	}
	if err := e.repo.CreatePosition(context.WithoutCancel(ctx), pos); err != nil {
		return model.Position{}, fmt.Errorf("create position: %w", err)
	}
	e.logger.Info("Opened position",
		"position", pos.ID,
		"type", opp.Type,
		"symbol", opp.Symbol,
		"buyExchange", opp.BuyExchange,
		"sellExchange", opp.SellExchange,
		"amount", qty,
	)

	_, err := e.place(ctx, pos.ID, buyVenue, model.SideBuy, opp.Symbol, qty, opp.BuyPrice,
		buyAmount(buyDesc, qty, opp.BuyPrice))
	if err != nil {
		return pos, err
	}

	_, err = e.place(ctx, pos.ID, sellVenue, model.SideSell, opp.Symbol, qty, opp.SellPrice, qty)
	if err != nil {
		return pos, err
	}
	return pos, nil
}

// orderPlacer sends market orders and records each attempt as a trade.
type orderPlacer struct {
	logger  *slog.Logger
	repo    database.Repository
	metrics *metrics.Metrics
	now     func() time.Time
}

// place sends one market order. qty is the base quantity kept in the audit
// record; orderAmount is what the venue receives.
func (o *orderPlacer) place(ctx context.Context, positionID string, v exchange.Venue, side model.Side,
	symbol string, qty, price, orderAmount float64) (exchange.OrderResult, error) {
	name := v.Descriptor().Name

	var res exchange.OrderResult
	var err error
	if side == model.SideBuy {
		res, err = v.MarketBuy(ctx, symbol, orderAmount)
	} else {
		res, err = v.MarketSell(ctx, symbol, orderAmount)
	}

	trade := model.Trade{
		ID:         uuid.NewString(),
		PositionID: positionID,
		Symbol:     symbol,
		Exchange:   name,
		Side:       side,
		Amount:     qty,
		Price:      price,
		Timestamp:  o.now(),
		Success:    err == nil,
	}
	if err != nil {
		msg := err.Error()
		trade.Error = &msg
	} else {
		if res.AvgPrice > 0 {
			trade.Price = res.AvgPrice
		}
		if res.ID != "" {
			id := res.ID
			trade.OrderID = &id
		}
	}

	o.metrics.TradeAttempts.WithLabelValues(name, string(side), strconv.FormatBool(trade.Success)).Inc()
	if logErr := o.repo.LogTrade(context.WithoutCancel(ctx), trade); logErr != nil {
		o.logger.Error("Failed to log trade", "position", positionID, "venue", name, "side", side, "error", logErr)
	}

	if err != nil {
		o.logger.Error("Order failed", "position", positionID, "venue", name, "side", side, "symbol", symbol, "error", err)
		return res, fmt.Errorf("%w: %s %s on %s: %w", ErrLegFailed, side, symbol, name, err)
	}
	o.logger.Info("Order filled", "position", positionID, "venue", name, "side", side, "symbol", symbol,
		"amount", qty, "price", trade.Price)
	return res, nil
}
