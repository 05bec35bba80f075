package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrPositionClosed is returned when a closed position is asked to close again.
var ErrPositionClosed = errors.New("position already closed")

// OpportunityType distinguishes the two signals the scorer produces.
type OpportunityType string

const (
	OpportunityArbitrage   OpportunityType = "arbitrage"
	OpportunityConvergence OpportunityType = "convergence"
)

// Side is the direction of a single order leg.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Price is one observed quote, or an opportunity marker when OpportunityType is set.
type Price struct {
	ID              int64            `db:"id"`
	Symbol          string           `db:"symbol"`
	Exchange        string           `db:"exchange"`
	Price           float64          `db:"price"`
	Volume          float64          `db:"volume"`
	Timestamp       time.Time        `db:"timestamp"`
	OpportunityType *OpportunityType `db:"opportunity_type"`
	Profit          *float64         `db:"profit"`
}

// IsMarker reports whether the record marks a detected opportunity rather than a raw tick.
func (p Price) IsMarker() bool {
	return p.OpportunityType != nil
}

// MarkerExchange is the synthetic exchange field used by opportunity markers.
func MarkerExchange(buyExchange, sellExchange string) string {
	return fmt.Sprintf("%s -> %s", buyExchange, sellExchange)
}

// Position is one open (or eventually closed) arbitrage leg pair.
type Position struct {
	ID            string    `db:"id"`
	Symbol        string    `db:"symbol"`
	Exchange      string    `db:"exchange"`
	Amount        float64   `db:"amount"`
	BuyPrice      float64   `db:"buy_price"`
	StopLossPrice float64   `db:"stop_loss_price"`
	SellPrice     *float64  `db:"sell_price"`
	Profit        *float64  `db:"profit"`
	Timestamp     time.Time `db:"timestamp"`
	Closed        bool      `db:"closed"`
}

// Close records the exit of the position. SellPrice, Profit and Closed are
// only ever set together, and a closed position never reopens.
func (p *Position) Close(sellPrice, profit float64) error {
	if p.Closed {
		return ErrPositionClosed
	}
	p.SellPrice = &sellPrice
	p.Profit = &profit
	p.Closed = true
	return nil
}

// Trade is the audit record of one attempted order.
type Trade struct {
	ID         string    `db:"id"`
	PositionID string    `db:"position_id"`
	Symbol     string    `db:"symbol"`
	Exchange   string    `db:"exchange"`
	Side       Side      `db:"side"`
	Amount     float64   `db:"amount"`
	Price      float64   `db:"price"`
	Timestamp  time.Time `db:"timestamp"`
	Success    bool      `db:"success"`
	Error      *string   `db:"error"`
	OrderID    *string   `db:"order_id"`
}

// Balance is a venue-reported holding at a point in time.
type Balance struct {
	Exchange  string    `db:"exchange"`
	Asset     string    `db:"asset"`
	Amount    float64   `db:"amount"`
	Timestamp time.Time `db:"timestamp"`
}

// Opportunity is a qualifying price dislocation. It is not stored directly.
type Opportunity struct {
	Type         OpportunityType
	BuyExchange  string
	SellExchange string
	Symbol       string
	BuyPrice     float64
	SellPrice    float64
	Amount       float64
	Profit       float64
}

// Marker converts the opportunity into the price record that audits it.
func (o Opportunity) Marker(ts time.Time) Price {
	typ := o.Type
	profit := o.Profit
	return Price{
		Symbol:          o.Symbol,
		Exchange:        MarkerExchange(o.BuyExchange, o.SellExchange),
		Price:           o.BuyPrice,
		Volume:          o.Amount,
		Timestamp:       ts,
		OpportunityType: &typ,
		Profit:          &profit,
	}
}

// VolumeStat aggregates observed volumes for one exchange and symbol.
type VolumeStat struct {
	Exchange string
	Symbol   string
	Avg      float64
	Min      float64
	Max      float64
	Samples  int64
}
