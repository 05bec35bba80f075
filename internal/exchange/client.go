package exchange

import (
	"context"
	"strings"
	"time"
)

// Kind is the market type a venue trades.
type Kind string

const (
	KindSpot        Kind = "spot"
	KindDerivatives Kind = "derivatives"
)

// Sizing is how a venue expects market buy orders to be denominated.
type Sizing string

const (
	// SizeByQuantity means market buys take a base-currency quantity.
	SizeByQuantity Sizing = "quantity"
	// SizeByNotional means market buys take a quote-currency amount.
	SizeByNotional Sizing = "notional"
)

// Descriptor is the static metadata every venue declares about itself.
type Descriptor struct {
	Name        string
	Kind        Kind
	Sizing      Sizing
	MinNotional float64
	Streaming   bool
}

// Quote is the latest trade price and 24h base volume of a symbol.
type Quote struct {
	Symbol     string
	Last       float64
	BaseVolume float64
	Timestamp  time.Time
}

// Level is a single order book price level.
type Level struct {
	Price float64
	Size  float64
}

// OrderBook holds the top of book for a symbol.
type OrderBook struct {
	Symbol  string
	BestBid Level
	BestAsk Level
}

// OrderResult is what a venue returns for an accepted order.
type OrderResult struct {
	ID       string
	Symbol   string
	Side     string
	Amount   float64
	AvgPrice float64
	Status   string
}

// Order describes an order resting on a venue.
type Order struct {
	ID     string
	Symbol string
	Side   string
	Amount float64
	Price  float64
	Status string
}

// Venue defines the standard interface for all market venues.
// Symbols are always in BASE/QUOTE form, e.g. "BTC/USDT".
type Venue interface {
	Descriptor() Descriptor
	Quote(ctx context.Context, symbol string) (Quote, error)
	OrderBook(ctx context.Context, symbol string) (OrderBook, error)
	// MarketBuy interprets amount according to Descriptor().Sizing.
	MarketBuy(ctx context.Context, symbol string, amount float64) (OrderResult, error)
	// MarketSell always takes a base-currency quantity.
	MarketSell(ctx context.Context, symbol string, amount float64) (OrderResult, error)
	Balances(ctx context.Context) (map[string]float64, error)
	OpenOrders(ctx context.Context, symbol string) ([]Order, error)
	CancelOrder(ctx context.Context, id, symbol string) error
	Symbols(ctx context.Context) ([]string, error)
}

// Streamer is implemented by venues that can push quotes over a WebSocket.
type Streamer interface {
	StartStream(ctx context.Context, symbols []string, quotes chan<- Quote) error
}

// SplitSymbol splits "BTC/USDT" into its base and quote assets.
func SplitSymbol(symbol string) (base, quote string, ok bool) {
	base, quote, ok = strings.Cut(symbol, "/")
	if !ok || base == "" || quote == "" {
		return "", "", false
	}
	return base, quote, true
}
