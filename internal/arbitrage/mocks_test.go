package arbitrage

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"arbiter/internal/database"
	"arbiter/internal/exchange"
	"arbiter/internal/model"
)

type MockRepository struct {
	mock.Mock

	mu      sync.Mutex
	trades  []model.Trade
	updated []model.Position
}

func (m *MockRepository) Migrate(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockRepository) LogPrice(ctx context.Context, price model.Price) error {
	args := m.Called(ctx, price)
	return args.Error(0)
}

func (m *MockRepository) LogPrices(ctx context.Context, prices []model.Price) error {
	args := m.Called(ctx, prices)
	return args.Error(0)
}

func (m *MockRepository) VolumeStats(ctx context.Context, since time.Time) ([]model.VolumeStat, error) {
	args := m.Called(ctx, since)
	return args.Get(0).([]model.VolumeStat), args.Error(1)
}

func (m *MockRepository) CreatePosition(ctx context.Context, pos model.Position) error {
	args := m.Called(ctx, pos)
	return args.Error(0)
}

func (m *MockRepository) GetPosition(ctx context.Context, id string) (model.Position, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(model.Position), args.Error(1)
}

func (m *MockRepository) ListOpenPositions(ctx context.Context) ([]model.Position, error) {
	args := m.Called(ctx)
	return args.Get(0).([]model.Position), args.Error(1)
}

// UpdatePosition applies fn to the position the expectation returns and keeps the result.
func (m *MockRepository) UpdatePosition(ctx context.Context, id string, fn func(*model.Position) error) (model.Position, error) {
	args := m.Called(ctx, id)
	if err := args.Error(1); err != nil {
		return model.Position{}, err
	}
	pos := args.Get(0).(model.Position)
	if err := fn(&pos); err != nil {
		return model.Position{}, err
	}
	m.mu.Lock()
	m.updated = append(m.updated, pos)
	m.mu.Unlock()
	return pos, nil
}

// LogTrade keeps every trade so tests can inspect the audit trail.
func (m *MockRepository) LogTrade(ctx context.Context, trade model.Trade) error {
	m.mu.Lock()
	m.trades = append(m.trades, trade)
	m.mu.Unlock()
	args := m.Called(ctx, trade)
	return args.Error(0)
}

// ListTrades returns the expectation's trades, or calls it when it is a
// func(database.TradeFilter) []model.Trade.
func (m *MockRepository) ListTrades(ctx context.Context, filter database.TradeFilter) ([]model.Trade, error) {
	args := m.Called(ctx, filter)
	if fn, ok := args.Get(0).(func(database.TradeFilter) []model.Trade); ok {
		return fn(filter), args.Error(1)
	}
	return args.Get(0).([]model.Trade), args.Error(1)
}

func (m *MockRepository) LogBalances(ctx context.Context, balances []model.Balance) error {
	args := m.Called(ctx, balances)
	return args.Error(0)
}

func (m *MockRepository) Trades() []model.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Trade(nil), m.trades...)
}

func (m *MockRepository) Updated() []model.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Position(nil), m.updated...)
}

// fakeVenue serves canned quotes and books and records the orders it receives.
type fakeVenue struct {
	mu sync.Mutex

	desc      exchange.Descriptor
	quotes    map[string]exchange.Quote
	quoteErrs map[string]error
	hang      bool
	book      exchange.OrderBook
	bookErr   error
	buyErr    error
	sellErr   error

	buys      []float64
	sells     []float64
	bookCalls int
}

func newFakeVenue(name string, kind exchange.Kind) *fakeVenue {
	return &fakeVenue{
		desc:      exchange.Descriptor{Name: name, Kind: kind, Sizing: exchange.SizeByQuantity},
		quotes:    map[string]exchange.Quote{},
		quoteErrs: map[string]error{},
		book: exchange.OrderBook{
			BestBid: exchange.Level{Price: 1, Size: 1_000},
			BestAsk: exchange.Level{Price: 1, Size: 1_000},
		},
	}
}

func (f *fakeVenue) withQuote(symbol string, last, volume float64) *fakeVenue {
	f.quotes[symbol] = exchange.Quote{Symbol: symbol, Last: last, BaseVolume: volume}
	return f
}

func (f *fakeVenue) Descriptor() exchange.Descriptor { return f.desc }

func (f *fakeVenue) Quote(ctx context.Context, symbol string) (exchange.Quote, error) {
	if f.hang {
		<-ctx.Done()
		return exchange.Quote{}, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.quoteErrs[symbol]; ok {
		return exchange.Quote{}, err
	}
	q, ok := f.quotes[symbol]
	if !ok {
		return exchange.Quote{}, exchange.ErrUnsupportedSymbol
	}
	return q, nil
}

func (f *fakeVenue) OrderBook(ctx context.Context, symbol string) (exchange.OrderBook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bookCalls++
	if f.bookErr != nil {
		return exchange.OrderBook{}, f.bookErr
	}
	book := f.book
	book.Symbol = symbol
	return book, nil
}

func (f *fakeVenue) MarketBuy(ctx context.Context, symbol string, amount float64) (exchange.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buys = append(f.buys, amount)
	if f.buyErr != nil {
		return exchange.OrderResult{}, f.buyErr
	}
	return exchange.OrderResult{ID: "buy-1", Symbol: symbol, Side: "buy", Amount: amount, Status: "filled"}, nil
}

func (f *fakeVenue) MarketSell(ctx context.Context, symbol string, amount float64) (exchange.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sells = append(f.sells, amount)
	if f.sellErr != nil {
		return exchange.OrderResult{}, f.sellErr
	}
	return exchange.OrderResult{ID: "sell-1", Symbol: symbol, Side: "sell", Amount: amount, Status: "filled"}, nil
}

func (f *fakeVenue) Balances(ctx context.Context) (map[string]float64, error) {
	return map[string]float64{}, nil
}

func (f *fakeVenue) OpenOrders(ctx context.Context, symbol string) ([]exchange.Order, error) {
	return nil, nil
}

func (f *fakeVenue) CancelOrder(ctx context.Context, id, symbol string) error {
	return nil
}

func (f *fakeVenue) Symbols(ctx context.Context) ([]string, error) {
	symbols := make([]string, 0, len(f.quotes))
	for s := range f.quotes {
		symbols = append(symbols, s)
	}
	return symbols, nil
}

func (f *fakeVenue) orders() (buys, sells []float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.buys...), append([]float64(nil), f.sells...)
}

// captureSink collects batches handed over by the Poller.
type captureSink struct {
	mu      sync.Mutex
	batches [][]model.Price
}

func (c *captureSink) Record(ctx context.Context, prices []model.Price) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, prices)
}

func (c *captureSink) prices() []model.Price {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.Price
	for _, b := range c.batches {
		out = append(out, b...)
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
