package arbitrage

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"arbiter/internal/exchange"
	"arbiter/internal/metrics"
	"arbiter/internal/model"
)

// QuoteMirror publishes a venue's quotes of the current cycle to an external cache.
type QuoteMirror interface {
	Mirror(ctx context.Context, venue string, quotes []exchange.Quote) error
}

// Poller fetches a quote for every configured symbol from every venue.
type Poller struct {
	logger  *slog.Logger
	venues  []exchange.Venue
	symbols []string
	timeout time.Duration
	sink    PriceSink
	mirror  QuoteMirror
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewPoller creates a poller. mirror may be nil.
func NewPoller(logger *slog.Logger, venues []exchange.Venue, symbols []string, timeout time.Duration,
	sink PriceSink, mirror QuoteMirror, m *metrics.Metrics) *Poller {
	return &Poller{
		logger:  logger.With("component", "poller"),
		venues:  venues,
		symbols: symbols,
		timeout: timeout,
		sink:    sink,
		mirror:  mirror,
		metrics: m,
		now:     time.Now,
	}
}

// Poll runs one cycle and returns the quotes it observed. Venues are queried
// concurrently, the symbols of one venue sequentially. A failed fetch only
// leaves its own venue/symbol slot empty.
func (p *Poller) Poll(ctx context.Context) *PriceCache {
	cache := NewPriceCache()
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, v := range p.venues {
		v := v
		g.Go(func() error {
			quotes := p.pollVenue(gctx, v)

			mu.Lock()
			for _, q := range quotes {
				cache.Set(v.Descriptor().Name, q)
			}
			mu.Unlock()

			p.persist(gctx, v.Descriptor().Name, quotes)
			return nil
		})
	}
	g.Wait()

	return cache
}

func (p *Poller) pollVenue(ctx context.Context, v exchange.Venue) []exchange.Quote {
	name := v.Descriptor().Name
	quotes := make([]exchange.Quote, 0, len(p.symbols))

	for _, symbol := range p.symbols {
		if ctx.Err() != nil {
			break
		}
		q, err := p.fetch(ctx, v, symbol)
		if err != nil {
			class := failureClass(err)
			p.metrics.QuoteFailures.WithLabelValues(name, class).Inc()
			if class == "data" {
				p.logger.Debug("No quote data", "venue", name, "symbol", symbol, "error", err)
			} else {
				p.logger.Warn("Failed to fetch quote", "venue", name, "symbol", symbol, "class", class, "error", err)
			}
			continue
		}
		p.metrics.QuotesFetched.WithLabelValues(name).Inc()
		quotes = append(quotes, q)
	}
	return quotes
}

func (p *Poller) fetch(ctx context.Context, v exchange.Venue, symbol string) (exchange.Quote, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	q, err := v.Quote(callCtx, symbol)
	if err != nil {
		return exchange.Quote{}, err
	}
	if q.Last <= 0 || math.IsNaN(q.Last) || math.IsInf(q.Last, 0) {
		return exchange.Quote{}, exchange.ErrNoData
	}
	q.Symbol = symbol
	if q.Timestamp.IsZero() {
		q.Timestamp = p.now()
	}
	return q, nil
}

func (p *Poller) persist(ctx context.Context, venue string, quotes []exchange.Quote) {
	if len(quotes) == 0 {
		return
	}
	prices := make([]model.Price, 0, len(quotes))
	for _, q := range quotes {
		prices = append(prices, model.Price{
			Symbol:    q.Symbol,
			Exchange:  venue,
			Price:     q.Last,
			Volume:    q.BaseVolume,
			Timestamp: q.Timestamp,
		})
	}
	p.sink.Record(ctx, prices)

	if p.mirror != nil {
		if err := p.mirror.Mirror(ctx, venue, quotes); err != nil {
			p.logger.Warn("Failed to mirror quotes", "venue", venue, "error", err)
		}
	}
}

func failureClass(err error) string {
	switch {
	case errors.Is(err, exchange.ErrUnsupportedSymbol), errors.Is(err, exchange.ErrNoData):
		return "data"
	case exchange.IsTransient(err):
		return "transient"
	default:
		return "other"
	}
}
