package arbitrage

import (
	"sort"

	"arbiter/internal/exchange"
)

// PriceCache holds the quotes observed in one polling cycle, keyed by venue and symbol.
// A cache belongs to the cycle that built it and is never shared between cycles.
type PriceCache struct {
	quotes map[string]map[string]exchange.Quote
}

// NewPriceCache returns an empty cache.
func NewPriceCache() *PriceCache {
	return &PriceCache{quotes: make(map[string]map[string]exchange.Quote)}
}

// Set stores q as the latest quote of venue.
func (c *PriceCache) Set(venue string, q exchange.Quote) {
	bySymbol, ok := c.quotes[venue]
	if !ok {
		bySymbol = make(map[string]exchange.Quote)
		c.quotes[venue] = bySymbol
	}
	bySymbol[q.Symbol] = q
}

// Get returns the quote of symbol on venue, if one was observed this cycle.
func (c *PriceCache) Get(venue, symbol string) (exchange.Quote, bool) {
	q, ok := c.quotes[venue][symbol]
	return q, ok
}

// Venue returns the quotes observed on venue, sorted by symbol.
func (c *PriceCache) Venue(venue string) []exchange.Quote {
	bySymbol := c.quotes[venue]
	out := make([]exchange.Quote, 0, len(bySymbol))
	for _, q := range bySymbol {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Len returns the number of cached quotes across all venues.
func (c *PriceCache) Len() int {
	n := 0
	for _, bySymbol := range c.quotes {
		n += len(bySymbol)
	}
	return n
}
