package exchange

import (
	"fmt"
	"log/slog"

	"arbiter/internal/config"
)

// NewClient creates a new venue client based on the given name and configuration.
// test redirects the client to the venue's sandbox endpoint.
func NewClient(name string, logger *slog.Logger, cfg config.ExchangeConfig, test bool) (Venue, error) {
	logger = logger.With("venue", name)
	switch name {
	case "binance":
		return NewBinanceClient(logger, cfg.APIKey, cfg.APISecret, test), nil
	case "binance-futures":
		return NewBinanceFuturesClient(logger, cfg.APIKey, cfg.APISecret, test), nil
	case "gate":
		return NewGateClient(logger, cfg.APIKey, cfg.APISecret, test), nil
	case "kraken":
		return NewKrakenClient(logger, cfg.APIKey, cfg.APISecret, test), nil
	default:
		return nil, fmt.Errorf("unknown exchange: %s", name)
	}
}
