// Package app wires the venues, store and loops together and runs them until
// the process is asked to stop.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"arbiter/internal/arbitrage"
	"arbiter/internal/balance"
	"arbiter/internal/cache"
	"arbiter/internal/config"
	"arbiter/internal/database"
	"arbiter/internal/exchange"
	"arbiter/internal/metrics"
)

const recorderBuffer = 256

// App owns the configuration and the resources opened while running.
type App struct {
	cfg     config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates an App.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
	}
}

// Run connects to the store, builds the venues and runs every loop until ctx
// is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfg

	repo, err := database.NewPostgresRepository(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("app: connect database: %w", err)
	}
	a.closers = append(a.closers, repo.Close)
	if err := repo.Migrate(ctx); err != nil {
		return fmt.Errorf("app: migrate database: %w", err)
	}

	venues, streamed, err := BuildVenues(cfg, a.logger)
	if err != nil {
		return err
	}
	logVenueKinds(a.logger, venues)

	symbols, err := ResolveSymbols(ctx, cfg, venues)
	if err != nil {
		return err
	}
	a.logger.Info("Watching symbols", "count", len(symbols), "symbols", symbols)

	var mirror arbitrage.QuoteMirror
	if cfg.Redis.Addr != "" {
		qm, err := cache.NewQuoteMirror(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("app: connect redis: %w", err)
		}
		a.closers = append(a.closers, func() { qm.Close() })
		mirror = qm
	}

	m := metrics.New()
	recorder := arbitrage.NewRecorder(a.logger, repo, m, recorderBuffer)
	poller := arbitrage.NewPoller(a.logger, venues, symbols, cfg.Poller.RequestTimeout, recorder, mirror, m)
	scorer := arbitrage.NewScorer(a.logger, cfg.Arbitrage, venues, symbols, cfg.Poller.RequestTimeout)
	executor := arbitrage.NewExecutor(a.logger, repo, venues, cfg.Arbitrage, m)
	engine := arbitrage.NewArbitrageEngine(a.logger, repo, cfg.Arbitrage, poller, scorer, executor, m)
	supervisor := arbitrage.NewSupervisor(a.logger, repo, venues, cfg.Arbitrage, cfg.Poller.RequestTimeout, m)
	balances := balance.NewRecorder(a.logger, repo, venues, cfg.Poller.RequestTimeout)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return recorder.Run(gctx) })
	for _, sv := range streamed {
		sv := sv
		g.Go(func() error { return sv.Run(gctx, symbols) })
	}

	engineLoop := arbitrage.Periodic{
		Name:     "engine",
		Interval: cfg.Poller.Interval,
		Logger:   a.logger,
		Task:     func(ctx context.Context) { engine.RunCycle(ctx) },
	}
	supervisorLoop := arbitrage.Periodic{
		Name:     "supervisor",
		Interval: cfg.Supervisor.Interval,
		Logger:   a.logger,
		Task: func(ctx context.Context) {
			if _, err := supervisor.RunCycle(ctx); err != nil {
				a.logger.Error("Supervisor cycle failed", "error", err)
			}
		},
	}
	g.Go(func() error {
		defer recorder.Close()
		return engineLoop.Run(gctx)
	})
	g.Go(func() error { return supervisorLoop.Run(gctx) })

	if cfg.Balance.Schedule != "" {
		g.Go(func() error { return balances.Run(gctx, cfg.Balance.Schedule) })
	}
	if cfg.Metrics.Addr != "" {
		g.Go(func() error { return m.Serve(gctx, cfg.Metrics.Addr, a.logger) })
	}

	return g.Wait()
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// BuildVenues creates the configured venues in configuration order. Venues that
// can stream quotes are wrapped so the engine reads streamed prices first.
func BuildVenues(cfg config.Config, logger *slog.Logger) ([]exchange.Venue, []*exchange.StreamedVenue, error) {
	var (
		venues   []exchange.Venue
		streamed []*exchange.StreamedVenue
	)
	for _, name := range cfg.Venues {
		v, err := exchange.NewClient(name, logger, cfg.Exchanges[name], cfg.Test)
		if err != nil {
			return nil, nil, fmt.Errorf("app: %w", err)
		}
		if sv, ok := exchange.NewStreamedVenue(v, logger, cfg.Poller.StreamMaxAge); ok {
			streamed = append(streamed, sv)
			v = sv
		}
		venues = append(venues, v)
	}
	if len(venues) == 0 {
		return nil, nil, config.ErrNoVenues
	}
	return venues, streamed, nil
}

// ResolveSymbols returns the configured symbols, or in all-symbols mode the
// symbols listed by every venue, sorted and cut to symbol_limit.
func ResolveSymbols(ctx context.Context, cfg config.Config, venues []exchange.Venue) ([]string, error) {
	symbols := cfg.Symbols
	if cfg.AllSymbols {
		common, err := commonSymbols(ctx, venues)
		if err != nil {
			return nil, err
		}
		symbols = common
	}
	if cfg.SymbolLimit > 0 && len(symbols) > cfg.SymbolLimit {
		symbols = symbols[:cfg.SymbolLimit]
	}
	if len(symbols) == 0 {
		return nil, config.ErrNoSymbols
	}
	return symbols, nil
}

func commonSymbols(ctx context.Context, venues []exchange.Venue) ([]string, error) {
	counts := make(map[string]int)
	for _, v := range venues {
		listed, err := v.Symbols(ctx)
		if err != nil {
			return nil, fmt.Errorf("app: list symbols on %s: %w", v.Descriptor().Name, err)
		}
		seen := make(map[string]bool, len(listed))
		for _, s := range listed {
			if !seen[s] {
				seen[s] = true
				counts[s]++
			}
		}
	}

	var common []string
	for s, n := range counts {
		if n == len(venues) {
			common = append(common, s)
		}
	}
	sort.Strings(common)
	return common, nil
}

func logVenueKinds(logger *slog.Logger, venues []exchange.Venue) {
	var spot, derivatives []string
	for _, v := range venues {
		d := v.Descriptor()
		if d.Kind == exchange.KindDerivatives {
			derivatives = append(derivatives, d.Name)
		} else {
			spot = append(spot, d.Name)
		}
	}
	logger.Info("Venues selected", "spot", spot, "derivatives", derivatives)
	if len(spot) == 0 || len(derivatives) == 0 {
		logger.Warn("Arbitrage needs at least one spot and one derivatives venue")
	}
}
