package arbitrage

import (
	"context"
	"log/slog"
	"time"

	"arbiter/internal/config"
	"arbiter/internal/database"
	"arbiter/internal/metrics"
	"arbiter/internal/model"
)

// executor acts on an opportunity.
type executor interface {
	Execute(ctx context.Context, opp model.Opportunity) (model.Position, error)
}

// ArbitrageEngine runs the fine-cadence pipeline: poll, score, mark and execute.
type ArbitrageEngine struct {
	logger   *slog.Logger
	repo     database.Repository
	cfg      config.ArbitrageConfig
	poller   *Poller
	scorer   *Scorer
	executor executor
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewArbitrageEngine creates a new instance of the ArbitrageEngine.
func NewArbitrageEngine(logger *slog.Logger, repo database.Repository, cfg config.ArbitrageConfig,
	poller *Poller, scorer *Scorer, exec *Executor, m *metrics.Metrics) *ArbitrageEngine {
	return &ArbitrageEngine{
		logger:   logger.With("component", "engine"),
		repo:     repo,
		cfg:      cfg,
		poller:   poller,
		scorer:   scorer,
		executor: exec,
		metrics:  m,
		now:      time.Now,
	}
}

// RunCycle polls all venues once, scores the result and, when auto trading is
// enabled, executes each opportunity. It returns the opportunities found.
func (e *ArbitrageEngine) RunCycle(ctx context.Context) []model.Opportunity {
	defer e.metrics.ObserveCycle("engine", time.Now())

	cache := e.poller.Poll(ctx)
	if cache.Len() == 0 {
		e.logger.Warn("No prices observed this cycle")
		return nil
	}

	opps := e.scorer.Score(ctx, cache)
	for _, opp := range opps {
		e.metrics.Opportunities.WithLabelValues(string(opp.Type)).Inc()
		e.logger.Info("Opportunity found",
			"type", opp.Type,
			"symbol", opp.Symbol,
			"buyExchange", opp.BuyExchange,
			"sellExchange", opp.SellExchange,
			"buyPrice", opp.BuyPrice,
			"sellPrice", opp.SellPrice,
			"amount", opp.Amount,
			"netProfit", opp.Profit,
		)
		if err := e.repo.LogPrice(context.WithoutCancel(ctx), opp.Marker(e.now())); err != nil {
			e.logger.Error("Failed to log opportunity", "error", err)
		}

		if !e.cfg.Auto || ctx.Err() != nil {
			continue
		}
		if _, err := e.executor.Execute(ctx, opp); err != nil {
			e.logger.Error("Failed to execute opportunity", "symbol", opp.Symbol, "error", err)
		}
	}
	return opps
}
