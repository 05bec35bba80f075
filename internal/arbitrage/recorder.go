package arbitrage

import (
	"context"
	"log/slog"
	"sync"

	"arbiter/internal/database"
	"arbiter/internal/metrics"
	"arbiter/internal/model"
)

// PriceSink accepts batches of price observations for persistence.
type PriceSink interface {
	Record(ctx context.Context, prices []model.Price)
}

// Recorder persists price batches in the background so that a slow store never
// holds up quote fetching.
type Recorder struct {
	logger    *slog.Logger
	repo      database.Repository
	metrics   *metrics.Metrics
	batches   chan []model.Price
	closeOnce sync.Once
}

// NewRecorder creates a recorder that queues up to buffer batches.
func NewRecorder(logger *slog.Logger, repo database.Repository, m *metrics.Metrics, buffer int) *Recorder {
	return &Recorder{
		logger:  logger.With("component", "recorder"),
		repo:    repo,
		metrics: m,
		batches: make(chan []model.Price, buffer),
	}
}

// Record queues a batch. When the queue is full it waits for space only until
// ctx is done. Record must not be called after Close.
func (r *Recorder) Record(ctx context.Context, prices []model.Price) {
	if len(prices) == 0 {
		return
	}
	select {
	case r.batches <- prices:
		return
	default:
	}
	select {
	case r.batches <- prices:
	case <-ctx.Done():
		r.logger.Warn("Dropped price batch on shutdown", "size", len(prices))
		r.metrics.RecorderDrops.Inc()
	}
}

// Close tells Run that no more batches will be queued. The producer calls it
// once its last cycle has finished.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() { close(r.batches) })
}

// Run writes queued batches until Close is called and the queue is drained.
// Writes are detached from ctx so batches queued during shutdown still land.
func (r *Recorder) Run(ctx context.Context) error {
	for batch := range r.batches {
		r.write(ctx, batch)
	}
	r.logger.Info("Price recorder stopped")
	return nil
}

func (r *Recorder) write(ctx context.Context, batch []model.Price) {
	if err := r.repo.LogPrices(context.WithoutCancel(ctx), batch); err != nil {
		r.logger.Error("Failed to log prices", "size", len(batch), "error", err)
		r.metrics.RecorderDrops.Inc()
	}
}
