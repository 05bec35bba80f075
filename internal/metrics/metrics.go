package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "arbiter"

// Metrics holds the collectors updated by the polling and supervision loops.
type Metrics struct {
	registry *prometheus.Registry

	QuotesFetched  *prometheus.CounterVec
	QuoteFailures  *prometheus.CounterVec
	Opportunities  *prometheus.CounterVec
	TradeAttempts  *prometheus.CounterVec
	PositionsOpen  prometheus.Gauge
	PositionCloses *prometheus.CounterVec
	CycleDuration  *prometheus.HistogramVec
	RecorderDrops  prometheus.Counter
}

// New creates the collectors on a dedicated registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		QuotesFetched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "quotes_fetched_total",
			Help:      "Quotes successfully fetched per venue",
		}, []string{"venue"}),
		QuoteFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "quote_failures_total",
			Help:      "Quote fetches that failed, by venue and failure class",
		}, []string{"venue", "class"}),
		Opportunities: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scorer",
			Name:      "opportunities_total",
			Help:      "Qualifying opportunities detected",
		}, []string{"type"}),
		TradeAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "trade_attempts_total",
			Help:      "Order attempts by venue, side and outcome",
		}, []string{"venue", "side", "success"}),
		PositionsOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "positions_open",
			Help:      "Open positions seen by the last supervisor cycle",
		}),
		PositionCloses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "position_closes_total",
			Help:      "Positions closed, by trigger",
		}, []string{"reason"}),
		CycleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one loop cycle",
			Buckets:   prometheus.DefBuckets,
		}, []string{"loop"}),
		RecorderDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recorder",
			Name:      "batches_failed_total",
			Help:      "Price batches that could not be persisted",
		}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveCycle records the time elapsed since start for the named loop.
func (m *Metrics) ObserveCycle(loop string, start time.Time) {
	m.CycleDuration.WithLabelValues(loop).Observe(time.Since(start).Seconds())
}

// Serve runs the /metrics endpoint on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
