package balance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"arbiter/internal/exchange"
	"arbiter/internal/model"
)

// Store persists balance snapshots.
type Store interface {
	LogBalances(ctx context.Context, balances []model.Balance) error
}

// Recorder snapshots venue balances on a cron schedule.
type Recorder struct {
	logger  *slog.Logger
	store   Store
	venues  []exchange.Venue
	timeout time.Duration
	now     func() time.Time
}

// NewRecorder creates a balance recorder.
func NewRecorder(logger *slog.Logger, store Store, venues []exchange.Venue, timeout time.Duration) *Recorder {
	return &Recorder{
		logger:  logger.With("component", "balance"),
		store:   store,
		venues:  venues,
		timeout: timeout,
		now:     time.Now,
	}
}

// Record fetches every venue's balances and stores the non-zero ones.
// A venue that fails is logged and left out of the snapshot.
func (r *Recorder) Record(ctx context.Context) error {
	ts := r.now()
	var (
		mu       sync.Mutex
		balances []model.Balance
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, v := range r.venues {
		v := v
		g.Go(func() error {
			name := v.Descriptor().Name
			callCtx, cancel := context.WithTimeout(gctx, r.timeout)
			defer cancel()

			held, err := v.Balances(callCtx)
			if err != nil {
				r.logger.Warn("Failed to fetch balances", "venue", name, "error", err)
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			for asset, amount := range held {
				if amount == 0 {
					continue
				}
				balances = append(balances, model.Balance{Exchange: name, Asset: asset, Amount: amount, Timestamp: ts})
			}
			return nil
		})
	}
	g.Wait()

	sort.Slice(balances, func(i, j int) bool {
		if balances[i].Exchange != balances[j].Exchange {
			return balances[i].Exchange < balances[j].Exchange
		}
		return balances[i].Asset < balances[j].Asset
	})
	if err := r.store.LogBalances(ctx, balances); err != nil {
		return fmt.Errorf("log balances: %w", err)
	}
	r.logger.Info("Recorded balances", "count", len(balances))
	return nil
}

// Run records once, then on every tick of schedule until ctx is done.
func (r *Recorder) Run(ctx context.Context, schedule string) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddFunc(schedule, func() { r.record(ctx) }); err != nil {
		return fmt.Errorf("balance schedule %q: %w", schedule, err)
	}

	r.record(ctx)
	c.Start()
	r.logger.Info("Balance recorder started", "schedule", schedule)

	<-ctx.Done()
	<-c.Stop().Done()
	r.logger.Info("Balance recorder stopped")
	return nil
}

func (r *Recorder) record(ctx context.Context) {
	if err := r.Record(ctx); err != nil {
		r.logger.Error("Failed to record balances", "error", err)
	}
}
