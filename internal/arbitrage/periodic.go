package arbitrage

import (
	"context"
	"log/slog"
	"time"
)

// Periodic runs a task once immediately and then on every tick until the
// context is cancelled. A cycle in progress always finishes.
type Periodic struct {
	Name     string
	Interval time.Duration
	Logger   *slog.Logger
	Task     func(ctx context.Context)
}

// Run blocks until ctx is done.
func (p Periodic) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	p.Logger.Info("Starting loop", "loop", p.Name, "interval", p.Interval)
	for {
		p.Task(ctx)

		select {
		case <-ctx.Done():
			p.Logger.Info("Stopped loop", "loop", p.Name)
			return nil
		case <-ticker.C:
		}
	}
}
