package database

import (
	"context"
	"errors"
	"time"

	"arbiter/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// TradeFilter narrows ListTrades. Zero values mean "any".
type TradeFilter struct {
	Success    *bool
	Exchange   string
	PositionID string
	Limit      int
}

// Repository defines the standard interface for database operations.
type Repository interface {
	Migrate(ctx context.Context) error

	LogPrice(ctx context.Context, price model.Price) error
	LogPrices(ctx context.Context, prices []model.Price) error
	VolumeStats(ctx context.Context, since time.Time) ([]model.VolumeStat, error)

	CreatePosition(ctx context.Context, pos model.Position) error
	GetPosition(ctx context.Context, id string) (model.Position, error)
	ListOpenPositions(ctx context.Context) ([]model.Position, error)
	// UpdatePosition applies fn to the current row and persists the result
	// in one transaction holding the row lock.
	UpdatePosition(ctx context.Context, id string, fn func(*model.Position) error) (model.Position, error)

	LogTrade(ctx context.Context, trade model.Trade) error
	ListTrades(ctx context.Context, filter TradeFilter) ([]model.Trade, error)

	LogBalances(ctx context.Context, balances []model.Balance) error
}
