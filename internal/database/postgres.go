package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"arbiter/internal/config"
	"arbiter/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresRepository implements Repository on a pgx connection pool.
type PostgresRepository struct {
	Pool *pgxpool.Pool
}

// NewPostgresRepository connects to PostgreSQL and verifies the connection.
func NewPostgresRepository(ctx context.Context, cfg config.DatabaseConfig) (*PostgresRepository, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &PostgresRepository{Pool: pool}, nil
}

// Close shuts down the connection pool.
func (r *PostgresRepository) Close() {
	r.Pool.Close()
}

// Migrate applies embedded SQL files in lexicographic order, recording each
// in schema_migrations so it runs once.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := r.Pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		if err := r.applyMigration(ctx, entry.Name()); err != nil {
			return err
		}
	}
	return nil
}

func (r *PostgresRepository) applyMigration(ctx context.Context, name string) error {
	var exists bool
	err := r.Pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)", name,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("postgres: check migration %s: %w", name, err)
	}
	if exists {
		return nil
	}

	data, err := migrationsFS.ReadFile("migrations/" + name)
	if err != nil {
		return fmt.Errorf("postgres: read migration %s: %w", name, err)
	}

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx for %s: %w", name, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, string(data)); err != nil {
		return fmt.Errorf("postgres: exec migration %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", name); err != nil {
		return fmt.Errorf("postgres: record migration %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit migration %s: %w", name, err)
	}
	return nil
}

func opportunityTypeText(t *model.OpportunityType) *string {
	if t == nil {
		return nil
	}
	s := string(*t)
	return &s
}

// LogPrice appends a single price observation or opportunity marker.
func (r *PostgresRepository) LogPrice(ctx context.Context, p model.Price) error {
	const query = `
		INSERT INTO prices (symbol, exchange, price, volume, timestamp, opportunity_type, profit)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.Pool.Exec(ctx, query,
		p.Symbol, p.Exchange, p.Price, p.Volume, p.Timestamp, opportunityTypeText(p.OpportunityType), p.Profit,
	)
	if err != nil {
		return fmt.Errorf("postgres: log price %s@%s: %w", p.Symbol, p.Exchange, err)
	}
	return nil
}

// LogPrices appends a batch of price observations with COPY.
func (r *PostgresRepository) LogPrices(ctx context.Context, prices []model.Price) error {
	if len(prices) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(prices))
	for _, p := range prices {
		rows = append(rows, []any{
			p.Symbol, p.Exchange, p.Price, p.Volume, p.Timestamp, opportunityTypeText(p.OpportunityType), p.Profit,
		})
	}
	_, err := r.Pool.CopyFrom(ctx,
		pgx.Identifier{"prices"},
		[]string{"symbol", "exchange", "price", "volume", "timestamp", "opportunity_type", "profit"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("postgres: copy %d prices: %w", len(prices), err)
	}
	return nil
}

// VolumeStats aggregates raw tick volumes per exchange and symbol since the given time.
func (r *PostgresRepository) VolumeStats(ctx context.Context, since time.Time) ([]model.VolumeStat, error) {
	const query = `
		SELECT exchange, symbol, AVG(volume), MIN(volume), MAX(volume), COUNT(*)
		FROM prices
		WHERE opportunity_type IS NULL AND timestamp >= $1
		GROUP BY exchange, symbol
		ORDER BY exchange, symbol`
	rows, err := r.Pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: volume stats: %w", err)
	}
	defer rows.Close()

	var stats []model.VolumeStat
	for rows.Next() {
		var s model.VolumeStat
		if err := rows.Scan(&s.Exchange, &s.Symbol, &s.Avg, &s.Min, &s.Max, &s.Samples); err != nil {
			return nil, fmt.Errorf("postgres: scan volume stats: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

const positionColumns = `id, symbol, exchange, amount, buy_price, stop_loss_price, sell_price, profit, timestamp, closed`

func scanPosition(row pgx.Row) (model.Position, error) {
	var p model.Position
	err := row.Scan(
		&p.ID, &p.Symbol, &p.Exchange, &p.Amount, &p.BuyPrice, &p.StopLossPrice,
		&p.SellPrice, &p.Profit, &p.Timestamp, &p.Closed,
	)
	return p, err
}

// CreatePosition inserts a new position.
func (r *PostgresRepository) CreatePosition(ctx context.Context, p model.Position) error {
	query := `INSERT INTO positions (` + positionColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.Pool.Exec(ctx, query,
		p.ID, p.Symbol, p.Exchange, p.Amount, p.BuyPrice, p.StopLossPrice,
		p.SellPrice, p.Profit, p.Timestamp, p.Closed,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// GetPosition retrieves a single position by id.
func (r *PostgresRepository) GetPosition(ctx context.Context, id string) (model.Position, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Position{}, ErrNotFound
	}
	if err != nil {
		return model.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListOpenPositions returns all positions with closed = false, oldest first.
func (r *PostgresRepository) ListOpenPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE NOT closed ORDER BY timestamp`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan open positions: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// UpdatePosition locks the row, applies fn and writes the result back.
// A closed position can never be written back as open.
func (r *PostgresRepository) UpdatePosition(ctx context.Context, id string, fn func(*model.Position) error) (model.Position, error) {
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return model.Position{}, fmt.Errorf("postgres: begin update position %s: %w", id, err)
	}
	defer tx.Rollback(ctx)

	p, err := scanPosition(tx.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Position{}, ErrNotFound
	}
	if err != nil {
		return model.Position{}, fmt.Errorf("postgres: lock position %s: %w", id, err)
	}

	wasClosed := p.Closed
	if err := fn(&p); err != nil {
		return model.Position{}, err
	}
	if wasClosed && !p.Closed {
		return model.Position{}, model.ErrPositionClosed
	}

	const query = `
		UPDATE positions SET
			amount          = $2,
			stop_loss_price = $3,
			sell_price      = $4,
			profit          = $5,
			closed          = $6
		WHERE id = $1`
	if _, err := tx.Exec(ctx, query, p.ID, p.Amount, p.StopLossPrice, p.SellPrice, p.Profit, p.Closed); err != nil {
		return model.Position{}, fmt.Errorf("postgres: update position %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Position{}, fmt.Errorf("postgres: commit position %s: %w", id, err)
	}
	return p, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// LogTrade appends one order attempt.
func (r *PostgresRepository) LogTrade(ctx context.Context, t model.Trade) error {
	const query = `
		INSERT INTO trades (id, position_id, symbol, exchange, side, amount, price, timestamp, success, error, order_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := r.Pool.Exec(ctx, query,
		t.ID, nullIfEmpty(t.PositionID), t.Symbol, t.Exchange, string(t.Side),
		t.Amount, t.Price, t.Timestamp, t.Success, t.Error, t.OrderID,
	)
	if err != nil {
		return fmt.Errorf("postgres: log trade %s: %w", t.ID, err)
	}
	return nil
}

// ListTrades returns trades matching filter, newest first.
func (r *PostgresRepository) ListTrades(ctx context.Context, filter TradeFilter) ([]model.Trade, error) {
	query := `SELECT id, position_id, symbol, exchange, side, amount, price, timestamp, success, error, order_id
		FROM trades WHERE TRUE`
	var args []any

	if filter.Success != nil {
		args = append(args, *filter.Success)
		query += fmt.Sprintf(" AND success = $%d", len(args))
	}
	if filter.Exchange != "" {
		args = append(args, filter.Exchange)
		query += fmt.Sprintf(" AND exchange = $%d", len(args))
	}
	if filter.PositionID != "" {
		args = append(args, filter.PositionID)
		query += fmt.Sprintf(" AND position_id = $%d", len(args))
	}
	query += " ORDER BY timestamp DESC, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var positionID *string
		var side string
		if err := rows.Scan(
			&t.ID, &positionID, &t.Symbol, &t.Exchange, &side,
			&t.Amount, &t.Price, &t.Timestamp, &t.Success, &t.Error, &t.OrderID,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan trades: %w", err)
		}
		if positionID != nil {
			t.PositionID = *positionID
		}
		t.Side = model.Side(side)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// LogBalances appends a balance snapshot in one batch.
func (r *PostgresRepository) LogBalances(ctx context.Context, balances []model.Balance) error {
	if len(balances) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, b := range balances {
		batch.Queue(`INSERT INTO balances (exchange, asset, amount, timestamp) VALUES ($1, $2, $3, $4)`,
			b.Exchange, b.Asset, b.Amount, b.Timestamp)
	}
	if err := r.Pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: log %d balances: %w", len(balances), err)
	}
	return nil
}

var _ Repository = (*PostgresRepository)(nil)
