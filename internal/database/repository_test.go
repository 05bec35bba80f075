package database

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"arbiter/internal/model"
)

var (
	repo *PostgresRepository
)

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()

	// Define the PostgreSQL container request
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpassword",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		log.Fatalf("could not start postgres container: %s", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("could not stop postgres container: %s", err)
		}
	}()

	host, err := pgContainer.Host(ctx)
	if err != nil {
		log.Fatalf("could not get container host: %s", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		log.Fatalf("could not get mapped port: %s", err)
	}

	connStr := "postgres://testuser:testpassword@" + host + ":" + port.Port() + "/testdb?sslmode=disable"
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("could not connect to database: %s", err)
	}
	defer pool.Close()

	repo = &PostgresRepository{Pool: pool}
	if err := repo.Migrate(ctx); err != nil {
		log.Fatalf("could not migrate database: %s", err)
	}

	return m.Run()
}

func newPosition(symbol string, ts time.Time) model.Position {
	return model.Position{
		ID:            uuid.NewString(),
		Symbol:        symbol,
		Exchange:      "binance",
		Amount:        0.5,
		BuyPrice:      100,
		StopLossPrice: 98,
		Timestamp:     ts,
	}
}

func TestPostgresRepository_MigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, repo.Migrate(ctx))

	var count int
	err := repo.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPostgresRepository_LogPrices(t *testing.T) {
	ctx := context.Background()
	ts := time.Now().UTC().Truncate(time.Microsecond)

	err := repo.LogPrices(ctx, []model.Price{
		{Symbol: "SOL/USDT", Exchange: "binance", Price: 150, Volume: 1000, Timestamp: ts},
		{Symbol: "SOL/USDT", Exchange: "binance", Price: 151, Volume: 3000, Timestamp: ts},
		{Symbol: "SOL/USDT", Exchange: "kraken", Price: 150.5, Volume: 40, Timestamp: ts},
	})
	require.NoError(t, err)

	marker := model.Opportunity{
		Type:         model.OpportunityArbitrage,
		BuyExchange:  "binance",
		SellExchange: "binance-futures",
		Symbol:       "SOL/USDT",
		BuyPrice:     150,
		SellPrice:    160,
		Amount:       9_999,
		Profit:       5,
	}.Marker(ts)
	require.NoError(t, repo.LogPrice(ctx, marker))

	var exchange, typ string
	var profit float64
	err = repo.Pool.QueryRow(ctx,
		"SELECT exchange, opportunity_type, profit FROM prices WHERE opportunity_type IS NOT NULL AND symbol = 'SOL/USDT'",
	).Scan(&exchange, &typ, &profit)
	require.NoError(t, err)
	assert.Equal(t, "binance -> binance-futures", exchange)
	assert.Equal(t, "arbitrage", typ)
	assert.Equal(t, 5.0, profit)

	stats, err := repo.VolumeStats(ctx, ts.Add(-time.Minute))
	require.NoError(t, err)

	bySource := map[string]model.VolumeStat{}
	for _, s := range stats {
		if s.Symbol == "SOL/USDT" {
			bySource[s.Exchange] = s
		}
	}
	require.Len(t, bySource, 2, "markers are excluded from volume statistics")
	assert.Equal(t, 2000.0, bySource["binance"].Avg)
	assert.Equal(t, 1000.0, bySource["binance"].Min)
	assert.Equal(t, 3000.0, bySource["binance"].Max)
	assert.Equal(t, int64(2), bySource["binance"].Samples)
	assert.Equal(t, int64(1), bySource["kraken"].Samples)
}

func TestPostgresRepository_PositionLifecycle(t *testing.T) {
	ctx := context.Background()
	pos := newPosition("ETH/USDT", time.Now().UTC().Truncate(time.Microsecond))
	require.NoError(t, repo.CreatePosition(ctx, pos))

	got, err := repo.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.False(t, got.Closed)
	assert.Nil(t, got.SellPrice)
	assert.Nil(t, got.Profit)

	open, err := repo.ListOpenPositions(ctx)
	require.NoError(t, err)
	assert.Contains(t, positionIDs(open), pos.ID)

	closed, err := repo.UpdatePosition(ctx, pos.ID, func(p *model.Position) error {
		return p.Close(97, -1.5)
	})
	require.NoError(t, err)
	assert.True(t, closed.Closed)
	require.NotNil(t, closed.SellPrice)
	assert.Equal(t, 97.0, *closed.SellPrice)

	got, err = repo.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, got.Closed)
	require.NotNil(t, got.Profit)
	assert.Equal(t, -1.5, *got.Profit)

	open, err = repo.ListOpenPositions(ctx)
	require.NoError(t, err)
	assert.NotContains(t, positionIDs(open), pos.ID)

	_, err = repo.UpdatePosition(ctx, pos.ID, func(p *model.Position) error {
		return p.Close(200, 50)
	})
	assert.ErrorIs(t, err, model.ErrPositionClosed)

	_, err = repo.UpdatePosition(ctx, pos.ID, func(p *model.Position) error {
		p.Closed = false
		return nil
	})
	assert.ErrorIs(t, err, model.ErrPositionClosed)

	got, err = repo.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, got.Closed)
	assert.Equal(t, 97.0, *got.SellPrice)
}

func TestPostgresRepository_ClosedPositionCannotReopenInSQL(t *testing.T) {
	ctx := context.Background()
	pos := newPosition("ADA/USDT", time.Now().UTC())
	require.NoError(t, repo.CreatePosition(ctx, pos))
	_, err := repo.UpdatePosition(ctx, pos.ID, func(p *model.Position) error {
		return p.Close(1, 0)
	})
	require.NoError(t, err)

	_, err = repo.Pool.Exec(ctx,
		"UPDATE positions SET closed = FALSE, sell_price = NULL, profit = NULL WHERE id = $1", pos.ID)
	assert.Error(t, err)
}

func TestPostgresRepository_GetPositionNotFound(t *testing.T) {
	_, err := repo.GetPosition(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.UpdatePosition(context.Background(), uuid.NewString(), func(*model.Position) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresRepository_Trades(t *testing.T) {
	ctx := context.Background()
	pos := newPosition("XRP/USDT", time.Now().UTC())
	require.NoError(t, repo.CreatePosition(ctx, pos))

	orderID := "42"
	failure := "insufficient balance"
	base := time.Now().UTC().Truncate(time.Microsecond)
	buy := model.Trade{
		ID: uuid.NewString(), PositionID: pos.ID, Symbol: "XRP/USDT", Exchange: "binance",
		Side: model.SideBuy, Amount: 10, Price: 0.5, Timestamp: base, Success: true, OrderID: &orderID,
	}
	sell := model.Trade{
		ID: uuid.NewString(), PositionID: pos.ID, Symbol: "XRP/USDT", Exchange: "binance-futures",
		Side: model.SideSell, Amount: 10, Price: 0.55, Timestamp: base.Add(time.Second), Success: false, Error: &failure,
	}
	require.NoError(t, repo.LogTrade(ctx, buy))
	require.NoError(t, repo.LogTrade(ctx, sell))

	trades, err := repo.ListTrades(ctx, TradeFilter{PositionID: pos.ID})
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, sell.ID, trades[0].ID, "newest first")
	assert.Equal(t, model.SideSell, trades[0].Side)
	require.NotNil(t, trades[0].Error)
	assert.Equal(t, failure, *trades[0].Error)
	assert.Nil(t, trades[0].OrderID)
	require.NotNil(t, trades[1].OrderID)
	assert.Equal(t, "42", *trades[1].OrderID)

	failed := false
	trades, err = repo.ListTrades(ctx, TradeFilter{PositionID: pos.ID, Success: &failed})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, sell.ID, trades[0].ID)

	trades, err = repo.ListTrades(ctx, TradeFilter{PositionID: pos.ID, Exchange: "binance", Limit: 5})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, buy.ID, trades[0].ID)
}

func TestPostgresRepository_TradeWithoutPosition(t *testing.T) {
	ctx := context.Background()
	tr := model.Trade{
		ID: uuid.NewString(), Symbol: "DOT/USDT", Exchange: "kraken",
		Side: model.SideBuy, Amount: 1, Price: 5, Timestamp: time.Now().UTC(), Success: true,
	}
	require.NoError(t, repo.LogTrade(ctx, tr))

	trades, err := repo.ListTrades(ctx, TradeFilter{Exchange: "kraken"})
	require.NoError(t, err)
	require.NotEmpty(t, trades)
	assert.Equal(t, "", trades[0].PositionID)
}

func TestPostgresRepository_LogBalances(t *testing.T) {
	ctx := context.Background()
	ts := time.Now().UTC()
	err := repo.LogBalances(ctx, []model.Balance{
		{Exchange: "gate", Asset: "USDT", Amount: 250, Timestamp: ts},
		{Exchange: "gate", Asset: "BTC", Amount: 0.01, Timestamp: ts},
	})
	require.NoError(t, err)
	require.NoError(t, repo.LogBalances(ctx, nil))

	var count int
	err = repo.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM balances WHERE exchange = 'gate'").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func positionIDs(positions []model.Position) []string {
	ids := make([]string, 0, len(positions))
	for _, p := range positions {
		ids = append(ids, p.ID)
	}
	return ids
}
