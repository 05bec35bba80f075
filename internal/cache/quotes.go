// Package cache mirrors each polling cycle's quotes into Redis.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"arbiter/internal/config"
	"arbiter/internal/exchange"
)

// errNotFound is returned when no mirrored quote exists for a venue and symbol.
var errNotFound = errors.New("cache: quote not found")

// QuoteMirror stores quotes as hashes at "quote:{venue}:{symbol}" with fields
// "last", "volume" and "ts" (Unix nanoseconds). Keys expire after ttl.
type QuoteMirror struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewQuoteMirror connects to Redis and verifies the connection.
func NewQuoteMirror(ctx context.Context, cfg config.RedisConfig) (*QuoteMirror, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &QuoteMirror{rdb: rdb, ttl: cfg.TTL}, nil
}

func quoteKey(venue, symbol string) string {
	return "quote:" + venue + ":" + symbol
}

// Mirror writes all quotes of one venue in a single pipeline.
func (m *QuoteMirror) Mirror(ctx context.Context, venue string, quotes []exchange.Quote) error {
	if len(quotes) == 0 {
		return nil
	}
	pipe := m.rdb.Pipeline()
	for _, q := range quotes {
		key := quoteKey(venue, q.Symbol)
		pipe.HSet(ctx, key, map[string]interface{}{
			"last":   strconv.FormatFloat(q.Last, 'f', -1, 64),
			"volume": strconv.FormatFloat(q.BaseVolume, 'f', -1, 64),
			"ts":     strconv.FormatInt(q.Timestamp.UnixNano(), 10),
		})
		if m.ttl > 0 {
			pipe.Expire(ctx, key, m.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: mirror %d quotes for %s: %w", len(quotes), venue, err)
	}
	return nil
}

// latest reads back the mirrored quote of symbol on venue.
func (m *QuoteMirror) latest(ctx context.Context, venue, symbol string) (exchange.Quote, error) {
	vals, err := m.rdb.HGetAll(ctx, quoteKey(venue, symbol)).Result()
	if err != nil {
		return exchange.Quote{}, fmt.Errorf("redis: get quote %s@%s: %w", symbol, venue, err)
	}
	if len(vals) == 0 {
		return exchange.Quote{}, errNotFound
	}

	last, err := strconv.ParseFloat(vals["last"], 64)
	if err != nil {
		return exchange.Quote{}, fmt.Errorf("redis: parse last %s@%s: %w", symbol, venue, err)
	}
	volume, err := strconv.ParseFloat(vals["volume"], 64)
	if err != nil {
		return exchange.Quote{}, fmt.Errorf("redis: parse volume %s@%s: %w", symbol, venue, err)
	}
	ts, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return exchange.Quote{}, fmt.Errorf("redis: parse ts %s@%s: %w", symbol, venue, err)
	}
	return exchange.Quote{Symbol: symbol, Last: last, BaseVolume: volume, Timestamp: time.Unix(0, ts)}, nil
}

// Close closes the Redis connection.
func (m *QuoteMirror) Close() error {
	return m.rdb.Close()
}
