package exchange

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const maxStreamBackoff = 16 * time.Second

type dialFunc func(ctx context.Context) (*websocket.Conn, error)

// parseFunc turns one WebSocket message into zero or more quotes.
type parseFunc func(message []byte) ([]Quote, error)

// runStream keeps a WebSocket connection alive until ctx is cancelled,
// reconnecting with exponential backoff, and forwards parsed quotes.
func runStream(ctx context.Context, logger *slog.Logger, name string, dial dialFunc, parse parseFunc, quotes chan<- Quote) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			logger.Info("Stream: context cancelled, shutting down", "venue", name)
			return nil
		}

		logger.Info("Stream: connecting to WebSocket", "venue", name, "backoff", backoff)
		c, err := dial(ctx)
		if err != nil {
			logger.Error("Stream: WebSocket connection failed", "venue", name, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
				backoff *= 2
				if backoff > maxStreamBackoff {
					backoff = maxStreamBackoff
				}
			}
			continue
		}

		// Reset backoff on successful connection
		backoff = time.Second
		logger.Info("Stream: connected successfully", "venue", name)

		if done := readStream(ctx, logger, name, c, parse, quotes); done {
			return nil
		}
	}
}

// readStream pumps messages from c until the connection fails (returns false)
// or ctx is cancelled (returns true).
func readStream(ctx context.Context, logger *slog.Logger, name string, c *websocket.Conn, parse parseFunc, quotes chan<- Quote) bool {
	defer c.Close()

	// ReadMessage blocks, so close the connection to unblock it on cancellation.
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true
			}
			logger.Error("Stream: failed to read message", "venue", name, "error", err)
			return false
		}

		parsed, err := parse(message)
		if err != nil {
			logger.Warn("Stream: failed to parse message", "venue", name, "error", err)
			continue
		}
		for _, q := range parsed {
			select {
			case quotes <- q:
				logger.Debug("Stream: sent quote", "venue", name, "symbol", q.Symbol, "last", q.Last)
			case <-ctx.Done():
				return true
			}
		}
	}
}

// StreamedVenue serves quotes from a WebSocket stream and falls back to the
// wrapped venue's REST quote when the streamed value is missing or stale.
type StreamedVenue struct {
	Venue
	streamer Streamer
	logger   *slog.Logger
	maxAge   time.Duration
	now      func() time.Time

	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewStreamedVenue wraps v when it declares and implements streaming.
// ok is false when v cannot stream, in which case v should be used as is.
func NewStreamedVenue(v Venue, logger *slog.Logger, maxAge time.Duration) (sv *StreamedVenue, ok bool) {
	streamer, isStreamer := v.(Streamer)
	if !isStreamer || !v.Descriptor().Streaming {
		return nil, false
	}
	return &StreamedVenue{
		Venue:    v,
		streamer: streamer,
		logger:   logger,
		maxAge:   maxAge,
		now:      time.Now,
		quotes:   make(map[string]Quote),
	}, true
}

// Run streams quotes for symbols until ctx is cancelled.
func (s *StreamedVenue) Run(ctx context.Context, symbols []string) error {
	ch := make(chan Quote, 256)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.streamer.StartStream(ctx, symbols, ch)
	}()

	for {
		select {
		case q := <-ch:
			s.mu.Lock()
			s.quotes[q.Symbol] = q
			s.mu.Unlock()
		case err := <-errCh:
			return err
		}
	}
}

// Quote returns the streamed quote when fresh enough, otherwise asks the venue.
func (s *StreamedVenue) Quote(ctx context.Context, symbol string) (Quote, error) {
	s.mu.RLock()
	q, ok := s.quotes[symbol]
	s.mu.RUnlock()
	if ok && s.now().Sub(q.Timestamp) <= s.maxAge {
		return q, nil
	}
	return s.Venue.Quote(ctx, symbol)
}
