package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

const defaultHTTPTimeout = 10 * time.Second

// restClient is the HTTP plumbing shared by all REST venues.
type restClient struct {
	name    string
	baseURL string
	http    *http.Client
}

func newRESTClient(name, baseURL string) *restClient {
	return &restClient{
		name:    name,
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultHTTPTimeout},
	}
}

func (c *restClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request %s: %w", c.name, path, err)
	}
	return req, nil
}

// do sends req and decodes a JSON response into out (which may be nil).
func (c *restClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %s %s: %w", c.name, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%s: read %s: %w", c.name, req.URL.Path, err)
	}
	if resp.StatusCode >= 300 {
		return newAPIError(c.name, resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode %s: %w: %w", c.name, req.URL.Path, ErrNoData, err)
	}
	return nil
}

// parseNumber parses a venue-formatted decimal string.
func parseNumber(s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrNoData, s)
	}
	f, _ := d.Float64()
	return f, nil
}

// formatAmount renders an order amount truncated to the given number of decimal places,
// so an order never asks for more than was sized.
func formatAmount(v float64, places int32) string {
	return decimal.NewFromFloat(v).Truncate(places).String()
}

// validPrice rejects zero, negative, NaN and infinite prices.
func validPrice(p float64) bool {
	return p > 0 && !math.IsNaN(p) && !math.IsInf(p, 0)
}

func quoteFromStrings(venue, symbol, last, volume string) (Quote, error) {
	price, err := parseNumber(last)
	if err != nil {
		return Quote{}, fmt.Errorf("%s: %s last price: %w", venue, symbol, err)
	}
	if !validPrice(price) {
		return Quote{}, fmt.Errorf("%s: %s last price %v: %w", venue, symbol, price, ErrNoData)
	}
	vol, err := parseNumber(volume)
	if err != nil {
		return Quote{}, fmt.Errorf("%s: %s volume: %w", venue, symbol, err)
	}
	return Quote{Symbol: symbol, Last: price, BaseVolume: vol, Timestamp: time.Now()}, nil
}

func levelFromStrings(price, size string) (Level, error) {
	p, err := parseNumber(price)
	if err != nil {
		return Level{}, err
	}
	s, err := parseNumber(size)
	if err != nil {
		return Level{}, err
	}
	return Level{Price: p, Size: s}, nil
}

func hmacSHA256Hex(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func hmacSHA512Hex(secret, payload string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
