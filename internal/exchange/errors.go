package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	ErrUnsupportedSymbol = errors.New("unsupported symbol")
	ErrNoData            = errors.New("no data")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnavailable       = errors.New("venue unavailable")
	ErrOrderRejected     = errors.New("order rejected")
	ErrNoCredentials     = errors.New("missing api credentials")
)

// APIError carries the HTTP status and raw body of a failed venue call.
type APIError struct {
	Venue  string
	Status int
	Body   string
	kind   error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: http %d: %s", e.Venue, e.Status, e.Body)
}

func (e *APIError) Unwrap() error {
	return e.kind
}

func newAPIError(venue string, status int, body string) *APIError {
	var kind error
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		kind = ErrRateLimited
	case status >= 500:
		kind = ErrUnavailable
	default:
		kind = ErrOrderRejected
	}
	return &APIError{Venue: venue, Status: status, Body: body, kind: kind}
}

// IsTransient reports whether err is worth waiting out until the next cycle
// (timeouts, rate limits, outages) as opposed to a data problem.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
