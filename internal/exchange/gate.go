package exchange

import (
	"bytes"
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	gateHost        = "https://api.gateio.ws"
	gateTestHost    = "https://api-testnet.gateapi.io"
	gateAPIPrefix   = "/api/v4"
	gateBasePlaces  = 6
	gateQuotePlaces = 4
)

// GateClient implements Venue for Gate spot. Gate sizes market buys by the
// quote-currency amount to spend, not by base quantity.
type GateClient struct {
	logger    *slog.Logger
	rest      *restClient
	desc      Descriptor
	apiKey    string
	apiSecret string
}

// NewGateClient creates a new GateClient. test selects the Gate testnet.
func NewGateClient(logger *slog.Logger, apiKey, apiSecret string, test bool) *GateClient {
	host := gateHost
	if test {
		host = gateTestHost
	}
	return &GateClient{
		logger:    logger,
		rest:      newRESTClient("gate", host+gateAPIPrefix),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		desc: Descriptor{
			Name:        "gate",
			Kind:        KindSpot,
			Sizing:      SizeByNotional,
			MinNotional: 3,
		},
	}
}

func (g *GateClient) Descriptor() Descriptor {
	return g.desc
}

// toGateSymbol converts BTC/USDT to BTC_USDT.
func toGateSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "_")
}

// fromGateSymbol converts BTC_USDT back to BTC/USDT.
func fromGateSymbol(pair string) string {
	return strings.ReplaceAll(pair, "_", "/")
}

func (g *GateClient) public(ctx context.Context, path string, params url.Values, out any) error {
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	req, err := g.rest.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return g.rest.do(req, out)
}

// signed sends an authenticated request using Gate's APIv4 HMAC-SHA512 scheme.
func (g *GateClient) signed(ctx context.Context, method, path string, params url.Values, body any, out any) error {
	if g.apiKey == "" || g.apiSecret == "" {
		return fmt.Errorf("%s: %w", g.desc.Name, ErrNoCredentials)
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", g.desc.Name, err)
		}
	}
	query := params.Encode()
	bodyHash := sha512.Sum512(payload)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	signature := hmacSHA512Hex(g.apiSecret, strings.Join([]string{
		method, gateAPIPrefix + path, query, hex.EncodeToString(bodyHash[:]), ts,
	}, "\n"))

	target := path
	if query != "" {
		target += "?" + query
	}
	req, err := g.rest.newRequest(ctx, method, target, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("KEY", g.apiKey)
	req.Header.Set("Timestamp", ts)
	req.Header.Set("SIGN", signature)
	return g.rest.do(req, out)
}

// Gate answers unknown pairs with label INVALID_CURRENCY_PAIR.
func (g *GateClient) symbolError(symbol string, err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && strings.Contains(apiErr.Body, "INVALID_CURRENCY") {
		return fmt.Errorf("%s: %s: %w", g.desc.Name, symbol, ErrUnsupportedSymbol)
	}
	return err
}

// Quote returns the last price and 24h base volume.
func (g *GateClient) Quote(ctx context.Context, symbol string) (Quote, error) {
	var resp []struct {
		Last       string `json:"last"`
		BaseVolume string `json:"base_volume"`
	}
	err := g.public(ctx, "/spot/tickers", url.Values{"currency_pair": {toGateSymbol(symbol)}}, &resp)
	if err != nil {
		return Quote{}, g.symbolError(symbol, err)
	}
	if len(resp) == 0 {
		return Quote{}, fmt.Errorf("%s: %s: %w", g.desc.Name, symbol, ErrUnsupportedSymbol)
	}
	return quoteFromStrings(g.desc.Name, symbol, resp[0].Last, resp[0].BaseVolume)
}

// OrderBook returns the best bid and ask.
func (g *GateClient) OrderBook(ctx context.Context, symbol string) (OrderBook, error) {
	var resp struct {
		Asks [][]string `json:"asks"`
		Bids [][]string `json:"bids"`
	}
	params := url.Values{"currency_pair": {toGateSymbol(symbol)}, "limit": {"1"}}
	if err := g.public(ctx, "/spot/order_book", params, &resp); err != nil {
		return OrderBook{}, g.symbolError(symbol, err)
	}
	if len(resp.Asks) == 0 || len(resp.Bids) == 0 || len(resp.Asks[0]) < 2 || len(resp.Bids[0]) < 2 {
		return OrderBook{}, fmt.Errorf("%s: %s empty book: %w", g.desc.Name, symbol, ErrNoData)
	}
	bid, err := levelFromStrings(resp.Bids[0][0], resp.Bids[0][1])
	if err != nil {
		return OrderBook{}, fmt.Errorf("%s: %s bid: %w", g.desc.Name, symbol, err)
	}
	ask, err := levelFromStrings(resp.Asks[0][0], resp.Asks[0][1])
	if err != nil {
		return OrderBook{}, fmt.Errorf("%s: %s ask: %w", g.desc.Name, symbol, err)
	}
	return OrderBook{Symbol: symbol, BestBid: bid, BestAsk: ask}, nil
}

type gateOrder struct {
	ID           string `json:"id"`
	CurrencyPair string `json:"currency_pair"`
	Side         string `json:"side"`
	Amount       string `json:"amount"`
	Price        string `json:"price"`
	Status       string `json:"status"`
	FilledAmount string `json:"filled_amount"`
	AvgDealPrice string `json:"avg_deal_price"`
}

func (g *GateClient) marketOrder(ctx context.Context, symbol, side, amount string) (OrderResult, error) {
	body := map[string]string{
		"currency_pair": toGateSymbol(symbol),
		"type":          "market",
		"side":          side,
		"amount":        amount,
		"time_in_force": "ioc",
	}
	var resp gateOrder
	if err := g.signed(ctx, http.MethodPost, "/spot/orders", url.Values{}, body, &resp); err != nil {
		return OrderResult{}, err
	}
	filled, _ := parseNumber(resp.FilledAmount)
	avg, _ := parseNumber(resp.AvgDealPrice)
	return OrderResult{
		ID:       resp.ID,
		Symbol:   symbol,
		Side:     side,
		Amount:   filled,
		AvgPrice: avg,
		Status:   resp.Status,
	}, nil
}

// MarketBuy spends amount of the quote currency.
func (g *GateClient) MarketBuy(ctx context.Context, symbol string, amount float64) (OrderResult, error) {
	return g.marketOrder(ctx, symbol, "buy", formatAmount(amount, gateQuotePlaces))
}

// MarketSell sells amount of the base currency.
func (g *GateClient) MarketSell(ctx context.Context, symbol string, amount float64) (OrderResult, error) {
	return g.marketOrder(ctx, symbol, "sell", formatAmount(amount, gateBasePlaces))
}

// Balances returns available balances keyed by currency.
func (g *GateClient) Balances(ctx context.Context) (map[string]float64, error) {
	var resp []struct {
		Currency  string `json:"currency"`
		Available string `json:"available"`
	}
	if err := g.signed(ctx, http.MethodGet, "/spot/accounts", url.Values{}, nil, &resp); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(resp))
	for _, a := range resp {
		if v, err := parseNumber(a.Available); err == nil && v != 0 {
			out[a.Currency] = v
		}
	}
	return out, nil
}

// OpenOrders lists open orders for symbol.
func (g *GateClient) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	var resp []gateOrder
	params := url.Values{"currency_pair": {toGateSymbol(symbol)}, "status": {"open"}}
	if err := g.signed(ctx, http.MethodGet, "/spot/orders", params, nil, &resp); err != nil {
		return nil, err
	}
	orders := make([]Order, 0, len(resp))
	for _, o := range resp {
		amount, _ := parseNumber(o.Amount)
		price, _ := parseNumber(o.Price)
		orders = append(orders, Order{
			ID:     o.ID,
			Symbol: fromGateSymbol(o.CurrencyPair),
			Side:   o.Side,
			Amount: amount,
			Price:  price,
			Status: o.Status,
		})
	}
	return orders, nil
}

// CancelOrder cancels an open order.
func (g *GateClient) CancelOrder(ctx context.Context, id, symbol string) error {
	params := url.Values{"currency_pair": {toGateSymbol(symbol)}}
	return g.signed(ctx, http.MethodDelete, "/spot/orders/"+url.PathEscape(id), params, nil, nil)
}

// Symbols lists tradable currency pairs.
func (g *GateClient) Symbols(ctx context.Context) ([]string, error) {
	var resp []struct {
		ID          string `json:"id"`
		TradeStatus string `json:"trade_status"`
	}
	if err := g.public(ctx, "/spot/currency_pairs", nil, &resp); err != nil {
		return nil, err
	}
	var out []string
	for _, p := range resp {
		if p.TradeStatus == "tradable" {
			out = append(out, fromGateSymbol(p.ID))
		}
	}
	sort.Strings(out)
	return out, nil
}
