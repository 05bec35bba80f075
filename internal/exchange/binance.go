package exchange

import (
	"context"
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

	"github.com/gorilla/websocket"
)

const (
	binanceSpotURL        = "https://api.binance.com"
	binanceSpotTestURL    = "https://testnet.binance.vision"
	binanceSpotWSURL      = "wss://stream.binance.com:9443/stream"
	binanceSpotTestWSURL  = "wss://testnet.binance.vision/stream"
	binanceFuturesURL     = "https://fapi.binance.com"
	binanceFuturesTestURL = "https://testnet.binancefuture.com"
	binanceFuturesWSURL   = "wss://fstream.binance.com/stream"
	binanceFuturesTestWS  = "wss://stream.binancefuture.com/stream"

	binanceQuantityPlaces = 5
)

type binancePaths struct {
	ticker, book, order, account, openOrders, exchangeInfo string
}

var (
	binanceSpotPaths = binancePaths{
		ticker:       "/api/v3/ticker/24hr",
		book:         "/api/v3/ticker/bookTicker",
		order:        "/api/v3/order",
		account:      "/api/v3/account",
		openOrders:   "/api/v3/openOrders",
		exchangeInfo: "/api/v3/exchangeInfo",
	}
	binanceFuturesPaths = binancePaths{
		ticker:       "/fapi/v1/ticker/24hr",
		book:         "/fapi/v1/ticker/bookTicker",
		order:        "/fapi/v1/order",
		account:      "/fapi/v2/balance",
		openOrders:   "/fapi/v1/openOrders",
		exchangeInfo: "/fapi/v1/exchangeInfo",
	}
)

// BinanceClient implements Venue for Binance spot and USDⓈ-M perpetual futures.
type BinanceClient struct {
	logger    *slog.Logger
	rest      *restClient
	wsURL     string
	paths     binancePaths
	desc      Descriptor
	apiKey    string
	apiSecret string
}

// NewBinanceClient creates a spot BinanceClient. test selects the Binance testnet.
func NewBinanceClient(logger *slog.Logger, apiKey, apiSecret string, test bool) *BinanceClient {
	baseURL, wsURL := binanceSpotURL, binanceSpotWSURL
	if test {
		baseURL, wsURL = binanceSpotTestURL, binanceSpotTestWSURL
	}
	return &BinanceClient{
		logger:    logger,
		rest:      newRESTClient("binance", baseURL),
		wsURL:     wsURL,
		paths:     binanceSpotPaths,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		desc: Descriptor{
			Name:        "binance",
			Kind:        KindSpot,
			Sizing:      SizeByQuantity,
			MinNotional: 5,
			Streaming:   true,
		},
	}
}

// NewBinanceFuturesClient creates a BinanceClient for USDⓈ-M perpetual futures.
func NewBinanceFuturesClient(logger *slog.Logger, apiKey, apiSecret string, test bool) *BinanceClient {
	baseURL, wsURL := binanceFuturesURL, binanceFuturesWSURL
	if test {
		baseURL, wsURL = binanceFuturesTestURL, binanceFuturesTestWS
	}
	return &BinanceClient{
		logger:    logger,
		rest:      newRESTClient("binance-futures", baseURL),
		wsURL:     wsURL,
		paths:     binanceFuturesPaths,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		desc: Descriptor{
			Name:        "binance-futures",
			Kind:        KindDerivatives,
			Sizing:      SizeByQuantity,
			MinNotional: 5,
			Streaming:   true,
		},
	}
}

func (b *BinanceClient) Descriptor() Descriptor {
	return b.desc
}

func toBinanceSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

func (b *BinanceClient) public(ctx context.Context, path string, params url.Values, out any) error {
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	req, err := b.rest.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return b.rest.do(req, out)
}

func (b *BinanceClient) signed(ctx context.Context, method, path string, params url.Values, out any) error {
	if b.apiKey == "" || b.apiSecret == "" {
		return fmt.Errorf("%s: %w", b.desc.Name, ErrNoCredentials)
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")
	query := params.Encode()
	query += "&signature=" + hmacSHA256Hex(b.apiSecret, query)

	req, err := b.rest.newRequest(ctx, method, path+"?"+query, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", b.apiKey)
	return b.rest.do(req, out)
}

// Quote returns the last price and 24h base volume.
func (b *BinanceClient) Quote(ctx context.Context, symbol string) (Quote, error) {
	var resp struct {
		LastPrice string `json:"lastPrice"`
		Volume    string `json:"volume"`
	}
	err := b.public(ctx, b.paths.ticker, url.Values{"symbol": {toBinanceSymbol(symbol)}}, &resp)
	if err != nil {
		return Quote{}, b.symbolError(symbol, err)
	}
	return quoteFromStrings(b.desc.Name, symbol, resp.LastPrice, resp.Volume)
}

// OrderBook returns the best bid and ask.
func (b *BinanceClient) OrderBook(ctx context.Context, symbol string) (OrderBook, error) {
	var resp struct {
		BidPrice string `json:"bidPrice"`
		BidQty   string `json:"bidQty"`
		AskPrice string `json:"askPrice"`
		AskQty   string `json:"askQty"`
	}
	err := b.public(ctx, b.paths.book, url.Values{"symbol": {toBinanceSymbol(symbol)}}, &resp)
	if err != nil {
		return OrderBook{}, b.symbolError(symbol, err)
	}
	bid, err := levelFromStrings(resp.BidPrice, resp.BidQty)
	if err != nil {
		return OrderBook{}, fmt.Errorf("%s: %s bid: %w", b.desc.Name, symbol, err)
	}
	ask, err := levelFromStrings(resp.AskPrice, resp.AskQty)
	if err != nil {
		return OrderBook{}, fmt.Errorf("%s: %s ask: %w", b.desc.Name, symbol, err)
	}
	return OrderBook{Symbol: symbol, BestBid: bid, BestAsk: ask}, nil
}

// Binance answers unknown symbols with HTTP 400 and code -1121.
func (b *BinanceClient) symbolError(symbol string, err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && strings.Contains(apiErr.Body, "-1121") {
		return fmt.Errorf("%s: %s: %w", b.desc.Name, symbol, ErrUnsupportedSymbol)
	}
	return err
}

type binanceOrderResponse struct {
	OrderID             int64  `json:"orderId"`
	Status              string `json:"status"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	AvgPrice            string `json:"avgPrice"`
}

func (b *BinanceClient) marketOrder(ctx context.Context, symbol, side string, quantity float64) (OrderResult, error) {
	params := url.Values{
		"symbol":   {toBinanceSymbol(symbol)},
		"side":     {side},
		"type":     {"MARKET"},
		"quantity": {formatAmount(quantity, binanceQuantityPlaces)},
	}
	var resp binanceOrderResponse
	if err := b.signed(ctx, http.MethodPost, b.paths.order, params, &resp); err != nil {
		return OrderResult{}, err
	}

	res := OrderResult{
		ID:     strconv.FormatInt(resp.OrderID, 10),
		Symbol: symbol,
		Side:   strings.ToLower(side),
		Amount: quantity,
		Status: resp.Status,
	}
	executed, _ := parseNumber(resp.ExecutedQty)
	if executed > 0 {
		res.Amount = executed
		if quoteQty, err := parseNumber(resp.CummulativeQuoteQty); err == nil && quoteQty > 0 {
			res.AvgPrice = quoteQty / executed
		}
	}
	if res.AvgPrice == 0 && resp.AvgPrice != "" {
		res.AvgPrice, _ = parseNumber(resp.AvgPrice)
	}
	return res, nil
}

// MarketBuy places a market buy for a base quantity.
func (b *BinanceClient) MarketBuy(ctx context.Context, symbol string, amount float64) (OrderResult, error) {
	return b.marketOrder(ctx, symbol, "BUY", amount)
}

// MarketSell places a market sell for a base quantity.
func (b *BinanceClient) MarketSell(ctx context.Context, symbol string, amount float64) (OrderResult, error) {
	return b.marketOrder(ctx, symbol, "SELL", amount)
}

// Balances returns free balances keyed by asset.
func (b *BinanceClient) Balances(ctx context.Context) (map[string]float64, error) {
	out := make(map[string]float64)
	if b.desc.Kind == KindDerivatives {
		var resp []struct {
			Asset            string `json:"asset"`
			AvailableBalance string `json:"availableBalance"`
		}
		if err := b.signed(ctx, http.MethodGet, b.paths.account, nil, &resp); err != nil {
			return nil, err
		}
		for _, bal := range resp {
			if v, err := parseNumber(bal.AvailableBalance); err == nil && v != 0 {
				out[bal.Asset] = v
			}
		}
		return out, nil
	}

	var resp struct {
		Balances []struct {
			Asset string `json:"asset"`
			Free  string `json:"free"`
		} `json:"balances"`
	}
	if err := b.signed(ctx, http.MethodGet, b.paths.account, nil, &resp); err != nil {
		return nil, err
	}
	for _, bal := range resp.Balances {
		if v, err := parseNumber(bal.Free); err == nil && v != 0 {
			out[bal.Asset] = v
		}
	}
	return out, nil
}

// OpenOrders lists resting orders for symbol.
func (b *BinanceClient) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	var resp []struct {
		OrderID int64  `json:"orderId"`
		Side    string `json:"side"`
		OrigQty string `json:"origQty"`
		Price   string `json:"price"`
		Status  string `json:"status"`
	}
	params := url.Values{"symbol": {toBinanceSymbol(symbol)}}
	if err := b.signed(ctx, http.MethodGet, b.paths.openOrders, params, &resp); err != nil {
		return nil, err
	}
	orders := make([]Order, 0, len(resp))
	for _, o := range resp {
		qty, _ := parseNumber(o.OrigQty)
		price, _ := parseNumber(o.Price)
		orders = append(orders, Order{
			ID:     strconv.FormatInt(o.OrderID, 10),
			Symbol: symbol,
			Side:   strings.ToLower(o.Side),
			Amount: qty,
			Price:  price,
			Status: o.Status,
		})
	}
	return orders, nil
}

// CancelOrder cancels a resting order.
func (b *BinanceClient) CancelOrder(ctx context.Context, id, symbol string) error {
	params := url.Values{"symbol": {toBinanceSymbol(symbol)}, "orderId": {id}}
	return b.signed(ctx, http.MethodDelete, b.paths.order, params, nil)
}

// Symbols lists tradable symbols (perpetual contracts only on futures).
func (b *BinanceClient) Symbols(ctx context.Context) ([]string, error) {
	var resp struct {
		Symbols []struct {
			Status       string `json:"status"`
			ContractType string `json:"contractType"`
			BaseAsset    string `json:"baseAsset"`
			QuoteAsset   string `json:"quoteAsset"`
		} `json:"symbols"`
	}
	if err := b.public(ctx, b.paths.exchangeInfo, nil, &resp); err != nil {
		return nil, err
	}
	var out []string
	for _, s := range resp.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		if b.desc.Kind == KindDerivatives && s.ContractType != "PERPETUAL" {
			continue
		}
		out = append(out, s.BaseAsset+"/"+s.QuoteAsset)
	}
	sort.Strings(out)
	return out, nil
}

// StartStream connects to the Binance combined ticker stream and pushes quotes
// for symbols until ctx is cancelled, reconnecting with backoff.
func (b *BinanceClient) StartStream(ctx context.Context, symbols []string, quotes chan<- Quote) error {
	bySymbol := make(map[string]string, len(symbols))
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		bs := toBinanceSymbol(s)
		bySymbol[bs] = s
		streams = append(streams, strings.ToLower(bs)+"@ticker")
	}
	wsURL := b.wsURL + "?streams=" + strings.Join(streams, "/")

	dial := func(ctx context.Context) (*websocket.Conn, error) {
		c, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		return c, err
	}
	parse := func(message []byte) ([]Quote, error) {
		var msg struct {
			Data struct {
				Symbol string `json:"s"`
				Last   string `json:"c"`
				Volume string `json:"v"`
			} `json:"data"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			return nil, err
		}
		symbol, ok := bySymbol[msg.Data.Symbol]
		if !ok {
			return nil, nil
		}
		q, err := quoteFromStrings(b.desc.Name, symbol, msg.Data.Last, msg.Data.Volume)
		if err != nil {
			return nil, err
		}
		return []Quote{q}, nil
	}
	return runStream(ctx, b.logger, b.desc.Name, dial, parse, quotes)
}
