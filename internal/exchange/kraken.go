package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
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
	krakenURL          = "https://api.kraken.com"
	krakenWSURL        = "wss://ws.kraken.com"
	krakenVolumePlaces = 8
)

// KrakenClient implements Venue for Kraken spot. Kraken has no public spot
// sandbox, so in test mode orders are sent with validate=true and never executed.
type KrakenClient struct {
	logger    *slog.Logger
	rest      *restClient
	wsURL     string
	desc      Descriptor
	apiKey    string
	apiSecret string
	validate  bool
}

// NewKrakenClient creates a new KrakenClient.
func NewKrakenClient(logger *slog.Logger, apiKey, apiSecret string, test bool) *KrakenClient {
	return &KrakenClient{
		logger:    logger,
		rest:      newRESTClient("kraken", krakenURL),
		wsURL:     krakenWSURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		validate:  test,
		desc: Descriptor{
			Name:        "kraken",
			Kind:        KindSpot,
			Sizing:      SizeByQuantity,
			MinNotional: 5,
			Streaming:   true,
		},
	}
}

func (k *KrakenClient) Descriptor() Descriptor {
	return k.desc
}

var krakenAssetAliases = map[string]string{"BTC": "XBT", "DOGE": "XDG"}

func toKrakenAsset(asset string) string {
	if alias, ok := krakenAssetAliases[asset]; ok {
		return alias
	}
	return asset
}

// fromKrakenAsset normalises Kraken asset codes such as XXBT or ZUSD.
func fromKrakenAsset(asset string) string {
	if len(asset) == 4 && (asset[0] == 'X' || asset[0] == 'Z') {
		asset = asset[1:]
	}
	for std, alias := range krakenAssetAliases {
		if asset == alias {
			return std
		}
	}
	return asset
}

// toKrakenPair converts BTC/USDT to XBTUSDT (REST) and XBT/USDT (WebSocket).
func toKrakenPair(symbol string) (rest, ws string) {
	base, quote, ok := SplitSymbol(symbol)
	if !ok {
		return symbol, symbol
	}
	base, quote = toKrakenAsset(base), toKrakenAsset(quote)
	return base + quote, base + "/" + quote
}

type krakenEnvelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

func (k *KrakenClient) unwrap(env krakenEnvelope, out any) error {
	if len(env.Error) > 0 {
		msg := strings.Join(env.Error, "; ")
		switch {
		case strings.Contains(msg, "Unknown asset pair"):
			return fmt.Errorf("%s: %s: %w", k.desc.Name, msg, ErrUnsupportedSymbol)
		case strings.Contains(msg, "Rate limit"):
			return fmt.Errorf("%s: %s: %w", k.desc.Name, msg, ErrRateLimited)
		case strings.HasPrefix(msg, "EService"):
			return fmt.Errorf("%s: %s: %w", k.desc.Name, msg, ErrUnavailable)
		default:
			return fmt.Errorf("%s: %s: %w", k.desc.Name, msg, ErrOrderRejected)
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("%s: decode result: %w: %w", k.desc.Name, ErrNoData, err)
	}
	return nil
}

func (k *KrakenClient) public(ctx context.Context, method string, params url.Values, out any) error {
	req, err := k.rest.newRequest(ctx, http.MethodGet, "/0/public/"+method+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	var env krakenEnvelope
	if err := k.rest.do(req, &env); err != nil {
		return err
	}
	return k.unwrap(env, out)
}

// private signs a request as API-Sign = HMAC-SHA512(path + SHA256(nonce + body)).
func (k *KrakenClient) private(ctx context.Context, method string, params url.Values, out any) error {
	if k.apiKey == "" || k.apiSecret == "" {
		return fmt.Errorf("%s: %w", k.desc.Name, ErrNoCredentials)
	}
	secret, err := base64.StdEncoding.DecodeString(k.apiSecret)
	if err != nil {
		return fmt.Errorf("%s: decode api secret: %w", k.desc.Name, err)
	}
	if params == nil {
		params = url.Values{}
	}
	nonce := strconv.FormatInt(time.Now().UnixMilli(), 10)
	params.Set("nonce", nonce)
	body := params.Encode()
	path := "/0/private/" + method

	digest := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(digest[:])

	req, err := k.rest.newRequest(ctx, http.MethodPost, path, strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("API-Key", k.apiKey)
	req.Header.Set("API-Sign", base64.StdEncoding.EncodeToString(mac.Sum(nil)))

	var env krakenEnvelope
	if err := k.rest.do(req, &env); err != nil {
		return err
	}
	return k.unwrap(env, out)
}

// Quote returns the last trade price and 24h volume.
func (k *KrakenClient) Quote(ctx context.Context, symbol string) (Quote, error) {
	pair, _ := toKrakenPair(symbol)
	var result map[string]struct {
		C []string `json:"c"`
		V []string `json:"v"`
	}
	if err := k.public(ctx, "Ticker", url.Values{"pair": {pair}}, &result); err != nil {
		return Quote{}, err
	}
	for _, t := range result {
		if len(t.C) == 0 || len(t.V) < 2 {
			break
		}
		return quoteFromStrings(k.desc.Name, symbol, t.C[0], t.V[1])
	}
	return Quote{}, fmt.Errorf("%s: %s: %w", k.desc.Name, symbol, ErrNoData)
}

// OrderBook returns the best bid and ask.
func (k *KrakenClient) OrderBook(ctx context.Context, symbol string) (OrderBook, error) {
	pair, _ := toKrakenPair(symbol)
	var result map[string]struct {
		Asks [][]any `json:"asks"`
		Bids [][]any `json:"bids"`
	}
	if err := k.public(ctx, "Depth", url.Values{"pair": {pair}, "count": {"1"}}, &result); err != nil {
		return OrderBook{}, err
	}
	for _, book := range result {
		bid, bidErr := krakenLevel(book.Bids)
		ask, askErr := krakenLevel(book.Asks)
		if bidErr != nil || askErr != nil {
			break
		}
		return OrderBook{Symbol: symbol, BestBid: bid, BestAsk: ask}, nil
	}
	return OrderBook{}, fmt.Errorf("%s: %s empty book: %w", k.desc.Name, symbol, ErrNoData)
}

// Depth levels are [price, volume, timestamp] with strings for price and volume.
func krakenLevel(levels [][]any) (Level, error) {
	if len(levels) == 0 || len(levels[0]) < 2 {
		return Level{}, ErrNoData
	}
	price, ok1 := levels[0][0].(string)
	size, ok2 := levels[0][1].(string)
	if !ok1 || !ok2 {
		return Level{}, ErrNoData
	}
	return levelFromStrings(price, size)
}

func (k *KrakenClient) marketOrder(ctx context.Context, symbol, side string, volume float64) (OrderResult, error) {
	pair, _ := toKrakenPair(symbol)
	params := url.Values{
		"pair":      {pair},
		"type":      {side},
		"ordertype": {"market"},
		"volume":    {formatAmount(volume, krakenVolumePlaces)},
	}
	if k.validate {
		params.Set("validate", "true")
	}
	var result struct {
		TxID []string `json:"txid"`
	}
	if err := k.private(ctx, "AddOrder", params, &result); err != nil {
		return OrderResult{}, err
	}
	res := OrderResult{Symbol: symbol, Side: side, Amount: volume, Status: "submitted"}
	if len(result.TxID) > 0 {
		res.ID = result.TxID[0]
	}
	if k.validate {
		res.Status = "validated"
	}
	return res, nil
}

// MarketBuy places a market buy for a base volume.
func (k *KrakenClient) MarketBuy(ctx context.Context, symbol string, amount float64) (OrderResult, error) {
	return k.marketOrder(ctx, symbol, "buy", amount)
}

// MarketSell places a market sell for a base volume.
func (k *KrakenClient) MarketSell(ctx context.Context, symbol string, amount float64) (OrderResult, error) {
	return k.marketOrder(ctx, symbol, "sell", amount)
}

// Balances returns balances keyed by normalised asset code.
func (k *KrakenClient) Balances(ctx context.Context) (map[string]float64, error) {
	var result map[string]string
	if err := k.private(ctx, "Balance", nil, &result); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(result))
	for asset, amount := range result {
		if v, err := parseNumber(amount); err == nil && v != 0 {
			out[fromKrakenAsset(asset)] += v
		}
	}
	return out, nil
}

// OpenOrders lists open orders, filtered to symbol.
func (k *KrakenClient) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	var result struct {
		Open map[string]struct {
			Status string `json:"status"`
			Vol    string `json:"vol"`
			Descr  struct {
				Pair  string `json:"pair"`
				Type  string `json:"type"`
				Price string `json:"price"`
			} `json:"descr"`
		} `json:"open"`
	}
	if err := k.private(ctx, "OpenOrders", nil, &result); err != nil {
		return nil, err
	}
	pair, _ := toKrakenPair(symbol)
	var orders []Order
	for id, o := range result.Open {
		if o.Descr.Pair != pair {
			continue
		}
		vol, _ := parseNumber(o.Vol)
		price, _ := parseNumber(o.Descr.Price)
		orders = append(orders, Order{ID: id, Symbol: symbol, Side: o.Descr.Type, Amount: vol, Price: price, Status: o.Status})
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	return orders, nil
}

// CancelOrder cancels an open order by transaction id.
func (k *KrakenClient) CancelOrder(ctx context.Context, id, symbol string) error {
	return k.private(ctx, "CancelOrder", url.Values{"txid": {id}}, nil)
}

// Symbols lists tradable pairs in BASE/QUOTE form.
func (k *KrakenClient) Symbols(ctx context.Context) ([]string, error) {
	var result map[string]struct {
		WSName string `json:"wsname"`
		Status string `json:"status"`
	}
	if err := k.public(ctx, "AssetPairs", url.Values{}, &result); err != nil {
		return nil, err
	}
	var out []string
	for _, p := range result {
		if p.Status != "" && p.Status != "online" {
			continue
		}
		base, quote, ok := SplitSymbol(p.WSName)
		if !ok {
			continue
		}
		out = append(out, fromKrakenAsset(base)+"/"+fromKrakenAsset(quote))
	}
	sort.Strings(out)
	return out, nil
}

// StartStream connects to the Kraken WebSocket API and streams ticker quotes.
func (k *KrakenClient) StartStream(ctx context.Context, symbols []string, quotes chan<- Quote) error {
	byPair := make(map[string]string, len(symbols))
	pairs := make([]string, 0, len(symbols))
	for _, s := range symbols {
		_, ws := toKrakenPair(s)
		byPair[ws] = s
		pairs = append(pairs, ws)
	}

	dial := func(ctx context.Context) (*websocket.Conn, error) {
		c, _, err := websocket.DefaultDialer.DialContext(ctx, k.wsURL, nil)
		if err != nil {
			return nil, err
		}
		subscription := map[string]any{
			"event":        "subscribe",
			"pair":         pairs,
			"subscription": map[string]string{"name": "ticker"},
		}
		if err := c.WriteJSON(subscription); err != nil {
			c.Close()
			return nil, fmt.Errorf("send subscription: %w", err)
		}
		return c, nil
	}

	// Ticker updates arrive as [channelID, tickerData, "ticker", pair];
	// events such as subscriptionStatus and heartbeat are JSON objects.
	parse := func(message []byte) ([]Quote, error) {
		if len(message) == 0 || message[0] != '[' {
			return nil, nil
		}
		var frame []json.RawMessage
		if err := json.Unmarshal(message, &frame); err != nil {
			return nil, err
		}
		if len(frame) < 4 {
			return nil, nil
		}
		var pair string
		if err := json.Unmarshal(frame[len(frame)-1], &pair); err != nil {
			return nil, err
		}
		symbol, ok := byPair[pair]
		if !ok {
			return nil, nil
		}
		var ticker struct {
			C []string `json:"c"`
			V []string `json:"v"`
		}
		if err := json.Unmarshal(frame[1], &ticker); err != nil {
			return nil, err
		}
		if len(ticker.C) == 0 || len(ticker.V) < 2 {
			return nil, nil
		}
		q, err := quoteFromStrings(k.desc.Name, symbol, ticker.C[0], ticker.V[1])
		if err != nil {
			return nil, err
		}
		return []Quote{q}, nil
	}
	return runStream(ctx, k.logger, k.desc.Name, dial, parse, quotes)
}
