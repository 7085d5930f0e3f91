// Package kucoin adapts the KuCoin spot REST and WebSocket APIs to the
// exchange interfaces of the engine.
package kucoin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/triarb/internal/crypto"
	"github.com/alanyoungcy/triarb/internal/domain"
)

const (
	symbolsPath   = "/api/v1/symbols"
	orderbookPath = "/api/v1/market/orderbook/level2_100"
	ordersPath    = "/api/v1/orders"
	feesPath      = "/api/v1/trade-fees"
	accountsPath  = "/api/v1/accounts"
	bulletPublic  = "/api/v1/bullet-public"
	bulletPrivate = "/api/v1/bullet-private"

	// feeBatchSize is the most symbols trade-fees accepts per request.
	feeBatchSize = 10

	rateLimitKey = "kucoin:rest"
)

// ClientConfig configures the REST client.
type ClientConfig struct {
	BaseURL string
	// Auth may be nil for a public-data-only client.
	Auth *crypto.HMACAuth
	// Limiter, when set, is consulted before every request with
	// RequestLimit requests per RequestWindow.
	Limiter       domain.RateLimiter
	RequestLimit  int
	RequestWindow time.Duration
	Timeout       time.Duration
}

// Client is the REST client for the KuCoin spot API. It handles market
// data, trade fees, balances and order placement.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       *crypto.HMACAuth
	limiter    domain.RateLimiter
	limit      int
	window     time.Duration
}

// NewClient creates a new REST client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestLimit <= 0 {
		cfg.RequestLimit = 30
	}
	if cfg.RequestWindow <= 0 {
		cfg.RequestWindow = 3 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		auth:       cfg.Auth,
		limiter:    cfg.Limiter,
		limit:      cfg.RequestLimit,
		window:     cfg.RequestWindow,
	}
}

// Authenticated reports whether private endpoints can be called.
func (c *Client) Authenticated() bool { return c.auth != nil && c.auth.Configured() }

// Symbols lists every spot symbol with its sizing metadata.
func (c *Client) Symbols(ctx context.Context) ([]domain.PairInfo, error) {
	data, err := c.do(ctx, http.MethodGet, symbolsPath, nil, nil, false)
	if err != nil {
		return nil, fmt.Errorf("kucoin: symbols: %w", err)
	}
	var symbols []APISymbol
	if err := json.Unmarshal(data, &symbols); err != nil {
		return nil, fmt.Errorf("kucoin: decode symbols: %w", err)
	}
	out := make([]domain.PairInfo, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, s.ToDomainPairInfo())
	}
	return out, nil
}

// OrderBookSnapshot fetches the top 100 levels of each side of pair.
func (c *Client) OrderBookSnapshot(ctx context.Context, pair domain.Pair) (domain.BookSnapshot, error) {
	q := url.Values{"symbol": {pair.String()}}
	data, err := c.do(ctx, http.MethodGet, orderbookPath, q, nil, false)
	if err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("kucoin: orderbook %s: %w", pair, err)
	}
	var book APIOrderBook
	if err := json.Unmarshal(data, &book); err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("kucoin: decode orderbook %s: %w", pair, err)
	}
	snap, err := book.ToDomainSnapshot(pair)
	if err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("kucoin: orderbook %s: %w", pair, err)
	}
	return snap, nil
}

// PairFees returns the taker fee of every pair, querying in batches.
func (c *Client) PairFees(ctx context.Context, pairs []domain.Pair) (map[domain.Pair]float64, error) {
	out := make(map[domain.Pair]float64, len(pairs))
	for start := 0; start < len(pairs); start += feeBatchSize {
		end := min(start+feeBatchSize, len(pairs))
		symbols := make([]string, 0, end-start)
		for _, p := range pairs[start:end] {
			symbols = append(symbols, p.String())
		}
		q := url.Values{"symbols": {strings.Join(symbols, ",")}}
		data, err := c.do(ctx, http.MethodGet, feesPath, q, nil, true)
		if err != nil {
			return out, fmt.Errorf("kucoin: trade fees: %w", err)
		}
		var fees []APIFee
		if err := json.Unmarshal(data, &fees); err != nil {
			return out, fmt.Errorf("kucoin: decode trade fees: %w", err)
		}
		for _, f := range fees {
			pair, err := domain.ParsePair(f.Symbol)
			if err != nil {
				continue
			}
			rate, err := strconv.ParseFloat(f.TakerFeeRate, 64)
			if err != nil {
				continue
			}
			out[pair] = rate
		}
	}
	return out, nil
}

// Balances returns the available balance of every trade account.
func (c *Client) Balances(ctx context.Context) (map[string]float64, error) {
	q := url.Values{"type": {"trade"}}
	data, err := c.do(ctx, http.MethodGet, accountsPath, q, nil, true)
	if err != nil {
		return nil, fmt.Errorf("kucoin: accounts: %w", err)
	}
	var accounts []APIAccount
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("kucoin: decode accounts: %w", err)
	}
	out := make(map[string]float64, len(accounts))
	for _, a := range accounts {
		if a.Type != "trade" {
			continue
		}
		v, err := strconv.ParseFloat(a.Available, 64)
		if err != nil {
			continue
		}
		out[a.Currency] = v
	}
	return out, nil
}

// SubmitMarketOrder places a market order. A BUY amount is funds in the quote
// currency, a SELL amount is size in the base currency.
func (c *Client) SubmitMarketOrder(ctx context.Context, pair domain.Pair, side domain.Side, amount, clientOID string) (string, error) {
	req := apiOrderRequest{
		ClientOid: clientOID,
		Side:      string(side),
		Symbol:    pair.String(),
		Type:      string(domain.OrderTypeMarket),
	}
	if side == domain.SideBuy {
		req.Funds = amount
	} else {
		req.Size = amount
	}
	return c.placeOrder(ctx, req)
}

// SubmitLimitOrder places a limit order for amount of the base currency.
func (c *Client) SubmitLimitOrder(ctx context.Context, pair domain.Pair, side domain.Side, amount, price string, tif domain.TimeInForce, clientOID string) (string, error) {
	return c.placeOrder(ctx, apiOrderRequest{
		ClientOid:   clientOID,
		Side:        string(side),
		Symbol:      pair.String(),
		Type:        string(domain.OrderTypeLimit),
		Price:       price,
		Size:        amount,
		TimeInForce: string(tif),
	})
}

func (c *Client) placeOrder(ctx context.Context, req apiOrderRequest) (string, error) {
	data, err := c.do(ctx, http.MethodPost, ordersPath, nil, req, true)
	if err != nil {
		return "", fmt.Errorf("kucoin: place %s %s: %w", req.Side, req.Symbol, err)
	}
	var res apiOrderResult
	if err := json.Unmarshal(data, &res); err != nil {
		return "", fmt.Errorf("kucoin: decode order result: %w", err)
	}
	if res.OrderID == "" {
		return "", fmt.Errorf("kucoin: place %s %s: empty order id: %w", req.Side, req.Symbol, domain.ErrInvalidOrder)
	}
	return res.OrderID, nil
}

// Bullet is a WebSocket connect token and the server to use it on.
type Bullet struct {
	Endpoint     string
	Token        string
	PingInterval time.Duration
}

// URL returns the dial URL for connectID.
func (b Bullet) URL(connectID string) string {
	return b.Endpoint + "?token=" + url.QueryEscape(b.Token) + "&connectId=" + url.QueryEscape(connectID)
}

// Bullet requests a WebSocket token. Private tokens can subscribe to order
// and balance topics.
func (c *Client) Bullet(ctx context.Context, private bool) (Bullet, error) {
	path := bulletPublic
	if private {
		path = bulletPrivate
	}
	data, err := c.do(ctx, http.MethodPost, path, nil, nil, private)
	if err != nil {
		return Bullet{}, fmt.Errorf("kucoin: bullet: %w", err)
	}
	var b apiBullet
	if err := json.Unmarshal(data, &b); err != nil {
		return Bullet{}, fmt.Errorf("kucoin: decode bullet: %w", err)
	}
	if len(b.InstanceServers) == 0 || b.Token == "" {
		return Bullet{}, fmt.Errorf("kucoin: bullet: no instance servers: %w", domain.ErrWSDisconnect)
	}
	srv := b.InstanceServers[0]
	return Bullet{
		Endpoint:     srv.Endpoint,
		Token:        b.Token,
		PingInterval: time.Duration(srv.PingInterval) * time.Millisecond,
	}, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// do builds, optionally signs, sends and unwraps a request. It returns the
// envelope's data field.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, signed bool) (json.RawMessage, error) {
	if signed && !c.Authenticated() {
		return nil, fmt.Errorf("%s requires credentials: %w", path, domain.ErrUnauthorized)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, rateLimitKey, c.limit, c.window); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	endpoint := path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var bodyReader io.Reader
	var bodyStr string
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if signed {
		for k, v := range c.auth.Headers(method, endpoint, bodyStr) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	var env apiResponse
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Code {
	case codeOK:
		return env.Data, nil
	case codeTooManyRequests:
		return nil, fmt.Errorf("%w: %s", domain.ErrRateLimited, env.Msg)
	default:
		return nil, fmt.Errorf("code %s: %s", env.Code, env.Msg)
	}
}

// checkHTTPStatus maps non-2xx status codes to appropriate domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
