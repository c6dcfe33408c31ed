package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const usedWeightHeader = "X-Mbx-Used-Weight-1m"

// Client talks to the Binance USDT-M futures REST API. Every call
// reserves its request weight before going out and reconciles the
// limiter with the server's used-weight header afterwards.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *RateLimiter
	logger     zerolog.Logger
}

// NewClient builds a futures market-data client. apiKey may be empty;
// all endpoints used here are public.
func NewClient(baseURL, apiKey string, limiter *RateLimiter, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		limiter: limiter,
		logger:  logger.With().Str("component", "binance_client").Logger(),
	}
}

// Limiter exposes the shared rate limiter for status reporting.
func (c *Client) Limiter() *RateLimiter { return c.limiter }

// get performs one rate-limited GET with retries on transient
// failures. 418/429 trip the ban gate and are not retried here.
func (c *Client) get(ctx context.Context, path string, params url.Values, weight int, out interface{}) error {
	if err := c.limiter.Reserve(ctx, weight); err != nil {
		return err
	}

	op := func() error {
		err := c.doOnce(ctx, path, params, out)
		if err == nil {
			return nil
		}
		if isRetryable(err) {
			return err // retryable
		}
		return backoff.Permanent(err)
	}

	bo := backoff.WithContext(newBackoff(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return err
	}
	return nil
}

const maxRetries = 5

// newBackoff waits 1s, 2s, 4s, ... capped at 30s, for at most
// maxRetries attempts after the first.
func newBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	return backoff.WithMaxRetries(bo, maxRetries)
}

func isRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

func (c *Client) doOnce(ctx context.Context, path string, params url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%w: building request: %v", ErrBadRequest, err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if used := resp.Header.Get(usedWeightHeader); used != "" {
		if v, convErr := strconv.Atoi(used); convErr == nil {
			c.limiter.ObserveUsed(v)
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrTransient, err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{HTTPStatus: resp.StatusCode}
		var parsed struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(body, &parsed) == nil {
			apiErr.Code = parsed.Code
			apiErr.Message = parsed.Msg
		}

		if resp.StatusCode == 418 || resp.StatusCode == 429 {
			banUntil := time.Time{}
			if ms := ParseBanUntil(apiErr.Message); ms > 0 {
				banUntil = time.UnixMilli(ms)
			} else if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, convErr := strconv.Atoi(ra); convErr == nil {
					banUntil = time.Now().Add(time.Duration(secs) * time.Second)
				}
			}
			c.limiter.TripBan(banUntil)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", ErrTransient, path, err)
	}
	return nil
}

// Klines fetches up to limit settled candles ending before endTime.
// A zero endTime means "latest". Candles come back oldest-first.
func (c *Client) Klines(ctx context.Context, symbol, interval string, startTime, endTime int64, limit int) ([]Kline, error) {
	if limit <= 0 {
		limit = 500
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))
	if startTime > 0 {
		params.Set("startTime", strconv.FormatInt(startTime, 10))
	}
	if endTime > 0 {
		params.Set("endTime", strconv.FormatInt(endTime, 10))
	}

	var raw [][]interface{}
	if err := c.get(ctx, "/fapi/v1/klines", params, KlinesWeight(limit), &raw); err != nil {
		return nil, fmt.Errorf("klines %s %s: %w", symbol, interval, err)
	}

	klines := make([]Kline, 0, len(raw))
	for _, row := range raw {
		k, err := parseKlineRow(row)
		if err != nil {
			return nil, fmt.Errorf("klines %s %s: %w", symbol, interval, err)
		}
		klines = append(klines, k)
	}
	return klines, nil
}

func parseKlineRow(row []interface{}) (Kline, error) {
	if len(row) < 11 {
		return Kline{}, fmt.Errorf("%w: kline row has %d fields", ErrBadRequest, len(row))
	}
	var k Kline
	var err error

	num := func(v interface{}) (float64, error) {
		s, ok := v.(string)
		if !ok {
			return 0, fmt.Errorf("%w: expected string price field, got %T", ErrBadRequest, v)
		}
		return strconv.ParseFloat(s, 64)
	}
	millis := func(v interface{}) (int64, error) {
		f, ok := v.(float64)
		if !ok {
			return 0, fmt.Errorf("%w: expected numeric time field, got %T", ErrBadRequest, v)
		}
		return int64(f), nil
	}

	if k.OpenTime, err = millis(row[0]); err != nil {
		return Kline{}, err
	}
	if k.Open, err = num(row[1]); err != nil {
		return Kline{}, err
	}
	if k.High, err = num(row[2]); err != nil {
		return Kline{}, err
	}
	if k.Low, err = num(row[3]); err != nil {
		return Kline{}, err
	}
	if k.Close, err = num(row[4]); err != nil {
		return Kline{}, err
	}
	if k.Volume, err = num(row[5]); err != nil {
		return Kline{}, err
	}
	if k.CloseTime, err = millis(row[6]); err != nil {
		return Kline{}, err
	}
	if k.QuoteVolume, err = num(row[7]); err != nil {
		return Kline{}, err
	}
	if trades, ok := row[8].(float64); ok {
		k.Trades = int64(trades)
	}
	if k.TakerBuyVolume, err = num(row[9]); err != nil {
		return Kline{}, err
	}
	if k.TakerBuyQuoteVol, err = num(row[10]); err != nil {
		return Kline{}, err
	}
	return k, nil
}

// Depth fetches an order book snapshot.
func (c *Client) Depth(ctx context.Context, symbol string, limit int) (*DepthSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(limit))

	var raw struct {
		LastUpdateID int64      `json:"lastUpdateId"`
		Bids         [][]string `json:"bids"`
		Asks         [][]string `json:"asks"`
	}
	if err := c.get(ctx, "/fapi/v1/depth", params, DepthWeight(limit), &raw); err != nil {
		return nil, fmt.Errorf("depth %s: %w", symbol, err)
	}

	snap := &DepthSnapshot{
		Symbol:       symbol,
		LastUpdateID: raw.LastUpdateID,
		Bids:         make([]DepthLevel, 0, len(raw.Bids)),
		Asks:         make([]DepthLevel, 0, len(raw.Asks)),
	}
	for _, lvl := range raw.Bids {
		dl, err := parseDepthLevel(lvl)
		if err != nil {
			return nil, fmt.Errorf("depth %s: %w", symbol, err)
		}
		snap.Bids = append(snap.Bids, dl)
	}
	for _, lvl := range raw.Asks {
		dl, err := parseDepthLevel(lvl)
		if err != nil {
			return nil, fmt.Errorf("depth %s: %w", symbol, err)
		}
		snap.Asks = append(snap.Asks, dl)
	}
	return snap, nil
}

func parseDepthLevel(lvl []string) (DepthLevel, error) {
	if len(lvl) < 2 {
		return DepthLevel{}, fmt.Errorf("%w: malformed depth level", ErrBadRequest)
	}
	price, err := strconv.ParseFloat(lvl[0], 64)
	if err != nil {
		return DepthLevel{}, fmt.Errorf("%w: depth price: %v", ErrBadRequest, err)
	}
	qty, err := strconv.ParseFloat(lvl[1], 64)
	if err != nil {
		return DepthLevel{}, fmt.Errorf("%w: depth qty: %v", ErrBadRequest, err)
	}
	return DepthLevel{Price: price, Qty: qty}, nil
}

// PremiumIndex fetches the mark price for one symbol.
func (c *Client) PremiumIndex(ctx context.Context, symbol string) (*MarkPrice, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var mp MarkPrice
	if err := c.get(ctx, "/fapi/v1/premiumIndex", params, weightMarkPrice, &mp); err != nil {
		return nil, fmt.Errorf("premiumIndex %s: %w", symbol, err)
	}
	return &mp, nil
}

// Ticker24hAll fetches the 24h rolling stats for every symbol. This
// is the expensive all-symbols form (weight 40); the engine calls it
// once per universe refresh.
func (c *Client) Ticker24hAll(ctx context.Context) ([]Ticker24h, error) {
	var tickers []Ticker24h
	if err := c.get(ctx, "/fapi/v1/ticker/24hr", nil, weightTicker24hAll, &tickers); err != nil {
		return nil, fmt.Errorf("ticker24hr: %w", err)
	}
	return tickers, nil
}

// ExchangeInfo fetches the symbol catalogue.
func (c *Client) ExchangeInfo(ctx context.Context) ([]SymbolInfo, error) {
	var raw struct {
		Symbols []SymbolInfo `json:"symbols"`
	}
	if err := c.get(ctx, "/fapi/v1/exchangeInfo", nil, weightExchangeInfo, &raw); err != nil {
		return nil, fmt.Errorf("exchangeInfo: %w", err)
	}
	return raw.Symbols, nil
}
