package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/tidwall/gjson"

	"github.com/johnayoung/go-marketdata-fetcher/internal/config"
	apperrors "github.com/johnayoung/go-marketdata-fetcher/internal/errors"
	"github.com/johnayoung/go-marketdata-fetcher/internal/models"
	"github.com/johnayoung/go-marketdata-fetcher/internal/signer"
)

const (
	defaultBaseURL = "https://api.binance.com"

	KlinesEndpoint    = "/api/v3/klines"
	AggTradesEndpoint = "/api/v3/aggTrades"

	apiKeyHeader     = "X-MBX-APIKEY"
	usedWeightHeader = "X-MBX-USED-WEIGHT-1M"
	userAgent        = "go-marketdata-fetcher/1.0"

	maxResponseBytes   = 32 << 20
	healthCheckTimeout = 10 * time.Second
)

// BinanceClient talks to the Binance spot REST API. Page requests go through net/http
// so the caller controls signing and query encoding; metadata calls use go-binance.
type BinanceClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	sdk        *binance.Client
	breaker    *apperrors.CircuitBreaker
	observer   RequestObserver
	logger     *slog.Logger
}

// Option configures a BinanceClient.
type Option func(*BinanceClient)

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *BinanceClient) { c.logger = logger }
}

// WithHTTPClient replaces the HTTP client built from configuration.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *BinanceClient) { c.httpClient = hc }
}

// WithCircuitBreaker guards page requests with cb.
func WithCircuitBreaker(cb *apperrors.CircuitBreaker) Option {
	return func(c *BinanceClient) { c.breaker = cb }
}

// WithObserver reports every request's status and latency to o.
func WithObserver(o RequestObserver) Option {
	return func(c *BinanceClient) { c.observer = o }
}

// NewBinanceClient creates a client for cfg.BaseURL.
func NewBinanceClient(cfg config.APIConfig, opts ...Option) (*BinanceClient, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", cfg.BaseURL, err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 10
	if cfg.ProxyURL != "" {
		proxy, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &BinanceClient{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "exchange")

	c.sdk = binance.NewClient(cfg.APIKey, cfg.APISecret)
	c.sdk.BaseURL = baseURL
	c.sdk.HTTPClient = c.httpClient
	c.sdk.UserAgent = userAgent
	c.sdk.Logger = slog.NewLogLogger(c.logger.Handler(), slog.LevelDebug)

	return c, nil
}

// Klines fetches one page of candles.
func (c *BinanceClient) Klines(ctx context.Context, params Params) ([]models.Candle, error) {
	body, err := c.get(ctx, KlinesEndpoint, params)
	if err != nil {
		return nil, err
	}
	return parseKlines(body)
}

// AggTrades fetches one page of aggregated trades.
func (c *BinanceClient) AggTrades(ctx context.Context, params Params) ([]models.Trade, error) {
	body, err := c.get(ctx, AggTradesEndpoint, params)
	if err != nil {
		return nil, err
	}
	return parseAggTrades(body)
}

func (c *BinanceClient) get(ctx context.Context, endpoint string, params Params) ([]byte, error) {
	var body []byte
	call := func() error {
		var err error
		body, err = c.doGet(ctx, endpoint, params)
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Call(call)
	} else {
		err = call()
	}
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *BinanceClient) doGet(ctx context.Context, endpoint string, params Params) ([]byte, error) {
	requestURL := c.baseURL + endpoint
	if q := signer.Encode(params); q != "" {
		requestURL += "?" + q
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, apperrors.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		err = fmt.Errorf("request %s failed: %w", endpoint, err)
		c.observe(endpoint, 0, start, err)
		return nil, err
	}
	defer resp.Body.Close()

	if w, perr := strconv.Atoi(resp.Header.Get(usedWeightHeader)); perr == nil && c.observer != nil {
		c.observer.ObserveUsedWeight(w)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		err = fmt.Errorf("failed to read %s response: %w", endpoint, err)
		c.observe(endpoint, resp.StatusCode, start, err)
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := parseAPIError(endpoint, resp, raw)
		c.observe(endpoint, resp.StatusCode, start, apiErr)
		c.logger.DebugContext(ctx, "request rejected",
			"endpoint", endpoint,
			"status", resp.StatusCode,
			"code", apiErr.Code,
			"retry_after", apiErr.RetryAfter)
		return nil, apiErr
	}

	c.observe(endpoint, resp.StatusCode, start, nil)
	return raw, nil
}

func (c *BinanceClient) observe(endpoint string, status int, start time.Time, err error) {
	if c.observer != nil {
		c.observer.ObserveRequest(endpoint, status, time.Since(start), err)
	}
}

// HealthCheck pings the API, reads the server clock and looks up symbol.
func (c *BinanceClient) HealthCheck(ctx context.Context, symbol string) (*HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	start := time.Now()
	if err := c.sdk.NewPingService().Do(ctx); err != nil {
		return nil, fmt.Errorf("ping failed: %w", err)
	}
	status := &HealthStatus{Latency: time.Since(start)}

	before := time.Now()
	serverMs, err := c.sdk.NewServerTimeService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("server time request failed: %w", err)
	}
	after := time.Now()
	status.ServerTime = time.UnixMilli(serverMs).UTC()
	status.ClockOffset = status.ServerTime.Sub(before.Add(after.Sub(before) / 2))

	if symbol == "" {
		return status, nil
	}

	info, err := c.sdk.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("exchange info request failed: %w", err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		status.Symbol = s.Symbol
		status.SymbolStatus = s.Status
		status.Tradable = s.Status == string(binance.SymbolStatusTypeTrading)
		status.BaseAsset = s.BaseAsset
		status.QuoteAsset = s.QuoteAsset
		return status, nil
	}
	return nil, fmt.Errorf("symbol %s is not listed", symbol)
}

// parseAPIError builds an APIError from a non-2xx response. Binance error bodies look
// like {"code":-1121,"msg":"Invalid symbol."}.
func parseAPIError(endpoint string, resp *http.Response, raw []byte) *apperrors.APIError {
	apiErr := &apperrors.APIError{
		Endpoint:   endpoint,
		StatusCode: resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}

	if gjson.ValidBytes(raw) {
		apiErr.Code = int(gjson.GetBytes(raw, "code").Int())
		apiErr.Message = gjson.GetBytes(raw, "msg").String()
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(raw))
		if len(apiErr.Message) > 200 {
			apiErr.Message = apiErr.Message[:200]
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// parseKlines decodes [[openTime, "open", "high", "low", "close", "volume", closeTime, ...], ...].
func parseKlines(raw []byte) ([]models.Candle, error) {
	if !gjson.ValidBytes(raw) {
		return nil, apperrors.Permanent(fmt.Errorf("klines: malformed json payload"))
	}
	res := gjson.ParseBytes(raw)
	if !res.IsArray() {
		return nil, apperrors.Permanent(fmt.Errorf("klines: expected array, got %s", res.Type))
	}

	rows := res.Array()
	candles := make([]models.Candle, 0, len(rows))
	for i, row := range rows {
		fields := row.Array()
		if !row.IsArray() || len(fields) < 6 {
			return nil, apperrors.Permanent(fmt.Errorf("klines: row %d has %d fields, want at least 6", i, len(fields)))
		}
		candles = append(candles, models.Candle{
			OpenTime: time.UnixMilli(fields[0].Int()).UTC(),
			Open:     fields[1].String(),
			High:     fields[2].String(),
			Low:      fields[3].String(),
			Close:    fields[4].String(),
			Volume:   fields[5].String(),
		})
	}
	return candles, nil
}

func parseAggTrades(raw []byte) ([]models.Trade, error) {
	var rows []binance.AggTrade
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, apperrors.Permanent(fmt.Errorf("aggTrades: malformed payload: %w", err))
	}

	trades := make([]models.Trade, 0, len(rows))
	for _, r := range rows {
		trades = append(trades, models.Trade{
			ID:           r.AggTradeID,
			Timestamp:    time.UnixMilli(r.Timestamp).UTC(),
			Price:        r.Price,
			Quantity:     r.Quantity,
			IsBuyerMaker: r.IsBuyerMaker,
		})
	}
	return trades, nil
}
