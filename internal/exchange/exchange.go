// Package exchange defines the market data client used by the fetcher and its Binance
// REST implementation.
//
// The interfaces are deliberately small. The fetcher owns pagination, throttling,
// retries and signing; a client only turns one parameter set into one HTTP request and
// decodes one page of rows.
package exchange

import (
	"context"
	"time"

	"github.com/johnayoung/go-marketdata-fetcher/internal/models"
)

// Params is a request's query parameters. A signed request carries its
// "signature" entry, which is always sent last.
type Params map[string]string

// CandleFetcher retrieves one page of candles.
type CandleFetcher interface {
	// Klines requests candles for params ("symbol", "interval", "startTime", "endTime",
	// "limit", plus "timestamp", "recvWindow" and "signature" when signed).
	//
	// Rows are returned in the order the exchange sent them, oldest first. A page with
	// fewer rows than "limit" means no more data is available for the range.
	//
	// Failures are returned as *errors.APIError for non-2xx responses, as wrapped
	// network errors for transport failures, and as permanent errors for payloads
	// that cannot be decoded.
	Klines(ctx context.Context, params Params) ([]models.Candle, error)
}

// TradeFetcher retrieves one page of aggregated trades.
type TradeFetcher interface {
	// AggTrades requests trades for params. The first page of a window is addressed by
	// "startTime"/"endTime", later pages by "fromId".
	AggTrades(ctx context.Context, params Params) ([]models.Trade, error)
}

// MarketData is everything the fetcher needs from an exchange.
type MarketData interface {
	CandleFetcher
	TradeFetcher
}

// HealthChecker verifies connectivity before long runs.
type HealthChecker interface {
	// HealthCheck pings the exchange, measures clock offset and, when symbol is not
	// empty, reports whether the symbol is listed and trading.
	HealthCheck(ctx context.Context, symbol string) (*HealthStatus, error)
}

// HealthStatus is the outcome of a successful health check.
type HealthStatus struct {
	Latency     time.Duration `json:"latency"`
	ServerTime  time.Time     `json:"server_time"`
	ClockOffset time.Duration `json:"clock_offset"` // server minus local

	Symbol       string `json:"symbol,omitempty"`
	SymbolStatus string `json:"symbol_status,omitempty"`
	Tradable     bool   `json:"tradable"`
	BaseAsset    string `json:"base_asset,omitempty"`
	QuoteAsset   string `json:"quote_asset,omitempty"`
}

// RequestObserver receives per-request telemetry.
type RequestObserver interface {
	ObserveRequest(endpoint string, status int, duration time.Duration, err error)
	ObserveUsedWeight(weight int)
}
