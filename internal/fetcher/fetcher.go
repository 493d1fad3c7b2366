// Package fetcher retrieves candle and trade history from the exchange with a
// cache-first, rate-limited and retried page loop, validates what it gets and
// merges trade-derived bid/ask volumes into candles.
//
// Every network page goes through the same steps: acquire a rate limiter
// grant, sign the parameters when the endpoint is authenticated, call the
// exchange. The retry policy wraps all three, so each attempt consumes its own
// grant and carries a fresh timestamp.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/johnayoung/go-marketdata-fetcher/internal/cache"
	"github.com/johnayoung/go-marketdata-fetcher/internal/config"
	apperrors "github.com/johnayoung/go-marketdata-fetcher/internal/errors"
	"github.com/johnayoung/go-marketdata-fetcher/internal/exchange"
	"github.com/johnayoung/go-marketdata-fetcher/internal/logger"
	"github.com/johnayoung/go-marketdata-fetcher/internal/metrics"
	"github.com/johnayoung/go-marketdata-fetcher/internal/models"
	"github.com/johnayoung/go-marketdata-fetcher/internal/progress"
	"github.com/johnayoung/go-marketdata-fetcher/internal/retry"
	"github.com/johnayoung/go-marketdata-fetcher/internal/signer"
	"github.com/johnayoung/go-marketdata-fetcher/internal/storage"
	"github.com/johnayoung/go-marketdata-fetcher/internal/validator"
)

const (
	sourceCache   = "cache"
	sourceNetwork = "network"

	defaultRecvWindow = 5000

	// The aggTrades endpoint rejects startTime/endTime pairs an hour or more apart.
	aggTradesMaxSpan = time.Hour
)

// RateLimiter gates every outgoing request.
type RateLimiter interface {
	Acquire(ctx context.Context) error
}

// Dependencies are the collaborators of an Orchestrator. Exchange, Limiter and
// Cache are required; the rest have working defaults.
type Dependencies struct {
	Exchange   exchange.MarketData
	Limiter    RateLimiter
	Cache      *cache.Store
	Retry      *retry.Policy // defaults to the configured policy
	Signer     *signer.Signer
	Validator  *validator.Validator
	Progress   progress.Sink
	Storage    storage.DatasetWriter
	Metrics    *metrics.MetricsCollector
	Classifier *apperrors.ErrorClassifier
	Logger     *slog.Logger
	Now        func() time.Time
}

// Orchestrator implements the fetch operations. It holds no per-call state and
// is safe for concurrent use as long as its collaborators are.
type Orchestrator struct {
	exchange   exchange.MarketData
	limiter    RateLimiter
	cache      *cache.Store
	policy     retry.Policy
	signer     *signer.Signer
	validator  *validator.Validator
	progress   progress.Sink
	storage    storage.DatasetWriter
	metrics    *metrics.MetricsCollector
	classifier *apperrors.ErrorClassifier
	logger     *slog.Logger
	now        func() time.Time

	maxBatchSize     int
	includeTrades    bool
	tradesPerCandle  int
	concurrency      int
	strictValidation bool
	apiSecret        string
	recvWindow       int
	signTrades       bool
}

// New wires an orchestrator from configuration and collaborators.
func New(cfg *config.AppConfig, deps Dependencies) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("fetcher: config is required")
	}
	if deps.Exchange == nil || deps.Limiter == nil || deps.Cache == nil {
		return nil, errors.New("fetcher: exchange, limiter and cache are required")
	}
	if cfg.Fetch.MaxBatchSize <= 0 {
		return nil, fmt.Errorf("fetcher: max batch size must be positive, got %d", cfg.Fetch.MaxBatchSize)
	}

	o := &Orchestrator{
		exchange:         deps.Exchange,
		limiter:          deps.Limiter,
		cache:            deps.Cache,
		policy:           retry.FromConfig(cfg.Retry),
		signer:           deps.Signer,
		validator:        deps.Validator,
		progress:         deps.Progress,
		storage:          deps.Storage,
		metrics:          deps.Metrics,
		classifier:       deps.Classifier,
		logger:           deps.Logger,
		now:              deps.Now,
		maxBatchSize:     cfg.Fetch.MaxBatchSize,
		includeTrades:    cfg.Fetch.IncludeTrades,
		tradesPerCandle:  cfg.Fetch.EstimatedTradesPerCandle,
		concurrency:      cfg.Fetch.Concurrency,
		strictValidation: cfg.Validation.StrictValidation,
		apiSecret:        cfg.API.APISecret,
		recvWindow:       cfg.API.RecvWindowMillis,
		signTrades:       cfg.API.SignTrades,
	}
	if deps.Retry != nil {
		o.policy = *deps.Retry
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "fetcher")
	if o.classifier == nil {
		o.classifier = apperrors.NewErrorClassifier(o.logger)
	}
	if o.signer == nil {
		o.signer = signer.New("symbol", "timestamp")
	}
	if o.validator == nil {
		o.validator = validator.New(cfg.Validation, o.logger)
	}
	if o.progress == nil {
		o.progress = progress.Nop{}
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.recvWindow <= 0 {
		o.recvWindow = defaultRecvWindow
	}
	if o.concurrency <= 0 {
		o.concurrency = 1
	}
	return o, nil
}

// FetchCandles returns candles of symbol/interval with OpenTime in r, oldest
// first. A cache hit costs no request. When the batch was fetched but could not
// be cached, the batch is returned together with a *errors.CacheWriteError.
func (o *Orchestrator) FetchCandles(ctx context.Context, symbol string, interval models.Interval, r models.TimeRange) (models.CandleBatch, error) {
	symbol, err := checkRequest(symbol, interval, r)
	if err != nil {
		return nil, err
	}

	key := cache.CandleKey(symbol, interval, r)
	if entry, ok := o.cache.Load(ctx, key); ok {
		var cached models.CandleBatch
		derr := json.Unmarshal(entry.Payload, &cached)
		if derr == nil {
			o.metrics.ObserveRecords(models.KindCandles, sourceCache, len(cached))
			return cached, nil
		}
		o.logger.WarnContext(ctx, "discarding undecodable cache entry", "key", key.String(), "error", derr)
	}

	var (
		all    models.CandleBatch
		cursor = r.Start
		step   = interval.Duration()
		pages  int
	)
	for cursor.Before(r.End) {
		params := exchange.Params{
			"symbol":    symbol,
			"interval":  string(interval),
			"startTime": millis(cursor),
			"endTime":   millis(r.End.Add(-time.Millisecond)),
			"limit":     strconv.Itoa(o.maxBatchSize),
		}
		page, err := fetchPage(ctx, o, exchange.KlinesEndpoint, key.String(), params, false, o.exchange.Klines)
		if err != nil {
			return nil, err
		}
		pages++
		all = append(all, page...)

		last, ok := models.CandleBatch(page).Last()
		if !ok || len(page) < o.maxBatchSize {
			break
		}
		next := last.OpenTime.Add(step)
		if !next.After(cursor) {
			break
		}
		cursor = next
	}

	batch := make(models.CandleBatch, 0, len(all))
	for _, c := range all {
		if r.Contains(c.OpenTime) {
			batch = append(batch, c)
		}
	}
	batch = batch.DedupeAndSort()

	result := o.validator.ValidateCandles(ctx, batch, interval)
	o.metrics.ObserveValidation(models.KindCandles, result)
	if err := o.checkValidation(ctx, models.KindCandles, key, result); err != nil {
		return nil, err
	}

	o.logger.DebugContext(ctx, "fetched candles",
		"symbol", symbol,
		"interval", interval,
		"range", r.String(),
		"pages", pages,
		"count", len(batch))
	o.metrics.ObserveRecords(models.KindCandles, sourceNetwork, len(batch))

	return batch, o.save(ctx, key, batch, len(batch))
}

// FetchTrades returns the aggregated trades of the candle opening at
// candleOpenTime whose timestamps fall in window. Windows longer than the
// endpoint's time span limit are walked in hour-long slices; once a slice fills
// a page, the rest is addressed by trade id.
func (o *Orchestrator) FetchTrades(ctx context.Context, symbol string, interval models.Interval, candleOpenTime time.Time, window models.TimeRange) (models.TradeBatch, error) {
	symbol, err := checkRequest(symbol, interval, window)
	if err != nil {
		return nil, err
	}

	key := cache.TradeKey(symbol, interval, candleOpenTime)
	if entry, ok := o.cache.Load(ctx, key); ok {
		var cached models.TradeBatch
		derr := json.Unmarshal(entry.Payload, &cached)
		if derr == nil {
			o.metrics.ObserveRecords(models.KindTrades, sourceCache, len(cached))
			return cached, nil
		}
		o.logger.WarnContext(ctx, "discarding undecodable cache entry", "key", key.String(), "error", derr)
	}

	var all models.TradeBatch
	for cursor := window.Start; cursor.Before(window.End); {
		sub := window.End
		if cursor.Add(aggTradesMaxSpan).Before(sub) {
			sub = cursor.Add(aggTradesMaxSpan)
		}
		params := exchange.Params{
			"symbol":    symbol,
			"startTime": millis(cursor),
			"endTime":   millis(sub.Add(-time.Millisecond)),
			"limit":     strconv.Itoa(o.maxBatchSize),
		}
		page, err := fetchPage(ctx, o, exchange.AggTradesEndpoint, key.String(), params, o.signTrades, o.exchange.AggTrades)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < o.maxBatchSize {
			cursor = sub
			continue
		}

		// A full page may hide more trades; ids continue across sub-windows.
		last, _ := models.TradeBatch(page).Last()
		for last.Timestamp.Before(window.End) {
			params = exchange.Params{
				"symbol": symbol,
				"fromId": strconv.FormatInt(last.ID+1, 10),
				"limit":  strconv.Itoa(o.maxBatchSize),
			}
			page, err = fetchPage(ctx, o, exchange.AggTradesEndpoint, key.String(), params, o.signTrades, o.exchange.AggTrades)
			if err != nil {
				return nil, err
			}
			all = append(all, page...)
			var ok bool
			if last, ok = models.TradeBatch(page).Last(); !ok || len(page) < o.maxBatchSize {
				break
			}
		}
		break
	}

	batch := all.Within(window).DedupeAndSort()

	result := o.validator.ValidateTrades(ctx, batch)
	o.metrics.ObserveValidation(models.KindTrades, result)
	if err := o.checkValidation(ctx, models.KindTrades, key, result); err != nil {
		return nil, err
	}
	o.metrics.ObserveRecords(models.KindTrades, sourceNetwork, len(batch))

	return batch, o.save(ctx, key, batch, len(batch))
}

// ProcessCandleTrades fetches the trades of candle's window and splits their
// quantity into bid and ask volume. A window without trades yields zero volumes.
func (o *Orchestrator) ProcessCandleTrades(ctx context.Context, symbol string, interval models.Interval, candle models.Candle) (models.BidAskVolumes, error) {
	v, _, err := o.processCandleTrades(ctx, symbol, interval, candle)
	return v, err
}

func (o *Orchestrator) processCandleTrades(ctx context.Context, symbol string, interval models.Interval, candle models.Candle) (models.BidAskVolumes, int, error) {
	trades, err := o.FetchTrades(ctx, symbol, interval, candle.OpenTime, candle.Window(interval))
	if err != nil && !apperrors.IsCacheWriteOnly(err) {
		return models.BidAskVolumes{}, 0, err
	}

	volumes, verr := trades.Volumes()
	if verr != nil {
		return models.BidAskVolumes{}, 0, fmt.Errorf("trades of %s: %w", candle.OpenTime.Format(time.RFC3339), verr)
	}
	return volumes, len(trades), err
}

// FetchCompleteDataset fetches the candles of r and, unless trades are
// disabled, merges each candle's bid/ask volumes. The progress sink is
// finished on every return path. Cache write failures do not stop the run;
// they are joined into the returned error next to a complete dataset.
func (o *Orchestrator) FetchCompleteDataset(ctx context.Context, symbol string, interval models.Interval, r models.TimeRange) (ds *models.Dataset, err error) {
	defer o.progress.Finish()
	defer func() { o.metrics.ObserveDataset(err) }()

	symbol, err = checkRequest(symbol, interval, r)
	if err != nil {
		return nil, err
	}
	ctx = logger.WithInterval(logger.WithSymbol(ctx, symbol), string(interval))
	start := o.now()

	var uncached []error
	candles, err := o.FetchCandles(ctx, symbol, interval, r)
	if err != nil {
		if !apperrors.IsCacheWriteOnly(err) {
			return nil, err
		}
		uncached = append(uncached, err)
	}

	tradesTotal := 0
	if o.includeTrades {
		tradesTotal = len(candles) * o.tradesPerCandle
	}
	o.progress.SetTotals(len(candles), tradesTotal)

	merged := make(models.CandleBatch, 0, len(candles))
	tradeCount := 0
	for _, c := range candles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if o.includeTrades {
			volumes, n, terr := o.processCandleTrades(ctx, symbol, interval, c)
			if terr != nil {
				if !apperrors.IsCacheWriteOnly(terr) {
					return nil, fmt.Errorf("candle %s: %w", c.OpenTime.Format(time.RFC3339), terr)
				}
				uncached = append(uncached, terr)
			}
			c = c.WithVolumes(volumes)
			tradeCount += n
			o.progress.UpdateTradeProgress(n)
		}
		merged = append(merged, c)
		o.progress.UpdateCandleProgress(1)
	}

	ds = &models.Dataset{
		Symbol:     symbol,
		Interval:   interval,
		Range:      r,
		Candles:    merged,
		TradeCount: tradeCount,
		FetchedAt:  o.now().UTC(),
	}

	if o.storage != nil {
		if serr := o.storage.SaveDataset(ctx, ds); serr != nil {
			o.logger.ErrorContext(ctx, "failed to persist dataset", "error", serr)
			uncached = append(uncached, fmt.Errorf("persist dataset: %w", serr))
		}
	}

	o.logger.InfoContext(ctx, "dataset complete",
		"range", r.String(),
		"candles", len(merged),
		"trades", tradeCount,
		"uncached", len(uncached),
		"duration", o.now().Sub(start))

	return ds, errors.Join(uncached...)
}

// fetchPage requests one page under the retry policy. Each attempt acquires a
// limiter grant and, for signed endpoints, re-signs a copy of params. The
// final error is classified and counted before it is returned.
func fetchPage[T any](ctx context.Context, o *Orchestrator, endpoint, key string, params exchange.Params, signed bool, call func(context.Context, exchange.Params) ([]T, error)) ([]T, error) {
	policy := o.policy.WithObserver(retry.Observers{
		retry.LogObserver{Logger: o.logger, Operation: endpoint},
		o.metrics.RetryObserver(endpoint),
	})

	rows, attempts, err := retry.Do(ctx, policy, func(ctx context.Context) ([]T, error) {
		if err := o.limiter.Acquire(ctx); err != nil {
			return nil, err
		}
		p := make(exchange.Params, len(params)+3)
		for k, v := range params {
			p[k] = v
		}
		if signed {
			if err := o.sign(p); err != nil {
				return nil, err
			}
		}
		return call(ctx, p)
	})
	if err != nil {
		ce := o.classifier.Classify(err, "fetcher", endpoint)
		return nil, &apperrors.FetchError{Endpoint: endpoint, Key: key, Attempts: attempts, Type: ce.Type, Err: err}
	}
	return rows, nil
}

func (o *Orchestrator) sign(p exchange.Params) error {
	p["timestamp"] = millis(o.now())
	p["recvWindow"] = strconv.Itoa(o.recvWindow)
	sig, err := o.signer.Sign(p, o.apiSecret)
	if err != nil {
		return err
	}
	p[signer.SignatureParam] = sig
	return nil
}

func (o *Orchestrator) checkValidation(ctx context.Context, kind models.BatchKind, key cache.Key, result *models.ValidationResult) error {
	if result.Valid {
		return nil
	}
	if o.strictValidation {
		return &apperrors.ValidationError{Kind: string(kind), Key: key.String(), Issues: result.Issues}
	}
	o.logger.WarnContext(ctx, "batch failed validation, keeping it",
		"kind", kind,
		"key", key.String(),
		"issues", result.Summary())
	return nil
}

func (o *Orchestrator) save(ctx context.Context, key cache.Key, batch any, n int) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := o.cache.Save(ctx, o.cache.NewEntry(key, payload, n)); err != nil {
		o.logger.ErrorContext(ctx, "cache write failed, returning uncached data", "key", key.String(), "error", err)
		return err
	}
	return nil
}

func checkRequest(symbol string, interval models.Interval, r models.TimeRange) (string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return "", &models.ValidationError{Field: "symbol", Message: "symbol is required"}
	}
	if !interval.Valid() {
		return "", &models.ValidationError{Field: "interval", Message: fmt.Sprintf("unsupported interval %q", interval)}
	}
	if !r.Valid() {
		return "", &models.ValidationError{Field: "range", Message: fmt.Sprintf("empty range %s", r)}
	}
	return symbol, nil
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
