// Package validator checks fetched candle and trade batches for data quality problems.
//
// Rules that make a batch invalid:
//   - candles: empty batch, unparseable or non-positive prices, negative volume,
//     high below low, open/close outside the high/low envelope
//   - trades: unparseable or non-positive price or quantity
//
// Rules that only warn and count a metric:
//   - candles: body move |close-open|/open above the volatility threshold, time gaps
//     wider than the gap tolerance times the interval
//   - trades: duplicate (timestamp, price) pairs, gaps in the trade id sequence
//
// Whether an invalid batch is rejected is the caller's decision.
package validator

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-marketdata-fetcher/internal/config"
	"github.com/johnayoung/go-marketdata-fetcher/internal/models"
)

// Metric names recorded in ValidationResult.Metrics.
const (
	MetricEmptyBatch        = "empty_batch"
	MetricInvalidCandles    = "invalid_candles"
	MetricExtremeVolatility = "extreme_volatility"
	MetricTimeGaps          = "time_gaps"
	MetricInvalidTrades     = "invalid_trades"
	MetricDuplicateTrades   = "duplicate_trades"
	MetricTradeIDGaps       = "id_gaps"
)

// Validator applies the candle and trade rules. It holds no mutable state and is safe
// for concurrent use.
type Validator struct {
	enabled      bool
	maxVol       decimal.Decimal
	gapTolerance float64
	logger       *slog.Logger
}

// New creates a validator from configuration.
func New(cfg config.ValidationConfig, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	tolerance := cfg.GapToleranceFactor
	if tolerance < 1 {
		tolerance = 1.5
	}
	return &Validator{
		enabled:      cfg.Enabled,
		maxVol:       decimal.NewFromFloat(cfg.MaxVolatilityThreshold),
		gapTolerance: tolerance,
		logger:       logger.With("component", "validator"),
	}
}

// ValidateCandles validates a batch sorted by open time.
func (v *Validator) ValidateCandles(ctx context.Context, batch models.CandleBatch, interval models.Interval) *models.ValidationResult {
	result := models.NewValidationResult()
	if !v.enabled {
		return result
	}

	if len(batch) == 0 {
		result.Fail(MetricEmptyBatch, "candle batch is empty")
		return result
	}

	maxGap := time.Duration(float64(interval.Duration()) * v.gapTolerance)
	checkVolatility := v.maxVol.IsPositive()

	for i := range batch {
		if i%1000 == 0 && ctx.Err() != nil {
			break
		}
		c := &batch[i]

		if err := c.Validate(); err != nil {
			result.Fail(MetricInvalidCandles, "candle %s: %v", c.OpenTime.Format(time.RFC3339), err)
			continue
		}

		if checkVolatility {
			if vol, err := c.Volatility(); err == nil && vol.GreaterThan(v.maxVol) {
				result.Warn(MetricExtremeVolatility, "candle %s: volatility %s exceeds %s",
					c.OpenTime.Format(time.RFC3339), vol.StringFixed(4), v.maxVol)
			}
		}

		if i > 0 && interval.Valid() {
			if gap := c.OpenTime.Sub(batch[i-1].OpenTime); gap > maxGap {
				result.Warn(MetricTimeGaps, "time gap of %s before candle %s",
					gap, c.OpenTime.Format(time.RFC3339))
			}
		}
	}

	v.logResult(ctx, models.KindCandles, len(batch), result)
	return result
}

// ValidateTrades validates a batch sorted by trade id. An empty batch is valid: quiet
// candles have no trades.
func (v *Validator) ValidateTrades(ctx context.Context, batch models.TradeBatch) *models.ValidationResult {
	result := models.NewValidationResult()
	if !v.enabled || len(batch) == 0 {
		return result
	}

	type priceAt struct {
		ts    int64
		price string
	}
	seen := make(map[priceAt]struct{}, len(batch))

	for i, t := range batch {
		if i%1000 == 0 && ctx.Err() != nil {
			break
		}

		price, perr := decimal.NewFromString(t.Price)
		qty, qerr := decimal.NewFromString(t.Quantity)
		switch {
		case perr != nil || qerr != nil:
			result.Fail(MetricInvalidTrades, "trade %d: unparseable price %q or quantity %q", t.ID, t.Price, t.Quantity)
			continue
		case !price.IsPositive():
			result.Fail(MetricInvalidTrades, "trade %d: non-positive price %s", t.ID, t.Price)
		case !qty.IsPositive():
			result.Fail(MetricInvalidTrades, "trade %d: non-positive quantity %s", t.ID, t.Quantity)
		}

		key := priceAt{ts: t.Timestamp.UnixMilli(), price: price.String()}
		if _, dup := seen[key]; dup {
			result.Warn(MetricDuplicateTrades, "trade %d duplicates timestamp %d and price %s", t.ID, key.ts, key.price)
		}
		seen[key] = struct{}{}

		if i > 0 {
			if missing := t.ID - batch[i-1].ID - 1; missing > 0 {
				result.Warn(MetricTradeIDGaps, "%d trade id(s) missing between %d and %d", missing, batch[i-1].ID, t.ID)
			}
		}
	}

	v.logResult(ctx, models.KindTrades, len(batch), result)
	return result
}

func (v *Validator) logResult(ctx context.Context, kind models.BatchKind, n int, result *models.ValidationResult) {
	if len(result.Issues) == 0 {
		return
	}
	attrs := []any{
		"kind", kind,
		"records", n,
		"valid", result.Valid,
		"issues", len(result.Issues),
	}
	for _, name := range result.MetricNames() {
		attrs = append(attrs, name, result.Metrics[name])
	}
	v.logger.DebugContext(ctx, "validation finished with issues", attrs...)
}
