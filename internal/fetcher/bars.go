package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/johnayoung/go-marketdata-fetcher/internal/errors"
	"github.com/johnayoung/go-marketdata-fetcher/internal/logger"
	"github.com/johnayoung/go-marketdata-fetcher/internal/models"
)

// FetchMinuteBars resamples the aggregated trades of r into one-minute bars.
// Candles of interval only delimit the trade windows, so a coarse interval
// costs fewer candle pages without changing the bars. Trade pages come from
// the same cache as FetchCompleteDataset. As there, cache write failures are
// joined into the error next to a complete result.
func (o *Orchestrator) FetchMinuteBars(ctx context.Context, symbol string, interval models.Interval, r models.TimeRange) (bars []models.MinuteBar, err error) {
	defer o.progress.Finish()

	symbol, err = checkRequest(symbol, interval, r)
	if err != nil {
		return nil, err
	}
	ctx = logger.WithInterval(logger.WithSymbol(ctx, symbol), string(interval))

	var uncached []error
	candles, err := o.FetchCandles(ctx, symbol, interval, r)
	if err != nil {
		if !apperrors.IsCacheWriteOnly(err) {
			return nil, err
		}
		uncached = append(uncached, err)
	}
	o.progress.SetTotals(len(candles), len(candles)*o.tradesPerCandle)

	var trades models.TradeBatch
	for _, c := range candles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, terr := o.FetchTrades(ctx, symbol, interval, c.OpenTime, c.Window(interval))
		if terr != nil {
			if !apperrors.IsCacheWriteOnly(terr) {
				return nil, fmt.Errorf("candle %s: %w", c.OpenTime.Format(time.RFC3339), terr)
			}
			uncached = append(uncached, terr)
		}
		trades = append(trades, batch...)
		o.progress.UpdateTradeProgress(len(batch))
		o.progress.UpdateCandleProgress(1)
	}

	bars, err = trades.Within(r).MinuteBars()
	if err != nil {
		return nil, err
	}
	o.logger.InfoContext(ctx, "minute bars complete",
		"range", r.String(),
		"trades", len(trades),
		"bars", len(bars))
	return bars, errors.Join(uncached...)
}
