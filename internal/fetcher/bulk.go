package fetcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/johnayoung/go-marketdata-fetcher/internal/errors"
	"github.com/johnayoung/go-marketdata-fetcher/internal/models"
	"github.com/johnayoung/go-marketdata-fetcher/internal/progress"
)

// BulkResult is the outcome of one symbol in a bulk run.
type BulkResult struct {
	Symbol  string
	Dataset *models.Dataset
	Err     error
}

// Uncached reports whether the dataset is complete but some of it was not cached.
func (r BulkResult) Uncached() bool {
	return r.Dataset != nil && apperrors.IsCacheWriteOnly(r.Err)
}

// Bulk fetches complete datasets for several symbols, at most the configured
// concurrency at a time. All runs share the orchestrator's limiter and cache,
// so the request budget stays account wide. Progress from every run is summed
// into the orchestrator's sink, which is finished once after the last run.
//
// A failing symbol does not stop the others. The returned error joins every
// failure that left a symbol without a dataset.
func (o *Orchestrator) Bulk(ctx context.Context, symbols []string, interval models.Interval, r models.TimeRange) ([]BulkResult, error) {
	symbols = uniqueSymbols(symbols)
	if len(symbols) == 0 {
		return nil, errors.New("bulk: no symbols given")
	}

	run := *o
	run.progress = progress.NewAggregate(o.progress, len(symbols))

	results := make([]BulkResult, len(symbols))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)

	for i, symbol := range symbols {
		g.Go(func() error {
			ds, err := run.FetchCompleteDataset(gctx, symbol, interval, r)
			results[i] = BulkResult{Symbol: symbol, Dataset: ds, Err: err}
			if err != nil && ds == nil {
				o.logger.ErrorContext(gctx, "bulk fetch failed", "symbol", symbol, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	var failed []error
	for _, res := range results {
		if res.Err != nil && res.Dataset == nil {
			failed = append(failed, fmt.Errorf("%s: %w", res.Symbol, res.Err))
		}
	}
	return results, errors.Join(failed...)
}

func uniqueSymbols(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
