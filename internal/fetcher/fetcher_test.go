package fetcher

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-marketdata-fetcher/internal/cache"
	"github.com/johnayoung/go-marketdata-fetcher/internal/config"
	apperrors "github.com/johnayoung/go-marketdata-fetcher/internal/errors"
	"github.com/johnayoung/go-marketdata-fetcher/internal/exchange"
	"github.com/johnayoung/go-marketdata-fetcher/internal/logger"
	"github.com/johnayoung/go-marketdata-fetcher/internal/models"
	"github.com/johnayoung/go-marketdata-fetcher/internal/ratelimit"
	"github.com/johnayoung/go-marketdata-fetcher/internal/retry"
	"github.com/johnayoung/go-marketdata-fetcher/internal/signer"
	"github.com/johnayoung/go-marketdata-fetcher/internal/storage"
)

var (
	base = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	now  = time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)
)

// MockExchange is a testify mock of exchange.MarketData.
type MockExchange struct {
	mock.Mock
}

func (m *MockExchange) Klines(ctx context.Context, params exchange.Params) ([]models.Candle, error) {
	args := m.Called(ctx, params)
	rows, _ := args.Get(0).([]models.Candle)
	return rows, args.Error(1)
}

func (m *MockExchange) AggTrades(ctx context.Context, params exchange.Params) ([]models.Trade, error) {
	args := m.Called(ctx, params)
	rows, _ := args.Get(0).([]models.Trade)
	return rows, args.Error(1)
}

type recordingSink struct {
	mu           sync.Mutex
	candlesTotal int
	tradesTotal  int
	candles      int
	trades       int
	finishes     int
}

func (s *recordingSink) SetTotals(c, t int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candlesTotal, s.tradesTotal = c, t
}

func (s *recordingSink) UpdateCandleProgress(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candles += n
}

func (s *recordingSink) UpdateTradeProgress(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades += n
}

func (s *recordingSink) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishes++
}

type harness struct {
	cfg      *config.AppConfig
	exchange *MockExchange
	limiter  *ratelimit.Limiter
	cache    *cache.Store
	sink     *recordingSink
	deps     Dependencies
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Fetch.IncludeTrades = false

	limiter, err := ratelimit.NewLimiter(1000, time.Minute)
	require.NoError(t, err)

	h := &harness{
		cfg:      cfg,
		exchange: &MockExchange{},
		limiter:  limiter,
		cache:    cache.New(cfg.Cache, cache.WithFs(afero.NewMemMapFs()), cache.WithLogger(logger.Discard())),
		sink:     &recordingSink{},
	}
	h.deps = Dependencies{
		Exchange: h.exchange,
		Limiter:  h.limiter,
		Cache:    h.cache,
		Retry: &retry.Policy{
			Attempts:   3,
			Delay:      time.Millisecond,
			Multiplier: 2,
			Sleep:      func(context.Context, time.Duration) error { return nil },
		},
		Progress: h.sink,
		Logger:   logger.Discard(),
		Now:      func() time.Time { return now },
	}
	return h
}

func (h *harness) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New(h.cfg, h.deps)
	require.NoError(t, err)
	return o
}

func makeCandles(start time.Time, step time.Duration, n int) []models.Candle {
	out := make([]models.Candle, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, models.Candle{
			OpenTime: start.Add(time.Duration(i) * step),
			Open:     "100",
			High:     "101",
			Low:      "99",
			Close:    "100.5",
			Volume:   "10",
		})
	}
	return out
}

func makeTrades(firstID int64, start time.Time, n int) []models.Trade {
	out := make([]models.Trade, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, models.Trade{
			ID:           firstID + int64(i),
			Timestamp:    start.Add(time.Duration(i) * time.Second),
			Price:        "100",
			Quantity:     "1",
			IsBuyerMaker: i%2 == 0,
		})
	}
	return out
}

func ms(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// params matches requests carrying every given key/value pair.
func params(kv ...string) any {
	return mock.MatchedBy(func(p exchange.Params) bool {
		for i := 0; i+1 < len(kv); i += 2 {
			if p[kv[i]] != kv[i+1] {
				return false
			}
		}
		return true
	})
}

func minutes(n int) models.TimeRange {
	return models.TimeRange{Start: base, End: base.Add(time.Duration(n) * time.Minute)}
}

func TestNewRequiresCollaborators(t *testing.T) {
	h := newHarness(t)

	_, err := New(nil, h.deps)
	assert.Error(t, err)

	deps := h.deps
	deps.Cache = nil
	_, err = New(h.cfg, deps)
	assert.Error(t, err)

	h.cfg.Fetch.MaxBatchSize = 0
	_, err = New(h.cfg, h.deps)
	assert.Error(t, err)
}

func TestFetchCandlesServesRepeatRequestsFromCache(t *testing.T) {
	h := newHarness(t)
	r := minutes(120)
	h.exchange.On("Klines", mock.Anything, params(
		"symbol", "BTCUSDT",
		"interval", "1m",
		"startTime", ms(r.Start),
		"endTime", ms(r.End.Add(-time.Millisecond)),
		"limit", "1000",
	)).Return(makeCandles(base, time.Minute, 120), nil).Once()

	o := h.orchestrator(t)
	ctx := context.Background()

	first, err := o.FetchCandles(ctx, "btcusdt", models.Interval1m, r)
	require.NoError(t, err)
	require.Len(t, first, 120)
	assert.True(t, first.IsStrictlyIncreasing())
	assert.Equal(t, int64(1), h.limiter.Stats().Grants)

	second, err := o.FetchCandles(ctx, "BTCUSDT", models.Interval1m, r)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	h.exchange.AssertNumberOfCalls(t, "Klines", 1)
	assert.Equal(t, int64(1), h.limiter.Stats().Grants)

	stats, err := h.cache.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Writes)
	assert.Equal(t, int64(1), stats.MemoryHits)
}

func TestFetchCandlesPaginates(t *testing.T) {
	h := newHarness(t)
	h.cfg.Fetch.MaxBatchSize = 50
	r := minutes(120)
	all := makeCandles(base, time.Minute, 120)

	h.exchange.On("Klines", mock.Anything, params("startTime", ms(base), "limit", "50")).
		Return(all[:50], nil).Once()
	h.exchange.On("Klines", mock.Anything, params("startTime", ms(base.Add(50*time.Minute)))).
		Return(all[50:100], nil).Once()
	h.exchange.On("Klines", mock.Anything, params("startTime", ms(base.Add(100*time.Minute)))).
		Return(all[100:], nil).Once()

	got, err := h.orchestrator(t).FetchCandles(context.Background(), "BTCUSDT", models.Interval1m, r)
	require.NoError(t, err)
	assert.Len(t, got, 120)
	assert.True(t, got.IsStrictlyIncreasing())
	h.exchange.AssertExpectations(t)
	assert.Equal(t, int64(3), h.limiter.Stats().Grants)
}

func TestFetchCandlesDropsOverlapAndOutOfRangeRows(t *testing.T) {
	h := newHarness(t)
	h.cfg.Fetch.MaxBatchSize = 3
	r := minutes(4)
	all := makeCandles(base, time.Minute, 5)

	h.exchange.On("Klines", mock.Anything, params("startTime", ms(base))).
		Return([]models.Candle{all[0], all[1], all[2]}, nil).Once()
	// the second page repeats a row and runs past the range end
	h.exchange.On("Klines", mock.Anything, params("startTime", ms(base.Add(3*time.Minute)))).
		Return([]models.Candle{all[2], all[3], all[4]}, nil).Once()
	h.exchange.On("Klines", mock.Anything, params("startTime", ms(base.Add(5*time.Minute)))).
		Return(nil, nil).Maybe()

	got, err := h.orchestrator(t).FetchCandles(context.Background(), "BTCUSDT", models.Interval1m, r)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.True(t, got[3].OpenTime.Equal(base.Add(3*time.Minute)))
}

func TestFetchCandlesStopsWhenCursorDoesNotAdvance(t *testing.T) {
	h := newHarness(t)
	h.cfg.Fetch.MaxBatchSize = 2
	r := minutes(10)
	stale := makeCandles(base.Add(-5*time.Minute), time.Minute, 2)

	h.exchange.On("Klines", mock.Anything, mock.Anything).Return(stale, nil).Once()

	got, err := h.orchestrator(t).FetchCandles(context.Background(), "BTCUSDT", models.Interval1m, r)
	require.NoError(t, err)
	assert.Empty(t, got)
	h.exchange.AssertNumberOfCalls(t, "Klines", 1)
}

func TestFetchCandlesValidation(t *testing.T) {
	broken := makeCandles(base, time.Minute, 2)
	broken[1].High = "90"

	t.Run("strict rejects and does not cache", func(t *testing.T) {
		h := newHarness(t)
		h.cfg.Validation.StrictValidation = true
		h.exchange.On("Klines", mock.Anything, mock.Anything).Return(broken, nil).Once()

		_, err := h.orchestrator(t).FetchCandles(context.Background(), "BTCUSDT", models.Interval1m, minutes(2))
		var verr *apperrors.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, string(models.KindCandles), verr.Kind)
		assert.NotEmpty(t, verr.Issues)

		_, ok := h.cache.Load(context.Background(), cache.CandleKey("BTCUSDT", models.Interval1m, minutes(2)))
		assert.False(t, ok)
	})

	t.Run("lenient keeps the batch", func(t *testing.T) {
		h := newHarness(t)
		h.exchange.On("Klines", mock.Anything, mock.Anything).Return(broken, nil).Once()

		got, err := h.orchestrator(t).FetchCandles(context.Background(), "BTCUSDT", models.Interval1m, minutes(2))
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})
}

func TestFetchCandlesRejectsBadRequests(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t)
	ctx := context.Background()

	var verr *models.ValidationError
	_, err := o.FetchCandles(ctx, " ", models.Interval1m, minutes(1))
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "symbol", verr.Field)

	_, err = o.FetchCandles(ctx, "BTCUSDT", models.Interval("7m"), minutes(1))
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "interval", verr.Field)

	_, err = o.FetchCandles(ctx, "BTCUSDT", models.Interval1m, models.TimeRange{Start: base, End: base})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "range", verr.Field)

	h.exchange.AssertNotCalled(t, "Klines", mock.Anything, mock.Anything)
	assert.Zero(t, h.limiter.Stats().Grants)
}

func TestFetchCandlesRetries(t *testing.T) {
	t.Run("transient failure", func(t *testing.T) {
		h := newHarness(t)
		h.exchange.On("Klines", mock.Anything, mock.Anything).
			Return(nil, errors.New("503 service unavailable")).Once()
		h.exchange.On("Klines", mock.Anything, mock.Anything).
			Return(makeCandles(base, time.Minute, 3), nil).Once()

		got, err := h.orchestrator(t).FetchCandles(context.Background(), "BTCUSDT", models.Interval1m, minutes(3))
		require.NoError(t, err)
		assert.Len(t, got, 3)
		// every attempt takes its own grant
		assert.Equal(t, int64(2), h.limiter.Stats().Grants)
	})

	t.Run("exhausted", func(t *testing.T) {
		h := newHarness(t)
		h.exchange.On("Klines", mock.Anything, mock.Anything).
			Return(nil, errors.New("503 service unavailable"))

		_, err := h.orchestrator(t).FetchCandles(context.Background(), "BTCUSDT", models.Interval1m, minutes(3))
		var ferr *apperrors.FetchError
		require.ErrorAs(t, err, &ferr)
		assert.Equal(t, exchange.KlinesEndpoint, ferr.Endpoint)
		assert.Equal(t, 3, ferr.Attempts)
		assert.Equal(t, apperrors.ErrorTypeServerError, ferr.Type)
		h.exchange.AssertNumberOfCalls(t, "Klines", 3)
	})

	t.Run("final failure is classified and counted", func(t *testing.T) {
		h := newHarness(t)
		classifier := apperrors.NewErrorClassifier(logger.Discard())
		h.deps.Classifier = classifier
		h.exchange.On("Klines", mock.Anything, mock.Anything).
			Return(nil, &apperrors.APIError{Endpoint: exchange.KlinesEndpoint, StatusCode: 401, Message: "Invalid API-key"}).Once()

		o := h.orchestrator(t)
		_, err := o.FetchCandles(context.Background(), "BTCUSDT", models.Interval1m, minutes(3))
		var ferr *apperrors.FetchError
		require.ErrorAs(t, err, &ferr)
		assert.Equal(t, apperrors.ErrorTypeAuthentication, ferr.Type)
		assert.Contains(t, ferr.Error(), "authentication")

		stats := classifier.GetStats()
		assert.Equal(t, int64(1), stats[apperrors.ErrorTypeAuthentication].Count)
		assert.Len(t, stats, 1, "retried attempts are not counted")
	})

	t.Run("client error is not retried", func(t *testing.T) {
		h := newHarness(t)
		h.exchange.On("Klines", mock.Anything, mock.Anything).
			Return(nil, &apperrors.APIError{Endpoint: exchange.KlinesEndpoint, StatusCode: 400, Code: -1121, Message: "Invalid symbol."})

		_, err := h.orchestrator(t).FetchCandles(context.Background(), "NOPE", models.Interval1m, minutes(3))
		var ferr *apperrors.FetchError
		require.ErrorAs(t, err, &ferr)
		assert.Equal(t, 1, ferr.Attempts)
		var apiErr *apperrors.APIError
		assert.ErrorAs(t, err, &apiErr)
	})
}

func TestFetchCandlesReturnsDataWhenCacheWriteFails(t *testing.T) {
	h := newHarness(t)
	h.deps.Cache = cache.New(h.cfg.Cache, cache.WithFs(afero.NewReadOnlyFs(afero.NewMemMapFs())), cache.WithLogger(logger.Discard()))
	h.exchange.On("Klines", mock.Anything, mock.Anything).Return(makeCandles(base, time.Minute, 3), nil)

	got, err := h.orchestrator(t).FetchCandles(context.Background(), "BTCUSDT", models.Interval1m, minutes(3))
	assert.Len(t, got, 3)
	require.Error(t, err)
	assert.True(t, apperrors.IsCacheWriteOnly(err))
	var cw *apperrors.CacheWriteError
	assert.ErrorAs(t, err, &cw)
}

func TestFetchTradesPaginatesByID(t *testing.T) {
	h := newHarness(t)
	h.cfg.Fetch.MaxBatchSize = 3
	window := minutes(1)

	h.exchange.On("AggTrades", mock.Anything, params(
		"symbol", "BTCUSDT",
		"startTime", ms(window.Start),
		"endTime", ms(window.End.Add(-time.Millisecond)),
	)).Return(makeTrades(1, base, 3), nil).Once()
	h.exchange.On("AggTrades", mock.Anything, params("fromId", "4")).
		Return(makeTrades(4, base.Add(10*time.Second), 3), nil).Once()
	last := makeTrades(7, base.Add(50*time.Second), 1)
	last = append(last, models.Trade{ID: 8, Timestamp: window.End, Price: "100", Quantity: "1"})
	h.exchange.On("AggTrades", mock.Anything, params("fromId", "7")).Return(last, nil).Once()

	got, err := h.orchestrator(t).FetchTrades(context.Background(), "BTCUSDT", models.Interval1m, base, window)
	require.NoError(t, err)
	require.Len(t, got, 7)
	for i, tr := range got {
		assert.Equal(t, int64(i+1), tr.ID)
	}
	h.exchange.AssertExpectations(t)
}

func TestFetchTradesSlicesLongWindows(t *testing.T) {
	open := base
	window := models.TimeRange{Start: open, End: open.Add(4 * time.Hour)}

	sent := func(h *harness) []exchange.Params {
		var out []exchange.Params
		for _, call := range h.exchange.Calls {
			out = append(out, call.Arguments.Get(1).(exchange.Params))
		}
		return out
	}
	parse := func(t *testing.T, v string) time.Time {
		n, err := strconv.ParseInt(v, 10, 64)
		require.NoError(t, err)
		return time.UnixMilli(n).UTC()
	}

	t.Run("quiet candle walks every hour", func(t *testing.T) {
		h := newHarness(t)
		h.exchange.On("AggTrades", mock.Anything, mock.Anything).Return([]models.Trade{}, nil)

		got, err := h.orchestrator(t).FetchTrades(context.Background(), "BTCUSDT", models.Interval4h, open, window)
		require.NoError(t, err)
		assert.Empty(t, got)

		calls := sent(h)
		require.Len(t, calls, 4)
		cursor := window.Start
		for _, p := range calls {
			start, end := parse(t, p["startTime"]), parse(t, p["endTime"])
			assert.True(t, start.Equal(cursor), "slices must be contiguous")
			assert.Less(t, end.Sub(start), time.Hour)
			cursor = end.Add(time.Millisecond)
		}
		assert.True(t, cursor.Equal(window.End))
	})

	t.Run("full slice continues by id", func(t *testing.T) {
		h := newHarness(t)
		h.cfg.Fetch.MaxBatchSize = 2
		h.exchange.On("AggTrades", mock.Anything, params("startTime", ms(open))).
			Return(makeTrades(1, open, 2), nil).Once()
		h.exchange.On("AggTrades", mock.Anything, params("fromId", "3")).
			Return(makeTrades(3, open.Add(3*time.Hour), 1), nil).Once()

		got, err := h.orchestrator(t).FetchTrades(context.Background(), "BTCUSDT", models.Interval4h, open, window)
		require.NoError(t, err)
		assert.Len(t, got, 3)
		h.exchange.AssertExpectations(t)
		h.exchange.AssertNumberOfCalls(t, "AggTrades", 2)

		first := sent(h)[0]
		assert.Less(t, parse(t, first["endTime"]).Sub(parse(t, first["startTime"])), time.Hour)
	})
}

func TestFetchTradesSigning(t *testing.T) {
	t.Run("signed request", func(t *testing.T) {
		h := newHarness(t)
		h.cfg.API.SignTrades = true
		h.cfg.API.APISecret = "s3cret"

		h.exchange.On("AggTrades", mock.Anything, mock.MatchedBy(func(p exchange.Params) bool {
			want, err := signer.New().Sign(p, "s3cret")
			return err == nil &&
				p["timestamp"] == ms(now) &&
				p["recvWindow"] == "5000" &&
				p[signer.SignatureParam] == want
		})).Return(makeTrades(1, base, 2), nil).Once()

		got, err := h.orchestrator(t).FetchTrades(context.Background(), "BTCUSDT", models.Interval1m, base, minutes(1))
		require.NoError(t, err)
		assert.Len(t, got, 2)
		h.exchange.AssertExpectations(t)
	})

	t.Run("missing secret fails once", func(t *testing.T) {
		h := newHarness(t)
		h.cfg.API.SignTrades = true
		h.cfg.API.APISecret = ""

		_, err := h.orchestrator(t).FetchTrades(context.Background(), "BTCUSDT", models.Interval1m, base, minutes(1))
		var sigErr *apperrors.SignatureError
		require.ErrorAs(t, err, &sigErr)
		var ferr *apperrors.FetchError
		require.ErrorAs(t, err, &ferr)
		assert.Equal(t, 1, ferr.Attempts)
		h.exchange.AssertNotCalled(t, "AggTrades", mock.Anything, mock.Anything)
	})
}

func TestProcessCandleTrades(t *testing.T) {
	candle := makeCandles(base, time.Minute, 1)[0]

	t.Run("splits by aggressor", func(t *testing.T) {
		h := newHarness(t)
		h.exchange.On("AggTrades", mock.Anything, mock.Anything).Return([]models.Trade{
			{ID: 1, Timestamp: base, Price: "100", Quantity: "1.5", IsBuyerMaker: true},
			{ID: 2, Timestamp: base.Add(time.Second), Price: "100", Quantity: "2.25"},
			{ID: 3, Timestamp: base.Add(2 * time.Second), Price: "100", Quantity: "0.5", IsBuyerMaker: true},
		}, nil).Once()

		v, err := h.orchestrator(t).ProcessCandleTrades(context.Background(), "BTCUSDT", models.Interval1m, candle)
		require.NoError(t, err)
		assert.Equal(t, "2", v.Bid.String())
		assert.Equal(t, "2.25", v.Ask.String())
	})

	t.Run("quiet candle", func(t *testing.T) {
		h := newHarness(t)
		h.exchange.On("AggTrades", mock.Anything, mock.Anything).Return([]models.Trade{}, nil).Once()

		v, err := h.orchestrator(t).ProcessCandleTrades(context.Background(), "BTCUSDT", models.Interval1m, candle)
		require.NoError(t, err)
		assert.True(t, v.Bid.IsZero())
		assert.True(t, v.Ask.IsZero())
	})
}

func TestFetchCompleteDataset(t *testing.T) {
	h := newHarness(t)
	h.cfg.Fetch.IncludeTrades = true
	store := storage.NewMemoryStore()
	h.deps.Storage = store
	r := minutes(3)

	h.exchange.On("Klines", mock.Anything, mock.Anything).Return(makeCandles(base, time.Minute, 3), nil).Once()
	for i := 0; i < 3; i++ {
		open := base.Add(time.Duration(i) * time.Minute)
		h.exchange.On("AggTrades", mock.Anything, params("startTime", ms(open))).Return([]models.Trade{
			{ID: int64(10*i + 1), Timestamp: open, Price: "100", Quantity: "1.5", IsBuyerMaker: true},
			{ID: int64(10*i + 2), Timestamp: open.Add(time.Second), Price: "100", Quantity: "2.25"},
		}, nil).Once()
	}

	o := h.orchestrator(t)
	ctx := context.Background()
	ds, err := o.FetchCompleteDataset(ctx, "BTCUSDT", models.Interval1m, r)
	require.NoError(t, err)
	require.NotNil(t, ds)

	assert.Equal(t, "BTCUSDT", ds.Symbol)
	assert.Equal(t, 6, ds.TradeCount)
	assert.True(t, ds.FetchedAt.Equal(now))
	assert.True(t, ds.HasVolumes())
	for _, c := range ds.Candles {
		assert.Equal(t, "1.5", c.BidVolume)
		assert.Equal(t, "2.25", c.AskVolume)
	}

	assert.Equal(t, 3, h.sink.candlesTotal)
	assert.Equal(t, 3*h.cfg.Fetch.EstimatedTradesPerCandle, h.sink.tradesTotal)
	assert.Equal(t, 3, h.sink.candles)
	assert.Equal(t, 6, h.sink.trades)
	assert.Equal(t, 1, h.sink.finishes)

	stored, err := store.LoadCandles(ctx, "BTCUSDT", models.Interval1m, r)
	require.NoError(t, err)
	assert.Equal(t, ds.Candles, stored)

	// everything is cached now
	again, err := o.FetchCompleteDataset(ctx, "BTCUSDT", models.Interval1m, r)
	require.NoError(t, err)
	assert.Equal(t, ds.Candles, again.Candles)
	h.exchange.AssertNumberOfCalls(t, "Klines", 1)
	h.exchange.AssertNumberOfCalls(t, "AggTrades", 3)
}

func TestFetchCompleteDatasetFailures(t *testing.T) {
	t.Run("candle fetch failure finishes progress", func(t *testing.T) {
		h := newHarness(t)
		h.exchange.On("Klines", mock.Anything, mock.Anything).
			Return(nil, &apperrors.APIError{StatusCode: 400, Message: "bad request"})

		ds, err := h.orchestrator(t).FetchCompleteDataset(context.Background(), "BTCUSDT", models.Interval1m, minutes(3))
		assert.Nil(t, ds)
		require.Error(t, err)
		assert.False(t, apperrors.IsCacheWriteOnly(err))
		assert.Equal(t, 1, h.sink.finishes)
	})

	t.Run("invalid request finishes progress", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.orchestrator(t).FetchCompleteDataset(context.Background(), "", models.Interval1m, minutes(3))
		require.Error(t, err)
		assert.Equal(t, 1, h.sink.finishes)
	})

	t.Run("cancellation between candles", func(t *testing.T) {
		h := newHarness(t)
		h.cfg.Fetch.IncludeTrades = true
		ctx, cancel := context.WithCancel(context.Background())
		h.exchange.On("Klines", mock.Anything, mock.Anything).Return(makeCandles(base, time.Minute, 3), nil).Once()
		h.exchange.On("AggTrades", mock.Anything, mock.Anything).
			Run(func(mock.Arguments) { cancel() }).
			Return([]models.Trade{}, nil).Once()

		ds, err := h.orchestrator(t).FetchCompleteDataset(ctx, "BTCUSDT", models.Interval1m, minutes(3))
		assert.Nil(t, ds)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, h.sink.finishes)
	})

	t.Run("cache write failure keeps the dataset", func(t *testing.T) {
		h := newHarness(t)
		h.deps.Cache = cache.New(h.cfg.Cache, cache.WithFs(afero.NewReadOnlyFs(afero.NewMemMapFs())), cache.WithLogger(logger.Discard()))
		h.exchange.On("Klines", mock.Anything, mock.Anything).Return(makeCandles(base, time.Minute, 3), nil)

		ds, err := h.orchestrator(t).FetchCompleteDataset(context.Background(), "BTCUSDT", models.Interval1m, minutes(3))
		require.NotNil(t, ds)
		assert.Len(t, ds.Candles, 3)
		assert.True(t, apperrors.IsCacheWriteOnly(err))
	})

	t.Run("storage failure keeps the dataset", func(t *testing.T) {
		h := newHarness(t)
		store := storage.NewMemoryStore()
		require.NoError(t, store.Close())
		h.deps.Storage = store
		h.exchange.On("Klines", mock.Anything, mock.Anything).Return(makeCandles(base, time.Minute, 3), nil)

		ds, err := h.orchestrator(t).FetchCompleteDataset(context.Background(), "BTCUSDT", models.Interval1m, minutes(3))
		require.NotNil(t, ds)
		require.Error(t, err)
		assert.False(t, apperrors.IsCacheWriteOnly(err))
	})
}

func TestBulk(t *testing.T) {
	h := newHarness(t)
	h.cfg.Fetch.Concurrency = 2
	h.exchange.On("Klines", mock.Anything, params("symbol", "BTCUSDT")).
		Return(makeCandles(base, time.Minute, 3), nil).Once()
	h.exchange.On("Klines", mock.Anything, params("symbol", "ETHUSDT")).
		Return(nil, &apperrors.APIError{StatusCode: 400, Code: -1121, Message: "Invalid symbol."}).Once()

	results, err := h.orchestrator(t).Bulk(context.Background(), []string{"btcusdt", "ETHUSDT", " BTCUSDT "}, models.Interval1m, minutes(3))
	require.Len(t, results, 2)

	assert.Equal(t, "BTCUSDT", results[0].Symbol)
	require.NotNil(t, results[0].Dataset)
	assert.NoError(t, results[0].Err)
	assert.Len(t, results[0].Dataset.Candles, 3)

	assert.Equal(t, "ETHUSDT", results[1].Symbol)
	assert.Nil(t, results[1].Dataset)
	assert.Error(t, results[1].Err)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "ETHUSDT")

	assert.Equal(t, 3, h.sink.candlesTotal)
	assert.Equal(t, 3, h.sink.candles)
	assert.Equal(t, 1, h.sink.finishes)
	assert.Equal(t, int64(2), h.limiter.Stats().Grants)
}

func TestBulkRequiresSymbols(t *testing.T) {
	h := newHarness(t)
	_, err := h.orchestrator(t).Bulk(context.Background(), []string{" ", ""}, models.Interval1m, minutes(3))
	assert.Error(t, err)
}

func TestFetchMinuteBars(t *testing.T) {
	h := newHarness(t)
	h.cfg.Fetch.EstimatedTradesPerCandle = 2
	r := models.TimeRange{Start: base, End: base.Add(2 * time.Hour)}

	h.exchange.On("Klines", mock.Anything, params("interval", "1h")).
		Return(makeCandles(base, time.Hour, 2), nil).Once()
	h.exchange.On("AggTrades", mock.Anything, params("startTime", ms(base))).
		Return([]models.Trade{
			{ID: 1, Timestamp: base, Price: "100", Quantity: "1", IsBuyerMaker: true},
			{ID: 2, Timestamp: base.Add(30 * time.Second), Price: "101", Quantity: "2"},
			{ID: 3, Timestamp: base.Add(5 * time.Minute), Price: "99", Quantity: "1"},
		}, nil).Once()
	h.exchange.On("AggTrades", mock.Anything, params("startTime", ms(base.Add(time.Hour)))).
		Return([]models.Trade{
			{ID: 4, Timestamp: base.Add(time.Hour + time.Second), Price: "98", Quantity: "4"},
		}, nil).Once()

	o := h.orchestrator(t)
	bars, err := o.FetchMinuteBars(context.Background(), "BTCUSDT", models.Interval1h, r)
	require.NoError(t, err)
	require.Len(t, bars, 3)

	assert.True(t, bars[0].OpenTime.Equal(base))
	assert.Equal(t, "100", bars[0].Open)
	assert.Equal(t, "101", bars[0].Close)
	assert.Equal(t, "3", bars[0].Volume)
	assert.Equal(t, "1", bars[0].BidVolume)
	assert.Equal(t, "2", bars[0].AskVolume)
	assert.Equal(t, 2, bars[0].TradeCount)
	assert.True(t, bars[2].OpenTime.Equal(base.Add(time.Hour)))

	assert.Equal(t, 2, h.sink.candles)
	assert.Equal(t, 4, h.sink.trades)
	assert.Equal(t, 1, h.sink.finishes)

	again, err := o.FetchMinuteBars(context.Background(), "BTCUSDT", models.Interval1h, r)
	require.NoError(t, err)
	assert.Equal(t, bars, again)
	h.exchange.AssertExpectations(t)
	h.exchange.AssertNumberOfCalls(t, "AggTrades", 2)
}
