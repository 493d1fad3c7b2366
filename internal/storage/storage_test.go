package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-marketdata-fetcher/internal/config"
	"github.com/johnayoung/go-marketdata-fetcher/internal/logger"
	"github.com/johnayoung/go-marketdata-fetcher/internal/models"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testDataset(symbol string, n int, close string) *models.Dataset {
	candles := make(models.CandleBatch, 0, n)
	for i := 0; i < n; i++ {
		candles = append(candles, models.Candle{
			OpenTime:  base.Add(time.Duration(i) * time.Minute),
			Open:      "100.5",
			High:      "101.25",
			Low:       "99.75",
			Close:     close,
			Volume:    "12.5",
			BidVolume: "5.25",
			AskVolume: "7.25",
		})
	}
	return &models.Dataset{
		Symbol:   symbol,
		Interval: models.Interval("1m"),
		Range:    models.TimeRange{Start: base, End: base.Add(time.Duration(n) * time.Minute)},
		Candles:  candles,
	}
}

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) Store { return NewMemoryStore() }},
		{"sqlite", func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "fetcher.db"), logger.Discard())
			require.NoError(t, err)
			return s
		}},
		{"duckdb", func(t *testing.T) Store {
			s, err := NewDuckDBStore(":memory:", logger.Discard())
			require.NoError(t, err)
			require.NoError(t, s.Initialize(context.Background()))
			return s
		}},
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)
			defer s.Close()

			ds := testDataset("BTCUSDT", 5, "100.75")
			require.NoError(t, s.SaveDataset(ctx, ds))

			got, err := s.LoadCandles(ctx, "BTCUSDT", "1m", ds.Range)
			require.NoError(t, err)
			require.Len(t, got, 5)
			assert.Equal(t, ds.Candles[0], got[0])
			assert.True(t, got.IsStrictlyIncreasing())

			sub := models.TimeRange{Start: base.Add(time.Minute), End: base.Add(3 * time.Minute)}
			got, err = s.LoadCandles(ctx, "BTCUSDT", "1m", sub)
			require.NoError(t, err)
			assert.Len(t, got, 2)

			got, err = s.LoadCandles(ctx, "ETHUSDT", "1m", ds.Range)
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestStoreReplacesRange(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)
			defer s.Close()

			require.NoError(t, s.SaveDataset(ctx, testDataset("BTCUSDT", 5, "100.75")))

			// a refetch of the same range with fewer rows drops the stale ones
			second := testDataset("BTCUSDT", 5, "101")
			second.Candles = second.Candles[:3]
			require.NoError(t, s.SaveDataset(ctx, second))

			got, err := s.LoadCandles(ctx, "BTCUSDT", "1m", second.Range)
			require.NoError(t, err)
			require.Len(t, got, 3)
			for _, c := range got {
				assert.Equal(t, "101", c.Close)
			}
		})
	}
}

func TestStoreStats(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)
			defer s.Close()

			stats, err := s.Stats(ctx)
			require.NoError(t, err)
			assert.Zero(t, stats.TotalCandles)
			assert.True(t, stats.EarliestData.IsZero())

			require.NoError(t, s.SaveDataset(ctx, testDataset("BTCUSDT", 4, "100.75")))
			require.NoError(t, s.SaveDataset(ctx, testDataset("ETHUSDT", 2, "100.75")))

			stats, err = s.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(6), stats.TotalCandles)
			assert.Equal(t, 2, stats.Symbols)
			assert.True(t, stats.EarliestData.Equal(base))
			assert.True(t, stats.LatestData.Equal(base.Add(3*time.Minute)))

			assert.NoError(t, s.HealthCheck(ctx))
		})
	}
}

func TestStoreRejectsBadDatasets(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)
			defer s.Close()

			outside := testDataset("BTCUSDT", 3, "100.75")
			outside.Range.End = base.Add(time.Minute)

			noSymbol := testDataset("", 1, "100.75")

			for _, ds := range []*models.Dataset{nil, outside, noSymbol} {
				err := s.SaveDataset(ctx, ds)
				var storageErr *StorageError
				require.True(t, errors.As(err, &storageErr))
				assert.Equal(t, "insert", storageErr.Operation)
			}
		})
	}
}

func TestClosedStore(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			require.NoError(t, s.Close())
			require.NoError(t, s.Close())

			assert.Error(t, s.HealthCheck(context.Background()))
			assert.Error(t, s.SaveDataset(context.Background(), testDataset("BTCUSDT", 1, "100.75")))
		})
	}
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	s, err := New(ctx, config.StorageConfig{Type: "none"}, logger.Discard())
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = New(ctx, config.StorageConfig{Type: "memory"}, logger.Discard())
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = New(ctx, config.StorageConfig{Type: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "x", "db.sqlite")}, logger.Discard())
	require.NoError(t, err)
	assert.NoError(t, s.Close())

	_, err = New(ctx, config.StorageConfig{Type: "parquet"}, logger.Discard())
	assert.Error(t, err)
}
