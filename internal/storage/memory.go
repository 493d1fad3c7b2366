package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/johnayoung/go-marketdata-fetcher/internal/models"
)

type seriesKey struct {
	symbol   string
	interval models.Interval
}

// MemoryStore keeps datasets in process memory. It is used by tests and by
// runs that only want the CLI summary.
type MemoryStore struct {
	mu     sync.RWMutex
	series map[seriesKey]map[int64]models.Candle
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{series: make(map[seriesKey]map[int64]models.Candle)}
}

func (m *MemoryStore) SaveDataset(ctx context.Context, ds *models.Dataset) error {
	if ctx.Err() != nil {
		return NewInsertError("candles", ctx.Err())
	}
	if err := checkDataset(ds); err != nil {
		return NewInsertError("candles", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return NewInsertError("candles", errors.New("storage is closed"))
	}

	key := seriesKey{symbol: ds.Symbol, interval: ds.Interval}
	rows, ok := m.series[key]
	if !ok {
		rows = make(map[int64]models.Candle)
		m.series[key] = rows
	}
	for ts, c := range rows {
		if ds.Range.Contains(c.OpenTime) {
			delete(rows, ts)
		}
	}
	for _, c := range ds.Candles {
		c.OpenTime = c.OpenTime.UTC()
		rows[c.OpenTime.UnixMilli()] = c
	}
	return nil
}

func (m *MemoryStore) LoadCandles(ctx context.Context, symbol string, interval models.Interval, r models.TimeRange) (models.CandleBatch, error) {
	if ctx.Err() != nil {
		return nil, NewQueryError("candles", "", ctx.Err())
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, NewQueryError("candles", "", errors.New("storage is closed"))
	}

	var out models.CandleBatch
	for _, c := range m.series[seriesKey{symbol: symbol, interval: interval}] {
		if r.Contains(c.OpenTime) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	return out, nil
}

func (m *MemoryStore) Stats(ctx context.Context) (*StorageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		stats   StorageStats
		symbols = make(map[string]struct{})
	)
	for key, rows := range m.series {
		if len(rows) == 0 {
			continue
		}
		symbols[key.symbol] = struct{}{}
		for _, c := range rows {
			stats.TotalCandles++
			stats.EarliestData = earliest(stats.EarliestData, c.OpenTime)
			if c.OpenTime.After(stats.LatestData) {
				stats.LatestData = c.OpenTime
			}
		}
	}
	stats.Symbols = len(symbols)
	return &stats, nil
}

func earliest(cur, t time.Time) time.Time {
	if cur.IsZero() || t.Before(cur) {
		return t
	}
	return cur
}

func (m *MemoryStore) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return NewStorageError("health_check", "", "", errors.New("storage is closed"))
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

var _ Store = (*MemoryStore)(nil)
