package cache

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/johnayoung/go-marketdata-fetcher/internal/models"
)

// Key identifies one cached blob. Candle keys cover a requested time range; trade keys
// cover the window of a single candle and are addressed by its open time.
type Key struct {
	Kind     models.BatchKind
	Symbol   string
	Interval models.Interval
	Start    time.Time
	End      time.Time
}

// CandleKey returns the key for candles of symbol/interval over r.
func CandleKey(symbol string, interval models.Interval, r models.TimeRange) Key {
	return Key{
		Kind:     models.KindCandles,
		Symbol:   symbol,
		Interval: interval,
		Start:    r.Start.UTC(),
		End:      r.End.UTC(),
	}
}

// TradeKey returns the key for the trades inside the candle opening at openTime.
func TradeKey(symbol string, interval models.Interval, openTime time.Time) Key {
	openTime = openTime.UTC()
	return Key{
		Kind:     models.KindTrades,
		Symbol:   symbol,
		Interval: interval,
		Start:    openTime,
		End:      openTime.Add(interval.Duration()),
	}
}

func (k Key) String() string {
	if k.Kind == models.KindTrades {
		return fmt.Sprintf("%s/%s/trades/%d", k.Symbol, k.Interval, k.Start.UnixMilli())
	}
	return fmt.Sprintf("%s/%s/candles/%d_%d", k.Symbol, k.Interval, k.Start.UnixMilli(), k.End.UnixMilli())
}

// dataPath is the payload location under dir. The same key always maps to the same path.
//
// layout:
// - <symbol>/<interval>/candles_<startMs>_<endMs>.json
// - <symbol>/<interval>/trades/<openTimeMs>.json
func (k Key) dataPath(dir string) string {
	base := filepath.Join(dir, pathSegment(k.Symbol), pathSegment(string(k.Interval)))
	if k.Kind == models.KindTrades {
		return filepath.Join(base, "trades", fmt.Sprintf("%d.json", k.Start.UnixMilli()))
	}
	return filepath.Join(base, fmt.Sprintf("candles_%d_%d.json", k.Start.UnixMilli(), k.End.UnixMilli()))
}

func (k Key) metaPath(dir string) string {
	return strings.TrimSuffix(k.dataPath(dir), ".json") + ".meta.json"
}

// matches reports whether m describes exactly this key.
func (k Key) matches(m Metadata) bool {
	return m.Kind == k.Kind &&
		m.Symbol == k.Symbol &&
		m.Interval == k.Interval &&
		m.Start.Equal(k.Start) &&
		m.End.Equal(k.End)
}

func pathSegment(s string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
}
