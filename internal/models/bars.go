package models

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// MinuteBar is a one-minute OHLC bar resampled from trades.
type MinuteBar struct {
	Candle
	TradeCount int `json:"trade_count"`
}

// MinuteBars resamples the batch into one-minute bars keyed by the minute each
// trade falls in. Open and close are the first and last trade of the minute by
// time. Minutes without trades produce no bar.
func (b TradeBatch) MinuteBars() ([]MinuteBar, error) {
	if len(b) == 0 {
		return nil, nil
	}

	trades := make(TradeBatch, len(b))
	copy(trades, b)
	sort.SliceStable(trades, func(i, j int) bool {
		if trades[i].Timestamp.Equal(trades[j].Timestamp) {
			return trades[i].ID < trades[j].ID
		}
		return trades[i].Timestamp.Before(trades[j].Timestamp)
	})

	var bars []MinuteBar
	for start := 0; start < len(trades); {
		minute := trades[start].Timestamp.UTC().Truncate(time.Minute)
		end := start
		for end < len(trades) && trades[end].Timestamp.UTC().Truncate(time.Minute).Equal(minute) {
			end++
		}
		bar, err := minuteBar(minute, trades[start:end])
		if err != nil {
			return nil, err
		}
		bars = append(bars, bar)
		start = end
	}
	return bars, nil
}

func minuteBar(minute time.Time, trades TradeBatch) (MinuteBar, error) {
	var high, low decimal.Decimal
	for i, t := range trades {
		p, err := decimal.NewFromString(t.Price)
		if err != nil {
			return MinuteBar{}, fmt.Errorf("trade %d: invalid price %q: %w", t.ID, t.Price, err)
		}
		if i == 0 || p.GreaterThan(high) {
			high = p
		}
		if i == 0 || p.LessThan(low) {
			low = p
		}
	}

	volume, err := trades.TotalQuantity()
	if err != nil {
		return MinuteBar{}, err
	}
	split, err := trades.Volumes()
	if err != nil {
		return MinuteBar{}, err
	}

	c := Candle{
		OpenTime: minute,
		Open:     trades[0].Price,
		High:     high.String(),
		Low:      low.String(),
		Close:    trades[len(trades)-1].Price,
		Volume:   volume.String(),
	}
	return MinuteBar{Candle: c.WithVolumes(split), TradeCount: len(trades)}, nil
}
