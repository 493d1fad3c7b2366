package models

import "time"

// Dataset is the result of a complete fetch: candles for a range with their
// bid/ask volumes merged in from the trades of each candle window.
type Dataset struct {
	Symbol     string      `json:"symbol"`
	Interval   Interval    `json:"interval"`
	Range      TimeRange   `json:"range"`
	Candles    CandleBatch `json:"candles"`
	TradeCount int         `json:"trade_count"`
	FetchedAt  time.Time   `json:"fetched_at"`
}

// HasVolumes reports whether every candle carries a bid/ask split.
func (d *Dataset) HasVolumes() bool {
	for _, c := range d.Candles {
		if c.BidVolume == "" || c.AskVolume == "" {
			return false
		}
	}
	return len(d.Candles) > 0
}
