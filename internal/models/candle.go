package models

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV row. Prices and volumes keep the exchange's decimal string
// representation; BidVolume and AskVolume are filled in when trades are merged.
type Candle struct {
	OpenTime  time.Time `json:"open_time" db:"open_time"`
	Open      string    `json:"open" db:"open"`
	High      string    `json:"high" db:"high"`
	Low       string    `json:"low" db:"low"`
	Close     string    `json:"close" db:"close"`
	Volume    string    `json:"volume" db:"volume"`
	BidVolume string    `json:"bid_volume,omitempty" db:"bid_volume"`
	AskVolume string    `json:"ask_volume,omitempty" db:"ask_volume"`
}

// Window returns the candle's own time bucket [OpenTime, OpenTime+interval).
func (c Candle) Window(interval Interval) TimeRange {
	return TimeRange{Start: c.OpenTime, End: c.OpenTime.Add(interval.Duration())}
}

// Validate checks that all price fields parse, prices are positive, volume is
// non-negative and the OHLC envelope holds.
func (c *Candle) Validate() error {
	if c.OpenTime.IsZero() {
		return &ValidationError{Field: "open_time", Message: "open time cannot be zero"}
	}

	open, high, low, closePrice, volume, err := c.Decimals()
	if err != nil {
		return err
	}

	zero := decimal.Zero
	prices := []struct {
		field string
		v     decimal.Decimal
	}{{"open", open}, {"high", high}, {"low", low}, {"close", closePrice}}
	for _, p := range prices {
		if p.v.LessThanOrEqual(zero) {
			return &ValidationError{Field: p.field, Message: p.field + " price must be greater than 0"}
		}
	}
	if volume.LessThan(zero) {
		return &ValidationError{Field: "volume", Message: "volume must be greater than or equal to 0"}
	}

	if high.LessThan(low) {
		return &ValidationError{Field: "high", Message: fmt.Sprintf("high (%s) is below low (%s)", high, low)}
	}
	if maxOC := decimal.Max(open, closePrice); high.LessThan(maxOC) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%s) must be greater than or equal to max(open, close) (%s)", high, maxOC),
		}
	}
	if minOC := decimal.Min(open, closePrice); low.GreaterThan(minOC) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low price (%s) must be less than or equal to min(open, close) (%s)", low, minOC),
		}
	}

	return nil
}

// Decimals parses open, high, low, close and volume.
func (c *Candle) Decimals() (open, high, low, closePrice, volume decimal.Decimal, err error) {
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"open", c.Open, &open},
		{"high", c.High, &high},
		{"low", c.Low, &low},
		{"close", c.Close, &closePrice},
		{"volume", c.Volume, &volume},
	}
	for _, f := range fields {
		v, perr := decimal.NewFromString(f.raw)
		if perr != nil {
			err = &ValidationError{Field: f.name, Message: fmt.Sprintf("invalid %s format: %v", f.name, perr)}
			return
		}
		*f.dst = v
	}
	return
}

// Volatility returns the relative body move |close - open| / open.
func (c *Candle) Volatility() (decimal.Decimal, error) {
	open, err := decimal.NewFromString(c.Open)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse open price: %w", err)
	}
	closePrice, err := decimal.NewFromString(c.Close)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse close price: %w", err)
	}
	if open.IsZero() {
		return decimal.Zero, fmt.Errorf("cannot calculate volatility with zero open price")
	}
	return closePrice.Sub(open).Abs().Div(open), nil
}

// WithVolumes returns a copy of the candle carrying the given bid/ask split.
func (c Candle) WithVolumes(v BidAskVolumes) Candle {
	c.BidVolume = v.Bid.String()
	c.AskVolume = v.Ask.String()
	return c
}

func (c Candle) String() string {
	return fmt.Sprintf("Candle{OpenTime: %s, O: %s, H: %s, L: %s, C: %s, V: %s}",
		c.OpenTime.Format(time.RFC3339), c.Open, c.High, c.Low, c.Close, c.Volume)
}

// CandleBatch is a sequence of candles ordered by OpenTime.
type CandleBatch []Candle

// DedupeAndSort drops repeated open times, keeping the first occurrence, and
// sorts the remainder ascending.
func (b CandleBatch) DedupeAndSort() CandleBatch {
	seen := make(map[int64]struct{}, len(b))
	out := make(CandleBatch, 0, len(b))
	for _, c := range b {
		k := c.OpenTime.UnixMilli()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OpenTime.Before(out[j].OpenTime)
	})
	return out
}

// IsStrictlyIncreasing reports whether open times increase with no duplicates.
func (b CandleBatch) IsStrictlyIncreasing() bool {
	for i := 1; i < len(b); i++ {
		if !b[i].OpenTime.After(b[i-1].OpenTime) {
			return false
		}
	}
	return true
}

// Last returns the final candle, or false when the batch is empty.
func (b CandleBatch) Last() (Candle, bool) {
	if len(b) == 0 {
		return Candle{}, false
	}
	return b[len(b)-1], true
}
