package models

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Trade is a single executed trade inside a candle's window.
type Trade struct {
	ID           int64     `json:"id" db:"id"`
	Timestamp    time.Time `json:"timestamp" db:"timestamp"`
	Price        string    `json:"price" db:"price"`
	Quantity     string    `json:"quantity" db:"quantity"`
	IsBuyerMaker bool      `json:"is_buyer_maker" db:"is_buyer_maker"`
}

// TradeBatch is a sequence of trades ordered by ID.
type TradeBatch []Trade

// DedupeAndSort drops repeated trade ids and sorts ascending by id.
func (b TradeBatch) DedupeAndSort() TradeBatch {
	seen := make(map[int64]struct{}, len(b))
	out := make(TradeBatch, 0, len(b))
	for _, t := range b {
		if _, ok := seen[t.ID]; ok {
			continue
		}
		seen[t.ID] = struct{}{}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

// Within keeps only trades whose timestamp falls inside r.
func (b TradeBatch) Within(r TimeRange) TradeBatch {
	out := make(TradeBatch, 0, len(b))
	for _, t := range b {
		if r.Contains(t.Timestamp) {
			out = append(out, t)
		}
	}
	return out
}

// BidAskVolumes splits a candle's traded quantity by aggressor side.
//
// A trade with IsBuyerMaker set was initiated by a seller hitting a resting buy
// order, so its quantity is counted as Bid volume. Every other trade was a buyer
// lifting a resting sell order and counts as Ask volume.
type BidAskVolumes struct {
	Bid decimal.Decimal `json:"bid_volume"`
	Ask decimal.Decimal `json:"ask_volume"`
}

// Total returns Bid + Ask.
func (v BidAskVolumes) Total() decimal.Decimal {
	return v.Bid.Add(v.Ask)
}

// Volumes aggregates the batch into bid and ask volume. An empty batch yields zeros.
func (b TradeBatch) Volumes() (BidAskVolumes, error) {
	out := BidAskVolumes{Bid: decimal.Zero, Ask: decimal.Zero}
	for _, t := range b {
		q, err := decimal.NewFromString(t.Quantity)
		if err != nil {
			return BidAskVolumes{}, fmt.Errorf("trade %d: invalid quantity %q: %w", t.ID, t.Quantity, err)
		}
		if t.IsBuyerMaker {
			out.Bid = out.Bid.Add(q)
		} else {
			out.Ask = out.Ask.Add(q)
		}
	}
	return out, nil
}

// TotalQuantity sums every trade's quantity.
func (b TradeBatch) TotalQuantity() (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, t := range b {
		q, err := decimal.NewFromString(t.Quantity)
		if err != nil {
			return decimal.Zero, fmt.Errorf("trade %d: invalid quantity %q: %w", t.ID, t.Quantity, err)
		}
		sum = sum.Add(q)
	}
	return sum, nil
}

// Last returns the final trade, or false when the batch is empty.
func (b TradeBatch) Last() (Trade, bool) {
	if len(b) == 0 {
		return Trade{}, false
	}
	return b[len(b)-1], true
}
