// Package models provides the market data structures shared by the fetch pipeline:
// time ranges, candle intervals, candles, trades and validation results.
package models

import (
	"fmt"
	"sort"
	"time"
)

// Interval is a candle granularity using the exchange's notation ("1m", "1h", ...).
type Interval string

// Supported intervals.
const (
	Interval1m  Interval = "1m"
	Interval3m  Interval = "3m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval2h  Interval = "2h"
	Interval4h  Interval = "4h"
	Interval6h  Interval = "6h"
	Interval8h  Interval = "8h"
	Interval12h Interval = "12h"
	Interval1d  Interval = "1d"
	Interval3d  Interval = "3d"
	Interval1w  Interval = "1w"
)

var intervalDurations = map[Interval]time.Duration{
	Interval1m:  time.Minute,
	Interval3m:  3 * time.Minute,
	Interval5m:  5 * time.Minute,
	Interval15m: 15 * time.Minute,
	Interval30m: 30 * time.Minute,
	Interval1h:  time.Hour,
	Interval2h:  2 * time.Hour,
	Interval4h:  4 * time.Hour,
	Interval6h:  6 * time.Hour,
	Interval8h:  8 * time.Hour,
	Interval12h: 12 * time.Hour,
	Interval1d:  24 * time.Hour,
	Interval3d:  72 * time.Hour,
	Interval1w:  7 * 24 * time.Hour,
}

// ParseInterval converts a string such as "15m" into an Interval.
func ParseInterval(s string) (Interval, error) {
	iv := Interval(s)
	if _, ok := intervalDurations[iv]; !ok {
		return "", &ValidationError{Field: "interval", Message: fmt.Sprintf("unsupported interval %q", s)}
	}
	return iv, nil
}

// Duration returns the length of one candle. Unknown intervals return zero.
func (i Interval) Duration() time.Duration {
	return intervalDurations[i]
}

// Valid reports whether the interval has a duration mapping.
func (i Interval) Valid() bool {
	return i.Duration() > 0
}

// ExpectedCandles returns how many candles of this interval open inside r.
func (i Interval) ExpectedCandles(r TimeRange) int {
	d := i.Duration()
	if d <= 0 || !r.Valid() {
		return 0
	}
	span := r.Duration()
	n := span / d
	if span%d != 0 {
		n++
	}
	return int(n)
}

func (i Interval) String() string {
	return string(i)
}

// SupportedIntervals lists every interval ordered by duration.
func SupportedIntervals() []Interval {
	out := make([]Interval, 0, len(intervalDurations))
	for iv := range intervalDurations {
		out = append(out, iv)
	}
	sort.Slice(out, func(a, b int) bool {
		return intervalDurations[out[a]] < intervalDurations[out[b]]
	})
	return out
}

// TimeRange is a half-open UTC interval [Start, End).
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewTimeRange normalizes both bounds to UTC and requires Start < End.
func NewTimeRange(start, end time.Time) (TimeRange, error) {
	r := TimeRange{Start: start.UTC(), End: end.UTC()}
	if !r.Valid() {
		return TimeRange{}, &ValidationError{
			Field:   "range",
			Message: fmt.Sprintf("start %s must be before end %s", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339)),
		}
	}
	return r, nil
}

// Valid reports whether Start is strictly before End.
func (r TimeRange) Valid() bool {
	return r.Start.Before(r.End)
}

// Duration returns End - Start.
func (r TimeRange) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// Contains reports whether t falls inside [Start, End).
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

func (r TimeRange) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
}

// ValidationError describes an invalid model value.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}
