// Package progress reports the advance of long dataset downloads. A Sink is
// fed by the fetcher; the console backend renders a throttled status line and
// the dashboard backend serves the same state over HTTP.
package progress

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/johnayoung/go-marketdata-fetcher/internal/config"
	"github.com/johnayoung/go-marketdata-fetcher/internal/metrics"
)

const (
	BackendConsole   = "console"
	BackendDashboard = "dashboard"
	BackendNone      = "none"

	defaultThrottle = time.Second
)

// Sink receives progress updates. Implementations must be safe for concurrent use.
type Sink interface {
	SetTotals(candlesTotal, tradesTotal int)
	UpdateCandleProgress(n int)
	UpdateTradeProgress(n int)
	Finish()
}

// State is a snapshot of a tracker.
type State struct {
	CandlesDone   int           `json:"candles_done"`
	CandlesTotal  int           `json:"candles_total"`
	CandlePercent float64       `json:"candle_percent"`
	TradesDone    int           `json:"trades_done"`
	TradesTotal   int           `json:"trades_total"`
	TradePercent  float64       `json:"trade_percent"`
	StartedAt     time.Time     `json:"started_at"`
	Elapsed       time.Duration `json:"elapsed"`
	ETA           time.Duration `json:"eta"`
	Finished      bool          `json:"finished"`
}

// Line renders the state as a single status line.
func (s State) Line() string {
	return fmt.Sprintf("Candles %d/%d (%.1f%%) | Trades %d/%d (%.1f%%) | Elapsed %s | ETA %s",
		s.CandlesDone, s.CandlesTotal, s.CandlePercent,
		s.TradesDone, s.TradesTotal, s.TradePercent,
		FormatDuration(s.Elapsed), FormatDuration(s.ETA))
}

// Tracker counts progress. It is the shared core of every backend and a valid
// Sink on its own.
type Tracker struct {
	mu           sync.Mutex
	now          func() time.Time
	startedAt    time.Time
	finishedAt   time.Time
	candlesDone  int
	candlesTotal int
	tradesDone   int
	tradesTotal  int
}

// NewTracker starts a tracker at now(). A nil now uses time.Now.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now, startedAt: now()}
}

func (t *Tracker) SetTotals(candlesTotal, tradesTotal int) {
	t.mu.Lock()
	t.candlesTotal = candlesTotal
	t.tradesTotal = tradesTotal
	t.mu.Unlock()
}

func (t *Tracker) UpdateCandleProgress(n int) {
	t.mu.Lock()
	t.candlesDone += n
	t.mu.Unlock()
}

func (t *Tracker) UpdateTradeProgress(n int) {
	t.mu.Lock()
	t.tradesDone += n
	t.mu.Unlock()
}

// Finish freezes the elapsed time. Later calls are no-ops.
func (t *Tracker) Finish() {
	t.mu.Lock()
	if t.finishedAt.IsZero() {
		t.finishedAt = t.now()
	}
	t.mu.Unlock()
}

// Snapshot returns the current state.
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	end := t.finishedAt
	if end.IsZero() {
		end = t.now()
	}
	s := State{
		CandlesDone:   t.candlesDone,
		CandlesTotal:  t.candlesTotal,
		CandlePercent: percent(t.candlesDone, t.candlesTotal),
		TradesDone:    t.tradesDone,
		TradesTotal:   t.tradesTotal,
		TradePercent:  percent(t.tradesDone, t.tradesTotal),
		StartedAt:     t.startedAt,
		Elapsed:       end.Sub(t.startedAt),
		Finished:      !t.finishedAt.IsZero(),
	}
	// trade totals are estimates, so the ETA follows candles
	if !s.Finished && s.CandlesDone > 0 && s.CandlesTotal > s.CandlesDone {
		perCandle := s.Elapsed / time.Duration(s.CandlesDone)
		s.ETA = perCandle * time.Duration(s.CandlesTotal-s.CandlesDone)
	}
	return s
}

func percent(done, total int) float64 {
	if total < 1 {
		total = 1
	}
	return float64(done) / float64(total) * 100
}

// FormatDuration renders d as h:mm:ss, truncated to whole seconds.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%d:%02d:%02d", secs/3600, (secs/60)%60, secs%60)
}

// Nop discards all updates.
type Nop struct{}

func (Nop) SetTotals(int, int)       {}
func (Nop) UpdateCandleProgress(int) {}
func (Nop) UpdateTradeProgress(int)  {}
func (Nop) Finish()                  {}

// Aggregate lets several concurrent dataset fetches report into one sink.
// Totals add up across jobs and only the last Finish is forwarded.
type Aggregate struct {
	mu      sync.Mutex
	sink    Sink
	candles int
	trades  int
	pending int
}

// NewAggregate wraps sink for jobs concurrent reporters.
func NewAggregate(sink Sink, jobs int) *Aggregate {
	return &Aggregate{sink: sink, pending: jobs}
}

func (a *Aggregate) SetTotals(candlesTotal, tradesTotal int) {
	a.mu.Lock()
	a.candles += candlesTotal
	a.trades += tradesTotal
	c, t := a.candles, a.trades
	a.mu.Unlock()
	a.sink.SetTotals(c, t)
}

func (a *Aggregate) UpdateCandleProgress(n int) { a.sink.UpdateCandleProgress(n) }
func (a *Aggregate) UpdateTradeProgress(n int)  { a.sink.UpdateTradeProgress(n) }

func (a *Aggregate) Finish() {
	a.mu.Lock()
	a.pending--
	last := a.pending == 0
	a.mu.Unlock()
	if last {
		a.sink.Finish()
	}
}

// Option configures New.
type Option func(*options)

type options struct {
	writer  io.Writer
	logger  *slog.Logger
	metrics *metrics.MetricsCollector
	now     func() time.Time
}

// WithWriter sets the console output (default os.Stderr).
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.writer = w }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics exposes the collector on the dashboard.
func WithMetrics(mc *metrics.MetricsCollector) Option {
	return func(o *options) { o.metrics = mc }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New selects the backend named by cfg. A dashboard that cannot start falls
// back to the console backend with a warning.
func New(cfg config.ProgressConfig, opts ...Option) Sink {
	o := options{writer: os.Stderr, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("component", "progress")
	throttle := time.Duration(cfg.ThrottleMillis) * time.Millisecond
	if cfg.ThrottleMillis <= 0 {
		throttle = defaultThrottle
	}

	switch strings.ToLower(cfg.Backend) {
	case BackendNone:
		return Nop{}
	case BackendDashboard:
		d, err := NewDashboard(cfg.DashboardAddr, o.metrics, logger, o.now)
		if err == nil {
			logger.Info("progress dashboard started", "addr", d.Addr())
			return d
		}
		logger.Warn("progress dashboard unavailable, falling back to console", "error", err)
	}
	return NewConsole(o.writer, throttle, o.now)
}

// Close releases resources held by sink, such as a dashboard listener.
func Close(ctx context.Context, sink Sink) error {
	if c, ok := sink.(interface{ Close(context.Context) error }); ok {
		return c.Close(ctx)
	}
	return nil
}
