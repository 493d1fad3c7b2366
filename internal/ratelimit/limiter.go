// Package ratelimit enforces the account-wide request budget of the market data API.
//
// Limiter keeps the timestamps of the grants issued during the trailing window and never
// lets a new grant raise that count above the configured maximum. Callers are served in
// arrival order, and a caller that has to wait is suspended until the oldest grant leaves
// the window, then re-checks.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/johnayoung/go-marketdata-fetcher/internal/config"
)

// Clock abstracts time so the limiter can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

// GrantHook is called once per grant with the grant time and how long the caller waited.
type GrantHook func(at time.Time, waited time.Duration)

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithLogger sets the logger used for wait notices.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithGrantHook registers fn to observe grants. Hooks run while the caller holds its
// turn, so they see grants in order.
func WithGrantHook(fn GrantHook) Option {
	return func(l *Limiter) { l.hooks = append(l.hooks, fn) }
}

// WithBurstPerSecond smooths grants to at most n per second on top of the window cap.
func WithBurstPerSecond(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.burst = rate.NewLimiter(rate.Limit(n), n)
		}
	}
}

// Stats is a point-in-time view of limiter activity.
type Stats struct {
	MaxRequests int           `json:"max_requests"`
	Window      time.Duration `json:"window"`
	InWindow    int           `json:"in_window"`
	Grants      int64         `json:"grants"`
	Waits       int64         `json:"waits"`
	TotalWait   time.Duration `json:"total_wait"`
}

// Limiter is a sliding-window rate limiter safe for concurrent use.
type Limiter struct {
	maxRequests int
	window      time.Duration
	clock       Clock
	logger      *slog.Logger
	hooks       []GrantHook
	burst       *rate.Limiter

	// turn admits one caller at a time; blocked senders are queued in arrival order.
	turn chan struct{}

	mu         sync.Mutex
	timestamps []time.Time
	grants     int64
	waits      int64
	totalWait  time.Duration
}

// New builds a Limiter from configuration. It fails when the configured budget rounds
// down to zero requests.
func New(cfg config.RateLimitConfig, opts ...Option) (*Limiter, error) {
	window := time.Duration(cfg.WindowSeconds) * time.Second
	if cfg.WindowSeconds == 0 {
		window = time.Minute
	}
	opts = append([]Option{WithBurstPerSecond(cfg.BurstPerSecond)}, opts...)
	return NewLimiter(cfg.MaxRequests(), window, opts...)
}

// NewLimiter allows at most maxRequests grants in any trailing window.
func NewLimiter(maxRequests int, window time.Duration, opts ...Option) (*Limiter, error) {
	if maxRequests <= 0 {
		return nil, fmt.Errorf("rate limiter: max requests must be positive, got %d", maxRequests)
	}
	if window <= 0 {
		return nil, fmt.Errorf("rate limiter: window must be positive, got %s", window)
	}

	l := &Limiter{
		maxRequests: maxRequests,
		window:      window,
		clock:       realClock{},
		logger:      slog.Default(),
		turn:        make(chan struct{}, 1),
		timestamps:  make([]time.Time, 0, maxRequests),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Acquire blocks until a request slot is available and records the grant. It only
// returns an error when ctx is done first, in which case nothing is recorded.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case l.turn <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.turn }()

	if l.burst != nil {
		if err := l.burst.Wait(ctx); err != nil {
			return err
		}
	}

	var waited time.Duration
	for {
		now := l.clock.Now()
		wait, granted := l.tryGrant(now, waited)
		if granted {
			for _, hook := range l.hooks {
				hook(now, waited)
			}
			return nil
		}

		l.logger.DebugContext(ctx, "rate limit reached, waiting",
			"wait", wait,
			"max_requests", l.maxRequests,
			"window", l.window)

		if err := l.clock.Sleep(ctx, wait); err != nil {
			return err
		}
		waited += wait
	}
}

// tryGrant prunes expired timestamps and records a grant at now if the window has room.
// Otherwise it returns how long until the oldest grant expires.
func (l *Limiter) tryGrant(now time.Time, waited time.Duration) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(now)
	if len(l.timestamps) < l.maxRequests {
		l.timestamps = append(l.timestamps, now)
		l.grants++
		if waited > 0 {
			l.waits++
			l.totalWait += waited
		}
		return 0, true
	}

	return l.window - now.Sub(l.timestamps[0]), false
}

// prune drops grants that are at least one window old.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.timestamps) && !l.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.timestamps = append(l.timestamps[:0], l.timestamps[i:]...)
	}
}

// MaxRequests returns the cap per window.
func (l *Limiter) MaxRequests() int { return l.maxRequests }

// Window returns the sliding window length.
func (l *Limiter) Window() time.Duration { return l.window }

// Stats returns current counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(l.clock.Now())
	return Stats{
		MaxRequests: l.maxRequests,
		Window:      l.window,
		InWindow:    len(l.timestamps),
		Grants:      l.grants,
		Waits:       l.waits,
		TotalWait:   l.totalWait,
	}
}
