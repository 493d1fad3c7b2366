// Package retry runs fallible operations under a bounded retry policy.
//
// A Policy makes at most Attempts invocations. Between invocations it waits
// Delay*Multiplier^n (n counting from zero, capped at MaxDelay), or longer when the
// failure carries a server Retry-After hint. Failures that are not transient, such as
// signature, authentication or validation errors, are returned after the first attempt.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/johnayoung/go-marketdata-fetcher/internal/config"
	apperrors "github.com/johnayoung/go-marketdata-fetcher/internal/errors"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Observer is notified about retries and final failures.
type Observer interface {
	OnRetry(ctx context.Context, attempt int, delay time.Duration, err error)
	OnGiveUp(ctx context.Context, attempts int, err error)
}

// Policy configures Do.
type Policy struct {
	Attempts   int
	Delay      time.Duration
	Multiplier float64 // values below 1 are treated as 1
	MaxDelay   time.Duration
	Jitter     float64 // randomization factor in [0, 1)

	Sleep     SleepFunc
	Observer  Observer
	Retryable func(error) bool
}

// FromConfig builds a policy from configuration using the wall clock.
func FromConfig(cfg config.RetryConfig) Policy {
	return Policy{
		Attempts:   cfg.Attempts,
		Delay:      time.Duration(cfg.DelaySeconds * float64(time.Second)),
		Multiplier: cfg.Multiplier,
		MaxDelay:   time.Duration(cfg.MaxDelaySeconds * float64(time.Second)),
		Jitter:     cfg.Jitter,
	}
}

// WithObserver returns a copy of p reporting to o.
func (p Policy) WithObserver(o Observer) Policy {
	p.Observer = o
	return p
}

// Delays returns the waits p would use between n failed attempts, ignoring jitter and hints.
func (p Policy) Delays(n int) []time.Duration {
	p.Jitter = 0
	b := p.newBackOff()
	out := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}

func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Duration(1<<63 - 1)
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.Delay,
		RandomizationFactor: p.Jitter,
		Multiplier:          multiplier,
		MaxInterval:         maxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Execute runs op under p and returns the number of invocations made.
func (p Policy) Execute(ctx context.Context, op func(ctx context.Context) error) (int, error) {
	_, attempts, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return attempts, err
}

// Do runs op under p. It returns op's value, the number of invocations made and, on
// failure, the error from the last invocation.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, int, error) {
	var zero T

	maxAttempts := p.Attempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = apperrors.IsRetryable
	}
	b := p.newBackOff()

	for attempt := 1; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, attempt, nil
		}

		if ctx.Err() != nil || !retryable(err) || attempt >= maxAttempts {
			if p.Observer != nil {
				p.Observer.OnGiveUp(ctx, attempt, err)
			}
			return zero, attempt, err
		}

		delay := b.NextBackOff()
		if hint := apperrors.RetryAfter(err); hint > delay {
			delay = hint
		}
		if p.Observer != nil {
			p.Observer.OnRetry(ctx, attempt, delay, err)
		}

		if serr := sleep(ctx, delay); serr != nil {
			return zero, attempt, fmt.Errorf("retry interrupted after %d attempt(s): %w (last error: %v)", attempt, serr, err)
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogObserver logs retries at warn level and final failures at error level.
type LogObserver struct {
	Logger    *slog.Logger
	Operation string
}

func (o LogObserver) OnRetry(ctx context.Context, attempt int, delay time.Duration, err error) {
	o.Logger.WarnContext(ctx, "operation failed, retrying",
		"operation", o.Operation,
		"attempt", attempt,
		"delay", delay,
		"error_type", apperrors.TypeOf(err),
		"error", err)
}

func (o LogObserver) OnGiveUp(ctx context.Context, attempts int, err error) {
	o.Logger.ErrorContext(ctx, "operation failed",
		"operation", o.Operation,
		"attempts", attempts,
		"retryable", apperrors.IsRetryable(err),
		"error", err)
}

// Observers fans notifications out to several observers.
type Observers []Observer

func (obs Observers) OnRetry(ctx context.Context, attempt int, delay time.Duration, err error) {
	for _, o := range obs {
		o.OnRetry(ctx, attempt, delay, err)
	}
}

func (obs Observers) OnGiveUp(ctx context.Context, attempts int, err error) {
	for _, o := range obs {
		o.OnGiveUp(ctx, attempts, err)
	}
}
