package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-marketdata-fetcher/internal/config"
)

func TestErrorClassification(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	classifier := NewErrorClassifier(logger)

	tests := []struct {
		name              string
		error             error
		expectedType      ErrorType
		expectedRetryable bool
		expectedSeverity  Severity
	}{
		{
			name:              "network connection refused",
			error:             fmt.Errorf("dial tcp: connection refused"),
			expectedType:      ErrorTypeNetwork,
			expectedRetryable: true,
			expectedSeverity:  SeverityLow,
		},
		{
			name:              "timeout error",
			error:             fmt.Errorf("context deadline exceeded"),
			expectedType:      ErrorTypeTimeout,
			expectedRetryable: true,
			expectedSeverity:  SeverityLow,
		},
		{
			name:              "http 429",
			error:             &APIError{Endpoint: "/api/v3/klines", StatusCode: http.StatusTooManyRequests},
			expectedType:      ErrorTypeRateLimit,
			expectedRetryable: true,
			expectedSeverity:  SeverityLow,
		},
		{
			name:              "http 418 ip ban",
			error:             &APIError{Endpoint: "/api/v3/klines", StatusCode: http.StatusTeapot},
			expectedType:      ErrorTypeRateLimit,
			expectedRetryable: true,
			expectedSeverity:  SeverityLow,
		},
		{
			name:              "http 503",
			error:             fmt.Errorf("page 2: %w", &APIError{StatusCode: http.StatusServiceUnavailable}),
			expectedType:      ErrorTypeServerError,
			expectedRetryable: true,
			expectedSeverity:  SeverityMedium,
		},
		{
			name:              "http 401",
			error:             &APIError{StatusCode: http.StatusUnauthorized, Code: -2015},
			expectedType:      ErrorTypeAuthentication,
			expectedRetryable: false,
			expectedSeverity:  SeverityHigh,
		},
		{
			name:              "http 400",
			error:             &APIError{StatusCode: http.StatusBadRequest, Code: -1121, Message: "Invalid symbol."},
			expectedType:      ErrorTypeBadRequest,
			expectedRetryable: false,
			expectedSeverity:  SeverityMedium,
		},
		{
			name:              "signature error",
			error:             &SignatureError{Reason: "empty secret"},
			expectedType:      ErrorTypeSignature,
			expectedRetryable: false,
			expectedSeverity:  SeverityHigh,
		},
		{
			name:              "cache write error",
			error:             &CacheWriteError{Key: "k", Err: errors.New("disk full")},
			expectedType:      ErrorTypeStorage,
			expectedRetryable: false,
			expectedSeverity:  SeverityHigh,
		},
		{
			name:              "canceled",
			error:             fmt.Errorf("acquire: %w", context.Canceled),
			expectedType:      ErrorTypeCanceled,
			expectedRetryable: false,
			expectedSeverity:  SeverityLow,
		},
		{
			name:              "unknown error",
			error:             fmt.Errorf("something went wrong"),
			expectedType:      ErrorTypeUnknown,
			expectedRetryable: true,
			expectedSeverity:  SeverityMedium,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := classifier.Classify(tt.error, "test_component", "test_operation")

			assert.Equal(t, tt.expectedType, classified.Type)
			assert.Equal(t, tt.expectedRetryable, classified.Retryable)
			assert.Equal(t, tt.expectedSeverity, classified.Severity)
			assert.Equal(t, "test_component", classified.Component)
			assert.ErrorIs(t, classified, tt.error)
		})
	}

	stats := classifier.GetStats()
	assert.Equal(t, int64(1), stats[ErrorTypeSignature].Count)
	assert.Nil(t, classifier.Classify(nil, "c", "o"))
}

func TestClassifyReturnsExistingClassification(t *testing.T) {
	classifier := NewErrorClassifier(nil)
	original := &ClassifiedError{Err: errors.New("x"), Type: ErrorTypeFatal}

	assert.Same(t, original, classifier.Classify(fmt.Errorf("wrapped: %w", original), "c", "o"))
	assert.True(t, errors.Is(original, &ClassifiedError{Type: ErrorTypeFatal}))
	assert.False(t, errors.Is(original, &ClassifiedError{Type: ErrorTypeNetwork}))
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("connection reset by peer")))
	assert.False(t, IsRetryable(Permanent(errors.New("connection reset by peer"))))
	assert.False(t, IsRetryable(&ValidationError{Kind: "candles"}))
	assert.True(t, IsRetryable(fmt.Errorf("klines: %w", ErrCircuitOpen)))
	assert.Nil(t, Permanent(nil))
}

func TestRetryAfter(t *testing.T) {
	err := fmt.Errorf("page: %w", &APIError{StatusCode: 429, RetryAfter: 3 * time.Second})
	assert.Equal(t, 3*time.Second, RetryAfter(err))
	assert.Zero(t, RetryAfter(errors.New("plain")))
}

func TestTypedErrorMessages(t *testing.T) {
	fetchErr := &FetchError{Endpoint: "/api/v3/klines", Key: "BTCUSDT/1m", Attempts: 3, Err: errors.New("boom")}
	assert.Contains(t, fetchErr.Error(), "/api/v3/klines")
	assert.Contains(t, fetchErr.Error(), "BTCUSDT/1m")
	assert.Contains(t, fetchErr.Error(), "3 attempt(s)")
	fetchErr.Type = ErrorTypeServerError
	assert.Contains(t, fetchErr.Error(), "3 attempt(s) (server_error): boom")

	sigErr := &SignatureError{Reason: "missing parameters", Missing: []string{"symbol", "timestamp"}}
	assert.Equal(t, "cannot sign request: missing parameters: symbol, timestamp", sigErr.Error())

	apiErr := &APIError{Endpoint: "/api/v3/aggTrades", StatusCode: 400, Code: -1100, Message: "Illegal characters"}
	assert.Equal(t, "/api/v3/aggTrades: http 400: code -1100: Illegal characters", apiErr.Error())
}

func TestIsCacheWriteOnly(t *testing.T) {
	cw := &CacheWriteError{Key: "a", Err: errors.New("disk full")}
	assert.True(t, IsCacheWriteOnly(cw))
	assert.True(t, IsCacheWriteOnly(errors.Join(cw, &CacheWriteError{Key: "b"})))
	assert.False(t, IsCacheWriteOnly(errors.Join(cw, errors.New("other"))))
	assert.False(t, IsCacheWriteOnly(nil))
}

func TestCircuitBreaker(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("klines", config.CircuitBreakerConfig{
		Enabled:                true,
		FailureThreshold:       2,
		RecoveryTimeoutSeconds: 30,
	}).WithClock(func() time.Time { return now })

	transient := &APIError{StatusCode: 503}
	fail := func() error { return transient }
	ok := func() error { return nil }

	assert.Equal(t, CircuitClosed, cb.GetState())
	assert.ErrorIs(t, cb.Call(fail), transient)
	assert.Equal(t, CircuitClosed, cb.GetState())

	// Non-transient failures do not count.
	badRequest := &APIError{StatusCode: 400}
	assert.ErrorIs(t, cb.Call(func() error { return badRequest }), badRequest)
	assert.Equal(t, CircuitClosed, cb.GetState())

	assert.ErrorIs(t, cb.Call(fail), transient)
	assert.Equal(t, CircuitOpen, cb.GetState())

	err := cb.Call(ok)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, ErrorTypeCircuitOpen, TypeOf(err))

	now = now.Add(31 * time.Second)
	assert.ErrorIs(t, cb.Call(fail), transient)
	assert.Equal(t, CircuitOpen, cb.GetState())

	now = now.Add(31 * time.Second)
	require.NoError(t, cb.Call(ok))
	assert.Equal(t, CircuitClosed, cb.GetState())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
}
