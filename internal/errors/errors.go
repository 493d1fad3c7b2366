// Package errors provides error classification, typed fetch-pipeline errors and a circuit
// breaker for the market data fetcher. Classification decides which failures the retry
// policy may repeat and which must surface immediately.
package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/johnayoung/go-marketdata-fetcher/internal/config"
)

// ErrorType represents the classification of an error
type ErrorType string

const (
	// Retryable error types
	ErrorTypeNetwork     ErrorType = "network"      // Network connectivity issues
	ErrorTypeTimeout     ErrorType = "timeout"      // Request timeout
	ErrorTypeRateLimit   ErrorType = "rate_limit"   // Rate limiting from external service
	ErrorTypeServerError ErrorType = "server_error" // HTTP 5xx errors
	ErrorTypeTemporary   ErrorType = "temporary"    // Temporary failures
	ErrorTypeCircuitOpen ErrorType = "circuit_open" // Circuit breaker is open

	// Non-retryable error types
	ErrorTypeAuthentication ErrorType = "authentication" // Authentication/authorization failures
	ErrorTypeSignature      ErrorType = "signature"      // Request could not be signed
	ErrorTypeBadRequest     ErrorType = "bad_request"    // HTTP 4xx errors (except rate limit)
	ErrorTypeValidation     ErrorType = "validation"     // Data validation errors
	ErrorTypeConfiguration  ErrorType = "configuration"  // Configuration errors
	ErrorTypeStorage        ErrorType = "storage"        // Local cache or storage I/O
	ErrorTypeCanceled       ErrorType = "canceled"       // Caller gave up
	ErrorTypeInternal       ErrorType = "internal"       // Internal application errors

	// Special error types
	ErrorTypeUnknown ErrorType = "unknown" // Unclassified errors
	ErrorTypeFatal   ErrorType = "fatal"   // Fatal errors that should stop processing
)

// Severity represents the severity level of an error
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of the severity
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ClassifiedError represents an error with metadata for handling decisions
type ClassifiedError struct {
	Err       error          `json:"error"`
	Type      ErrorType      `json:"type"`
	Severity  Severity       `json:"severity"`
	Retryable bool           `json:"retryable"`
	Component string         `json:"component"`
	Operation string         `json:"operation"`
	Context   map[string]any `json:"context"`
	Timestamp time.Time      `json:"timestamp"`
	Attempts  int            `json:"attempts"`
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s/%s] %s: %v", ce.Component, ce.Type, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is checks if the error is of the specified type
func (ce *ClassifiedError) Is(target error) bool {
	if t, ok := target.(*ClassifiedError); ok {
		return ce.Type == t.Type
	}
	return false
}

// ErrorClassifier classifies errors and keeps per-type counters for reporting
type ErrorClassifier struct {
	logger *slog.Logger
	mu     sync.RWMutex
	stats  map[ErrorType]ErrorStats
}

// ErrorStats tracks error statistics for monitoring
type ErrorStats struct {
	Count     int64     `json:"count"`
	LastSeen  time.Time `json:"last_seen"`
	FirstSeen time.Time `json:"first_seen"`
}

// NewErrorClassifier creates a new error classifier
func NewErrorClassifier(logger *slog.Logger) *ErrorClassifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &ErrorClassifier{
		logger: logger,
		stats:  make(map[ErrorType]ErrorStats),
	}
}

// Classify analyzes an error and returns a ClassifiedError with retry metadata
func (ec *ErrorClassifier) Classify(err error, component, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	errorType := TypeOf(err)
	classified := &ClassifiedError{
		Err:       err,
		Type:      errorType,
		Severity:  severityOf(errorType),
		Retryable: IsRetryable(err),
		Component: component,
		Operation: operation,
		Context:   make(map[string]any),
		Timestamp: time.Now(),
	}

	ec.updateStats(errorType)

	ec.logger.Debug("error classified",
		"type", errorType,
		"severity", classified.Severity.String(),
		"retryable", classified.Retryable,
		"component", component,
		"operation", operation,
		"error", err.Error())

	return classified
}

// TypeOf determines the error type, preferring typed errors over message patterns.
func TypeOf(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}

	var (
		ce      *ClassifiedError
		apiErr  *APIError
		sigErr  *SignatureError
		valErr  *ValidationError
		cacheWE *CacheWriteError
	)
	switch {
	case errors.As(err, &ce):
		return ce.Type
	case errors.Is(err, context.Canceled):
		return ErrorTypeCanceled
	case errors.As(err, &sigErr):
		return ErrorTypeSignature
	case errors.As(err, &valErr):
		return ErrorTypeValidation
	case errors.As(err, &cacheWE):
		return ErrorTypeStorage
	case errors.Is(err, ErrCircuitOpen):
		return ErrorTypeCircuitOpen
	case errors.As(err, &apiErr):
		return apiErr.Type()
	}

	if isTimeoutError(err) {
		return ErrorTypeTimeout
	}
	if isNetworkError(err) {
		return ErrorTypeNetwork
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case containsAny(errStr, "rate limit", "too many requests", "quota exceeded"):
		return ErrorTypeRateLimit
	case containsAny(errStr, "unauthorized", "forbidden", "authentication", "invalid credentials"):
		return ErrorTypeAuthentication
	case containsAny(errStr, "validation", "malformed"):
		return ErrorTypeValidation
	case containsAny(errStr, "config", "missing required", "not configured"):
		return ErrorTypeConfiguration
	case containsAny(errStr, "server error", "internal server", "service unavailable", "bad gateway"):
		return ErrorTypeServerError
	case containsAny(errStr, "temporar", "unexpected eof"):
		return ErrorTypeTemporary
	}

	return ErrorTypeUnknown
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return containsAny(strings.ToLower(err.Error()),
		"connection refused",
		"connection reset",
		"connection aborted",
		"no route to host",
		"host unreachable",
		"network unreachable",
		"no such host",
		"broken pipe",
	)
}

func isTimeoutError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded")
}

func severityOf(errorType ErrorType) Severity {
	switch errorType {
	case ErrorTypeFatal:
		return SeverityCritical
	case ErrorTypeAuthentication, ErrorTypeSignature, ErrorTypeConfiguration, ErrorTypeStorage:
		return SeverityHigh
	case ErrorTypeValidation, ErrorTypeBadRequest:
		return SeverityMedium
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeCanceled:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// IsRetryable reports whether the retry policy may repeat the operation that produced err.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Retryable
	}

	switch TypeOf(err) {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit,
		ErrorTypeServerError, ErrorTypeTemporary, ErrorTypeCircuitOpen:
		return true
	case ErrorTypeAuthentication, ErrorTypeSignature, ErrorTypeBadRequest, ErrorTypeValidation,
		ErrorTypeConfiguration, ErrorTypeStorage, ErrorTypeCanceled, ErrorTypeFatal, ErrorTypeInternal:
		return false
	default:
		// Unknown errors are retryable with caution
		return true
	}
}

// Permanent marks err as non-retryable regardless of its classification.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

func (ec *ErrorClassifier) updateStats(errorType ErrorType) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	stats := ec.stats[errorType]
	stats.Count++
	stats.LastSeen = time.Now()
	if stats.FirstSeen.IsZero() {
		stats.FirstSeen = stats.LastSeen
	}
	ec.stats[errorType] = stats
}

// GetStats returns a copy of the error statistics
func (ec *ErrorClassifier) GetStats() map[ErrorType]ErrorStats {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	stats := make(map[ErrorType]ErrorStats, len(ec.stats))
	for k, v := range ec.stats {
		stats[k] = v
	}
	return stats
}

// ErrCircuitOpen is returned while the circuit breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	name     string
	config   config.CircuitBreakerConfig
	now      func() time.Time
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
	mu       sync.Mutex
}

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// String returns the string representation of the circuit state
func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, cfg config.CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		config: cfg,
		now:    time.Now,
		state:  CircuitClosed,
	}
}

// WithClock replaces the breaker's time source.
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}

// Call executes fn through the circuit breaker. Only transient failures (see IsRetryable)
// count towards opening the circuit.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.allowRequest() {
		return fmt.Errorf("%s: %w", cb.name, ErrCircuitOpen)
	}

	err := fn()
	cb.recordResult(err)
	return err
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		recovery := time.Duration(cb.config.RecoveryTimeoutSeconds) * time.Second
		if cb.now().Sub(cb.openedAt) < recovery {
			return false
		}
		cb.state = CircuitHalfOpen
		cb.probing = true
		return true
	case CircuitHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	default:
		return false
	}
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probing = false
	if err == nil || !IsRetryable(err) || errors.Is(err, context.Canceled) {
		if err == nil || cb.state == CircuitHalfOpen {
			cb.state = CircuitClosed
			cb.failures = 0
		}
		return
	}

	cb.failures++
	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = CircuitOpen
			cb.openedAt = cb.now()
		}
	case CircuitHalfOpen:
		cb.state = CircuitOpen
		cb.openedAt = cb.now()
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
