package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrCacheCorrupt marks a durable cache entry whose metadata or version does not match
// the requested key. Callers treat it as a miss.
var ErrCacheCorrupt = errors.New("cache entry corrupt")

// APIError is a non-2xx response from the market data API.
type APIError struct {
	Endpoint   string
	StatusCode int
	Code       int // exchange error code from the response body, 0 when absent
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: http %d: code %d: %s", e.Endpoint, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Endpoint, e.StatusCode, e.Message)
}

// Type maps the HTTP status to an ErrorType. 418 is the exchange's IP ban response
// after repeated 429s and is handled the same way.
func (e *APIError) Type() ErrorType {
	switch {
	case e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusTeapot:
		return ErrorTypeRateLimit
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return ErrorTypeAuthentication
	case e.StatusCode == http.StatusRequestTimeout:
		return ErrorTypeTimeout
	case e.StatusCode >= 500:
		return ErrorTypeServerError
	case e.StatusCode >= 400:
		return ErrorTypeBadRequest
	default:
		return ErrorTypeUnknown
	}
}

// FetchError is returned once every attempt of a page fetch has failed. Type is
// the classification of the last attempt's error.
type FetchError struct {
	Endpoint string
	Key      string
	Attempts int
	Type     ErrorType
	Err      error
}

func (e *FetchError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("fetch %s for %s failed after %d attempt(s) (%s): %v", e.Endpoint, e.Key, e.Attempts, e.Type, e.Err)
	}
	return fmt.Sprintf("fetch %s for %s failed after %d attempt(s): %v", e.Endpoint, e.Key, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// SignatureError reports a request that cannot be signed. It is never retried.
type SignatureError struct {
	Reason  string
	Missing []string
}

func (e *SignatureError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("cannot sign request: %s: %s", e.Reason, strings.Join(e.Missing, ", "))
	}
	return "cannot sign request: " + e.Reason
}

// ValidationError is raised in strict mode when a fetched batch fails validation.
type ValidationError struct {
	Kind   string
	Key    string
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s batch %s failed validation with %d issue(s): %s",
		e.Kind, e.Key, len(e.Issues), strings.Join(e.Issues, "; "))
}

// CacheWriteError reports a failed cache save. The data it was meant to persist is
// returned to the caller alongside it.
type CacheWriteError struct {
	Key  string
	Path string
	Err  error
}

func (e *CacheWriteError) Error() string {
	return fmt.Sprintf("cache write %s (%s): %v", e.Key, e.Path, e.Err)
}

func (e *CacheWriteError) Unwrap() error { return e.Err }

// RetryAfter returns the server-requested wait carried by err, if any.
func RetryAfter(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

// IsCacheWriteOnly reports whether every error joined into err is a CacheWriteError,
// meaning the data was fetched but not persisted.
func IsCacheWriteOnly(err error) bool {
	if err == nil {
		return false
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if !IsCacheWriteOnly(e) {
				return false
			}
		}
		return true
	}
	var cw *CacheWriteError
	return errors.As(err, &cw)
}
