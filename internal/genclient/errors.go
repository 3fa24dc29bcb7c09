package genclient

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout means the call did not complete within its deadline.
	ErrTimeout = errors.New("generation call timed out")
	// ErrRateLimited means the service rejected the call for throttling.
	ErrRateLimited = errors.New("generation service rate limited")
	// ErrAuthFailed means the bearer credential was rejected. Never retried.
	ErrAuthFailed = errors.New("generation service rejected credentials")
	// ErrValidation means the service rejected the request body. Never retried.
	ErrValidation = errors.New("generation service rejected request")
	// ErrCircuitOpen means the breaker is open and no network call was made.
	ErrCircuitOpen = errors.New("generation service circuit open")
	// ErrUnavailable means the service failed transiently (5xx, connection reset).
	ErrUnavailable = errors.New("generation service unavailable")
)

// apiError carries the HTTP status and server message behind a sentinel.
type apiError struct {
	sentinel   error
	status     int
	msg        string
	retryAfter time.Duration
}

func (e *apiError) Error() string {
	if e.msg == "" {
		return fmt.Sprintf("%v (http %d)", e.sentinel, e.status)
	}
	return fmt.Sprintf("%v (http %d): %s", e.sentinel, e.status, e.msg)
}

func (e *apiError) Unwrap() error { return e.sentinel }

// RetryAfterHint extracts a server-provided retry-after duration, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.retryAfter > 0 {
		return apiErr.retryAfter, true
	}
	return 0, false
}

// Transient reports whether err may succeed on retry.
func Transient(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrUnavailable)
}

// TemporarilyUnavailable reports whether the caller should present a
// "temporarily unavailable" state rather than a generic failure.
func TemporarilyUnavailable(err error) bool {
	return errors.Is(err, ErrCircuitOpen) || Transient(err)
}
