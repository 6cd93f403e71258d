package actions

import (
	"errors"
	"fmt"
	"time"
)

// Failure carries the provider and action that failed.
type Failure struct {
	Provider string
	Action   Action
	Message  string
}

func (e Failure) describe(kind string) string {
	return fmt.Sprintf("%s %s: %s: %s", e.Provider, e.Action, kind, e.Message)
}

// AuthenticationError means the provider rejected the credentials.
type AuthenticationError struct{ Failure }

func (e *AuthenticationError) Error() string { return e.describe("authentication failed") }

// ValidationError means the provider rejected the parameters.
type ValidationError struct{ Failure }

func (e *ValidationError) Error() string { return e.describe("invalid request") }

// NotFoundError means the referenced record does not exist.
type NotFoundError struct{ Failure }

func (e *NotFoundError) Error() string { return e.describe("not found") }

// RateLimitError means the provider throttled the request.
type RateLimitError struct {
	Failure
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return e.describe(fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter))
	}
	return e.describe("rate limited")
}

// UnavailableError is a network failure or a 5xx response.
type UnavailableError struct {
	Failure
	Err error
}

func (e *UnavailableError) Error() string { return e.describe("unavailable") }

func (e *UnavailableError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth retrying: rate limits and
// unavailability.
func IsRetryable(err error) bool {
	var rl *RateLimitError
	var un *UnavailableError
	return errors.As(err, &rl) || errors.As(err, &un)
}

// retryAfter extracts the delay a rate limit asked for.
func retryAfter(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}
