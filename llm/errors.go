package llm

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrUnsupportedOperation is returned by providers for operations the vendor
// does not offer, such as embeddings on Anthropic.
var ErrUnsupportedOperation = errors.New("unsupported operation")

// ErrUnknownProvider is returned when no factory is registered for a name.
var ErrUnknownProvider = errors.New("unknown provider")

// TransientError represents a temporary error that may succeed on retry.
type TransientError struct {
	err error

	// RetryAfter is the server-suggested delay, zero when not given.
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// NewTransientError wraps an error as transient (retryable).
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError represents a permanent error that should not be retried.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string {
	return e.err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.err
}

// NewFatalError wraps an error as fatal (non-retryable).
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// IsTransient returns true if the error is transient and should be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsFatal returns true if the error is fatal and should not be retried.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// ClassifyStatus turns a non-2xx vendor response into a transient error
// (429, 5xx) or a fatal one (auth, bad request, anything else).
func ClassifyStatus(statusCode int, body []byte, retryAfter time.Duration) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}
	err := fmt.Errorf("LLM API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests, statusCode >= 500:
		return &TransientError{err: err, RetryAfter: retryAfter}
	default:
		return NewFatalError(err)
	}
}
