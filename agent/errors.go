package agent

import (
	"errors"
	"fmt"
	"time"
)

// TimeoutError means an execution hit its hard deadline. It is never retried.
type TimeoutError struct {
	Agent   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("agent %s timed out after %s", e.Agent, e.Timeout)
}

// ExecutionError is a failed execution that may succeed on retry.
type ExecutionError struct {
	Agent    string
	Attempts int
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("agent %s failed after %d attempts: %v", e.Agent, e.Attempts, e.Err)
	}
	return fmt.Sprintf("agent %s failed: %v", e.Agent, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
