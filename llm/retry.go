package llm

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig holds per-endpoint retry configuration for transient failures.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per endpoint.
	MaxAttempts int `yaml:"max_attempts"`

	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration `yaml:"backoff_base"`

	// BackoffMultiplier is applied to backoff on each retry.
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`

	// MaxBackoff caps the backoff duration.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// DefaultRetryConfig returns 3 attempts, 2s base, x2, 30s cap.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// jitter is the +/- randomization applied to every delay.
const jitter = 0.25

// policy returns the delay schedule for one endpoint: exponential from
// BackoffBase with +/-25% jitter, capped at MaxBackoff, stopping after
// MaxAttempts-1 retries. Zero fields take their defaults.
func (rc RetryConfig) policy() *retryAfterBackOff {
	def := DefaultRetryConfig()
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = def.BackoffBase
	if rc.BackoffBase > 0 {
		eb.InitialInterval = rc.BackoffBase
	}
	eb.Multiplier = def.BackoffMultiplier
	if rc.BackoffMultiplier >= 1 {
		eb.Multiplier = rc.BackoffMultiplier
	}
	eb.MaxInterval = def.MaxBackoff
	if rc.MaxBackoff > 0 {
		eb.MaxInterval = rc.MaxBackoff
	}
	eb.RandomizationFactor = jitter
	eb.MaxElapsedTime = 0
	eb.Reset()

	retries := max(rc.MaxAttempts, 1) - 1
	return &retryAfterBackOff{BackOff: backoff.WithMaxRetries(eb, uint64(retries))}
}

// retryAfterBackOff stretches the next delay to a server-provided
// Retry-After when that is longer.
type retryAfterBackOff struct {
	backoff.BackOff
	retryAfter time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if b.retryAfter > next {
		next = b.retryAfter
	}
	b.retryAfter = 0
	return next
}
