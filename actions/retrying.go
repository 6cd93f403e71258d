package actions

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/c360studio/semflow/metrics"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// RetryConfig is the retry policy applied at the provider boundary.
type RetryConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxElapsed      time.Duration `yaml:"max_elapsed"`

	// RateLimit is the sustained requests per second sent to the provider.
	// Zero disables client-side limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	// IdempotencyTTL is how long successful results are replayed for a
	// repeated idempotency key.
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

// DefaultRetryConfig returns 3 retries from 500ms up to 10s, 10 req/s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		MaxElapsed:      time.Minute,
		RateLimit:       10,
		RateBurst:       5,
		IdempotencyTTL:  24 * time.Hour,
	}
}

type cachedResult struct {
	result  map[string]any
	expires time.Time
}

// Retrying wraps a Provider with rate limiting, exponential backoff on
// retryable errors and idempotency-key deduplication.
type Retrying struct {
	inner   Provider
	cfg     RetryConfig
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu   sync.Mutex
	seen map[string]cachedResult
}

// RetryingOption configures Retrying.
type RetryingOption func(*Retrying)

// WithRetryLogger sets the logger.
func WithRetryLogger(logger *slog.Logger) RetryingOption {
	return func(r *Retrying) {
		r.logger = logger
	}
}

// WithRetryMetrics counts retries on m.
func WithRetryMetrics(m *metrics.Metrics) RetryingOption {
	return func(r *Retrying) {
		r.metrics = m
	}
}

// NewRetrying wraps inner.
func NewRetrying(inner Provider, cfg RetryConfig, opts ...RetryingOption) *Retrying {
	r := &Retrying{
		inner:  inner,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		seen:   make(map[string]cachedResult),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Retrying) Name() string { return r.inner.Name() }

func (r *Retrying) Kind() Kind { return r.inner.Kind() }

// ExecuteWithRetry performs action, retrying rate limits and unavailability
// with exponential backoff. A rate limit's RetryAfter is honoured when it
// is longer than the computed delay. Other errors return immediately.
// A successful result is replayed for repeated idempotency keys.
func (r *Retrying) ExecuteWithRetry(ctx context.Context, action Action, params map[string]any, idempotencyKey string) (map[string]any, error) {
	if action.Kind() != r.inner.Kind() {
		return nil, &ValidationError{Failure{
			Provider: r.inner.Name(),
			Action:   action,
			Message:  fmt.Sprintf("action not supported by %s provider", r.inner.Kind()),
		}}
	}

	if cached, ok := r.cached(idempotencyKey); ok {
		r.logger.Debug("Replaying idempotent action result", "provider", r.inner.Name(), "action", action, "idempotency_key", idempotencyKey)
		return cached, nil
	}

	policy := &retryAfterBackOff{BackOff: r.backoff()}
	var result map[string]any
	operation := func() error {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		out, err := r.inner.Execute(ctx, action, params, idempotencyKey)
		if err == nil {
			result = out
			return nil
		}
		if ctx.Err() != nil || !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		policy.retryAfter = retryAfter(err)
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.metrics.ActionRetried(r.inner.Name(), string(action))
		r.logger.Warn("Action failed, retrying",
			"provider", r.inner.Name(),
			"action", action,
			"wait", wait,
			"error", err)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, err
	}
	r.remember(idempotencyKey, result)
	return result, nil
}

func (r *Retrying) backoff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if r.cfg.InitialInterval > 0 {
		eb.InitialInterval = r.cfg.InitialInterval
	}
	if r.cfg.MaxInterval > 0 {
		eb.MaxInterval = r.cfg.MaxInterval
	}
	eb.MaxElapsedTime = r.cfg.MaxElapsed
	eb.Reset()
	return backoff.WithMaxRetries(eb, uint64(max(r.cfg.MaxRetries, 0)))
}

func (r *Retrying) cached(key string) (map[string]any, bool) {
	if key == "" {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.seen[key]
	if !ok {
		return nil, false
	}
	if r.now().After(c.expires) {
		delete(r.seen, key)
		return nil, false
	}
	return maps.Clone(c.result), true
}

func (r *Retrying) remember(key string, result map[string]any) {
	if key == "" || r.cfg.IdempotencyTTL <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for k, c := range r.seen {
		if now.After(c.expires) {
			delete(r.seen, k)
		}
	}
	r.seen[key] = cachedResult{result: maps.Clone(result), expires: now.Add(r.cfg.IdempotencyTTL)}
}

// retryAfterBackOff stretches the next delay to a server-requested minimum.
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
