package agent

import (
	"context"
	"errors"
	"time"

	"github.com/c360studio/semflow/llm"
	"github.com/cenkalti/backoff/v4"
)

// ExecuteWithRetry runs Execute up to cfg.MaxRetries times. Only
// *ExecutionError is retried, waiting 2^attempt backoff units between
// attempts, capped at the executor's max backoff. Timeouts, budget refusals
// and fatal model errors fail immediately. After the last attempt the final
// error is returned with its attempt count.
func (e *Executor) ExecuteWithRetry(ctx context.Context, cfg Config, task Task) (*Result, error) {
	cfg = cfg.WithDefaults()
	started := time.Now()

	attempts := 0
	operation := func() (*Result, error) {
		attempts++
		res, err := e.Execute(ctx, cfg, task)
		if err == nil {
			return res, nil
		}
		if !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	notify := func(err error, wait time.Duration) {
		e.logger.Warn("Agent execution failed, retrying",
			"agent_type", cfg.AgentType,
			"run_id", task.RunID,
			"step", task.StepName,
			"attempt", attempts,
			"max_retries", cfg.MaxRetries,
			"wait", wait,
			"error", err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(e.schedule(), uint64(cfg.MaxRetries-1)), ctx)
	res, err := backoff.RetryNotifyWithData(operation, policy, notify)
	if err != nil {
		var execErr *ExecutionError
		if errors.As(err, &execErr) {
			execErr.Attempts = attempts
		}
		return nil, err
	}
	res.Attempts = attempts
	res.Duration = time.Since(started)
	return res, nil
}

// schedule waits 2, 4, 8... units between attempts.
func (e *Executor) schedule() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 2 * e.backoffUnit
	eb.Multiplier = 2
	eb.MaxInterval = e.maxBackoff
	eb.MaxElapsedTime = 0
	eb.RandomizationFactor = 0
	if e.jitter {
		eb.RandomizationFactor = 0.2
	}
	eb.Reset()
	return eb
}

func retryable(err error) bool {
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		return false
	}
	return !llm.IsFatal(execErr.Err)
}
