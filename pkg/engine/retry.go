package engine

import (
	"context"
	"math"
	"time"
)

// Attempt is one invocation of a node's action. attempt is 1-based.
type Attempt func(ctx context.Context, attempt int) (interface{}, error)

// RetryHook is called before sleeping ahead of attempt next.
type RetryHook func(next int, err error, delay time.Duration)

// RetryController wraps a single action invocation with bounded retry and backoff.
type RetryController struct {
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryController creates a retry controller that sleeps on the wall clock.
func NewRetryController() *RetryController {
	return &RetryController{sleep: sleepContext}
}

// Delay returns the wait before attempt n (n >= 2):
// min(initial_delay * backoff_factor^(n-2), max_delay).
func (r *RetryController) Delay(policy RetryPolicy, attempt int) time.Duration {
	if attempt < 2 || policy.InitialDelay <= 0 {
		return 0
	}
	factor := policy.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	delay := float64(policy.InitialDelay) * math.Pow(factor, float64(attempt-2))
	if policy.MaxDelay > 0 && delay > float64(policy.MaxDelay) {
		return policy.MaxDelay
	}
	if delay >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Run invokes fn until it succeeds, the error kind is not retryable, or the
// attempts are exhausted. It returns the result, the number of attempts made
// and the last error. A nil policy means a single attempt.
func (r *RetryController) Run(ctx context.Context, policy *RetryPolicy, fn Attempt, onRetry RetryHook) (interface{}, int, error) {
	p := RetryPolicy{MaxAttempts: 1}
	if policy != nil {
		p = *policy
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := r.Delay(p, attempt)
			if onRetry != nil {
				onRetry(attempt, lastErr, delay)
			}
			if err := r.sleep(ctx, delay); err != nil {
				return nil, attempt - 1, lastErr
			}
		}

		result, err := fn(ctx, attempt)
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err

		if !p.Retryable(ErrorKind(err)) {
			return nil, attempt, err
		}
	}
	return nil, p.MaxAttempts, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
