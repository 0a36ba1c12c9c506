package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy retries a function a fixed number of times, waiting
// Backoff[n-1] after the n-th failed attempt. The last delay repeats when
// there are more retries than delays.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     []time.Duration
	// MaxElapsed stops retrying once the next wait would end past it. Zero
	// leaves the library default in place.
	MaxElapsed time.Duration
	// Retryable decides whether an error is worth another attempt. Nil means
	// every error is.
	Retryable func(error) bool
	// OnRetry is called before waiting for the next attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

func (p RetryPolicy) Delay(attempt int) time.Duration {
	if len(p.Backoff) == 0 || attempt < 1 {
		return 0
	}
	if attempt > len(p.Backoff) {
		return p.Backoff[len(p.Backoff)-1]
	}
	return p.Backoff[attempt-1]
}

// schedule walks a RetryPolicy's delays as a backoff.BackOff.
type schedule struct {
	policy RetryPolicy
	n      int
}

func (s *schedule) NextBackOff() time.Duration {
	s.n++
	return s.policy.Delay(s.n)
}

func (s *schedule) Reset() { s.n = 0 }

// Do calls fn until it succeeds, fails with a non-retryable error, runs out
// of attempts, or ctx ends. It returns the number of attempts made and the
// last error. When ctx ends first the error wraps both ctx's cause and the
// last attempt's error.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var (
		attempt int
		lastErr error
	)
	op := func() (bool, error) {
		attempt++
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return true, nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return false, backoff.Permanent(lastErr)
		}
		return false, lastErr
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(&schedule{policy: p}),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithNotify(func(err error, delay time.Duration) {
			if p.OnRetry != nil {
				p.OnRetry(attempt, err, delay)
			}
		}),
	}
	if p.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.MaxElapsed))
	}

	_, err := backoff.Retry(ctx, op, opts...)
	if err == nil {
		return attempt, nil
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	if lastErr != nil && !errors.Is(err, lastErr) {
		err = fmt.Errorf("%w (last attempt: %w)", err, lastErr)
	}
	return attempt, err
}
