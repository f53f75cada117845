package transfer

import (
	"context"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// DefaultMaxAttempts is the total number of whole-file attempts.
const DefaultMaxAttempts = 3

// DefaultBaseBackoff is the wait after the first failed attempt. It doubles
// after every further failure.
const DefaultBaseBackoff = time.Second

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// RetryObserver is told about every failed attempt that will be retried.
type RetryObserver func(attempt int, err error, wait time.Duration)

// Retrier repeats an attempt with exponential backoff.
type Retrier struct {
	MaxAttempts int
	BaseBackoff time.Duration
	Sleep       SleepFunc
	OnRetry     RetryObserver

	logger log.Logger
}

// NewRetrier ...
func NewRetrier(maxAttempts int, baseBackoff time.Duration, logger log.Logger) *Retrier {
	return &Retrier{
		MaxAttempts: maxAttempts,
		BaseBackoff: baseBackoff,
		Sleep:       sleepContext,
		logger:      logger,
	}
}

// Backoff returns the wait between attempt and attempt+1 (1-based):
// base * 2^(attempt-1).
func (r *Retrier) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return r.BaseBackoff << uint(attempt-1)
}

// Do calls fn until it succeeds or MaxAttempts attempts have failed. The last
// error is returned as is. If ctx is done before an attempt or during a wait,
// the context error is returned and no further attempt is made.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	maxAttempts := r.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}

		r.logger.Warnf("Upload attempt %d/%d failed: %s", attempt, maxAttempts, lastErr)
		if attempt == maxAttempts {
			break
		}

		wait := r.Backoff(attempt)
		if r.OnRetry != nil {
			r.OnRetry(attempt, lastErr, wait)
		}
		r.logger.Printf("Retrying in %s...", wait)
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}

	return lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
