// Package retry runs short idempotent network operations under a
// per-attempt deadline with bounded exponential backoff.
package retry

import (
	"context"
	"time"
)

// Options bounds a retried operation. Attempts is the total number of tries,
// not the number of retries after the first.
type Options struct {
	Attempts  int
	BaseDelay time.Duration
	Timeout   time.Duration
}

func (o Options) normalized() Options {
	if o.Attempts < 1 {
		o.Attempts = 1
	}
	if o.Timeout <= 0 {
		o.Timeout = time.Minute
	}
	return o
}

// Do executes op up to opts.Attempts times. Each attempt runs under its own
// deadline derived from ctx; between failed attempts Do sleeps
// BaseDelay * 2^i, giving up early when ctx is cancelled. The zero value of T
// and the last attempt's error are returned once attempts are exhausted.
//
// An op that completes without error is a success regardless of any HTTP
// status it observed; callers own the status check.
func Do[T any](ctx context.Context, opts Options, op func(ctx context.Context) (T, error)) (T, error) {
	opts = opts.normalized()

	var zero T
	var lastErr error
	for i := 0; i < opts.Attempts; i++ {
		attemptCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		result, err := op(attemptCtx)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if i == opts.Attempts-1 {
			break
		}
		if err := sleep(ctx, opts.BaseDelay<<uint(i)); err != nil {
			return zero, lastErr
		}
	}
	return zero, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
