package fn

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// RetryOpts configures retry behavior. MaxAttempts counts the first call, so
// 1 means a single attempt with no retry.
type RetryOpts struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Jitter      bool
	// Retryable reports whether an error is worth another attempt. Nil retries everything.
	Retryable func(error) bool
}

// NoRetry runs the call exactly once.
var NoRetry = RetryOpts{MaxAttempts: 1}

// Retry calls f up to MaxAttempts times with exponential backoff between
// attempts. Values below 1 are treated as 1. If ctx ends during a backoff the
// last attempt's error is returned joined with ctx.Err().
func Retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context) Result[T]) Result[T] {
	attempts := max(opts.MaxAttempts, 1)
	wait := opts.InitialWait

	var result Result[T]
	for attempt := 1; ; attempt++ {
		result = f(ctx)
		if result.IsOk() || attempt >= attempts {
			return result
		}
		if opts.Retryable != nil && !opts.Retryable(result.err) {
			return result
		}

		sleep := wait
		if opts.Jitter {
			sleep = time.Duration(float64(wait) * (0.5 + rand.Float64()))
		}
		if opts.MaxWait > 0 && sleep > opts.MaxWait {
			sleep = opts.MaxWait
		}

		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return Err[T](errors.Join(result.err, ctx.Err()))
		case <-t.C:
		}

		wait *= 2
		if opts.MaxWait > 0 && wait > opts.MaxWait {
			wait = opts.MaxWait
		}
	}
}

// RetryStage wraps a Stage with retry logic.
func RetryStage[In, Out any](opts RetryOpts, stage Stage[In, Out]) Stage[In, Out] {
	return func(ctx context.Context, in In) Result[Out] {
		return Retry(ctx, opts, func(ctx context.Context) Result[Out] {
			return stage(ctx, in)
		})
	}
}
