package async

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxBackoffShift caps the bit-shift exponent in the exponential
	// backoff to prevent integer overflow of time.Duration.
	maxBackoffShift = 16

	// defaultBaseDelay is used when RetryOptions.BaseDelay is zero.
	defaultBaseDelay = 500 * time.Millisecond
)

// RetryOptions configures Retry.
type RetryOptions struct {
	// Retries is the number of additional attempts after the first
	// failure. Zero means fn runs exactly once.
	Retries int

	// BaseDelay is the delay before the first retry; attempt n waits
	// BaseDelay * 2^n. Defaults to 500ms when zero.
	BaseDelay time.Duration

	// Jitter randomizes each delay within ±50% when true.
	Jitter bool

	// OnError, when non-nil, is invoked after every failed attempt with
	// the zero-based attempt index and the error.
	OnError func(attempt int, err error)
}

// Retry executes fn, retrying on failure with exponential backoff. When
// every attempt fails the last error is returned. Context cancellation
// aborts the wait and returns ctx.Err().
func Retry(ctx context.Context, fn func(ctx context.Context) error, opts RetryOptions) error {
	base := opts.BaseDelay
	if base <= 0 {
		base = defaultBaseDelay
	}

	var lastErr error

	for attempt := 0; ; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if opts.OnError != nil {
			opts.OnError(attempt, lastErr)
		}

		if attempt >= opts.Retries {
			return lastErr
		}

		if ctx.Err() != nil {
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		}

		timer := time.NewTimer(backoffDelay(base, attempt, opts.Jitter))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// backoffDelay computes base * 2^attempt, optionally jittered uniformly
// within ±50%.
func backoffDelay(base time.Duration, attempt int, jitter bool) time.Duration {
	shift := attempt
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}

	delay := base << shift
	if !jitter {
		return delay
	}

	// Uniform in [delay/2, delay*3/2).
	return delay/2 + rand.N(delay) //nolint:gosec // G404: math/rand is fine for backoff jitter, no security impact
}
