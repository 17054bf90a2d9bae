package async

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0

	err := Retry(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}

		return nil
	}, RetryOptions{Retries: 5, BaseDelay: time.Millisecond})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustionReturnsLastError(t *testing.T) {
	calls := 0

	var attempts []int

	err := Retry(context.Background(), func(context.Context) error {
		calls++
		return fmt.Errorf("failure %d", calls)
	}, RetryOptions{
		Retries:   2,
		BaseDelay: time.Millisecond,
		OnError:   func(attempt int, _ error) { attempts = append(attempts, attempt) },
	})

	require.Error(t, err)
	assert.Equal(t, "failure 3", err.Error(), "last error wins")
	assert.Equal(t, 3, calls, "one initial attempt plus two retries")
	assert.Equal(t, []int{0, 1, 2}, attempts)
}

func TestRetry_ZeroRetriesRunsOnce(t *testing.T) {
	calls := 0

	err := Retry(context.Background(), func(context.Context) error {
		calls++
		return errors.New("boom")
	}, RetryOptions{})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_ContextCancellationAbortsWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0

	err := Retry(ctx, func(context.Context) error {
		calls++
		cancel()

		return errors.New("boom")
	}, RetryOptions{Retries: 10, BaseDelay: time.Hour})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls, "must not retry after cancellation")
}

func TestBackoffDelay_Growth(t *testing.T) {
	base := 100 * time.Millisecond

	assert.Equal(t, base, backoffDelay(base, 0, false))
	assert.Equal(t, 2*base, backoffDelay(base, 1, false))
	assert.Equal(t, 8*base, backoffDelay(base, 3, false))
}

func TestBackoffDelay_JitterBounds(t *testing.T) {
	base := 100 * time.Millisecond

	for i := 0; i < 100; i++ {
		d := backoffDelay(base, 2, true)
		assert.GreaterOrEqual(t, d, 2*base)
		assert.Less(t, d, 6*base)
	}
}

func TestIsTransient(t *testing.T) {
	plain := errors.New("boom")
	assert.False(t, IsTransient(plain))

	wrapped := fmt.Errorf("publishing: %w", &TransientError{Err: plain})
	assert.True(t, IsTransient(wrapped))
}
