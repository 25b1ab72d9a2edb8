package reliability

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("ShouldRetry respects max retries", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 1*time.Second, 2.0, 3)

		for i := 0; i < 3; i++ {
			shouldRetry, delay := eb.ShouldRetry(i, errors.New("refused"))
			assert.True(t, shouldRetry)
			assert.Greater(t, delay, time.Duration(0))
		}

		shouldRetry, delay := eb.ShouldRetry(3, errors.New("refused"))
		assert.False(t, shouldRetry)
		assert.Equal(t, time.Duration(0), delay)
	})

	t.Run("NextDelay calculates exponential backoff", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2.0, 5)
		eb.Jitter = false

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{0, 100 * time.Millisecond},
			{1, 200 * time.Millisecond},
			{3, 800 * time.Millisecond},
			{10, 10 * time.Second},
		}

		for _, tt := range tests {
			t.Run(tt.expected.String(), func(t *testing.T) {
				assert.Equal(t, tt.expected, eb.NextDelay(tt.attempt))
			})
		}
	})

	t.Run("NextDelay with jitter stays within bounds", func(t *testing.T) {
		eb := NewExponentialBackoff(1*time.Second, 10*time.Second, 2.0, 5)
		for i := 0; i < 20; i++ {
			delay := eb.NextDelay(0)
			assert.GreaterOrEqual(t, delay, 850*time.Millisecond)
			assert.LessOrEqual(t, delay, 1150*time.Millisecond)
		}
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 1*time.Second, 2.0, 3)
		shouldRetry, _ := eb.ShouldRetry(0, Permanent(errors.New("bad credentials")))
		assert.False(t, shouldRetry)
	})
}

func TestRetry(t *testing.T) {
	t.Run("succeeds on first attempt", func(t *testing.T) {
		attempts := 0
		err := Retry(context.Background(), "connect", NewFixedDelay(100*time.Millisecond, 3), func(context.Context) error {
			attempts++
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("retries on failure", func(t *testing.T) {
		attempts := 0
		err := Retry(context.Background(), "connect", NewFixedDelay(10*time.Millisecond, 3), func(context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("connection refused")
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("wraps last error after max retries", func(t *testing.T) {
		cause := errors.New("connection refused")
		attempts := 0
		err := Retry(context.Background(), "connect", NewFixedDelay(10*time.Millisecond, 2), func(context.Context) error {
			attempts++
			return cause
		})

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, "connect", retryErr.Op)
		assert.Equal(t, 3, retryErr.Attempts)
		assert.Equal(t, 3, attempts)
	})

	t.Run("nil policy runs once", func(t *testing.T) {
		cause := errors.New("boom")
		attempts := 0
		err := Retry(context.Background(), "connect", nil, func(context.Context) error {
			attempts++
			return cause
		})

		assert.Equal(t, cause, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		var attempts int32

		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		err := Retry(ctx, "connect", NewFixedDelay(1*time.Second, 5), func(context.Context) error {
			atomic.AddInt32(&attempts, 1)
			return errors.New("refused")
		})

		assert.Equal(t, context.Canceled, err)
		assert.LessOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		attempts := 0
		err := Retry(context.Background(), "connect", NewExponentialBackoff(time.Millisecond, 10*time.Millisecond, 2.0, 5), func(context.Context) error {
			attempts++
			if attempts == 2 {
				return Permanent(errors.New("access refused"))
			}
			return errors.New("refused")
		})

		assert.ErrorContains(t, err, "access refused")
		assert.Equal(t, 2, attempts)
	})
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("unknown")))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(Permanent(errors.New("x"))))
	assert.True(t, IsRetryable(RetryableError{Err: errors.New("x"), Retryable: true}))
}
