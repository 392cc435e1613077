package retry

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts: attempts,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}
}

func TestUtils_Retry_Do(t *testing.T) {
	t.Parallel()

	t.Run("success on first attempt", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		err := Do(context.Background(), DefaultConfig(), func() error {
			attempts++
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("success after retries", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		var retried []int
		cfg := fastConfig(3)
		cfg.OnRetry = func(attempt int, err error) { retried = append(retried, attempt) }

		err := Do(context.Background(), cfg, func() error {
			attempts++
			if attempts < 3 {
				return errors.New("connection reset")
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, attempts)
		require.Equal(t, []int{1, 2}, retried)
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		original := errors.New("connection reset")
		err := Do(context.Background(), fastConfig(3), func() error {
			attempts++
			return original
		})
		require.ErrorIs(t, err, original)
		require.Equal(t, 3, attempts)
	})

	t.Run("non-retryable error", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		original := errors.New("invalid input")
		err := Do(context.Background(), fastConfig(3), func() error {
			attempts++
			return original
		})
		require.Same(t, original, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("custom retryable", func(t *testing.T) {
		t.Parallel()
		sentinel := errors.New("warehouse unavailable")
		cfg := fastConfig(4)
		cfg.Retryable = func(err error) bool { return errors.Is(err, sentinel) }

		attempts := 0
		err := Do(context.Background(), cfg, func() error {
			attempts++
			return sentinel
		})
		require.ErrorIs(t, err, sentinel)
		require.Equal(t, 4, attempts)
	})

	t.Run("context cancellation", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		cfg := Config{MaxAttempts: 5, BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}

		attempts := 0
		err := Do(ctx, cfg, func() error {
			attempts++
			if attempts == 2 {
				cancel()
			}
			return errors.New("connection reset")
		})
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, 2, attempts)
	})
}

func TestUtils_Retry_IsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "net error", err: &net.OpError{Op: "dial", Err: errors.New("refused")}, want: true},
		{name: "connection reset", err: errors.New("connection reset by peer"), want: true},
		{name: "EOF", err: errors.New("EOF"), want: true},
		{name: "server overloaded", err: errors.New("code: 202, Too many simultaneous queries"), want: true},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: false},
		{name: "syntax", err: errors.New("syntax error"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestUtils_Retry_CalculateBackoff(t *testing.T) {
	t.Parallel()

	for attempt := 1; attempt <= 6; attempt++ {
		d := calculateBackoff(100*time.Millisecond, time.Second, attempt)
		upper := min(100*time.Millisecond*time.Duration(1<<uint(attempt)), time.Second)
		require.GreaterOrEqual(t, d, upper/2)
		require.LessOrEqual(t, d, upper)
	}
}
