package retry_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomops/internal/retry"
)

func newExecutor(cfg retry.Config) (*retry.Executor, *[]time.Duration) {
	e := retry.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	var slept []time.Duration
	e.Sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	e.Rand = func() float64 { return 0.5 }
	return e, &slept
}

func TestRunSucceedsAfterTransientFailures(t *testing.T) {
	e, slept := newExecutor(retry.Config{MaxAttempts: 3, InitialDelay: 10 * time.Millisecond, MaxDelay: time.Second})
	calls := 0
	err := e.Run(context.Background(), "join", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, *slept)
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	e, _ := newExecutor(retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond})
	boom := errors.New("boom")
	calls := 0
	err := e.Run(context.Background(), "kick", func(context.Context) error {
		calls++
		return boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	e, slept := newExecutor(retry.Config{MaxAttempts: 5})
	calls := 0
	err := e.Run(context.Background(), "seed", func(context.Context) error {
		calls++
		return retry.Permanent(errors.New("bad request"))
	})
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestDoReturnsValue(t *testing.T) {
	e, _ := newExecutor(retry.Config{})
	v, err := retry.Do(context.Background(), e, "hash", func(context.Context) (string, error) {
		return "abc", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "abc", v)
}

func TestDelayIsCappedAndJittered(t *testing.T) {
	e, _ := newExecutor(retry.Config{MaxAttempts: 10, InitialDelay: 100 * time.Millisecond, MaxDelay: 400 * time.Millisecond, Jitter: 0.5})
	assert.Equal(t, 100*time.Millisecond, e.Delay(1))
	assert.Equal(t, 400*time.Millisecond, e.Delay(3))
	assert.Equal(t, 400*time.Millisecond, e.Delay(40))

	e.Rand = func() float64 { return 0 }
	assert.Equal(t, 50*time.Millisecond, e.Delay(1))
	e.Rand = func() float64 { return 0.999999 }
	assert.LessOrEqual(t, e.Delay(3), 400*time.Millisecond)
}

func TestCancelledContextStopsRetries(t *testing.T) {
	e, _ := newExecutor(retry.Config{MaxAttempts: 5})
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := e.Run(ctx, "promote", func(context.Context) error {
		calls++
		cancel()
		return errors.New("timeout")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
