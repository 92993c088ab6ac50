// Package retry wraps arbitrary actions with bounded exponential backoff and
// jitter. It knows nothing about rooms or reconciliation.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

type Config struct {
	MaxAttempts  int           `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	// Jitter is the fraction (0-1) by which a delay is randomly stretched or shrunk.
	Jitter float64 `yaml:"jitter" json:"jitter"`
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Jitter:       0.2,
	}
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

type Executor struct {
	cfg    Config
	logger *slog.Logger
	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	// Rand returns a value in [0,1).
	Rand func() float64
}

func New(cfg Config, logger *slog.Logger) *Executor {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Jitter > 1 {
		cfg.Jitter = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cfg:    cfg,
		logger: logger.With("component", "retry"),
		Sleep:  sleepContext,
		Rand:   rand.Float64,
	}
}

func (e *Executor) Config() Config { return e.cfg }

// Delay returns the wait before the retry that follows failed attempt n (1-based).
func (e *Executor) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	shift := n - 1
	if shift > 30 {
		shift = 30
	}
	d := e.cfg.InitialDelay << shift
	if d <= 0 || d > e.cfg.MaxDelay {
		d = e.cfg.MaxDelay
	}
	if e.cfg.Jitter > 0 {
		factor := 1 + e.cfg.Jitter*(2*e.Rand()-1)
		d = time.Duration(float64(d) * factor)
	}
	if d > e.cfg.MaxDelay {
		d = e.cfg.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Run retries fn until it succeeds, returns a Permanent error, the context is
// done, or MaxAttempts is reached. The last error is returned.
func (e *Executor) Run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, e, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do is Run for actions that produce a value.
func Do[T any](ctx context.Context, e *Executor, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("%s: %w (last error: %v)", op, err, lastErr)
			}
			return zero, fmt.Errorf("%s: %w", op, err)
		}
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if IsPermanent(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}
		if attempt == e.cfg.MaxAttempts {
			break
		}
		delay := e.Delay(attempt)
		e.logger.Warn("attempt failed; retrying",
			"op", op,
			"attempt", attempt,
			"max_attempts", e.cfg.MaxAttempts,
			"delay", delay,
			"error", err,
		)
		if err := e.Sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("%s: %w (last error: %v)", op, err, lastErr)
		}
	}
	return zero, fmt.Errorf("%s failed after %d attempts: %w", op, e.cfg.MaxAttempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
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
