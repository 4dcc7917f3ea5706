package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrRetriesExhausted is returned by [Executor.Do] when every attempt failed
// with a retryable error. It is terminal at the turn level: the orchestrator
// converts it into a fallback reply.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Classifier is implemented by errors that know whether they are worth
// retrying. Dependency errors (see the memoryclient package) implement it;
// errors that do not are treated as retryable by default.
type Classifier interface {
	Retryable() bool
}

// terminalError wraps an error to force terminal classification.
type terminalError struct {
	err error
}

func (t *terminalError) Error() string   { return t.err.Error() }
func (t *terminalError) Unwrap() error   { return t.err }
func (t *terminalError) Retryable() bool { return false }

// Terminal marks err as non-retryable regardless of its own classification.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// retryable reports whether err should be retried. Breaker-open rejections are
// always terminal; per-attempt deadline misses are always retryable; otherwise
// the error's own [Classifier] decides, defaulting to retryable.
func retryable(err error) bool {
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var c Classifier
	if errors.As(err, &c) {
		return c.Retryable()
	}
	return true
}

// ExecutorConfig holds tuning knobs for an [Executor].
type ExecutorConfig struct {
	// MaxRetries is the number of retries after the first attempt, so the
	// total attempt count is 1+MaxRetries. Zero means a single attempt;
	// negative values are treated as zero.
	MaxRetries int

	// PerAttemptTimeout is the hard deadline applied to each attempt.
	// Default: 10s.
	PerAttemptTimeout time.Duration

	// Backoff is the sleep schedule between attempts: Backoff[0] before the
	// second attempt, Backoff[1] before the third, and so on. When the
	// schedule is shorter than the attempt count the last entry is reused.
	// Default: [2s, 4s].
	Backoff []time.Duration

	// Sleep pauses for d or until ctx is cancelled. Defaults to a timer-based
	// implementation; inject a no-op in tests to avoid real sleeps.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Executor wraps an operation with per-attempt timeouts and bounded
// exponential backoff. It is stateless between calls and safe for concurrent
// use.
type Executor struct {
	maxRetries int
	timeout    time.Duration
	backoff    []time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an [Executor] with the supplied configuration. Unset
// timeout, backoff and sleep fields are replaced with the reliability policy
// defaults; MaxRetries is taken as-is so zero retries stays expressible.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.PerAttemptTimeout <= 0 {
		cfg.PerAttemptTimeout = 10 * time.Second
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = []time.Duration{2 * time.Second, 4 * time.Second}
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &Executor{
		maxRetries: cfg.MaxRetries,
		timeout:    cfg.PerAttemptTimeout,
		backoff:    cfg.Backoff,
		sleep:      cfg.Sleep,
	}
}

// Do runs op up to 1+MaxRetries times, each attempt under the per-attempt
// deadline. Terminal errors are surfaced immediately; when every attempt fails
// with a retryable error the last error is returned wrapped in
// [ErrRetriesExhausted]. name labels the operation in log messages.
func (e *Executor) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	var lastErr error

	attempts := 1 + e.maxRetries
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := e.backoff[min(attempt-2, len(e.backoff)-1)]
			slog.Debug("backing off before retry",
				"op", name, "attempt", attempt, "delay", delay)
			if err := e.sleep(ctx, delay); err != nil {
				return err
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
		err := op(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !retryable(err) {
			return err
		}

		lastErr = err
		slog.Warn("attempt failed",
			"op", name, "attempt", attempt, "max_attempts", attempts, "error", err)
	}

	return fmt.Errorf("%w: %s: %w", ErrRetriesExhausted, name, lastErr)
}

// DoWithResult runs op through exec and returns its result. This is a
// package-level function because Go does not support method-level type
// parameters.
func DoWithResult[R any](ctx context.Context, exec *Executor, name string, op func(ctx context.Context) (R, error)) (R, error) {
	var result R
	err := exec.Do(ctx, name, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = op(ctx)
		return innerErr
	})
	if err != nil {
		var zero R
		return zero, err
	}
	return result, nil
}

// sleepCtx pauses for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
