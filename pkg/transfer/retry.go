package transfer

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"lanxfer/pkg/types"
)

// Backoff is exponential with jitter: BaseDelay * 2^attempt, capped at
// MaxDelay, then moved by up to ±JitterFactor.
type Backoff struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
}

func newBackoff(retries int, base time.Duration) Backoff {
	return Backoff{
		MaxRetries:   retries,
		BaseDelay:    base,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.2,
	}
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	delay := float64(b.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}

	delay += delay * b.JitterFactor * (2*rand.Float64() - 1)
	if delay < 0 {
		delay = float64(b.BaseDelay)
	}
	return time.Duration(delay)
}

// permanentError stops the retry loop at once.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return &permanentError{err: err} }

func retryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	return !types.IsCancellation(err)
}

// retry runs fn until it succeeds, returns a non-retryable error, the
// context ends, or MaxRetries retries are used up. onRetry runs before each
// wait.
func retry(ctx context.Context, b Backoff, logger *zap.Logger, fn func(attempt int) error, onRetry func(attempt int, err error)) error {
	var lastErr error

	for attempt := 0; attempt <= b.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if !retryable(err) {
			return err
		}
		lastErr = err

		if attempt == b.MaxRetries {
			break
		}

		delay := b.Delay(attempt)
		logger.Warn("Chunk attempt failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
		if onRetry != nil {
			onRetry(attempt, err)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}

	return lastErr
}
