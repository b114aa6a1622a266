package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/sessionkeeper/internal/store"
)

// RetryPolicy retries operations that fail with store.ErrStorageUnavailable
// using exponential backoff. Every other error is returned immediately.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetry backs off 100ms, 200ms between three attempts.
var DefaultRetry = RetryPolicy{Attempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}

// NoRetry runs each operation once.
var NoRetry = RetryPolicy{Attempts: 1}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay * time.Duration(1<<attempt)
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		d = p.MaxDelay
	}
	return d
}

// Do runs fn until it succeeds, fails with a non-retryable error, the
// attempts are exhausted, or ctx is done.
func (p RetryPolicy) Do(ctx context.Context, logger *slog.Logger, op string, fn func(ctx context.Context) error) error {
	attempts := max(p.Attempts, 1)

	var err error
	for i := 0; i < attempts; i++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrStorageUnavailable) || i == attempts-1 {
			break
		}

		delay := p.delay(i)
		logger.Debug("Session store unavailable, retrying",
			"operation", op,
			"attempt", i+1,
			"delay", delay,
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w (last error: %w)", op, ctx.Err(), err)
		case <-timer.C:
		}
	}

	if errors.Is(err, store.ErrStorageUnavailable) && attempts > 1 {
		return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, err)
	}
	return err
}
