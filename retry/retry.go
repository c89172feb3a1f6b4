// Package retry holds the bounded retry policy shared by every stage that
// repeats a failing step: plan rounds, module drafts, TTS chunks, downloads.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAttemptsExhausted is wrapped by Do when every attempt failed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Policy bounds how often and how fast a step is retried.
type Policy struct {
	MaxAttempts int
	// Backoff returns the wait after the given failed attempt (1-based).
	Backoff func(attempt int) time.Duration
	// Retryable decides whether an error is worth another attempt. Nil retries everything.
	Retryable func(error) bool
	// Sleep waits between attempts; nil uses Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Constant waits d after every failure.
func Constant(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return d }
}

// Linear waits attempt*d, the way the downloaders back off.
func Linear(d time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration { return time.Duration(attempt) * d }
}

// Do runs fn until it succeeds, returns a non-retryable error, or runs out of
// attempts. The attempt number passed to fn starts at 1.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	limit := p.MaxAttempts
	if limit <= 0 {
		limit = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var last error
	for attempt := 1; attempt <= limit; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = fn(ctx, attempt)
		if last == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(last) {
			return last
		}
		if attempt == limit {
			break
		}
		if p.Backoff != nil {
			if err := sleep(ctx, p.Backoff(attempt)); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, limit, last)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
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

// NoSleep is a Sleep replacement for tests.
func NoSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }
