// Package retry implements a bounded retry policy with exponential backoff.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"
)

// Default backoff parameters.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 10 * time.Second
)

// Policy runs an operation up to MaxAttempts times, doubling the delay
// between attempts from BaseDelay up to MaxDelay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter spreads each delay uniformly over [delay/2, delay).
	Jitter bool
	// Retryable decides whether a failed attempt may be retried. Nil retries everything.
	Retryable func(error) bool
	// OnRetry is invoked before sleeping ahead of the next attempt.
	OnRetry func(attempt int, delay time.Duration, err error)
	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// New returns a Policy with the default budget.
func New() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

// Do invokes op until it succeeds, returns a non-retryable error, the budget
// is spent or ctx is done. It returns the number of attempts made and the
// last error observed.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return attempt - 1, fmt.Errorf("retry aborted: %w", errors.Join(lastErr, err))
		}
		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return attempt, nil
		}
		if attempt == maxAttempts || !p.shouldRetry(lastErr) {
			return attempt, lastErr
		}
		if ctx.Err() != nil {
			// op failed because the caller gave up; do not keep going.
			return attempt, lastErr
		}
		delay := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, lastErr)
		}
		if err := p.sleep(ctx, delay); err != nil {
			return attempt, lastErr
		}
	}
	return maxAttempts, lastErr
}

// Backoff returns the wait after the given (1-based) failed attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(base) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	if !p.Jitter {
		return time.Duration(delay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func (p Policy) shouldRetry(err error) bool {
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
