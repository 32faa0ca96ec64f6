// Package retry provides exponential backoff with jitter for sink writes,
// claim failures and producer retries.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy defines retry behavior. MaxRetries counts retries after the first
// attempt, so a policy with MaxRetries 3 runs fn at most four times.
type Policy struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64
}

// NewPolicy creates a retry policy with exponential backoff between base and cap.
func NewPolicy(maxRetries int, base, maxDelay time.Duration) *Policy {
	return &Policy{
		MaxRetries:      maxRetries,
		InitialDelay:    base,
		MaxDelay:        maxDelay,
		Multiplier:      2.0,
		RandomizeFactor: 0.25,
	}
}

// DefaultPolicy returns a sensible default retry policy
func DefaultPolicy() *Policy {
	return NewPolicy(3, 100*time.Millisecond, 10*time.Second)
}

// Delay returns the backoff before retry number attempt (0-based).
// The result never exceeds MaxDelay.
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))

	if p.RandomizeFactor > 0 {
		delta := delay * p.RandomizeFactor
		delay = delay - delta + rand.Float64()*2*delta //nolint:gosec // jitter only
	}

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execute runs fn, retrying every error
func (p *Policy) Execute(ctx context.Context, fn func() error) error {
	return p.ExecuteWithCondition(ctx, fn, func(error) bool { return true })
}

// ExecuteWithCondition runs fn and retries only errors for which shouldRetry
// returns true. Non-retryable errors are returned unwrapped.
func (p *Policy) ExecuteWithCondition(ctx context.Context, fn func() error, shouldRetry func(error) bool) error {
	var lastErr error

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !shouldRetry(err) {
			return err
		}
		if attempt == p.MaxRetries {
			break
		}

		if err := Sleep(ctx, p.Delay(attempt)); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", p.MaxRetries+1, lastErr)
}
