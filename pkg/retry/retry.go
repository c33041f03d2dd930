// Package retry re-executes failing operations with bounded exponential
// backoff and jitter. The controller holds no state; attempt bookkeeping
// belongs to the caller.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Policy controls the retry schedule.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialDelay is the backoff before the second attempt.
	InitialDelay time.Duration

	// Multiplier grows the delay between consecutive attempts.
	Multiplier float64

	// MaxDelay caps the computed delay before jitter is applied.
	MaxDelay time.Duration

	// Jitter in [0,1] scales each delay by a uniform random factor in
	// [1-Jitter, 1+Jitter]. Zero disables jitter.
	Jitter float64

	// Retriable decides whether a failure is worth another attempt.
	// Nil retries everything.
	Retriable func(err error) bool
}

// DefaultPolicy returns the engine's built-in retry schedule.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
		Jitter:       0.2,
	}
}

// Validate checks the policy invariants.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("jitter must be in [0,1], got %g", p.Jitter)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("multiplier must be >= 1, got %g", p.Multiplier)
	}
	return nil
}

// Delay returns the backoff before attempt number attempt (2-based: the
// first retry is attempt 2): min(InitialDelay * Multiplier^(attempt-2),
// MaxDelay), scaled by the jitter factor.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 2 {
		return 0
	}
	d := float64(p.InitialDelay)
	for i := 2; i < attempt; i++ {
		d *= p.Multiplier
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		factor := 1 - p.Jitter + 2*p.Jitter*rand.Float64()
		d *= factor
	}
	return time.Duration(d)
}

// Op is one unit of retriable work.
type Op func(ctx context.Context, attempt int) error

// Do runs op up to policy.MaxAttempts times. A non-retriable failure
// short-circuits. Cancellation during a backoff sleep wakes promptly and
// returns ctx.Err().
func Do(ctx context.Context, policy Policy, op Op) error {
	if err := policy.Validate(); err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, policy.Delay(attempt)); err != nil {
				return err
			}
		}

		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if policy.Retriable != nil && !policy.Retriable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// sleep waits for d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
