package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr string
	}{
		{name: "defaults", policy: DefaultPolicy()},
		{name: "zero attempts", policy: Policy{MaxAttempts: 0, Multiplier: 2}, wantErr: "max attempts"},
		{name: "jitter above one", policy: Policy{MaxAttempts: 1, Multiplier: 2, Jitter: 1.5}, wantErr: "jitter"},
		{name: "multiplier below one", policy: Policy{MaxAttempts: 1, Multiplier: 0.5}, wantErr: "multiplier"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDelaySchedule(t *testing.T) {
	policy := Policy{
		MaxAttempts:  5,
		InitialDelay: 10 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     30 * time.Millisecond,
	}

	assert.Equal(t, time.Duration(0), policy.Delay(1))
	assert.Equal(t, 10*time.Millisecond, policy.Delay(2))
	assert.Equal(t, 20*time.Millisecond, policy.Delay(3))
	// Capped at MaxDelay.
	assert.Equal(t, 30*time.Millisecond, policy.Delay(4))
	assert.Equal(t, 30*time.Millisecond, policy.Delay(5))
}

func TestDelayJitterBounds(t *testing.T) {
	policy := Policy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2,
		Jitter:       0.2,
	}

	for i := 0; i < 100; i++ {
		d := policy.Delay(2)
		assert.GreaterOrEqual(t, d, 80*time.Millisecond)
		assert.LessOrEqual(t, d, 120*time.Millisecond)
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultPolicy(), func(ctx context.Context, attempt int) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	policy := Policy{MaxAttempts: 3, InitialDelay: 10 * time.Millisecond, Multiplier: 2}

	calls := 0
	var gaps []time.Duration
	last := time.Now()
	err := Do(context.Background(), policy, func(ctx context.Context, attempt int) error {
		now := time.Now()
		gaps = append(gaps, now.Sub(last))
		last = now
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	// Delays approximately 10ms then 20ms.
	require.Len(t, gaps, 3)
	assert.GreaterOrEqual(t, gaps[1], 8*time.Millisecond)
	assert.GreaterOrEqual(t, gaps[2], 16*time.Millisecond)
}

func TestDoExhaustsAttempts(t *testing.T) {
	policy := Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2}
	boom := errors.New("boom")

	calls := 0
	err := Do(context.Background(), policy, func(ctx context.Context, attempt int) error {
		calls++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestDoNonRetriableShortCircuits(t *testing.T) {
	fatal := errors.New("fatal")
	policy := Policy{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		Multiplier:   2,
		Retriable:    func(err error) bool { return !errors.Is(err, fatal) },
	}

	calls := 0
	err := Do(context.Background(), policy, func(ctx context.Context, attempt int) error {
		calls++
		return fatal
	})

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDoCancelDuringBackoff(t *testing.T) {
	policy := Policy{MaxAttempts: 3, InitialDelay: 5 * time.Second, Multiplier: 2}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, policy, func(ctx context.Context, attempt int) error {
			return errors.New("transient")
		})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("backoff sleep did not observe cancellation")
	}
}

func TestDoAttemptNumbersPassed(t *testing.T) {
	policy := Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2}
	var attempts []int
	_ = Do(context.Background(), policy, func(ctx context.Context, attempt int) error {
		attempts = append(attempts, attempt)
		return errors.New("transient")
	})
	assert.Equal(t, []int{1, 2, 3}, attempts)
}
