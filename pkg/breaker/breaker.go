// Package breaker isolates persistently failing agents behind a per-kind
// circuit breaker: CLOSED counts consecutive failures, OPEN short-circuits
// calls, HALF_OPEN admits a single probe after the open duration elapses.
package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/inkwell-ai/inkwell/pkg/metrics"
	"github.com/inkwell-ai/inkwell/pkg/model"
)

// ErrOpen is returned when the breaker refuses admission.
var ErrOpen = errors.New("circuit breaker open")

// State is the breaker state machine position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config sets the trip threshold and recovery window for one breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// CLOSED to OPEN.
	FailureThreshold int

	// OpenDuration is how long OPEN short-circuits before a probe is allowed.
	OpenDuration time.Duration
}

// DefaultConfig returns the built-in breaker settings.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, OpenDuration: 30 * time.Second}
}

// Snapshot is a point-in-time view of one breaker.
type Snapshot struct {
	AgentKind    model.AgentKind
	State        State
	FailureCount int
	SuccessCount int
	OpenedAt     time.Time
}

// state is one agent kind's breaker. Its mutex guards the state machine;
// it is never held across the wrapped call.
type state struct {
	mu           sync.Mutex
	cfg          Config
	current      State
	failureCount int
	successCount int
	openedAt     time.Time
	probing      bool
}

// Breaker manages one state machine per agent kind.
type Breaker struct {
	mu       sync.Mutex
	defaults Config
	configs  map[model.AgentKind]Config
	states   map[model.AgentKind]*state
}

// New creates a breaker using defaults for kinds without an override.
func New(defaults Config, overrides map[model.AgentKind]Config) *Breaker {
	if defaults.FailureThreshold <= 0 {
		defaults = DefaultConfig()
	}
	return &Breaker{
		defaults: defaults,
		configs:  overrides,
		states:   make(map[model.AgentKind]*state),
	}
}

// Execute runs op for kind if the breaker admits it, records the outcome,
// and returns the op's error or ErrOpen.
func (b *Breaker) Execute(kind model.AgentKind, op func() error) error {
	s := b.stateFor(kind)

	probe, err := s.admit()
	if err != nil {
		return err
	}

	opErr := op()
	if opErr != nil {
		s.recordFailure(kind, probe)
		return opErr
	}
	s.recordSuccess(kind, probe)
	return nil
}

// Allow reports admission without running anything; the caller must follow
// up with RecordSuccess or RecordFailure. Used when the protected section
// spans a retry loop rather than a single closure.
func (b *Breaker) Allow(kind model.AgentKind) (probe bool, err error) {
	return b.stateFor(kind).admit()
}

// RecordSuccess feeds a success outcome for a call admitted via Allow.
func (b *Breaker) RecordSuccess(kind model.AgentKind, probe bool) {
	b.stateFor(kind).recordSuccess(kind, probe)
}

// RecordFailure feeds a failure outcome for a call admitted via Allow.
func (b *Breaker) RecordFailure(kind model.AgentKind, probe bool) {
	b.stateFor(kind).recordFailure(kind, probe)
}

// GetState returns a snapshot of kind's breaker.
func (b *Breaker) GetState(kind model.AgentKind) Snapshot {
	s := b.stateFor(kind)
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		AgentKind:    kind,
		State:        s.current,
		FailureCount: s.failureCount,
		SuccessCount: s.successCount,
		OpenedAt:     s.openedAt,
	}
}

func (b *Breaker) stateFor(kind model.AgentKind) *state {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.states[kind]
	if !ok {
		cfg := b.defaults
		if override, has := b.configs[kind]; has {
			cfg = override
		}
		s = &state{cfg: cfg, current: StateClosed}
		b.states[kind] = s
	}
	return s
}

// admit decides whether a call may proceed. It returns probe=true when the
// call is the single HALF_OPEN probe.
func (s *state) admit() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.current {
	case StateClosed:
		return false, nil
	case StateOpen:
		if time.Since(s.openedAt) < s.cfg.OpenDuration {
			return false, fmt.Errorf("%w: retry after %s", ErrOpen, time.Until(s.openedAt.Add(s.cfg.OpenDuration)).Round(time.Millisecond))
		}
		// Open duration elapsed: this call becomes the half-open probe.
		s.current = StateHalfOpen
		s.probing = true
		return true, nil
	case StateHalfOpen:
		if s.probing {
			return false, fmt.Errorf("%w: probe in flight", ErrOpen)
		}
		s.probing = true
		return true, nil
	}
	return false, nil
}

func (s *state) recordSuccess(kind model.AgentKind, probe bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.successCount++
	if probe || s.current == StateHalfOpen {
		s.current = StateClosed
		s.failureCount = 0
		s.probing = false
		s.openedAt = time.Time{}
		slog.Info("Circuit breaker closed after successful probe", "agent_kind", kind)
		metrics.RecordBreakerTransition(string(kind), string(StateClosed))
		return
	}
	s.failureCount = 0
}

func (s *state) recordFailure(kind model.AgentKind, probe bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if probe || s.current == StateHalfOpen {
		// Probe failed: back to OPEN with a fresh window.
		s.current = StateOpen
		s.openedAt = time.Now()
		s.probing = false
		slog.Warn("Circuit breaker reopened after failed probe", "agent_kind", kind)
		metrics.RecordBreakerTransition(string(kind), string(StateOpen))
		return
	}

	s.failureCount++
	if s.current == StateClosed && s.failureCount >= s.cfg.FailureThreshold {
		s.current = StateOpen
		s.openedAt = time.Now()
		slog.Warn("Circuit breaker opened",
			"agent_kind", kind,
			"consecutive_failures", s.failureCount)
		metrics.RecordBreakerTransition(string(kind), string(StateOpen))
	}
}
