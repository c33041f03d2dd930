package runner

import (
	"context"
	"sync"
)

// call is one in-flight agent execution that joiners can wait on. done is
// closed exactly once, after result/err are set and the map entry removed.
type call struct {
	done   chan struct{}
	result []byte
	err    error
}

// inflight is the per-fingerprint coalescing map: at most one concurrent
// execution per (agent kind, fingerprint). One mutex guards insertion and
// removal; waiters block on the call's done channel, not the lock.
type inflight struct {
	mu    sync.Mutex
	calls map[string]*call
}

func newInflight() *inflight {
	return &inflight{calls: make(map[string]*call)}
}

// begin returns the coalescing entry for key and whether the caller is the
// leader (the one that must execute).
func (m *inflight) begin(key string) (*call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.calls[key]; ok {
		return existing, false
	}
	c := &call{done: make(chan struct{})}
	m.calls[key] = c
	return c, true
}

// finish publishes the leader's outcome, removes the map entry, and wakes
// joiners. Removal happens before the wake so a caller arriving after a
// failure starts a fresh execution instead of observing the stale one.
func (m *inflight) finish(key string, c *call, result []byte, err error) {
	m.mu.Lock()
	delete(m.calls, key)
	m.mu.Unlock()

	c.result = result
	c.err = err
	close(c.done)
}

// wait blocks until the leader finishes or ctx is cancelled.
func (c *call) wait(ctx context.Context) ([]byte, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
