// Package agent defines the capability contract between the engine and the
// opaque units of work it orchestrates. The engine never sees an agent's
// code — only a function from input bytes to result bytes plus metadata.
package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/inkwell-ai/inkwell/pkg/model"
)

// InvokeFunc is one agent call. The input and result are opaque to the
// engine; cancellation is propagated through ctx.
type InvokeFunc func(ctx context.Context, input []byte) ([]byte, error)

// Capability is what the embedder registers per agent kind.
type Capability struct {
	Kind     model.AgentKind
	Provider model.Provider

	// Invoke performs the agent's work. Required.
	Invoke InvokeFunc

	// Retriable classifies raw agent errors. Optional; when nil the engine
	// falls back to model.KindOf classification alone.
	Retriable func(err error) bool

	// EstimateCost returns the number of rate-limiter permits an input will
	// consume. Optional; defaults to 1.
	EstimateCost func(input []byte) int
}

// Permits returns the limiter permits for input, defaulting to 1.
func (c *Capability) Permits(input []byte) int {
	if c.EstimateCost == nil {
		return 1
	}
	if n := c.EstimateCost(input); n > 0 {
		return n
	}
	return 1
}

// IsRetriable combines the registered predicate with the engine's error
// classification. The predicate can only veto, never promote: a
// non-retriable kind stays non-retriable.
func (c *Capability) IsRetriable(err error) bool {
	if !model.KindOf(err).Retriable() {
		return false
	}
	if c.Retriable != nil {
		return c.Retriable(err)
	}
	return true
}

// Registry holds the registered capabilities. Registration is a one-time
// startup operation; the engine does not hot-reload agents.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[model.AgentKind]*Capability
}

// NewRegistry creates an empty capability registry.
func NewRegistry() *Registry {
	return &Registry{capabilities: make(map[model.AgentKind]*Capability)}
}

// Register adds a capability. Registering the same kind twice, or a
// capability without an Invoke function, is a startup error.
func (r *Registry) Register(capability *Capability) error {
	if capability == nil || capability.Invoke == nil {
		return fmt.Errorf("capability has no invoke function")
	}
	if capability.Kind == "" {
		return fmt.Errorf("capability has empty agent kind")
	}
	if capability.Provider == "" {
		return fmt.Errorf("capability %q has empty provider", capability.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.capabilities[capability.Kind]; exists {
		return fmt.Errorf("capability %q already registered", capability.Kind)
	}
	r.capabilities[capability.Kind] = capability
	return nil
}

// Get returns the capability for kind.
func (r *Registry) Get(kind model.AgentKind) (*Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	capability, ok := r.capabilities[kind]
	if !ok {
		return nil, fmt.Errorf("no capability registered for agent kind %q", kind)
	}
	return capability, nil
}

// Kinds returns the registered agent kinds (unordered).
func (r *Registry) Kinds() []model.AgentKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]model.AgentKind, 0, len(r.capabilities))
	for k := range r.capabilities {
		kinds = append(kinds, k)
	}
	return kinds
}
