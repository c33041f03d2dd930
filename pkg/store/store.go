// Package store defines the engine's persistence contracts — the durable
// task ledger, the keyed memory/cache store, and the pipeline checkpoint
// projection — plus in-memory implementations suitable for tests and
// single-process embedders. The postgres subpackage provides durable
// implementations of the same interfaces.
package store

import (
	"context"
	"time"

	"github.com/inkwell-ai/inkwell/pkg/model"
)

// TaskStore is the durable record of every agent invocation.
//
// Terminal transitions are idempotent: repeating a transition with the same
// outcome is a no-op. Any other transition out of a terminal state fails
// with model.ErrStateViolation. Writes on a single task are linearisable;
// writes across tasks are independent.
type TaskStore interface {
	// Create inserts the task with status pending.
	Create(ctx context.Context, task *model.AgentTask) error

	// Get returns the task or model.ErrNotFound.
	Get(ctx context.Context, taskID string) (*model.AgentTask, error)

	// Start marks the task running, stamps startedAt and increments attempts.
	Start(ctx context.Context, taskID string) error

	// Complete terminally records a successful result.
	Complete(ctx context.Context, taskID string, result []byte) error

	// Fail terminally records a failure message.
	Fail(ctx context.Context, taskID string, errMsg string) error

	// Timeout terminally marks the task timed out.
	Timeout(ctx context.Context, taskID string, errMsg string) error

	// Cancel terminally marks the task cancelled.
	Cancel(ctx context.Context, taskID string) error

	// FindTimedOut returns running tasks whose startedAt is older than
	// now - threshold. Used by the janitor.
	FindTimedOut(ctx context.Context, threshold time.Duration) ([]*model.AgentTask, error)

	// DeleteCompletedOlderThan bulk-removes terminal tasks completed before
	// cutoff and returns the number removed.
	DeleteCompletedOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryStore is a keyed blob store backing the result cache and the
// per-user config cache.
type MemoryStore interface {
	// Get returns the entry's data, or ok=false when absent or expired.
	Get(ctx context.Context, key string) (data []byte, ok bool, err error)

	// Put upserts the entry, stamping updatedAt (and createdAt on first
	// insert). A zero ttl means no expiry.
	Put(ctx context.Context, key string, data []byte, ttl time.Duration) error

	// PutIfAbsent inserts only when the key is new; reports whether the
	// insert happened.
	PutIfAbsent(ctx context.Context, key string, data []byte, ttl time.Duration) (bool, error)

	// DeleteByPrefix bulk-removes entries whose key starts with prefix.
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)

	// DeleteStale removes entries not updated within olderThan, plus any
	// entry past its own TTL. Returns the number removed.
	DeleteStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// CheckpointStore persists the orchestrator's pipeline-state projection,
// keyed by pipeline ID. The payload is an opaque snapshot; the engine uses
// it for diagnostics and UI, not restart.
type CheckpointStore interface {
	Save(ctx context.Context, pipelineID string, state []byte) error
	Load(ctx context.Context, pipelineID string) ([]byte, error)
	Delete(ctx context.Context, pipelineID string) error
}
