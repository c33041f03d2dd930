// Package model defines the core entities shared by the engine packages:
// providers, agent kinds, task records, memory entries, and the error
// taxonomy. All payloads (task input, result, memory data) are opaque byte
// blobs — the engine never inspects their interior.
package model

import "time"

// Provider identifies an external AI service subject to rate limits.
type Provider string

// Known providers. The set is fixed at startup by configuration; the engine
// treats the value as an opaque admission-control key.
const (
	ProviderOpenAI     Provider = "openai"
	ProviderAnthropic  Provider = "anthropic"
	ProviderPerplexity Provider = "perplexity"
)

// AgentKind identifies a class of agent. Each kind maps to one registered
// capability and declares a preferred provider.
type AgentKind string

// Built-in agent kinds for the document-processing pipelines.
const (
	AgentPaperProcessor    AgentKind = "paper_processor"
	AgentContentSummariser AgentKind = "content_summariser"
	AgentQualityChecker    AgentKind = "quality_checker"
	AgentCitationFormatter AgentKind = "citation_formatter"
	AgentMetadataEnhancer  AgentKind = "metadata_enhancer"
	AgentResearch          AgentKind = "research_agent"
)

// TaskStatus is the lifecycle state of an AgentTask.
type TaskStatus string

// Task lifecycle states. Completed, Failed, TimedOut and Cancelled are
// terminal — no transition leaves them.
const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskTimedOut  TaskStatus = "timed_out"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskTimedOut, TaskCancelled:
		return true
	}
	return false
}

// AgentTask is the durable record of one agent invocation on behalf of one
// pipeline stage.
//
// Invariants: StartedAt >= CreatedAt; CompletedAt >= StartedAt; Result is
// non-nil iff Status == TaskCompleted; Error is non-empty iff the task
// reached Failed, TimedOut or Cancelled-after-running; Attempts >= 1 once
// the task leaves Pending.
type AgentTask struct {
	ID          string
	AgentKind   AgentKind
	UserID      string
	PipelineID  string
	StageID     string
	Input       []byte
	Status      TaskStatus
	Result      []byte
	Error       string
	Attempts    int
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// MemoryEntry is a keyed idempotency record. The engine uses it for the
// result cache (agent_<kind>_cache_<fingerprint>) and the per-user config
// cache (user_<uid>_agent_<kind>).
type MemoryEntry struct {
	Key       string
	Data      []byte
	CreatedAt time.Time
	UpdatedAt time.Time
	TTL       time.Duration // zero means no expiry
}

// Expired reports whether the entry's TTL has elapsed relative to now.
func (e *MemoryEntry) Expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.UpdatedAt) > e.TTL
}

// UsageEvent is emitted to the embedder's sink on every terminal task.
// The engine reports usage; it never computes prices.
type UsageEvent struct {
	UserID     string
	AgentKind  AgentKind
	Provider   Provider
	TaskID     string
	PipelineID string
	Attempts   int
	DurationMs int64
	Success    bool
	Cached     bool
}

// ResultCacheKey builds the result-cache key for an agent kind and input
// fingerprint. Two semantically equal inputs must fingerprint identically.
func ResultCacheKey(kind AgentKind, fingerprint string) string {
	return "agent_" + string(kind) + "_cache_" + fingerprint
}

// ConfigCacheKey builds the per-user agent configuration key.
func ConfigCacheKey(userID string, kind AgentKind) string {
	return "user_" + userID + "_agent_" + string(kind)
}
