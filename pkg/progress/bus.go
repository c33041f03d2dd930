// Package progress provides in-process pub/sub of pipeline, stage and task
// state transitions. Delivery is best-effort: events for one pipeline reach
// each subscriber in publication order, but a subscriber that falls behind
// its buffer loses events rather than blocking publishers.
package progress

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/inkwell-ai/inkwell/pkg/model"
)

// Scope says what a progress event describes.
type Scope string

const (
	ScopePipeline Scope = "pipeline"
	ScopeStage    Scope = "stage"
	ScopeTask     Scope = "task"
)

// Event is one published transition.
type Event struct {
	PipelineID string          `json:"pipeline_id"`
	Scope      Scope           `json:"scope"`
	StageID    string          `json:"stage_id,omitempty"`
	TaskID     string          `json:"task_id,omitempty"`
	AgentKind  model.AgentKind `json:"agent_kind,omitempty"`
	Status     string          `json:"status"`
	Error      string          `json:"error,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// subscriber is one registered listener on a topic.
type subscriber struct {
	id string
	ch chan Event
}

// Bus is a topic-per-pipeline publish/subscribe hub. The zero subscriber
// count case is the fast path: publishing to a topic nobody watches only
// takes the read lock.
type Bus struct {
	mu         sync.RWMutex
	topics     map[string][]*subscriber
	bufferSize int
}

// DefaultBufferSize is the per-subscriber channel depth before events are
// dropped.
const DefaultBufferSize = 256

// NewBus creates a bus with the given per-subscriber buffer (0 uses the
// default).
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		topics:     make(map[string][]*subscriber),
		bufferSize: bufferSize,
	}
}

// Subscribe registers a listener for one pipeline's events. The returned
// channel is closed by Unsubscribe (or CloseTopic). The cancel function is
// idempotent.
func (b *Bus) Subscribe(pipelineID string) (<-chan Event, func()) {
	sub := &subscriber{
		id: uuid.New().String(),
		ch: make(chan Event, b.bufferSize),
	}

	b.mu.Lock()
	b.topics[pipelineID] = append(b.topics[pipelineID], sub)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() { b.unsubscribe(pipelineID, sub) })
	}
	return sub.ch, cancel
}

// Publish delivers ev to every subscriber of its pipeline. Slow subscribers
// are skipped, never waited on.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := b.topics[ev.PipelineID]
	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			slog.Warn("Progress subscriber buffer full, dropping event",
				"pipeline_id", ev.PipelineID,
				"subscriber_id", sub.id,
				"status", ev.Status)
		}
	}
	b.mu.RUnlock()
}

// CloseTopic drops every subscriber of a pipeline, closing their channels.
// Called after a pipeline reaches a terminal state and its terminal event
// has been published.
func (b *Bus) CloseTopic(pipelineID string) {
	b.mu.Lock()
	subs := b.topics[pipelineID]
	delete(b.topics, pipelineID)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
}

// SubscriberCount returns the number of listeners on a pipeline's topic.
func (b *Bus) SubscriberCount(pipelineID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[pipelineID])
}

func (b *Bus) unsubscribe(pipelineID string, sub *subscriber) {
	b.mu.Lock()
	found := false
	subs := b.topics[pipelineID]
	for i, s := range subs {
		if s == sub {
			b.topics[pipelineID] = append(subs[:i], subs[i+1:]...)
			found = true
			break
		}
	}
	if len(b.topics[pipelineID]) == 0 {
		delete(b.topics, pipelineID)
	}
	b.mu.Unlock()

	// CloseTopic may have already removed (and closed) this subscriber.
	if found {
		close(sub.ch)
	}
}
