package store

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/inkwell-ai/inkwell/pkg/model"
)

// InMemoryTaskStore is a mutex-guarded TaskStore for tests and
// single-process embedders. Each task is guarded by the store mutex, which
// makes per-task writes linearisable.
type InMemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*model.AgentTask
}

// NewInMemoryTaskStore creates an empty task store.
func NewInMemoryTaskStore() *InMemoryTaskStore {
	return &InMemoryTaskStore{tasks: make(map[string]*model.AgentTask)}
}

// Create inserts the task with status pending.
func (s *InMemoryTaskStore) Create(_ context.Context, task *model.AgentTask) error {
	if task.ID == "" {
		return fmt.Errorf("task has empty ID")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	clone := *task
	clone.Status = model.TaskPending
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	s.tasks[task.ID] = &clone
	return nil
}

// Get returns a copy of the task.
func (s *InMemoryTaskStore) Get(_ context.Context, taskID string) (*model.AgentTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, model.ErrNotFound)
	}
	clone := *task
	return &clone, nil
}

// Start marks the task running and increments attempts.
func (s *InMemoryTaskStore) Start(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, model.ErrNotFound)
	}
	if task.Status.IsTerminal() {
		return fmt.Errorf("start %s from %s: %w", taskID, task.Status, model.ErrStateViolation)
	}
	now := time.Now()
	task.Status = model.TaskRunning
	if task.StartedAt == nil {
		task.StartedAt = &now
	}
	task.Attempts++
	return nil
}

// Complete terminally records a successful result. Repeating with the same
// result is a no-op; any other post-terminal transition is a violation.
func (s *InMemoryTaskStore) Complete(_ context.Context, taskID string, result []byte) error {
	return s.finish(taskID, model.TaskCompleted, result, "")
}

// Fail terminally records a failure.
func (s *InMemoryTaskStore) Fail(_ context.Context, taskID string, errMsg string) error {
	return s.finish(taskID, model.TaskFailed, nil, errMsg)
}

// Timeout terminally marks the task timed out.
func (s *InMemoryTaskStore) Timeout(_ context.Context, taskID string, errMsg string) error {
	if errMsg == "" {
		errMsg = "task timed out"
	}
	return s.finish(taskID, model.TaskTimedOut, nil, errMsg)
}

// Cancel terminally marks the task cancelled.
func (s *InMemoryTaskStore) Cancel(_ context.Context, taskID string) error {
	return s.finish(taskID, model.TaskCancelled, nil, "")
}

// finish applies a terminal transition with idempotency semantics.
func (s *InMemoryTaskStore) finish(taskID string, status model.TaskStatus, result []byte, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, model.ErrNotFound)
	}
	if task.Status.IsTerminal() {
		if task.Status == status && bytes.Equal(task.Result, result) {
			return nil // idempotent repeat
		}
		return fmt.Errorf("%s %s from %s: %w", status, taskID, task.Status, model.ErrStateViolation)
	}
	now := time.Now()
	task.Status = status
	task.Result = result
	task.Error = errMsg
	task.CompletedAt = &now
	return nil
}

// FindTimedOut returns running tasks started before now - threshold.
func (s *InMemoryTaskStore) FindTimedOut(_ context.Context, threshold time.Duration) ([]*model.AgentTask, error) {
	cutoff := time.Now().Add(-threshold)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.AgentTask
	for _, task := range s.tasks {
		if task.Status == model.TaskRunning && task.StartedAt != nil && task.StartedAt.Before(cutoff) {
			clone := *task
			out = append(out, &clone)
		}
	}
	return out, nil
}

// DeleteCompletedOlderThan removes terminal tasks completed before cutoff.
func (s *InMemoryTaskStore) DeleteCompletedOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, task := range s.tasks {
		if task.Status.IsTerminal() && task.CompletedAt != nil && task.CompletedAt.Before(cutoff) {
			delete(s.tasks, id)
			removed++
		}
	}
	return removed, nil
}
