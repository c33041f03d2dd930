package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell-ai/inkwell/pkg/model"
)

func newTask(id string) *model.AgentTask {
	return &model.AgentTask{
		ID:        id,
		AgentKind: model.AgentPaperProcessor,
		UserID:    "user-1",
		Input:     []byte(`{"doc":"x"}`),
	}
}

func TestTaskCreateAndGet(t *testing.T) {
	s := NewInMemoryTaskStore()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newTask("t1")))

	task, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, task.Status)
	assert.False(t, task.CreatedAt.IsZero())
	assert.Equal(t, 0, task.Attempts)
}

func TestTaskCreateDuplicate(t *testing.T) {
	s := NewInMemoryTaskStore()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newTask("t1")))
	err := s.Create(ctx, newTask("t1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestTaskGetNotFound(t *testing.T) {
	s := NewInMemoryTaskStore()
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestTaskStartIncrementsAttempts(t *testing.T) {
	s := NewInMemoryTaskStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newTask("t1")))

	require.NoError(t, s.Start(ctx, "t1"))
	require.NoError(t, s.Start(ctx, "t1"))

	task, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskRunning, task.Status)
	assert.Equal(t, 2, task.Attempts)
	require.NotNil(t, task.StartedAt)
	assert.False(t, task.StartedAt.Before(task.CreatedAt))
}

func TestTaskLifecycleMonotonicity(t *testing.T) {
	tests := []struct {
		name   string
		finish func(s *InMemoryTaskStore, ctx context.Context) error
	}{
		{"completed", func(s *InMemoryTaskStore, ctx context.Context) error {
			return s.Complete(ctx, "t1", []byte("r"))
		}},
		{"failed", func(s *InMemoryTaskStore, ctx context.Context) error {
			return s.Fail(ctx, "t1", "boom")
		}},
		{"timed out", func(s *InMemoryTaskStore, ctx context.Context) error {
			return s.Timeout(ctx, "t1", "")
		}},
		{"cancelled", func(s *InMemoryTaskStore, ctx context.Context) error {
			return s.Cancel(ctx, "t1")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewInMemoryTaskStore()
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, newTask("t1")))
			require.NoError(t, s.Start(ctx, "t1"))
			require.NoError(t, tt.finish(s, ctx))

			// No transition leaves a terminal state.
			assert.ErrorIs(t, s.Start(ctx, "t1"), model.ErrStateViolation)

			task, err := s.Get(ctx, "t1")
			require.NoError(t, err)
			assert.True(t, task.Status.IsTerminal())
			require.NotNil(t, task.CompletedAt)
		})
	}
}

func TestTaskIdempotentCompletion(t *testing.T) {
	s := NewInMemoryTaskStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newTask("t1")))
	require.NoError(t, s.Start(ctx, "t1"))

	require.NoError(t, s.Complete(ctx, "t1", []byte("result")))
	first, err := s.Get(ctx, "t1")
	require.NoError(t, err)

	// Same outcome repeats as a no-op.
	require.NoError(t, s.Complete(ctx, "t1", []byte("result")))
	second, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, first.CompletedAt, second.CompletedAt)
	assert.Equal(t, first.Result, second.Result)

	// A different outcome is a violation.
	assert.ErrorIs(t, s.Complete(ctx, "t1", []byte("other")), model.ErrStateViolation)
	assert.ErrorIs(t, s.Fail(ctx, "t1", "boom"), model.ErrStateViolation)
}

func TestFindTimedOut(t *testing.T) {
	s := NewInMemoryTaskStore()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newTask("old")))
	require.NoError(t, s.Start(ctx, "old"))
	require.NoError(t, s.Create(ctx, newTask("fresh")))
	require.NoError(t, s.Start(ctx, "fresh"))

	// Backdate the old task's start.
	s.mu.Lock()
	past := time.Now().Add(-time.Hour)
	s.tasks["old"].StartedAt = &past
	s.mu.Unlock()

	stuck, err := s.FindTimedOut(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "old", stuck[0].ID)
}

func TestDeleteCompletedOlderThan(t *testing.T) {
	s := NewInMemoryTaskStore()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newTask("done")))
	require.NoError(t, s.Start(ctx, "done"))
	require.NoError(t, s.Complete(ctx, "done", []byte("r")))
	require.NoError(t, s.Create(ctx, newTask("running")))
	require.NoError(t, s.Start(ctx, "running"))

	s.mu.Lock()
	past := time.Now().Add(-time.Hour)
	s.tasks["done"].CompletedAt = &past
	s.mu.Unlock()

	removed, err := s.DeleteCompletedOlderThan(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.Get(ctx, "done")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = s.Get(ctx, "running")
	assert.NoError(t, err)
}
