package postgres

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inkwell-ai/inkwell/pkg/model"
)

// TaskStore is the durable task ledger. Terminal transitions rely on
// conditional updates, so concurrent writers on one row serialise through
// row-level locking.
type TaskStore struct {
	pool *pgxpool.Pool
}

const taskColumns = `id, agent_kind, user_id, pipeline_id, stage_id, input,
	status, result, error, attempts, created_at, started_at, completed_at`

// Create inserts the task with status pending.
func (s *TaskStore) Create(ctx context.Context, task *model.AgentTask) error {
	if task.ID == "" {
		return fmt.Errorf("task has empty ID")
	}
	createdAt := task.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_tasks (id, agent_kind, user_id, pipeline_id, stage_id, input, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		task.ID, task.AgentKind, task.UserID, task.PipelineID, task.StageID,
		task.Input, model.TaskPending, createdAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("task %s already exists", task.ID)
		}
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// Get returns the task or model.ErrNotFound.
func (s *TaskStore) Get(ctx context.Context, taskID string) (*model.AgentTask, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM agent_tasks WHERE id = $1`, taskID)
	return scanTask(row, taskID)
}

// Start marks the task running, stamps startedAt once, and increments
// attempts. Fails with model.ErrStateViolation when the task is terminal.
func (s *TaskStore) Start(ctx context.Context, taskID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agent_tasks
		SET status = $2,
		    started_at = COALESCE(started_at, now()),
		    attempts = attempts + 1
		WHERE id = $1 AND status NOT IN ($3, $4, $5, $6)`,
		taskID, model.TaskRunning,
		model.TaskCompleted, model.TaskFailed, model.TaskTimedOut, model.TaskCancelled)
	if err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionConflict(ctx, taskID, model.TaskRunning, nil)
	}
	return nil
}

// Complete terminally records a successful result.
func (s *TaskStore) Complete(ctx context.Context, taskID string, result []byte) error {
	return s.finish(ctx, taskID, model.TaskCompleted, result, "")
}

// Fail terminally records a failure message.
func (s *TaskStore) Fail(ctx context.Context, taskID string, errMsg string) error {
	return s.finish(ctx, taskID, model.TaskFailed, nil, errMsg)
}

// Timeout terminally marks the task timed out.
func (s *TaskStore) Timeout(ctx context.Context, taskID string, errMsg string) error {
	if errMsg == "" {
		errMsg = "task timed out"
	}
	return s.finish(ctx, taskID, model.TaskTimedOut, nil, errMsg)
}

// Cancel terminally marks the task cancelled.
func (s *TaskStore) Cancel(ctx context.Context, taskID string) error {
	return s.finish(ctx, taskID, model.TaskCancelled, nil, "")
}

// finish applies a terminal transition. The conditional update only touches
// non-terminal rows; a zero-row result is resolved into idempotent-repeat
// (no-op) or a state violation.
func (s *TaskStore) finish(ctx context.Context, taskID string, status model.TaskStatus, result []byte, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agent_tasks
		SET status = $2, result = $3, error = $4, completed_at = now()
		WHERE id = $1 AND status NOT IN ($5, $6, $7, $8)`,
		taskID, status, result, errMsg,
		model.TaskCompleted, model.TaskFailed, model.TaskTimedOut, model.TaskCancelled)
	if err != nil {
		return fmt.Errorf("failed to finish task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionConflict(ctx, taskID, status, result)
	}
	return nil
}

// transitionConflict classifies a rejected transition: missing row,
// idempotent repeat, or violation.
func (s *TaskStore) transitionConflict(ctx context.Context, taskID string, wanted model.TaskStatus, result []byte) error {
	current, err := s.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if current.Status == wanted && bytes.Equal(current.Result, result) {
		return nil // idempotent repeat
	}
	return fmt.Errorf("%s %s from %s: %w", wanted, taskID, current.Status, model.ErrStateViolation)
}

// FindTimedOut returns running tasks started before now - threshold.
func (s *TaskStore) FindTimedOut(ctx context.Context, threshold time.Duration) ([]*model.AgentTask, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM agent_tasks
		WHERE status = $1 AND started_at < $2`,
		model.TaskRunning, time.Now().Add(-threshold))
	if err != nil {
		return nil, fmt.Errorf("failed to find timed-out tasks: %w", err)
	}
	defer rows.Close()

	var out []*model.AgentTask
	for rows.Next() {
		task, err := scanTask(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// DeleteCompletedOlderThan removes terminal tasks completed before cutoff.
func (s *TaskStore) DeleteCompletedOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM agent_tasks
		WHERE status IN ($1, $2, $3, $4) AND completed_at < $5`,
		model.TaskCompleted, model.TaskFailed, model.TaskTimedOut, model.TaskCancelled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner, taskID string) (*model.AgentTask, error) {
	var task model.AgentTask
	err := row.Scan(
		&task.ID, &task.AgentKind, &task.UserID, &task.PipelineID, &task.StageID,
		&task.Input, &task.Status, &task.Result, &task.Error, &task.Attempts,
		&task.CreatedAt, &task.StartedAt, &task.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", taskID, model.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	return &task, nil
}
