package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inkwell-ai/inkwell/pkg/model"
)

// CheckpointStore persists pipeline-state snapshots, one row per pipeline.
type CheckpointStore struct {
	pool *pgxpool.Pool
}

// Save upserts the snapshot for pipelineID.
func (s *CheckpointStore) Save(ctx context.Context, pipelineID string, state []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pipeline_checkpoints (pipeline_id, state)
		VALUES ($1, $2)
		ON CONFLICT (pipeline_id) DO UPDATE
		SET state = EXCLUDED.state, updated_at = now()`,
		pipelineID, state)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Load returns the snapshot or model.ErrNotFound.
func (s *CheckpointStore) Load(ctx context.Context, pipelineID string) ([]byte, error) {
	var state []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM pipeline_checkpoints WHERE pipeline_id = $1`,
		pipelineID).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("checkpoint %s: %w", pipelineID, model.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return state, nil
}

// Delete removes the snapshot, if any.
func (s *CheckpointStore) Delete(ctx context.Context, pipelineID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM pipeline_checkpoints WHERE pipeline_id = $1`, pipelineID)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}
