package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inkwell-ai/inkwell/pkg/model"
)

// MemoryStore is the durable keyed blob store. TTLs are stored with the row
// and enforced on read; DeleteStale provides the background sweep.
type MemoryStore struct {
	pool *pgxpool.Pool
}

// Get returns the entry's data, treating expired entries as absent.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `
		SELECT data FROM memory_entries
		WHERE key = $1
		  AND (ttl_seconds = 0 OR updated_at > now() - make_interval(secs => ttl_seconds))`,
		key).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get memory entry: %w", err)
	}
	return data, true, nil
}

// Put upserts the entry, preserving created_at across updates.
func (s *MemoryStore) Put(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO memory_entries (key, data, ttl_seconds)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE
		SET data = EXCLUDED.data, ttl_seconds = EXCLUDED.ttl_seconds, updated_at = now()`,
		key, data, int64(ttl.Seconds()))
	if err != nil {
		return fmt.Errorf("failed to put memory entry: %w", err)
	}
	return nil
}

// PutIfAbsent inserts only when the key is new or its entry has expired.
func (s *MemoryStore) PutIfAbsent(ctx context.Context, key string, data []byte, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO memory_entries (key, data, ttl_seconds)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE
		SET data = EXCLUDED.data, ttl_seconds = EXCLUDED.ttl_seconds,
		    created_at = now(), updated_at = now()
		WHERE memory_entries.ttl_seconds > 0
		  AND memory_entries.updated_at <= now() - make_interval(secs => memory_entries.ttl_seconds)`,
		key, data, int64(ttl.Seconds()))
	if err != nil {
		return false, fmt.Errorf("failed to put memory entry: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteByPrefix bulk-removes entries whose key starts with prefix.
func (s *MemoryStore) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM memory_entries WHERE key LIKE $1 || '%'`, prefix)
	if err != nil {
		return 0, fmt.Errorf("failed to delete memory entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteStale removes entries not updated within olderThan plus any entry
// past its own TTL.
func (s *MemoryStore) DeleteStale(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM memory_entries
		WHERE (ttl_seconds > 0 AND updated_at <= now() - make_interval(secs => ttl_seconds))
		   OR ($1::bigint > 0 AND updated_at < now() - make_interval(secs => $1::bigint))`,
		int64(olderThan.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep memory entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// entry loads the full row, for tests.
func (s *MemoryStore) entry(ctx context.Context, key string) (*model.MemoryEntry, error) {
	var e model.MemoryEntry
	var ttlSeconds int64
	err := s.pool.QueryRow(ctx, `
		SELECT key, data, created_at, updated_at, ttl_seconds
		FROM memory_entries WHERE key = $1`, key).
		Scan(&e.Key, &e.Data, &e.CreatedAt, &e.UpdatedAt, &ttlSeconds)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	e.TTL = time.Duration(ttlSeconds) * time.Second
	return &e, nil
}
