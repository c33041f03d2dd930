package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/inkwell-ai/inkwell/pkg/model"
)

// InMemoryMemoryStore is a mutex-guarded MemoryStore. Expired entries are
// cleaned up lazily on Get; DeleteStale provides the background sweep.
type InMemoryMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*model.MemoryEntry
}

// NewInMemoryMemoryStore creates an empty memory store.
func NewInMemoryMemoryStore() *InMemoryMemoryStore {
	return &InMemoryMemoryStore{entries: make(map[string]*model.MemoryEntry)}
}

// Get returns the entry's data, treating expired entries as absent.
func (s *InMemoryMemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	if entry.Expired(time.Now()) {
		// Expired — clean up lazily. Re-check under the write lock: a
		// concurrent Put may have replaced the entry with a fresh one.
		s.mu.Lock()
		if current, still := s.entries[key]; still && current.Expired(time.Now()) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, false, nil
	}
	return entry.Data, true, nil
}

// Put upserts the entry, preserving createdAt across updates.
func (s *InMemoryMemoryStore) Put(_ context.Context, key string, data []byte, ttl time.Duration) error {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[key]; ok {
		existing.Data = data
		existing.UpdatedAt = now
		existing.TTL = ttl
		return nil
	}
	s.entries[key] = &model.MemoryEntry{
		Key:       key,
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
		TTL:       ttl,
	}
	return nil
}

// PutIfAbsent inserts only when the key is new (or its entry has expired).
func (s *InMemoryMemoryStore) PutIfAbsent(_ context.Context, key string, data []byte, ttl time.Duration) (bool, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[key]; ok && !existing.Expired(now) {
		return false, nil
	}
	s.entries[key] = &model.MemoryEntry{
		Key:       key,
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
		TTL:       ttl,
	}
	return true, nil
}

// DeleteByPrefix removes all entries whose key starts with prefix.
func (s *InMemoryMemoryStore) DeleteByPrefix(_ context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

// DeleteStale removes entries not updated within olderThan and entries past
// their own TTL.
func (s *InMemoryMemoryStore) DeleteStale(_ context.Context, olderThan time.Duration) (int, error) {
	now := time.Now()
	cutoff := now.Add(-olderThan)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, entry := range s.entries {
		if entry.Expired(now) || (olderThan > 0 && entry.UpdatedAt.Before(cutoff)) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

// InMemoryCheckpointStore keeps pipeline-state snapshots in a map.
type InMemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string][]byte
}

// NewInMemoryCheckpointStore creates an empty checkpoint store.
func NewInMemoryCheckpointStore() *InMemoryCheckpointStore {
	return &InMemoryCheckpointStore{checkpoints: make(map[string][]byte)}
}

// Save stores the snapshot for pipelineID.
func (s *InMemoryCheckpointStore) Save(_ context.Context, pipelineID string, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := make([]byte, len(state))
	copy(clone, state)
	s.checkpoints[pipelineID] = clone
	return nil
}

// Load returns the snapshot or model.ErrNotFound.
func (s *InMemoryCheckpointStore) Load(_ context.Context, pipelineID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.checkpoints[pipelineID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return state, nil
}

// Delete removes the snapshot, if any.
func (s *InMemoryCheckpointStore) Delete(_ context.Context, pipelineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, pipelineID)
	return nil
}
