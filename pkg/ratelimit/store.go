package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Store abstracts the storage of disabled-until timestamps.
type Store interface {
	// DisabledUntil returns the time until which c is disabled, or the zero
	// time when no entry exists.
	DisabledUntil(ctx context.Context, c Category) (time.Time, error)
	// SetDisabledUntil replaces the entry for c.
	SetDisabledUntil(ctx context.Context, c Category, until time.Time) error
}

// MemoryStore keeps limits in process memory. Entries are never evicted;
// expired ones simply compare as not limited.
type MemoryStore struct {
	mu     sync.RWMutex
	limits map[Category]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{limits: make(map[Category]time.Time)}
}

func (s *MemoryStore) DisabledUntil(_ context.Context, c Category) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limits[c], nil
}

func (s *MemoryStore) SetDisabledUntil(_ context.Context, c Category, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits[c] = until
	return nil
}

// Len returns the number of entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.limits)
}
