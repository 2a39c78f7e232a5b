package cache

import (
	"context"
	"sync"
	"time"

	"github.com/donutboyband/SendFlowr/pkg/contracts"
)

// MemoryBackend is an in-process FeatureCache backend for local
// development and tests, analogous to the in-memory twin paired with
// every Redis/Postgres-backed store in the teacher repo.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[contracts.UniversalID]memoryEntry
}

type memoryEntry struct {
	snap      *FeatureSnapshot
	expiresAt time.Time
}

// NewMemoryBackend constructs an empty in-process cache.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[contracts.UniversalID]memoryEntry)}
}

var _ Backend = (*MemoryBackend)(nil)

// Get returns the cached snapshot for universalID if present and not
// expired.
func (m *MemoryBackend) Get(_ context.Context, universalID contracts.UniversalID) (*FeatureSnapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[universalID]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		return nil, false, nil
	}
	return e.snap, true, nil
}

// Set stores snap for universalID with the given TTL. A zero TTL never
// expires.
func (m *MemoryBackend) Set(_ context.Context, universalID contracts.UniversalID, snap *FeatureSnapshot, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	m.entries[universalID] = memoryEntry{snap: snap, expiresAt: expiresAt}
	return nil
}
