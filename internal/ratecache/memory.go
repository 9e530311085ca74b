package ratecache

import (
	"context"
	"sync"
)

// Memory is the default backend: a size-bounded map of immutable entries.
// One entry per key; writes replace the pointer so readers holding a
// snapshot are unaffected.
type Memory struct {
	mu         sync.RWMutex
	entries    map[string]*CachedRate
	maxEntries int
}

// NewMemory creates an in-memory backend. maxEntries <= 0 defaults to 1024.
func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &Memory{
		entries:    make(map[string]*CachedRate),
		maxEntries: maxEntries,
	}
}

func (m *Memory) Set(_ context.Context, key string, entry CachedRate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.maxEntries {
		m.evictOldestLocked()
	}
	m.entries[key] = &entry
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (*CachedRate, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[key]
	return entry, ok
}

func (m *Memory) Delete(_ context.Context, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

func (m *Memory) Clear(_ context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*CachedRate)
}

func (m *Memory) Len(_ context.Context) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// evictOldestLocked drops the stalest entry to respect the size bound.
func (m *Memory) evictOldestLocked() {
	var oldestKey string
	first := true
	for key, entry := range m.entries {
		if first || entry.CachedAt.Before(m.entries[oldestKey].CachedAt) {
			oldestKey = key
			first = false
		}
	}
	if oldestKey != "" {
		delete(m.entries, oldestKey)
	}
}
