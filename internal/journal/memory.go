package journal

import (
	"context"
	"sync"
	"time"
)

// Memory is the default in-process journal: a bounded ring of entries with
// age-based pruning on write.
type Memory struct {
	mu         sync.RWMutex
	entries    []Entry
	maxEntries int
	maxAge     time.Duration
}

// NewMemory creates a bounded in-memory journal. maxEntries <= 0 defaults to
// 10000; maxAge <= 0 disables age pruning.
func NewMemory(maxEntries int, maxAge time.Duration) *Memory {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &Memory{
		entries:    make([]Entry, 0, 256),
		maxEntries: maxEntries,
		maxAge:     maxAge,
	}
}

// Write appends an entry, pruning aged and surplus entries first.
func (m *Memory) Write(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked(time.Now())
	if len(m.entries) >= m.maxEntries {
		// Drop the oldest entry to stay within the bound.
		m.entries = m.entries[1:]
	}
	m.entries = append(m.entries, entry)
	return nil
}

// Query returns matching entries in append order.
func (m *Memory) Query(_ context.Context, filter Filter) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0, 16)
	for _, e := range m.entries {
		if !filter.matches(e) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Len reports the number of retained entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Memory) pruneLocked(now time.Time) {
	if m.maxAge <= 0 {
		return
	}
	cutoff := now.Add(-m.maxAge)
	i := 0
	for i < len(m.entries) && m.entries[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.entries = m.entries[i:]
	}
}
