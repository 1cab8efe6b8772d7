package occ

import (
	"context"
	"sync"
)

// MemoryTable is an in-process VersionTable. It backs tests and
// single-node deployments that do not need a durable version table.
type MemoryTable struct {
	mu       sync.RWMutex
	versions map[string]uint64
}

// NewMemoryTable creates an empty in-memory version table.
func NewMemoryTable() *MemoryTable {
	return &MemoryTable{versions: make(map[string]uint64)}
}

// Versions implements VersionTable.
func (t *MemoryTable) Versions(_ context.Context, keys []string) (map[string]uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]uint64, len(keys))
	for _, k := range keys {
		out[k] = t.versions[k]
	}
	return out, nil
}

// Bump implements VersionTable.
func (t *MemoryTable) Bump(_ context.Context, keys []string) (map[string]uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	previous := make(map[string]uint64, len(keys))
	for _, k := range keys {
		previous[k] = t.versions[k]
		t.versions[k] = t.versions[k] + 1
	}
	return previous, nil
}

// Restore implements VersionTable.
func (t *MemoryTable) Restore(_ context.Context, previous map[string]uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for k, v := range previous {
		if v == 0 {
			delete(t.versions, k)
			continue
		}
		t.versions[k] = v
	}
	return nil
}
