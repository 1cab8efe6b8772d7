package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps the chain in process memory. Used by tests and
// ephemeral deployments; production uses the SQL store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []AuditEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.Sequence != uint64(len(s.entries))+1 {
		return fmt.Errorf("ledger: sequence %d out of order (head %d)", entry.Sequence, len(s.entries))
	}
	s.entries = append(s.entries, entry)
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, seq uint64) (*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if seq == 0 || seq > uint64(len(s.entries)) {
		return nil, fmt.Errorf("%w: sequence %d", ErrEntryNotFound, seq)
	}
	entry := s.entries[seq-1]
	return &entry, nil
}

// Range implements Store.
func (s *MemoryStore) Range(_ context.Context, from, to uint64) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if from == 0 {
		from = 1
	}
	if to > uint64(len(s.entries)) {
		to = uint64(len(s.entries))
	}
	if from > to {
		return nil, nil
	}
	out := make([]AuditEntry, to-from+1)
	copy(out, s.entries[from-1:to])
	return out, nil
}

// RangeByTime implements Store.
func (s *MemoryStore) RangeByTime(_ context.Context, from, to time.Time) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []AuditEntry
	for _, e := range s.entries {
		if e.Timestamp.Before(from) || e.Timestamp.After(to) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Head implements Store.
func (s *MemoryStore) Head(_ context.Context) (uint64, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.entries) == 0 {
		return 0, GenesisSeed, nil
	}
	head := s.entries[len(s.entries)-1]
	return head.Sequence, head.ChainHash, nil
}

// Corrupt overwrites a stored entry in place. Only for tamper-detection
// tests; the public Store interface has no mutation path.
func (s *MemoryStore) Corrupt(seq uint64, mutate func(*AuditEntry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq == 0 || seq > uint64(len(s.entries)) {
		return fmt.Errorf("%w: sequence %d", ErrEntryNotFound, seq)
	}
	mutate(&s.entries[seq-1])
	return nil
}
