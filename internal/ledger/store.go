package ledger

import (
	"sort"
	"sync"

	"github.com/forgeops/foreman/internal/errors"
)

// Store is the storage abstraction the chain logic runs over. Implementations
// provide ordered, append-only persistence per task; the hashing and ordering
// rules live in Ledger so every backend shares them.
type Store interface {
	// Append persists one sealed entry at the end of the task's chain.
	Append(entry Entry) error

	// Load returns all entries for a task in append order.
	Load(taskID string) ([]Entry, error)

	// Tasks returns the ids of all tasks with at least one entry.
	Tasks() ([]string, error)
}

// MemoryStore is an in-memory Store used by tests and short-lived tooling.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]Entry)}
}

// Append adds an entry to the task's chain.
func (s *MemoryStore) Append(entry Entry) error {
	if entry.TaskID == "" {
		return errors.New(errors.ErrCodeLedgerEntryMalformed, "entry has no task id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.TaskID] = append(s.entries[entry.TaskID], entry)
	return nil
}

// Load returns a copy of the task's entries in append order.
func (s *MemoryStore) Load(taskID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.entries[taskID]
	out := make([]Entry, len(stored))
	copy(out, stored)
	return out, nil
}

// Tasks returns all task ids with entries, sorted.
func (s *MemoryStore) Tasks() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
