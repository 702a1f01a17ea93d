package task

import (
	"encoding/json"
	"os"
	"sort"
	"sync"

	"github.com/forgeops/foreman/internal/errors"
)

// Source yields a consistent snapshot of the live task set.
// Implementations must return a slice the caller may retain; counters are
// always derived from a fresh snapshot, never maintained independently.
type Source interface {
	Snapshot() ([]Task, error)
}

// MemorySource is an in-memory Source for tests and embedding.
type MemorySource struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

// NewMemorySource creates an empty in-memory task source.
func NewMemorySource() *MemorySource {
	return &MemorySource{tasks: make(map[string]Task)}
}

// Put inserts or replaces a task.
func (s *MemorySource) Put(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
}

// SetStatus updates one task's status, applying the transition rules.
func (s *MemorySource) SetStatus(id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return errors.New(errors.ErrCodeFileNotFound, "unknown task: "+id)
	}
	if !CanTransition(t.Status, status) {
		return errors.New(errors.ErrCodeWIPConfig, "illegal status transition "+string(t.Status)+" -> "+string(status)+" for task "+id)
	}
	t.Status = status
	s.tasks[id] = t
	return nil
}

// Snapshot returns all tasks ordered by id.
func (s *MemorySource) Snapshot() ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FileSource reads the task set from a JSON file written by the external
// scheduler. The file holds a JSON array of tasks.
type FileSource struct {
	Path string
}

// NewFileSource creates a task source backed by the given file.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// Snapshot reads and parses the task file. Records that fail validation are
// skipped; a missing file yields an empty snapshot so read paths degrade
// rather than fail.
func (s *FileSource) Snapshot() ([]Task, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(errors.ErrCodeFileReadFailed, "read task file", err)
	}

	var tasks []Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, errors.Wrap(errors.ErrCodeFileUnmarshal, "parse task file", err)
	}

	valid := tasks[:0]
	for _, t := range tasks {
		if t.Validate() == nil {
			valid = append(valid, t)
		}
	}
	return valid, nil
}
