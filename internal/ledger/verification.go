package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/forgeops/foreman/internal/errors"
)

// Verdict is one external pass/fail judgment about a task's phase evidence.
// Verdicts are written by the critic subsystem; the ledger only reads them.
type Verdict struct {
	Check     string    `json:"check"`
	Approved  bool      `json:"approved"`
	Reviewer  string    `json:"reviewer,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// VerificationSource yields the verdicts recorded for a task+phase.
type VerificationSource interface {
	Verdicts(taskID string, phase Phase) ([]Verdict, error)
}

// Requirements maps each phase to the checks that must be approved before a
// task may leave it. Phases absent from the map require nothing.
type Requirements map[Phase][]string

// DefaultRequirements gates the phases whose exit is critic-reviewed.
func DefaultRequirements() Requirements {
	return Requirements{
		PhaseSpec:           {"critic:spec"},
		PhaseDesign:         {"critic:design"},
		PhaseImplementation: {"critic:tests", "critic:review"},
		PhaseReview:         {"critic:approval"},
		PhaseValidation:     {"critic:validation"},
	}
}

// Missing returns the required checks for phase that are absent or rejected
// in the given verdicts, in requirement order.
func (r Requirements) Missing(phase Phase, verdicts []Verdict) []string {
	required := r[phase]
	if len(required) == 0 {
		return nil
	}

	approved := make(map[string]bool, len(verdicts))
	for _, v := range verdicts {
		if v.Approved {
			approved[v.Check] = true
		}
	}

	var missing []string
	for _, check := range required {
		if !approved[check] {
			missing = append(missing, check)
		}
	}
	return missing
}

// MemoryVerifications is an in-memory VerificationSource for tests.
type MemoryVerifications struct {
	mu       sync.RWMutex
	verdicts map[string][]Verdict
}

// NewMemoryVerifications creates an empty in-memory verification source.
func NewMemoryVerifications() *MemoryVerifications {
	return &MemoryVerifications{verdicts: make(map[string][]Verdict)}
}

func verdictKey(taskID string, phase Phase) string {
	return taskID + "/" + string(phase)
}

// Record adds a verdict for a task+phase.
func (m *MemoryVerifications) Record(taskID string, phase Phase, v Verdict) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := verdictKey(taskID, phase)
	m.verdicts[key] = append(m.verdicts[key], v)
}

// Verdicts returns the verdicts recorded for a task+phase.
func (m *MemoryVerifications) Verdicts(taskID string, phase Phase) ([]Verdict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored := m.verdicts[verdictKey(taskID, phase)]
	out := make([]Verdict, len(stored))
	copy(out, stored)
	return out, nil
}

// FileVerifications reads verdicts from JSON files written by the external
// verification subsystem, one file per task+phase:
// <dir>/<taskID>/<phase>.json holding a JSON array of verdicts.
type FileVerifications struct {
	dir string
}

// NewFileVerifications creates a file-backed verification source.
func NewFileVerifications(dir string) *FileVerifications {
	return &FileVerifications{dir: dir}
}

// Verdicts loads the verdict file for a task+phase. A missing file means no
// verdicts yet, which is not an error.
func (f *FileVerifications) Verdicts(taskID string, phase Phase) ([]Verdict, error) {
	path := filepath.Join(f.dir, taskID, string(phase)+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(errors.ErrCodeFileReadFailed, fmt.Sprintf("read verdicts for %s/%s", taskID, phase), err)
	}

	var verdicts []Verdict
	if err := json.Unmarshal(data, &verdicts); err != nil {
		return nil, errors.Wrap(errors.ErrCodeFileUnmarshal, fmt.Sprintf("parse verdicts for %s/%s", taskID, phase), err)
	}
	return verdicts, nil
}
