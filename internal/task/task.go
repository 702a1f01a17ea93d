// Package task defines the task entity shared by the admission controller
// and the observability aggregator. Tasks are created and mutated by the
// external scheduler; this kernel only reads them.
package task

import (
	"fmt"
	"time"
)

// Status represents the lifecycle status of a task
type Status string

const (
	StatusPending    Status = "pending"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusDone       Status = "done"
)

// Valid reports whether the status is one of the known values.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusReady, StatusInProgress, StatusBlocked, StatusDone:
		return true
	}
	return false
}

// order used for monotonicity checks; unblock (blocked→ready) is the
// one sanctioned move backwards.
var statusOrder = map[Status]int{
	StatusPending:    0,
	StatusReady:      1,
	StatusInProgress: 2,
	StatusBlocked:    3,
	StatusDone:       4,
}

// CanTransition reports whether moving from one status to another is allowed.
// Transitions are monotonic except the explicit unblock.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == StatusBlocked && to == StatusReady {
		return true
	}
	return statusOrder[to] > statusOrder[from]
}

// Task is a unit of delivery work.
type Task struct {
	ID       string            `json:"id" yaml:"id"`
	Title    string            `json:"title,omitempty" yaml:"title,omitempty"`
	Status   Status            `json:"status" yaml:"status"`
	Agent    string            `json:"agent,omitempty" yaml:"agent,omitempty"`
	Group    string            `json:"group,omitempty" yaml:"group,omitempty"`
	Type     string            `json:"type,omitempty" yaml:"type,omitempty"`
	Priority int               `json:"priority,omitempty" yaml:"priority,omitempty"`
	// DependsOn lists ids of tasks this task needs finished first.
	DependsOn []string          `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// CriticalPath marks tasks on the plan's longest dependency chain.
	CriticalPath bool              `json:"critical_path,omitempty" yaml:"critical_path,omitempty"`
	CreatedAt    time.Time         `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Validate checks structural invariants of the task record.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if !t.Status.Valid() {
		return fmt.Errorf("task %s has unknown status %q", t.ID, t.Status)
	}
	if t.Status == StatusInProgress && t.Agent == "" {
		return fmt.Errorf("task %s is in_progress without an owning agent", t.ID)
	}
	return nil
}
