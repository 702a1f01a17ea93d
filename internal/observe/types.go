// Package observe synthesizes dashboard-facing summaries from state the
// other components write. It owns none of that state: every metric family
// is recomputed from authoritative sources on each query, with a short TTL
// cache in front of the composite snapshot.
package observe

import (
	"time"

	"github.com/forgeops/foreman/internal/router"
	"github.com/forgeops/foreman/internal/task"
)

// TaskMetrics is the task-state view: status histogram, queue depth,
// recent throughput, and the bottleneck bucket.
type TaskMetrics struct {
	Total        int                 `json:"total"`
	StatusCounts map[task.Status]int `json:"status_counts"`

	// QueueDepth counts tasks waiting to run (pending plus ready).
	QueueDepth int `json:"queue_depth"`

	// Throughput counts tasks completed within the throughput window.
	Throughput       int           `json:"throughput"`
	ThroughputWindow time.Duration `json:"throughput_window"`

	// Bottleneck is the non-terminal status holding the most tasks.
	Bottleneck task.Status `json:"bottleneck,omitempty"`
}

// CheckStats counts verdict outcomes for one check category.
type CheckStats struct {
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
}

// QualityMetrics summarizes verification decisions across all tasks.
type QualityMetrics struct {
	TotalVerdicts int `json:"total_verdicts"`
	Approved      int `json:"approved"`
	Rejected      int `json:"rejected"`

	// ByCheck buckets outcomes by check category.
	ByCheck map[string]CheckStats `json:"by_check,omitempty"`

	// RejectionReasons is the frequency of each stated rejection reason.
	RejectionReasons map[string]int `json:"rejection_reasons,omitempty"`

	// ConsensusRate is the fraction of multi-reviewer task+phase decisions
	// where every reviewer agreed. 1.0 when there were none.
	ConsensusRate float64 `json:"consensus_rate"`
}

// Loop is one repeated-failure loop: a run of backtrack requests on a task
// that ends when a transition lands on the requested target.
type Loop struct {
	TaskID     string     `json:"task_id"`
	Attempts   int        `json:"attempts"`
	OpenedAt   time.Time  `json:"opened_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
	LastReason string     `json:"last_reason,omitempty"`
}

// Elapsed reports how long the loop has been (or was) open.
func (l Loop) Elapsed(now time.Time) time.Duration {
	if l.ClosedAt != nil {
		return l.ClosedAt.Sub(l.OpenedAt)
	}
	return now.Sub(l.OpenedAt)
}

// ResolutionMetrics summarizes failure loops derived from ledger backtracks.
type ResolutionMetrics struct {
	Open           []Loop `json:"open,omitempty"`
	RecentlyClosed []Loop `json:"recently_closed,omitempty"`

	// ClosedWithinBudget counts closed loops that needed at most
	// loopAttemptBudget attempts.
	ClosedWithinBudget int `json:"closed_within_budget"`
	ClosedTotal        int `json:"closed_total"`

	// SuspectedInfinite lists open loops at or past the runaway threshold.
	SuspectedInfinite []string `json:"suspected_infinite,omitempty"`
}

// HostStats is coarse utilization of the process and its host.
type HostStats struct {
	Goroutines     int    `json:"goroutines"`
	CPUs           int    `json:"cpus"`
	HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
	SysBytes       uint64 `json:"sys_bytes"`
	NumGC          uint32 `json:"num_gc"`
}

// ResourceMetrics combines host utilization with per-backend capacity and
// an estimated spend figure.
type ResourceMetrics struct {
	Host      HostStats       `json:"host"`
	Providers []router.Status `json:"providers,omitempty"`

	// DegradedProviders counts backends currently over their availability
	// threshold.
	DegradedProviders int `json:"degraded_providers"`

	// EstimatedCostUSD is tokens consumed this window times the configured
	// per-token rate, summed across backends.
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

// Snapshot is the composite point-in-time view. A section whose source was
// unreadable is nil and named in Degraded; the rest of the snapshot stands.
type Snapshot struct {
	Timestamp  time.Time          `json:"timestamp"`
	Tasks      *TaskMetrics       `json:"tasks,omitempty"`
	Quality    *QualityMetrics    `json:"quality,omitempty"`
	Resolution *ResolutionMetrics `json:"resolution,omitempty"`
	Resources  *ResourceMetrics   `json:"resources,omitempty"`
	Degraded   []string           `json:"degraded,omitempty"`
}
