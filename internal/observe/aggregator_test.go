package observe

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeops/foreman/internal/ledger"
	"github.com/forgeops/foreman/internal/log"
	"github.com/forgeops/foreman/internal/router"
	"github.com/forgeops/foreman/internal/task"
)

type failingTaskSource struct{}

func (failingTaskSource) Snapshot() ([]task.Task, error) {
	return nil, fmt.Errorf("task store unreachable")
}

type staticProviders struct {
	statuses []router.Status
}

func (s staticProviders) StatusAll() []router.Status { return s.statuses }

func seedTasks(t *testing.T, now time.Time) *task.MemorySource {
	t.Helper()
	source := task.NewMemorySource()
	put := func(id string, status task.Status, updated time.Time) {
		source.Put(task.Task{ID: id, Status: status, Agent: "a", UpdatedAt: updated})
	}
	put("t1", task.StatusPending, now)
	put("t2", task.StatusPending, now)
	put("t3", task.StatusReady, now)
	put("t4", task.StatusInProgress, now)
	put("t5", task.StatusDone, now.Add(-10*time.Minute))
	put("t6", task.StatusDone, now.Add(-2*time.Hour))
	return source
}

func TestTaskMetrics(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	a := New(Sources{Tasks: seedTasks(t, now)}, Options{}, log.Default())
	a.now = func() time.Time { return now }

	m, err := a.TaskMetrics()
	require.NoError(t, err)

	assert.Equal(t, 6, m.Total)
	assert.Equal(t, 2, m.StatusCounts[task.StatusPending])
	assert.Equal(t, 3, m.QueueDepth)
	assert.Equal(t, 1, m.Throughput, "only the completion inside the window counts")
	assert.Equal(t, task.StatusPending, m.Bottleneck)
}

func TestQualityMetricsConsensus(t *testing.T) {
	store := ledger.NewMemoryStore()
	require.NoError(t, store.Append(ledger.Entry{TaskID: "t1", Phase: ledger.PhaseBacklog}))
	require.NoError(t, store.Append(ledger.Entry{TaskID: "t2", Phase: ledger.PhaseBacklog}))

	verdicts := ledger.NewMemoryVerifications()
	// Two reviewers agreeing.
	verdicts.Record("t1", ledger.PhaseSpec, ledger.Verdict{Check: "critic:spec", Approved: true, Reviewer: "r1"})
	verdicts.Record("t1", ledger.PhaseSpec, ledger.Verdict{Check: "critic:spec", Approved: true, Reviewer: "r2"})
	// Two reviewers split.
	verdicts.Record("t2", ledger.PhaseDesign, ledger.Verdict{Check: "critic:design", Approved: true, Reviewer: "r1"})
	verdicts.Record("t2", ledger.PhaseDesign, ledger.Verdict{Check: "critic:design", Approved: false, Reviewer: "r2", Reason: "missing diagrams"})
	// Single reviewer, no consensus weight.
	verdicts.Record("t2", ledger.PhaseReview, ledger.Verdict{Check: "critic:approval", Approved: false, Reason: "missing diagrams"})

	a := New(Sources{Ledger: store, Verifications: verdicts}, Options{}, log.Default())
	m, err := a.QualityMetrics()
	require.NoError(t, err)

	assert.Equal(t, 5, m.TotalVerdicts)
	assert.Equal(t, 3, m.Approved)
	assert.Equal(t, 2, m.Rejected)
	assert.Equal(t, CheckStats{Approved: 2}, m.ByCheck["critic:spec"])
	assert.Equal(t, 2, m.RejectionReasons["missing diagrams"])
	assert.InDelta(t, 0.5, m.ConsensusRate, 1e-9)
}

func TestResolutionMetricsLoops(t *testing.T) {
	store := ledger.NewMemoryStore()
	base := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	add := func(taskID string, offset time.Duration, bt *ledger.Backtrack) {
		require.NoError(t, store.Append(ledger.Entry{
			TaskID:    taskID,
			Phase:     ledger.PhaseDesign,
			Timestamp: base.Add(offset),
			Backtrack: bt,
		}))
	}

	// closed-loop task: two backtracks then a landing transition.
	add("closed", 0, nil)
	add("closed", 5*time.Minute, &ledger.Backtrack{Target: ledger.PhaseSpec, Reason: "spec drift"})
	add("closed", 10*time.Minute, &ledger.Backtrack{Target: ledger.PhaseSpec, Reason: "still drifting"})
	add("closed", 20*time.Minute, nil)

	// runaway task: five backtracks, never resolved.
	add("runaway", 0, nil)
	for i := 0; i < 5; i++ {
		add("runaway", time.Duration(i+1)*time.Minute, &ledger.Backtrack{Target: ledger.PhaseSpec, Reason: "flaky validation"})
	}

	a := New(Sources{Ledger: store}, Options{}, log.Default())
	m, err := a.ResolutionMetrics()
	require.NoError(t, err)

	require.Len(t, m.Open, 1)
	assert.Equal(t, "runaway", m.Open[0].TaskID)
	assert.Equal(t, 5, m.Open[0].Attempts)
	assert.Equal(t, "flaky validation", m.Open[0].LastReason)
	assert.Equal(t, []string{"runaway"}, m.SuspectedInfinite)

	assert.Equal(t, 1, m.ClosedTotal)
	assert.Equal(t, 1, m.ClosedWithinBudget)
	require.Len(t, m.RecentlyClosed, 1)
	closed := m.RecentlyClosed[0]
	assert.Equal(t, "closed", closed.TaskID)
	assert.Equal(t, 2, closed.Attempts)
	assert.Equal(t, 15*time.Minute, closed.Elapsed(time.Now()))
}

func TestResourceSnapshot(t *testing.T) {
	providers := staticProviders{statuses: []router.Status{
		{Provider: "p1", TokensUsed: 2_000_000, Available: true},
		{Provider: "p2", TokensUsed: 500_000, Available: false},
	}}

	a := New(Sources{Providers: providers}, Options{CostPerMegaTokenUSD: 2.0}, log.Default())
	m, err := a.ResourceSnapshot()
	require.NoError(t, err)

	assert.Positive(t, m.Host.Goroutines)
	assert.Positive(t, m.Host.CPUs)
	assert.Len(t, m.Providers, 2)
	assert.Equal(t, 1, m.DegradedProviders)
	assert.InDelta(t, 5.0, m.EstimatedCostUSD, 1e-9)
}

func TestCompositeDegradesPerSection(t *testing.T) {
	a := New(Sources{Tasks: failingTaskSource{}}, Options{}, log.Default())

	snap := a.Composite()

	assert.Nil(t, snap.Tasks)
	assert.Equal(t, []string{"tasks"}, snap.Degraded)
	assert.NotNil(t, snap.Quality, "unrelated sections still populate")
	assert.NotNil(t, snap.Resolution)
	assert.NotNil(t, snap.Resources)
}

func TestCompositeUsesCache(t *testing.T) {
	a := New(Sources{Tasks: seedTasks(t, time.Now())}, Options{CacheTTL: time.Minute}, log.Default())

	first := a.Composite()
	second := a.Composite()
	assert.Same(t, first, second)
}

func TestStreamEmitsAndClosesOnCancel(t *testing.T) {
	a := New(Sources{Tasks: seedTasks(t, time.Now())}, Options{}, log.Default())

	ctx, cancel := context.WithCancel(context.Background())
	stream := a.Stream(ctx, 10*time.Millisecond)

	snap, ok := <-stream
	require.True(t, ok)
	assert.NotNil(t, snap.Tasks)

	cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-stream:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream did not close after cancel")
		}
	}
}

func TestExportCSV(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	providers := staticProviders{statuses: []router.Status{
		{Provider: "p1", RequestsUsed: 3, RequestLimit: 100, TokensUsed: 1000, TokenLimit: 50000, Available: true},
	}}
	a := New(Sources{Tasks: seedTasks(t, now), Providers: providers}, Options{}, log.Default())
	a.now = func() time.Time { return now }

	var buf bytes.Buffer
	require.NoError(t, a.ExportCSV("tasks", &buf))
	assert.Contains(t, buf.String(), "status,count")
	assert.Contains(t, buf.String(), "pending,2")

	buf.Reset()
	require.NoError(t, a.ExportCSV("resources", &buf))
	assert.Contains(t, buf.String(), "p1,3,100,1000,50000,0,true")

	err := a.ExportCSV("bogus", &buf)
	require.Error(t, err)
}
