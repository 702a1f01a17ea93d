package observe

import (
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/forgeops/foreman/internal/errors"
	"github.com/forgeops/foreman/internal/ledger"
	"github.com/forgeops/foreman/internal/log"
	"github.com/forgeops/foreman/internal/router"
	"github.com/forgeops/foreman/internal/task"
)

const (
	// loopAttemptBudget is the attempt count a closed loop must stay within
	// to count as resolved cheaply.
	loopAttemptBudget = 3

	// runawayAttempts marks an open loop as a suspected infinite loop.
	runawayAttempts = 5

	recentlyClosedLimit = 10

	defaultThroughputWindow = time.Hour
	defaultCacheTTL         = 2 * time.Second

	// defaultCostPerMegaTokenUSD is a blended per-million-token rate used
	// when the caller does not supply one.
	defaultCostPerMegaTokenUSD = 2.50
)

// ProviderSource yields per-backend quota status. *router.Router satisfies it.
type ProviderSource interface {
	StatusAll() []router.Status
}

// Sources are the read-only inputs the aggregator derives everything from.
// Any of them may be nil; the matching sections degrade to empty.
type Sources struct {
	Tasks         task.Source
	Ledger        ledger.Store
	Verifications ledger.VerificationSource
	Providers     ProviderSource
}

// Options tune derived-view parameters. Zero values take defaults.
type Options struct {
	ThroughputWindow    time.Duration
	CacheTTL            time.Duration
	CostPerMegaTokenUSD float64
}

// Aggregator computes metric families on demand. It is read-only and
// side-effect-free, so any number of concurrent readers are safe.
type Aggregator struct {
	sources Sources
	opts    Options
	logger  *log.Logger
	cache   *expirable.LRU[string, *Snapshot]
	now     func() time.Time
}

// New creates an aggregator over the given sources.
func New(sources Sources, opts Options, logger *log.Logger) *Aggregator {
	if opts.ThroughputWindow <= 0 {
		opts.ThroughputWindow = defaultThroughputWindow
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.CostPerMegaTokenUSD <= 0 {
		opts.CostPerMegaTokenUSD = defaultCostPerMegaTokenUSD
	}
	if logger == nil {
		logger = log.L()
	}
	return &Aggregator{
		sources: sources,
		opts:    opts,
		logger:  logger.WithComponent("observe"),
		cache:   expirable.NewLRU[string, *Snapshot](1, nil, opts.CacheTTL),
		now:     time.Now,
	}
}

// TaskMetrics derives the task-state family from a fresh task snapshot.
func (a *Aggregator) TaskMetrics() (*TaskMetrics, error) {
	if a.sources.Tasks == nil {
		return &TaskMetrics{StatusCounts: map[task.Status]int{}, ThroughputWindow: a.opts.ThroughputWindow}, nil
	}
	tasks, err := a.sources.Tasks.Snapshot()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeSourceUnreadable, "read task snapshot", err)
	}

	m := &TaskMetrics{
		Total:            len(tasks),
		StatusCounts:     make(map[task.Status]int),
		ThroughputWindow: a.opts.ThroughputWindow,
	}
	cutoff := a.now().Add(-a.opts.ThroughputWindow)
	for _, t := range tasks {
		m.StatusCounts[t.Status]++
		switch t.Status {
		case task.StatusPending, task.StatusReady:
			m.QueueDepth++
		case task.StatusDone:
			if t.UpdatedAt.After(cutoff) {
				m.Throughput++
			}
		}
	}

	// Bottleneck is the fullest non-terminal bucket; ties keep lifecycle order.
	best := 0
	for _, s := range []task.Status{task.StatusPending, task.StatusReady, task.StatusInProgress, task.StatusBlocked} {
		if c := m.StatusCounts[s]; c > best {
			best = c
			m.Bottleneck = s
		}
	}
	return m, nil
}

// QualityMetrics derives verification-decision statistics from the verdicts
// recorded for every task the ledger knows about.
func (a *Aggregator) QualityMetrics() (*QualityMetrics, error) {
	m := &QualityMetrics{
		ByCheck:          make(map[string]CheckStats),
		RejectionReasons: make(map[string]int),
		ConsensusRate:    1.0,
	}
	if a.sources.Ledger == nil || a.sources.Verifications == nil {
		return m, nil
	}
	taskIDs, err := a.sources.Ledger.Tasks()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeSourceUnreadable, "list ledger tasks", err)
	}

	multiReviewer, agreeing := 0, 0
	for _, id := range taskIDs {
		for _, phase := range ledger.Phases() {
			verdicts, err := a.sources.Verifications.Verdicts(id, phase)
			if err != nil {
				return nil, errors.Wrap(errors.ErrCodeSourceUnreadable,
					fmt.Sprintf("read verdicts for %s/%s", id, phase), err)
			}
			if len(verdicts) == 0 {
				continue
			}

			consensus := true
			for _, v := range verdicts {
				m.TotalVerdicts++
				stats := m.ByCheck[v.Check]
				if v.Approved {
					m.Approved++
					stats.Approved++
				} else {
					m.Rejected++
					stats.Rejected++
					if v.Reason != "" {
						m.RejectionReasons[v.Reason]++
					}
				}
				m.ByCheck[v.Check] = stats
				if v.Approved != verdicts[0].Approved {
					consensus = false
				}
			}
			if len(verdicts) >= 2 {
				multiReviewer++
				if consensus {
					agreeing++
				}
			}
		}
	}
	if multiReviewer > 0 {
		m.ConsensusRate = float64(agreeing) / float64(multiReviewer)
	}
	return m, nil
}

// ResolutionMetrics derives failure-loop statistics from ledger backtracks.
// A loop opens at a task's first backtrack request and closes when a later
// transition lands; consecutive backtracks before that landing count as
// attempts of the same loop.
func (a *Aggregator) ResolutionMetrics() (*ResolutionMetrics, error) {
	m := &ResolutionMetrics{}
	if a.sources.Ledger == nil {
		return m, nil
	}
	taskIDs, err := a.sources.Ledger.Tasks()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeSourceUnreadable, "list ledger tasks", err)
	}

	var closed []Loop
	for _, id := range taskIDs {
		entries, err := a.sources.Ledger.Load(id)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeSourceUnreadable,
				fmt.Sprintf("load ledger for %s", id), err)
		}

		var open *Loop
		for _, e := range entries {
			if e.IsBacktrack() {
				if open == nil {
					open = &Loop{TaskID: id, OpenedAt: e.Timestamp}
				}
				open.Attempts++
				open.LastReason = e.Backtrack.Reason
				continue
			}
			if open != nil {
				at := e.Timestamp
				open.ClosedAt = &at
				closed = append(closed, *open)
				open = nil
			}
		}
		if open != nil {
			m.Open = append(m.Open, *open)
			if open.Attempts >= runawayAttempts {
				m.SuspectedInfinite = append(m.SuspectedInfinite, id)
			}
		}
	}

	m.ClosedTotal = len(closed)
	for _, l := range closed {
		if l.Attempts <= loopAttemptBudget {
			m.ClosedWithinBudget++
		}
	}
	sort.SliceStable(closed, func(i, j int) bool { return closed[i].ClosedAt.After(*closed[j].ClosedAt) })
	if len(closed) > recentlyClosedLimit {
		closed = closed[:recentlyClosedLimit]
	}
	m.RecentlyClosed = closed
	return m, nil
}

// ResourceSnapshot combines host utilization with backend quota status.
func (a *Aggregator) ResourceSnapshot() (*ResourceMetrics, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m := &ResourceMetrics{
		Host: HostStats{
			Goroutines:     runtime.NumGoroutine(),
			CPUs:           runtime.NumCPU(),
			HeapAllocBytes: mem.HeapAlloc,
			SysBytes:       mem.Sys,
			NumGC:          mem.NumGC,
		},
	}
	if a.sources.Providers != nil {
		m.Providers = a.sources.Providers.StatusAll()
		for _, p := range m.Providers {
			if !p.Available {
				m.DegradedProviders++
			}
			m.EstimatedCostUSD += float64(p.TokensUsed) / 1e6 * a.opts.CostPerMegaTokenUSD
		}
	}
	return m, nil
}

// Composite builds the full snapshot, degrading per section: a family whose
// source fails is left nil and named in Degraded while the rest stands.
// Results are cached for the configured TTL.
func (a *Aggregator) Composite() *Snapshot {
	if cached, ok := a.cache.Get("composite"); ok {
		return cached
	}

	snap := &Snapshot{Timestamp: a.now().UTC()}
	degrade := func(section string, err error) {
		snap.Degraded = append(snap.Degraded, section)
		a.logger.Warn("observability section degraded", "section", section, "error", err.Error())
	}

	var err error
	if snap.Tasks, err = a.TaskMetrics(); err != nil {
		degrade("tasks", err)
		snap.Tasks = nil
	}
	if snap.Quality, err = a.QualityMetrics(); err != nil {
		degrade("quality", err)
		snap.Quality = nil
	}
	if snap.Resolution, err = a.ResolutionMetrics(); err != nil {
		degrade("resolution", err)
		snap.Resolution = nil
	}
	if snap.Resources, err = a.ResourceSnapshot(); err != nil {
		degrade("resources", err)
		snap.Resources = nil
	}

	a.cache.Add("composite", snap)
	return snap
}
