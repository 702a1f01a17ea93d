package observe

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/forgeops/foreman/internal/errors"
	"github.com/forgeops/foreman/internal/task"
)

// Families lists the exportable metric families.
func Families() []string {
	return []string{"tasks", "quality", "resolution", "resources"}
}

// ExportCSV writes one metric family as CSV for offline analysis.
func (a *Aggregator) ExportCSV(family string, w io.Writer) error {
	cw := csv.NewWriter(w)

	var err error
	switch family {
	case "tasks":
		err = a.exportTasks(cw)
	case "quality":
		err = a.exportQuality(cw)
	case "resolution":
		err = a.exportResolution(cw)
	case "resources":
		err = a.exportResources(cw)
	default:
		return errors.New(errors.ErrCodeExportFailed, fmt.Sprintf("unknown metric family %q", family)).
			WithSuggestion("use one of: tasks, quality, resolution, resources")
	}
	if err != nil {
		return err
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return errors.Wrap(errors.ErrCodeExportFailed, fmt.Sprintf("write %s export", family), err)
	}
	return nil
}

func (a *Aggregator) exportTasks(cw *csv.Writer) error {
	m, err := a.TaskMetrics()
	if err != nil {
		return err
	}
	_ = cw.Write([]string{"status", "count"})
	for _, s := range []task.Status{task.StatusPending, task.StatusReady, task.StatusInProgress, task.StatusBlocked, task.StatusDone} {
		_ = cw.Write([]string{string(s), strconv.Itoa(m.StatusCounts[s])})
	}
	_ = cw.Write([]string{"queue_depth", strconv.Itoa(m.QueueDepth)})
	_ = cw.Write([]string{"throughput", strconv.Itoa(m.Throughput)})
	return nil
}

func (a *Aggregator) exportQuality(cw *csv.Writer) error {
	m, err := a.QualityMetrics()
	if err != nil {
		return err
	}
	_ = cw.Write([]string{"check", "approved", "rejected"})
	checks := make([]string, 0, len(m.ByCheck))
	for c := range m.ByCheck {
		checks = append(checks, c)
	}
	sort.Strings(checks)
	for _, c := range checks {
		stats := m.ByCheck[c]
		_ = cw.Write([]string{c, strconv.Itoa(stats.Approved), strconv.Itoa(stats.Rejected)})
	}
	_ = cw.Write([]string{"consensus_rate", strconv.FormatFloat(m.ConsensusRate, 'f', 3, 64), ""})
	return nil
}

func (a *Aggregator) exportResolution(cw *csv.Writer) error {
	m, err := a.ResolutionMetrics()
	if err != nil {
		return err
	}
	_ = cw.Write([]string{"task_id", "state", "attempts", "elapsed_seconds", "last_reason"})
	now := a.now()
	for _, l := range m.Open {
		_ = cw.Write([]string{l.TaskID, "open", strconv.Itoa(l.Attempts),
			strconv.FormatFloat(l.Elapsed(now).Seconds(), 'f', 0, 64), l.LastReason})
	}
	for _, l := range m.RecentlyClosed {
		_ = cw.Write([]string{l.TaskID, "closed", strconv.Itoa(l.Attempts),
			strconv.FormatFloat(l.Elapsed(now).Seconds(), 'f', 0, 64), l.LastReason})
	}
	return nil
}

func (a *Aggregator) exportResources(cw *csv.Writer) error {
	m, err := a.ResourceSnapshot()
	if err != nil {
		return err
	}
	_ = cw.Write([]string{"provider", "requests_used", "request_limit", "tokens_used", "token_limit", "mean_latency_ms", "available"})
	for _, p := range m.Providers {
		_ = cw.Write([]string{
			p.Provider,
			strconv.Itoa(p.RequestsUsed),
			strconv.Itoa(p.RequestLimit),
			strconv.FormatInt(p.TokensUsed, 10),
			strconv.FormatInt(p.TokenLimit, 10),
			strconv.FormatInt(p.MeanLatency.Milliseconds(), 10),
			strconv.FormatBool(p.Available),
		})
	}
	_ = cw.Write([]string{"estimated_cost_usd", strconv.FormatFloat(m.EstimatedCostUSD, 'f', 4, 64), "", "", "", "", ""})
	return nil
}
