package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/forgeops/foreman/internal/errors"
	"github.com/forgeops/foreman/internal/exec"
	"github.com/forgeops/foreman/internal/log"
	"github.com/forgeops/foreman/internal/metrics"
)

// Monitor runs the check-and-remediate cycle. One cycle is a single
// sequential pipeline; an already-running guard prevents overlap since
// remediation is not safe to run twice concurrently.
type Monitor struct {
	config  *Config
	history *History
	logger  *log.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	running bool
	state   State

	// consecutiveUnhealthy counts the current failure streak. It resets
	// only after a healthy cycle.
	consecutiveUnhealthy int

	escalate func(result *CheckResult, trend []CheckResult) error

	now func() time.Time
}

// NewMonitor creates a Monitor with the given configuration.
func NewMonitor(config *Config, logger *log.Logger) (*Monitor, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.L()
	}
	logger = logger.WithComponent("health")

	m := &Monitor{
		config:  config,
		history: NewHistory(config.HistoryPath),
		logger:  logger,
		metrics: metrics.Default(),
		state:   StateIdle,
		now:     time.Now,
	}
	m.escalate = func(result *CheckResult, trend []CheckResult) error {
		return WriteEscalation(config.EscalationDir, result, trend)
	}
	return m, nil
}

// State returns the monitor's current lifecycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// RunCycle executes one full check-and-remediate cycle. Concurrent calls
// beyond the first fail fast with a MonitorBusy error. The cycle itself
// never panics: a check that cannot execute is a failed axis.
func (m *Monitor) RunCycle(ctx context.Context) (result *CheckResult, err error) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil, errors.New(errors.ErrCodeMonitorBusy, "a health cycle is already running")
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("health cycle panicked", "panic", fmt.Sprint(r))
			err = errors.New(errors.ErrCodeCheckFailure, fmt.Sprintf("health cycle panicked: %v", r))
		}
	}()

	m.setState(StateRunningChecks)
	result = m.runCheck(ctx)

	if !result.Healthy && m.config.AutoRemediate {
		m.setState(StateRemediating)
		attempted, fixed := m.remediate(ctx, result)
		result.RemediationAttempted = attempted
		if fixed {
			// Re-verify after any successful fix.
			m.setState(StateRunningChecks)
			recheck := m.runCheck(ctx)
			recheck.RemediationAttempted = attempted
			recheck.RemediationSucceeded = recheck.Healthy
			result = recheck
		}
	}

	m.mu.Lock()
	if result.Healthy {
		m.consecutiveUnhealthy = 0
		m.state = StateHealthy
	} else {
		m.consecutiveUnhealthy++
		m.state = StateUnhealthy
	}
	result.ConsecutiveUnhealthy = m.consecutiveUnhealthy
	shouldEscalate := !result.Healthy && m.consecutiveUnhealthy == m.config.EscalateAfterFailures
	m.mu.Unlock()

	m.metrics.RecordHealthCycle(result.Healthy)

	if appendErr := m.history.Append(result); appendErr != nil {
		m.logger.LogError(appendErr)
	}

	if shouldEscalate {
		trend, _ := m.history.Recent(10)
		if escErr := m.escalate(result, trend); escErr != nil {
			m.logger.LogError(escErr)
		} else {
			m.metrics.RecordEscalation()
			m.logger.Error("health escalation raised",
				"failing_axes", fmt.Sprint(result.FailingAxes()),
				"consecutive_unhealthy", result.ConsecutiveUnhealthy)
		}
	}

	return result, nil
}

// runCheck executes every configured axis in parallel and aggregates the
// cycle result. Overall healthy iff all axes pass.
func (m *Monitor) runCheck(ctx context.Context) *CheckResult {
	result := &CheckResult{
		Timestamp: m.now().UTC(),
		Axes:      make(map[Axis]AxisResult, len(m.config.Checks)),
		Healthy:   true,
	}

	var resultMu sync.Mutex
	g, checkCtx := errgroup.WithContext(ctx)

	for _, axis := range Axes() {
		cmds, ok := m.config.Checks[axis]
		if !ok {
			continue
		}
		g.Go(func() error {
			axisResult := m.runAxis(checkCtx, axis, cmds)
			resultMu.Lock()
			result.Axes[axis] = axisResult
			if !axisResult.Passed {
				result.Healthy = false
			}
			resultMu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // axis goroutines report failure via results, never errors

	return result
}

// runAxis runs one axis's command list. Any command that fails, including
// one that cannot execute at all, fails the axis.
func (m *Monitor) runAxis(ctx context.Context, axis Axis, cmds []exec.Command) AxisResult {
	bounded := make([]exec.Command, len(cmds))
	for i, cmd := range cmds {
		if cmd.Timeout <= 0 {
			cmd.Timeout = m.config.CheckTimeout
		}
		bounded[i] = cmd
	}

	diagnostics := exec.RunAll(ctx, bounded)
	passed := len(diagnostics) == len(bounded)
	for _, d := range diagnostics {
		if !d.Succeeded() {
			passed = false
		}
	}

	if !passed {
		m.logger.Warn("health axis failed", "axis", axis, "diagnostics", AxisResult{Axis: axis, Diagnostics: diagnostics}.Failure())
	}
	return AxisResult{Axis: axis, Passed: passed, Diagnostics: diagnostics}
}

// remediate attempts configured fixes for the failing axes, ordered by
// severity, capped at MaxRemediationAttempts for the cycle. It reports
// whether anything was attempted and whether any attempt succeeded.
func (m *Monitor) remediate(ctx context.Context, result *CheckResult) (attempted, fixed bool) {
	failing := make(map[Axis]bool)
	for _, axis := range result.FailingAxes() {
		failing[axis] = true
	}

	var candidates []Remediation
	for _, r := range m.config.Remediations {
		if failing[r.Axis] {
			candidates = append(candidates, r)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Severity > candidates[j].Severity })

	max := m.config.MaxRemediationAttempts
	if max > 0 && len(candidates) > max {
		candidates = candidates[:max]
	}

	for _, r := range candidates {
		attempted = true
		m.logger.Info("attempting remediation", "axis", r.Axis, "description", r.Description)
		run := exec.Run(ctx, r.Command)
		if run.Succeeded() {
			fixed = true
			m.logger.Info("remediation succeeded", "axis", r.Axis, "description", r.Description)
		} else {
			m.logger.Warn("remediation failed",
				"axis", r.Axis, "description", r.Description, "output", run.Output)
		}
	}
	return attempted, fixed
}

// Watch runs cycles at the given interval until ctx is cancelled. Cycle
// errors are logged, never propagated; the loop must not die.
func (m *Monitor) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := m.RunCycle(ctx); err != nil && !errors.HasCode(err, errors.ErrCodeMonitorBusy) {
			m.logger.LogError(err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Streak returns the current consecutive-unhealthy count.
func (m *Monitor) Streak() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveUnhealthy
}
