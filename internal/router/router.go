package router

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/forgeops/foreman/internal/errors"
	"github.com/forgeops/foreman/internal/log"
)

// quotaWindow is the rolling usage window for every provider.
const quotaWindow = time.Hour

// providerState holds one backend's rolling counters. Updates are atomic per
// provider; cross-provider operations need no coordination.
type providerState struct {
	mu sync.Mutex

	config ProviderConfig

	requestsUsed int
	tokensUsed   int64
	windowReset  time.Time

	consecutiveErrors int
	meanLatency       time.Duration
	dispatches        uint64
}

// resetIfElapsed zeroes the usage counters when now has passed the window
// reset time. Resets happen lazily on the next check, never on a timer.
func (s *providerState) resetIfElapsed(now time.Time) {
	if now.Before(s.windowReset) {
		return
	}
	s.requestsUsed = 0
	s.tokensUsed = 0
	s.windowReset = now.Add(quotaWindow)
}

// hasHeadroom reports whether the provider is under 90% of both ceilings.
func (s *providerState) hasHeadroom() bool {
	if s.config.HourlyRequests > 0 &&
		float64(s.requestsUsed) >= availabilityThreshold*float64(s.config.HourlyRequests) {
		return false
	}
	if s.config.HourlyTokens > 0 &&
		float64(s.tokensUsed) >= availabilityThreshold*float64(s.config.HourlyTokens) {
		return false
	}
	return true
}

// usageFraction returns the dominant fraction of quota consumed.
func (s *providerState) usageFraction() float64 {
	var frac float64
	if s.config.HourlyRequests > 0 {
		frac = float64(s.requestsUsed) / float64(s.config.HourlyRequests)
	}
	if s.config.HourlyTokens > 0 {
		if f := float64(s.tokensUsed) / float64(s.config.HourlyTokens); f > frac {
			frac = f
		}
	}
	return frac
}

// Router routes units of work to backends.
type Router struct {
	config *Config
	states map[string]*providerState
	order  []string
	logger *log.Logger

	now func() time.Time
}

// New creates a Router from a validated configuration. Quota state is created
// on first use of each provider and kept for the router's lifetime.
func New(config *Config, logger *log.Logger) (*Router, error) {
	if config == nil {
		return nil, errors.New(errors.ErrCodeProviderConfig, "config is required")
	}
	if err := ValidateConfig(config); err != nil {
		return nil, errors.Wrap(errors.ErrCodeProviderConfig, "invalid router config", err)
	}
	if logger == nil {
		logger = log.L()
	}

	r := &Router{
		config: config,
		states: make(map[string]*providerState, len(config.Providers)),
		logger: logger.WithComponent("router"),
		now:    time.Now,
	}
	now := r.now()
	for _, pc := range config.Providers {
		if !pc.Enabled {
			continue
		}
		r.states[pc.Name] = &providerState{config: pc, windowReset: now.Add(quotaWindow)}
		r.order = append(r.order, pc.Name)
	}
	if len(r.states) == 0 {
		return nil, errors.New(errors.ErrCodeProviderConfig, "no enabled providers")
	}
	return r, nil
}

// preferenceFor returns the ordered candidate providers for a task type,
// filtered to enabled providers. Unknown types use declared provider order.
func (r *Router) preferenceFor(taskType string) []string {
	prefs, ok := r.config.Preferences[taskType]
	if !ok {
		return r.order
	}
	out := make([]string, 0, len(prefs))
	for _, name := range prefs {
		if _, enabled := r.states[name]; enabled {
			out = append(out, name)
		}
	}
	if len(out) == 0 {
		return r.order
	}
	return out
}

// SelectProvider returns the first provider in the task type's preference
// order with rolling usage under 90% of its ceiling. When none qualify, the
// first preference is returned anyway in degraded mode with a warning.
func (r *Router) SelectProvider(taskType string) (Selection, error) {
	prefs := r.preferenceFor(taskType)
	now := r.now()

	for rank, name := range prefs {
		state := r.states[name]
		state.mu.Lock()
		state.resetIfElapsed(now)
		available := state.hasHeadroom()
		usage := state.usageFraction()
		state.mu.Unlock()

		if available {
			reason := fmt.Sprintf("preference #%d for %q with %.0f%% of quota used", rank+1, taskType, usage*100)
			return Selection{Provider: name, Reason: reason}, nil
		}
	}

	fallback := prefs[0]
	r.logger.Warn("all preferred providers over quota, degrading to first preference",
		"task_type", taskType, "provider", fallback)
	return Selection{
		Provider: fallback,
		Reason:   fmt.Sprintf("degraded: every preferred provider for %q is over its rolling quota", taskType),
		Degraded: true,
	}, nil
}

// RecordUsage updates the provider's rolling counters and running mean
// latency. Called after every dispatch.
func (r *Router) RecordUsage(provider string, tokens int64, latency time.Duration) error {
	state, ok := r.states[provider]
	if !ok {
		return errors.New(errors.ErrCodeProviderUnknown, "unknown provider: "+provider)
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	state.resetIfElapsed(r.now())
	state.requestsUsed++
	state.tokensUsed += tokens
	state.dispatches++
	// Running mean: every dispatch contributes equally.
	state.meanLatency += (latency - state.meanLatency) / time.Duration(state.dispatches)
	state.consecutiveErrors = 0
	return nil
}

// RecordError increments the provider's reliability-scoring error counter.
func (r *Router) RecordError(provider, description string) error {
	state, ok := r.states[provider]
	if !ok {
		return errors.New(errors.ErrCodeProviderUnknown, "unknown provider: "+provider)
	}

	state.mu.Lock()
	state.consecutiveErrors++
	count := state.consecutiveErrors
	state.mu.Unlock()

	r.logger.Warn("provider error recorded",
		"provider", provider, "consecutive_errors", count, "description", description)
	return nil
}

// PredictBestProvider estimates which backend will have the most usable
// headroom after the horizon, accounting for windows that reset within it,
// combined with a reliability and latency score. Ties resolve to declared
// provider order.
func (r *Router) PredictBestProvider(horizon time.Duration) (Prediction, error) {
	if len(r.order) == 0 {
		return Prediction{}, errors.New(errors.ErrCodeProviderConfig, "no enabled providers")
	}

	deadline := r.now().Add(horizon)
	best := Prediction{Score: -1}

	// Strict improvement keeps earlier providers on ties, so ties resolve to
	// declared order.
	for _, name := range r.order {
		state := r.states[name]
		state.mu.Lock()
		state.resetIfElapsed(r.now())

		headroom := 1.0 - state.usageFraction()
		resets := !deadline.Before(state.windowReset)
		if resets {
			headroom = 1.0
		}
		reliability := 1.0 / float64(1+state.consecutiveErrors)
		latencyPenalty := state.meanLatency.Seconds() / (state.meanLatency.Seconds() + 10.0)
		score := headroom*0.6 + reliability*0.3 - latencyPenalty*0.1
		state.mu.Unlock()

		if score > best.Score {
			var notes []string
			if resets {
				notes = append(notes, "window resets within horizon")
			} else {
				notes = append(notes, fmt.Sprintf("%.0f%% headroom remaining", headroom*100))
			}
			if reliability < 1.0 {
				notes = append(notes, "recent errors reduce reliability")
			}
			best = Prediction{
				Provider: name,
				Score:    score,
				Reason:   strings.Join(notes, "; "),
			}
		}
	}
	return best, nil
}

// StatusAll returns all providers' quota state in declared order.
func (r *Router) StatusAll() []Status {
	now := r.now()
	out := make([]Status, 0, len(r.order))
	for _, name := range r.order {
		state := r.states[name]
		state.mu.Lock()
		state.resetIfElapsed(now)
		out = append(out, Status{
			Provider:          name,
			RequestsUsed:      state.requestsUsed,
			RequestLimit:      state.config.HourlyRequests,
			TokensUsed:        state.tokensUsed,
			TokenLimit:        state.config.HourlyTokens,
			WindowResetAt:     state.windowReset,
			ConsecutiveErrors: state.consecutiveErrors,
			MeanLatency:       state.meanLatency,
			Dispatches:        state.dispatches,
			Available:         state.hasHeadroom(),
		})
		state.mu.Unlock()
	}
	return out
}
