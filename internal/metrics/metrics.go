// Package metrics exposes Prometheus collectors for the orchestration
// kernel. Collectors are registerer-injected so tests can use a fresh
// registry without duplicate-registration panics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the kernel's Prometheus collectors.
type Metrics struct {
	phaseTransitions   *prometheus.CounterVec
	backtracks         prometheus.Counter
	providerSelections *prometheus.CounterVec
	providerUsage      *prometheus.GaugeVec
	admissionDecisions *prometheus.CounterVec
	healthCycles       *prometheus.CounterVec
	escalations        prometheus.Counter
}

var (
	defaultOnce   sync.Once
	sharedMetrics *Metrics
)

// Default returns the package-level instance registered with the global
// registry, created once so repeated construction cannot panic.
func Default() *Metrics {
	defaultOnce.Do(func() {
		sharedMetrics = MustNew(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNew constructs the collectors against reg. Tests pass a fresh
// prometheus.NewRegistry(); a conflict on an already-populated registry
// reuses the existing collector, any other failure panics.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	phaseTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foreman",
		Subsystem: "ledger",
		Name:      "phase_transitions_total",
		Help:      "Phase transition attempts by destination phase and outcome.",
	}, []string{"phase", "outcome"})
	backtracks := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "foreman",
		Subsystem: "ledger",
		Name:      "backtracks_total",
		Help:      "Accepted backtrack requests.",
	})
	providerSelections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foreman",
		Subsystem: "router",
		Name:      "provider_selections_total",
		Help:      "Provider selections by backend and mode.",
	}, []string{"provider", "mode"})
	providerUsage := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "foreman",
		Subsystem: "router",
		Name:      "provider_quota_usage",
		Help:      "Rolling-window quota usage per backend and resource.",
	}, []string{"provider", "resource"})
	admissionDecisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foreman",
		Subsystem: "wip",
		Name:      "admission_decisions_total",
		Help:      "Admission decisions by outcome.",
	}, []string{"outcome"})
	healthCycles := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foreman",
		Subsystem: "health",
		Name:      "cycles_total",
		Help:      "Completed health cycles by result.",
	}, []string{"result"})
	escalations := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "foreman",
		Subsystem: "health",
		Name:      "escalations_total",
		Help:      "Escalation artifacts written for operators.",
	})

	collectors := []prometheus.Collector{
		phaseTransitions, backtracks, providerSelections, providerUsage,
		admissionDecisions, healthCycles, escalations,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			already, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				panic(err)
			}
			switch collector {
			case phaseTransitions:
				phaseTransitions = already.ExistingCollector.(*prometheus.CounterVec)
			case backtracks:
				backtracks = already.ExistingCollector.(prometheus.Counter)
			case providerSelections:
				providerSelections = already.ExistingCollector.(*prometheus.CounterVec)
			case providerUsage:
				providerUsage = already.ExistingCollector.(*prometheus.GaugeVec)
			case admissionDecisions:
				admissionDecisions = already.ExistingCollector.(*prometheus.CounterVec)
			case healthCycles:
				healthCycles = already.ExistingCollector.(*prometheus.CounterVec)
			case escalations:
				escalations = already.ExistingCollector.(prometheus.Counter)
			}
		}
	}

	return &Metrics{
		phaseTransitions:   phaseTransitions,
		backtracks:         backtracks,
		providerSelections: providerSelections,
		providerUsage:      providerUsage,
		admissionDecisions: admissionDecisions,
		healthCycles:       healthCycles,
		escalations:        escalations,
	}
}

// RecordTransition counts one transition attempt into phase with the given
// outcome label (accepted, sequence_violation, verification_missing, ...).
func (m *Metrics) RecordTransition(phase, outcome string) {
	if m == nil || m.phaseTransitions == nil {
		return
	}
	m.phaseTransitions.WithLabelValues(phase, outcome).Inc()
}

// RecordBacktrack counts one accepted backtrack request.
func (m *Metrics) RecordBacktrack() {
	if m == nil || m.backtracks == nil {
		return
	}
	m.backtracks.Inc()
}

// RecordSelection counts one provider selection.
func (m *Metrics) RecordSelection(provider string, degraded bool) {
	if m == nil || m.providerSelections == nil {
		return
	}
	mode := "normal"
	if degraded {
		mode = "degraded"
	}
	m.providerSelections.WithLabelValues(provider, mode).Inc()
}

// SetProviderUsage publishes a backend's current window usage.
func (m *Metrics) SetProviderUsage(provider string, requestsUsed int, tokensUsed int64) {
	if m == nil || m.providerUsage == nil {
		return
	}
	m.providerUsage.WithLabelValues(provider, "requests").Set(float64(requestsUsed))
	m.providerUsage.WithLabelValues(provider, "tokens").Set(float64(tokensUsed))
}

// RecordAdmission counts one admission decision.
func (m *Metrics) RecordAdmission(allowed bool) {
	if m == nil || m.admissionDecisions == nil {
		return
	}
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	m.admissionDecisions.WithLabelValues(outcome).Inc()
}

// RecordHealthCycle counts one completed cycle.
func (m *Metrics) RecordHealthCycle(healthy bool) {
	if m == nil || m.healthCycles == nil {
		return
	}
	result := "unhealthy"
	if healthy {
		result = "healthy"
	}
	m.healthCycles.WithLabelValues(result).Inc()
}

// RecordEscalation counts one written escalation artifact.
func (m *Metrics) RecordEscalation() {
	if m == nil || m.escalations == nil {
		return
	}
	m.escalations.Inc()
}
