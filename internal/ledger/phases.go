// Package ledger implements the append-only, hash-chained record of a task's
// progress through the delivery lifecycle. Every forward transition is gated
// on external verification verdicts for the phase being left; the chain makes
// any after-the-fact edit detectable.
package ledger

// Phase is one ordered stage of a task's fixed lifecycle.
type Phase string

const (
	PhaseBacklog        Phase = "backlog"
	PhaseSpec           Phase = "spec"
	PhaseDesign         Phase = "design"
	PhaseImplementation Phase = "implementation"
	PhaseReview         Phase = "review"
	PhaseValidation     Phase = "validation"
	PhaseDone           Phase = "done"
)

// phaseOrder is the canonical lifecycle. Non-backtrack entries of a healthy
// ledger walk this slice front to back exactly once.
var phaseOrder = []Phase{
	PhaseBacklog,
	PhaseSpec,
	PhaseDesign,
	PhaseImplementation,
	PhaseReview,
	PhaseValidation,
	PhaseDone,
}

// Phases returns the canonical phase order.
func Phases() []Phase {
	out := make([]Phase, len(phaseOrder))
	copy(out, phaseOrder)
	return out
}

// FirstPhase returns the phase every task starts in.
func FirstPhase() Phase {
	return phaseOrder[0]
}

// Index returns the position of p in the canonical order, or -1 if p is not
// a known phase.
func (p Phase) Index() int {
	for i, candidate := range phaseOrder {
		if candidate == p {
			return i
		}
	}
	return -1
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return p.Index() >= 0
}

// Terminal reports whether p is the final lifecycle phase.
func (p Phase) Terminal() bool {
	return p == phaseOrder[len(phaseOrder)-1]
}

// Next returns the phase after p, or false when p is terminal or unknown.
func (p Phase) Next() (Phase, bool) {
	i := p.Index()
	if i < 0 || i == len(phaseOrder)-1 {
		return "", false
	}
	return phaseOrder[i+1], true
}
