package health

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forgeops/foreman/internal/errors"
)

// Escalation is the durable artifact handed to an operator when
// automated remediation has given up on a failure streak.
type Escalation struct {
	ID                   string           `json:"id"`
	CreatedAt            time.Time        `json:"created_at"`
	FailingAxes          []Axis           `json:"failing_axes"`
	ConsecutiveUnhealthy int              `json:"consecutive_unhealthy"`
	RemediationAttempted bool             `json:"remediation_attempted"`
	Summary              string           `json:"summary"`
	Result               *CheckResult     `json:"result"`
	Trend                []EscalationStep `json:"trend"`
}

// EscalationStep is a condensed view of one historic cycle, enough for
// an operator to see how the failure developed without replaying logs.
type EscalationStep struct {
	Timestamp   time.Time `json:"timestamp"`
	Healthy     bool      `json:"healthy"`
	FailingAxes []Axis    `json:"failing_axes,omitempty"`
	Remediated  bool      `json:"remediated,omitempty"`
}

// WriteEscalation records result and the recent trend as a timestamped
// JSON file under dir and returns nil only once the file is on disk.
func WriteEscalation(dir string, result *CheckResult, trend []CheckResult) error {
	if dir == "" {
		return errors.New(errors.ErrCodeEscalationWrite, "escalation directory not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(errors.ErrCodeEscalationWrite, "create escalation directory", err)
	}

	esc := Escalation{
		ID:                   uuid.NewString(),
		CreatedAt:            time.Now().UTC(),
		FailingAxes:          result.FailingAxes(),
		ConsecutiveUnhealthy: result.ConsecutiveUnhealthy,
		RemediationAttempted: result.RemediationAttempted,
		Summary:              escalationSummary(result),
		Result:               result,
	}
	for _, r := range trend {
		esc.Trend = append(esc.Trend, EscalationStep{
			Timestamp:   r.Timestamp,
			Healthy:     r.Healthy,
			FailingAxes: r.FailingAxes(),
			Remediated:  r.RemediationSucceeded,
		})
	}

	data, err := json.MarshalIndent(esc, "", "  ")
	if err != nil {
		return errors.Wrap(errors.ErrCodeEscalationWrite, "marshal escalation", err)
	}

	name := fmt.Sprintf("%s-%s.json", esc.CreatedAt.Format("20060102T150405Z"), esc.ID[:8])
	tmp := filepath.Join(dir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(errors.ErrCodeEscalationWrite, "write escalation", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		return errors.Wrap(errors.ErrCodeEscalationWrite, "finalize escalation", err)
	}
	return nil
}

func escalationSummary(result *CheckResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d consecutive unhealthy cycles", result.ConsecutiveUnhealthy)
	if axes := result.FailingAxes(); len(axes) > 0 {
		names := make([]string, len(axes))
		for i, a := range axes {
			names[i] = string(a)
		}
		fmt.Fprintf(&b, "; failing: %s", strings.Join(names, ", "))
	}
	if result.RemediationAttempted {
		if result.RemediationSucceeded {
			b.WriteString("; remediation ran but health did not recover")
		} else {
			b.WriteString("; remediation attempted and failed")
		}
	} else {
		b.WriteString("; no remediation configured for the failing axes")
	}
	return b.String()
}
