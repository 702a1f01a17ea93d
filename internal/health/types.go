// Package health periodically assesses whole-system soundness along four
// independent axes, attempts bounded auto-remediation, and escalates to a
// durable human-facing artifact after repeated failure.
package health

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forgeops/foreman/internal/errors"
	"github.com/forgeops/foreman/internal/exec"
)

// Axis is one independent soundness dimension.
type Axis string

const (
	AxisBuild   Axis = "build"
	AxisTest    Axis = "test"
	AxisAudit   Axis = "audit"
	AxisRuntime Axis = "runtime"
)

// Axes returns all axes in check order.
func Axes() []Axis {
	return []Axis{AxisBuild, AxisTest, AxisAudit, AxisRuntime}
}

// State is the monitor's lifecycle state.
type State string

const (
	StateIdle          State = "IDLE"
	StateRunningChecks State = "RUNNING_CHECKS"
	StateHealthy       State = "HEALTHY"
	StateUnhealthy     State = "UNHEALTHY"
	StateRemediating   State = "REMEDIATING"
)

// AxisResult is one axis's outcome within a cycle.
type AxisResult struct {
	Axis        Axis          `json:"axis"`
	Passed      bool          `json:"passed"`
	Diagnostics []exec.Result `json:"diagnostics,omitempty"`
}

// Failure renders the first failing diagnostic for humans.
func (r AxisResult) Failure() string {
	for _, d := range r.Diagnostics {
		if !d.Succeeded() {
			msg := fmt.Sprintf("%s (exit %d", d.Command, d.ExitCode)
			if d.TimedOut {
				msg += ", timed out"
			}
			msg += ")"
			return msg
		}
	}
	return ""
}

// CheckResult is one full health cycle. Healthy iff every axis passed.
type CheckResult struct {
	Timestamp time.Time           `json:"timestamp"`
	Axes      map[Axis]AxisResult `json:"axes"`
	Healthy   bool                `json:"healthy"`

	RemediationAttempted bool `json:"remediation_attempted,omitempty"`
	RemediationSucceeded bool `json:"remediation_succeeded,omitempty"`

	// ConsecutiveUnhealthy is the failure streak including this cycle.
	ConsecutiveUnhealthy int `json:"consecutive_unhealthy,omitempty"`
}

// FailingAxes lists the axes that failed, in canonical order.
func (r *CheckResult) FailingAxes() []Axis {
	var failing []Axis
	for _, axis := range Axes() {
		if result, ok := r.Axes[axis]; ok && !result.Passed {
			failing = append(failing, axis)
		}
	}
	return failing
}

// Remediation is one candidate auto-fix for an axis. Higher severity fixes
// run first.
type Remediation struct {
	Axis        Axis         `yaml:"axis" json:"axis"`
	Description string       `yaml:"description" json:"description"`
	Severity    int          `yaml:"severity" json:"severity"`
	Command     exec.Command `yaml:"command" json:"command"`
}

// Config is the monitor's externally supplied configuration: the command
// set per axis, remediation actions, and escalation thresholds.
type Config struct {
	// Checks maps each axis to the commands that must all succeed.
	Checks map[Axis][]exec.Command `yaml:"checks"`

	// Remediations are the allowed auto-fixes.
	Remediations []Remediation `yaml:"remediations"`

	// AutoRemediate enables the REMEDIATING arm of the state machine.
	AutoRemediate bool `yaml:"auto_remediate"`

	// MaxRemediationAttempts caps fixes attempted in one cycle.
	MaxRemediationAttempts int `yaml:"max_remediation_attempts"`

	// EscalateAfterFailures is the consecutive-unhealthy-cycle threshold.
	EscalateAfterFailures int `yaml:"escalate_after_failures"`

	// CheckTimeout bounds each individual command.
	CheckTimeout time.Duration `yaml:"check_timeout"`

	// HistoryPath is the JSONL file cycle results are appended to.
	HistoryPath string `yaml:"history_path"`

	// EscalationDir receives durable escalation artifacts.
	EscalationDir string `yaml:"escalation_dir"`
}

// DefaultConfig returns a configuration that checks a Go project with the
// standard toolchain.
func DefaultConfig() *Config {
	return &Config{
		Checks: map[Axis][]exec.Command{
			AxisBuild:   {{Name: "go", Args: []string{"build", "./..."}}},
			AxisTest:    {{Name: "go", Args: []string{"test", "./..."}}},
			AxisAudit:   {{Name: "go", Args: []string{"vet", "./..."}}},
			AxisRuntime: {{Name: "sh", Args: []string{"-c", "! grep -rq 'panic:' logs/ 2>/dev/null"}}},
		},
		AutoRemediate:          true,
		MaxRemediationAttempts: 2,
		EscalateAfterFailures:  3,
		CheckTimeout:           5 * time.Minute,
		HistoryPath:            ".foreman/health/history.jsonl",
		EscalationDir:          ".foreman/health/escalations",
	}
}

// LoadConfig loads monitor configuration from a YAML file, filling defaults
// for omitted fields.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeFileReadFailed, "read health config", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.Wrap(errors.ErrCodeFileUnmarshal, "parse health config", err)
	}
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

// ValidateConfig checks the monitor configuration is usable.
func ValidateConfig(config *Config) error {
	if len(config.Checks) == 0 {
		return errors.New(errors.ErrCodeHealthConfig, "health config needs at least one axis with checks")
	}
	for axis := range config.Checks {
		switch axis {
		case AxisBuild, AxisTest, AxisAudit, AxisRuntime:
		default:
			return errors.New(errors.ErrCodeHealthConfig, fmt.Sprintf("unknown health axis %q", axis))
		}
	}
	if config.EscalateAfterFailures < 1 {
		return errors.New(errors.ErrCodeHealthConfig, "escalate_after_failures must be at least 1")
	}
	if config.MaxRemediationAttempts < 0 {
		return errors.New(errors.ErrCodeHealthConfig, "max_remediation_attempts must not be negative")
	}
	return nil
}
