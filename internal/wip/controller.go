// Package wip bounds concurrently in-progress work. Lower permitted
// concurrency raises finishing rate (Little's Law), so the controller denies
// starts beyond global, per-agent, and per-group ceilings.
//
// The controller never mutates task state: every decision is answered
// against a fresh snapshot of the live task set, so its counters cannot
// drift. The small race between "admitted" and "marked in-progress" is
// closed by the caller performing both as one logical step.
package wip

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/forgeops/foreman/internal/errors"
	"github.com/forgeops/foreman/internal/task"
)

// Limits are the configured admission ceilings.
type Limits struct {
	// Global bounds all in-progress tasks.
	Global int `yaml:"global" json:"global"`

	// PerAgent bounds one agent's in-progress tasks. Defaults to 1:
	// agents do not context-switch.
	PerAgent int `yaml:"per_agent" json:"per_agent"`

	// PerGroup bounds in-progress tasks within one group. Zero disables
	// the group dimension.
	PerGroup int `yaml:"per_group" json:"per_group"`
}

// DefaultLimits returns the standard ceilings.
func DefaultLimits() Limits {
	return Limits{Global: 5, PerAgent: 1, PerGroup: 2}
}

// ParseLimits loads limits from YAML bytes, filling defaults for omitted
// fields.
func ParseLimits(data []byte) (Limits, error) {
	limits := DefaultLimits()
	if err := yaml.Unmarshal(data, &limits); err != nil {
		return Limits{}, errors.Wrap(errors.ErrCodeWIPConfig, "parse wip limits", err)
	}
	if err := limits.Validate(); err != nil {
		return Limits{}, err
	}
	return limits, nil
}

// Validate checks the ceilings are usable.
func (l Limits) Validate() error {
	if l.Global < 1 {
		return errors.New(errors.ErrCodeWIPConfig, "global ceiling must be at least 1")
	}
	if l.PerAgent < 1 {
		return errors.New(errors.ErrCodeWIPConfig, "per-agent ceiling must be at least 1")
	}
	if l.PerGroup < 0 {
		return errors.New(errors.ErrCodeWIPConfig, "per-group ceiling must not be negative")
	}
	return nil
}

// counts is the concurrency accounting derived from one snapshot.
type counts struct {
	global   int
	perAgent map[string]int
	perGroup map[string]int
}

func countInProgress(tasks []task.Task) counts {
	c := counts{perAgent: make(map[string]int), perGroup: make(map[string]int)}
	for _, t := range tasks {
		if t.Status != task.StatusInProgress {
			continue
		}
		c.global++
		if t.Agent != "" {
			c.perAgent[t.Agent]++
		}
		if t.Group != "" {
			c.perGroup[t.Group]++
		}
	}
	return c
}

// Decision is the outcome of an admission question.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Status reports current counts and which dimensions are saturated.
type Status struct {
	Global          int            `json:"global"`
	GlobalCeiling   int            `json:"global_ceiling"`
	GlobalSaturated bool           `json:"global_saturated"`
	PerAgent        map[string]int `json:"per_agent"`
	SaturatedAgents []string       `json:"saturated_agents,omitempty"`
	PerGroup        map[string]int `json:"per_group"`
	SaturatedGroups []string       `json:"saturated_groups,omitempty"`
}

// Controller answers admission questions against the live task set.
type Controller struct {
	limits Limits
	source task.Source
}

// NewController creates a Controller over the given task source.
func NewController(limits Limits, source task.Source) (*Controller, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if source == nil {
		return nil, errors.New(errors.ErrCodeWIPConfig, "task source is required")
	}
	return &Controller{limits: limits, source: source}, nil
}

// CanStart reports whether agent may start t now. Denials carry a
// human-readable reason; callers branch with errors.HasCode on
// ErrCodeAdmissionDenied rather than treating denial as failure.
func (c *Controller) CanStart(agent string, t task.Task) (Decision, error) {
	tasks, err := c.source.Snapshot()
	if err != nil {
		return Decision{}, err
	}
	current := countInProgress(tasks)

	if current.global >= c.limits.Global {
		reason := fmt.Sprintf("global WIP ceiling reached (%d of %d in progress)", current.global, c.limits.Global)
		return Decision{Reason: reason}, errors.NewAdmissionDeniedError(reason)
	}
	if current.perAgent[agent] >= c.limits.PerAgent {
		reason := fmt.Sprintf("agent %q already has %d task(s) in progress (ceiling %d)",
			agent, current.perAgent[agent], c.limits.PerAgent)
		return Decision{Reason: reason}, errors.NewAdmissionDeniedError(reason)
	}
	if c.limits.PerGroup > 0 && t.Group != "" && current.perGroup[t.Group] >= c.limits.PerGroup {
		reason := fmt.Sprintf("group %q already has %d task(s) in progress (ceiling %d)",
			t.Group, current.perGroup[t.Group], c.limits.PerGroup)
		return Decision{Reason: reason}, errors.NewAdmissionDeniedError(reason)
	}

	return Decision{Allowed: true}, nil
}

// Status derives the current accounting and saturation per dimension.
func (c *Controller) Status() (Status, error) {
	tasks, err := c.source.Snapshot()
	if err != nil {
		return Status{}, err
	}
	current := countInProgress(tasks)

	status := Status{
		Global:          current.global,
		GlobalCeiling:   c.limits.Global,
		GlobalSaturated: current.global >= c.limits.Global,
		PerAgent:        current.perAgent,
		PerGroup:        current.perGroup,
	}
	for agent, n := range current.perAgent {
		if n >= c.limits.PerAgent {
			status.SaturatedAgents = append(status.SaturatedAgents, agent)
		}
	}
	if c.limits.PerGroup > 0 {
		for group, n := range current.perGroup {
			if n >= c.limits.PerGroup {
				status.SaturatedGroups = append(status.SaturatedGroups, group)
			}
		}
	}
	sort.Strings(status.SaturatedAgents)
	sort.Strings(status.SaturatedGroups)
	return status, nil
}
