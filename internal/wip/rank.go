package wip

import (
	"sort"

	"github.com/forgeops/foreman/internal/task"
)

// Impact weights for recommendation ranking.
const (
	dependentWeight   = 10.0
	criticalPathBonus = 25.0
	blockingBonus     = 15.0
	priorityWeight    = 5.0
)

// Recommendation is one ranked candidate with its estimated downstream
// impact score.
type Recommendation struct {
	Task  task.Task `json:"task"`
	Score float64   `json:"score"`
}

// Recommend returns up to maxCount candidates worth starting next, filtered
// to groups not at ceiling and capped by remaining global headroom, ranked
// by estimated downstream impact.
func (c *Controller) Recommend(candidates []task.Task, maxCount int) ([]Recommendation, error) {
	tasks, err := c.source.Snapshot()
	if err != nil {
		return nil, err
	}
	current := countInProgress(tasks)

	headroom := c.limits.Global - current.global
	if headroom <= 0 || maxCount <= 0 {
		return nil, nil
	}
	if maxCount > headroom {
		maxCount = headroom
	}

	// Dependents and blocked-on relationships come from the full live set,
	// not just the candidates.
	dependents := make(map[string]int)
	blockedOn := make(map[string]bool)
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			dependents[dep]++
			if t.Status == task.StatusBlocked {
				blockedOn[dep] = true
			}
		}
	}

	var ranked []Recommendation
	for _, t := range candidates {
		if t.Status == task.StatusInProgress || t.Status == task.StatusDone {
			continue
		}
		if c.limits.PerGroup > 0 && t.Group != "" && current.perGroup[t.Group] >= c.limits.PerGroup {
			continue
		}

		score := float64(dependents[t.ID]) * dependentWeight
		if t.CriticalPath {
			score += criticalPathBonus
		}
		if blockedOn[t.ID] {
			score += blockingBonus
		}
		score += float64(t.Priority) * priorityWeight

		ranked = append(ranked, Recommendation{Task: t, Score: score})
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	if len(ranked) > maxCount {
		ranked = ranked[:maxCount]
	}
	return ranked, nil
}
