package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/forgeops/foreman/internal/errors"
	"github.com/forgeops/foreman/internal/metrics"
	"github.com/forgeops/foreman/internal/task"
)

var wipCmd = &cobra.Command{
	Use:   "wip",
	Short: "Inspect work-in-progress ceilings and recommendations",
}

var wipStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current in-progress counts against ceilings",
	RunE:  runWIPStatus,
}

var wipRecommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "Rank startable tasks within current headroom",
	RunE:  runWIPRecommend,
}

var wipCheckCmd = &cobra.Command{
	Use:   "check <task-id>",
	Short: "Ask whether a task may start under current ceilings",
	Args:  cobra.ExactArgs(1),
	RunE:  runWIPCheck,
}

var (
	recommendCount int
	checkAgent     string
)

func init() {
	wipRecommendCmd.Flags().IntVar(&recommendCount, "count", 5, "maximum tasks to recommend")
	wipCheckCmd.Flags().StringVar(&checkAgent, "agent", "", "agent that would take the task (default the task's own)")

	wipCmd.AddCommand(wipStatusCmd, wipRecommendCmd, wipCheckCmd)
	rootCmd.AddCommand(wipCmd)
}

func runWIPStatus(cmd *cobra.Command, args []string) error {
	c, err := openController()
	if err != nil {
		return err
	}
	status, err := c.Status()
	if err != nil {
		return err
	}

	saturated := ""
	if status.GlobalSaturated {
		saturated = "  (saturated)"
	}
	fmt.Printf("global: %d/%d%s\n", status.Global, status.GlobalCeiling, saturated)

	agents := make([]string, 0, len(status.PerAgent))
	for a := range status.PerAgent {
		agents = append(agents, a)
	}
	sort.Strings(agents)
	for _, a := range agents {
		fmt.Printf("agent %-16s %d\n", a, status.PerAgent[a])
	}

	groups := make([]string, 0, len(status.PerGroup))
	for g := range status.PerGroup {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	for _, g := range groups {
		fmt.Printf("group %-16s %d\n", g, status.PerGroup[g])
	}
	return nil
}

func runWIPCheck(cmd *cobra.Command, args []string) error {
	c, err := openController()
	if err != nil {
		return err
	}
	tasks, err := taskSource().Snapshot()
	if err != nil {
		return err
	}

	var candidate *task.Task
	for i := range tasks {
		if tasks[i].ID == args[0] {
			candidate = &tasks[i]
			break
		}
	}
	if candidate == nil {
		return fmt.Errorf("task %q not found", args[0])
	}

	agent := checkAgent
	if agent == "" {
		agent = candidate.Agent
	}
	decision, err := c.CanStart(agent, *candidate)
	if err != nil && !errors.HasCode(err, errors.ErrCodeAdmissionDenied) {
		return err
	}
	metrics.Default().RecordAdmission(decision.Allowed)
	if decision.Allowed {
		fmt.Printf("allowed: %s may start %s\n", agent, candidate.ID)
		return nil
	}
	fmt.Printf("denied: %s\n", decision.Reason)
	return nil
}

func runWIPRecommend(cmd *cobra.Command, args []string) error {
	c, err := openController()
	if err != nil {
		return err
	}
	tasks, err := taskSource().Snapshot()
	if err != nil {
		return err
	}

	var candidates []task.Task
	for _, t := range tasks {
		if t.Status == task.StatusReady || t.Status == task.StatusPending {
			candidates = append(candidates, t)
		}
	}

	recs, err := c.Recommend(candidates, recommendCount)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("no startable tasks within current headroom")
		return nil
	}
	for i, r := range recs {
		fmt.Printf("%d. %-20s score %.0f  %s\n", i+1, r.Task.ID, r.Score, r.Task.Title)
	}
	return nil
}
