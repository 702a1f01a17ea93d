package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgeops/foreman/internal/health"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run and watch system health cycles",
}

var healthRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one check-and-remediate cycle",
	RunE:  runHealthRun,
}

var healthWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run cycles continuously until interrupted",
	RunE:  runHealthWatch,
}

var watchInterval time.Duration

func init() {
	healthWatchCmd.Flags().DurationVar(&watchInterval, "interval", 5*time.Minute, "time between cycles")

	healthCmd.AddCommand(healthRunCmd, healthWatchCmd)
	rootCmd.AddCommand(healthCmd)
}

func runHealthRun(cmd *cobra.Command, args []string) error {
	m, err := openMonitor()
	if err != nil {
		return err
	}

	result, err := m.RunCycle(cmd.Context())
	if err != nil {
		return err
	}

	for _, axis := range health.Axes() {
		ar, ok := result.Axes[axis]
		if !ok {
			continue
		}
		mark := "ok"
		if !ar.Passed {
			mark = "FAIL  " + ar.Failure()
		}
		fmt.Printf("%-8s %s\n", axis, mark)
	}
	if result.RemediationAttempted {
		fmt.Printf("remediation attempted, succeeded=%t\n", result.RemediationSucceeded)
	}
	if result.Healthy {
		fmt.Println("healthy")
		return nil
	}
	return fmt.Errorf("unhealthy (%d consecutive)", result.ConsecutiveUnhealthy)
}

func runHealthWatch(cmd *cobra.Command, args []string) error {
	m, err := openMonitor()
	if err != nil {
		return err
	}
	fmt.Printf("watching health every %s; Ctrl-C to stop\n", watchInterval)
	m.Watch(cmd.Context(), watchInterval)
	return nil
}
