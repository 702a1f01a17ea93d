package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgeops/foreman/internal/metrics"
)

var providerCmd = &cobra.Command{
	Use:   "provider",
	Short: "Inspect backend quota state and routing",
}

var providerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-backend rolling-window usage",
	RunE:  runProviderStatus,
}

var providerPredictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Name the backend expected to have the most headroom",
	RunE:  runProviderPredict,
}

var providerSelectCmd = &cobra.Command{
	Use:   "select <task-type>",
	Short: "Pick a backend for a task type honoring quotas",
	Args:  cobra.ExactArgs(1),
	RunE:  runProviderSelect,
}

var predictHorizon time.Duration

func init() {
	providerPredictCmd.Flags().DurationVar(&predictHorizon, "horizon", 30*time.Minute, "planning horizon")

	providerCmd.AddCommand(providerStatusCmd, providerPredictCmd, providerSelectCmd)
	rootCmd.AddCommand(providerCmd)
}

func runProviderStatus(cmd *cobra.Command, args []string) error {
	r, err := openRouter()
	if err != nil {
		return err
	}
	fmt.Printf("%-14s %10s %14s %8s %8s %10s\n", "PROVIDER", "REQUESTS", "TOKENS", "ERRORS", "LATENCY", "AVAILABLE")
	for _, s := range r.StatusAll() {
		fmt.Printf("%-14s %5d/%-4d %7d/%-6d %8d %8s %10t\n",
			s.Provider, s.RequestsUsed, s.RequestLimit, s.TokensUsed, s.TokenLimit,
			s.ConsecutiveErrors, s.MeanLatency.Round(time.Millisecond), s.Available)
	}
	return nil
}

func runProviderPredict(cmd *cobra.Command, args []string) error {
	r, err := openRouter()
	if err != nil {
		return err
	}
	p, err := r.PredictBestProvider(predictHorizon)
	if err != nil {
		return err
	}
	fmt.Printf("%s (score %.3f): %s\n", p.Provider, p.Score, p.Reason)
	return nil
}

func runProviderSelect(cmd *cobra.Command, args []string) error {
	r, err := openRouter()
	if err != nil {
		return err
	}
	sel, err := r.SelectProvider(args[0])
	if err != nil {
		return err
	}
	metrics.Default().RecordSelection(sel.Provider, sel.Degraded)
	if sel.Degraded {
		fmt.Printf("%s (degraded): %s\n", sel.Provider, sel.Reason)
		return nil
	}
	fmt.Printf("%s: %s\n", sel.Provider, sel.Reason)
	return nil
}
