// Package cmd implements the foreman CLI.
package cmd

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/forgeops/foreman/internal/health"
	"github.com/forgeops/foreman/internal/ledger"
	"github.com/forgeops/foreman/internal/log"
	"github.com/forgeops/foreman/internal/observe"
	"github.com/forgeops/foreman/internal/router"
	"github.com/forgeops/foreman/internal/task"
	"github.com/forgeops/foreman/internal/wip"
)

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Task orchestration kernel for multi-agent delivery",
	Long: `foreman is the orchestration kernel of a multi-agent software-delivery
platform. It keeps a hash-chained phase ledger per task, routes work to
rate-limited backends, bounds work-in-progress, watches system health, and
aggregates observability for all of it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	dataDir   string
	tasksPath string
	logLevel  string
	logFormat string
)

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command with a cancellable context.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", ".foreman", "directory holding ledger, verification, and health state")
	rootCmd.PersistentFlags().StringVar(&tasksPath, "tasks", "", "task snapshot file (default <data-dir>/tasks.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	cobra.OnInitialize(func() {
		config := log.DefaultConfig()
		config.Level = log.ParseLevel(logLevel)
		config.Format = log.ParseFormat(logFormat)
		config.Output = os.Stderr
		log.SetDefault(log.New(config))
	})
}

func taskSource() task.Source {
	path := tasksPath
	if path == "" {
		path = filepath.Join(dataDir, "tasks.json")
	}
	return task.NewFileSource(path)
}

func openLedger() (*ledger.Ledger, ledger.Store, ledger.VerificationSource, error) {
	store, err := ledger.NewFileStore(filepath.Join(dataDir, "ledger"), log.L())
	if err != nil {
		return nil, nil, nil, err
	}
	verifications := ledger.NewFileVerifications(filepath.Join(dataDir, "verifications"))
	return ledger.New(store, verifications, ledger.DefaultRequirements(), log.L()), store, verifications, nil
}

func openRouter() (*router.Router, error) {
	config, err := loadOrDefault(filepath.Join(dataDir, "providers.yaml"), router.LoadConfig, router.DefaultConfig)
	if err != nil {
		return nil, err
	}
	return router.New(config, log.L())
}

func openController() (*wip.Controller, error) {
	limits := wip.DefaultLimits()
	if data, err := os.ReadFile(filepath.Join(dataDir, "wip.yaml")); err == nil {
		if limits, err = wip.ParseLimits(data); err != nil {
			return nil, err
		}
	}
	return wip.NewController(limits, taskSource())
}

func openMonitor() (*health.Monitor, error) {
	config, err := loadOrDefault(filepath.Join(dataDir, "health.yaml"), health.LoadConfig, health.DefaultConfig)
	if err != nil {
		return nil, err
	}
	if config.HistoryPath == "" {
		config.HistoryPath = filepath.Join(dataDir, "health", "history.jsonl")
	}
	if config.EscalationDir == "" {
		config.EscalationDir = filepath.Join(dataDir, "health", "escalations")
	}
	return health.NewMonitor(config, log.L())
}

func openAggregator() (*observe.Aggregator, error) {
	_, store, verifications, err := openLedger()
	if err != nil {
		return nil, err
	}
	r, err := openRouter()
	if err != nil {
		return nil, err
	}
	sources := observe.Sources{
		Tasks:         taskSource(),
		Ledger:        store,
		Verifications: verifications,
		Providers:     r,
	}
	return observe.New(sources, observe.Options{}, log.L()), nil
}

// loadOrDefault loads a component config from path when the file exists and
// falls back to the component default otherwise.
func loadOrDefault[T any](path string, load func(string) (*T, error), fallback func() *T) (*T, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fallback(), nil
	}
	return load(path)
}
