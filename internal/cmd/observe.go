package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/forgeops/foreman/internal/observe"
)

var observeCmd = &cobra.Command{
	Use:   "observe",
	Short: "Query aggregated observability views",
}

var observeSnapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Print the composite snapshot as JSON",
	RunE:  runObserveSnapshot,
}

var observeExportCmd = &cobra.Command{
	Use:       "export <family>",
	Short:     "Export one metric family as CSV",
	Long:      "Export one metric family (tasks, quality, resolution, resources) as CSV to stdout or --out.",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: observe.Families(),
	RunE:      runObserveExport,
}

var exportOut string

func init() {
	observeExportCmd.Flags().StringVar(&exportOut, "out", "", "output file (default stdout)")

	observeCmd.AddCommand(observeSnapshotCmd, observeExportCmd)
	rootCmd.AddCommand(observeCmd)
}

func runObserveSnapshot(cmd *cobra.Command, args []string) error {
	a, err := openAggregator()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(a.Composite(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func runObserveExport(cmd *cobra.Command, args []string) error {
	a, err := openAggregator()
	if err != nil {
		return err
	}

	out := os.Stdout
	if exportOut != "" {
		f, err := os.Create(exportOut)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	if err := a.ExportCSV(args[0], out); err != nil {
		return err
	}
	if exportOut != "" {
		fmt.Fprintf(os.Stderr, "wrote %s export to %s\n", args[0], exportOut)
	}
	return nil
}
