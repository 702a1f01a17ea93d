package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forgeops/foreman/internal/errors"
	"github.com/forgeops/foreman/internal/ledger"
	"github.com/forgeops/foreman/internal/metrics"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and audit per-task phase ledgers",
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Print a task's ledger entries in append order",
	Args:  cobra.ExactArgs(1),
	RunE:  runLedgerShow,
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify [task-id...]",
	Short: "Audit hash chains; every task when none are named",
	RunE:  runLedgerVerify,
}

var ledgerRecordCmd = &cobra.Command{
	Use:   "record <task-id> <phase>",
	Short: "Record a phase transition",
	Args:  cobra.ExactArgs(2),
	RunE:  runLedgerRecord,
}

var ledgerBacktrackCmd = &cobra.Command{
	Use:   "backtrack <task-id> <target-phase>",
	Short: "Request a backtrack to an earlier phase",
	Args:  cobra.ExactArgs(2),
	RunE:  runLedgerBacktrack,
}

var (
	ledgerActor    string
	ledgerEvidence string
	ledgerReason   string
)

func init() {
	ledgerRecordCmd.Flags().StringVar(&ledgerActor, "actor", "operator", "acting agent recorded in the entry")
	ledgerRecordCmd.Flags().StringVar(&ledgerEvidence, "evidence", "", "evidence reference for the transition")
	ledgerBacktrackCmd.Flags().StringVar(&ledgerActor, "actor", "operator", "acting agent recorded in the entry")
	ledgerBacktrackCmd.Flags().StringVar(&ledgerReason, "reason", "", "non-empty reason for the backtrack")

	ledgerCmd.AddCommand(ledgerShowCmd, ledgerVerifyCmd, ledgerRecordCmd, ledgerBacktrackCmd)
	rootCmd.AddCommand(ledgerCmd)
}

func runLedgerShow(cmd *cobra.Command, args []string) error {
	l, _, _, err := openLedger()
	if err != nil {
		return err
	}
	entries, err := l.Entries(args[0])
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Printf("no ledger entries for %s\n", args[0])
		return nil
	}
	for _, e := range entries {
		if e.IsBacktrack() {
			fmt.Printf("%3d  %-24s  backtrack -> %-14s  by %-12s  %s\n",
				e.Sequence, e.Timestamp.Format("2006-01-02 15:04:05"), e.Backtrack.Target, e.Actor, e.Backtrack.Reason)
			continue
		}
		fmt.Printf("%3d  %-24s  %-14s  by %-12s  %s\n",
			e.Sequence, e.Timestamp.Format("2006-01-02 15:04:05"), e.Phase, e.Actor, e.Evidence)
	}
	return nil
}

func runLedgerVerify(cmd *cobra.Command, args []string) error {
	l, store, _, err := openLedger()
	if err != nil {
		return err
	}

	taskIDs := args
	if len(taskIDs) == 0 {
		if taskIDs, err = store.Tasks(); err != nil {
			return err
		}
	}
	if len(taskIDs) == 0 {
		fmt.Println("ledger is empty")
		return nil
	}

	failed := 0
	for _, id := range taskIDs {
		if err := l.Audit(id); err != nil {
			failed++
			fmt.Printf("FAIL  %s: %v\n", id, err)
			continue
		}
		fmt.Printf("ok    %s\n", id)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d chains failed verification", failed, len(taskIDs))
	}
	return nil
}

func runLedgerRecord(cmd *cobra.Command, args []string) error {
	l, _, _, err := openLedger()
	if err != nil {
		return err
	}
	entry, err := l.RecordTransition(args[0], ledger.Phase(args[1]), ledgerActor, ledgerEvidence)
	if err != nil {
		metrics.Default().RecordTransition(args[1], transitionOutcome(err))
		return err
	}
	metrics.Default().RecordTransition(string(entry.Phase), "accepted")
	fmt.Printf("recorded %s -> %s (seq %d, hash %s)\n", args[0], entry.Phase, entry.Sequence, entry.Hash[:12])
	return nil
}

func transitionOutcome(err error) string {
	switch errors.Code(err) {
	case errors.ErrCodeSequenceViolation:
		return "sequence_violation"
	case errors.ErrCodeVerificationMissing:
		return "verification_missing"
	case errors.ErrCodeIntegrityViolation:
		return "integrity_violation"
	default:
		return "error"
	}
}

func runLedgerBacktrack(cmd *cobra.Command, args []string) error {
	l, _, _, err := openLedger()
	if err != nil {
		return err
	}
	entry, err := l.RequestBacktrack(args[0], ledger.Phase(args[1]), ledgerActor, ledgerReason)
	if err != nil {
		return err
	}
	metrics.Default().RecordBacktrack()
	fmt.Printf("backtrack pending: %s -> %s (seq %d)\n", args[0], entry.Backtrack.Target, entry.Sequence)
	return nil
}
