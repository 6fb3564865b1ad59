package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/overhaulhq/shopsync/internal/ledger"
	"github.com/spf13/cobra"
)

var (
	ledgerJSONOutput bool
	replayForce      bool
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and repair the change ledger",
	Long:  "Verify the hash chain, seal checkpoints, rebuild the transparency index and replay derived state without running the server.",
}

func init() {
	ledgerCmd.PersistentFlags().BoolVar(&ledgerJSONOutput, "json", false,
		"Output in JSON format")

	ledgerCmd.AddCommand(ledgerVerifyCmd)
	ledgerCmd.AddCommand(ledgerCheckpointCmd)
	ledgerCmd.AddCommand(ledgerRebuildIndexCmd)
	ledgerCmd.AddCommand(ledgerReplayCmd)

	rootCmd.AddCommand(ledgerCmd)
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the ledger hash chain",
	Long:  "Recompute every entry hash and signature from genesis. Exits non-zero when the chain is broken, naming the first bad sequence.",
	Args:  cobra.NoArgs,
	RunE:  runLedgerVerify,
}

func runLedgerVerify(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ok, badSeq, err := st.VerifyLedger(ctx)
	if err != nil {
		return err
	}

	head, err := st.Ledger().LastSeq(ctx)
	if err != nil {
		return err
	}

	if ledgerJSONOutput {
		out := map[string]any{"ok": ok, "head_seq": head}
		if !ok {
			out["first_bad_seq"] = badSeq
		}
		if err := printJSON(cmd.OutOrStdout(), out); err != nil {
			return err
		}
	} else if ok {
		fmt.Fprintf(cmd.OutOrStdout(), "ledger ok, head seq %d\n", head)
	}

	if !ok {
		return fmt.Errorf("ledger verification failed: chain broken at seq %d", badSeq)
	}
	return nil
}

var ledgerCheckpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Seal a checkpoint over the current chain head",
	Args:  cobra.NoArgs,
	RunE:  runLedgerCheckpoint,
}

func runLedgerCheckpoint(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	cp, created, err := st.LedgerCheckpoint(ctx)
	if errors.Is(err, ledger.ErrNothingToCheckpoint) {
		fmt.Fprintln(cmd.OutOrStdout(), "ledger is empty, nothing to checkpoint")
		return nil
	}
	if err != nil {
		return err
	}

	if ledgerJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"created":  created,
			"last_seq": cp.LastSeq,
			"digest":   cp.Digest,
		})
	}
	if created {
		fmt.Fprintf(cmd.OutOrStdout(), "checkpoint sealed at seq %d\ndigest %s\n", cp.LastSeq, cp.Digest)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "checkpoint already covers seq %d\n", cp.LastSeq)
	}
	return nil
}

var ledgerRebuildIndexCmd = &cobra.Command{
	Use:   "rebuild-index",
	Short: "Rebuild the transparency index from the ledger",
	Long:  "Drop and rebuild the tx-hash index every entry is looked up through. Safe to run at any time; the ledger itself is never touched.",
	Args:  cobra.NoArgs,
	RunE:  runLedgerRebuildIndex,
}

func runLedgerRebuildIndex(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := st.RebuildTxIndex(ctx)
	if err != nil {
		return err
	}

	if ledgerJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"entries": n})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "transparency index rebuilt, %d entries\n", n)
	return nil
}

var ledgerReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Rebuild all derived state from the ledger",
	Long:  "Verify the chain, then wipe the replicated tables, the change log and row ownership and rebuild them from the ledger. Requires --force or interactive confirmation.",
	Args:  cobra.NoArgs,
	RunE:  runLedgerReplay,
}

func init() {
	ledgerReplayCmd.Flags().BoolVar(&replayForce, "force", false,
		"Skip confirmation prompt")
}

func runLedgerReplay(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	// Interactive confirmation unless --force
	if !replayForce {
		errOut := cmd.ErrOrStderr()
		fmt.Fprintln(errOut, "WARNING: this wipes the replicated tables, the change log and row ownership, then rebuilds them from the ledger.")
		fmt.Fprint(errOut, "Type 'replay' to confirm: ")

		reader := bufio.NewReader(cmd.InOrStdin())
		input, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}
		if strings.TrimSpace(input) != "replay" {
			return errors.New("replay cancelled")
		}
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	result, err := st.ReplayLedger(ctx)
	if err != nil {
		return err
	}

	if ledgerJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"entries": result.Entries,
			"rows":    result.Rows,
			"owners":  result.Owners,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "replayed %d ledger entries: %d rows, %d owners\n",
		result.Entries, result.Rows, result.Owners)
	return nil
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
