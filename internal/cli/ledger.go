package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"gridlock/internal/ledger"
	"gridlock/internal/worker"
)

var (
	ledgerVerifyJSON    bool
	ledgerTailN         int
	ledgerCorrectReason string
)

func init() {
	ledgerCmd.AddCommand(ledgerVerifyCmd)
	ledgerCmd.AddCommand(ledgerTailCmd)
	ledgerCmd.AddCommand(ledgerCorrectCmd)
	ledgerVerifyCmd.Flags().BoolVar(&ledgerVerifyJSON, "json", false, "Emit results as JSON")
	ledgerTailCmd.Flags().IntVarP(&ledgerTailN, "lines", "n", 10, "Number of entries to show")
	ledgerCorrectCmd.Flags().StringVar(&ledgerCorrectReason, "reason", "", "What was wrong with the corrected entry")
	rootCmd.AddCommand(ledgerCmd)
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and verify the audit ledger",
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify [resource]",
	Short: "Verify segment hash chains",
	Long:  "Recomputes every entry's content hash and checks the prev-hash links. With no resource, verifies every segment in the workspace.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLedgerVerify,
}

func runLedgerVerify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	l, err := openLedger(worker.NewLayout(cfg.Workspace))
	if err != nil {
		return err
	}

	var results []ledger.VerifyResult
	if len(args) == 1 {
		results = append(results, l.Verify(args[0]))
	} else {
		results, err = l.VerifyAll()
		if err != nil {
			return err
		}
	}

	if ledgerVerifyJSON {
		out, _ := json.MarshalIndent(results, "", "  ")
		fmt.Println(string(out))
	} else if len(results) == 0 {
		fmt.Println("No ledger segments.")
	} else {
		for _, vr := range results {
			if vr.Consistent {
				fmt.Printf("✓ %-30s %d entries\n", vr.Resource, vr.Entries)
			} else {
				fmt.Printf("✗ %-30s broken at entry %d: %s\n", vr.Resource, vr.FirstBreakAt, vr.Reason)
			}
		}
	}

	for _, vr := range results {
		if !vr.Consistent {
			return fmt.Errorf("ledger verification failed")
		}
	}
	return nil
}

var ledgerTailCmd = &cobra.Command{
	Use:   "tail <resource>",
	Short: "Show the newest entries for a resource",
	Args:  cobra.ExactArgs(1),
	RunE:  runLedgerTail,
}

func runLedgerTail(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	l, err := openLedger(worker.NewLayout(cfg.Workspace))
	if err != nil {
		return err
	}

	entries, err := l.Entries(args[0])
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Printf("No entries for %s.\n", args[0])
		return nil
	}
	if len(entries) > ledgerTailN {
		entries = entries[len(entries)-ledgerTailN:]
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Timestamp", "Actor", "Action", "Op", "Hash"})
	for _, e := range entries {
		op := ""
		if e.Payload != nil {
			op = e.Payload.OpID
		}
		tw.AppendRow(table.Row{e.Timestamp, e.Actor, e.Action, op, short(e.ContentHash)})
	}
	tw.Render()
	return nil
}

var ledgerCorrectCmd = &cobra.Command{
	Use:   "correct <resource> <entry-hash>",
	Short: "Append a correction entry referencing an erroneous one",
	Long:  "History is never rewritten: a mistaken entry stays in the chain and a correction entry pointing at its content hash is appended after it.",
	Args:  cobra.ExactArgs(2),
	RunE:  runLedgerCorrect,
}

func runLedgerCorrect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	l, err := openLedger(worker.NewLayout(cfg.Workspace))
	if err != nil {
		return err
	}

	resource, target := args[0], args[1]
	entries, err := l.Entries(resource)
	if err != nil {
		return err
	}
	found := false
	for _, e := range entries {
		if e.ContentHash == target {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("no entry %s in segment %s", target, resource)
	}

	hash, err := l.Append(ledger.Entry{
		Resource: resource,
		Actor:    cfg.AgentID,
		Action:   ledger.ActionCorrection,
		Payload: &ledger.Payload{
			Corrects: target,
			Result:   ledgerCorrectReason,
		},
	})
	if err != nil {
		return err
	}
	fmt.Printf("Appended correction %s for %s.\n", short(hash), short(target))
	return nil
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
