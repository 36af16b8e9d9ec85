package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"gridlock/internal/state"
	"gridlock/internal/worker"
)

var (
	stateSection string
	stateAt      string
	stateReason  string
)

func init() {
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateSetCmd)
	stateCmd.AddCommand(stateRebuildCmd)
	stateCmd.AddCommand(stateSyncCmd)
	stateShowCmd.Flags().StringVar(&stateSection, "section", "", "Section to show (agents, directives, approvals, locks, metrics)")
	stateRebuildCmd.Flags().StringVar(&stateAt, "at", "", "Rebuild as of this UTC timestamp without saving")
	stateSetCmd.Flags().StringVar(&stateReason, "reason", "", "Reason recorded with the change")
	rootCmd.AddCommand(stateCmd)
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Read and maintain the shared state document",
}

// openStore assembles the state store for CLI use. The lock manager is left
// out: CLI mutations go through the same ledger but serialize against
// workers via the store's own mutex only within this process, so set is
// meant for a stopped or single-worker workspace.
func openStore() (*state.Store, *stateEnv, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	layout := worker.NewLayout(cfg.Workspace)
	l, err := openLedger(layout)
	if err != nil {
		return nil, nil, err
	}
	store, err := state.NewStore(state.Config{
		Path:       layout.StatePath(),
		BackupsDir: layout.Backups(),
		WriterRole: cfg.WriterRole,
		Ledger:     l,
	})
	if err != nil {
		return nil, nil, err
	}
	return store, &stateEnv{role: cfg.Role, actor: cfg.AgentID}, nil
}

type stateEnv struct {
	role  string
	actor string
}

var stateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the state document or one section",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore()
		if err != nil {
			return err
		}
		view, err := store.Read(stateSection)
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(view, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

var stateSetCmd = &cobra.Command{
	Use:   "set <section> <key> <field> <value>",
	Short: "Apply one controller mutation to the state document",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, env, err := openStore()
		if err != nil {
			return err
		}
		change := state.Change{
			Section: args[0],
			Key:     args[1],
			Field:   args[2],
			Value:   args[3],
			Reason:  stateReason,
		}
		res, err := store.Apply(cmd.Context(), change, env.role, env.actor)
		if err != nil {
			return err
		}
		fmt.Printf("Applied. State hash %s, ledger entry %s.\n", short(res.StateHash), short(res.EntryRef))
		return nil
	},
}

var stateRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the state document from the ledger",
	Long:  "Replays every consistent ledger segment into a fresh document. With --at, rebuilds a point-in-time view and prints it without touching the saved document.",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore()
		if err != nil {
			return err
		}

		var report *state.RebuildReport
		if stateAt != "" {
			report, err = store.RebuildAt(stateAt)
		} else {
			report, err = store.Rebuild()
		}
		if err != nil {
			return err
		}

		if stateAt != "" {
			out, _ := json.MarshalIndent(report.Document, "", "  ")
			fmt.Println(string(out))
		}
		fmt.Printf("Replayed %d entries.\n", report.Entries)
		if report.StateHash != "" {
			fmt.Printf("State hash %s.\n", short(report.StateHash))
		}
		if report.Incomplete {
			for res, at := range report.Breaks {
				fmt.Printf("warning: segment %s broken at entry %d; later entries skipped\n", res, at)
			}
			return fmt.Errorf("rebuild incomplete: some segments are inconsistent")
		}
		return nil
	},
}

var stateSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Fold ledger entries newer than the document into it",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore()
		if err != nil {
			return err
		}
		if err := store.Sync(cmd.Context()); err != nil {
			return err
		}
		hash, err := store.Hash()
		if err != nil {
			return err
		}
		fmt.Printf("Synced. State hash %s.\n", short(hash))
		return nil
	},
}
