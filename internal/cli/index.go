package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"gridlock/internal/idem"
	"gridlock/internal/worker"
)

func init() {
	indexCmd.AddCommand(indexRebuildCmd)
	rootCmd.AddCommand(indexCmd)
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the idempotency side-index",
}

var indexRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Repopulate the idempotency index from the ledger",
	Long:  "Clears the SQLite side-index and reinserts every applied operation the ledger records. Use after losing or distrusting the index file; the ledger is the source of truth.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		layout := worker.NewLayout(cfg.Workspace)
		l, err := openLedger(layout)
		if err != nil {
			return err
		}
		guard, err := idem.Open(layout.IdemDB())
		if err != nil {
			return err
		}
		defer guard.Close()

		n, err := guard.Rebuild(l)
		if err != nil {
			return err
		}
		fmt.Printf("Reindexed %d applied operation(s).\n", n)
		return nil
	},
}
