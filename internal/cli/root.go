package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gridlock/internal/config"
	"gridlock/internal/ledger"
	"gridlock/internal/lock"
	"gridlock/internal/worker"
)

var (
	flagConfig    string
	flagWorkspace string
)

var rootCmd = &cobra.Command{
	Use:   "gridlock",
	Short: "Coordination core for workers sharing spreadsheet-like resources",
	Long:  "Mediates concurrent edits through resource locks, a hash-chained audit ledger, and three-way change reconciliation. Workers exchange tasks and reports through a shared filesystem workspace.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to config YAML (default ~/.gridlock/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagWorkspace, "workspace", "", "Workspace root (overrides config)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves the effective configuration for a command invocation.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagWorkspace != "" {
		cfg.Workspace = flagWorkspace
	}
	if cfg.Workspace == "" {
		return nil, fmt.Errorf("no workspace configured; set workspace in config or pass --workspace")
	}
	return cfg, nil
}

// openBackend opens the lock backend the config names.
func openBackend(cfg *config.Config, layout worker.Layout) (lock.Backend, error) {
	if cfg.Lock.Backend == "sqlite" {
		return lock.OpenSQLiteBackend(cfg.Lock.SQLitePath, cfg.Lock.TTL())
	}
	return lock.NewFileBackend(layout.Locks(), cfg.Lock.TTL())
}

// openLedger opens the workspace ledger.
func openLedger(layout worker.Layout) (*ledger.Ledger, error) {
	return ledger.Open(layout.Ledger())
}
