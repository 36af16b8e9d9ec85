package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"gridlock/internal/config"
	"gridlock/internal/worker"
)

var initForce bool

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap the config file and workspace directory layout",
	Long: `Writes a commented default config to ~/.gridlock/config.yaml and creates
the workspace directory tree (inbox, locks, ledger, state, reports,
snapshots, backups) so workers can start exchanging tasks.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := flagConfig
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("cannot determine home directory: %w", err)
		}
		configPath = filepath.Join(home, ".gridlock", "config.yaml")
	}

	var created []string

	wrote, err := writeIfMissing(configPath, config.DefaultConfigYAML())
	if err != nil {
		return err
	}
	if wrote {
		created = append(created, configPath)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if flagWorkspace != "" {
		cfg.Workspace = flagWorkspace
	}
	if cfg.Workspace != "" {
		layout := worker.NewLayout(cfg.Workspace)
		if err := layout.EnsureDirs(); err != nil {
			return err
		}
		created = append(created, cfg.Workspace)
	}

	fmt.Println("gridlock init complete.")
	fmt.Println()
	if len(created) > 0 {
		fmt.Println("Created:")
		for _, path := range created {
			fmt.Printf("  %s\n", path)
		}
	} else {
		fmt.Println("All files already exist (use --force to overwrite the config).")
	}
	fmt.Println()
	fmt.Println("Verify:")
	fmt.Println("  gridlock doctor")
	fmt.Println()
	fmt.Println("Start a worker:")
	fmt.Println("  gridlock worker")
	return nil
}

// writeIfMissing writes content to path unless it exists and --force is off.
// Returns true if the file was written.
func writeIfMissing(path, content string) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
