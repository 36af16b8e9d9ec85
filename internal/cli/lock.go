package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"gridlock/internal/worker"
)

var lockJSON bool

func init() {
	lockCmd.AddCommand(lockStatusCmd)
	lockCmd.AddCommand(lockReleaseCmd)
	lockStatusCmd.Flags().BoolVar(&lockJSON, "json", false, "Emit records as JSON")
	rootCmd.AddCommand(lockCmd)
}

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect and manage resource locks",
}

var lockStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List held locks with age and staleness",
	RunE:  runLockStatus,
}

func runLockStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	backend, err := openBackend(cfg, worker.NewLayout(cfg.Workspace))
	if err != nil {
		return err
	}

	recs, err := backend.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list locks: %w", err)
	}
	if lockJSON {
		out, _ := json.MarshalIndent(recs, "", "  ")
		fmt.Println(string(out))
		return nil
	}
	if len(recs) == 0 {
		fmt.Println("No locks held.")
		return nil
	}

	now := time.Now().UTC()
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Resource", "Owner", "Task", "Epoch", "Age", "Stale"})
	for _, r := range recs {
		stale := ""
		if r.Stale(now, cfg.Lock.TTL()) {
			stale = "yes"
		}
		tw.AppendRow(table.Row{r.Resource, r.Owner, r.TaskID, r.Epoch, r.Age(now).Round(time.Second), stale})
	}
	tw.Render()
	return nil
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release <resource>",
	Short: "Force-release the lock on a resource",
	Long:  "Drops the current lock record regardless of TTL. Use when a holder is known dead; a live holder will be fenced off by its stale epoch on its next release.",
	Args:  cobra.ExactArgs(1),
	RunE:  runLockRelease,
}

func runLockRelease(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	backend, err := openBackend(cfg, worker.NewLayout(cfg.Workspace))
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	rec, err := backend.Get(ctx, args[0])
	if err != nil {
		return err
	}
	if rec == nil {
		fmt.Printf("%s is not locked.\n", args[0])
		return nil
	}
	if err := backend.Release(ctx, *rec); err != nil {
		return fmt.Errorf("failed to release: %w", err)
	}
	fmt.Printf("Released %s (was held by %s, epoch %d).\n", rec.Resource, rec.Owner, rec.Epoch)
	return nil
}
