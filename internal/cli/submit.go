package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"gridlock/internal/ids"
	"gridlock/internal/merge"
	"gridlock/internal/worker"
)

var (
	submitActor   string
	submitBaseRef string
	submitEdits   []string
)

func init() {
	submitCmd.Flags().StringVar(&submitActor, "actor", "", "Acting agent ID (defaults to agent_id from config)")
	submitCmd.Flags().StringVar(&submitBaseRef, "base-ref", "", "Snapshot ref the edits were planned against")
	submitCmd.Flags().StringArrayVar(&submitEdits, "edit", nil, "Proposed edit as cell=old=new or cell=new (repeatable)")
	rootCmd.AddCommand(submitCmd)
}

var submitCmd = &cobra.Command{
	Use:   "submit <resource>",
	Short: "Drop a change task into the workspace inbox",
	Long: `Writes a task file that any watching worker will pick up, lock, merge,
and record. The file lands atomically (temp file then rename) so a worker
never reads a half-written task.

Example:
  gridlock submit budget-q3 --base-ref sha256:ab12 --edit B5=100=150 --edit C10==Done`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if submitActor == "" {
		submitActor = cfg.AgentID
	}
	if len(submitEdits) == 0 {
		return fmt.Errorf("at least one --edit is required")
	}

	edits := make([]merge.Edit, 0, len(submitEdits))
	for _, raw := range submitEdits {
		e, err := parseEdit(raw)
		if err != nil {
			return err
		}
		edits = append(edits, e)
	}

	task := worker.Task{
		TaskID:      "task-" + uuid.NewString(),
		Actor:       submitActor,
		Resource:    args[0],
		BaseRef:     submitBaseRef,
		Edits:       edits,
		SubmittedAt: ids.UTCNowISO(),
	}
	if err := worker.ValidateTask(&task); err != nil {
		return err
	}

	layout := worker.NewLayout(cfg.Workspace)
	if err := layout.EnsureDirs(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return err
	}

	dst := filepath.Join(layout.Inbox(), task.TaskID+".json")
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}

	fmt.Printf("Submitted %s for %s (%d edits).\n", task.TaskID, task.Resource, len(task.Edits))
	return nil
}

// parseEdit accepts cell=old=new, or cell=new when the proposer did not see
// a prior value.
func parseEdit(raw string) (merge.Edit, error) {
	parts := strings.SplitN(raw, "=", 3)
	switch len(parts) {
	case 3:
		return merge.Edit{Cell: parts[0], Old: parts[1], New: parts[2]}, nil
	case 2:
		return merge.Edit{Cell: parts[0], New: parts[1]}, nil
	default:
		return merge.Edit{}, fmt.Errorf("bad --edit %q: want cell=old=new or cell=new", raw)
	}
}
