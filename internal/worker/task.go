package worker

import (
	"fmt"
	"regexp"
	"strings"

	"gridlock/internal/merge"
)

// validID matches alphanumeric characters, dashes, and underscores only.
var validID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Task is a unit of work dropped into the inbox: one changeset against one
// resource. The task ID doubles as the operation ID for idempotency.
type Task struct {
	TaskID      string       `json:"task_id"`
	Actor       string       `json:"actor"`
	Resource    string       `json:"resource_id"`
	BaseRef     string       `json:"base_snapshot_ref"`
	Edits       []merge.Edit `json:"proposed_edits"`
	SubmittedAt string       `json:"submitted_at,omitempty"`
}

// ChangeSet converts the task into the reconciliation engine's input.
func (t Task) ChangeSet() merge.ChangeSet {
	return merge.ChangeSet{
		Resource:    t.Resource,
		Actor:       t.Actor,
		BaseRef:     t.BaseRef,
		Edits:       t.Edits,
		SubmittedAt: t.SubmittedAt,
	}
}

// ValidateTask checks that a task has all required fields and safe values.
func ValidateTask(t *Task) error {
	if t.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if strings.Contains(t.TaskID, "..") {
		return fmt.Errorf("task_id must not contain '..'")
	}
	if !validID.MatchString(t.TaskID) {
		return fmt.Errorf("task_id contains invalid characters: only alphanumeric, dash, and underscore allowed")
	}
	if t.Actor == "" {
		return fmt.Errorf("actor is required")
	}
	if t.Resource == "" {
		return fmt.Errorf("resource_id is required")
	}
	if len(t.Edits) == 0 {
		return fmt.Errorf("proposed_edits must not be empty")
	}
	for i, e := range t.Edits {
		if e.Cell == "" {
			return fmt.Errorf("proposed_edits[%d] has no cell address", i)
		}
	}
	return nil
}
