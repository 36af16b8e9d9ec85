package ledger

// Action identifies the kind of state-changing event an entry records.
type Action string

const (
	ActionChangeApplied     Action = "change_applied"
	ActionConflictDetected  Action = "conflict_detected"
	ActionConflictResolved  Action = "conflict_resolved"
	ActionLockAcquired      Action = "lock_acquired"
	ActionLockReleased      Action = "lock_released"
	ActionStaleLockOverride Action = "stale_lock_overridden"
	ActionStateUpdated      Action = "state_updated"
	ActionCorrection        Action = "correction"
)

// Payload carries action-specific detail. All fields are scalars or string
// slices (no map[string]any) to guarantee deterministic json.Marshal field
// order for reproducible hashing.
type Payload struct {
	OpID        string   `json:"op_id,omitempty"`
	IdemKey     string   `json:"idem_key,omitempty"`
	Cells       []string `json:"cells,omitempty"`
	SnapshotRef string   `json:"snapshot_ref,omitempty"`
	BaseRef     string   `json:"base_ref,omitempty"`
	Section     string   `json:"section,omitempty"`
	Key         string   `json:"key,omitempty"`
	Field       string   `json:"field,omitempty"`
	OldValue    string   `json:"old_value,omitempty"`
	NewValue    string   `json:"new_value,omitempty"`
	Epoch       int64    `json:"epoch,omitempty"`
	Owner       string   `json:"owner,omitempty"`
	PrevOwner   string   `json:"prev_owner,omitempty"`
	Resolution  string   `json:"resolution,omitempty"`
	ResolvedBy  string   `json:"resolved_by,omitempty"`
	Corrects    string   `json:"corrects,omitempty"`
	Result      string   `json:"result,omitempty"`
}

// Entry is one line in a hash-chained JSONL ledger segment. ContentHash is
// the SHA-256 of the entry body, which includes PrevHash, so the hash of
// every entry is bound to its position in the chain: two entries with equal
// payloads still hash differently, and removing a line breaks every link
// after it. PrevHash is the ContentHash of the preceding entry in the same
// segment. Entries are immutable once written — corrections are new entries
// whose payload references the corrected entry's ContentHash.
type Entry struct {
	Timestamp   string   `json:"ts"`
	Actor       string   `json:"actor"`
	Action      Action   `json:"action"`
	Resource    string   `json:"resource"`
	TaskID      string   `json:"task_id,omitempty"`
	Payload     *Payload `json:"payload,omitempty"`
	ContentHash string   `json:"content_hash"`
	PrevHash    string   `json:"prev_hash"`
}

// entryBody mirrors Entry without ContentHash. PrevHash stays in the hashed
// body so each link is position-dependent.
type entryBody struct {
	Timestamp string   `json:"ts"`
	Actor     string   `json:"actor"`
	Action    Action   `json:"action"`
	Resource  string   `json:"resource"`
	TaskID    string   `json:"task_id,omitempty"`
	Payload   *Payload `json:"payload,omitempty"`
	PrevHash  string   `json:"prev_hash"`
}

func bodyOf(e Entry) entryBody {
	return entryBody{
		Timestamp: e.Timestamp,
		Actor:     e.Actor,
		Action:    e.Action,
		Resource:  e.Resource,
		TaskID:    e.TaskID,
		Payload:   e.Payload,
		PrevHash:  e.PrevHash,
	}
}
