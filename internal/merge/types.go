// Package merge implements three-way reconciliation of spreadsheet edits:
// a common base snapshot, a proposer's local edits, and the resource's
// current remote state. Everything here is pure computation over fetched
// data — no I/O — so outcomes are deterministic and exhaustively testable.
package merge

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Edit addresses one cell with an old-value/new-value pair. Cells use
// A1-style addresses ("B5", "C10").
type Edit struct {
	Cell string `json:"cell"`
	Old  string `json:"old"`
	New  string `json:"new"`
}

// ChangeSet is a proposed set of edits against a base snapshot. BaseRef
// identifies the state the proposer believed was current at planning time —
// the base of the three-way merge.
type ChangeSet struct {
	Resource    string `json:"resource_id"`
	Actor       string `json:"actor"`
	BaseRef     string `json:"base_snapshot_ref"`
	Edits       []Edit `json:"proposed_edits"`
	SubmittedAt string `json:"submitted_at"`
}

// Cells returns the sorted set of cell addresses the changeset touches.
func (cs ChangeSet) Cells() []string {
	out := make([]string, 0, len(cs.Edits))
	for _, e := range cs.Edits {
		out = append(out, e.Cell)
	}
	sort.Strings(out)
	return out
}

// Snapshot is a cell-addressed view of a resource. Ref is the content hash
// of the cell map; two snapshots with equal cells always share a ref.
type Snapshot struct {
	Ref   string            `json:"ref"`
	Cells map[string]string `json:"cells"`
}

// Hash computes the canonical content hash of the snapshot's cells.
// encoding/json sorts map keys, making the serialization canonical.
func (s Snapshot) Hash() string {
	data, err := json.Marshal(s.Cells)
	if err != nil {
		return ""
	}
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}

// Get returns a cell value; absent cells read as the empty string.
func (s Snapshot) Get(cell string) string {
	return s.Cells[cell]
}

// Clone returns a deep copy with the ref recomputed.
func (s Snapshot) Clone() Snapshot {
	cells := make(map[string]string, len(s.Cells))
	for k, v := range s.Cells {
		cells[k] = v
	}
	out := Snapshot{Cells: cells}
	out.Ref = out.Hash()
	return out
}

// ConflictKind classifies why auto-merge was impossible.
type ConflictKind string

const (
	// KindOverlappingRange: local and remote edits target the same cell
	// with differing values.
	KindOverlappingRange ConflictKind = "overlapping_range"
	// KindVersionMismatch: the proposer's base was already stale relative
	// to the last ledger-recorded snapshot.
	KindVersionMismatch ConflictKind = "version_mismatch"
)

// Overlap pairs the competing edits on one cell.
type Overlap struct {
	Cell   string `json:"cell"`
	Local  Edit   `json:"local"`
	Remote Edit   `json:"remote"`
}

// Conflict is emitted when reconciliation cannot auto-merge. It names the
// overlapping edits and every involved actor so operators can act without
// reading raw state.
type Conflict struct {
	Resource    string       `json:"resource_id"`
	Kind        ConflictKind `json:"kind"`
	Overlapping []Overlap    `json:"overlapping_edits,omitempty"`
	Actors      []string     `json:"involved_actors"`
	Detail      string       `json:"detail,omitempty"`
}

// Merged is a conflict-free changeset rebased onto the current snapshot,
// ready for the resource executor. Edits already present in current are
// dropped as no-op duplicates. Result is current with the edits applied.
type Merged struct {
	Resource string   `json:"resource_id"`
	BaseRef  string   `json:"base_ref"`
	Edits    []Edit   `json:"edits"`
	Result   Snapshot `json:"result"`
}

// Noop reports whether the merge left nothing to apply.
func (m Merged) Noop() bool { return len(m.Edits) == 0 }
