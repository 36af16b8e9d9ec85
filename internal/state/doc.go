// Package state holds the single materialized system state document and its
// event-sourced rebuild. The document is a view over the audit ledger: every
// mutation is a ledger entry first, and replaying the ledger from genesis
// must reproduce the document field-for-field.
package state

import (
	"fmt"
	"sort"

	"gridlock/internal/ledger"
)

// StateResource is the reserved resource ID for the state document itself.
// Controller mutations chain onto this ledger segment, and the writer role
// serializes itself by locking it like any other resource.
const StateResource = "system-state"

// AgentStatus tracks one actor's activity as observed through the ledger.
type AgentStatus struct {
	Status     string `json:"status,omitempty"`
	LastAction string `json:"last_action,omitempty"`
	LastTaskID string `json:"last_task_id,omitempty"`
	LastSeen   string `json:"last_seen,omitempty"`
	Operations int    `json:"operations"`
	Conflicts  int    `json:"conflicts"`
}

// LockStatus is the active-lock table row for one resource.
type LockStatus struct {
	Owner      string `json:"owner_id"`
	TaskID     string `json:"task_id"`
	Epoch      int64  `json:"epoch"`
	AcquiredAt string `json:"acquired_at"`
}

// Directive is a pending instruction issued by the controller to an agent.
type Directive struct {
	Assignee  string `json:"assignee,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Status    string `json:"status,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// Approval is a pending approval request awaiting an operator decision.
type Approval struct {
	Requestor string `json:"requestor,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Status    string `json:"status,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// Metrics aggregates counters derived from the ledger.
type Metrics struct {
	ChangesApplied    int `json:"changes_applied"`
	ConflictsDetected int `json:"conflicts_detected"`
	ConflictsResolved int `json:"conflicts_resolved"`
	StaleOverrides    int `json:"stale_overrides"`
	StateUpdates      int `json:"state_updates"`
}

// Document is the materialized system state. Maps keep it deterministic
// under encoding/json (sorted keys), so two documents folded from the same
// ledger prefix serialize byte-for-byte equal.
type Document struct {
	Version    int                     `json:"version"`
	UpdatedAt  string                  `json:"updated_at"`
	Agents     map[string]*AgentStatus `json:"agents"`
	Locks      map[string]*LockStatus  `json:"locks"`
	Directives map[string]*Directive   `json:"directives"`
	Approvals  map[string]*Approval    `json:"approvals"`
	Metrics    Metrics                 `json:"metrics"`

	// Cursors counts the entries folded from each ledger segment. Segments
	// are append-only, so the count is an exact resume point: incremental
	// folds pick up where the document left off without trusting worker
	// clocks to be in order.
	Cursors map[string]int `json:"cursors"`
}

// NewDocument returns an empty state document.
func NewDocument() *Document {
	return &Document{
		Version:    1,
		Agents:     make(map[string]*AgentStatus),
		Locks:      make(map[string]*LockStatus),
		Directives: make(map[string]*Directive),
		Approvals:  make(map[string]*Approval),
		Cursors:    make(map[string]int),
	}
}

// Fold applies one ledger entry as a state transition. Transitions are pure
// functions of the entry, so replay order within a segment fully determines
// the outcome. Unknown actions fold to a timestamp touch only.
func (d *Document) Fold(e ledger.Entry) {
	if d.Cursors == nil {
		d.Cursors = make(map[string]int)
	}
	d.Cursors[e.Resource]++
	if e.Timestamp > d.UpdatedAt {
		d.UpdatedAt = e.Timestamp
	}
	// The activity touch is newest-wins by timestamp, not by fold order, so
	// replaying segments in any phase split converges on the same document.
	agent := d.agent(e.Actor)
	if e.Timestamp >= agent.LastSeen {
		agent.LastAction = string(e.Action)
		agent.LastSeen = e.Timestamp
		if e.TaskID != "" {
			agent.LastTaskID = e.TaskID
		}
	}

	switch e.Action {
	case ledger.ActionLockAcquired:
		ls := &LockStatus{Owner: e.Actor, TaskID: e.TaskID, AcquiredAt: e.Timestamp}
		if e.Payload != nil {
			ls.Epoch = e.Payload.Epoch
		}
		d.Locks[e.Resource] = ls

	case ledger.ActionLockReleased:
		delete(d.Locks, e.Resource)

	case ledger.ActionStaleLockOverride:
		ls := &LockStatus{Owner: e.Actor, TaskID: e.TaskID, AcquiredAt: e.Timestamp}
		if e.Payload != nil {
			ls.Epoch = e.Payload.Epoch
		}
		d.Locks[e.Resource] = ls
		d.Metrics.StaleOverrides++

	case ledger.ActionChangeApplied:
		d.Metrics.ChangesApplied++
		agent.Operations++

	case ledger.ActionConflictDetected:
		d.Metrics.ConflictsDetected++
		agent.Conflicts++

	case ledger.ActionConflictResolved:
		d.Metrics.ConflictsResolved++

	case ledger.ActionStateUpdated:
		if e.Payload != nil {
			d.applyUpdate(e.Payload, e.Timestamp)
		}
		d.Metrics.StateUpdates++
	}
}

// Change is a single controller mutation of the state document, expressed in
// the same shape the ledger records so that folding the recorded entry
// reproduces the mutation exactly.
type Change struct {
	Section string `json:"section"`
	Key     string `json:"key"`
	Field   string `json:"field"`
	Value   string `json:"value"`
	Reason  string `json:"reason,omitempty"`
}

// allowedFields is the fixed schema of controller-mutable sections/fields.
// Locks and metrics are ledger-derived only and never directly writable.
var allowedFields = map[string]map[string]bool{
	"agents": {
		"status": true,
	},
	"directives": {
		"assignee": true,
		"detail":   true,
		"status":   true,
	},
	"approvals": {
		"requestor": true,
		"reason":    true,
		"status":    true,
	},
}

// Validate checks a change against the schema before anything is written.
func (c Change) Validate() error {
	fields, ok := allowedFields[c.Section]
	if !ok {
		sections := make([]string, 0, len(allowedFields))
		for s := range allowedFields {
			sections = append(sections, s)
		}
		sort.Strings(sections)
		return fmt.Errorf("state: unknown section %q (allowed: %v)", c.Section, sections)
	}
	if c.Key == "" {
		return fmt.Errorf("state: change in section %q has no key", c.Section)
	}
	if !fields[c.Field] {
		return fmt.Errorf("state: field %q not writable in section %q", c.Field, c.Section)
	}
	return nil
}

func (d *Document) applyUpdate(p *ledger.Payload, ts string) {
	switch p.Section {
	case "agents":
		a := d.agent(p.Key)
		if p.Field == "status" {
			a.Status = p.NewValue
		}
	case "directives":
		dir := d.Directives[p.Key]
		if dir == nil {
			dir = &Directive{}
			d.Directives[p.Key] = dir
		}
		switch p.Field {
		case "assignee":
			dir.Assignee = p.NewValue
		case "detail":
			dir.Detail = p.NewValue
		case "status":
			dir.Status = p.NewValue
		}
		dir.UpdatedAt = ts
		if dir.Status == "done" || dir.Status == "cancelled" {
			delete(d.Directives, p.Key)
		}
	case "approvals":
		ap := d.Approvals[p.Key]
		if ap == nil {
			ap = &Approval{}
			d.Approvals[p.Key] = ap
		}
		switch p.Field {
		case "requestor":
			ap.Requestor = p.NewValue
		case "reason":
			ap.Reason = p.NewValue
		case "status":
			ap.Status = p.NewValue
		}
		ap.UpdatedAt = ts
		if ap.Status == "approved" || ap.Status == "denied" {
			delete(d.Approvals, p.Key)
		}
	}
}

func (d *Document) agent(actor string) *AgentStatus {
	if actor == "" {
		actor = "unknown"
	}
	a := d.Agents[actor]
	if a == nil {
		a = &AgentStatus{}
		d.Agents[actor] = a
	}
	return a
}

// Section returns one named section of the document, or the whole document
// for an empty name.
func (d *Document) Section(name string) (any, error) {
	switch name {
	case "":
		return d, nil
	case "agents":
		return d.Agents, nil
	case "locks":
		return d.Locks, nil
	case "directives":
		return d.Directives, nil
	case "approvals":
		return d.Approvals, nil
	case "metrics":
		return d.Metrics, nil
	default:
		return nil, fmt.Errorf("state: unknown section %q", name)
	}
}
