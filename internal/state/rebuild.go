package state

import (
	"fmt"
	"sort"
)

// RebuildReport describes a replay of the ledger into a fresh document.
type RebuildReport struct {
	Document   *Document      `json:"-"`
	Entries    int            `json:"entries"`
	Breaks     map[string]int `json:"breaks,omitempty"` // resource -> 1-based entry where the chain broke
	Incomplete bool           `json:"incomplete"`
	StateHash  string         `json:"state_hash,omitempty"`
}

// Rebuild replays every ledger segment into a fresh document and saves the
// result over the current state file. Segments with a broken hash chain are
// folded only up to the break; the report flags that the rebuild is
// incomplete and names the skipped entries rather than silently guessing.
func (s *Store) Rebuild() (*RebuildReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rep, err := s.replay("")
	if err != nil {
		return nil, err
	}
	hash, err := s.save(rep.Document)
	if err != nil {
		return nil, err
	}
	rep.StateHash = hash
	return rep, nil
}

// RebuildAt replays only entries with a timestamp at or before cut into a
// fresh document, without touching the saved state file. An empty cut means
// everything, equivalent to Rebuild minus the save.
func (s *Store) RebuildAt(cut string) (*RebuildReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replay(cut)
}

// Replay folds every entry beyond doc's per-segment cursors into it, mutating
// it in place. Returns the number of entries folded. Replaying on top of a
// RebuildAt document reproduces a full rebuild.
func (s *Store) Replay(doc *Document) (int, error) {
	resources, err := s.ledger.Resources()
	if err != nil {
		return 0, err
	}
	sort.Strings(resources)

	folded := 0
	for _, res := range resources {
		entries, _, err := s.ledger.ValidPrefix(res)
		if err != nil {
			return folded, fmt.Errorf("state: replay %s: %w", res, err)
		}
		for _, e := range entries[min(doc.Cursors[res], len(entries)):] {
			doc.Fold(e)
			folded++
		}
	}
	return folded, nil
}

func (s *Store) replay(cut string) (*RebuildReport, error) {
	resources, err := s.ledger.Resources()
	if err != nil {
		return nil, err
	}
	sort.Strings(resources)

	rep := &RebuildReport{Document: NewDocument()}
	for _, res := range resources {
		entries, vr, err := s.ledger.ValidPrefix(res)
		if err != nil {
			return nil, fmt.Errorf("state: rebuild %s: %w", res, err)
		}
		if !vr.Consistent {
			if rep.Breaks == nil {
				rep.Breaks = make(map[string]int)
			}
			// Everything at and after the break is suspect and stays out.
			rep.Breaks[res] = vr.FirstBreakAt
			rep.Incomplete = true
		}
		for _, e := range entries {
			if cut != "" && e.Timestamp > cut {
				// The cut bounds a per-segment prefix. Stopping at the
				// first entry past it keeps the document's cursors exact
				// resume points even when worker clocks disagree.
				break
			}
			rep.Document.Fold(e)
			rep.Entries++
		}
	}
	return rep, nil
}
