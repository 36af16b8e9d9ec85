package ledger

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gridlock/internal/ids"
)

// GenesisHash is the prev_hash for the first entry in a new ledger segment.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// Ledger is an append-only set of per-resource JSONL segments with SHA-256
// hash chaining. One segment file per resource under the ledger directory.
type Ledger struct {
	dir   string
	mu    sync.Mutex
	tails map[string]string // resource -> ContentHash of last entry
}

// Open prepares a ledger rooted at dir, creating the directory if needed.
// Segment tails are recovered lazily on first append per resource.
func Open(dir string) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("ledger: create directory: %w", err)
	}
	return &Ledger{dir: dir, tails: make(map[string]string)}, nil
}

// Append completes the entry (timestamp, content hash, prev hash), writes its
// JSON line to the resource segment, and syncs to disk before returning. The
// entry's ContentHash is returned as the durable reference.
func (l *Ledger) Append(e Entry) (string, error) {
	if e.Resource == "" {
		return "", fmt.Errorf("ledger: entry has no resource")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	tail, err := l.tailLocked(e.Resource)
	if err != nil {
		return "", err
	}

	if e.Timestamp == "" {
		e.Timestamp = ids.UTCNowISO()
	}
	e.PrevHash = tail
	e.ContentHash = HashBody(e)

	line, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("ledger: marshal entry: %w", err)
	}

	path := l.segmentPath(e.Resource)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("ledger: open segment: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return "", fmt.Errorf("ledger: write entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("ledger: sync: %w", err)
	}

	l.tails[e.Resource] = e.ContentHash
	return e.ContentHash, nil
}

// Entries returns all entries for a resource in chain order. A missing
// segment yields an empty slice, not an error.
func (l *Ledger) Entries(resource string) ([]Entry, error) {
	f, err := os.Open(l.segmentPath(resource))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ledger: open segment: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("ledger: parse %s line %d: %w", resource, lineNum, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ledger: scan segment: %w", err)
	}
	return entries, nil
}

// EntriesSince returns entries for a resource whose timestamp is at or after
// t, in chain order.
func (l *Ledger) EntriesSince(resource string, t time.Time) ([]Entry, error) {
	all, err := l.Entries(resource)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		ts, err := time.Parse(ids.TimestampFormat, e.Timestamp)
		if err != nil {
			continue
		}
		if !ts.Before(t) {
			out = append(out, e)
		}
	}
	return out, nil
}

// LastRef returns the snapshot ref recorded by the most recent change_applied
// entry for the resource, or "" when no change has been recorded yet. This is
// the reconciliation engine's notion of "last-ledger-recorded snapshot".
func (l *Ledger) LastRef(resource string) (string, error) {
	ref, _, err := l.LastChange(resource)
	return ref, err
}

// LastChange returns the snapshot ref and actor of the most recent
// change_applied entry for the resource, or empty strings when no change has
// been recorded yet.
func (l *Ledger) LastChange(resource string) (ref, actor string, err error) {
	entries, err := l.Entries(resource)
	if err != nil {
		return "", "", err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Action == ActionChangeApplied && e.Payload != nil {
			return e.Payload.SnapshotRef, e.Actor, nil
		}
	}
	return "", "", nil
}

// Resources lists every resource that has a ledger segment, sorted.
func (l *Ledger) Resources() ([]string, error) {
	des, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("ledger: read directory: %w", err)
	}
	var out []string
	for _, de := range des {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		out = append(out, strings.TrimSuffix(name, segmentSuffix))
	}
	sort.Strings(out)
	return out, nil
}

// Dir returns the ledger's directory.
func (l *Ledger) Dir() string { return l.dir }

const segmentSuffix = ".jsonl"

func (l *Ledger) segmentPath(resource string) string {
	return filepath.Join(l.dir, safeName(resource)+segmentSuffix)
}

// tailLocked recovers the ContentHash of the last entry in a segment,
// reading the file only on the first append after Open.
func (l *Ledger) tailLocked(resource string) (string, error) {
	if tail, ok := l.tails[resource]; ok {
		return tail, nil
	}
	entries, err := l.Entries(resource)
	if err != nil {
		return "", err
	}
	tail := GenesisHash
	if len(entries) > 0 {
		tail = entries[len(entries)-1].ContentHash
	}
	l.tails[resource] = tail
	return tail, nil
}

// HashBody returns "sha256:<hex>" over the canonical JSON of the entry body
// (every field except content_hash, prev_hash included). The entry's
// PrevHash must be set before hashing.
func HashBody(e Entry) string {
	line, err := json.Marshal(bodyOf(e))
	if err != nil {
		// Entry bodies are plain structs; Marshal cannot fail on them.
		return ""
	}
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}

// safeName flattens a resource ID into a filename.
func safeName(resource string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_")
	return r.Replace(resource)
}
