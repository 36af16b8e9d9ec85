package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gridlock/internal/ids"
	"gridlock/internal/ledger"
	"gridlock/internal/lock"
)

// ErrUnauthorizedCaller reports a write attempted by a role other than the
// configured writer. Rejected, never silently ignored.
var ErrUnauthorizedCaller = errors.New("state: caller is not the writer role")

// DefaultWriterRole is the single logical role allowed to mutate state.
const DefaultWriterRole = "controller"

// Store manages the materialized state document with backup-before-write,
// schema validation, ledger-logged hashes, and all-or-nothing failure
// handling. The writer serializes itself through the lock service: a
// dedicated lock on StateResource is taken before any mutation.
type Store struct {
	path       string
	backupsDir string
	writerRole string
	ledger     *ledger.Ledger
	locks      *lock.Manager
	mu         sync.Mutex
}

// Config assembles a Store.
type Config struct {
	Path       string          // state document path (state.json)
	BackupsDir string          // timestamped backups directory
	WriterRole string          // defaults to DefaultWriterRole
	Ledger     *ledger.Ledger  // required: mutations are ledger entries first
	Locks      *lock.Manager   // optional: single-writer fencing when set
}

// NewStore creates a Store. The ledger is mandatory; the document itself is
// created lazily on first write.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("state: ledger is required")
	}
	if cfg.WriterRole == "" {
		cfg.WriterRole = DefaultWriterRole
	}
	if err := os.MkdirAll(cfg.BackupsDir, 0o700); err != nil {
		return nil, fmt.Errorf("state: create backups directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("state: create state directory: %w", err)
	}
	return &Store{
		path:       cfg.Path,
		backupsDir: cfg.BackupsDir,
		writerRole: cfg.WriterRole,
		ledger:     cfg.Ledger,
		locks:      cfg.Locks,
	}, nil
}

// Read returns a view of the named section ("" for the whole document).
// Any role may read.
func (s *Store) Read(section string) (any, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	return doc.Section(section)
}

// ApplyResult reports a successful mutation.
type ApplyResult struct {
	StateHash string
	EntryRef  string
}

// Apply performs one controller mutation: role check, state lock, backup,
// validation, ledger append, fold, atomic save. Any failure after the backup
// restores it before the error is reported, so the store is never left
// mid-write on any exit path.
func (s *Store) Apply(ctx context.Context, change Change, role, actor string) (ApplyResult, error) {
	if role != s.writerRole {
		return ApplyResult{}, fmt.Errorf("state: role %q rejected: %w", role, ErrUnauthorizedCaller)
	}
	if err := change.Validate(); err != nil {
		return ApplyResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The writer role is logical, not necessarily single-process: re-derive
	// single-writer semantics through the lock service.
	var handle lock.Handle
	if s.locks != nil {
		h, err := s.locks.Acquire(ctx, StateResource, actor, "state-update")
		if err != nil {
			return ApplyResult{}, fmt.Errorf("state: acquire writer lock: %w", err)
		}
		handle = h
		defer func() { _ = s.locks.Release(ctx, handle) }()
	}

	doc, err := s.load()
	if err != nil {
		return ApplyResult{}, err
	}

	backupPath, err := s.backup()
	if err != nil {
		return ApplyResult{}, err
	}

	oldValue := s.currentValue(doc, change)

	entry := ledger.Entry{
		Actor:    actor,
		Action:   ledger.ActionStateUpdated,
		Resource: StateResource,
		Payload: &ledger.Payload{
			Section:  change.Section,
			Key:      change.Key,
			Field:    change.Field,
			OldValue: oldValue,
			NewValue: change.Value,
			Result:   change.Reason,
		},
	}
	ref, err := s.ledger.Append(entry)
	if err != nil {
		s.restore(backupPath)
		return ApplyResult{}, fmt.Errorf("state: record change: %w", err)
	}

	// Fold the entry exactly as rebuild would, so the live document and a
	// replayed one cannot drift. Folding from the cursor rather than just the
	// tail also absorbs any earlier entries a fresh document has not seen.
	entries, err := s.ledger.Entries(StateResource)
	if err != nil {
		s.restore(backupPath)
		return ApplyResult{}, fmt.Errorf("state: read back change: %w", err)
	}
	if len(entries) == 0 {
		s.restore(backupPath)
		return ApplyResult{}, fmt.Errorf("state: appended entry missing from segment")
	}
	for _, folded := range entries[min(doc.Cursors[StateResource], len(entries)):] {
		doc.Fold(folded)
	}

	hash, err := s.save(doc)
	if err != nil {
		s.restore(backupPath)
		return ApplyResult{}, err
	}

	return ApplyResult{StateHash: hash, EntryRef: ref}, nil
}

// Sync folds every ledger entry beyond the document's per-segment cursors
// into the materialized state and saves it. Used by the controller's polling
// cycle to absorb worker activity. The cursors count entries, not timestamps,
// so an entry stamped "in the past" by a skewed worker clock is still
// absorbed.
func (s *Store) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	resources, err := s.ledger.Resources()
	if err != nil {
		return err
	}

	folded := 0
	for _, res := range resources {
		entries, err := s.ledger.Entries(res)
		if err != nil {
			return err
		}
		for _, e := range entries[min(doc.Cursors[res], len(entries)):] {
			doc.Fold(e)
			folded++
		}
	}
	if folded == 0 {
		return nil
	}
	if _, err := s.save(doc); err != nil {
		return err
	}
	return nil
}

// Hash returns the recorded hash of the saved document, from its companion
// .hash file.
func (s *Store) Hash() (string, error) {
	data, err := os.ReadFile(s.path + ".hash")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Path returns the state document path.
func (s *Store) Path() string { return s.path }

// load reads the document from disk, or returns an empty one when the file
// does not exist yet.
func (s *Store) load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewDocument(), nil
		}
		return nil, fmt.Errorf("state: read document: %w", err)
	}
	doc := NewDocument()
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("state: parse document: %w", err)
	}
	return doc, nil
}

// save writes the document atomically (tmp + fsync + rename) and records its
// hash in a companion file. Returns the hash.
func (s *Store) save(doc *Document) (string, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("state: marshal document: %w", err)
	}
	data = append(data, '\n')

	if err := atomicWrite(s.path, data); err != nil {
		return "", err
	}

	h := sha256.Sum256(data)
	hash := "sha256:" + hex.EncodeToString(h[:])
	if err := atomicWrite(s.path+".hash", []byte(hash+"\n")); err != nil {
		return "", err
	}
	return hash, nil
}

// backup captures the current document into the backups directory. Returns
// "" when there is nothing to back up yet.
func (s *Store) backup() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("state: read for backup: %w", err)
	}
	name := fmt.Sprintf("state-%s-%s.json",
		strings.ReplaceAll(ids.UTCNowISO(), ":", ""), ids.NewBackupID())
	path := filepath.Join(s.backupsDir, name)
	if err := atomicWrite(path, data); err != nil {
		return "", fmt.Errorf("state: write backup: %w", err)
	}
	return path, nil
}

// restore puts a backup (or nothing, for a fresh store) back in place.
func (s *Store) restore(backupPath string) {
	if backupPath == "" {
		os.Remove(s.path)
		os.Remove(s.path + ".hash")
		return
	}
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return
	}
	_ = atomicWrite(s.path, data)
	h := sha256.Sum256(data)
	_ = atomicWrite(s.path+".hash", []byte("sha256:"+hex.EncodeToString(h[:])+"\n"))
}

// Backups lists backup files, newest last.
func (s *Store) Backups() ([]string, error) {
	des, err := os.ReadDir(s.backupsDir)
	if err != nil {
		return nil, fmt.Errorf("state: read backups: %w", err)
	}
	var out []string
	for _, de := range des {
		if !de.IsDir() && strings.HasPrefix(de.Name(), "state-") {
			out = append(out, filepath.Join(s.backupsDir, de.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) currentValue(doc *Document, c Change) string {
	switch c.Section {
	case "agents":
		if a := doc.Agents[c.Key]; a != nil && c.Field == "status" {
			return a.Status
		}
	case "directives":
		if d := doc.Directives[c.Key]; d != nil {
			switch c.Field {
			case "assignee":
				return d.Assignee
			case "detail":
				return d.Detail
			case "status":
				return d.Status
			}
		}
	case "approvals":
		if a := doc.Approvals[c.Key]; a != nil {
			switch c.Field {
			case "requestor":
				return a.Requestor
			case "reason":
				return a.Reason
			case "status":
				return a.Status
			}
		}
	}
	return ""
}

// atomicWrite writes data via tmp + fsync + rename so the target always
// contains either the old or the new content, never a partial write.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("state: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("state: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("state: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("state: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("state: rename: %w", err)
	}
	return nil
}
