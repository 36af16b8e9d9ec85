// Package idem rejects re-application of previously-applied operations.
// Keys are derived purely from semantic content (operation ID plus canonical
// parameter JSON), so retried or replayed operations are recognized as
// duplicates across process restarts. The fast index lives in SQLite and is
// always rebuildable from the audit ledger.
package idem

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"gridlock/internal/ids"
	"gridlock/internal/ledger"
)

// Decision is the outcome of a duplicate check. A duplicate is a successful
// no-op carrying the first application's recorded result, never an error.
type Decision struct {
	Apply  bool
	Result string
}

// Guard is the idempotency index.
type Guard struct {
	db *sql.DB
}

const appliedSchema = `
CREATE TABLE IF NOT EXISTS applied (
	key        TEXT PRIMARY KEY,
	op_id      TEXT NOT NULL,
	resource   TEXT NOT NULL,
	result     TEXT NOT NULL,
	applied_at TEXT NOT NULL
);`

// Open opens (or creates) the side-index database at path.
func Open(path string) (*Guard, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("idem: open sqlite: %w", err)
	}
	if _, err := db.Exec(appliedSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("idem: create schema: %w", err)
	}
	return &Guard{db: db}, nil
}

// Close releases the database handle.
func (g *Guard) Close() error { return g.db.Close() }

// Key derives the idempotency key: sha256 over the operation ID and the
// canonical JSON of its parameters. encoding/json sorts map keys, so any
// map-shaped parameters serialize deterministically; wall-clock time and
// random identifiers must never be part of params.
func Key(opID string, params any) (string, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("idem: marshal params: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(opID))
	h.Write([]byte{'\n'})
	h.Write(data)
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// ShouldApply checks whether the operation has already been applied.
// Found keys return Apply=false plus the previously recorded result.
func (g *Guard) ShouldApply(opID string, params any) (Decision, error) {
	key, err := Key(opID, params)
	if err != nil {
		return Decision{}, err
	}
	var result string
	err = g.db.QueryRow(`SELECT result FROM applied WHERE key = ?`, key).Scan(&result)
	if errors.Is(err, sql.ErrNoRows) {
		return Decision{Apply: true}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("idem: lookup: %w", err)
	}
	return Decision{Apply: false, Result: result}, nil
}

// MarkApplied records the operation's key and result. Written once; a
// concurrent duplicate insert leaves the first record untouched.
func (g *Guard) MarkApplied(opID string, params any, resource, result string) error {
	key, err := Key(opID, params)
	if err != nil {
		return err
	}
	_, err = g.db.Exec(
		`INSERT INTO applied(key, op_id, resource, result, applied_at)
		 VALUES (?, ?, ?, ?, ?) ON CONFLICT(key) DO NOTHING`,
		key, opID, resource, result, ids.UTCNowISO())
	if err != nil {
		return fmt.Errorf("idem: insert: %w", err)
	}
	return nil
}

// Rebuild repopulates the index from the ledger, for recovery when the
// side-index is lost or distrusted. Only change_applied entries carry an
// operation; their recorded key payload is authoritative.
func (g *Guard) Rebuild(l *ledger.Ledger) (int, error) {
	resources, err := l.Resources()
	if err != nil {
		return 0, err
	}
	if _, err := g.db.Exec(`DELETE FROM applied`); err != nil {
		return 0, fmt.Errorf("idem: clear index: %w", err)
	}

	n := 0
	for _, res := range resources {
		entries, err := l.Entries(res)
		if err != nil {
			return n, err
		}
		for _, e := range entries {
			if e.Action != ledger.ActionChangeApplied || e.Payload == nil || e.Payload.IdemKey == "" {
				continue
			}
			// MarkApplied records the entry ref as the result; the entry's
			// own content hash is that ref.
			_, err := g.db.Exec(
				`INSERT INTO applied(key, op_id, resource, result, applied_at)
				 VALUES (?, ?, ?, ?, ?) ON CONFLICT(key) DO NOTHING`,
				e.Payload.IdemKey, e.Payload.OpID, e.Resource, e.ContentHash, e.Timestamp)
			if err != nil {
				return n, fmt.Errorf("idem: reinsert: %w", err)
			}
			n++
		}
	}
	return n, nil
}
