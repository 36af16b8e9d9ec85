package report

import (
	"bufio"
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

// Operation statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusPartial = "partial"
)

// Record is one operation outcome, written whether the operation succeeded
// or not. Readers reconcile these against the ledger during health checks.
type Record struct {
	OpID       string   `json:"op_id"`
	TaskID     string   `json:"task_id,omitempty"`
	Actor      string   `json:"actor"`
	Resource   string   `json:"resource"`
	Status     string   `json:"status"`
	Duplicate  bool     `json:"duplicate,omitempty"`
	EntryHash  string   `json:"entry_hash,omitempty"`
	StartedAt  string   `json:"started_at"`
	DurationMS int64    `json:"duration_ms"`
	Cells      []string `json:"cells,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Sink appends operation records to per-day JSONL files. Every write is
// synced before returning, the same durability bar as the ledger.
type Sink struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewSink creates the reports directory if needed.
func NewSink(dir string) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("report: create directory: %w", err)
	}
	return &Sink{dir: dir, now: time.Now}, nil
}

// Write appends one record. A missing timestamp or status is filled in so a
// failure path can hand over a half-built record without losing the write.
func (s *Sink) Write(r Record) error {
	if r.StartedAt == "" {
		r.StartedAt = ids.UTCNowISO()
	}
	if r.Status == "" {
		r.Status = StatusFailure
	}
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("report: marshal record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, s.now().UTC().Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("report: open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("report: write record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("report: sync: %w", err)
	}
	return nil
}

// Days lists report files by day, oldest first.
func (s *Sink) Days() ([]string, error) {
	des, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("report: read directory: %w", err)
	}
	var out []string
	for _, de := range des {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		out = append(out, strings.TrimSuffix(name, ".jsonl"))
	}
	sort.Strings(out)
	return out, nil
}

// Read returns every record for one day, in write order.
func (s *Sink) Read(day string) ([]Record, error) {
	f, err := os.Open(filepath.Join(s.dir, day+".jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("report: open day %s: %w", day, err)
	}
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var r Record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			return nil, fmt.Errorf("report: parse day %s: %w", day, err)
		}
		out = append(out, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("report: scan day %s: %w", day, err)
	}
	return out, nil
}

// Recent returns the last n records across all days, oldest first.
func (s *Sink) Recent(n int) ([]Record, error) {
	days, err := s.Days()
	if err != nil {
		return nil, err
	}
	var out []Record
	for i := len(days) - 1; i >= 0 && len(out) < n; i-- {
		recs, err := s.Read(days[i])
		if err != nil {
			return nil, err
		}
		for j := len(recs) - 1; j >= 0 && len(out) < n; j-- {
			out = append(out, recs[j])
		}
	}
	// Collected newest-first; flip back.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
