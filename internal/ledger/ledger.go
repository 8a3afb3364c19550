// Package ledger persists a monotonic per-file status map that makes the
// mailbox and restart queues idempotent across crashes. A key's status
// only ever rises: history < job_done < done.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Status is a processing milestone for one queue file.
type Status string

const (
	// StatusHistory means the message has been appended to history.
	StatusHistory Status = "history"
	// StatusJobDone means the application handler completed.
	StatusJobDone Status = "job_done"
	// StatusDone means the file has been archived.
	StatusDone Status = "done"
)

// Rank orders statuses; unknown statuses rank below all known ones.
func (s Status) Rank() int {
	switch s {
	case StatusHistory:
		return 1
	case StatusJobDone:
		return 2
	case StatusDone:
		return 3
	default:
		return 0
	}
}

// Entry is the persisted value for one key.
type Entry struct {
	Status    Status `json:"status"`
	UpdatedAt string `json:"updatedAt"`
}

// Ledger is a single-writer persistent status map. Every Mark that raises
// a rank is flushed to disk before it returns.
type Ledger struct {
	path    string
	mu      sync.Mutex
	entries map[string]Entry
}

const timestampLayout = "2006-01-02T15:04:05.000Z"

// Open loads the ledger at path, falling back to the .bak snapshot when
// the current file is unreadable, and starting empty when neither exists.
func Open(path string) (*Ledger, error) {
	l := &Ledger{path: path, entries: make(map[string]Entry)}

	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from config
	if errors.Is(err, fs.ErrNotExist) {
		return l, nil
	}
	if err == nil {
		if jsonErr := json.Unmarshal(data, &l.entries); jsonErr == nil {
			return l, nil
		}
	}

	backup, bakErr := os.ReadFile(path + ".bak") //nolint:gosec // G304: derived from config path
	if bakErr != nil {
		return nil, fmt.Errorf("loading ledger %s: corrupt and no usable backup", path)
	}
	if jsonErr := json.Unmarshal(backup, &l.entries); jsonErr != nil {
		return nil, fmt.Errorf("loading ledger %s: %w", path, jsonErr)
	}
	return l, nil
}

// Rank returns the persisted rank for key, 0 when the key is unknown.
func (l *Ledger) Rank(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries[key].Status.Rank()
}

// Mark raises the status for key. Marks that would lower or repeat the
// current rank are ignored without touching disk.
func (l *Ledger) Mark(key string, status Status) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if status.Rank() <= l.entries[key].Status.Rank() {
		return nil
	}
	l.entries[key] = Entry{
		Status:    status,
		UpdatedAt: time.Now().UTC().Format(timestampLayout),
	}
	return l.save()
}

// Len returns the number of tracked keys.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// save writes the map via temp file + rename, preserving the previous
// version as .bak. Callers must hold l.mu.
func (l *Ledger) save() error {
	data, err := json.MarshalIndent(l.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding ledger: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating ledger directory: %w", err)
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil { //nolint:gosec // G306: workspace-local state
		return fmt.Errorf("writing ledger temp file: %w", err)
	}
	if _, statErr := os.Stat(l.path); statErr == nil {
		// Keep the previous version so a crash mid-rename loses at most
		// one generation.
		_ = os.Rename(l.path, l.path+".bak")
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("replacing ledger: %w", err)
	}
	return nil
}
