// Package waits persists the durable suspension records behind
// waitForMessage. The in-memory rendezvous in the runtime is only a
// shortcut; these records are what make a suspended turn survive a
// crash.
package waits

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kmoriya/shogun/internal/mailbox"
)

// Status of a wait record.
type Status string

const (
	// StatusPending means the agent is suspended awaiting a message.
	StatusPending Status = "pending"
	// StatusReceived means a message arrived for the suspended turn.
	StatusReceived Status = "received"
	// StatusTimeout means the wait expired before a message arrived.
	StatusTimeout Status = "timeout"
)

// MessageMeta captures the originating message of the suspended turn.
type MessageMeta struct {
	MessageID string `json:"messageId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Title     string `json:"title"`
	CreatedAt string `json:"createdAt"`
}

// Record is one durable wait, keyed by (thread, agent).
type Record struct {
	Status           Status           `json:"status"`
	ThreadID         string           `json:"threadId"`
	AgentID          string           `json:"agentId"`
	ProviderThreadID string           `json:"providerThreadId,omitempty"`
	TimeoutMs        int              `json:"timeoutMs"`
	Message          MessageMeta      `json:"message"`
	CreatedAt        string           `json:"createdAt"`
	UpdatedAt        string           `json:"updatedAt"`
	ReceivedAt       string           `json:"receivedAt,omitempty"`
	ReceivedMessage  *mailbox.Message `json:"receivedMessage,omitempty"`
}

// Key returns the record's store key.
func (r Record) Key() string {
	return Key(r.ThreadID, r.AgentID)
}

// Key builds the store key for a (thread, agent) pair.
func Key(threadID, agentID string) string {
	return threadID + "__" + agentID
}

// Store persists wait records as one JSON file per key under
// waits/pending/.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a store rooted at {base}/waits/pending.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) pathFor(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// Put creates or replaces a record, stamping timestamps.
func (s *Store) Put(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := mailbox.FormatTimestamp(time.Now())
	if rec.CreatedAt == "" {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	return s.write(rec)
}

// Get returns the record for (thread, agent).
func (s *Store) Get(threadID, agentID string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(Key(threadID, agentID))
}

// MarkReceived transitions a pending record to received with the message
// that satisfied the wait. Returns false when no pending record exists.
func (s *Store) MarkReceived(threadID, agentID string, m mailbox.Message) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok, err := s.read(Key(threadID, agentID))
	if err != nil || !ok {
		return Record{}, false, err
	}
	if rec.Status != StatusPending {
		return rec, false, nil
	}

	now := mailbox.FormatTimestamp(time.Now())
	rec.Status = StatusReceived
	rec.UpdatedAt = now
	rec.ReceivedAt = now
	rec.ReceivedMessage = &m
	if err := s.write(rec); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// MarkTimeout transitions a pending record to timeout. Returns false when
// the record is missing or no longer pending, so a racing receipt wins.
func (s *Store) MarkTimeout(threadID, agentID string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok, err := s.read(Key(threadID, agentID))
	if err != nil || !ok {
		return Record{}, false, err
	}
	if rec.Status != StatusPending {
		return rec, false, nil
	}

	rec.Status = StatusTimeout
	rec.UpdatedAt = mailbox.FormatTimestamp(time.Now())
	if err := s.write(rec); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// Clear removes the record for (thread, agent). Missing records are not
// an error.
func (s *Store) Clear(threadID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.pathFor(Key(threadID, agentID)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clearing wait record: %w", err)
	}
	return nil
}

// ListForAgent returns every persisted record belonging to one agent.
func (s *Store) ListForAgent(agentID string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing wait records: %w", err)
	}

	var out []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		rec, ok, readErr := s.read(strings.TrimSuffix(e.Name(), ".json"))
		if readErr != nil || !ok {
			continue
		}
		if rec.AgentID == agentID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// read loads one record. Callers must hold s.mu.
func (s *Store) read(key string) (Record, bool, error) {
	data, err := os.ReadFile(s.pathFor(key)) //nolint:gosec // G304: key derived from thread/agent ids
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("reading wait record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decoding wait record %s: %w", key, err)
	}
	return rec, true, nil
}

// write persists one record via temp + rename. Callers must hold s.mu.
func (s *Store) write(rec Record) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating waits directory: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding wait record: %w", err)
	}
	path := s.pathFor(rec.Key())
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil { //nolint:gosec // G306: workspace-local state
		return fmt.Errorf("writing wait record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing wait record: %w", err)
	}
	return nil
}
